package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/schollz/progressbar/v3"

	"github.com/patrikhermansson/recall/ann"
	"github.com/patrikhermansson/recall/config"
	"github.com/patrikhermansson/recall/core"
	"github.com/patrikhermansson/recall/feature"
	"github.com/patrikhermansson/recall/recall"
	"github.com/patrikhermansson/recall/snapshot"
	"github.com/patrikhermansson/recall/store"
)

// process bundles the components of a serving process.
type process struct {
	svc     *recall.Service
	loader  *snapshot.Loader
	closers []func() error
}

func (r *process) Close() error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		errs = append(errs, r.closers[i]())
	}
	return errors.Join(errs...)
}

// newFeatureClient opens the configured feature store backend.
func newFeatureClient(cfg *config.Config, rt *process) (recall.FeatureClient, error) {
	var fc recall.FeatureClient
	switch cfg.Features.Backend {
	case config.BackendBadger:
		b, err := feature.NewBadger(feature.BadgerOptions{Dir: cfg.Features.BadgerDir, ReadOnly: true})
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, b.Close)
		fc = b
	default:
		log.Warn().Msg("Using the in-memory feature store; every user lookup will miss")
		fc = feature.NewMemory()
	}
	if !cfg.Features.Cache.Enabled {
		return fc, nil
	}
	cached, err := feature.NewCached(fc, feature.CacheOptions{
		MaxItems:      cfg.Features.Cache.MaxItems,
		TTL:           cfg.Features.Cache.TTL,
		LookupTimeout: cfg.RequestTimeout,
	})
	if err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, func() error { cached.Close(); return nil })
	return cached, nil
}

// newProcess builds the service described by cfg and loads its startup
// snapshot, if any.
func newProcess(ctx context.Context, cfg *config.Config) (*process, error) {
	annCfg, err := cfg.ANN()
	if err != nil {
		return nil, err
	}
	svcCfg, err := cfg.Service()
	if err != nil {
		return nil, err
	}
	loader, err := snapshot.NewLoader(cfg.Snapshot.S3)
	if err != nil {
		return nil, err
	}

	rt := &process{loader: loader}
	fc, err := newFeatureClient(cfg, rt)
	if err != nil {
		return nil, err
	}
	idx, err := ann.New(annCfg)
	if err != nil {
		_ = rt.Close()
		return nil, err
	}
	st, err := store.New(cfg.Dimension, annCfg.Shards)
	if err != nil {
		_ = idx.Close()
		_ = rt.Close()
		return nil, err
	}
	svc, err := recall.New(svcCfg, idx, st, fc,
		recall.WithLogger(log.With().Str("component", "recall").Logger()),
		recall.WithSnapshotLoader(loader))
	if err != nil {
		_ = idx.Close()
		_ = rt.Close()
		return nil, err
	}
	rt.svc = svc
	// Closers run in reverse, so the service stops before its feature store.
	rt.closers = append(rt.closers, svc.Close)

	if cfg.Snapshot.Path != "" {
		if err := rt.loadSnapshot(ctx, cfg.Snapshot.Path, annCfg.Metric); err != nil {
			_ = rt.Close()
			return nil, err
		}
	}
	return rt, nil
}

func (r *process) loadSnapshot(ctx context.Context, path string, metric core.Metric) error {
	snap, err := r.loader.LoadSnapshot(ctx, path)
	if err != nil {
		return err
	}
	if snap.Metadata.Dimension != r.svc.Dimension() {
		return fmt.Errorf("snapshot %s has dimension %d, configured %d", path, snap.Metadata.Dimension, r.svc.Dimension())
	}
	built, err := snap.MetricValue()
	if err != nil {
		return fmt.Errorf("snapshot %s: %w", path, err)
	}
	if built != metric {
		log.Warn().Msgf("Snapshot %s was built for metric %s, serving with %s", path, built, metric)
	}
	bar := progressbar.Default(int64(len(snap.Items)), "indexing")
	defer bar.Close()
	return r.svc.Load(ctx, snap.Items, func(n int) { _ = bar.Add(n) })
}

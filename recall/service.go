// Package recall implements the online recall service: it resolves a user
// to an embedding through a FeatureClient and returns the closest catalog
// items from a sharded ANN index, while items are added concurrently.
package recall

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/patrikhermansson/recall/ann"
	"github.com/patrikhermansson/recall/core"
	"github.com/patrikhermansson/recall/snapshot"
	"github.com/patrikhermansson/recall/store"
)

// Candidates is the ordered answer of SearchCandidates: Items[i] has
// similarity Scores[i], highest first, ties broken by lower id.
type Candidates struct {
	Items  []int64   `json:"items"`
	Scores []float64 `json:"scores"`
}

// Len returns the number of candidates.
func (c Candidates) Len() int { return len(c.Items) }

// MetricsReport is the document returned by GetMetrics.
type MetricsReport struct {
	Since      time.Time                  `json:"since"`
	Operations map[string]OperationReport `json:"operations"`
	Index      ann.Stats                  `json:"index"`
	StoreSize  int                        `json:"store_size"`
	Healthy    bool                       `json:"healthy"`
}

// Service is the recall service. It owns its store, index and metrics; a
// single instance is shared by all request handlers.
type Service struct {
	cfg      Config
	index    *ann.Index
	store    *store.Store
	features FeatureClient
	limiter  *rate.Limiter
	loader   *snapshot.Loader
	metrics  *metrics
	log      zerolog.Logger

	// addMu is held shared by AddItem and exclusively by whole-state readers
	// (consistency checks, snapshots) so they see store and index agree.
	addMu sync.RWMutex

	healthy       atomic.Bool
	healthMu      sync.Mutex
	healthWatches []func(healthy bool)
}

// New creates a service over an index and store of the same dimension.
func New(cfg Config, idx *ann.Index, st *store.Store, fc FeatureClient, opts ...Option) (*Service, error) {
	const op = "recall.New"
	if idx == nil || st == nil || fc == nil {
		return nil, core.E(core.KindInvalidArgument, op, nil, "index, store and feature client are required")
	}
	if idx.Dimension() != st.Dimension() {
		return nil, core.E(core.KindInvalidArgument, op, core.ErrDimensionMismatch,
			"index dimension %d, store dimension %d", idx.Dimension(), st.Dimension())
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultConfig().RequestTimeout
	}

	s := &Service{
		cfg:      cfg,
		index:    idx,
		store:    st,
		features: fc,
		loader:   &snapshot.Loader{},
		metrics:  newMetrics(),
		log:      log.Logger,
	}
	if cfg.InsertRate > 0 {
		burst := max(cfg.InsertBurst, 1)
		s.limiter = rate.NewLimiter(rate.Limit(cfg.InsertRate), burst)
	}
	for _, opt := range opts {
		opt(s)
	}
	s.healthy.Store(true)
	return s, nil
}

// Dimension returns the embedding dimension.
func (s *Service) Dimension() int { return s.store.Dimension() }

// Load populates an empty service with items, typically from a snapshot.
// On failure the service is left empty.
func (s *Service) Load(ctx context.Context, items []core.Item, progress func(n int)) error {
	const op = "recall.Load"
	s.addMu.Lock()
	defer s.addMu.Unlock()
	if s.store.Size() != 0 || s.index.Len() != 0 {
		return core.E(core.KindInvalidArgument, op, nil, "service already holds items")
	}

	rollback := func() {
		for _, it := range items {
			s.store.Remove(it.ID)
		}
	}
	if err := s.store.Load(items); err != nil {
		rollback()
		return err
	}
	if err := s.index.Build(ctx, items, progress); err != nil {
		rollback()
		return err
	}
	s.log.Info().Msgf("Loaded %d items", len(items))
	return nil
}

// AddItem stores an item and makes it searchable. When AddItem returns nil,
// every later search observes the item.
func (s *Service) AddItem(ctx context.Context, itemID int64, vector []float32) (err error) {
	start := time.Now()
	defer func() { s.metrics.record(OpAddItem, start, err) }()
	return s.addItem(ctx, itemID, vector)
}

func (s *Service) addItem(ctx context.Context, itemID int64, vector []float32) error {
	const op = "recall.AddItem"
	if len(vector) != s.store.Dimension() {
		return core.DimensionError(op, s.store.Dimension(), len(vector))
	}
	if s.limiter != nil {
		wctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
		err := s.limiter.Wait(wctx)
		cancel()
		if err != nil {
			return core.E(core.KindDeadlineExceeded, op, err, "insert rate limit")
		}
	}

	s.addMu.RLock()
	defer s.addMu.RUnlock()
	if err := s.store.Insert(itemID, vector); err != nil {
		return err
	}
	if err := s.index.Insert(itemID, vector); err != nil {
		s.store.Remove(itemID)
		if errors.Is(err, core.ErrDuplicateID) {
			// The store accepted an id the index already holds.
			ierr := core.E(core.KindInternal, op, err, "index and store disagree on item %d", itemID)
			s.markUnhealthy(ierr)
			return ierr
		}
		return err
	}
	return nil
}

type lookupResult struct {
	vec []float32
	ok  bool
	err error
}

// SearchCandidates returns up to k items closest to the user's embedding.
func (s *Service) SearchCandidates(ctx context.Context, userID int64, k int) (c Candidates, err error) {
	start := time.Now()
	defer func() { s.metrics.record(OpSearchCandidates, start, err) }()
	return s.searchCandidates(ctx, userID, k)
}

func (s *Service) searchCandidates(ctx context.Context, userID int64, k int) (Candidates, error) {
	const op = "recall.SearchCandidates"
	if k <= 0 {
		return Candidates{}, core.E(core.KindInvalidArgument, op, core.ErrInvalidK, "k=%d", k)
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	vec, err := s.lookup(ctx, userID)
	if err != nil {
		return Candidates{}, err
	}
	neighbors, err := s.search(ctx, vec, k)
	if err != nil {
		return Candidates{}, err
	}

	out := Candidates{
		Items:  make([]int64, len(neighbors)),
		Scores: make([]float64, len(neighbors)),
	}
	for i, n := range neighbors {
		if !s.store.Contains(n.ID) {
			ierr := core.E(core.KindInternal, op, nil, "index returned item %d unknown to the store", n.ID)
			s.markUnhealthy(ierr)
			return Candidates{}, ierr
		}
		out.Items[i] = n.ID
		out.Scores[i] = core.Score(n.Distance)
	}
	return out, nil
}

// lookup resolves the user embedding, giving up when ctx is done even if the
// feature client does not return.
func (s *Service) lookup(ctx context.Context, userID int64) (vec []float32, err error) {
	const op = "recall.FeatureLookup"
	start := time.Now()
	defer func() { s.metrics.record(OpFeatureLookup, start, err) }()

	done := make(chan lookupResult, 1)
	go func() {
		v, ok, err := s.features.Lookup(ctx, userID)
		done <- lookupResult{v, ok, err}
	}()

	var res lookupResult
	select {
	case res = <-done:
	case <-ctx.Done():
		return nil, core.E(core.KindDeadlineExceeded, op, ctx.Err(), "feature lookup for user %d", userID)
	}
	switch {
	case res.err != nil:
		if kind := core.KindOf(res.err); kind != core.KindUnknown {
			return nil, core.E(kind, op, res.err, "user %d", userID)
		}
		return nil, core.E(core.KindInternal, op, res.err, "feature store failed for user %d", userID)
	case !res.ok:
		return nil, core.E(core.KindNotFound, op, core.ErrUserNotFound, "user %d", userID)
	case len(res.vec) != s.store.Dimension():
		return nil, core.E(core.KindInternal, op, core.ErrDimensionMismatch,
			"embedding of user %d has dimension %d, want %d", userID, len(res.vec), s.store.Dimension())
	}
	return res.vec, nil
}

// search runs the index search, bounded by ctx.
func (s *Service) search(ctx context.Context, vec []float32, k int) (neighbors []core.Neighbor, err error) {
	const op = "recall.IndexSearch"
	start := time.Now()
	defer func() { s.metrics.record(OpIndexSearch, start, err) }()

	type result struct {
		neighbors []core.Neighbor
		err       error
	}
	done := make(chan result, 1)
	go func() {
		n, err := s.index.Search(ctx, vec, k)
		done <- result{n, err}
	}()

	select {
	case r := <-done:
		if r.err != nil && core.KindOf(r.err) == core.KindDeadlineExceeded {
			return nil, core.E(core.KindDeadlineExceeded, op, r.err, "index search")
		}
		return r.neighbors, r.err
	case <-ctx.Done():
		return nil, core.E(core.KindDeadlineExceeded, op, ctx.Err(), "index search")
	}
}

// GetMetrics returns a JSON report of the counters since the last reset.
// The call itself is recorded after the report is built.
func (s *Service) GetMetrics(ctx context.Context) (report string, err error) {
	start := time.Now()
	defer func() { s.metrics.record(OpGetMetrics, start, err) }()

	r := s.MetricsReport()
	data, err := json.Marshal(r)
	if err != nil {
		return "", core.E(core.KindInternal, "recall.GetMetrics", err, "encode report")
	}
	return string(data), nil
}

// MetricsReport returns the current counters and index state.
func (s *Service) MetricsReport() MetricsReport {
	since, ops := s.metrics.snapshot()
	return MetricsReport{
		Since:      since,
		Operations: ops,
		Index:      s.index.Stats(),
		StoreSize:  s.store.Size(),
		Healthy:    s.Healthy(),
	}
}

// ResetMetrics zeroes all counters by swapping in a fresh generation.
// Operations in flight record into whichever generation they load.
func (s *Service) ResetMetrics(ctx context.Context) error {
	s.metrics.reset()
	s.log.Debug().Msg("Metrics reset")
	return nil
}

// Healthy reports whether no invariant violation has been detected.
func (s *Service) Healthy() bool {
	return s.healthy.Load()
}

// OnHealthChange registers fn to be called when the service becomes unhealthy.
func (s *Service) OnHealthChange(fn func(healthy bool)) {
	s.healthMu.Lock()
	defer s.healthMu.Unlock()
	s.healthWatches = append(s.healthWatches, fn)
}

func (s *Service) markUnhealthy(err error) {
	s.log.Error().Err(err).Msg("Invariant violation, marking service unhealthy")
	if !s.healthy.CompareAndSwap(true, false) {
		return
	}
	s.healthMu.Lock()
	watches := append([]func(bool){}, s.healthWatches...)
	s.healthMu.Unlock()
	for _, fn := range watches {
		fn(false)
	}
}

// CheckConsistency verifies that store and index hold the same ids. A
// mismatch marks the service unhealthy.
func (s *Service) CheckConsistency() error {
	s.addMu.Lock()
	storeIDs := s.store.IDs()
	indexIDs := s.index.IDs()
	verr := s.index.Verify()
	s.addMu.Unlock()

	if verr != nil {
		s.markUnhealthy(verr)
		return verr
	}
	if storeIDs.Equals(indexIDs) {
		return nil
	}
	missing := storeIDs.Clone()
	missing.AndNot(indexIDs)
	unknown := indexIDs.Clone()
	unknown.AndNot(storeIDs)
	err := core.E(core.KindInternal, "recall.CheckConsistency", nil,
		"store holds %d items, index %d: %d missing from index, %d unknown to store",
		storeIDs.GetCardinality(), indexIDs.GetCardinality(), missing.GetCardinality(), unknown.GetCardinality())
	s.markUnhealthy(err)
	return err
}

// WatchConsistency runs CheckConsistency every interval until ctx is done.
func (s *Service) WatchConsistency(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = s.CheckConsistency()
		}
	}
}

// Snapshot exports every item into an IndexSnapshot at path, a local file or
// s3://bucket/key.
func (s *Service) Snapshot(ctx context.Context, path string) (snapshot.Metadata, error) {
	s.addMu.Lock()
	items := s.store.Items()
	s.addMu.Unlock()

	snap := snapshot.New(s.store.Dimension(), s.index.Metric(), "service", items)
	if err := s.loader.SaveSnapshot(ctx, path, snap, s.cfg.SnapshotCompression); err != nil {
		return snapshot.Metadata{}, err
	}
	return snap.Metadata, nil
}

// Close stops background work of the index.
func (s *Service) Close() error {
	return s.index.Close()
}

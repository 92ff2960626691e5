package cmd

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/patrikhermansson/recall/server"
)

var snapshotOnExit string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the recall API over gRPC and HTTP",
	Long: `Start the recall service. When snapshot.path is set the index is built
from that snapshot (a local file or s3://bucket/key) before listening.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	f := serveCmd.Flags()
	f.String("grpc", "", "gRPC listen address (overrides listen.grpc)")
	f.String("http", "", "HTTP listen address (overrides listen.http)")
	f.String("snapshot", "", "snapshot to load at startup (overrides snapshot.path)")
	f.Int("dimension", 0, "embedding dimension (overrides dimension)")
	f.StringVar(&snapshotOnExit, "snapshot-on-exit", "", "write a snapshot to this path after shutdown")
	bindFlag("grpc", "listen.grpc")
	bindFlag("http", "listen.http")
	bindFlag("snapshot", "snapshot.path")
	bindFlag("dimension", "dimension")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	rt, err := newProcess(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Close(); err != nil {
			log.Error().Err(err).Msg("Shutdown")
		}
	}()

	if cfg.ConsistencyInterval > 0 {
		go rt.svc.WatchConsistency(ctx, cfg.ConsistencyInterval)
	}

	srv := server.New(rt.svc, server.Options{
		GRPCAddr: cfg.Listen.GRPC,
		HTTPAddr: cfg.Listen.HTTP,
	})
	log.Info().Msgf("Serving %d items (dimension %d, %s index)", rt.svc.MetricsReport().StoreSize, cfg.Dimension, cfg.Index.Kind)
	if err := srv.Run(ctx); err != nil {
		return err
	}

	if snapshotOnExit != "" {
		saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		meta, err := rt.svc.Snapshot(saveCtx, snapshotOnExit)
		if err != nil {
			return err
		}
		log.Info().Msgf("Wrote snapshot %s with %d items", meta.BuildID, meta.Count)
	}
	return nil
}

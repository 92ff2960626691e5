package cmd

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/patrikhermansson/recall/ann"
	"github.com/patrikhermansson/recall/core"
	"github.com/patrikhermansson/recall/snapshot"
)

var (
	snapshotCSV      string
	snapshotOut      string
	snapshotMetric   string
	snapshotCompress string
	snapshotVerify   bool
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Build and inspect index snapshots",
}

var snapshotBuildCmd = &cobra.Command{
	Use:   "build",
	Short: "Build a snapshot from an item_id,v0,v1,... CSV file",
	Args:  cobra.NoArgs,
	RunE:  runSnapshotBuild,
}

var snapshotInspectCmd = &cobra.Command{
	Use:   "inspect <path>",
	Short: "Print the metadata of a snapshot",
	Args:  cobra.ExactArgs(1),
	RunE:  runSnapshotInspect,
}

func init() {
	f := snapshotBuildCmd.Flags()
	f.StringVar(&snapshotCSV, "csv", "", "input CSV file")
	f.StringVarP(&snapshotOut, "out", "o", "", "output path, a local file or s3://bucket/key")
	f.StringVar(&snapshotMetric, "metric", core.Euclidean.String(), "similarity metric (euclidean, inner_product, cosine)")
	f.StringVar(&snapshotCompress, "compression", snapshot.CompressionZstd.String(), "compression (none, zstd, lz4)")
	f.BoolVar(&snapshotVerify, "verify", false, "build an index from the items before writing")
	_ = snapshotBuildCmd.MarkFlagRequired("csv")
	_ = snapshotBuildCmd.MarkFlagRequired("out")

	snapshotCmd.AddCommand(snapshotBuildCmd, snapshotInspectCmd)
	rootCmd.AddCommand(snapshotCmd)
}

func runSnapshotBuild(cmd *cobra.Command, _ []string) error {
	cfg, err := loadOptionalConfig(cmd)
	if err != nil {
		return err
	}
	metric, err := core.ParseMetric(snapshotMetric)
	if err != nil {
		return err
	}
	compression, err := snapshot.ParseCompression(snapshotCompress)
	if err != nil {
		return err
	}
	items, err := snapshot.ReadCSV(snapshotCSV)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return fmt.Errorf("%s holds no items", snapshotCSV)
	}
	dim := len(items[0].Vector)

	snap := snapshot.New(dim, metric, "csv:"+snapshotCSV, items)
	if err := snap.Validate(); err != nil {
		return err
	}
	if snapshotVerify {
		annCfg := ann.DefaultConfig(dim)
		annCfg.Metric = metric
		idx, err := ann.New(annCfg)
		if err != nil {
			return err
		}
		defer idx.Close()
		bar := progressbar.Default(int64(len(items)), "verifying")
		err = idx.Build(cmd.Context(), items, func(n int) { _ = bar.Add(n) })
		_ = bar.Close()
		if err != nil {
			return err
		}
	}

	loader, err := snapshot.NewLoader(cfg.Snapshot.S3)
	if err != nil {
		return err
	}
	if err := loader.SaveSnapshot(cmd.Context(), snapshotOut, snap, compression); err != nil {
		return err
	}
	log.Info().Msgf("Built snapshot %s: %d items, dimension %d, %s", snap.Metadata.BuildID, snap.Metadata.Count, dim, metric)
	return nil
}

func runSnapshotInspect(cmd *cobra.Command, args []string) error {
	cfg, err := loadOptionalConfig(cmd)
	if err != nil {
		return err
	}
	loader, err := snapshot.NewLoader(cfg.Snapshot.S3)
	if err != nil {
		return err
	}
	snap, err := loader.LoadSnapshot(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	m := snap.Metadata
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "build id:       %s\n", m.BuildID)
	fmt.Fprintf(out, "format version: %d\n", m.FormatVersion)
	fmt.Fprintf(out, "source:         %s\n", m.Source)
	fmt.Fprintf(out, "created at:     %s\n", m.CreatedAt.Format("2006-01-02 15:04:05 MST"))
	fmt.Fprintf(out, "metric:         %s\n", m.Metric)
	fmt.Fprintf(out, "dimension:      %d\n", m.Dimension)
	fmt.Fprintf(out, "items:          %d\n", m.Count)
	return nil
}

package cmd

import (
	"fmt"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/patrikhermansson/recall/ann"
	"github.com/patrikhermansson/recall/core"
	"github.com/patrikhermansson/recall/internal/bench"
	"github.com/patrikhermansson/recall/snapshot"
)

var benchOpts struct {
	csv        string
	items      int
	queries    int
	dim        int
	k          int
	workers    int
	maxResults int
	seed       int64
}

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Measure Recall@K of the configured index against exact search",
	Long: `Build the configured index from a CSV file (or random items) and compare
its answers for random queries with an exact scan.`,
	Args: cobra.NoArgs,
	RunE: runBench,
}

func init() {
	f := benchCmd.Flags()
	f.StringVar(&benchOpts.csv, "csv", "", "items CSV file; random items when empty")
	f.IntVar(&benchOpts.items, "items", 10_000, "number of random items")
	f.IntVar(&benchOpts.queries, "queries", 200, "number of random queries")
	f.IntVar(&benchOpts.dim, "dim", 32, "dimension of random items")
	f.IntVarP(&benchOpts.k, "k", "k", 10, "neighbors per query")
	f.IntVar(&benchOpts.workers, "workers", 1, "concurrent query workers")
	f.IntVar(&benchOpts.maxResults, "show", 0, "print this many neighbors per query")
	f.Int64Var(&benchOpts.seed, "seed", 1, "seed of the random items and queries")
	rootCmd.AddCommand(benchCmd)
}

func runBench(cmd *cobra.Command, _ []string) error {
	cfg, err := loadOptionalConfig(cmd)
	if err != nil {
		return err
	}

	var items []core.Item
	if benchOpts.csv != "" {
		if items, err = snapshot.ReadCSV(benchOpts.csv); err != nil {
			return err
		}
		if len(items) == 0 {
			return fmt.Errorf("%s holds no items", benchOpts.csv)
		}
	} else {
		items = bench.RandomItems(benchOpts.items, benchOpts.dim, benchOpts.seed)
	}
	dim := len(items[0].Vector)

	cfg.Dimension = dim
	annCfg, err := cfg.ANN()
	if err != nil {
		return err
	}
	idx, err := ann.New(annCfg)
	if err != nil {
		return err
	}
	defer idx.Close()

	bar := progressbar.Default(int64(len(items)), "indexing")
	err = idx.Build(cmd.Context(), items, func(n int) { _ = bar.Add(n) })
	_ = bar.Close()
	if err != nil {
		return err
	}

	res, err := bench.Run(cmd.Context(), idx, items, bench.RandomQueries(benchOpts.queries, dim, benchOpts.seed+1),
		bench.Options{K: benchOpts.k, Workers: benchOpts.workers, Progress: true})
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Index: %s, %s, %d shards, %d items of dimension %d\n",
		annCfg.Kind, annCfg.Metric, annCfg.Shards, len(items), dim)
	fmt.Fprint(cmd.OutOrStdout(), bench.Report(res, benchOpts.maxResults))
	return nil
}

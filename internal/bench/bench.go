// Package bench measures how well the ANN index approximates exact search.
package bench

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"

	"github.com/patrikhermansson/recall/ann"
	"github.com/patrikhermansson/recall/core"
)

// Options controls a benchmark run.
type Options struct {
	K        int
	Workers  int
	Progress bool
}

// QueryResult holds the outcome of one query.
type QueryResult struct {
	Recall    float64
	Duration  time.Duration
	Predicted []core.Neighbor
	Truth     []core.Neighbor
}

// Result aggregates a run.
type Result struct {
	K           int
	Queries     []QueryResult
	MeanRecall  float64
	MeanLatency time.Duration
	Total       time.Duration
}

// Run queries idx with every query and compares the answer to an exact scan
// of items under the index metric.
func Run(ctx context.Context, idx *ann.Index, items []core.Item, queries [][]float32, opts Options) (Result, error) {
	if opts.K <= 0 {
		return Result{}, core.E(core.KindInvalidArgument, "bench.Run", core.ErrInvalidK, "k=%d", opts.K)
	}
	workers := max(opts.Workers, 1)
	start := time.Now()
	metric := idx.Metric()

	prepared := make([]core.Item, len(items))
	for i, it := range items {
		prepared[i] = core.Item{ID: it.ID, Vector: core.PrepareVector(it.Vector, metric)}
	}

	var bar *progressbar.ProgressBar
	var barMu sync.Mutex
	if opts.Progress {
		bar = progressbar.Default(int64(len(queries)), "querying")
	}

	results := make([]QueryResult, len(queries))
	tasks := make(chan int)
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for i := range tasks {
				q := queries[i]
				t0 := time.Now()
				got, err := idx.Search(gctx, q, opts.K)
				if err != nil {
					return fmt.Errorf("query %d: %w", i, err)
				}
				elapsed := time.Since(t0)
				truth := Exact(metric, prepared, core.PrepareVector(q, metric), opts.K)
				results[i] = QueryResult{
					Recall:    RecallAtK(got, truth, opts.K),
					Duration:  elapsed,
					Predicted: got,
					Truth:     truth,
				}
				if bar != nil {
					barMu.Lock()
					_ = bar.Add(1)
					barMu.Unlock()
				}
			}
			return nil
		})
	}
	g.Go(func() error {
		defer close(tasks)
		for i := range queries {
			select {
			case tasks <- i:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	res := Result{K: opts.K, Queries: results, Total: time.Since(start)}
	if len(results) > 0 {
		var recall float64
		var latency time.Duration
		for _, r := range results {
			recall += r.Recall
			latency += r.Duration
		}
		res.MeanRecall = recall / float64(len(results))
		res.MeanLatency = latency / time.Duration(len(results))
	}
	log.Info().Msgf("Recall@%d over %d queries: %.3f (mean latency %v)", opts.K, len(results), res.MeanRecall, res.MeanLatency)
	return res, nil
}

// Exact returns the k nearest items to query by a full scan.
func Exact(metric core.Metric, items []core.Item, query []float32, k int) []core.Neighbor {
	dist := metric.Distance()
	top := core.NewTopK(k)
	for _, it := range items {
		top.Push(core.Neighbor{ID: it.ID, Distance: dist(query, it.Vector)})
	}
	return top.Sorted()
}

// RecallAtK is the fraction of the exact top k found in the first k predictions.
func RecallAtK(predicted, truth []core.Neighbor, k int) float64 {
	if k <= 0 || len(truth) == 0 {
		return 0
	}
	want := make(map[int64]struct{}, len(truth))
	for _, n := range truth[:min(k, len(truth))] {
		want[n.ID] = struct{}{}
	}
	hits := 0
	for _, n := range predicted[:min(k, len(predicted))] {
		if _, ok := want[n.ID]; ok {
			hits++
		}
	}
	return float64(hits) / float64(len(want))
}

// RandomItems generates n items with ids 1..n and uniform components in [-1, 1).
func RandomItems(n, dim int, seed int64) []core.Item {
	rnd := rand.New(rand.NewSource(seed))
	items := make([]core.Item, n)
	for i := range items {
		items[i] = core.Item{ID: int64(i + 1), Vector: randomVector(rnd, dim)}
	}
	return items
}

// RandomQueries generates n query vectors.
func RandomQueries(n, dim int, seed int64) [][]float32 {
	rnd := rand.New(rand.NewSource(seed))
	qs := make([][]float32, n)
	for i := range qs {
		qs[i] = randomVector(rnd, dim)
	}
	return qs
}

func randomVector(rnd *rand.Rand, dim int) []float32 {
	v := make([]float32, dim)
	for i := range v {
		v[i] = rnd.Float32()*2 - 1
	}
	return v
}

// Report renders the summary and, when opts.MaxResults > 0, the first
// neighbors of each query next to the exact answer.
func Report(res Result, maxResults int) string {
	var b strings.Builder
	if maxResults > 0 {
		for i, q := range res.Queries {
			fmt.Fprintf(&b, "Query #%d:\n", i+1)
			fmt.Fprintf(&b, " -> Predicted:     %s\n", formatNeighbors(q.Predicted, maxResults))
			fmt.Fprintf(&b, " -> Ground-truth:  %s\n", formatNeighbors(q.Truth, maxResults))
			fmt.Fprintf(&b, " -> Recall@%d:     %.2f, Response time: %v\n", res.K, q.Recall, q.Duration)
		}
	}
	fmt.Fprintf(&b, "Average Recall@%d over %d queries: %.3f\n", res.K, len(res.Queries), res.MeanRecall)
	fmt.Fprintf(&b, "Average query response time: %v\n", res.MeanLatency)
	fmt.Fprintf(&b, "Overall runtime: %v\n", res.Total)
	return b.String()
}

func formatNeighbors(ns []core.Neighbor, limit int) string {
	parts := make([]string, 0, limit)
	for _, n := range ns[:min(limit, len(ns))] {
		parts = append(parts, fmt.Sprintf("id=%d (dist=%.3f)", n.ID, n.Distance))
	}
	return strings.Join(parts, " ")
}

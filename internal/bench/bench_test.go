package bench_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patrikhermansson/recall/ann"
	"github.com/patrikhermansson/recall/core"
	"github.com/patrikhermansson/recall/internal/bench"
)

func TestRecallAtK(t *testing.T) {
	truth := []core.Neighbor{{ID: 1}, {ID: 2}, {ID: 3}, {ID: 4}}
	predicted := []core.Neighbor{{ID: 1}, {ID: 9}, {ID: 3}, {ID: 4}}

	assert.InDelta(t, 0.75, bench.RecallAtK(predicted, truth, 4), 1e-9)
	assert.InDelta(t, 0.5, bench.RecallAtK(predicted, truth, 2), 1e-9)
	assert.Zero(t, bench.RecallAtK(predicted, nil, 4))
	assert.Zero(t, bench.RecallAtK(predicted, truth, 0))
}

func TestExact(t *testing.T) {
	items := []core.Item{
		{ID: 3, Vector: []float32{0, 0}},
		{ID: 1, Vector: []float32{1, 0}},
		{ID: 2, Vector: []float32{1, 0}},
	}
	got := bench.Exact(core.Euclidean, items, []float32{1, 0}, 2)
	require.Len(t, got, 2)
	assert.Equal(t, int64(1), got[0].ID, "ties go to the lower id")
	assert.Equal(t, int64(2), got[1].ID)
}

func TestRun(t *testing.T) {
	// Arrange
	const dim = 16
	items := bench.RandomItems(2000, dim, 1)
	cfg := ann.DefaultConfig(dim)
	cfg.Seed = 5
	idx, err := ann.New(cfg)
	require.NoError(t, err)
	defer idx.Close()
	require.NoError(t, idx.Build(context.Background(), items, nil))

	// Act
	res, err := bench.Run(context.Background(), idx, items, bench.RandomQueries(50, dim, 2),
		bench.Options{K: 10, Workers: 4})

	// Assert
	require.NoError(t, err)
	assert.Len(t, res.Queries, 50)
	assert.Greater(t, res.MeanRecall, 0.8)
	assert.Contains(t, bench.Report(res, 0), "Average Recall@10 over 50 queries")
	assert.Contains(t, bench.Report(res, 3), "Query #50:")

	_, err = bench.Run(context.Background(), idx, items, nil, bench.Options{K: 0})
	assert.True(t, core.IsKind(err, core.KindInvalidArgument))
}

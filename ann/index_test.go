package ann_test

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patrikhermansson/recall/ann"
	"github.com/patrikhermansson/recall/core"
)

func randomItems(n, dim int, seed int64) []core.Item {
	rnd := rand.New(rand.NewSource(seed))
	items := make([]core.Item, n)
	for i := range items {
		vec := make([]float32, dim)
		for j := range vec {
			vec[j] = rnd.Float32()*2 - 1
		}
		items[i] = core.Item{ID: int64(i + 1), Vector: vec}
	}
	return items
}

func newIndex(t *testing.T, kind string, metric core.Metric, dim int) *ann.Index {
	t.Helper()
	cfg := ann.DefaultConfig(dim)
	cfg.Kind = kind
	cfg.Metric = metric
	cfg.Shards = 3
	cfg.IVF = ann.IVFConfig{Partitions: 8, Probes: 3, KMeansIters: 10}
	cfg.AbsorbInterval = 5 * time.Millisecond
	cfg.Seed = 42
	idx, err := ann.New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })
	return idx
}

func TestNew_Validation(t *testing.T) {
	_, err := ann.New(ann.Config{Dimension: 0})
	assert.True(t, core.IsKind(err, core.KindInvalidArgument))

	cfg := ann.DefaultConfig(4)
	cfg.Kind = "lsh"
	_, err = ann.New(cfg)
	assert.True(t, core.IsKind(err, core.KindInvalidArgument))
}

func TestIndex_InsertThenFind(t *testing.T) {
	for _, kind := range []string{ann.KindHNSW, ann.KindIVF} {
		t.Run(kind, func(t *testing.T) {
			idx := newIndex(t, kind, core.Euclidean, 8)
			require.NoError(t, idx.Build(context.Background(), randomItems(500, 8, 1), nil))

			// Act: insert a new item and search for its exact vector.
			vec := []float32{3, 3, 3, 3, 3, 3, 3, 3}
			require.NoError(t, idx.Insert(10_000, vec))
			res, err := idx.Search(context.Background(), vec, 5)

			// Assert: read-your-writes before the absorber ran.
			require.NoError(t, err)
			require.Len(t, res, 5)
			assert.Equal(t, int64(10_000), res[0].ID)

			idx.Flush()
			assert.Equal(t, 0, idx.PendingLen())
			res, err = idx.Search(context.Background(), vec, 1)
			require.NoError(t, err)
			assert.Equal(t, int64(10_000), res[0].ID)
		})
	}
}

func TestIndex_KBounded(t *testing.T) {
	idx := newIndex(t, ann.KindHNSW, core.InnerProduct, 4)
	items := randomItems(20, 4, 2)
	require.NoError(t, idx.Build(context.Background(), items[:10], nil))
	for _, it := range items[10:] {
		require.NoError(t, idx.Insert(it.ID, it.Vector))
	}

	for _, k := range []int{1, 5, 20, 100} {
		res, err := idx.Search(context.Background(), items[0].Vector, k)
		require.NoError(t, err)
		assert.Len(t, res, min(k, 20))
		for i := 1; i < len(res); i++ {
			assert.True(t, core.Closer(res[i-1], res[i]), "results must be strictly ordered")
		}
	}

	_, err := idx.Search(context.Background(), items[0].Vector, 0)
	assert.ErrorIs(t, err, core.ErrInvalidK)
	assert.True(t, core.IsKind(err, core.KindInvalidArgument))
}

func TestIndex_DimensionValidation(t *testing.T) {
	idx := newIndex(t, ann.KindHNSW, core.Euclidean, 4)
	require.NoError(t, idx.Insert(1, []float32{1, 2, 3, 4}))

	err := idx.Insert(2, []float32{1, 2, 3})
	assert.ErrorIs(t, err, core.ErrDimensionMismatch)
	_, err = idx.Search(context.Background(), []float32{1, 2}, 1)
	assert.ErrorIs(t, err, core.ErrDimensionMismatch)

	err = idx.Insert(1, []float32{4, 3, 2, 1})
	assert.ErrorIs(t, err, core.ErrDuplicateID)
	assert.Equal(t, 1, idx.Len())
	assert.False(t, idx.Contains(2))
}

func TestIndex_BuildValidation(t *testing.T) {
	idx := newIndex(t, ann.KindHNSW, core.Euclidean, 2)

	err := idx.Build(context.Background(), []core.Item{{ID: 1, Vector: []float32{1, 1}}, {ID: 1, Vector: []float32{2, 2}}}, nil)
	assert.ErrorIs(t, err, core.ErrDuplicateID)
	err = idx.Build(context.Background(), []core.Item{{ID: 1, Vector: []float32{1}}}, nil)
	assert.ErrorIs(t, err, core.ErrDimensionMismatch)
	assert.Equal(t, 0, idx.Len())

	total := 0
	require.NoError(t, idx.Build(context.Background(), randomItems(3000, 2, 3), func(n int) { total += n }))
	assert.Equal(t, 3000, total)
	assert.Equal(t, 3000, idx.Len())

	err = idx.Build(context.Background(), randomItems(1, 2, 4), nil)
	assert.True(t, core.IsKind(err, core.KindInvalidArgument))
}

func TestIndex_Deterministic(t *testing.T) {
	idx := newIndex(t, ann.KindHNSW, core.Cosine, 6)
	require.NoError(t, idx.Build(context.Background(), randomItems(400, 6, 5), nil))
	idx.Flush()

	query := randomItems(1, 6, 6)[0].Vector
	first, err := idx.Search(context.Background(), query, 8)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := idx.Search(context.Background(), query, 8)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestIndex_PendingLimitAbsorbsInline(t *testing.T) {
	// Arrange
	cfg := ann.DefaultConfig(2)
	cfg.Shards = 1
	cfg.PendingLimit = 4
	cfg.AbsorbBatch = 1
	cfg.AbsorbInterval = time.Hour
	idx, err := ann.New(cfg)
	require.NoError(t, err)
	defer idx.Close()

	// Act & Assert
	for i := int64(1); i <= 50; i++ {
		require.NoError(t, idx.Insert(i, []float32{float32(i), 0}))
		assert.LessOrEqual(t, idx.PendingLen(), 4)
	}
	assert.Equal(t, 50, idx.Len())
	require.NoError(t, idx.Verify())
	res, err := idx.Search(context.Background(), []float32{50, 0}, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(50), res[0].ID)
}

func TestIndex_BuildCanceledLeavesIndexEmpty(t *testing.T) {
	for _, kind := range []string{ann.KindHNSW, ann.KindIVF} {
		t.Run(kind, func(t *testing.T) {
			// Arrange: every shard gets more than one build chunk.
			idx := newIndex(t, kind, core.Euclidean, 4)
			items := randomItems(6000, 4, 11)
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			var once sync.Once

			// Act
			err := idx.Build(ctx, items, func(int) { once.Do(cancel) })

			// Assert
			require.ErrorIs(t, err, context.Canceled)
			assert.Zero(t, idx.Len())
			assert.Zero(t, idx.PendingLen())
			assert.False(t, idx.Contains(items[0].ID))
			require.NoError(t, idx.Verify())
			res, err := idx.Search(context.Background(), items[0].Vector, 5)
			require.NoError(t, err)
			assert.Empty(t, res)

			require.NoError(t, idx.Build(context.Background(), items[:300], nil))
			assert.Equal(t, 300, idx.Len())
			require.NoError(t, idx.Verify())
		})
	}
}

func TestIndex_AbsorbKeepsInsertedItemsFindable(t *testing.T) {
	// Arrange
	cfg := ann.DefaultConfig(8)
	cfg.Shards = 2
	cfg.Seed = 5
	cfg.AbsorbInterval = time.Hour
	idx, err := ann.New(cfg)
	require.NoError(t, err)
	defer idx.Close()
	require.NoError(t, idx.Build(context.Background(), randomItems(500, 8, 12), nil))
	added := randomItems(520, 8, 13)[500:]
	for _, it := range added {
		require.NoError(t, idx.Insert(it.ID+1000, it.Vector))
	}

	search := func() [][]core.Neighbor {
		out := make([][]core.Neighbor, len(added))
		for i, it := range added {
			res, err := idx.Search(context.Background(), it.Vector, 5)
			require.NoError(t, err)
			out[i] = res
		}
		return out
	}

	// Act
	before := search()
	idx.Flush()
	after := search()

	// Assert: exact matches stay on top and a settled index is stable.
	assert.Zero(t, idx.PendingLen())
	for i, it := range added {
		assert.Equal(t, it.ID+1000, before[i][0].ID)
		assert.Equal(t, it.ID+1000, after[i][0].ID)
	}
	assert.Equal(t, after, search())
}

func TestIndex_VerifyAcrossAbsorb(t *testing.T) {
	idx := newIndex(t, ann.KindHNSW, core.Euclidean, 2)
	require.NoError(t, idx.Build(context.Background(), randomItems(50, 2, 3), nil))
	require.NoError(t, idx.Insert(100, []float32{1, 1}))
	require.NoError(t, idx.Verify())
	idx.Flush()
	require.NoError(t, idx.Verify())
}

func TestIndex_SearchCanceled(t *testing.T) {
	idx := newIndex(t, ann.KindHNSW, core.Euclidean, 2)
	require.NoError(t, idx.Insert(1, []float32{1, 1}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := idx.Search(ctx, []float32{1, 1}, 1)
	assert.True(t, core.IsKind(err, core.KindDeadlineExceeded))
}

func TestIndex_Close(t *testing.T) {
	idx := newIndex(t, ann.KindIVF, core.Euclidean, 2)
	require.NoError(t, idx.Insert(1, []float32{1, 1}))
	require.NoError(t, idx.Close())
	require.NoError(t, idx.Close())

	assert.Equal(t, 0, idx.PendingLen())
	assert.ErrorIs(t, idx.Insert(2, []float32{2, 2}), core.ErrClosed)
	res, err := idx.Search(context.Background(), []float32{1, 1}, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res[0].ID)
}

func TestIndex_ConcurrentAddSearch(t *testing.T) {
	idx := newIndex(t, ann.KindHNSW, core.Euclidean, 8)
	require.NoError(t, idx.Build(context.Background(), randomItems(200, 8, 7), nil))

	const writers = 4
	const perWriter = 100
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			rnd := rand.New(rand.NewSource(int64(w)))
			for i := 0; i < perWriter; i++ {
				id := int64(1000 + w*perWriter + i)
				vec := make([]float32, 8)
				for j := range vec {
					vec[j] = float32(id)*0.5 + rnd.Float32()*0.01
				}
				if !assert.NoError(t, idx.Insert(id, vec)) {
					return
				}
				// Each writer sees its own insert immediately.
				res, err := idx.Search(context.Background(), vec, 1)
				if assert.NoError(t, err) && assert.Len(t, res, 1) {
					assert.Equal(t, id, res[0].ID, fmt.Sprintf("writer %d item %d", w, i))
				}
			}
		}(w)
	}
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			query := randomItems(1, 8, 99)[0].Vector
			for i := 0; i < 200; i++ {
				res, err := idx.Search(context.Background(), query, 10)
				if !assert.NoError(t, err) {
					return
				}
				seen := map[int64]bool{}
				for _, n := range res {
					assert.False(t, seen[n.ID], "duplicate id %d", n.ID)
					seen[n.ID] = true
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 200+writers*perWriter, idx.Len())
	assert.Equal(t, uint64(200+writers*perWriter), idx.IDs().GetCardinality())
}

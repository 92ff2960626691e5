package ivf_test

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patrikhermansson/recall/core"
	"github.com/patrikhermansson/recall/ivf"
)

func randomItems(n, dim int, seed int64) []core.Item {
	rnd := rand.New(rand.NewSource(seed))
	items := make([]core.Item, n)
	for i := range items {
		vec := make([]float32, dim)
		for j := range vec {
			vec[j] = rnd.Float32()
		}
		items[i] = core.Item{ID: int64(i), Vector: vec}
	}
	return items
}

func TestIVF_BasicOperations(t *testing.T) {
	idx := ivf.New(6, 3, 1, 5, core.Euclidean, 1)

	// Test Add.
	require.NoError(t, idx.Add(1, []float32{1, 2, 3, 4, 5, 6}))
	stats := idx.Stats()
	assert.Equal(t, 1, stats.Count)
	assert.Equal(t, "ivf", stats.Kind)
	assert.False(t, idx.Trained())

	// Test validation.
	assert.ErrorIs(t, idx.Add(1, []float32{6, 5, 4, 3, 2, 1}), core.ErrDuplicateID)
	assert.ErrorIs(t, idx.Add(2, []float32{6, 5, 4}), core.ErrDimensionMismatch)
	assert.Equal(t, 1, idx.Len())
	assert.True(t, idx.Has(1))
}

func TestIVF_Search(t *testing.T) {
	idx := ivf.New(6, 3, 1, 5, core.Euclidean, 1)

	// Arrange: insert several vectors one by one.
	vectors := map[int64][]float32{
		1: {1, 2, 3, 4, 5, 6},
		2: {6, 5, 4, 3, 2, 1},
		3: {1, 1, 1, 1, 1, 1},
		4: {2, 2, 2, 2, 2, 2},
	}
	for id := int64(1); id <= 4; id++ {
		require.NoError(t, idx.Add(id, vectors[id]))
	}

	// Act
	neighbors, err := idx.Search([]float32{1, 2, 3, 4, 5, 6}, 2)

	// Assert: probing widens until k vectors were scored.
	require.NoError(t, err)
	require.Len(t, neighbors, 2)
	assert.Equal(t, int64(1), neighbors[0].ID)

	all, err := idx.Search([]float32{0, 0, 0, 0, 0, 0}, 10)
	require.NoError(t, err)
	assert.Len(t, all, 4)

	_, err = idx.Search([]float32{1}, 1)
	assert.ErrorIs(t, err, core.ErrDimensionMismatch)
	_, err = idx.Search([]float32{1, 2, 3, 4, 5, 6}, -1)
	assert.ErrorIs(t, err, core.ErrInvalidK)
}

func TestIVF_SearchEmpty(t *testing.T) {
	idx := ivf.New(2, 4, 2, 5, core.Euclidean, 1)
	res, err := idx.Search([]float32{1, 1}, 3)
	require.NoError(t, err)
	assert.Empty(t, res)
}

func TestIVF_BulkAddTrains(t *testing.T) {
	items := randomItems(1000, 8, 2)
	idx := ivf.New(8, 16, 4, 10, core.Euclidean, 3)

	require.NoError(t, idx.BulkAdd(items))
	assert.True(t, idx.Trained())
	assert.Equal(t, 1000, idx.Len())
	assert.Equal(t, uint64(1000), idx.IDs().GetCardinality())

	// Every stored vector finds itself.
	for i := 0; i < 100; i++ {
		it := items[i*10]
		res, err := idx.Search(it.Vector, 3)
		require.NoError(t, err)
		require.Len(t, res, 3)
		assert.Equal(t, it.ID, res[0].ID)
	}

	// Duplicates reject the whole batch.
	err := idx.BulkAdd([]core.Item{{ID: 5000, Vector: make([]float32, 8)}, {ID: 5000, Vector: make([]float32, 8)}})
	assert.ErrorIs(t, err, core.ErrDuplicateID)
	assert.Equal(t, 1000, idx.Len())
}

func TestIVF_TrainReassigns(t *testing.T) {
	items := randomItems(200, 4, 4)
	idx := ivf.New(4, 8, 2, 10, core.InnerProduct, 5)
	for _, it := range items {
		require.NoError(t, idx.Add(it.ID, it.Vector))
	}

	vectors := make([][]float32, len(items))
	for i, it := range items {
		vectors[i] = it.Vector
	}
	require.NoError(t, idx.Train(vectors))
	assert.True(t, idx.Trained())
	assert.Equal(t, 200, idx.Len())

	res, err := idx.Search(items[0].Vector, 200)
	require.NoError(t, err)
	assert.Len(t, res, 200)

	assert.Error(t, idx.Train(nil))
}

func TestIVF_SearchIsDeterministic(t *testing.T) {
	items := randomItems(300, 6, 6)
	idx := ivf.New(6, 8, 2, 10, core.Euclidean, 7)
	require.NoError(t, idx.BulkAdd(items))

	query := randomItems(1, 6, 8)[0].Vector
	first, err := idx.Search(query, 10)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := idx.Search(query, 10)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

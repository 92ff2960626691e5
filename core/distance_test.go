package core_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patrikhermansson/recall/core"
)

func TestDistanceFunctions(t *testing.T) {
	tests := []struct {
		name                     string
		a, b                     []float32
		expectedEuclidean        float64
		expectedSquaredEuclidean float64
		expectedDot              float64
	}{
		{
			name:                     "Identical Vectors",
			a:                        []float32{1, 2, 3, 4, 5, 6},
			b:                        []float32{1, 2, 3, 4, 5, 6},
			expectedEuclidean:        0,
			expectedSquaredEuclidean: 0,
			expectedDot:              91,
		},
		{
			name: "Opposite Order",
			a:    []float32{1, 2, 3, 4, 5, 6},
			b:    []float32{6, 5, 4, 3, 2, 1},
			// Euclidean: sqrt(70), squared=70.
			expectedEuclidean:        math.Sqrt(70),
			expectedSquaredEuclidean: 70,
			expectedDot:              56,
		},
		{
			name:                     "Binary Opposites",
			a:                        []float32{1, 0, 0, 1, 0, 1},
			b:                        []float32{0, 1, 1, 0, 1, 0},
			expectedEuclidean:        math.Sqrt(6),
			expectedSquaredEuclidean: 6,
			expectedDot:              0,
		},
		{
			name:                     "Odd Length",
			a:                        []float32{1, 2, 3},
			b:                        []float32{1, 2, 5},
			expectedEuclidean:        2,
			expectedSquaredEuclidean: 4,
			expectedDot:              20,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.expectedEuclidean, core.EuclideanDistance(tt.a, tt.b), 1e-5)
			assert.InDelta(t, tt.expectedSquaredEuclidean, core.SquaredEuclidean(tt.a, tt.b), 1e-5)
			assert.InDelta(t, tt.expectedDot, core.Dot(tt.a, tt.b), 1e-5)
		})
	}
}

func TestDistancePanicsOnMismatch(t *testing.T) {
	assert.Panics(t, func() { core.Dot([]float32{1, 2}, []float32{1}) })
	assert.Panics(t, func() { core.SquaredEuclidean(nil, nil) })
}

func TestParseMetric(t *testing.T) {
	for name, want := range map[string]core.Metric{
		"euclidean":     core.Euclidean,
		"L2":            core.Euclidean,
		"inner_product": core.InnerProduct,
		" ip ":          core.InnerProduct,
		"cosine":        core.Cosine,
	} {
		got, err := core.ParseMetric(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, got, name)
	}

	_, err := core.ParseMetric("hamming")
	assert.Error(t, err)
}

func TestMetricDistanceOrdersBySimilarity(t *testing.T) {
	query := []float32{1, 0}
	near := []float32{2, 0}
	far := []float32{0, 3}

	// Inner product prefers the larger projection.
	ip := core.InnerProduct.Distance()
	assert.Less(t, ip(query, near), ip(query, far))
	assert.Equal(t, 2.0, core.Score(ip(query, near)))

	// Euclidean score is the negative distance.
	l2 := core.Euclidean.Distance()
	assert.InDelta(t, -1.0, core.Score(l2(query, near)), 1e-6)
}

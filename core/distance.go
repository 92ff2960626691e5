package core

import (
	"fmt"
	"math"
	"strings"
)

// Metric selects how similarity between two vectors is scored.
type Metric int

const (
	// Euclidean scores by negative L2 distance.
	Euclidean Metric = iota
	// InnerProduct scores by the dot product.
	InnerProduct
	// Cosine scores by cosine similarity. Vectors are normalized on insert.
	Cosine
)

// metricNames maps human-readable names to metrics.
var metricNames = map[string]Metric{
	"euclidean":     Euclidean,
	"l2":            Euclidean,
	"inner_product": InnerProduct,
	"ip":            InnerProduct,
	"dot":           InnerProduct,
	"cosine":        Cosine,
}

// ParseMetric resolves a metric by name.
func ParseMetric(name string) (Metric, error) {
	m, ok := metricNames[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return 0, fmt.Errorf("unknown metric %q", name)
	}
	return m, nil
}

func (m Metric) String() string {
	switch m {
	case Euclidean:
		return "euclidean"
	case InnerProduct:
		return "inner_product"
	case Cosine:
		return "cosine"
	default:
		return fmt.Sprintf("metric(%d)", int(m))
	}
}

// NeedsNormalization reports whether vectors must be unit length before scoring.
func (m Metric) NeedsNormalization() bool {
	return m == Cosine
}

// DistanceFunc computes the distance between two vectors. Lower is closer.
type DistanceFunc func(a, b []float32) float64

// Distance returns the distance function for the metric. The distance is
// always the negated similarity score, so ordering by ascending distance
// is ordering by descending similarity.
func (m Metric) Distance() DistanceFunc {
	switch m {
	case InnerProduct, Cosine:
		// Cosine vectors are unit length, so the dot product is the similarity.
		return NegativeDot
	default:
		return EuclideanDistance
	}
}

// Score converts a distance produced by Distance back into a similarity score.
func Score(distance float64) float64 {
	return -distance
}

// Dot computes the inner product of two vectors.
func Dot(a, b []float32) float64 {
	mustMatch(a, b)
	var s0, s1, s2, s3 float32
	n := len(a)
	i := 0
	for ; i+4 <= n; i += 4 {
		s0 += a[i] * b[i]
		s1 += a[i+1] * b[i+1]
		s2 += a[i+2] * b[i+2]
		s3 += a[i+3] * b[i+3]
	}
	for ; i < n; i++ {
		s0 += a[i] * b[i]
	}
	return float64(s0 + s1 + s2 + s3)
}

// NegativeDot is the inner product distance.
func NegativeDot(a, b []float32) float64 {
	return -Dot(a, b)
}

// SquaredEuclidean computes the squared Euclidean distance between two vectors.
func SquaredEuclidean(a, b []float32) float64 {
	mustMatch(a, b)
	var s0, s1, s2, s3 float32
	n := len(a)
	i := 0
	for ; i+4 <= n; i += 4 {
		d0 := a[i] - b[i]
		d1 := a[i+1] - b[i+1]
		d2 := a[i+2] - b[i+2]
		d3 := a[i+3] - b[i+3]
		s0 += d0 * d0
		s1 += d1 * d1
		s2 += d2 * d2
		s3 += d3 * d3
	}
	for ; i < n; i++ {
		d := a[i] - b[i]
		s0 += d * d
	}
	return float64(s0 + s1 + s2 + s3)
}

// EuclideanDistance computes the Euclidean (L2) distance between two vectors.
func EuclideanDistance(a, b []float32) float64 {
	return math.Sqrt(SquaredEuclidean(a, b))
}

func mustMatch(a, b []float32) {
	if len(a) == 0 || len(b) == 0 {
		panic("vectors must not be empty")
	}
	if len(a) != len(b) {
		panic("vectors must have the same length")
	}
}

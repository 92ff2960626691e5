package core

import (
	"math"
)

// NormalizeVector scales vec to unit length in place. Zero vectors are left unchanged.
func NormalizeVector(vec []float32) {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return
	}
	inv := float32(1 / math.Sqrt(sum))
	for i := range vec {
		vec[i] *= inv
	}
}

// CopyVector returns an owned copy of vec.
func CopyVector(vec []float32) []float32 {
	out := make([]float32, len(vec))
	copy(out, vec)
	return out
}

// PrepareVector returns an owned copy of vec ready to be stored or queried
// under the metric.
func PrepareVector(vec []float32, m Metric) []float32 {
	out := CopyVector(vec)
	if m.NeedsNormalization() {
		NormalizeVector(out)
	}
	return out
}

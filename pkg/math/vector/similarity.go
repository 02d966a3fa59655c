// Package vector provides the vector math used by the in-process SEARCH
// implementations.
//
// All similarity and distance calculations live here so every adapter ranks
// results the same way. Use these functions instead of writing your own.
package vector

import (
	"math"

	"github.com/viterin/vek/vek32"
)

// CosineSimilarity calculates cosine similarity between two float32 vectors.
// Returns a value in [-1, 1] where 1 = identical, 0 = orthogonal.
// Mismatched lengths and zero vectors return 0 rather than NaN.
//
// Example:
//
//	a := []float32{1.0, 2.0, 3.0}
//	b := []float32{4.0, 5.0, 6.0}
//	sim := vector.CosineSimilarity(a, b) // 0.9746...
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	// vek32 returns NaN for zero vectors; we want 0.
	result := float64(vek32.CosineSimilarity(a, b))
	if math.IsNaN(result) {
		return 0
	}
	return result
}

// DotProduct returns the dot product of two float32 vectors, or 0 on
// mismatched lengths.
func DotProduct(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	return float64(vek32.Dot(a, b))
}

// EuclideanDistance returns the L2 distance between two float32 vectors.
func EuclideanDistance(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	return float64(vek32.Distance(a, b))
}

// Similarity ranks two vectors under the named metric, higher is better.
// Supported metrics: "cosine" (default), "l2", "inner_product".
func Similarity(metric string, a, b []float32) float64 {
	switch metric {
	case "l2":
		// Map distance into (0, 1], 1 = identical.
		return 1.0 / (1.0 + EuclideanDistance(a, b))
	case "inner_product":
		return DotProduct(a, b)
	default:
		return CosineSimilarity(a, b)
	}
}

// NormalizeInPlace scales v to unit length. Zero vectors are left untouched.
func NormalizeInPlace(v []float32) {
	if len(v) == 0 {
		return
	}
	n := vek32.Norm(v)
	if n == 0 {
		return
	}
	vek32.DivNumber_Inplace(v, n)
}

package vector

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCosineSimilarity(t *testing.T) {
	t.Run("identical vectors", func(t *testing.T) {
		v := []float32{1, 2, 3}
		assert.InDelta(t, 1.0, CosineSimilarity(v, v), 1e-6)
	})

	t.Run("orthogonal vectors", func(t *testing.T) {
		assert.InDelta(t, 0.0, CosineSimilarity([]float32{1, 0}, []float32{0, 1}), 1e-6)
	})

	t.Run("opposite vectors", func(t *testing.T) {
		assert.InDelta(t, -1.0, CosineSimilarity([]float32{1, 0}, []float32{-1, 0}), 1e-6)
	})

	t.Run("zero vector is 0 not NaN", func(t *testing.T) {
		assert.Equal(t, 0.0, CosineSimilarity([]float32{0, 0}, []float32{1, 1}))
	})

	t.Run("mismatched lengths", func(t *testing.T) {
		assert.Equal(t, 0.0, CosineSimilarity([]float32{1}, []float32{1, 2}))
	})
}

func TestSimilarityMetrics(t *testing.T) {
	a := []float32{1, 0}
	b := []float32{1, 0}

	t.Run("l2 identical maps to 1", func(t *testing.T) {
		assert.InDelta(t, 1.0, Similarity("l2", a, b), 1e-6)
	})

	t.Run("l2 farther is smaller", func(t *testing.T) {
		near := Similarity("l2", a, []float32{1, 0.1})
		far := Similarity("l2", a, []float32{1, 5})
		assert.Greater(t, near, far)
	})

	t.Run("inner product", func(t *testing.T) {
		assert.InDelta(t, 2.0, Similarity("inner_product", []float32{1, 1}, []float32{1, 1}), 1e-6)
	})

	t.Run("default is cosine", func(t *testing.T) {
		assert.InDelta(t, CosineSimilarity(a, b), Similarity("", a, b), 1e-9)
	})
}

func TestNormalizeInPlace(t *testing.T) {
	v := []float32{3, 4}
	NormalizeInPlace(v)
	assert.InDelta(t, 0.6, float64(v[0]), 1e-6)
	assert.InDelta(t, 0.8, float64(v[1]), 1e-6)

	zero := []float32{0, 0}
	NormalizeInPlace(zero)
	assert.Equal(t, []float32{0, 0}, zero)
}

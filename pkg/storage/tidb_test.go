package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKVKey(t *testing.T) {
	assert.Equal(t, "t1/sarah-chen/person", kvKey("t1", "Sarah-Chen", "person"))
	assert.Equal(t, "t1/x/", kvKey("t1", "x", ""))
}

func TestPlaceholders(t *testing.T) {
	assert.Equal(t, "", placeholders(0))
	assert.Equal(t, "?", placeholders(1))
	assert.Equal(t, "?, ?, ?", placeholders(3))
}

func TestVectorDistanceFn(t *testing.T) {
	fn, cosineLike := vectorDistanceFn("")
	assert.Equal(t, "VEC_COSINE_DISTANCE", fn)
	assert.True(t, cosineLike)

	fn, cosineLike = vectorDistanceFn("l2")
	assert.Equal(t, "VEC_L2_DISTANCE", fn)
	assert.False(t, cosineLike)

	fn, _ = vectorDistanceFn("inner_product")
	assert.Equal(t, "VEC_NEGATIVE_INNER_PRODUCT", fn)
}

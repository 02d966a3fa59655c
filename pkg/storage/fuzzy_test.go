package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLabelSimilarity(t *testing.T) {
	t.Run("exact after case fold", func(t *testing.T) {
		assert.Equal(t, 1.0, labelSimilarity("Sarah-Chen", "sarah-chen"))
	})

	t.Run("prefix floor", func(t *testing.T) {
		score := labelSimilarity("sarah", "sarah-chen")
		assert.GreaterOrEqual(t, score, 0.9)
		assert.Less(t, score, 1.0)
	})

	t.Run("substring floor", func(t *testing.T) {
		score := labelSimilarity("chen", "sarah-chen")
		assert.GreaterOrEqual(t, score, 0.75)
	})

	t.Run("typo still close", func(t *testing.T) {
		assert.Greater(t, labelSimilarity("sara-chen", "sarah-chen"), 0.8)
	})

	t.Run("unrelated is low", func(t *testing.T) {
		assert.Less(t, labelSimilarity("quantum", "sarah-chen"), 0.4)
	})

	t.Run("empty input", func(t *testing.T) {
		assert.Equal(t, 0.0, labelSimilarity("", "anything"))
		assert.Equal(t, 0.0, labelSimilarity("anything", "  "))
	})

	t.Run("ranking order", func(t *testing.T) {
		exact := labelSimilarity("alpha", "alpha")
		prefix := labelSimilarity("alpha", "alphabet")
		distant := labelSimilarity("alpha", "omega")
		assert.Greater(t, exact, prefix)
		assert.Greater(t, prefix, distant)
	})
}

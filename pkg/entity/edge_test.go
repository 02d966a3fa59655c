package entity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseGraphPaths(t *testing.T) {
	t.Run("json string", func(t *testing.T) {
		edges := ParseGraphPaths(`[{"dst":"sarah-chen","rel_type":"works_with","weight":0.8}]`)
		require.Len(t, edges, 1)
		assert.Equal(t, "sarah-chen", edges[0].Dst)
		assert.Equal(t, "works_with", edges[0].RelType)
		assert.Equal(t, 0.8, edges[0].Weight)
	})

	t.Run("legacy type alias", func(t *testing.T) {
		edges := ParseGraphPaths(`[{"dst":"proj-x","type":"member_of"}]`)
		require.Len(t, edges, 1)
		assert.Equal(t, "member_of", edges[0].RelType)
		assert.Equal(t, 1.0, edges[0].Weight, "missing weight defaults to 1")
	})

	t.Run("bare label strings", func(t *testing.T) {
		edges := ParseGraphPaths([]any{"alpha", "beta"})
		require.Len(t, edges, 2)
		assert.Equal(t, "alpha", edges[0].Dst)
		assert.Equal(t, "edge", edges[0].RelType)
	})

	t.Run("mixed list", func(t *testing.T) {
		edges := ParseGraphPaths([]any{
			map[string]any{"dst": "a", "rel_type": "knows"},
			"b",
		})
		require.Len(t, edges, 2)
	})

	t.Run("edges without dst dropped", func(t *testing.T) {
		edges := ParseGraphPaths(`[{"rel_type":"knows"},{"dst":"ok","rel_type":"knows"}]`)
		require.Len(t, edges, 1)
		assert.Equal(t, "ok", edges[0].Dst)
	})

	t.Run("garbage yields empty", func(t *testing.T) {
		assert.Empty(t, ParseGraphPaths("not json"))
		assert.Empty(t, ParseGraphPaths(42))
		assert.Empty(t, ParseGraphPaths(nil))
		assert.Empty(t, ParseGraphPaths(""))
	})

	t.Run("created_at parsed", func(t *testing.T) {
		edges := ParseGraphPaths(`[{"dst":"a","rel_type":"r","created_at":"2024-06-01T10:00:00Z"}]`)
		require.Len(t, edges, 1)
		assert.Equal(t, 2024, edges[0].CreatedAt.Year())
	})
}

func TestSortEdges(t *testing.T) {
	ts := func(day int) time.Time {
		return time.Date(2024, 6, day, 0, 0, 0, 0, time.UTC)
	}

	t.Run("created_at desc with zero times last", func(t *testing.T) {
		edges := []InlineEdge{
			{Dst: "old", CreatedAt: ts(1)},
			{Dst: "unset"},
			{Dst: "new", CreatedAt: ts(9)},
		}
		SortEdges(edges, OrderByCreatedAt, true)
		assert.Equal(t, "new", edges[0].Dst)
		assert.Equal(t, "old", edges[1].Dst)
		assert.Equal(t, "unset", edges[2].Dst, "zero timestamps sort last")
	})

	t.Run("zero times last even ascending", func(t *testing.T) {
		edges := []InlineEdge{
			{Dst: "unset"},
			{Dst: "old", CreatedAt: ts(1)},
		}
		SortEdges(edges, OrderByCreatedAt, false)
		assert.Equal(t, "old", edges[0].Dst)
		assert.Equal(t, "unset", edges[1].Dst)
	})

	t.Run("weight desc", func(t *testing.T) {
		edges := []InlineEdge{
			{Dst: "light", Weight: 0.1},
			{Dst: "heavy", Weight: 0.9},
		}
		SortEdges(edges, OrderByWeight, true)
		assert.Equal(t, "heavy", edges[0].Dst)
	})

	t.Run("stable for equal keys", func(t *testing.T) {
		edges := []InlineEdge{
			{Dst: "first", Weight: 0.5},
			{Dst: "second", Weight: 0.5},
		}
		SortEdges(edges, OrderByWeight, true)
		assert.Equal(t, "first", edges[0].Dst)
		assert.Equal(t, "second", edges[1].Dst)
	})

	t.Run("dst asc", func(t *testing.T) {
		edges := []InlineEdge{{Dst: "b"}, {Dst: "a"}}
		SortEdges(edges, OrderByDst, false)
		assert.Equal(t, "a", edges[0].Dst)
	})
}

func TestInlineEdgeClone(t *testing.T) {
	orig := InlineEdge{Dst: "a", RelType: "r", Properties: map[string]any{"k": "v"}}
	cp := orig.Clone()
	cp.Properties["k"] = "changed"
	assert.Equal(t, "v", orig.Properties["k"])
}

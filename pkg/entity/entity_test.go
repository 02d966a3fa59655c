package entity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeLabel(t *testing.T) {
	assert.Equal(t, "sarah-chen", NormalizeLabel("Sarah-Chen"))
	assert.Equal(t, "sarah", NormalizeLabel("  SARAH  "))
	assert.Equal(t, "", NormalizeLabel("   "))
}

func TestFromRow(t *testing.T) {
	t.Run("lifts envelope columns", func(t *testing.T) {
		e := FromRow("people", map[string]any{
			"id":          "p1",
			"tenant_id":   "t1",
			"name":        "Sarah Chen",
			"category":    "person",
			"email":       "sarah@example.com",
			"graph_paths": `[{"dst":"proj-x","rel_type":"member_of"}]`,
			"created_at":  "2024-06-01T10:00:00Z",
		})

		assert.Equal(t, "p1", e.ID)
		assert.Equal(t, "t1", e.TenantID)
		assert.Equal(t, "Sarah Chen", e.Label)
		assert.Equal(t, "person", e.Kind)
		assert.Equal(t, "people", e.Table)
		require.Len(t, e.GraphPaths, 1)
		assert.Equal(t, "proj-x", e.GraphPaths[0].Dst)
		assert.Equal(t, 2024, e.CreatedAt.Year())

		// Domain columns survive unmodified.
		assert.Equal(t, "sarah@example.com", e.Fields["email"])
		// Lifted columns do not leak into fields.
		assert.NotContains(t, e.Fields, "name")
		assert.NotContains(t, e.Fields, "category")
	})

	t.Run("label column priority", func(t *testing.T) {
		e := FromRow("things", map[string]any{"label": "primary", "name": "secondary"})
		assert.Equal(t, "primary", e.Label)
		assert.Equal(t, "secondary", e.Fields["name"], "losing alias stays a plain field")
	})

	t.Run("related entities from json text", func(t *testing.T) {
		e := FromRow("things", map[string]any{"related_entities": `["a","b"]`})
		assert.Equal(t, []string{"a", "b"}, e.RelatedEntities)
	})

	t.Run("empty row", func(t *testing.T) {
		e := FromRow("things", map[string]any{})
		assert.Equal(t, "things", e.Table)
		assert.Empty(t, e.Label)
	})
}

func TestEntityClone(t *testing.T) {
	orig := &Entity{
		ID:       "e1",
		TenantID: "t1",
		Label:    "thing",
		Fields:   map[string]any{"k": "v"},
		GraphPaths: []InlineEdge{
			{Dst: "other", RelType: "rel", Properties: map[string]any{"p": 1}},
		},
		Embedding: []float32{0.1, 0.2},
		CreatedAt: time.Now(),
	}

	cp := orig.Clone()
	cp.Fields["k"] = "changed"
	cp.GraphPaths[0].Dst = "changed"
	cp.Embedding[0] = 9

	assert.Equal(t, "v", orig.Fields["k"])
	assert.Equal(t, "other", orig.GraphPaths[0].Dst)
	assert.Equal(t, float32(0.1), orig.Embedding[0])
}

func TestEntityRef(t *testing.T) {
	e := &Entity{ID: "e1", TenantID: "t1", Label: "x", Table: "things", Kind: "widget"}
	ref := e.Ref()
	assert.Equal(t, Ref{ID: "e1", TenantID: "t1", Label: "x", Table: "things", Kind: "widget"}, ref)
}

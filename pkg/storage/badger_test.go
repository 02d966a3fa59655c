package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/remdb/pkg/entity"
)

func newBadgerTest(t *testing.T) *BadgerAdapter {
	t.Helper()
	b, err := NewBadgerAdapter(BadgerOptions{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestBadgerAdapterPutResolve(t *testing.T) {
	ctx := context.Background()
	b := newBadgerTest(t)

	require.NoError(t, b.PutEntity(ctx, newTestEntity("p1", "Sarah-Chen", "people")))
	require.NoError(t, b.PutEntity(ctx, newTestEntity("d1", "sarah-chen", "documents")))
	require.NoError(t, b.PutEntity(ctx, newTestEntity("p2", "bob", "people")))

	t.Run("case insensitive resolve across tables", func(t *testing.T) {
		resolved, err := b.Resolve(ctx, "t1", []string{"SARAH-CHEN"})
		require.NoError(t, err)
		require.Len(t, resolved["SARAH-CHEN"], 2)
		// Deterministic: documents before people.
		assert.Equal(t, "documents", resolved["SARAH-CHEN"][0].Table)
		assert.Equal(t, "people", resolved["SARAH-CHEN"][1].Table)
	})

	t.Run("unknown label absent", func(t *testing.T) {
		resolved, err := b.Resolve(ctx, "t1", []string{"bob", "nobody"})
		require.NoError(t, err)
		assert.Len(t, resolved["bob"], 1)
		assert.NotContains(t, resolved, "nobody")
	})

	t.Run("tenant isolation", func(t *testing.T) {
		resolved, err := b.Resolve(ctx, "t2", []string{"bob"})
		require.NoError(t, err)
		assert.Empty(t, resolved)
	})
}

func TestBadgerAdapterRelabel(t *testing.T) {
	ctx := context.Background()
	b := newBadgerTest(t)

	require.NoError(t, b.PutEntity(ctx, newTestEntity("p1", "old-name", "people")))
	require.NoError(t, b.PutEntity(ctx, newTestEntity("p1", "new-name", "people")))

	resolved, err := b.Resolve(ctx, "t1", []string{"old-name", "new-name"})
	require.NoError(t, err)
	assert.NotContains(t, resolved, "old-name")
	assert.Len(t, resolved["new-name"], 1)
}

func TestBadgerAdapterDelete(t *testing.T) {
	ctx := context.Background()
	b := newBadgerTest(t)

	require.NoError(t, b.PutEntity(ctx, newTestEntity("p1", "sarah", "people")))
	require.NoError(t, b.DeleteEntity(ctx, "t1", "people", "p1"))

	resolved, err := b.Resolve(ctx, "t1", []string{"sarah"})
	require.NoError(t, err)
	assert.Empty(t, resolved)

	assert.ErrorIs(t, b.DeleteEntity(ctx, "t1", "people", "p1"), ErrNotFound)
}

func TestBadgerAdapterSharedLabelSurvivesDelete(t *testing.T) {
	ctx := context.Background()
	b := newBadgerTest(t)

	// Two entities share a label; deleting one must keep the trigram index
	// serving the other.
	require.NoError(t, b.PutEntity(ctx, newTestEntity("p1", "shared", "people")))
	require.NoError(t, b.PutEntity(ctx, newTestEntity("p2", "shared", "people")))
	require.NoError(t, b.DeleteEntity(ctx, "t1", "people", "p1"))

	hits, err := b.FuzzyResolve(ctx, "t1", "shared", 0.5, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "p2", hits[0].ID)
}

func TestBadgerAdapterFuzzyResolve(t *testing.T) {
	ctx := context.Background()
	b := newBadgerTest(t)

	require.NoError(t, b.PutEntity(ctx, newTestEntity("p1", "sarah-chen", "people")))
	require.NoError(t, b.PutEntity(ctx, newTestEntity("p2", "sarah-connor", "people")))
	require.NoError(t, b.PutEntity(ctx, newTestEntity("p3", "zebra", "people")))

	t.Run("trigram candidates ranked", func(t *testing.T) {
		hits, err := b.FuzzyResolve(ctx, "t1", "sarah", 0.3, 10)
		require.NoError(t, err)
		require.Len(t, hits, 2)
		for _, h := range hits {
			assert.NotEqual(t, "zebra", h.Label)
		}
	})

	t.Run("exact label first", func(t *testing.T) {
		hits, err := b.FuzzyResolve(ctx, "t1", "sarah-chen", 0.1, 10)
		require.NoError(t, err)
		require.NotEmpty(t, hits)
		assert.Equal(t, "sarah-chen", hits[0].Label)
		assert.Equal(t, 1.0, hits[0].Score)
	})

	t.Run("limit applies", func(t *testing.T) {
		hits, err := b.FuzzyResolve(ctx, "t1", "sarah", 0.1, 1)
		require.NoError(t, err)
		assert.Len(t, hits, 1)
	})
}

func TestBadgerAdapterGetEntities(t *testing.T) {
	ctx := context.Background()
	b := newBadgerTest(t)

	e := newTestEntity("p1", "sarah", "people")
	e.GraphPaths = []entity.InlineEdge{{Dst: "proj-x", RelType: "member_of", Weight: 0.9}}
	require.NoError(t, b.PutEntity(ctx, e))

	ents, err := b.GetEntities(ctx, "t1", []entity.Ref{
		{ID: "p1", TenantID: "t1", Table: "people"},
		{ID: "ghost", TenantID: "t1", Table: "people"},
	})
	require.NoError(t, err)
	require.Len(t, ents, 1)
	assert.Equal(t, "sarah", ents[0].Label)
	require.Len(t, ents[0].GraphPaths, 1)
	assert.Equal(t, "proj-x", ents[0].GraphPaths[0].Dst)
	assert.Equal(t, "test", ents[0].Fields["note"])
}

func TestBadgerAdapterSearch(t *testing.T) {
	ctx := context.Background()
	b := newBadgerTest(t)

	a := newTestEntity("d1", "doc-a", "documents")
	a.Embedding = []float32{1, 0, 0}
	c := newTestEntity("d2", "doc-b", "documents")
	c.Embedding = []float32{0, 0, 1}
	require.NoError(t, b.PutEntity(ctx, a))
	require.NoError(t, b.PutEntity(ctx, c))

	hits, err := b.Search(ctx, SearchRequest{
		TenantID: "t1", Table: "documents",
		Vector: []float32{1, 0, 0}, Threshold: 0.5, Limit: 10,
	})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "d1", hits[0].Entity.ID)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-6)
}

func TestBadgerAdapterBulkPut(t *testing.T) {
	ctx := context.Background()
	b := newBadgerTest(t)

	var batch []*entity.Entity
	for _, id := range []string{"a", "b", "c"} {
		batch = append(batch, newTestEntity(id, "label-"+id, "things"))
	}
	require.NoError(t, b.BulkPutEntities(ctx, batch))

	resolved, err := b.Resolve(ctx, "t1", []string{"label-b"})
	require.NoError(t, err)
	assert.Len(t, resolved["label-b"], 1)
}

func TestBadgerAdapterSQLUnsupported(t *testing.T) {
	b := newBadgerTest(t)
	_, err := b.SQL(context.Background(), SQLRequest{TenantID: "t1", Table: "people"})
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestBadgerAdapterClosed(t *testing.T) {
	ctx := context.Background()
	b, err := NewBadgerAdapter(BadgerOptions{InMemory: true})
	require.NoError(t, err)
	require.NoError(t, b.Close())

	assert.ErrorIs(t, b.PutEntity(ctx, newTestEntity("p1", "x", "people")), ErrStorageClosed)
	_, err = b.Resolve(ctx, "t1", []string{"x"})
	assert.ErrorIs(t, err, ErrStorageClosed)
	assert.NoError(t, b.Close())
}

func TestTrigrams(t *testing.T) {
	grams := trigrams("ab")
	assert.NotEmpty(t, grams, "short labels still index through padding")

	grams = trigrams("sarah")
	assert.Contains(t, grams, "sar")
	assert.Contains(t, grams, "ara")

	assert.Empty(t, trigrams("  "))
}

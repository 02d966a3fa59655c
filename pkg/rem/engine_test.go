package rem

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/orneryd/remdb/pkg/entity"
	"github.com/orneryd/remdb/pkg/storage"
)

func testEntity(id, label, table string, edges ...entity.InlineEdge) *entity.Entity {
	return &entity.Entity{
		ID:         id,
		TenantID:   "t1",
		Label:      label,
		Table:      table,
		Fields:     map[string]any{"src": "test"},
		GraphPaths: edges,
	}
}

func newTestEngine(t *testing.T, entities ...*entity.Entity) (*Engine, *storage.MemoryAdapter) {
	t.Helper()
	adapter := storage.NewMemoryAdapter(nil)
	t.Cleanup(func() { _ = adapter.Close() })
	for _, e := range entities {
		require.NoError(t, adapter.PutEntity(context.Background(), e))
	}
	engine, err := NewEngine(adapter, zap.NewNop(), Options{RetryBackoff: time.Millisecond})
	require.NoError(t, err)
	return engine, adapter
}

// scanOnlyAdapter declares LOOKUP at scan class, below the contract.
type scanOnlyAdapter struct {
	storage.Adapter
}

func (s *scanOnlyAdapter) Name() string { return "scan-only" }
func (s *scanOnlyAdapter) Conformance() storage.Conformance {
	return storage.Conformance{storage.OpLookup: storage.ClassScan}
}

// flakyAdapter reports unavailable for the first N Resolve calls.
type flakyAdapter struct {
	storage.Adapter
	failures int
	calls    int
}

func (f *flakyAdapter) Resolve(ctx context.Context, tenantID string, labels []string) (map[string][]entity.Ref, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, storage.ErrUnavailable
	}
	return f.Adapter.Resolve(ctx, tenantID, labels)
}

func TestNewEngineContract(t *testing.T) {
	t.Run("conforming adapter accepted", func(t *testing.T) {
		engine, _ := newTestEngine(t)
		assert.NotNil(t, engine)
	})

	t.Run("scan-class lookup rejected at construction", func(t *testing.T) {
		mem := storage.NewMemoryAdapter(nil)
		defer mem.Close()
		_, err := NewEngine(&scanOnlyAdapter{Adapter: mem}, zap.NewNop(), Options{})
		var cv *ContractViolationError
		require.ErrorAs(t, err, &cv)
		assert.Equal(t, storage.OpLookup, cv.Op)
		assert.Equal(t, storage.ClassScan, cv.Declared)
		assert.Equal(t, storage.ClassConstant, cv.Required)
	})

	t.Run("nil adapter rejected", func(t *testing.T) {
		_, err := NewEngine(nil, zap.NewNop(), Options{})
		assert.Error(t, err)
	})
}

func TestEngineLookup(t *testing.T) {
	ctx := context.Background()
	engine, _ := newTestEngine(t,
		testEntity("p1", "sarah-chen", "people"),
		testEntity("d1", "sarah-chen", "documents"),
		testEntity("p2", "bob", "people"),
	)

	t.Run("cross-table union", func(t *testing.T) {
		res, err := engine.Execute(ctx, &Plan{
			Type: QueryLookup, TenantID: "t1",
			Lookup: &LookupParams{Labels: []string{"sarah-chen"}},
		})
		require.NoError(t, err)
		assert.Len(t, res.Nodes, 2)
	})

	t.Run("duplicate labels dedup", func(t *testing.T) {
		res, err := engine.Execute(ctx, &Plan{
			Type: QueryLookup, TenantID: "t1",
			Lookup: &LookupParams{Labels: []string{"bob", "BOB"}},
		})
		require.NoError(t, err)
		assert.Len(t, res.Nodes, 1, "same entity through two spellings appears once")
	})

	t.Run("table filter", func(t *testing.T) {
		res, err := engine.Execute(ctx, &Plan{
			Type: QueryLookup, TenantID: "t1",
			Lookup: &LookupParams{Labels: []string{"sarah-chen"}, Table: "people"},
		})
		require.NoError(t, err)
		require.Len(t, res.Nodes, 1)
		assert.Equal(t, "people", res.Nodes[0].Table)
	})

	t.Run("field projection", func(t *testing.T) {
		res, err := engine.Execute(ctx, &Plan{
			Type: QueryLookup, TenantID: "t1",
			Lookup: &LookupParams{Labels: []string{"bob"}, Fields: []string{"missing"}},
		})
		require.NoError(t, err)
		require.Len(t, res.Nodes, 1)
		assert.Empty(t, res.Nodes[0].Fields, "only requested keys survive projection")
	})

	t.Run("no match is empty result not error", func(t *testing.T) {
		res, err := engine.Execute(ctx, &Plan{
			Type: QueryLookup, TenantID: "t1",
			Lookup: &LookupParams{Labels: []string{"nobody"}},
		})
		require.NoError(t, err)
		assert.Empty(t, res.Nodes)
	})

	t.Run("memo echoed", func(t *testing.T) {
		res, err := engine.Execute(ctx, &Plan{
			Type: QueryLookup, TenantID: "t1", Memo: "find sarah",
			Lookup: &LookupParams{Labels: []string{"bob"}},
		})
		require.NoError(t, err)
		assert.Equal(t, PlanMemo("find sarah"), res.Memo)
	})
}

func TestEngineRetry(t *testing.T) {
	ctx := context.Background()

	t.Run("recovers within budget", func(t *testing.T) {
		mem := storage.NewMemoryAdapter(nil)
		defer mem.Close()
		require.NoError(t, mem.PutEntity(ctx, testEntity("p1", "sarah", "people")))

		flaky := &flakyAdapter{Adapter: mem, failures: 2}
		engine, err := NewEngine(flaky, zap.NewNop(), Options{RetryBackoff: time.Millisecond})
		require.NoError(t, err)

		res, err := engine.Execute(ctx, &Plan{
			Type: QueryLookup, TenantID: "t1",
			Lookup: &LookupParams{Labels: []string{"sarah"}},
		})
		require.NoError(t, err)
		assert.Len(t, res.Nodes, 1)
		assert.Equal(t, 3, flaky.calls)
	})

	t.Run("gives up after attempts", func(t *testing.T) {
		mem := storage.NewMemoryAdapter(nil)
		defer mem.Close()

		flaky := &flakyAdapter{Adapter: mem, failures: 10}
		engine, err := NewEngine(flaky, zap.NewNop(), Options{RetryAttempts: 2, RetryBackoff: time.Millisecond})
		require.NoError(t, err)

		_, err = engine.Execute(ctx, &Plan{
			Type: QueryLookup, TenantID: "t1",
			Lookup: &LookupParams{Labels: []string{"sarah"}},
		})
		assert.ErrorIs(t, err, storage.ErrUnavailable)
		assert.Equal(t, 2, flaky.calls)
	})
}

func TestEngineUnsupportedOp(t *testing.T) {
	engine, _ := newTestEngine(t)
	_, err := engine.Execute(context.Background(), &Plan{
		Type: QuerySQL, TenantID: "t1",
		SQL: &SQLParams{Table: "people"},
	})
	assert.ErrorIs(t, err, ErrUnsupported, "memory backend declares no SQL support")
}

func TestEngineFuzzy(t *testing.T) {
	ctx := context.Background()
	engine, _ := newTestEngine(t,
		testEntity("p1", "sarah-chen", "people"),
		testEntity("p2", "zebra", "people"),
	)

	res, err := engine.Execute(ctx, &Plan{
		Type: QueryFuzzy, TenantID: "t1",
		Fuzzy: &FuzzyParams{Text: "sarah"},
	})
	require.NoError(t, err)
	require.Len(t, res.Nodes, 1)
	assert.Equal(t, "sarah-chen", res.Nodes[0].Label)
	assert.Greater(t, res.Nodes[0].Score, 0.0)
}

func TestEngineSearch(t *testing.T) {
	ctx := context.Background()
	a := testEntity("d1", "doc-a", "documents")
	a.Embedding = []float32{1, 0}
	b := testEntity("d2", "doc-b", "documents")
	b.Embedding = []float32{0, 1}
	engine, _ := newTestEngine(t, a, b)

	res, err := engine.Execute(ctx, &Plan{
		Type: QuerySearch, TenantID: "t1",
		Search: &SearchParams{Vector: []float32{1, 0}, Table: "documents", Threshold: 0.5},
	})
	require.NoError(t, err)
	require.Len(t, res.Nodes, 1)
	assert.Equal(t, "d1", res.Nodes[0].ID)
	assert.InDelta(t, 1.0, res.Nodes[0].Score, 1e-6)
}

func TestEngineValidationErrorsNotRetried(t *testing.T) {
	engine, _ := newTestEngine(t)
	_, err := engine.Execute(context.Background(), &Plan{Type: QueryLookup, TenantID: "t1", Lookup: &LookupParams{}})
	assert.True(t, IsValidation(err))
}

// Package storage provides the backend adapter contract and implementations
// for REM.
//
// Every backend (in-memory, BadgerDB, PostgreSQL, TiDB) is wired through the
// same Adapter interface, selected once at startup. Adapters declare, per
// query operation, which performance class their implementation satisfies;
// the query layer rejects any adapter whose declared class is weaker than
// the system-wide contract at registration time, not at call time.
//
// Design principles:
//   - One compile-time-checked interface, one implementation per backend.
//     No per-call dialect branching.
//   - The reverse-mapping index is maintained as a side effect of every
//     entity write, inside the same transaction or batch. It is never
//     derived lazily from a scan.
//   - Adapters are read-mostly and thread-safe; REM itself never mutates
//     entities during query execution.
//
// Example:
//
//	adapter := storage.NewMemoryAdapter(nil)
//	defer adapter.Close()
//
//	_ = adapter.PutEntity(ctx, &entity.Entity{
//		ID:       "doc-1",
//		TenantID: "tenant-a",
//		Label:    "sarah-chen",
//		Table:    "resources",
//	})
//
//	refs, _ := adapter.Resolve(ctx, "tenant-a", []string{"Sarah-Chen"})
//	// refs["Sarah-Chen"] -> [{ID: "doc-1", Table: "resources", ...}]
package storage

import (
	"context"
	"errors"

	"github.com/orneryd/remdb/pkg/entity"
)

// Common errors
var (
	ErrNotFound      = errors.New("not found")
	ErrInvalidLabel  = errors.New("invalid label")
	ErrInvalidTenant = errors.New("invalid tenant")
	ErrInvalidData   = errors.New("invalid data")
	ErrStorageClosed = errors.New("storage closed")
	ErrUnavailable   = errors.New("backend unavailable")
	ErrUnsupported   = errors.New("operation not supported by this backend")
	ErrNoEmbedder    = errors.New("no embedder configured for text search")
)

// Op enumerates the adapter operations covered by the performance contract.
type Op string

const (
	OpLookup   Op = "lookup"
	OpFuzzy    Op = "fuzzy"
	OpSearch   Op = "search"
	OpSQL      Op = "sql"
	OpTraverse Op = "traverse"
)

// Class is the performance class an adapter declares for an operation.
// Classes are ordered: a stronger class satisfies any weaker requirement.
type Class int

const (
	// ClassUnsupported marks an operation the adapter does not implement.
	ClassUnsupported Class = iota
	// ClassScan is O(n) over a table; indexes optional.
	ClassScan
	// ClassIndexed is served by a dedicated index (inverted, trigram,
	// vector) rather than row-by-row comparison.
	ClassIndexed
	// ClassTraversal is O(k) in keys visited.
	ClassTraversal
	// ClassConstant is O(1) per key.
	ClassConstant
)

func (c Class) String() string {
	switch c {
	case ClassScan:
		return "scan"
	case ClassIndexed:
		return "indexed"
	case ClassTraversal:
		return "traversal"
	case ClassConstant:
		return "constant"
	default:
		return "unsupported"
	}
}

// Satisfies reports whether a declared class meets a required class.
// Traversal and constant both satisfy an indexed requirement; nothing but a
// real index satisfies it from below.
func (c Class) Satisfies(required Class) bool {
	return c >= required
}

// Conformance maps each operation to the class the adapter achieves.
// Operations absent from the map are treated as unsupported.
type Conformance map[Op]Class

// Embedder turns query text into a vector for backends that do their own
// similarity math. Embedding generation itself is an external collaborator;
// adapters only consume it.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// SearchRequest is an indexed vector-similarity query against one table.
type SearchRequest struct {
	TenantID string
	Table    string
	// Text is embedded via the adapter's Embedder when Vector is empty.
	Text      string
	Vector    []float32
	Metric    string // cosine (default), l2, inner_product
	Threshold float64
	Limit     int
}

// SearchHit pairs an entity with its similarity score.
type SearchHit struct {
	Entity *entity.Entity
	Score  float64
}

// SQLRequest is a backend-native filtered read against one table.
// The where clause is executed in the backend's own dialect; no translation
// is attempted. The adapter always adds the tenant predicate itself.
type SQLRequest struct {
	TenantID     string
	Table        string
	SelectFields []string
	Where        string
	OrderBy      string
	Limit        int
}

// Adapter is the per-backend entity store contract.
//
// Resolve and FuzzyResolve are the reverse-mapping index surface: label to
// entities across all tables, without the caller naming a table. Resolve is
// exact after case folding and must be O(1) per label. FuzzyResolve is
// approximate and must be served by an index, never a row-by-row similarity
// scan over all entities.
//
// A label with zero matches resolves to an empty (or absent) slice, not an
// error. All operations are scoped to one tenant and must never cross
// tenants.
type Adapter interface {
	// Name identifies the backend in logs and contract errors.
	Name() string

	// Conformance declares the performance class per operation.
	// Checked once at engine registration.
	Conformance() Conformance

	// Resolve maps labels to every matching entity reference for the
	// tenant. Matching is exact after case folding.
	Resolve(ctx context.Context, tenantID string, labels []string) (map[string][]entity.Ref, error)

	// FuzzyResolve finds labels approximately matching text, scored
	// descending. Score semantics are backend-specific and documented on
	// each implementation.
	FuzzyResolve(ctx context.Context, tenantID, text string, threshold float64, limit int) ([]entity.ScoredRef, error)

	// GetEntities fetches full entity records for previously resolved refs.
	// Refs that no longer exist are skipped, not errors.
	GetEntities(ctx context.Context, tenantID string, refs []entity.Ref) ([]*entity.Entity, error)

	// PutEntity writes an entity and maintains its reverse mapping in the
	// same transaction or batch. If a backend cannot couple the two writes,
	// divergence surfaces as lookup misses; see the adapter's documentation.
	PutEntity(ctx context.Context, e *entity.Entity) error

	// DeleteEntity removes an entity and its reverse mapping.
	DeleteEntity(ctx context.Context, tenantID, table, id string) error

	// Search runs an indexed vector-similarity query against one table.
	Search(ctx context.Context, req SearchRequest) ([]SearchHit, error)

	// SQL runs a backend-native filtered read against one table.
	SQL(ctx context.Context, req SQLRequest) ([]*entity.Entity, error)

	// Ping reports backend reachability.
	Ping(ctx context.Context) error

	Close() error
}

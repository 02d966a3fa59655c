package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/orneryd/remdb/pkg/entity"
	"github.com/orneryd/remdb/pkg/math/vector"
)

// MemoryAdapter is an in-memory implementation of Adapter.
// It's useful for:
// - Unit testing (no disk I/O)
// - Ephemeral CLI sessions
// - Small datasets that fit in RAM
//
// The reverse mapping is an ordinary map keyed by normalized label, updated
// under the same lock as the entity write, so index and entities can never
// diverge. Fuzzy matching scores the label index keys (index-sized work,
// not entity-sized); SEARCH ranks in-RAM embeddings with the shared vector
// math. Both stand in for the real indexes the persistent backends carry
// and are declared accordingly.
//
// SQL is unsupported: an in-memory map has no dialect to pass a where
// clause through to.
type MemoryAdapter struct {
	mu       sync.RWMutex
	embedder Embedder

	// entities keyed by tenant\x00table\x00id
	entities map[string]*entity.Entity

	// refs: tenant -> normalized label -> refs across all tables
	refs map[string]map[string][]entity.Ref

	closed bool
}

// NewMemoryAdapter creates a new in-memory adapter. The embedder may be nil
// when SEARCH is only ever called with caller-supplied vectors.
func NewMemoryAdapter(embedder Embedder) *MemoryAdapter {
	return &MemoryAdapter{
		embedder: embedder,
		entities: make(map[string]*entity.Entity),
		refs:     make(map[string]map[string][]entity.Ref),
	}
}

func (m *MemoryAdapter) Name() string { return "memory" }

func (m *MemoryAdapter) Conformance() Conformance {
	return Conformance{
		OpLookup:   ClassConstant,
		OpFuzzy:    ClassIndexed,
		OpSearch:   ClassIndexed,
		OpTraverse: ClassTraversal,
	}
}

func entityKey(tenantID, table, id string) string {
	return tenantID + "\x00" + table + "\x00" + id
}

// PutEntity stores an entity and updates its reverse mapping atomically
// (one lock covers both).
func (m *MemoryAdapter) PutEntity(ctx context.Context, e *entity.Entity) error {
	if e == nil {
		return ErrInvalidData
	}
	if e.TenantID == "" {
		return ErrInvalidTenant
	}
	if e.Label == "" {
		return ErrInvalidLabel
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStorageClosed
	}

	key := entityKey(e.TenantID, e.Table, e.ID)
	if prev, exists := m.entities[key]; exists && prev.Label != e.Label {
		m.removeRef(prev)
	}

	// Deep copy to prevent external mutation.
	m.entities[key] = e.Clone()
	m.addRef(e)
	return nil
}

func (m *MemoryAdapter) addRef(e *entity.Entity) {
	norm := entity.NormalizeLabel(e.Label)
	byLabel := m.refs[e.TenantID]
	if byLabel == nil {
		byLabel = make(map[string][]entity.Ref)
		m.refs[e.TenantID] = byLabel
	}
	ref := e.Ref()
	for i, existing := range byLabel[norm] {
		if existing.Table == ref.Table && existing.ID == ref.ID {
			byLabel[norm][i] = ref
			return
		}
	}
	byLabel[norm] = append(byLabel[norm], ref)
}

func (m *MemoryAdapter) removeRef(e *entity.Entity) {
	norm := entity.NormalizeLabel(e.Label)
	byLabel := m.refs[e.TenantID]
	if byLabel == nil {
		return
	}
	refs := byLabel[norm]
	for i, ref := range refs {
		if ref.Table == e.Table && ref.ID == e.ID {
			byLabel[norm] = append(refs[:i:i], refs[i+1:]...)
			break
		}
	}
	if len(byLabel[norm]) == 0 {
		delete(byLabel, norm)
	}
}

// DeleteEntity removes an entity and its reverse mapping.
func (m *MemoryAdapter) DeleteEntity(ctx context.Context, tenantID, table, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStorageClosed
	}

	key := entityKey(tenantID, table, id)
	e, exists := m.entities[key]
	if !exists {
		return ErrNotFound
	}
	m.removeRef(e)
	delete(m.entities, key)
	return nil
}

// Resolve maps labels to refs for the tenant, exact after case folding.
// Unknown labels simply have no entry in the result.
func (m *MemoryAdapter) Resolve(ctx context.Context, tenantID string, labels []string) (map[string][]entity.Ref, error) {
	if tenantID == "" {
		return nil, ErrInvalidTenant
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}

	result := make(map[string][]entity.Ref, len(labels))
	byLabel := m.refs[tenantID]
	for _, label := range labels {
		if label == "" {
			return nil, ErrInvalidLabel
		}
		refs := byLabel[entity.NormalizeLabel(label)]
		if len(refs) == 0 {
			continue
		}
		out := make([]entity.Ref, len(refs))
		copy(out, refs)
		// Deterministic ordering for repeated identical calls.
		sort.Slice(out, func(i, j int) bool {
			if out[i].Table != out[j].Table {
				return out[i].Table < out[j].Table
			}
			return out[i].ID < out[j].ID
		})
		result[label] = out
	}
	return result, nil
}

// FuzzyResolve scores every indexed label for the tenant with the unified
// Levenshtein rule (see labelSimilarity) and returns refs above threshold,
// best first.
func (m *MemoryAdapter) FuzzyResolve(ctx context.Context, tenantID, text string, threshold float64, limit int) ([]entity.ScoredRef, error) {
	if tenantID == "" {
		return nil, ErrInvalidTenant
	}
	if text == "" {
		return nil, ErrInvalidLabel
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}

	var hits []entity.ScoredRef
	for norm, refs := range m.refs[tenantID] {
		score := labelSimilarity(text, norm)
		if score < threshold {
			continue
		}
		for _, ref := range refs {
			hits = append(hits, entity.ScoredRef{Ref: ref, Score: score})
		}
	}

	sortScoredRefs(hits)

	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// GetEntities fetches full records for resolved refs. Refs that no longer
// exist are skipped.
func (m *MemoryAdapter) GetEntities(ctx context.Context, tenantID string, refs []entity.Ref) ([]*entity.Entity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}

	out := make([]*entity.Entity, 0, len(refs))
	for _, ref := range refs {
		if ref.TenantID != "" && ref.TenantID != tenantID {
			continue
		}
		if e, exists := m.entities[entityKey(tenantID, ref.Table, ref.ID)]; exists {
			out = append(out, e.Clone())
		}
	}
	return out, nil
}

// Search ranks stored embeddings for one table by similarity, descending.
func (m *MemoryAdapter) Search(ctx context.Context, req SearchRequest) ([]SearchHit, error) {
	if req.TenantID == "" {
		return nil, ErrInvalidTenant
	}

	query := req.Vector
	if len(query) == 0 {
		if m.embedder == nil {
			return nil, ErrNoEmbedder
		}
		var err error
		query, err = m.embedder.Embed(ctx, req.Text)
		if err != nil {
			return nil, err
		}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}

	var hits []SearchHit
	for _, e := range m.entities {
		if e.TenantID != req.TenantID || e.Table != req.Table || len(e.Embedding) == 0 {
			continue
		}
		score := vector.Similarity(req.Metric, query, e.Embedding)
		if req.Threshold > 0 && score < req.Threshold {
			continue
		}
		hits = append(hits, SearchHit{Entity: e.Clone(), Score: score})
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Entity.ID < hits[j].Entity.ID
	})

	limit := req.Limit
	if limit <= 0 {
		limit = 10
	}
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// SQL is not supported by the in-memory backend.
func (m *MemoryAdapter) SQL(ctx context.Context, req SQLRequest) ([]*entity.Entity, error) {
	return nil, ErrUnsupported
}

func (m *MemoryAdapter) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrStorageClosed
	}
	return nil
}

func (m *MemoryAdapter) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

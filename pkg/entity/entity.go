// Package entity defines the schema-agnostic record model shared by every
// REM storage backend.
//
// An Entity is a fixed, strongly typed envelope (id, tenant, label, kind,
// graph paths) wrapped around an open key/value payload. Backends store
// documents, moments, people and concepts in different physical tables, but
// every row they return is normalized into this one shape before the query
// layer sees it.
//
// The load-bearing invariant lives on InlineEdge: edges are embedded inside
// the source entity's record and address their destination by label, never
// by internal id. Discovering "what edges exist from X" is therefore one
// entity fetch, and following an edge is just another label lookup.
package entity

import (
	"strings"
	"time"
)

// Entity is a stored record participating in REM queries.
//
// ID is opaque to callers; Label is the human-readable name used for LOOKUP.
// Labels are only informally unique: the same label may exist in several
// tables at once, and lookups return every match. Kind-specific columns
// travel in Fields so no per-kind struct generation is needed.
type Entity struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`
	Label    string `json:"label"`
	Kind     string `json:"kind,omitempty"`
	Table    string `json:"table,omitempty"`

	// RelatedEntities holds informational label references. They are not
	// traversable; only GraphPaths edges are followed by TRAVERSE.
	RelatedEntities []string `json:"related_entities,omitempty"`

	// GraphPaths holds the traversable, weighted, directed edges owned by
	// this entity.
	GraphPaths []InlineEdge `json:"graph_paths,omitempty"`

	// Fields is the open payload: content, metadata, whatever the owning
	// table carries beyond the envelope.
	Fields map[string]any `json:"fields,omitempty"`

	// Embedding is the optional vector used by SEARCH. Backends with a
	// native vector index may leave this empty on reads.
	Embedding []float32 `json:"-"`

	CreatedAt time.Time `json:"created_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// Ref identifies one entity inside the reverse-mapping index.
// One label resolves to a list of these, possibly spanning tables.
type Ref struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`
	Label    string `json:"label"`
	Table    string `json:"table"`
	Kind     string `json:"kind,omitempty"`
}

// ScoredRef is a Ref with a fuzzy-match score attached.
// Score semantics are backend-specific (see each adapter's FuzzyResolve).
type ScoredRef struct {
	Ref
	Score float64 `json:"score"`
}

// NormalizeLabel folds a label for index keys and visited-set membership.
// Matching is case-insensitive and whitespace-trimmed; nothing else
// (no stemming, no punctuation stripping) is applied.
func NormalizeLabel(label string) string {
	return strings.ToLower(strings.TrimSpace(label))
}

// Clone returns a deep copy so callers can mutate results without
// corrupting adapter-internal state.
func (e *Entity) Clone() *Entity {
	if e == nil {
		return nil
	}
	out := *e
	if e.RelatedEntities != nil {
		out.RelatedEntities = append([]string(nil), e.RelatedEntities...)
	}
	if e.GraphPaths != nil {
		out.GraphPaths = make([]InlineEdge, len(e.GraphPaths))
		for i, edge := range e.GraphPaths {
			out.GraphPaths[i] = edge.Clone()
		}
	}
	if e.Fields != nil {
		out.Fields = make(map[string]any, len(e.Fields))
		for k, v := range e.Fields {
			out.Fields[k] = v
		}
	}
	if e.Embedding != nil {
		out.Embedding = append([]float32(nil), e.Embedding...)
	}
	return &out
}

// Ref builds the reverse-mapping entry for this entity.
func (e *Entity) Ref() Ref {
	return Ref{
		ID:       e.ID,
		TenantID: e.TenantID,
		Label:    e.Label,
		Table:    e.Table,
		Kind:     e.Kind,
	}
}

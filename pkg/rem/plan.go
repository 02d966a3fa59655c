package rem

import (
	"regexp"
	"strings"

	"github.com/orneryd/remdb/pkg/storage"
)

// QueryType identifies which of the five operations a plan requests.
type QueryType string

const (
	QueryLookup   QueryType = "lookup"
	QueryFuzzy    QueryType = "fuzzy"
	QuerySearch   QueryType = "search"
	QuerySQL      QueryType = "sql"
	QueryTraverse QueryType = "traverse"
)

// Default parameter values applied during validation.
const (
	DefaultFuzzyThreshold  = 0.3
	DefaultFuzzyLimit      = 10
	DefaultSearchThreshold = 0.7
	DefaultSearchLimit     = 10
	DefaultTraverseDepth   = 1
	DefaultTraverseLimit   = 9
	// TraverseInitialLimit caps how many entities the stage-zero plan may
	// seed the frontier with.
	TraverseInitialLimit = 100
)

// PlanMemo is an opaque caller annotation echoed back in results and
// traversal metadata. The engine never interprets it.
type PlanMemo string

// EdgeOrder selects the stable per-entity edge ordering used during
// traversal.
type EdgeOrder struct {
	// Field is one of entity.OrderByCreatedAt, OrderByWeight, OrderByDst.
	// Empty means created_at.
	Field string
	// Ascending flips the default descending order.
	Ascending bool
}

// Plan is a validated query: one type plus the parameter block for it.
// Exactly one of the parameter fields matching Type is consulted.
type Plan struct {
	Type     QueryType `json:"query_type"`
	TenantID string    `json:"tenant_id"`
	Memo     PlanMemo  `json:"memo,omitempty"`

	Lookup   *LookupParams   `json:"lookup,omitempty"`
	Fuzzy    *FuzzyParams    `json:"fuzzy,omitempty"`
	Search   *SearchParams   `json:"search,omitempty"`
	SQL      *SQLParams      `json:"sql,omitempty"`
	Traverse *TraverseParams `json:"traverse,omitempty"`
}

// LookupParams asks for exact label resolution across all tables.
type LookupParams struct {
	Labels []string `json:"labels"`
	// Table restricts hits to one table when set.
	Table string `json:"table,omitempty"`
	// Fields projects each node's open payload down to these keys.
	Fields []string `json:"fields,omitempty"`
}

// FuzzyParams asks for approximate label resolution.
type FuzzyParams struct {
	Text      string  `json:"text"`
	Threshold float64 `json:"threshold,omitempty"`
	Limit     int     `json:"limit,omitempty"`
}

// SearchParams asks for vector similarity over one table.
type SearchParams struct {
	Text      string    `json:"text"`
	Vector    []float32 `json:"vector,omitempty"`
	Table     string    `json:"table"`
	Metric    string    `json:"metric,omitempty"`
	Threshold float64   `json:"threshold,omitempty"`
	Limit     int       `json:"limit,omitempty"`
}

// SQLParams is a structured read-only query passed to the backend dialect.
type SQLParams struct {
	Table        string   `json:"table"`
	SelectFields []string `json:"select_fields,omitempty"`
	Where        string   `json:"where,omitempty"`
	OrderBy      string   `json:"order_by,omitempty"`
	Limit        int      `json:"limit,omitempty"`
}

// TraverseParams drives the graph traversal. With supplies the stage-zero
// plan that seeds the frontier; MaxDepth zero selects PLAN mode, which
// inspects the frontier's outgoing edges without executing any expansion.
type TraverseParams struct {
	EdgeTypes []string  `json:"edge_types,omitempty"`
	With      *Plan     `json:"with"`
	MaxDepth  int       `json:"max_depth"`
	OrderBy   EdgeOrder `json:"order_by,omitempty"`
	Limit     int       `json:"limit,omitempty"`
	PlanOnly  bool      `json:"plan_only,omitempty"`
}

// writeKeywords are rejected as whole words anywhere in SQL fragments.
var writeKeywords = regexp.MustCompile(`(?i)\b(delete|update|drop|insert|truncate|alter|create)\b`)

// checkReadOnly rejects fragments containing write keywords as whole words.
// "created_at" passes; "DELETE FROM" does not.
func checkReadOnly(field, fragment string) error {
	if m := writeKeywords.FindString(fragment); m != "" {
		return validationErr(field, "write keyword %q not allowed", strings.ToUpper(m))
	}
	return nil
}

// Validate checks the plan and fills parameter defaults in place.
func (p *Plan) Validate() error {
	if p == nil {
		return validationErr("plan", "nil plan")
	}
	if p.TenantID == "" {
		return validationErr("tenant_id", "required")
	}

	switch p.Type {
	case QueryLookup:
		if p.Lookup == nil || len(p.Lookup.Labels) == 0 {
			return validationErr("lookup.labels", "at least one label required")
		}
		for _, l := range p.Lookup.Labels {
			if strings.TrimSpace(l) == "" {
				return validationErr("lookup.labels", "blank label")
			}
		}

	case QueryFuzzy:
		if p.Fuzzy == nil || strings.TrimSpace(p.Fuzzy.Text) == "" {
			return validationErr("fuzzy.text", "required")
		}
		if p.Fuzzy.Threshold == 0 {
			p.Fuzzy.Threshold = DefaultFuzzyThreshold
		}
		if p.Fuzzy.Threshold < 0 || p.Fuzzy.Threshold > 1 {
			return validationErr("fuzzy.threshold", "must be in [0, 1], got %v", p.Fuzzy.Threshold)
		}
		if p.Fuzzy.Limit <= 0 {
			p.Fuzzy.Limit = DefaultFuzzyLimit
		}

	case QuerySearch:
		if p.Search == nil {
			return validationErr("search", "required")
		}
		if strings.TrimSpace(p.Search.Text) == "" && len(p.Search.Vector) == 0 {
			return validationErr("search.text", "text or vector required")
		}
		if p.Search.Table == "" {
			return validationErr("search.table", "required")
		}
		if p.Search.Threshold == 0 {
			p.Search.Threshold = DefaultSearchThreshold
		}
		if p.Search.Limit <= 0 {
			p.Search.Limit = DefaultSearchLimit
		}

	case QuerySQL:
		if p.SQL == nil || p.SQL.Table == "" {
			return validationErr("sql.table", "required")
		}
		if err := checkReadOnly("sql.table", p.SQL.Table); err != nil {
			return err
		}
		if err := checkReadOnly("sql.where", p.SQL.Where); err != nil {
			return err
		}
		if err := checkReadOnly("sql.order_by", p.SQL.OrderBy); err != nil {
			return err
		}

	case QueryTraverse:
		if p.Traverse == nil {
			return validationErr("traverse", "required")
		}
		t := p.Traverse
		if t.With == nil {
			return validationErr("traverse.with", "seed plan required")
		}
		if t.With.Type == QueryTraverse {
			return validationErr("traverse.with", "seed plan cannot itself be a traversal")
		}
		if t.With.TenantID == "" {
			t.With.TenantID = p.TenantID
		}
		if t.With.TenantID != p.TenantID {
			return validationErr("traverse.with.tenant_id", "must match outer plan")
		}
		if err := t.With.Validate(); err != nil {
			return err
		}
		if t.MaxDepth < 0 {
			return validationErr("traverse.max_depth", "must be >= 0, got %d", t.MaxDepth)
		}
		// Depth zero is PLAN mode, not a default to fill.
		if t.MaxDepth == 0 {
			t.PlanOnly = true
		}
		if t.Limit <= 0 {
			t.Limit = DefaultTraverseLimit
		}
		switch t.OrderBy.Field {
		case "", "created_at", "weight", "dst":
		default:
			return validationErr("traverse.order_by", "unknown field %q", t.OrderBy.Field)
		}

	default:
		return validationErr("query_type", "unknown type %q", p.Type)
	}
	return nil
}

// requiredOp maps the plan type to the storage operation it exercises.
func (p *Plan) requiredOp() storage.Op {
	switch p.Type {
	case QueryFuzzy:
		return storage.OpFuzzy
	case QuerySearch:
		return storage.OpSearch
	case QuerySQL:
		return storage.OpSQL
	case QueryTraverse:
		return storage.OpTraverse
	default:
		return storage.OpLookup
	}
}

package entity

import (
	"sort"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// InlineEdge is a directed, weighted relationship embedded in the source
// entity's record.
//
// Dst is the destination entity's label, not an internal id. That keeps
// traversal schema-agnostic: following an edge is a plain label lookup, and
// an edge whose destination was never written simply resolves to nothing.
//
// Weight is a strength hint in [0,1] used for ordering and filtering only;
// correctness never depends on it. Properties is an open map for
// denormalized destination metadata (destination kind, an optional
// destination id for fast fallback, confidence scores).
type InlineEdge struct {
	Dst        string         `json:"dst"`
	RelType    string         `json:"rel_type"`
	Weight     float64        `json:"weight,omitempty"`
	Properties map[string]any `json:"properties,omitempty"`
	CreatedAt  time.Time      `json:"created_at,omitempty"`
}

// Clone returns a deep copy of the edge.
func (e InlineEdge) Clone() InlineEdge {
	out := e
	if e.Properties != nil {
		out.Properties = make(map[string]any, len(e.Properties))
		for k, v := range e.Properties {
			out.Properties[k] = v
		}
	}
	return out
}

// ParseGraphPaths normalizes the graph_paths value a backend hands back.
//
// Backends disagree about the wire shape: relational stores return JSON
// text, KV stores return decoded lists, and legacy writers emitted bare
// destination labels instead of edge objects. All of these are accepted:
//
//   - []InlineEdge: returned as-is
//   - string / []byte: parsed as a JSON array
//   - []any: maps become edges ("type" tolerated as an alias for
//     "rel_type"), bare strings become an edge of type "edge" with weight 1
//
// Unparseable input yields an empty list, never an error; a record with
// mangled edges is still a valid entity, it just has nothing to traverse.
func ParseGraphPaths(raw any) []InlineEdge {
	switch v := raw.(type) {
	case nil:
		return nil
	case []InlineEdge:
		return v
	case string:
		return parseGraphPathsJSON([]byte(v))
	case []byte:
		return parseGraphPathsJSON(v)
	case []any:
		return parseGraphPathsList(v)
	default:
		return nil
	}
}

func parseGraphPathsJSON(data []byte) []InlineEdge {
	if len(data) == 0 {
		return nil
	}
	var list []any
	if err := json.Unmarshal(data, &list); err != nil {
		return nil
	}
	return parseGraphPathsList(list)
}

func parseGraphPathsList(list []any) []InlineEdge {
	edges := make([]InlineEdge, 0, len(list))
	for _, item := range list {
		switch e := item.(type) {
		case map[string]any:
			edge := InlineEdge{Weight: 1.0}
			if dst, ok := e["dst"].(string); ok {
				edge.Dst = dst
			}
			if rt, ok := e["rel_type"].(string); ok {
				edge.RelType = rt
			} else if rt, ok := e["type"].(string); ok {
				// Older writers used "type".
				edge.RelType = rt
			}
			if w, ok := e["weight"].(float64); ok {
				edge.Weight = w
			}
			if props, ok := e["properties"].(map[string]any); ok {
				edge.Properties = props
			}
			if ts, ok := e["created_at"].(string); ok {
				if t, err := time.Parse(time.RFC3339, ts); err == nil {
					edge.CreatedAt = t
				}
			}
			if edge.Dst != "" {
				edges = append(edges, edge)
			}
		case string:
			if e != "" {
				edges = append(edges, InlineEdge{Dst: e, RelType: "edge", Weight: 1.0})
			}
		}
	}
	return edges
}

// Edge order fields accepted by SortEdges.
const (
	OrderByCreatedAt = "created_at"
	OrderByWeight    = "weight"
	OrderByDst       = "dst"
)

// SortEdges orders edges by the given field, stably, so repeated identical
// queries over unchanged data produce identical ordering. Zero timestamps
// sort after real ones regardless of direction, matching how absent values
// are pushed to the end.
func SortEdges(edges []InlineEdge, field string, desc bool) {
	sort.SliceStable(edges, func(i, j int) bool {
		a, b := edges[i], edges[j]
		switch field {
		case OrderByWeight:
			if a.Weight == b.Weight {
				return false
			}
			if desc {
				return a.Weight > b.Weight
			}
			return a.Weight < b.Weight
		case OrderByDst:
			if a.Dst == b.Dst {
				return false
			}
			if desc {
				return a.Dst > b.Dst
			}
			return a.Dst < b.Dst
		default: // created_at
			az, bz := a.CreatedAt.IsZero(), b.CreatedAt.IsZero()
			if az != bz {
				return bz // zero times last
			}
			if a.CreatedAt.Equal(b.CreatedAt) {
				return false
			}
			if desc {
				return a.CreatedAt.After(b.CreatedAt)
			}
			return a.CreatedAt.Before(b.CreatedAt)
		}
	})
}

package entity

import "time"

// Envelope column aliases recognized by FromRow. Physical tables predate the
// envelope, so the label column in particular goes by several names.
var (
	labelColumns = []string{"label", "name", "key"}
	kindColumns  = []string{"kind", "category", "entity_type"}
)

// FromRow normalizes one backend row into an Entity.
//
// Envelope columns (id, tenant_id, label/name/key, kind/category,
// graph_paths, created_at, updated_at) are lifted into typed fields;
// everything else stays in Fields untouched. This is the single place where
// heterogeneous table layouts become the uniform result shape, so every
// adapter funnels its rows through here.
func FromRow(table string, row map[string]any) *Entity {
	e := &Entity{Table: table, Fields: make(map[string]any, len(row))}

	for k, v := range row {
		switch k {
		case "id":
			e.ID = asString(v)
		case "tenant_id":
			e.TenantID = asString(v)
		case "graph_paths":
			e.GraphPaths = ParseGraphPaths(v)
		case "related_entities":
			e.RelatedEntities = asStringList(v)
		case "created_at":
			e.CreatedAt = asTime(v)
		case "updated_at":
			e.UpdatedAt = asTime(v)
		default:
			e.Fields[k] = v
		}
	}

	for _, col := range labelColumns {
		if s := asString(e.Fields[col]); s != "" {
			e.Label = s
			delete(e.Fields, col)
			break
		}
	}
	for _, col := range kindColumns {
		if s := asString(e.Fields[col]); s != "" {
			e.Kind = s
			delete(e.Fields, col)
			break
		}
	}

	return e
}

func asString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return ""
	}
}

func asStringList(v any) []string {
	switch list := v.(type) {
	case []string:
		return list
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s := asString(item); s != "" {
				out = append(out, s)
			}
		}
		return out
	case string, []byte:
		var decoded []string
		if err := json.Unmarshal([]byte(asString(v)), &decoded); err == nil {
			return decoded
		}
		return nil
	default:
		return nil
	}
}

func asTime(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t
	case string:
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05"} {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed
			}
		}
	}
	return time.Time{}
}

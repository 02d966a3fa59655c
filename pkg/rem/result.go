package rem

import (
	"github.com/orneryd/remdb/pkg/entity"
)

// Node is one entity in a result set, annotated with how it was reached.
type Node struct {
	ID         string             `json:"id"`
	TenantID   string             `json:"tenant_id"`
	Label      string             `json:"label"`
	Kind       string             `json:"kind,omitempty"`
	Table      string             `json:"table"`
	Fields     map[string]any     `json:"fields,omitempty"`
	GraphPaths []entity.InlineEdge `json:"graph_paths,omitempty"`

	// Score is set by fuzzy and search results.
	Score float64 `json:"score,omitempty"`
	// Depth is the traversal stage that found this node. Seed nodes are
	// depth zero.
	Depth int `json:"depth,omitempty"`
	// Path lists the labels walked from a seed to this node, seed first.
	Path []string `json:"path,omitempty"`
}

func nodeFromEntity(e *entity.Entity) Node {
	return Node{
		ID:         e.ID,
		TenantID:   e.TenantID,
		Label:      e.Label,
		Kind:       e.Kind,
		Table:      e.Table,
		Fields:     e.Fields,
		GraphPaths: e.GraphPaths,
	}
}

// EdgeSummary is one traversed edge as a (source, relation, target) triple.
// Targets are labels, not ids: edges address entities the way queries do.
type EdgeSummary struct {
	Src     string `json:"src"`
	RelType string `json:"rel_type"`
	Dst     string `json:"dst"`
}

// StageCounts summarizes what one traversal stage found.
type StageCounts struct {
	Nodes int `json:"nodes"`
	Edges int `json:"edges"`
}

// Stage records one depth of the traversal, whether or not it executed.
// PLAN mode emits stages with Executed false.
type Stage struct {
	Depth    int  `json:"depth"`
	Executed bool `json:"executed"`
	// Description says what this stage did, in query terms.
	Description string      `json:"description"`
	Found       StageCounts `json:"found"`
	// EdgeTypes counts outgoing edges by relation type at this stage.
	EdgeTypes map[string]int `json:"edge_types,omitempty"`
	// SampleTargets holds up to five target labels per stage in PLAN mode.
	SampleTargets []string `json:"sample_targets,omitempty"`
	// FrontierCapped is set when the breadth limit truncated this stage's
	// frontier.
	FrontierCapped bool `json:"frontier_capped,omitempty"`
	// Partial is set on a stage that timed out or was canceled mid-depth.
	Partial  bool     `json:"partial,omitempty"`
	PlanMemo PlanMemo `json:"plan_memo,omitempty"`
}

// TraverseMetadata is the metadata block every traversal result carries.
type TraverseMetadata struct {
	TotalNodes            int      `json:"total_nodes"`
	TotalNodesBeforeLimit int      `json:"total_nodes_before_limit"`
	TotalEdges            int      `json:"total_edges"`
	UniqueNodes           int      `json:"unique_nodes"`
	// NodeUniquenessGuaranteed is always true: the visited set dedups by
	// identity before a node can enter the result.
	NodeUniquenessGuaranteed bool     `json:"node_uniqueness_guaranteed"`
	MaxDepthReached          int      `json:"max_depth_reached"`
	EdgeFilter               []string `json:"edge_filter,omitempty"`
	QueryPlanMemo            PlanMemo `json:"query_plan_memo,omitempty"`
	ResultLimit              int      `json:"result_limit"`
	LimitApplied             bool     `json:"limit_applied"`
	// Partial is set when a depth budget or timeout stopped the walk early;
	// stages already completed remain valid.
	Partial bool `json:"partial,omitempty"`
}

// TraverseResult is the full output of a traversal or PLAN inspection.
type TraverseResult struct {
	Nodes []Node        `json:"nodes"`
	Edges []EdgeSummary `json:"edges"`
	// SourceNodes lists the labels of the original frontier, in seed order.
	SourceNodes []string         `json:"source_nodes"`
	Stages      []Stage          `json:"stages"`
	Metadata    TraverseMetadata `json:"metadata"`
}

// Result is the engine's answer to any plan. Traverse is set only for
// traversal plans; every other type fills Nodes directly.
type Result struct {
	Type     QueryType       `json:"query_type"`
	Memo     PlanMemo        `json:"memo,omitempty"`
	Nodes    []Node          `json:"nodes,omitempty"`
	Traverse *TraverseResult `json:"traverse,omitempty"`
}

package rem

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/orneryd/remdb/pkg/entity"
	"github.com/orneryd/remdb/pkg/storage"
)

const planSampleTargets = 5

// frontierNode carries one entity through the walk together with the label
// path that reached it.
type frontierNode struct {
	ent  *entity.Entity
	path []string
}

func visitKey(e *entity.Entity) entity.Ref {
	return entity.Ref{ID: e.ID, TenantID: e.TenantID, Table: e.Table}
}

// runTraverse walks the label-addressed graph breadth first. Each depth is
// one batched Resolve over every destination label collected from the
// frontier's embedded edges, so the round trips per walk equal the depth,
// not the node count. Nodes are deduplicated by identity through a visited
// set before they can enter the result.
func (e *Engine) runTraverse(ctx context.Context, plan *Plan) (*TraverseResult, error) {
	t := plan.Traverse

	seeds, err := e.seedFrontier(ctx, plan)
	if err != nil {
		return nil, err
	}

	res := &TraverseResult{
		Nodes:       []Node{},
		Edges:       []EdgeSummary{},
		SourceNodes: []string{},
		Stages:      []Stage{},
		Metadata: TraverseMetadata{
			NodeUniquenessGuaranteed: true,
			EdgeFilter:               t.EdgeTypes,
			QueryPlanMemo:            plan.Memo,
			ResultLimit:              t.Limit,
		},
	}

	visited := make(map[entity.Ref]struct{})
	frontier := make([]frontierNode, 0, len(seeds))
	for _, s := range seeds {
		key := visitKey(s)
		if _, dup := visited[key]; dup {
			continue
		}
		visited[key] = struct{}{}
		n := nodeFromEntity(s)
		n.Depth = 0
		n.Path = []string{s.Label}
		res.Nodes = append(res.Nodes, n)
		res.SourceNodes = append(res.SourceNodes, s.Label)
		frontier = append(frontier, frontierNode{ent: s, path: n.Path})
	}

	res.Stages = append(res.Stages, Stage{
		Depth:       0,
		Executed:    true,
		Description: describeSeed(t.With),
		Found:       StageCounts{Nodes: len(frontier)},
		PlanMemo:    plan.Memo,
	})

	if t.PlanOnly {
		e.planStage(res, frontier, t.EdgeTypes)
		finishTraverse(res, t.Limit)
		return res, nil
	}

	for depth := 1; depth <= t.MaxDepth; depth++ {
		if len(frontier) == 0 {
			break
		}
		if err := ctx.Err(); err != nil {
			res.Metadata.Partial = true
			e.log.Warn("traversal canceled, returning partial result",
				zap.Int("depth", depth), zap.Error(err))
			break
		}

		stage, next, err := e.expandDepth(ctx, plan, frontier, visited, depth, res)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				// The trace keeps the failed depth so a caller can see where
				// the walk stopped.
				stage.Partial = true
				res.Stages = append(res.Stages, stage)
				res.Metadata.Partial = true
				e.log.Warn("traversal depth timed out, returning partial result",
					zap.Int("depth", depth))
				break
			}
			return nil, err
		}

		res.Stages = append(res.Stages, stage)
		res.Metadata.MaxDepthReached = depth
		frontier = next
	}

	finishTraverse(res, t.Limit)
	return res, nil
}

// seedFrontier executes the stage-zero plan and returns its entities,
// capped at TraverseInitialLimit.
func (e *Engine) seedFrontier(ctx context.Context, plan *Plan) ([]*entity.Entity, error) {
	seedResult, err := e.Execute(ctx, plan.Traverse.With)
	if err != nil {
		return nil, err
	}

	nodes := seedResult.Nodes
	if len(nodes) > TraverseInitialLimit {
		nodes = nodes[:TraverseInitialLimit]
	}

	seeds := make([]*entity.Entity, 0, len(nodes))
	for _, n := range nodes {
		seeds = append(seeds, &entity.Entity{
			ID:         n.ID,
			TenantID:   n.TenantID,
			Label:      n.Label,
			Kind:       n.Kind,
			Table:      n.Table,
			Fields:     n.Fields,
			GraphPaths: n.GraphPaths,
		})
	}
	return seeds, nil
}

// expandDepth performs one breadth step: collect the frontier's edges,
// resolve every destination label in a single batch, hydrate and dedup.
func (e *Engine) expandDepth(ctx context.Context, plan *Plan, frontier []frontierNode, visited map[entity.Ref]struct{}, depth int, res *TraverseResult) (Stage, []frontierNode, error) {
	t := plan.Traverse
	stage := Stage{Depth: depth, Executed: true, PlanMemo: plan.Memo}

	if e.opts.DepthTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opts.DepthTimeout)
		defer cancel()
	}

	type pendingEdge struct {
		srcPath  []string
		srcLabel string
		relType  string
		dst      string
	}
	var pending []pendingEdge
	var labels []string
	labelSeen := make(map[string]struct{})

	edgeTypeCounts := make(map[string]int)
	for _, fn := range frontier {
		edges := filterEdges(fn.ent.GraphPaths, t.EdgeTypes)
		entity.SortEdges(edges, t.OrderBy.Field, !t.OrderBy.Ascending)
		for _, edge := range edges {
			if edge.Dst == "" {
				continue
			}
			edgeTypeCounts[edge.RelType]++
			pending = append(pending, pendingEdge{
				srcPath:  fn.path,
				srcLabel: fn.ent.Label,
				relType:  edge.RelType,
				dst:      edge.Dst,
			})
			norm := entity.NormalizeLabel(edge.Dst)
			if _, dup := labelSeen[norm]; !dup {
				labelSeen[norm] = struct{}{}
				labels = append(labels, edge.Dst)
			}
		}
	}
	stage.Description = describeExpansion(len(labels), t.EdgeTypes)
	if len(edgeTypeCounts) > 0 {
		stage.EdgeTypes = edgeTypeCounts
	}
	if len(labels) == 0 {
		return stage, nil, nil
	}

	resolved, err := e.adapter.Resolve(ctx, plan.TenantID, labels)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return stage, nil, nil
		}
		return stage, nil, err
	}

	// Index refs by normalized label so pending edges can find their hits
	// regardless of label casing.
	refsByNorm := make(map[string][]entity.Ref, len(resolved))
	for label, refs := range resolved {
		norm := entity.NormalizeLabel(label)
		refsByNorm[norm] = append(refsByNorm[norm], refs...)
	}

	// First pass: claim unvisited refs in edge order, so hydration is one
	// batched call for the whole depth.
	type claim struct {
		ref  entity.Ref
		path []string
	}
	var claims []claim
	capped := false
	for _, pe := range pending {
		refs := refsByNorm[entity.NormalizeLabel(pe.dst)]
		if len(refs) == 0 {
			continue // dangling edge, nothing to follow
		}

		// The edge resolved, so it enters the summary even when its
		// targets were all visited before.
		res.Edges = append(res.Edges, EdgeSummary{Src: pe.srcLabel, RelType: pe.relType, Dst: pe.dst})
		stage.Found.Edges++

		for _, ref := range refs {
			key := entity.Ref{ID: ref.ID, TenantID: plan.TenantID, Table: ref.Table}
			if _, dup := visited[key]; dup {
				continue
			}
			if len(claims) >= e.opts.BreadthLimit {
				capped = true
				break
			}
			visited[key] = struct{}{}
			claims = append(claims, claim{ref: ref, path: pe.srcPath})
		}
	}
	stage.FrontierCapped = capped
	if len(claims) == 0 {
		return stage, nil, nil
	}

	refs := make([]entity.Ref, len(claims))
	for i, c := range claims {
		refs[i] = c.ref
	}
	ents, err := e.adapter.GetEntities(ctx, plan.TenantID, refs)
	if err != nil {
		return stage, nil, err
	}
	entByKey := make(map[entity.Ref]*entity.Entity, len(ents))
	for _, ent := range ents {
		entByKey[visitKey(ent)] = ent
	}

	var next []frontierNode
	for _, c := range claims {
		ent, ok := entByKey[entity.Ref{ID: c.ref.ID, TenantID: plan.TenantID, Table: c.ref.Table}]
		if !ok {
			continue // deleted since the index was read
		}

		path := make([]string, 0, len(c.path)+1)
		path = append(path, c.path...)
		path = append(path, ent.Label)

		n := nodeFromEntity(ent)
		n.Depth = depth
		n.Path = path
		res.Nodes = append(res.Nodes, n)
		stage.Found.Nodes++
		next = append(next, frontierNode{ent: ent, path: path})
	}
	return stage, next, nil
}

// planStage inspects the seeds' outgoing edges without resolving them:
// every matching edge as a summary triple, per-type counts, and a few
// sample targets, so a caller can see what a real walk would follow before
// paying for it.
func (e *Engine) planStage(res *TraverseResult, frontier []frontierNode, edgeTypes []string) {
	counts := make(map[string]int)
	var samples []string
	sampleSeen := make(map[string]struct{})
	total := 0

	for _, fn := range frontier {
		for _, edge := range filterEdges(fn.ent.GraphPaths, edgeTypes) {
			counts[edge.RelType]++
			total++
			res.Edges = append(res.Edges, EdgeSummary{Src: fn.ent.Label, RelType: edge.RelType, Dst: edge.Dst})
			norm := entity.NormalizeLabel(edge.Dst)
			if len(samples) < planSampleTargets && norm != "" {
				if _, dup := sampleSeen[norm]; !dup {
					sampleSeen[norm] = struct{}{}
					samples = append(samples, edge.Dst)
				}
			}
		}
	}

	if len(counts) == 0 {
		counts = nil
	}
	res.Stages = append(res.Stages, Stage{
		Depth:         1,
		Executed:      false,
		Description:   fmt.Sprintf("PLAN %d outgoing edges on %d frontier nodes", total, len(frontier)),
		Found:         StageCounts{Edges: total},
		EdgeTypes:     counts,
		SampleTargets: samples,
	})
}

// describeSeed renders the stage-zero step for the trace.
func describeSeed(p *Plan) string {
	switch p.Type {
	case QueryLookup:
		return "LOOKUP " + strings.Join(p.Lookup.Labels, ", ")
	case QueryFuzzy:
		return fmt.Sprintf("FUZZY %q", p.Fuzzy.Text)
	case QuerySearch:
		return fmt.Sprintf("SEARCH %q IN %s", p.Search.Text, p.Search.Table)
	case QuerySQL:
		return "SELECT FROM " + p.SQL.Table
	default:
		return strings.ToUpper(string(p.Type))
	}
}

// describeExpansion renders one breadth step for the trace.
func describeExpansion(targets int, edgeTypes []string) string {
	if len(edgeTypes) == 0 {
		return fmt.Sprintf("LOOKUP %d targets via all edge types", targets)
	}
	return fmt.Sprintf("LOOKUP %d targets via %s", targets, strings.Join(edgeTypes, ", "))
}

// filterEdges returns the edges whose relation type is in the filter.
// An empty filter keeps everything.
func filterEdges(edges []entity.InlineEdge, types []string) []entity.InlineEdge {
	if len(types) == 0 {
		out := make([]entity.InlineEdge, len(edges))
		copy(out, edges)
		return out
	}
	allowed := make(map[string]struct{}, len(types))
	for _, t := range types {
		allowed[entity.NormalizeLabel(t)] = struct{}{}
	}
	var out []entity.InlineEdge
	for _, e := range edges {
		if _, ok := allowed[entity.NormalizeLabel(e.RelType)]; ok {
			out = append(out, e)
		}
	}
	return out
}

// finishTraverse applies the result limit and fills the metadata totals.
func finishTraverse(res *TraverseResult, limit int) {
	res.Metadata.TotalNodesBeforeLimit = len(res.Nodes)
	if limit > 0 && len(res.Nodes) > limit {
		res.Nodes = res.Nodes[:limit]
		res.Metadata.LimitApplied = true
	}
	res.Metadata.TotalNodes = len(res.Nodes)
	res.Metadata.UniqueNodes = len(res.Nodes)
	res.Metadata.TotalEdges = len(res.Edges)
}

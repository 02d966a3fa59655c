package rem

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/orneryd/remdb/pkg/entity"
	"github.com/orneryd/remdb/pkg/storage"
)

// Options tunes engine behavior. Zero values select the defaults.
type Options struct {
	// BreadthLimit caps the frontier size per traversal depth.
	BreadthLimit int
	// DepthTimeout bounds each traversal depth. Zero disables it.
	DepthTimeout time.Duration
	// RetryAttempts is how many times an idempotent operation is retried
	// when the backend reports itself unavailable.
	RetryAttempts int
	// RetryBackoff is the initial backoff, doubled per attempt.
	RetryBackoff time.Duration
}

const (
	defaultBreadthLimit  = 256
	defaultRetryAttempts = 3
	defaultRetryBackoff  = 100 * time.Millisecond
)

func (o Options) withDefaults() Options {
	if o.BreadthLimit <= 0 {
		o.BreadthLimit = defaultBreadthLimit
	}
	if o.RetryAttempts <= 0 {
		o.RetryAttempts = defaultRetryAttempts
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = defaultRetryBackoff
	}
	return o
}

// Engine executes validated plans against one storage adapter.
type Engine struct {
	adapter storage.Adapter
	log     *zap.Logger
	opts    Options
}

// NewEngine checks the adapter against the operation contract and returns
// the engine. A contract violation is a construction error: callers should
// treat it as fatal rather than running degraded.
func NewEngine(adapter storage.Adapter, logger *zap.Logger, opts Options) (*Engine, error) {
	if adapter == nil {
		return nil, errors.New("rem: nil adapter")
	}
	if err := checkContract(adapter); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		adapter: adapter,
		log:     logger.Named("rem"),
		opts:    opts.withDefaults(),
	}, nil
}

// Adapter returns the engine's backing adapter.
func (e *Engine) Adapter() storage.Adapter { return e.adapter }

// Execute validates the plan and dispatches it. Empty matches are empty
// results, not errors; only malformed plans, unsupported operations and
// backend failures return an error.
func (e *Engine) Execute(ctx context.Context, plan *Plan) (*Result, error) {
	if err := plan.Validate(); err != nil {
		return nil, err
	}

	op := plan.requiredOp()
	if class, ok := e.adapter.Conformance()[op]; !ok || class == storage.ClassUnsupported {
		return nil, ErrUnsupported
	}

	e.log.Debug("executing plan",
		zap.String("type", string(plan.Type)),
		zap.String("tenant", plan.TenantID))

	result := &Result{Type: plan.Type, Memo: plan.Memo}
	var err error
	switch plan.Type {
	case QueryLookup:
		result.Nodes, err = e.runLookup(ctx, plan)
	case QueryFuzzy:
		result.Nodes, err = e.runFuzzy(ctx, plan)
	case QuerySearch:
		result.Nodes, err = e.runSearch(ctx, plan)
	case QuerySQL:
		result.Nodes, err = e.runSQL(ctx, plan)
	case QueryTraverse:
		// Traversal is stateful across depths and never retried wholesale;
		// see the partial-result handling in traverse.go.
		result.Traverse, err = e.runTraverse(ctx, plan)
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

// retry runs fn with bounded exponential backoff while the backend reports
// ErrUnavailable. Only idempotent single-shot operations go through here.
func (e *Engine) retry(ctx context.Context, fn func() error) error {
	backoff := e.opts.RetryBackoff
	var err error
	for attempt := 0; attempt < e.opts.RetryAttempts; attempt++ {
		if err = fn(); !errors.Is(err, storage.ErrUnavailable) {
			return err
		}
		e.log.Warn("backend unavailable, retrying",
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", backoff))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return err
}

// runLookup resolves exact labels and hydrates the union of matches.
// Duplicate refs across labels collapse to one node.
func (e *Engine) runLookup(ctx context.Context, plan *Plan) ([]Node, error) {
	p := plan.Lookup

	var resolved map[string][]entity.Ref
	err := e.retry(ctx, func() error {
		var rerr error
		resolved, rerr = e.adapter.Resolve(ctx, plan.TenantID, p.Labels)
		return rerr
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}

	seen := make(map[entity.Ref]struct{})
	var refs []entity.Ref
	for _, label := range p.Labels {
		for _, ref := range resolved[label] {
			if p.Table != "" && ref.Table != p.Table {
				continue
			}
			if _, dup := seen[ref]; dup {
				continue
			}
			seen[ref] = struct{}{}
			refs = append(refs, ref)
		}
	}
	if len(refs) == 0 {
		return nil, nil
	}

	entities, err := e.adapter.GetEntities(ctx, plan.TenantID, refs)
	if err != nil {
		return nil, err
	}
	nodes := make([]Node, 0, len(entities))
	for _, ent := range entities {
		n := nodeFromEntity(ent)
		if len(p.Fields) > 0 {
			n.Fields = projectFields(n.Fields, p.Fields)
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

// projectFields keeps only the requested keys of an open payload.
func projectFields(fields map[string]any, keep []string) map[string]any {
	if fields == nil {
		return nil
	}
	out := make(map[string]any, len(keep))
	for _, k := range keep {
		if v, ok := fields[k]; ok {
			out[k] = v
		}
	}
	return out
}

func (e *Engine) runFuzzy(ctx context.Context, plan *Plan) ([]Node, error) {
	p := plan.Fuzzy

	var scored []entity.ScoredRef
	err := e.retry(ctx, func() error {
		var rerr error
		scored, rerr = e.adapter.FuzzyResolve(ctx, plan.TenantID, p.Text, p.Threshold, p.Limit)
		return rerr
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if len(scored) == 0 {
		return nil, nil
	}

	refs := make([]entity.Ref, len(scored))
	scoreByRef := make(map[entity.Ref]float64, len(scored))
	for i, s := range scored {
		refs[i] = s.Ref
		scoreByRef[s.Ref] = s.Score
	}
	entities, err := e.adapter.GetEntities(ctx, plan.TenantID, refs)
	if err != nil {
		return nil, err
	}
	nodes := make([]Node, 0, len(entities))
	for _, ent := range entities {
		n := nodeFromEntity(ent)
		n.Score = scoreByRef[ent.Ref()]
		nodes = append(nodes, n)
	}
	return nodes, nil
}

func (e *Engine) runSearch(ctx context.Context, plan *Plan) ([]Node, error) {
	p := plan.Search

	var hits []storage.SearchHit
	err := e.retry(ctx, func() error {
		var rerr error
		hits, rerr = e.adapter.Search(ctx, storage.SearchRequest{
			TenantID:  plan.TenantID,
			Table:     p.Table,
			Text:      p.Text,
			Vector:    p.Vector,
			Metric:    p.Metric,
			Threshold: p.Threshold,
			Limit:     p.Limit,
		})
		return rerr
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}

	nodes := make([]Node, 0, len(hits))
	for _, h := range hits {
		n := nodeFromEntity(h.Entity)
		n.Score = h.Score
		nodes = append(nodes, n)
	}
	return nodes, nil
}

func (e *Engine) runSQL(ctx context.Context, plan *Plan) ([]Node, error) {
	p := plan.SQL

	var entities []*entity.Entity
	err := e.retry(ctx, func() error {
		var rerr error
		entities, rerr = e.adapter.SQL(ctx, storage.SQLRequest{
			TenantID:     plan.TenantID,
			Table:        p.Table,
			SelectFields: p.SelectFields,
			Where:        p.Where,
			OrderBy:      p.OrderBy,
			Limit:        p.Limit,
		})
		return rerr
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}

	nodes := make([]Node, 0, len(entities))
	for _, ent := range entities {
		nodes = append(nodes, nodeFromEntity(ent))
	}
	return nodes, nil
}

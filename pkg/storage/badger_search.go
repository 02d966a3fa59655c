package storage

import (
	"context"
	"sort"

	"github.com/dgraph-io/badger/v4"

	"github.com/orneryd/remdb/pkg/entity"
	"github.com/orneryd/remdb/pkg/math/vector"
)

// Search ranks one table's vector rows against the query vector. The vector
// namespace holds only embeddings, so ranking touches no entity records;
// full entities are hydrated for the surviving hits afterwards.
func (b *BadgerAdapter) Search(ctx context.Context, req SearchRequest) ([]SearchHit, error) {
	if req.TenantID == "" {
		return nil, ErrInvalidTenant
	}
	if req.Table == "" {
		return nil, ErrInvalidData
	}
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	query := req.Vector
	if len(query) == 0 {
		if b.embedder == nil {
			return nil, ErrNoEmbedder
		}
		var err error
		query, err = b.embedder.Embed(ctx, req.Text)
		if err != nil {
			return nil, err
		}
	}

	limit := req.Limit
	if limit <= 0 {
		limit = 10
	}

	type scoredRow struct {
		id    string
		score float64
	}
	var rows []scoredRow

	err := b.db.View(func(txn *badger.Txn) error {
		prefix := vectorPrefix(req.TenantID, req.Table)
		it := txn.NewIterator(badgerIterOptsPrefetchValues(prefix, 64))
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var emb []float32
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &emb)
			})
			if err != nil {
				return err
			}
			score := vector.Similarity(req.Metric, query, emb)
			if score < req.Threshold {
				continue
			}
			rows = append(rows, scoredRow{id: lastPart(it.Item().Key()), score: score})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].score != rows[j].score {
			return rows[i].score > rows[j].score
		}
		return rows[i].id < rows[j].id
	})
	if len(rows) > limit {
		rows = rows[:limit]
	}

	refs := make([]entity.Ref, len(rows))
	for i, r := range rows {
		refs[i] = entity.Ref{ID: r.id, TenantID: req.TenantID, Table: req.Table}
	}
	entities, err := b.GetEntities(ctx, req.TenantID, refs)
	if err != nil {
		return nil, err
	}

	scoreByID := make(map[string]float64, len(rows))
	for _, r := range rows {
		scoreByID[r.id] = r.score
	}
	hits := make([]SearchHit, 0, len(entities))
	for _, e := range entities {
		hits = append(hits, SearchHit{Entity: e, Score: scoreByID[e.ID]})
	}
	return hits, nil
}

package storage

import (
	"context"
	"sort"
	"strings"

	"github.com/dgraph-io/badger/v4"

	"github.com/orneryd/remdb/pkg/entity"
)

// Resolve maps each label to every entity carrying it, across all tables.
// Each label is one prefix seek over the reverse-mapping namespace, so cost
// is proportional to matches, not store size. Labels with no entries are
// absent from the result map.
func (b *BadgerAdapter) Resolve(ctx context.Context, tenantID string, labels []string) (map[string][]entity.Ref, error) {
	if tenantID == "" {
		return nil, ErrInvalidTenant
	}
	if len(labels) == 0 {
		return nil, ErrInvalidLabel
	}
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	result := make(map[string][]entity.Ref)
	err := b.db.View(func(txn *badger.Txn) error {
		for _, label := range labels {
			if err := ctx.Err(); err != nil {
				return err
			}
			refs, err := resolveLabelInTxn(txn, tenantID, label)
			if err != nil {
				return err
			}
			if len(refs) > 0 {
				result[label] = refs
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func resolveLabelInTxn(txn *badger.Txn, tenantID, label string) ([]entity.Ref, error) {
	if strings.TrimSpace(label) == "" {
		return nil, nil
	}
	prefix := mappingPrefix(tenantID, label)
	it := txn.NewIterator(badgerIterOptsPrefetchValues(prefix, 32))
	defer it.Close()

	var refs []entity.Ref
	for it.Rewind(); it.Valid(); it.Next() {
		var ref entity.Ref
		err := it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &ref)
		})
		if err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	// Key order already sorts by table then id, but stay explicit so the
	// ordering contract survives key layout changes.
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].Table != refs[j].Table {
			return refs[i].Table < refs[j].Table
		}
		return refs[i].ID < refs[j].ID
	})
	return refs, nil
}

// FuzzyResolve finds labels approximately matching text. Trigrams of the
// query select candidate labels from the trigram namespace; candidates are
// then scored with the same similarity rank the memory adapter uses, so
// both backends agree on what "close" means.
func (b *BadgerAdapter) FuzzyResolve(ctx context.Context, tenantID, text string, threshold float64, limit int) ([]entity.ScoredRef, error) {
	if tenantID == "" {
		return nil, ErrInvalidTenant
	}
	norm := entity.NormalizeLabel(text)
	if norm == "" {
		return nil, ErrInvalidLabel
	}
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 10
	}

	type scoredLabel struct {
		label string
		score float64
	}
	var matches []scoredLabel

	err := b.db.View(func(txn *badger.Txn) error {
		candidates := make(map[string]struct{})
		for _, gram := range trigrams(norm) {
			if err := ctx.Err(); err != nil {
				return err
			}
			prefix := trigramPrefix(tenantID, gram)
			it := txn.NewIterator(badgerIterOptsKeyOnly(prefix))
			for it.Rewind(); it.Valid(); it.Next() {
				candidates[lastPart(it.Item().Key())] = struct{}{}
			}
			it.Close()
		}

		for label := range candidates {
			if score := labelSimilarity(norm, label); score >= threshold {
				matches = append(matches, scoredLabel{label: label, score: score})
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].score != matches[j].score {
			return matches[i].score > matches[j].score
		}
		return matches[i].label < matches[j].label
	})

	var scored []entity.ScoredRef
	err = b.db.View(func(txn *badger.Txn) error {
		for _, m := range matches {
			if len(scored) >= limit {
				break
			}
			refs, err := resolveLabelInTxn(txn, tenantID, m.label)
			if err != nil {
				return err
			}
			for _, ref := range refs {
				if len(scored) >= limit {
					break
				}
				scored = append(scored, entity.ScoredRef{Ref: ref, Score: m.score})
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return scored, nil
}

// GetEntities hydrates refs into full entities. Missing records are skipped,
// never an error: the caller may hold refs to entities deleted since the
// index was read.
func (b *BadgerAdapter) GetEntities(ctx context.Context, tenantID string, refs []entity.Ref) ([]*entity.Entity, error) {
	if tenantID == "" {
		return nil, ErrInvalidTenant
	}
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	entities := make([]*entity.Entity, 0, len(refs))
	err := b.db.View(func(txn *badger.Txn) error {
		for _, ref := range refs {
			if err := ctx.Err(); err != nil {
				return err
			}
			if ref.TenantID != "" && ref.TenantID != tenantID {
				continue
			}
			item, err := txn.Get(badgerEntityKey(tenantID, ref.Table, ref.ID))
			if err != nil {
				if err == badger.ErrKeyNotFound {
					continue
				}
				return err
			}
			var e entity.Entity
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &e)
			}); err != nil {
				return err
			}
			entities = append(entities, &e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entities, nil
}

// SQL is not supported: the KV store has no SQL dialect to pass queries to.
func (b *BadgerAdapter) SQL(ctx context.Context, req SQLRequest) ([]*entity.Entity, error) {
	return nil, ErrUnsupported
}

// trigrams extracts the distinct letter trigrams of a normalized label,
// padded the way pg_trgm pads, so short labels still index.
func trigrams(label string) []string {
	norm := entity.NormalizeLabel(label)
	if norm == "" {
		return nil
	}
	padded := "  " + norm + " "
	seen := make(map[string]struct{})
	grams := make([]string, 0, len(padded))
	runes := []rune(padded)
	for i := 0; i+3 <= len(runes); i++ {
		g := string(runes[i : i+3])
		if _, ok := seen[g]; ok {
			continue
		}
		seen[g] = struct{}{}
		grams = append(grams, g)
	}
	return grams
}

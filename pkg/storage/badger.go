package storage

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"
	jsoniter "github.com/json-iterator/go"

	"github.com/orneryd/remdb/pkg/entity"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Key prefixes for BadgerDB storage organization.
// Using single-byte prefixes for efficiency.
const (
	prefixEntity  = byte(0x01) // tenant:table:id -> Entity (without embedding)
	prefixMapping = byte(0x02) // tenant:label:table:id -> Ref (reverse mapping)
	prefixTrigram = byte(0x03) // tenant:trigram:label -> []byte{} (fuzzy index)
	prefixVector  = byte(0x04) // tenant:table:id -> []float32 (search rows)
)

// BadgerAdapter implements Adapter on BadgerDB.
//
// The reverse mapping lives in its own key namespace,
// tenant/normalized-label/table/id, so Resolve is a point prefix seek per
// label: O(matches), never a table scan. FUZZY is served by a trigram
// namespace over index labels (candidate union by trigram, then the unified
// Levenshtein rank). SEARCH scans a dedicated per-table vector namespace,
// kept separate from entity records so ranking never decodes full entities.
//
// Entity, mapping, trigram and vector writes for one PutEntity share a
// single Badger transaction, so the index cannot diverge from the entities
// (Open Question 1: atomic on this backend).
//
// Key structure:
//   - Entities:  0x01 + tenant + 0x00 + table + 0x00 + id
//   - Mappings:  0x02 + tenant + 0x00 + label + 0x00 + table + 0x00 + id
//   - Trigrams:  0x03 + tenant + 0x00 + trigram + 0x00 + label
//   - Vectors:   0x04 + tenant + 0x00 + table + 0x00 + id
type BadgerAdapter struct {
	db       *badger.DB
	embedder Embedder
	mu       sync.RWMutex
	closed   bool
	inMemory bool
}

// BadgerOptions configures a BadgerAdapter.
type BadgerOptions struct {
	// DataDir is the directory for data files. Required unless InMemory.
	DataDir string

	// InMemory runs BadgerDB in memory-only mode. Useful for testing.
	InMemory bool

	// SyncWrites forces fsync after each write. Slower but more durable.
	SyncWrites bool

	// Embedder turns SEARCH text into vectors. May be nil when callers
	// always supply vectors.
	Embedder Embedder

	// Logger for BadgerDB internal logging. Nil silences it.
	Logger badger.Logger
}

// NewBadgerAdapter opens (or creates) a Badger-backed store.
func NewBadgerAdapter(opts BadgerOptions) (*BadgerAdapter, error) {
	var badgerOpts badger.Options
	if opts.InMemory {
		badgerOpts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if opts.DataDir == "" {
			return nil, fmt.Errorf("badger: %w: DataDir required", ErrInvalidData)
		}
		badgerOpts = badger.DefaultOptions(opts.DataDir)
	}
	badgerOpts = badgerOpts.WithSyncWrites(opts.SyncWrites).WithLogger(opts.Logger)

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("badger: open: %w", err)
	}

	return &BadgerAdapter{db: db, embedder: opts.Embedder, inMemory: opts.InMemory}, nil
}

func (b *BadgerAdapter) Name() string { return "badger" }

func (b *BadgerAdapter) Conformance() Conformance {
	return Conformance{
		OpLookup:   ClassConstant,
		OpFuzzy:    ClassIndexed,
		OpSearch:   ClassIndexed,
		OpTraverse: ClassTraversal,
	}
}

// IsInMemory reports whether the adapter runs in memory-only mode.
func (b *BadgerAdapter) IsInMemory() bool { return b.inMemory }

// ============================================================================
// Key encoding helpers
// ============================================================================

func appendParts(prefix byte, parts ...string) []byte {
	size := 1
	for _, p := range parts {
		size += len(p) + 1
	}
	key := make([]byte, 0, size)
	key = append(key, prefix)
	for i, p := range parts {
		if i > 0 {
			key = append(key, 0x00)
		}
		key = append(key, []byte(p)...)
	}
	return key
}

func badgerEntityKey(tenantID, table, id string) []byte {
	return appendParts(prefixEntity, tenantID, table, id)
}

// mappingKey encodes one reverse-mapping entry.
// Labels are normalized for case-insensitive matching.
func mappingKey(tenantID, label, table, id string) []byte {
	return appendParts(prefixMapping, tenantID, entity.NormalizeLabel(label), table, id)
}

// mappingPrefix is the seek prefix for all entries of one label.
func mappingPrefix(tenantID, label string) []byte {
	key := appendParts(prefixMapping, tenantID, entity.NormalizeLabel(label))
	return append(key, 0x00)
}

func trigramKey(tenantID, gram, label string) []byte {
	return appendParts(prefixTrigram, tenantID, gram, entity.NormalizeLabel(label))
}

func trigramPrefix(tenantID, gram string) []byte {
	key := appendParts(prefixTrigram, tenantID, gram)
	return append(key, 0x00)
}

func vectorKey(tenantID, table, id string) []byte {
	return appendParts(prefixVector, tenantID, table, id)
}

func vectorPrefix(tenantID, table string) []byte {
	key := appendParts(prefixVector, tenantID, table)
	return append(key, 0x00)
}

// lastPart returns the bytes after the final 0x00 separator.
func lastPart(key []byte) string {
	if i := bytes.LastIndexByte(key, 0x00); i >= 0 {
		return string(key[i+1:])
	}
	return ""
}

// ============================================================================
// Writes
// ============================================================================

// PutEntity writes the entity record, its reverse mapping, its trigram
// entries and its vector row in one transaction.
func (b *BadgerAdapter) PutEntity(ctx context.Context, e *entity.Entity) error {
	if e == nil {
		return ErrInvalidData
	}
	if e.TenantID == "" {
		return ErrInvalidTenant
	}
	if e.Label == "" {
		return ErrInvalidLabel
	}
	if err := b.checkOpen(); err != nil {
		return err
	}

	return b.db.Update(func(txn *badger.Txn) error {
		// Relabeling must drop the old mapping first.
		entKey := badgerEntityKey(e.TenantID, e.Table, e.ID)
		if item, err := txn.Get(entKey); err == nil {
			var prev entity.Entity
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &prev)
			}); err == nil && prev.Label != "" && entity.NormalizeLabel(prev.Label) != entity.NormalizeLabel(e.Label) {
				if err := b.removeMappingInTxn(txn, e.TenantID, prev.Label, e.Table, e.ID); err != nil {
					return err
				}
			}
		}
		return b.putEntityInTxn(txn, e)
	})
}

func (b *BadgerAdapter) putEntityInTxn(txn *badger.Txn, e *entity.Entity) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("badger: encode entity: %w", err)
	}
	if err := txn.Set(badgerEntityKey(e.TenantID, e.Table, e.ID), data); err != nil {
		return err
	}

	ref := e.Ref()
	refData, err := json.Marshal(ref)
	if err != nil {
		return fmt.Errorf("badger: encode ref: %w", err)
	}
	if err := txn.Set(mappingKey(e.TenantID, e.Label, e.Table, e.ID), refData); err != nil {
		return err
	}

	for _, gram := range trigrams(e.Label) {
		if err := txn.Set(trigramKey(e.TenantID, gram, e.Label), nil); err != nil {
			return err
		}
	}

	if len(e.Embedding) > 0 {
		vecData, err := json.Marshal(e.Embedding)
		if err != nil {
			return fmt.Errorf("badger: encode vector: %w", err)
		}
		if err := txn.Set(vectorKey(e.TenantID, e.Table, e.ID), vecData); err != nil {
			return err
		}
	}
	return nil
}

// removeMappingInTxn deletes one mapping entry and, when the label has no
// remaining entries, its trigram keys.
func (b *BadgerAdapter) removeMappingInTxn(txn *badger.Txn, tenantID, label, table, id string) error {
	if err := txn.Delete(mappingKey(tenantID, label, table, id)); err != nil {
		return err
	}

	it := txn.NewIterator(badgerIterOptsKeyOnly(mappingPrefix(tenantID, label)))
	defer it.Close()
	it.Rewind()
	if it.Valid() {
		return nil // other entries keep the label alive
	}

	for _, gram := range trigrams(label) {
		if err := txn.Delete(trigramKey(tenantID, gram, label)); err != nil {
			return err
		}
	}
	return nil
}

// DeleteEntity removes the entity record, mapping, trigrams and vector row.
func (b *BadgerAdapter) DeleteEntity(ctx context.Context, tenantID, table, id string) error {
	if err := b.checkOpen(); err != nil {
		return err
	}

	return b.db.Update(func(txn *badger.Txn) error {
		entKey := badgerEntityKey(tenantID, table, id)
		item, err := txn.Get(entKey)
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return ErrNotFound
			}
			return err
		}

		var e entity.Entity
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &e)
		}); err != nil {
			return fmt.Errorf("badger: decode entity: %w", err)
		}

		if err := txn.Delete(entKey); err != nil {
			return err
		}
		if err := txn.Delete(vectorKey(tenantID, table, id)); err != nil {
			return err
		}
		return b.removeMappingInTxn(txn, tenantID, e.Label, table, id)
	})
}

// BulkPutEntities imports entities in chunked transactions. Intended for
// fresh loads; it skips the relabel check PutEntity performs.
func (b *BadgerAdapter) BulkPutEntities(ctx context.Context, entities []*entity.Entity) error {
	if err := b.checkOpen(); err != nil {
		return err
	}

	const chunkSize = 500
	for start := 0; start < len(entities); start += chunkSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := start + chunkSize
		if end > len(entities) {
			end = len(entities)
		}
		err := b.db.Update(func(txn *badger.Txn) error {
			for _, e := range entities[start:end] {
				if e == nil || e.TenantID == "" || e.Label == "" {
					return ErrInvalidData
				}
				if err := b.putEntityInTxn(txn, e); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// ============================================================================
// Lifecycle
// ============================================================================

func (b *BadgerAdapter) checkOpen() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrStorageClosed
	}
	return nil
}

func (b *BadgerAdapter) Ping(ctx context.Context) error {
	return b.checkOpen()
}

func (b *BadgerAdapter) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.db.Close()
}

func badgerIterOptsKeyOnly(prefix []byte) badger.IteratorOptions {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefix
	return opts
}

func badgerIterOptsPrefetchValues(prefix []byte, prefetchSize int) badger.IteratorOptions {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = true
	if prefetchSize > 0 {
		opts.PrefetchSize = prefetchSize
	}
	opts.Prefix = prefix
	return opts
}

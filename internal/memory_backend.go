package internal

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/lychee-technology/keel"
)

type memoryTable map[string]map[string]any

// MemoryBackend is an in-process Backend with snapshot transactions. It
// enforces key uniqueness, foreign keys and optimistic versions, so it
// behaves like a database for the save pipeline. A commit replaces the
// committed tables with the transaction's snapshot, so it suits tests and
// single-writer embedding only.
type MemoryBackend struct {
	registry keel.SchemaRegistry

	mu       sync.Mutex
	tables   map[string]memoryTable
	identity int64
}

func NewMemoryBackend(registry keel.SchemaRegistry) *MemoryBackend {
	return &MemoryBackend{registry: registry, tables: make(map[string]memoryTable)}
}

type memoryTx struct {
	backend *MemoryBackend
	tables  map[string]memoryTable
	closed  bool
}

func (t *memoryTx) Commit(context.Context) error {
	if t.closed {
		return fmt.Errorf("transaction already closed")
	}
	t.closed = true
	t.backend.mu.Lock()
	defer t.backend.mu.Unlock()
	t.backend.tables = t.tables
	return nil
}

func (t *memoryTx) Rollback(context.Context) error {
	t.closed = true
	return nil
}

func (b *MemoryBackend) RelationshipMap() *keel.RelationshipMap {
	return b.registry.RelationshipMap()
}

func (b *MemoryBackend) BeginTx(context.Context, keel.TransactionSettings) (keel.Tx, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return &memoryTx{backend: b, tables: cloneTables(b.tables)}, nil
}

// Count returns the committed row count of an entity type.
func (b *MemoryBackend) Count(entityType string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.tables[entityType])
}

// Seed stores a row directly, bypassing constraints.
func (b *MemoryBackend) Seed(entity *keel.Entity) error {
	entityType, ok := b.registry.EntityType(entity.Type)
	if !ok {
		return fmt.Errorf("entity type %s is not registered", entity.Type)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	table := b.tables[entity.Type]
	if table == nil {
		table = make(memoryTable)
		b.tables[entity.Type] = table
	}
	table[keel.KeyString(entityType.KeyValues(entity))] = storedValues(entity.Values)
	return nil
}

// view runs fn against the tables a call should see: the transaction's
// snapshot, or the committed tables under the lock when tx is nil.
func (b *MemoryBackend) view(tx keel.Tx, fn func(tables map[string]memoryTable) error) error {
	if tx == nil {
		b.mu.Lock()
		defer b.mu.Unlock()
		return fn(b.tables)
	}
	mtx, ok := tx.(*memoryTx)
	if !ok || mtx.backend != b {
		return fmt.Errorf("transaction does not belong to this backend")
	}
	if mtx.closed {
		return fmt.Errorf("transaction already closed")
	}
	return fn(mtx.tables)
}

func (b *MemoryBackend) LoadByKey(_ context.Context, tx keel.Tx, entityType string, key []any) (*keel.Entity, bool, error) {
	var found *keel.Entity
	err := b.view(tx, func(tables map[string]memoryTable) error {
		if row, ok := tables[entityType][keel.KeyString(key)]; ok {
			found = keel.NewEntity(entityType, storedValues(row))
		}
		return nil
	})
	return found, found != nil, err
}

func (b *MemoryBackend) Refresh(_ context.Context, tx keel.Tx, entity *keel.Entity) error {
	entityType, ok := b.registry.EntityType(entity.Type)
	if !ok {
		return fmt.Errorf("entity type %s is not registered", entity.Type)
	}
	return b.view(tx, func(tables map[string]memoryTable) error {
		row, ok := tables[entity.Type][keel.KeyString(entityType.KeyValues(entity))]
		if !ok {
			return fmt.Errorf("refresh %s: row not found", entity.Type)
		}
		for k, v := range row {
			if _, isMap := v.(map[string]any); isMap {
				continue
			}
			entity.Values[k] = v
		}
		return nil
	})
}

func (b *MemoryBackend) Write(_ context.Context, tx keel.Tx, rec *keel.EntityRecord) error {
	entityType, ok := b.registry.EntityType(rec.Entity.Type)
	if !ok {
		return fmt.Errorf("entity type %s is not registered", rec.Entity.Type)
	}
	return b.view(tx, func(tables map[string]memoryTable) error {
		table := tables[entityType.Name]
		if table == nil {
			table = make(memoryTable)
			tables[entityType.Name] = table
		}
		switch rec.EntityState {
		case keel.EntityStateAdded:
			return b.insert(tables, table, entityType, rec)
		case keel.EntityStateModified:
			return b.update(tables, table, entityType, rec)
		case keel.EntityStateDeleted:
			return b.delete(table, entityType, rec)
		}
		return nil
	})
}

func (b *MemoryBackend) insert(tables map[string]memoryTable, table memoryTable, entityType *keel.EntityType, rec *keel.EntityRecord) error {
	if backendAssignsKey(entityType, rec) {
		rec.Entity.Set(entityType.KeyProperties[0], atomic.AddInt64(&b.identity, 1))
	}
	key := entityType.KeyValues(rec.Entity)
	if keel.HasNilKey(key) {
		return constraintError(entityType, key, "not_null_violation", "key must not be null", entityType.KeyProperties[0])
	}
	if _, exists := table[keel.KeyString(key)]; exists {
		return constraintError(entityType, key, "unique_violation", "duplicate key", "")
	}
	if err := b.checkForeignKeys(tables, entityType, rec.Entity, key); err != nil {
		return err
	}
	row := storedValues(rec.Entity.Values)
	if entityType.VersionProperty != "" && row[entityType.VersionProperty] == nil {
		row[entityType.VersionProperty] = int64(1)
	}
	table[keel.KeyString(key)] = row
	return nil
}

func (b *MemoryBackend) update(tables map[string]memoryTable, table memoryTable, entityType *keel.EntityType, rec *keel.EntityRecord) error {
	key := entityType.KeyValues(rec.Entity)
	current, exists := table[keel.KeyString(key)]
	if !exists {
		return constraintError(entityType, key, keel.ErrCodeConcurrencyViolation, "row was deleted by another writer", "")
	}
	if err := b.checkForeignKeys(tables, entityType, rec.Entity, key); err != nil {
		return err
	}
	row := storedValues(rec.Entity.Values)
	if v := entityType.VersionProperty; v != "" {
		if keel.KeyString([]any{current[v]}) != keel.KeyString([]any{row[v]}) {
			return constraintError(entityType, key, keel.ErrCodeConcurrencyViolation, "row was changed by another writer", v)
		}
		n, _ := toFloat64(current[v])
		row[v] = int64(n) + 1
	}
	table[keel.KeyString(key)] = row
	return nil
}

func (b *MemoryBackend) delete(table memoryTable, entityType *keel.EntityType, rec *keel.EntityRecord) error {
	key := entityType.KeyValues(rec.Entity)
	if _, exists := table[keel.KeyString(key)]; !exists {
		return constraintError(entityType, key, keel.ErrCodeConcurrencyViolation, "row was deleted by another writer", "")
	}
	delete(table, keel.KeyString(key))
	return nil
}

func (b *MemoryBackend) checkForeignKeys(tables map[string]memoryTable, entityType *keel.EntityType, entity *keel.Entity, key []any) error {
	relationships := b.registry.RelationshipMap()
	for _, nav := range entityType.Navigations {
		fks, ok := relationships.ForeignKeys(entityType.Name, nav.Path())
		if !ok {
			continue
		}
		fkValues := make([]any, len(fks))
		for i, fk := range fks {
			fkValues[i] = entity.Get(fk)
		}
		if keel.HasNilKey(fkValues) {
			continue
		}
		if _, ok := tables[nav.Target][keel.KeyString(fkValues)]; !ok {
			return constraintError(entityType, key, "foreign_key_violation",
				fmt.Sprintf("%s %v does not exist", nav.Target, fkValues), fks[0])
		}
	}
	return nil
}

func constraintError(entityType *keel.EntityType, key []any, name, msg, property string) *keel.ConstraintError {
	return &keel.ConstraintError{
		EntityTypeName: entityType.Name,
		ErrorName:      name,
		Message:        msg,
		PropertyName:   property,
		KeyValues:      key,
	}
}

// storedValues copies values without navigation references.
func storedValues(values map[string]any) map[string]any {
	out := make(map[string]any, len(values))
	for k, v := range values {
		switch tv := v.(type) {
		case *keel.Entity:
			continue
		case map[string]any:
			out[k] = storedValues(tv)
		default:
			out[k] = v
		}
	}
	return out
}

func cloneTables(tables map[string]memoryTable) map[string]memoryTable {
	out := make(map[string]memoryTable, len(tables))
	for name, table := range tables {
		copied := make(memoryTable, len(table))
		for k, row := range table {
			copied[k] = storedValues(row)
		}
		out[name] = copied
	}
	return out
}

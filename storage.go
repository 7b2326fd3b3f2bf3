package keel

import (
	"context"
)

// Tx is an open backend transaction.
type Tx interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Backend executes individual writes and supplies relationship metadata.
// A nil Tx means the call runs outside a transaction.
type Backend interface {
	RelationshipMap() *RelationshipMap
	BeginTx(ctx context.Context, settings TransactionSettings) (Tx, error)
	// LoadByKey materializes a related entity. The result may be a reference
	// carrying only key values.
	LoadByKey(ctx context.Context, tx Tx, entityType string, key []any) (*Entity, bool, error)
	// Write inserts, updates or deletes per the record state. Entity-level
	// failures are returned as *ConstraintError.
	Write(ctx context.Context, tx Tx, record *EntityRecord) error
	// Refresh re-reads backend-computed values into entity.
	Refresh(ctx context.Context, tx Tx, entity *Entity) error
}

// CounterStore is the durable counter row used by the key allocator.
type CounterStore interface {
	ReadNextID(ctx context.Context, name string) (int64, error)
	// CompareAndSwapNextID sets NextId to next only if it still equals
	// observed. It reports whether a row was updated.
	CompareAndSwapNextID(ctx context.Context, name string, observed, next int64) (bool, error)
}

// KeyGenerator assigns permanent keys to entities with temporary keys.
type KeyGenerator interface {
	UpdateKeys(ctx context.Context, tempKeys []TempKeyInfo) error
}

// SaveManager persists change sets.
type SaveManager interface {
	Save(ctx context.Context, changeSet *ChangeSet, opts SaveOptions) (*SaveResult, error)
}

// Journal receives a summary of every committed save.
type Journal interface {
	Record(ctx context.Context, entry JournalEntry) error
}

// JournalEntry summarizes a committed save.
type JournalEntry struct {
	SaveID      string          `json:"saveId"`
	CommittedAt int64           `json:"committedAt"`
	Changes     []JournalChange `json:"changes"`
	KeyMappings []KeyMapping    `json:"keyMappings"`
}

// JournalChange is one persisted entity in a journal entry.
type JournalChange struct {
	EntityTypeName string      `json:"entityTypeName"`
	EntityState    EntityState `json:"entityState"`
	KeyValues      []any       `json:"keyValues"`
}

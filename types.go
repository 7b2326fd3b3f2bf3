package keel

import (
	"fmt"
	"strings"
	"time"
)

// EntityState is the change state of an entity inside a save batch.
type EntityState string

const (
	EntityStateAdded     EntityState = "added"
	EntityStateModified  EntityState = "modified"
	EntityStateDeleted   EntityState = "deleted"
	EntityStateUnchanged EntityState = "unchanged"
)

// Valid reports whether s is one of the known states.
func (s EntityState) Valid() bool {
	switch s {
	case EntityStateAdded, EntityStateModified, EntityStateDeleted, EntityStateUnchanged:
		return true
	}
	return false
}

// Entity is an untyped entity instance. Data properties, component values
// (nested maps) and navigation references (*Entity) all live in Values,
// addressed by dot-separated paths.
type Entity struct {
	Type   string         `json:"type"`
	Values map[string]any `json:"values"`
}

// NewEntity creates an entity of the given type. The values map is used as-is.
func NewEntity(entityType string, values map[string]any) *Entity {
	if values == nil {
		values = make(map[string]any)
	}
	return &Entity{Type: entityType, Values: values}
}

// Get returns the value stored at path, or nil.
func (e *Entity) Get(path string) any {
	if e == nil || e.Values == nil || path == "" {
		return nil
	}
	segments := strings.Split(path, ".")
	current := any(e.Values)
	for _, segment := range segments {
		asMap, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		next, exists := asMap[segment]
		if !exists {
			return nil
		}
		current = next
	}
	return current
}

// Set stores value at path, creating intermediate component maps.
func (e *Entity) Set(path string, value any) {
	if e == nil || path == "" {
		return
	}
	if e.Values == nil {
		e.Values = make(map[string]any)
	}
	segments := strings.Split(path, ".")
	current := e.Values
	for idx, segment := range segments {
		if idx == len(segments)-1 {
			current[segment] = value
			return
		}
		next, ok := current[segment].(map[string]any)
		if !ok {
			next = make(map[string]any)
			current[segment] = next
		}
		current = next
	}
}

// Reference returns the navigation reference stored at path, or nil.
func (e *Entity) Reference(path string) *Entity {
	ref, _ := e.Get(path).(*Entity)
	return ref
}

// EntityRecord is one changed entity plus its change metadata.
type EntityRecord struct {
	Entity      *Entity     `json:"entity"`
	EntityState EntityState `json:"entityState"`
	// OriginalValues holds prior values of changed properties for modified and
	// deleted entities. It is empty for added entities.
	OriginalValues      map[string]any `json:"originalValues,omitempty"`
	HasAutoGeneratedKey bool           `json:"hasAutoGeneratedKey"`
}

// OriginalValue returns the pre-change value of a property.
func (r *EntityRecord) OriginalValue(path string) (any, bool) {
	if r == nil || r.OriginalValues == nil {
		return nil, false
	}
	v, ok := r.OriginalValues[path]
	return v, ok
}

// ChangeSet groups entity records by entity type, preserving the order in
// which types were first added.
type ChangeSet struct {
	order   []string
	records map[string][]*EntityRecord
	seen    map[*EntityRecord]struct{}
}

// NewChangeSet creates an empty change set.
func NewChangeSet() *ChangeSet {
	return &ChangeSet{
		records: make(map[string][]*EntityRecord),
		seen:    make(map[*EntityRecord]struct{}),
	}
}

// Add appends a record under its entity's type.
func (cs *ChangeSet) Add(record *EntityRecord) error {
	if record == nil || record.Entity == nil {
		return fmt.Errorf("entity record cannot be nil")
	}
	if record.Entity.Type == "" {
		return fmt.Errorf("entity type cannot be empty")
	}
	if !record.EntityState.Valid() {
		return fmt.Errorf("invalid entity state %q for %s", record.EntityState, record.Entity.Type)
	}
	if _, dup := cs.seen[record]; dup {
		return fmt.Errorf("entity record for %s already present in change set", record.Entity.Type)
	}
	typeName := record.Entity.Type
	if _, ok := cs.records[typeName]; !ok {
		cs.order = append(cs.order, typeName)
	}
	cs.records[typeName] = append(cs.records[typeName], record)
	cs.seen[record] = struct{}{}
	return nil
}

// MustAdd is Add for fixtures; it panics on error.
func (cs *ChangeSet) MustAdd(records ...*EntityRecord) *ChangeSet {
	for _, r := range records {
		if err := cs.Add(r); err != nil {
			panic(err)
		}
	}
	return cs
}

// Types returns entity type names in declaration order.
func (cs *ChangeSet) Types() []string {
	out := make([]string, len(cs.order))
	copy(out, cs.order)
	return out
}

// Records returns the records of one entity type.
func (cs *ChangeSet) Records(entityType string) []*EntityRecord {
	return cs.records[entityType]
}

// All returns every record, grouped by type in declaration order.
func (cs *ChangeSet) All() []*EntityRecord {
	out := make([]*EntityRecord, 0, len(cs.seen))
	for _, t := range cs.order {
		out = append(out, cs.records[t]...)
	}
	return out
}

// Len returns the number of records.
func (cs *ChangeSet) Len() int { return len(cs.seen) }

// TempKeyInfo describes an added entity whose key must be generated.
type TempKeyInfo struct {
	Record         *EntityRecord
	KeyProperty    PropertyDescriptor
	TemporaryValue any
}

// KeyMapping maps a temporary key to the permanent key assigned on save.
type KeyMapping struct {
	EntityTypeName string `json:"entityTypeName"`
	TemporaryValue any    `json:"tempValue"`
	RealValue      any    `json:"realValue"`
}

// EntityError is one validation or persistence failure for one entity.
type EntityError struct {
	EntityTypeName string `json:"entityTypeName"`
	ErrorName      string `json:"errorName"`
	Message        string `json:"errorMessage"`
	KeyValues      []any  `json:"keyValues,omitempty"`
	PropertyName   string `json:"propertyName,omitempty"`
}

// SaveResult is returned from a save.
type SaveResult struct {
	Entities     []*Entity     `json:"entities"`
	KeyMappings  []KeyMapping  `json:"keyMappings"`
	EntityErrors []EntityError `json:"entityErrors"`
}

// HasErrors reports whether the result carries entity errors.
func (r *SaveResult) HasErrors() bool {
	return r != nil && len(r.EntityErrors) > 0
}

// TransactionMode selects how backend writes are wrapped.
type TransactionMode string

const (
	TransactionModeNone             TransactionMode = "none"
	TransactionModeAmbientScope     TransactionMode = "ambient"
	TransactionModeConnectionScoped TransactionMode = "connection"
)

// IsolationLevel of a backend transaction.
type IsolationLevel string

const (
	IsolationDefault         IsolationLevel = ""
	IsolationReadUncommitted IsolationLevel = "READ_UNCOMMITTED"
	IsolationReadCommitted   IsolationLevel = "READ_COMMITTED"
	IsolationRepeatableRead  IsolationLevel = "REPEATABLE_READ"
	IsolationSerializable    IsolationLevel = "SERIALIZABLE"
)

// ParseIsolationLevel accepts the config spellings used by TransactionConfig.
func ParseIsolationLevel(s string) (IsolationLevel, error) {
	normalized := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), " ", "_"))
	switch IsolationLevel(normalized) {
	case IsolationDefault, IsolationReadUncommitted, IsolationReadCommitted, IsolationRepeatableRead, IsolationSerializable:
		return IsolationLevel(normalized), nil
	}
	return IsolationDefault, fmt.Errorf("unknown isolation level %q", s)
}

// TransactionSettings controls the transaction wrapping one save.
type TransactionSettings struct {
	Mode           TransactionMode `json:"mode"`
	IsolationLevel IsolationLevel  `json:"isolationLevel"`
	Timeout        time.Duration   `json:"timeout"`
}

// SaveOptions are per-call save options.
type SaveOptions struct {
	ThrowIfInvalid bool
	Transaction    TransactionSettings
	// Tx is an already-open transaction owned by the caller. When set the save
	// runs inside it and never commits or rolls it back.
	Tx Tx
	// ResolveFromBackend lets relationship fixup load parents that are not in
	// the change set.
	ResolveFromBackend bool
}

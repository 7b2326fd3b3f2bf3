package keel

import (
	"fmt"
	"strings"
)

// ValueType represents supported property value types.
type ValueType string

const (
	ValueTypeText      ValueType = "text"
	ValueTypeSmallInt  ValueType = "smallint"
	ValueTypeInteger   ValueType = "integer"
	ValueTypeBigInt    ValueType = "bigint"
	ValueTypeNumeric   ValueType = "numeric" // double precision
	ValueTypeBool      ValueType = "bool"
	ValueTypeDateTime  ValueType = "datetime"
	ValueTypeUUID      ValueType = "uuid"
	ValueTypeComponent ValueType = "component" // nested value object
)

// KeyGeneration selects how keys of added entities are produced.
type KeyGeneration string

const (
	KeyGenerationNone     KeyGeneration = "none"     // client supplies the key
	KeyGenerationCounter  KeyGeneration = "counter"  // monotonic integer from the shared counter
	KeyGenerationGUID     KeyGeneration = "guid"     // random UUID, no shared state
	KeyGenerationIdentity KeyGeneration = "identity" // backend assigns on insert
)

// PropertyValidator is a pure check of a single property value. It returns
// nil when the value is acceptable, otherwise an error message.
type PropertyValidator interface {
	Name() string
	Validate(value any) *string
}

// EntityRule is an entity-level custom rule evaluated in addition to property
// validators.
type EntityRule interface {
	Name() string
	// Property names the property the failure is reported against; may be empty.
	Property() string
	Check(entity *Entity) (*string, error)
}

// PropertyDescriptor describes one data property of an entity type.
type PropertyDescriptor struct {
	Name       string
	Type       ValueType
	Validators []PropertyValidator
	// Properties holds sub-properties when Type is ValueTypeComponent.
	Properties []PropertyDescriptor
}

// NavigationDescriptor describes a to-one navigation reference.
type NavigationDescriptor struct {
	Name   string
	Target string
	// Component is the path of the component holding this navigation, empty
	// for top-level navigations.
	Component string
	// InKey marks an association that is part of the entity identifier.
	InKey bool
}

// Path returns the dotted path of the navigation inside the entity values.
func (n NavigationDescriptor) Path() string {
	if n.Component == "" {
		return n.Name
	}
	return n.Component + "." + n.Name
}

// EntityType is the schema description of one entity type, built once at
// startup and shared read-only between saves.
type EntityType struct {
	Name            string
	Table           string
	KeyProperties   []string
	KeyGeneration   KeyGeneration
	VersionProperty string
	Properties      []PropertyDescriptor
	Navigations     []NavigationDescriptor
	Rules           []EntityRule

	index map[string]int
}

// Property looks up a top-level data property by name.
func (t *EntityType) Property(name string) (PropertyDescriptor, bool) {
	if t == nil {
		return PropertyDescriptor{}, false
	}
	if t.index == nil {
		for i, p := range t.Properties {
			if p.Name == name {
				return t.Properties[i], true
			}
		}
		return PropertyDescriptor{}, false
	}
	i, ok := t.index[name]
	if !ok {
		return PropertyDescriptor{}, false
	}
	return t.Properties[i], true
}

// Seal builds the property index. Registries call it once after construction.
func (t *EntityType) Seal() error {
	if t.Name == "" {
		return fmt.Errorf("entity type name cannot be empty")
	}
	if len(t.KeyProperties) == 0 {
		return fmt.Errorf("entity type %s has no key properties", t.Name)
	}
	if t.KeyGeneration == "" {
		t.KeyGeneration = KeyGenerationNone
	}
	if t.Table == "" {
		t.Table = toSnakeCase(t.Name)
	}
	t.index = make(map[string]int, len(t.Properties))
	for i, p := range t.Properties {
		if _, dup := t.index[p.Name]; dup {
			return fmt.Errorf("entity type %s declares property %s twice", t.Name, p.Name)
		}
		t.index[p.Name] = i
	}
	for _, k := range t.KeyProperties {
		if _, ok := t.index[k]; !ok {
			return fmt.Errorf("entity type %s key property %s is not declared", t.Name, k)
		}
	}
	if t.KeyGeneration != KeyGenerationNone && len(t.KeyProperties) != 1 {
		return fmt.Errorf("entity type %s: %s key generation requires a single key property", t.Name, t.KeyGeneration)
	}
	if t.VersionProperty != "" {
		if _, ok := t.index[t.VersionProperty]; !ok {
			return fmt.Errorf("entity type %s version property %s is not declared", t.Name, t.VersionProperty)
		}
	}
	return nil
}

// KeyValues returns the identifier values of e in key-property order.
func (t *EntityType) KeyValues(e *Entity) []any {
	values := make([]any, len(t.KeyProperties))
	for i, k := range t.KeyProperties {
		values[i] = e.Get(k)
	}
	return values
}

// KeyString is the canonical string form of an identifier. In-batch
// relationship matching compares keys by this form so that numeric
// representation differences (int32 vs int64 vs float) do not matter.
// Backslashes and colons inside a part are escaped before joining with ':'.
func KeyString(values []any) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = keyPartEscaper.Replace(canonicalString(v))
	}
	return strings.Join(parts, ":")
}

var keyPartEscaper = strings.NewReplacer(`\`, `\\`, ":", `\:`)

func canonicalString(v any) string {
	switch n := v.(type) {
	case nil:
		return ""
	case float64:
		if n == float64(int64(n)) {
			return fmt.Sprintf("%d", int64(n))
		}
	case float32:
		if n == float32(int64(n)) {
			return fmt.Sprintf("%d", int64(n))
		}
	case *Entity:
		return fmt.Sprintf("%p", n)
	}
	return fmt.Sprint(v)
}

// HasNilKey reports whether any value is nil.
func HasNilKey(values []any) bool {
	if len(values) == 0 {
		return true
	}
	for _, v := range values {
		if v == nil {
			return true
		}
	}
	return false
}

// RelationshipMap maps "EntityType.NavigationPath" to foreign-key property
// path(s). It is immutable after construction and safe for concurrent reads.
type RelationshipMap struct {
	entries map[string][]string
}

// NewRelationshipMap copies entries into a new map.
func NewRelationshipMap(entries map[string][]string) *RelationshipMap {
	copied := make(map[string][]string, len(entries))
	for k, v := range entries {
		fks := make([]string, len(v))
		copy(fks, v)
		copied[k] = fks
	}
	return &RelationshipMap{entries: copied}
}

// RelationshipKey builds the map key for a navigation.
func RelationshipKey(entityType, navigationPath string) string {
	return entityType + "." + navigationPath
}

// ForeignKeys returns the foreign-key paths backing a navigation.
func (m *RelationshipMap) ForeignKeys(entityType, navigationPath string) ([]string, bool) {
	if m == nil {
		return nil, false
	}
	fks, ok := m.entries[RelationshipKey(entityType, navigationPath)]
	if !ok || len(fks) == 0 {
		return nil, false
	}
	out := make([]string, len(fks))
	copy(out, fks)
	return out, true
}

// Len returns the number of navigation entries.
func (m *RelationshipMap) Len() int {
	if m == nil {
		return 0
	}
	return len(m.entries)
}

func toSnakeCase(s string) string {
	var b strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r + ('a' - 'A'))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

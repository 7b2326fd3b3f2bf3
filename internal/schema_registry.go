package internal

import (
	"fmt"
	"sort"

	"github.com/lychee-technology/keel"
)

// schemaRegistry is an immutable SchemaRegistry built once at startup.
type schemaRegistry struct {
	types         map[string]*keel.EntityType
	names         []string
	relationships *keel.RelationshipMap
}

// NewSchemaRegistry seals each entity type and checks that every navigation
// targets a registered type.
func NewSchemaRegistry(types []*keel.EntityType, relationships map[string][]string) (keel.SchemaRegistry, error) {
	r := &schemaRegistry{
		types:         make(map[string]*keel.EntityType, len(types)),
		relationships: keel.NewRelationshipMap(relationships),
	}
	for _, t := range types {
		if t == nil {
			continue
		}
		if err := t.Seal(); err != nil {
			return nil, err
		}
		if _, dup := r.types[t.Name]; dup {
			return nil, fmt.Errorf("entity type %s registered twice", t.Name)
		}
		r.types[t.Name] = t
		r.names = append(r.names, t.Name)
	}
	sort.Strings(r.names)

	for _, t := range r.types {
		for _, nav := range t.Navigations {
			if _, ok := r.types[nav.Target]; !ok {
				return nil, keel.NewRelationshipConfigurationError(keel.ErrCodeUnknownEntityType,
					fmt.Sprintf("navigation %s.%s targets unknown entity type %s", t.Name, nav.Path(), nav.Target))
			}
		}
	}
	return r, nil
}

func (r *schemaRegistry) EntityType(name string) (*keel.EntityType, bool) {
	t, ok := r.types[name]
	return t, ok
}

func (r *schemaRegistry) ListEntityTypes() []string {
	out := make([]string, len(r.names))
	copy(out, r.names)
	return out
}

func (r *schemaRegistry) RelationshipMap() *keel.RelationshipMap {
	return r.relationships
}

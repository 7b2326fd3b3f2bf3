package keel

// SchemaRegistry provides entity type lookups.
// Implementations can load schemas from files, code, or other sources.
type SchemaRegistry interface {
	// EntityType returns the description of a registered entity type.
	EntityType(name string) (*EntityType, bool)
	// ListEntityTypes returns registered type names in a stable order.
	ListEntityTypes() []string
	// RelationshipMap returns the navigation to foreign-key map.
	RelationshipMap() *RelationshipMap
}

package internal

import (
	"fmt"
	"sort"
	"strings"

	"github.com/lychee-technology/keel"
)

var pgColumnTypes = map[keel.ValueType]string{
	keel.ValueTypeText:     "TEXT",
	keel.ValueTypeSmallInt: "SMALLINT",
	keel.ValueTypeInteger:  "INTEGER",
	keel.ValueTypeBigInt:   "BIGINT",
	keel.ValueTypeNumeric:  "DOUBLE PRECISION",
	keel.ValueTypeBool:     "BOOLEAN",
	keel.ValueTypeDateTime: "TIMESTAMPTZ",
	keel.ValueTypeUUID:     "UUID",
}

// PostgresSchemaStatements returns idempotent DDL for the counter table, the
// change log table (when named) and one table per entity type. Entity tables
// come parents first so inline foreign keys resolve.
func PostgresSchemaStatements(registry keel.SchemaRegistry, tables keel.TableNames) ([]string, error) {
	counter := tables.Counter
	if counter == "" {
		counter = "next_id"
	}
	stmts := []string{fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %s (name VARCHAR(64) PRIMARY KEY, next_id BIGINT NOT NULL)",
		sanitizeIdentifier(counter))}
	if tables.ChangeLog != "" {
		stmts = append(stmts, fmt.Sprintf(
			"CREATE TABLE IF NOT EXISTS %s (entity_type TEXT NOT NULL, entity_key TEXT NOT NULL, operation TEXT NOT NULL, changed_at BIGINT NOT NULL, flushed_at BIGINT NOT NULL DEFAULT 0)",
			sanitizeIdentifier(tables.ChangeLog)))
	}

	order, err := tableOrder(registry)
	if err != nil {
		return nil, err
	}
	for _, entityType := range order {
		stmt, err := entityTableDDL(registry, entityType)
		if err != nil {
			return nil, err
		}
		stmts = append(stmts, stmt)
	}
	return stmts, nil
}

func entityTableDDL(registry keel.SchemaRegistry, entityType *keel.EntityType) (string, error) {
	isKey := make(map[string]bool, len(entityType.KeyProperties))
	for _, k := range entityType.KeyProperties {
		isKey[k] = true
	}

	var defs []string
	for _, col := range columnsOf(entityType) {
		sqlType, ok := pgColumnTypes[col.valueType]
		if !ok {
			return "", fmt.Errorf("entity type %s: no column type for %s (%s)", entityType.Name, col.path, col.valueType)
		}
		def := sanitizeIdentifier(col.name) + " " + sqlType
		switch {
		case isKey[col.path] && entityType.KeyGeneration == keel.KeyGenerationIdentity:
			def += " GENERATED BY DEFAULT AS IDENTITY"
		case isKey[col.path]:
			def += " NOT NULL"
		case col.path == entityType.VersionProperty:
			def += " NOT NULL DEFAULT 1"
		}
		defs = append(defs, def)
	}

	keys := make([]string, len(entityType.KeyProperties))
	for i, k := range entityType.KeyProperties {
		keys[i] = sanitizeIdentifier(columnName(k))
	}
	defs = append(defs, fmt.Sprintf("PRIMARY KEY (%s)", strings.Join(keys, ", ")))

	relationships := registry.RelationshipMap()
	for _, nav := range entityType.Navigations {
		fks, ok := relationships.ForeignKeys(entityType.Name, nav.Path())
		if !ok {
			continue
		}
		target, ok := registry.EntityType(nav.Target)
		if !ok {
			return "", keel.NewRelationshipConfigurationError(keel.ErrCodeUnknownEntityType,
				fmt.Sprintf("%s.%s targets unknown entity type %s", entityType.Name, nav.Path(), nav.Target))
		}
		local := make([]string, len(fks))
		for i, fk := range fks {
			local[i] = sanitizeIdentifier(columnName(fk))
		}
		remote := make([]string, len(target.KeyProperties))
		for i, k := range target.KeyProperties {
			remote[i] = sanitizeIdentifier(columnName(k))
		}
		defs = append(defs, fmt.Sprintf("FOREIGN KEY (%s) REFERENCES %s (%s)",
			strings.Join(local, ", "), sanitizeIdentifier(target.Table), strings.Join(remote, ", ")))
	}

	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n)",
		sanitizeIdentifier(entityType.Table), strings.Join(defs, ",\n\t")), nil
}

// tableOrder sorts entity types so that referenced types come first. Types
// without dependencies keep name order.
func tableOrder(registry keel.SchemaRegistry) ([]*keel.EntityType, error) {
	names := registry.ListEntityTypes()
	sort.Strings(names)

	const (
		unvisited = iota
		visiting
		done
	)
	marks := make(map[string]int, len(names))
	var order []*keel.EntityType
	var visit func(name string) error
	visit = func(name string) error {
		switch marks[name] {
		case done:
			return nil
		case visiting:
			return keel.NewRelationshipConfigurationError(keel.ErrCodeCyclicDependency,
				fmt.Sprintf("foreign keys form a cycle through %s", name))
		}
		entityType, ok := registry.EntityType(name)
		if !ok {
			return keel.NewRelationshipConfigurationError(keel.ErrCodeUnknownEntityType,
				fmt.Sprintf("entity type %s is not registered", name))
		}
		marks[name] = visiting
		for _, nav := range entityType.Navigations {
			if nav.Target == name {
				continue
			}
			if err := visit(nav.Target); err != nil {
				return err
			}
		}
		marks[name] = done
		order = append(order, entityType)
		return nil
	}
	for _, name := range names {
		if err := visit(name); err != nil {
			return nil, err
		}
	}
	return order, nil
}

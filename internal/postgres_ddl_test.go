package internal

import (
	"strings"
	"testing"

	"github.com/lychee-technology/keel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresSchemaStatements(t *testing.T) {
	stmts, err := PostgresSchemaStatements(newTestRegistry(t), keel.TableNames{Counter: "next_id", ChangeLog: "change_log"})
	require.NoError(t, err)
	require.Len(t, stmts, 6)

	assert.Equal(t, `CREATE TABLE IF NOT EXISTS "next_id" (name VARCHAR(64) PRIMARY KEY, next_id BIGINT NOT NULL)`, stmts[0])
	assert.Contains(t, stmts[1], `"change_log"`)

	var tables []string
	for _, stmt := range stmts[2:] {
		name := strings.Fields(stmt)[5]
		tables = append(tables, name)
	}
	assert.Equal(t, []string{`"customer"`, `"node"`, `"warehouse"`, `"order"`}, tables)

	customer := stmts[2]
	assert.Contains(t, customer, `"id" BIGINT NOT NULL`)
	assert.Contains(t, customer, `"row_version" BIGINT NOT NULL DEFAULT 1`)
	assert.Contains(t, customer, `PRIMARY KEY ("id")`)

	order := stmts[5]
	assert.Contains(t, order, `"shipping_city" TEXT`)
	assert.Contains(t, order, `FOREIGN KEY ("customer_id") REFERENCES "customer" ("id")`)
	assert.Contains(t, order, `FOREIGN KEY ("shipping_warehouse_code") REFERENCES "warehouse" ("code")`)

	node := stmts[3]
	assert.Contains(t, node, `FOREIGN KEY ("parent_id") REFERENCES "node" ("id")`)
}

func TestPostgresSchemaStatementsIdentityKey(t *testing.T) {
	stmts, err := PostgresSchemaStatements(newProductRegistry(t), keel.TableNames{})
	require.NoError(t, err)
	require.Len(t, stmts, 2)
	assert.Contains(t, stmts[1], `"id" BIGINT GENERATED BY DEFAULT AS IDENTITY`)
	assert.Contains(t, stmts[1], `"dims_width_cm" INTEGER`)
}

func TestPostgresSchemaStatementsRejectsForeignKeyCycle(t *testing.T) {
	a := &keel.EntityType{
		Name: "A", KeyProperties: []string{"id"},
		Properties:  []keel.PropertyDescriptor{{Name: "id", Type: keel.ValueTypeBigInt}, {Name: "bId", Type: keel.ValueTypeBigInt}},
		Navigations: []keel.NavigationDescriptor{{Name: "b", Target: "B"}},
	}
	b := &keel.EntityType{
		Name: "B", KeyProperties: []string{"id"},
		Properties:  []keel.PropertyDescriptor{{Name: "id", Type: keel.ValueTypeBigInt}, {Name: "aId", Type: keel.ValueTypeBigInt}},
		Navigations: []keel.NavigationDescriptor{{Name: "a", Target: "A"}},
	}
	registry, err := NewSchemaRegistry([]*keel.EntityType{a, b}, map[string][]string{"A.b": {"bId"}, "B.a": {"aId"}})
	require.NoError(t, err)

	_, err = PostgresSchemaStatements(registry, keel.TableNames{})
	assert.True(t, keel.IsRelationshipConfigurationError(err))
}

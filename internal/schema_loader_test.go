package internal

import (
	"testing"

	"github.com/lychee-technology/keel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadSchemaDirectory(t *testing.T) {
	registry, err := LoadSchemaDirectory("testdata/schemas")
	require.NoError(t, err)
	assert.Equal(t, []string{"Customer", "Order", "Warehouse"}, registry.ListEntityTypes())

	customer, ok := registry.EntityType("Customer")
	require.True(t, ok)
	assert.Equal(t, "customers", customer.Table)
	assert.Equal(t, keel.KeyGenerationCounter, customer.KeyGeneration)
	assert.Equal(t, "rowVersion", customer.VersionProperty)
	id, ok := customer.Property("id")
	require.True(t, ok)
	assert.Equal(t, keel.ValueTypeBigInt, id.Type)

	order, ok := registry.EntityType("Order")
	require.True(t, ok)
	assert.Equal(t, "order", order.Table)
	require.Len(t, order.Navigations, 2)
	paths := []string{order.Navigations[0].Path(), order.Navigations[1].Path()}
	assert.ElementsMatch(t, []string{"customer", "shipping.warehouse"}, paths)
	_, isProperty := order.Property("customer")
	assert.False(t, isProperty, "navigations are not data properties")
	quantity, ok := order.Property("quantity")
	require.True(t, ok)
	assert.Equal(t, keel.ValueTypeInteger, quantity.Type)

	fks, ok := registry.RelationshipMap().ForeignKeys("Order", "shipping.warehouse")
	require.True(t, ok)
	assert.Equal(t, []string{"shipping.warehouseCode"}, fks)

	warehouse, _ := registry.EntityType("Warehouse")
	openedAt, _ := warehouse.Property("openedAt")
	assert.Equal(t, keel.ValueTypeDateTime, openedAt.Type)
	assert.Equal(t, keel.KeyGenerationNone, warehouse.KeyGeneration)
}

func TestLoadedSchemaDrivesValidation(t *testing.T) {
	registry, err := LoadSchemaDirectory("testdata/schemas")
	require.NoError(t, err)

	order := keel.NewEntity("Order", map[string]any{
		"id":       int64(-1),
		"status":   "closed",
		"quantity": 0,
		"shipping": map[string]any{},
	})
	customer := keel.NewEntity("Customer", map[string]any{
		"id":    int64(-1),
		"name":  "Ada",
		"email": "not-an-email",
		"tier":  "platinum",
	})
	cs := keel.NewChangeSet().MustAdd(added(customer), added(order))

	errs, err := NewValidator(registry).Validate(cs, false)
	require.NoError(t, err)

	byName := map[string]keel.EntityError{}
	for _, e := range errs {
		byName[e.EntityTypeName+"/"+e.ErrorName+"/"+e.PropertyName] = e
	}
	assert.Contains(t, byName, "Customer/pattern/email")
	assert.Contains(t, byName, "Customer/enum/tier")
	assert.Contains(t, byName, "Order/range/quantity")
	assert.Contains(t, byName, "Order/required/shipping.city")
	assert.Contains(t, byName, "Order/closedNeedsCustomer/customerId")
	assert.Len(t, errs, 5)
}

func TestParseEntitySchemaErrors(t *testing.T) {
	_, _, err := ParseEntitySchema("thing", []byte(`{"x-key": ["id"], "properties": {"id": {"type": "string", "maxLength": -1}}}`))
	require.Error(t, err)

	_, _, err = ParseEntitySchema("thing", []byte(`{"x-key": ["id"], "x-key-generation": "sequence", "properties": {"id": {"type": "integer"}}}`))
	require.Error(t, err)

	_, _, err = ParseEntitySchema("thing", []byte(`{"x-key": ["id"], "properties": {"id": {"type": "integer"}, "parent": {"x-relation": {"target": "thing"}}}}`))
	require.Error(t, err)

	entityType, _, err := ParseEntitySchema("thing", []byte(`{"x-key": ["id"], "properties": {"id": {"type": "string", "format": "uuid"}}}`))
	require.NoError(t, err)
	assert.Equal(t, "thing", entityType.Name)
}

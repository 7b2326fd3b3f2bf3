package internal

import (
	"testing"

	"github.com/lychee-technology/keel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateReportsEveryFailingProperty(t *testing.T) {
	registry := newTestRegistry(t)
	v := NewValidator(registry)

	bad := keel.NewEntity("Customer", map[string]any{"id": int64(-1), "name": "a name that is far too long"})
	noName := keel.NewEntity("Customer", map[string]any{"id": int64(-2)})
	cs := keel.NewChangeSet().MustAdd(added(bad), added(noName))

	errs, err := v.Validate(cs, false)
	require.NoError(t, err)
	require.Len(t, errs, 2)

	assert.Equal(t, "maxLength", errs[0].ErrorName)
	assert.Equal(t, "name", errs[0].PropertyName)
	assert.Equal(t, []any{int64(-1)}, errs[0].KeyValues)
	assert.Equal(t, "'name' must be at most 20 characters long", errs[0].Message)

	assert.Equal(t, "required", errs[1].ErrorName)
	assert.Equal(t, []any{int64(-2)}, errs[1].KeyValues)
}

func TestValidateCompletenessAcrossTwoProperties(t *testing.T) {
	maxLen, err := NewMaxLengthValidator(3)
	require.NoError(t, err)
	entityType := &keel.EntityType{
		Name:          "Tag",
		KeyProperties: []string{"id"},
		Properties: []keel.PropertyDescriptor{
			{Name: "id", Type: keel.ValueTypeBigInt},
			{Name: "label", Type: keel.ValueTypeText, Validators: []keel.PropertyValidator{RequiredValidator{}}},
			{Name: "code", Type: keel.ValueTypeText, Validators: []keel.PropertyValidator{maxLen}},
		},
	}
	registry, err := NewSchemaRegistry([]*keel.EntityType{entityType}, nil)
	require.NoError(t, err)

	cs := keel.NewChangeSet().MustAdd(added(keel.NewEntity("Tag", map[string]any{"id": 1, "code": "ABCDE"})))
	v := NewValidator(registry)

	errs, err := v.Validate(cs, false)
	require.NoError(t, err)
	require.Len(t, errs, 2)
	assert.ElementsMatch(t, []string{"label", "code"}, []string{errs[0].PropertyName, errs[1].PropertyName})

	_, err = v.Validate(cs, true)
	require.Error(t, err)
	entityErrs, ok := keel.AsEntityErrors(err)
	require.True(t, ok)
	assert.Len(t, entityErrs, 2)
}

func TestValidateSkipsDeletedEntities(t *testing.T) {
	registry := newTestRegistry(t)
	cs := keel.NewChangeSet().MustAdd(&keel.EntityRecord{
		Entity:      keel.NewEntity("Customer", map[string]any{"id": int64(5), "name": nil}),
		EntityState: keel.EntityStateDeleted,
	})

	errs, err := NewValidator(registry).Validate(cs, true)
	require.NoError(t, err)
	assert.Empty(t, errs)
}

func TestValidateComponentProperties(t *testing.T) {
	registry := newTestRegistry(t)
	order := newOrder(int64(-1), nil)
	order.Set("shipping.city", "  ")
	cs := keel.NewChangeSet().MustAdd(added(order))

	errs, err := NewValidator(registry).Validate(cs, false)
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, "shipping.city", errs[0].PropertyName)
	assert.Equal(t, "Order", errs[0].EntityTypeName)
}

func TestValidateUnknownEntityTypeIsFatal(t *testing.T) {
	registry := newTestRegistry(t)
	cs := keel.NewChangeSet().MustAdd(added(keel.NewEntity("Invoice", map[string]any{"id": 1})))

	_, err := NewValidator(registry).Validate(cs, false)
	require.Error(t, err)
	assert.True(t, keel.IsSaveErrorType(err, keel.ErrorTypeValidation))
}

func TestValidateRunsEntityRules(t *testing.T) {
	rule, err := NewExpressionRule("closedNeedsReason", "reason", `status != "closed" || reason != nil`, "is required when closed")
	require.NoError(t, err)
	entityType := &keel.EntityType{
		Name:          "Ticket",
		KeyProperties: []string{"id"},
		Properties: []keel.PropertyDescriptor{
			{Name: "id", Type: keel.ValueTypeBigInt},
			{Name: "status", Type: keel.ValueTypeText},
			{Name: "reason", Type: keel.ValueTypeText},
		},
		Rules: []keel.EntityRule{rule},
	}
	registry, err := NewSchemaRegistry([]*keel.EntityType{entityType}, nil)
	require.NoError(t, err)

	cs := keel.NewChangeSet().MustAdd(
		added(keel.NewEntity("Ticket", map[string]any{"id": 1, "status": "closed"})),
		added(keel.NewEntity("Ticket", map[string]any{"id": 2, "status": "open"})),
	)
	errs, err := NewValidator(registry).Validate(cs, false)
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, "closedNeedsReason", errs[0].ErrorName)
	assert.Equal(t, "'reason' is required when closed", errs[0].Message)
	assert.Equal(t, []any{1}, errs[0].KeyValues)
}

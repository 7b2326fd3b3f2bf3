package main

import (
	"testing"

	"github.com/google/uuid"
	"github.com/lychee-technology/keel"
	"github.com/stretchr/testify/assert"
)

func TestCoerceValues(t *testing.T) {
	id := uuid.New()
	props := []keel.PropertyDescriptor{
		{Name: "id", Type: keel.ValueTypeBigInt},
		{Name: "ratio", Type: keel.ValueTypeNumeric},
		{Name: "ref", Type: keel.ValueTypeUUID},
		{Name: "dims", Type: keel.ValueTypeComponent, Properties: []keel.PropertyDescriptor{
			{Name: "widthCm", Type: keel.ValueTypeInteger},
		}},
	}
	in := map[string]any{
		"id":    float64(-1),
		"ratio": float64(2),
		"ref":   id.String(),
		"dims":  map[string]any{"widthCm": float64(30)},
		"extra": "kept",
	}

	got := coerceValues(props, in)
	assert.Equal(t, int64(-1), got["id"])
	assert.Equal(t, float64(2), got["ratio"])
	assert.Equal(t, id, got["ref"])
	assert.Equal(t, map[string]any{"widthCm": int64(30)}, got["dims"])
	assert.Equal(t, "kept", got["extra"])
	assert.Equal(t, float64(-1), in["id"], "input is not modified")

	assert.Equal(t, 1.5, coerceValues(props, map[string]any{"id": 1.5})["id"])
	assert.Nil(t, coerceValues(props, nil))
}

func TestPlainValuesDropsReferences(t *testing.T) {
	parent := keel.NewEntity("Customer", map[string]any{"id": int64(1)})
	values := map[string]any{
		"customerId": int64(1),
		"customer":   parent,
		"shipping":   map[string]any{"city": "Porto", "warehouse": keel.NewEntity("Warehouse", nil)},
	}
	assert.Equal(t, map[string]any{
		"customerId": int64(1),
		"shipping":   map[string]any{"city": "Porto"},
	}, plainValues(values))
}

package internal

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/lychee-technology/keel"
	"github.com/stretchr/testify/require"
)

// newTestRegistry builds the schema shared by the pipeline tests:
//
//	Customer(id counter, name required maxLength 20, rowVersion)
//	Order(id counter, customerId -> Customer, status required,
//	      shipping{city, warehouseCode -> Warehouse})
//	Warehouse(code client-supplied)
//	Node(id counter, parentId -> Node)
func newTestRegistry(t *testing.T) keel.SchemaRegistry {
	t.Helper()
	maxLen, err := NewMaxLengthValidator(20)
	require.NoError(t, err)

	customer := &keel.EntityType{
		Name:            "Customer",
		KeyProperties:   []string{"id"},
		KeyGeneration:   keel.KeyGenerationCounter,
		VersionProperty: "rowVersion",
		Properties: []keel.PropertyDescriptor{
			{Name: "id", Type: keel.ValueTypeBigInt},
			{Name: "name", Type: keel.ValueTypeText, Validators: []keel.PropertyValidator{RequiredValidator{}, maxLen}},
			{Name: "rowVersion", Type: keel.ValueTypeBigInt},
		},
	}
	order := &keel.EntityType{
		Name:          "Order",
		KeyProperties: []string{"id"},
		KeyGeneration: keel.KeyGenerationCounter,
		Properties: []keel.PropertyDescriptor{
			{Name: "id", Type: keel.ValueTypeBigInt},
			{Name: "customerId", Type: keel.ValueTypeBigInt},
			{Name: "status", Type: keel.ValueTypeText, Validators: []keel.PropertyValidator{RequiredValidator{}}},
			{Name: "shipping", Type: keel.ValueTypeComponent, Properties: []keel.PropertyDescriptor{
				{Name: "city", Type: keel.ValueTypeText, Validators: []keel.PropertyValidator{RequiredValidator{}}},
				{Name: "warehouseCode", Type: keel.ValueTypeText},
			}},
		},
		Navigations: []keel.NavigationDescriptor{
			{Name: "customer", Target: "Customer"},
			{Name: "warehouse", Target: "Warehouse", Component: "shipping"},
		},
	}
	warehouse := &keel.EntityType{
		Name:          "Warehouse",
		KeyProperties: []string{"code"},
		Properties: []keel.PropertyDescriptor{
			{Name: "code", Type: keel.ValueTypeText},
		},
	}
	node := &keel.EntityType{
		Name:          "Node",
		KeyProperties: []string{"id"},
		KeyGeneration: keel.KeyGenerationCounter,
		Properties: []keel.PropertyDescriptor{
			{Name: "id", Type: keel.ValueTypeBigInt},
			{Name: "parentId", Type: keel.ValueTypeBigInt},
		},
		Navigations: []keel.NavigationDescriptor{
			{Name: "parent", Target: "Node"},
		},
	}

	registry, err := NewSchemaRegistry([]*keel.EntityType{customer, order, warehouse, node}, map[string][]string{
		"Order.customer":           {"customerId"},
		"Order.shipping.warehouse": {"shipping.warehouseCode"},
		"Node.parent":              {"parentId"},
	})
	require.NoError(t, err)
	return registry
}

func added(entity *keel.Entity) *keel.EntityRecord {
	return &keel.EntityRecord{Entity: entity, EntityState: keel.EntityStateAdded}
}

func newCustomer(id any, name string) *keel.Entity {
	return keel.NewEntity("Customer", map[string]any{"id": id, "name": name})
}

func newOrder(id, customerID any) *keel.Entity {
	return keel.NewEntity("Order", map[string]any{
		"id":         id,
		"customerId": customerID,
		"status":     "open",
		"shipping":   map[string]any{"city": "Lisbon"},
	})
}

// memoryCounterStore is a CounterStore over a map. loseNext makes the next
// n compare-and-swap calls fail as if another process had won the race.
// readDelay stands in for a database round trip.
type memoryCounterStore struct {
	mu        sync.Mutex
	counters  map[string]int64
	loseNext  int
	reads     int
	swaps     int
	readDelay time.Duration
}

func newMemoryCounterStore(start int64) *memoryCounterStore {
	return &memoryCounterStore{counters: map[string]int64{"GLOBAL": start}}
}

func (s *memoryCounterStore) ReadNextID(_ context.Context, name string) (int64, error) {
	if s.readDelay > 0 {
		time.Sleep(s.readDelay)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads++
	return s.counters[name], nil
}

func (s *memoryCounterStore) CompareAndSwapNextID(_ context.Context, name string, observed, next int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.swaps++
	if s.loseNext > 0 {
		s.loseNext--
		s.counters[name] += 7
		return false, nil
	}
	if s.counters[name] != observed {
		return false, nil
	}
	s.counters[name] = next
	return true, nil
}

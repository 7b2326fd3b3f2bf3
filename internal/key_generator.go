package internal

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/lychee-technology/keel"
	"go.uber.org/zap"
)

const (
	defaultGroupSize   = 100
	defaultMaxAttempts = 3
)

// CounterKeyGenerator hands out monotonic integer keys from a window reserved
// on a durable counter row. One instance should be shared per counter so the
// window is reused across saves.
type CounterKeyGenerator struct {
	store       keel.CounterStore
	counterName string
	groupSize   int64
	maxAttempts int

	mu        sync.Mutex
	nextID    int64
	maxNextID int64 // exclusive
}

// NewCounterKeyGenerator creates a generator over store. Zero values in cfg
// fall back to the defaults.
func NewCounterKeyGenerator(store keel.CounterStore, cfg keel.KeyGenerationConfig) *CounterKeyGenerator {
	g := &CounterKeyGenerator{
		store:       store,
		counterName: cfg.CounterName,
		groupSize:   int64(cfg.GroupSize),
		maxAttempts: cfg.MaxAttempts,
	}
	if g.counterName == "" {
		g.counterName = "GLOBAL"
	}
	if g.groupSize <= 0 {
		g.groupSize = defaultGroupSize
	}
	if g.maxAttempts <= 0 {
		g.maxAttempts = defaultMaxAttempts
	}
	return g
}

// UpdateKeys replaces every temporary key with a generated one. Keys are
// converted before any entity is touched, so a conversion failure leaves all
// entities unchanged.
func (g *CounterKeyGenerator) UpdateKeys(ctx context.Context, tempKeys []keel.TempKeyInfo) error {
	if len(tempKeys) == 0 {
		return nil
	}
	first, err := g.NextID(ctx, len(tempKeys))
	if err != nil {
		return err
	}
	values := make([]any, len(tempKeys))
	for i, tk := range tempKeys {
		v, err := convertKey(first+int64(i), tk.KeyProperty)
		if err != nil {
			return err
		}
		values[i] = v
	}
	for i, tk := range tempKeys {
		tk.Record.Entity.Set(tk.KeyProperty.Name, values[i])
	}
	return nil
}

// NextID reserves count consecutive ids and returns the first one.
func (g *CounterKeyGenerator) NextID(ctx context.Context, count int) (int64, error) {
	if count <= 0 {
		return 0, fmt.Errorf("id count must be positive, got %d", count)
	}
	n := int64(count)

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.nextID+n <= g.maxNextID {
		id := g.nextID
		g.nextID += n
		return id, nil
	}

	// Refills stay under the lock so in-process callers never race each
	// other on the durable counter.
	start, end, err := g.allocateWindow(ctx, n)
	if err != nil {
		return 0, err
	}
	if end-(start+n) > g.maxNextID-g.nextID {
		g.nextID = start + n
		g.maxNextID = end
	}
	return start, nil
}

func (g *CounterKeyGenerator) allocateWindow(ctx context.Context, n int64) (int64, int64, error) {
	size := n
	if size < g.groupSize {
		size = g.groupSize
	}
	for attempt := 1; attempt <= g.maxAttempts; attempt++ {
		observed, err := g.store.ReadNextID(ctx, g.counterName)
		if err != nil {
			return 0, 0, keel.NewKeyGenerationError(keel.ErrCodeCounterUnavailable,
				fmt.Sprintf("read counter %s", g.counterName)).WithCause(err)
		}
		if observed > math.MaxInt64-size {
			return 0, 0, keel.NewKeyGenerationError(keel.ErrCodeKeyOverflow,
				fmt.Sprintf("counter %s is exhausted at %d", g.counterName, observed))
		}
		swapped, err := g.store.CompareAndSwapNextID(ctx, g.counterName, observed, observed+size)
		if err != nil {
			return 0, 0, keel.NewKeyGenerationError(keel.ErrCodeCounterUnavailable,
				fmt.Sprintf("update counter %s", g.counterName)).WithCause(err)
		}
		if swapped {
			zap.S().Debugw("allocated key window", "counter", g.counterName, "start", observed, "size", size)
			EmitKeyWindowRefill(ctx, g.counterName, size)
			return observed, observed + size, nil
		}
		zap.S().Warnw("counter compare-and-swap lost", "counter", g.counterName, "observed", observed, "attempt", attempt)
		EmitCounterConflict(ctx, g.counterName)
	}
	return 0, 0, keel.NewKeyGenerationError(keel.ErrCodeCounterContention,
		fmt.Sprintf("counter %s still contended after %d attempts", g.counterName, g.maxAttempts)).
		WithDetail("attempts", g.maxAttempts)
}

// convertKey fits a generated id into the declared key type.
func convertKey(id int64, prop keel.PropertyDescriptor) (any, error) {
	overflow := func() error {
		return keel.NewKeyGenerationError(keel.ErrCodeKeyOverflow,
			fmt.Sprintf("generated key %d does not fit %s property %s", id, prop.Type, prop.Name))
	}
	switch prop.Type {
	case keel.ValueTypeSmallInt:
		if id < math.MinInt16 || id > math.MaxInt16 {
			return nil, overflow()
		}
		return int16(id), nil
	case keel.ValueTypeInteger:
		if id < math.MinInt32 || id > math.MaxInt32 {
			return nil, overflow()
		}
		return int32(id), nil
	case keel.ValueTypeBigInt, "":
		return id, nil
	case keel.ValueTypeNumeric:
		if id > 1<<53 || id < -(1<<53) {
			return nil, overflow()
		}
		return float64(id), nil
	case keel.ValueTypeText:
		return strconv.FormatInt(id, 10), nil
	default:
		return nil, keel.NewKeyGenerationError(keel.ErrCodeKeyTypeUnsupported,
			fmt.Sprintf("counter keys cannot populate %s property %s", prop.Type, prop.Name))
	}
}

// GUIDKeyGenerator assigns time-ordered UUIDs without shared state.
type GUIDKeyGenerator struct{}

func (GUIDKeyGenerator) UpdateKeys(_ context.Context, tempKeys []keel.TempKeyInfo) error {
	values := make([]any, len(tempKeys))
	for i, tk := range tempKeys {
		id, err := uuid.NewV7()
		if err != nil {
			return keel.NewKeyGenerationError(keel.ErrCodeKeyTypeUnsupported, "generate uuid").WithCause(err)
		}
		switch tk.KeyProperty.Type {
		case keel.ValueTypeUUID:
			values[i] = id
		case keel.ValueTypeText, "":
			values[i] = id.String()
		default:
			return keel.NewKeyGenerationError(keel.ErrCodeKeyTypeUnsupported,
				fmt.Sprintf("guid keys cannot populate %s property %s", tk.KeyProperty.Type, tk.KeyProperty.Name))
		}
	}
	for i, tk := range tempKeys {
		tk.Record.Entity.Set(tk.KeyProperty.Name, values[i])
	}
	return nil
}

// StrategyKeyGenerator routes each temp key to the generator registered for
// its entity type's key generation strategy.
type StrategyKeyGenerator struct {
	registry   keel.SchemaRegistry
	generators map[keel.KeyGeneration]keel.KeyGenerator
}

// NewStrategyKeyGenerator wires the counter generator and the GUID generator.
// counter may be nil when no entity type uses counter keys.
func NewStrategyKeyGenerator(registry keel.SchemaRegistry, counter keel.KeyGenerator) *StrategyKeyGenerator {
	generators := map[keel.KeyGeneration]keel.KeyGenerator{
		keel.KeyGenerationGUID: GUIDKeyGenerator{},
	}
	if counter != nil {
		generators[keel.KeyGenerationCounter] = counter
	}
	return &StrategyKeyGenerator{registry: registry, generators: generators}
}

func (s *StrategyKeyGenerator) UpdateKeys(ctx context.Context, tempKeys []keel.TempKeyInfo) error {
	groups := make(map[keel.KeyGeneration][]keel.TempKeyInfo)
	var order []keel.KeyGeneration
	for _, tk := range tempKeys {
		entityType, ok := s.registry.EntityType(tk.Record.Entity.Type)
		if !ok {
			return keel.NewRelationshipConfigurationError(keel.ErrCodeUnknownEntityType,
				fmt.Sprintf("entity type %s is not registered", tk.Record.Entity.Type))
		}
		strategy := entityType.KeyGeneration
		if _, seen := groups[strategy]; !seen {
			order = append(order, strategy)
		}
		groups[strategy] = append(groups[strategy], tk)
	}
	for _, strategy := range order {
		gen, ok := s.generators[strategy]
		if !ok {
			return keel.NewKeyGenerationError(keel.ErrCodeKeyTypeUnsupported,
				fmt.Sprintf("no key generator for strategy %s", strategy))
		}
		if err := gen.UpdateKeys(ctx, groups[strategy]); err != nil {
			return err
		}
	}
	return nil
}

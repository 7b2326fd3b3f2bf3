package internal

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/lychee-technology/keel"
	"go.uber.org/zap"
)

// ErrCircuitOpen is returned by a BreakerCounterStore while it is open.
var ErrCircuitOpen = errors.New("counter store circuit breaker is open")

// CircuitBreaker is a lightweight in-memory circuit breaker.
type CircuitBreaker struct {
	mu           sync.Mutex
	failures     []time.Time
	threshold    int
	window       time.Duration
	openUntil    time.Time
	openDuration time.Duration
	nowFunc      func() time.Time
}

// NewCircuitBreaker creates a configured circuit breaker.
func NewCircuitBreaker(threshold int, window, openDuration time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		threshold:    threshold,
		window:       window,
		openDuration: openDuration,
		failures:     make([]time.Time, 0, threshold),
		nowFunc:      time.Now,
	}
}

// RecordFailure records a failure occurrence and opens the breaker if threshold exceeded.
func (cb *CircuitBreaker) RecordFailure() {
	if cb == nil {
		return
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.nowFunc()
	// drop old failures outside the window
	cutoff := now.Add(-cb.window)
	i := 0
	for ; i < len(cb.failures); i++ {
		if cb.failures[i].After(cutoff) {
			break
		}
	}
	if i > 0 {
		cb.failures = append(cb.failures[:0], cb.failures[i:]...)
	}
	cb.failures = append(cb.failures, now)

	if len(cb.failures) >= cb.threshold {
		cb.openUntil = now.Add(cb.openDuration)
		cb.failures = cb.failures[:0]
	}
}

// RecordSuccess resets failure history when operations succeed.
func (cb *CircuitBreaker) RecordSuccess() {
	if cb == nil {
		return
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = cb.failures[:0]
	cb.openUntil = time.Time{}
}

// IsOpen returns true if the breaker is currently open.
func (cb *CircuitBreaker) IsOpen() bool {
	if cb == nil {
		return false
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.nowFunc().Before(cb.openUntil)
}

// BreakerCounterStore guards a CounterStore. Calls fail with ErrCircuitOpen
// while the breaker is open; the key generator reports that as
// COUNTER_UNAVAILABLE. A lost compare-and-swap is contention, not a failure.
type BreakerCounterStore struct {
	store   keel.CounterStore
	breaker *CircuitBreaker
}

func NewBreakerCounterStore(store keel.CounterStore, breaker *CircuitBreaker) *BreakerCounterStore {
	return &BreakerCounterStore{store: store, breaker: breaker}
}

func (s *BreakerCounterStore) ReadNextID(ctx context.Context, name string) (int64, error) {
	if s.breaker.IsOpen() {
		return 0, ErrCircuitOpen
	}
	next, err := s.store.ReadNextID(ctx, name)
	s.record(ctx, name, err)
	return next, err
}

func (s *BreakerCounterStore) CompareAndSwapNextID(ctx context.Context, name string, observed, next int64) (bool, error) {
	if s.breaker.IsOpen() {
		return false, ErrCircuitOpen
	}
	swapped, err := s.store.CompareAndSwapNextID(ctx, name, observed, next)
	s.record(ctx, name, err)
	return swapped, err
}

func (s *BreakerCounterStore) record(ctx context.Context, name string, err error) {
	switch {
	case err == nil:
		s.breaker.RecordSuccess()
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		// caller gave up; says nothing about the store
	default:
		s.breaker.RecordFailure()
		if s.breaker.IsOpen() {
			zap.S().Warnw("counter store circuit opened", "counter", name, "error", err)
			EmitBreakerOpened(ctx, name)
		}
	}
}

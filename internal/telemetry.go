package internal

import (
	"context"
	"sync"
)

// Telemetry hook layer for the save pipeline. Callers register a real emitter
// (Prometheus, or a test stub) with RegisterTelemetryEmitter; the default is
// a no-op.

// TelemetryEmitter receives one measurement.
type TelemetryEmitter func(ctx context.Context, name string, labels map[string]string, value any)

const (
	metricSaveLatency       = "save_latency_ms"
	metricSavedEntities     = "saved_entities_total"
	metricKeyWindowRefill   = "key_window_refills_total"
	metricCounterConflict   = "counter_cas_conflicts_total"
	metricJournalFailure    = "journal_failures_total"
	metricBreakerOpened     = "counter_breaker_opened_total"
	labelOutcome            = "outcome"
	labelEntityType         = "entity_type"
	labelEntityState        = "entity_state"
	labelCounter            = "counter"
	outcomeCommitted        = "committed"
	outcomeRolledBack       = "rolled_back"
	outcomeValidationFailed = "validation_failed"
	outcomeFailed           = "failed"
)

var (
	teleMu   sync.Mutex
	teleImpl TelemetryEmitter = func(ctx context.Context, name string, labels map[string]string, value any) {}
)

// RegisterTelemetryEmitter replaces the process-wide emitter. nil restores
// the no-op emitter.
func RegisterTelemetryEmitter(fn TelemetryEmitter) {
	teleMu.Lock()
	defer teleMu.Unlock()
	if fn == nil {
		teleImpl = func(ctx context.Context, name string, labels map[string]string, value any) {}
		return
	}
	teleImpl = fn
}

func emitter() TelemetryEmitter {
	teleMu.Lock()
	defer teleMu.Unlock()
	return teleImpl
}

// EmitSaveLatency records how long one save took, labelled by outcome.
func EmitSaveLatency(ctx context.Context, outcome string, ms int64) {
	emitter()(ctx, metricSaveLatency, map[string]string{labelOutcome: outcome}, ms)
}

// EmitEntityCount records how many entities of a type and state were persisted.
func EmitEntityCount(ctx context.Context, entityType, state string, n int64) {
	emitter()(ctx, metricSavedEntities, map[string]string{labelEntityType: entityType, labelEntityState: state}, n)
}

// EmitKeyWindowRefill records one window allocated from the durable counter.
func EmitKeyWindowRefill(ctx context.Context, counter string, size int64) {
	emitter()(ctx, metricKeyWindowRefill, map[string]string{labelCounter: counter}, size)
}

// EmitCounterConflict records a lost compare-and-swap on the durable counter.
func EmitCounterConflict(ctx context.Context, counter string) {
	emitter()(ctx, metricCounterConflict, map[string]string{labelCounter: counter}, int64(1))
}

// EmitJournalFailure records a journal write that failed after commit.
func EmitJournalFailure(ctx context.Context) {
	emitter()(ctx, metricJournalFailure, nil, int64(1))
}

// EmitBreakerOpened records the counter store circuit breaker tripping.
func EmitBreakerOpened(ctx context.Context, counter string) {
	emitter()(ctx, metricBreakerOpened, map[string]string{labelCounter: counter}, int64(1))
}

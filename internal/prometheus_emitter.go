package internal

import (
	"context"
	"errors"

	"github.com/lychee-technology/keel"
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusEmitter turns telemetry events into Prometheus collectors.
// Register it with RegisterTelemetryEmitter(p.Emit).
type PrometheusEmitter struct {
	latency         *prometheus.HistogramVec
	entities        *prometheus.CounterVec
	refills         *prometheus.CounterVec
	conflicts       *prometheus.CounterVec
	journalFailures prometheus.Counter
	breakerOpened   *prometheus.CounterVec
}

func NewPrometheusEmitter(reg prometheus.Registerer, cfg keel.MetricsConfig) (*PrometheusEmitter, error) {
	ns := cfg.Namespace
	constLabels := prometheus.Labels(cfg.Labels)
	p := &PrometheusEmitter{
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   ns,
			Name:        metricSaveLatency,
			Help:        "Save duration in milliseconds by outcome.",
			ConstLabels: constLabels,
			Buckets:     []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		}, []string{labelOutcome}),
		entities: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   ns,
			Name:        metricSavedEntities,
			Help:        "Entities persisted by committed saves.",
			ConstLabels: constLabels,
		}, []string{labelEntityType, labelEntityState}),
		refills: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   ns,
			Name:        metricKeyWindowRefill,
			Help:        "Key windows reserved on the durable counter.",
			ConstLabels: constLabels,
		}, []string{labelCounter}),
		conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   ns,
			Name:        metricCounterConflict,
			Help:        "Lost compare-and-swap attempts on the durable counter.",
			ConstLabels: constLabels,
		}, []string{labelCounter}),
		journalFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   ns,
			Name:        metricJournalFailure,
			Help:        "Save journal writes that failed after commit.",
			ConstLabels: constLabels,
		}),
		breakerOpened: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   ns,
			Name:        metricBreakerOpened,
			Help:        "Times the counter store circuit breaker opened.",
			ConstLabels: constLabels,
		}, []string{labelCounter}),
	}

	if reg == nil {
		return p, nil
	}
	var err error
	if p.latency, err = register(reg, p.latency); err != nil {
		return nil, err
	}
	if p.entities, err = register(reg, p.entities); err != nil {
		return nil, err
	}
	if p.refills, err = register(reg, p.refills); err != nil {
		return nil, err
	}
	if p.conflicts, err = register(reg, p.conflicts); err != nil {
		return nil, err
	}
	if p.journalFailures, err = register(reg, p.journalFailures); err != nil {
		return nil, err
	}
	if p.breakerOpened, err = register(reg, p.breakerOpened); err != nil {
		return nil, err
	}
	return p, nil
}

// register returns the collector already registered under the same
// descriptor, so building a second emitter reuses the first one's series.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

// Emit is a TelemetryEmitter. Unknown metric names are ignored.
func (p *PrometheusEmitter) Emit(_ context.Context, name string, labels map[string]string, value any) {
	v, ok := toFloat64(value)
	if !ok {
		return
	}
	switch name {
	case metricSaveLatency:
		p.latency.WithLabelValues(labels[labelOutcome]).Observe(v)
	case metricSavedEntities:
		p.entities.WithLabelValues(labels[labelEntityType], labels[labelEntityState]).Add(v)
	case metricKeyWindowRefill:
		p.refills.WithLabelValues(labels[labelCounter]).Inc()
	case metricCounterConflict:
		p.conflicts.WithLabelValues(labels[labelCounter]).Add(v)
	case metricJournalFailure:
		p.journalFailures.Add(v)
	case metricBreakerOpened:
		p.breakerOpened.WithLabelValues(labels[labelCounter]).Add(v)
	}
}

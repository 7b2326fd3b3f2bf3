package internal

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
)

// HealthCheck reports whether one dependency is usable.
type HealthCheck func(ctx context.Context) error

type pinger interface {
	Ping(ctx context.Context) error
}

// PostgresHealthCheck pings the pool. timeout may be 0 to use 5s.
func PostgresHealthCheck(pool pinger, timeout time.Duration) HealthCheck {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if err := pool.Ping(ctx); err != nil {
			return fmt.Errorf("postgres ping failed: %w", err)
		}
		return nil
	}
}

// HealthReport holds the outcome of each named check, "ok" or the error text.
type HealthReport struct {
	Healthy bool              `json:"healthy"`
	Checks  map[string]string `json:"checks"`
}

// RunHealthChecks runs checks in name order.
func RunHealthChecks(ctx context.Context, checks map[string]HealthCheck) HealthReport {
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	report := HealthReport{Healthy: true, Checks: make(map[string]string, len(checks))}
	for _, name := range names {
		if err := checks[name](ctx); err != nil {
			zap.S().Warnw("health check failed", "check", name, "error", err)
			report.Healthy = false
			report.Checks[name] = err.Error()
			continue
		}
		report.Checks[name] = "ok"
	}
	return report
}

package resilience

import (
	"context"
	"errors"

	"github.com/nossrannug/psycopg2-connection-pool/lib/metrics"
)

// Breaker metrics. The process runs at most one breaker per provider, so
// they are not labelled by name.
var (
	CircuitBreakerState = metrics.NewGauge("keyedpool_circuit_breaker_state",
		"Breaker position: 0 closed, 1 open, 2 half-open")
	CircuitBreakerTrips = metrics.NewCounter("keyedpool_circuit_breaker_trips_total",
		"Times the breaker opened")
	CircuitBreakerSuccesses = metrics.NewCounter("keyedpool_circuit_breaker_successes_total",
		"Guarded calls that succeeded")
	CircuitBreakerFailures = metrics.NewCounter("keyedpool_circuit_breaker_failures_total",
		"Guarded calls that failed")
	CircuitBreakerRejections = metrics.NewCounter("keyedpool_circuit_breaker_rejections_total",
		"Calls refused while the breaker was open")
)

// MetricsCallback is a state change callback that mirrors the breaker
// position into CircuitBreakerState and counts trips.
func MetricsCallback(_, to CircuitState) {
	CircuitBreakerState.Set(int64(to))
	if to == CircuitOpen {
		CircuitBreakerTrips.Inc()
	}
}

// MetricsCircuitBreaker is a CircuitBreaker whose calls and transitions are
// counted.
type MetricsCircuitBreaker struct {
	*CircuitBreaker
}

// NewMetricsCircuitBreaker creates an instrumented breaker.
func NewMetricsCircuitBreaker(name string, cfg CircuitBreakerConfig) *MetricsCircuitBreaker {
	cb := NewCircuitBreaker(name, cfg)
	cb.SetStateChangeCallback(MetricsCallback)
	return &MetricsCircuitBreaker{cb}
}

func (m *MetricsCircuitBreaker) Execute(fn func() error) error {
	err := m.CircuitBreaker.Execute(fn)
	countOutcome(context.Background(), err)
	return err
}

func (m *MetricsCircuitBreaker) ExecuteWithContext(ctx context.Context, fn func(context.Context) error) error {
	err := m.CircuitBreaker.ExecuteWithContext(ctx, fn)
	countOutcome(ctx, err)
	return err
}

// countOutcome skips calls the caller gave up on; the breaker does not
// count those either.
func countOutcome(ctx context.Context, err error) {
	switch {
	case err == nil:
		CircuitBreakerSuccesses.Inc()
	case errors.Is(err, ErrCircuitOpen):
		CircuitBreakerRejections.Inc()
	case ctx.Err() == nil:
		CircuitBreakerFailures.Inc()
	}
}

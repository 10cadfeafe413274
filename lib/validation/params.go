package validation

import (
	"math"
	"time"
)

// Command flag validators.

// MaxWorkers bounds the workload concurrency accepted by the run command.
const MaxWorkers = 1000

// ValidateRunParams validates parameters for the run command. metricsListen
// is optional.
func ValidateRunParams(workers, iterations int, hold time.Duration, metricsListen string) error {
	var errs Errors
	errs.Add(IntRange("workers", workers, 1, MaxWorkers))
	errs.Add(Positive("iterations", iterations))
	if hold < 0 {
		errs.Add(invalid("hold", ErrOutOfRange, "cannot be negative"))
	}
	if metricsListen != "" {
		errs.Add(HostPort("metrics-listen", metricsListen))
	}
	return errs.Err()
}

// ValidateRate validates a rate limit in operations per second. Zero means
// unlimited.
func ValidateRate(rate float64) error {
	if rate < 0 || math.IsNaN(rate) || math.IsInf(rate, 0) {
		return invalid("rate", ErrOutOfRange, "must be a finite non-negative number")
	}
	return nil
}

// ValidatePoolParams validates the pool capacity and idle timeout.
func ValidatePoolParams(maxConnections int, idleTimeout time.Duration) error {
	return All(
		func() error { return IntRange("pool.max_connections", maxConnections, 1, MaxConnections) },
		func() error { return DurationRange("pool.idle_timeout", idleTimeout, MinIdleTimeout, MaxDuration) },
	)
}

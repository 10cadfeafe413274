// Package resilience guards calls to the database backend. A circuit breaker
// stops connection opens from piling up against a server that is down, and a
// health monitor drives the breaker from periodic probes.
//
// Nothing here retries. A rejected call fails immediately with ErrCircuitOpen
// and the caller decides what to do.
//
//	Closed --(FailureThreshold consecutive failures)--> Open
//	Open   --(Timeout elapsed, next call admitted)----> HalfOpen
//	HalfOpen --(SuccessThreshold successes)-----------> Closed
//	HalfOpen --(any failure)--------------------------> Open
package resilience

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// CircuitState is the position of a circuit breaker.
type CircuitState int

const (
	// CircuitClosed passes every call through.
	CircuitClosed CircuitState = iota
	// CircuitOpen rejects every call until the timeout elapses.
	CircuitOpen
	// CircuitHalfOpen admits a limited number of trial calls.
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures a CircuitBreaker. Non-positive fields take
// the value from DefaultCircuitBreakerConfig.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens
	// the circuit.
	FailureThreshold int
	// SuccessThreshold is the number of half-open successes that closes it.
	SuccessThreshold int
	// Timeout is how long the circuit stays open before admitting trials.
	Timeout time.Duration
	// MaxHalfOpenRequests caps the trial calls in flight while half-open.
	MaxHalfOpenRequests int
}

// DefaultCircuitBreakerConfig returns defaults suited to connection opens:
// five consecutive failures trip the breaker for thirty seconds.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold:    5,
		SuccessThreshold:    2,
		Timeout:             30 * time.Second,
		MaxHalfOpenRequests: 3,
	}
}

func (c CircuitBreakerConfig) withDefaults() CircuitBreakerConfig {
	def := DefaultCircuitBreakerConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = def.FailureThreshold
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = def.SuccessThreshold
	}
	if c.Timeout <= 0 {
		c.Timeout = def.Timeout
	}
	if c.MaxHalfOpenRequests <= 0 {
		c.MaxHalfOpenRequests = def.MaxHalfOpenRequests
	}
	return c
}

// CircuitBreaker counts consecutive failures of a guarded call and fails
// fast once they reach the threshold. It is safe for concurrent use.
type CircuitBreaker struct {
	name   string
	config CircuitBreakerConfig
	now    func() time.Time

	mu        sync.Mutex
	state     CircuitState
	failures  int // consecutive, while closed
	successes int // while half-open
	trials    int // half-open calls in flight
	openedAt  time.Time
	changedAt time.Time
	trips     uint64
	rejected  uint64

	onStateChange func(from, to CircuitState)
}

// NewCircuitBreaker creates a closed circuit breaker.
func NewCircuitBreaker(name string, cfg CircuitBreakerConfig) *CircuitBreaker {
	cb := &CircuitBreaker{
		name:   name,
		config: cfg.withDefaults(),
		now:    time.Now,
		state:  CircuitClosed,
	}
	cb.changedAt = cb.now()
	return cb
}

// SetStateChangeCallback registers fn to be called, on its own goroutine,
// after every state change.
func (cb *CircuitBreaker) SetStateChangeCallback(fn func(from, to CircuitState)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onStateChange = fn
}

// Name returns the breaker's name.
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// State returns the current state. An open circuit whose timeout has elapsed
// reports half-open; the transition itself happens on the next Allow.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.stateLocked()
}

func (cb *CircuitBreaker) stateLocked() CircuitState {
	if cb.state == CircuitOpen && cb.now().Sub(cb.openedAt) >= cb.config.Timeout {
		return CircuitHalfOpen
	}
	return cb.state
}

// IsOpen reports whether calls are currently being rejected.
func (cb *CircuitBreaker) IsOpen() bool {
	return cb.State() == CircuitOpen
}

// Allow reports whether a call may proceed. While half-open each true result
// takes one of MaxHalfOpenRequests trial slots until the call's outcome is
// recorded.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen {
		if cb.now().Sub(cb.openedAt) < cb.config.Timeout {
			cb.rejected++
			return false
		}
		cb.setStateLocked(CircuitHalfOpen)
	}

	if cb.state == CircuitHalfOpen {
		if cb.trials >= cb.config.MaxHalfOpenRequests {
			cb.rejected++
			return false
		}
		cb.trials++
	}
	return true
}

// RecordSuccess records a successful call.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		cb.failures = 0
	case CircuitHalfOpen:
		cb.successes++
		cb.releaseTrialLocked()
		if cb.successes >= cb.config.SuccessThreshold {
			cb.setStateLocked(CircuitClosed)
		}
	}
}

// releaseTrialLocked frees the half-open slot of a finished trial call.
// Successes reported without a matching Allow, such as from a health probe,
// hold no slot. Caller must hold cb.mu.
func (cb *CircuitBreaker) releaseTrialLocked() {
	if cb.trials > 0 {
		cb.trials--
	}
}

// abandon frees the slot of an admitted call whose outcome is not recorded.
func (cb *CircuitBreaker) abandon() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == CircuitHalfOpen {
		cb.releaseTrialLocked()
	}
}

// RecordFailure records a failed call.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		cb.failures++
		if cb.failures >= cb.config.FailureThreshold {
			cb.setStateLocked(CircuitOpen)
		}
	case CircuitHalfOpen:
		cb.setStateLocked(CircuitOpen)
	}
}

// setStateLocked moves to state and resets the per-state counters. Caller
// must hold cb.mu.
func (cb *CircuitBreaker) setStateLocked(state CircuitState) {
	if cb.state == state {
		return
	}
	from := cb.state
	cb.state = state
	cb.changedAt = cb.now()
	cb.failures = 0
	cb.successes = 0
	cb.trials = 0

	if state == CircuitOpen {
		cb.openedAt = cb.changedAt
		cb.trips++
	}

	log.WithField("circuit", cb.name).
		WithField("from", from.String()).
		WithField("to", state.String()).
		Info("circuit breaker state change")

	if cb.onStateChange != nil {
		go cb.onStateChange(from, state)
	}
}

func (cb *CircuitBreaker) rejection() error {
	return fmt.Errorf("%s: %w", cb.name, ErrCircuitOpen)
}

// Execute runs fn if the circuit allows it and records the outcome. A
// rejected call returns an error wrapping ErrCircuitOpen without running fn.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	return cb.ExecuteWithContext(context.Background(), func(context.Context) error {
		return fn()
	})
}

// ExecuteWithContext is Execute for context-aware calls. A call whose context
// is done before it starts does not take a half-open slot, and a failure
// after the context is done is not held against the backend.
func (cb *CircuitBreaker) ExecuteWithContext(ctx context.Context, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !cb.Allow() {
		return cb.rejection()
	}

	err := fn(ctx)
	switch {
	case err == nil:
		cb.RecordSuccess()
	case ctx.Err() == nil:
		cb.RecordFailure()
	default:
		cb.abandon()
	}
	return err
}

// Reset closes the circuit and clears its counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.setStateLocked(CircuitClosed)
	cb.failures = 0
	cb.openedAt = time.Time{}
}

// CircuitBreakerStats is a snapshot of a breaker.
type CircuitBreakerStats struct {
	Name                string
	State               CircuitState
	ConsecutiveFailures int
	HalfOpenSuccesses   int
	Trips               uint64
	Rejections          uint64
	LastStateChange     time.Time
	Config              CircuitBreakerConfig
}

// Stats returns a snapshot of the breaker.
func (cb *CircuitBreaker) Stats() CircuitBreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return CircuitBreakerStats{
		Name:                cb.name,
		State:               cb.stateLocked(),
		ConsecutiveFailures: cb.failures,
		HalfOpenSuccesses:   cb.successes,
		Trips:               cb.trips,
		Rejections:          cb.rejected,
		LastStateChange:     cb.changedAt,
		Config:              cb.config,
	}
}

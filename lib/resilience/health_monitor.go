package resilience

import (
	"context"
	"sync"
	"time"
)

// Probe checks whether the backend is reachable.
type Probe func(ctx context.Context) error

// HealthMonitorConfig configures a HealthMonitor.
type HealthMonitorConfig struct {
	CircuitBreaker CircuitBreakerConfig

	// CheckInterval is the pause between the end of one probe and the start
	// of the next. Zero disables probing; the breaker then only sees
	// results of guarded calls.
	CheckInterval time.Duration
	ProbeTimeout  time.Duration
}

// DefaultHealthMonitorConfig probes every thirty seconds with a five second
// timeout.
func DefaultHealthMonitorConfig() HealthMonitorConfig {
	return HealthMonitorConfig{
		CircuitBreaker: DefaultCircuitBreakerConfig(),
		CheckInterval:  30 * time.Second,
		ProbeTimeout:   5 * time.Second,
	}
}

// HealthStatus is the outcome of the most recent probe.
type HealthStatus struct {
	Healthy     bool
	LastCheck   time.Time
	LastHealthy time.Time
}

// HealthMonitor feeds periodic probe results into a circuit breaker, so a
// dead backend trips the circuit even while no caller is opening
// connections. Calls go through ExecuteWithContext.
type HealthMonitor struct {
	name    string
	probe   Probe
	cfg     HealthMonitorConfig
	breaker *MetricsCircuitBreaker

	mu       sync.Mutex
	status   HealthStatus
	onChange func(healthy bool)
	stop     context.CancelFunc
	done     chan struct{}
}

// NewHealthMonitor creates a stopped monitor that starts out healthy.
// probe may be nil, leaving only the breaker.
func NewHealthMonitor(name string, probe Probe, cfg HealthMonitorConfig) *HealthMonitor {
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultHealthMonitorConfig().ProbeTimeout
	}
	return &HealthMonitor{
		name:    name,
		probe:   probe,
		cfg:     cfg,
		breaker: NewMetricsCircuitBreaker(name, cfg.CircuitBreaker),
		status:  HealthStatus{Healthy: true},
	}
}

// OnChange registers fn to run, on its own goroutine, whenever a probe
// flips the health status.
func (hm *HealthMonitor) OnChange(fn func(healthy bool)) {
	hm.mu.Lock()
	hm.onChange = fn
	hm.mu.Unlock()
}

// Start launches the probe loop. It does nothing if the monitor has no probe
// or interval, or is already running.
func (hm *HealthMonitor) Start(ctx context.Context) error {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	if hm.stop != nil || hm.probe == nil || hm.cfg.CheckInterval <= 0 {
		return nil
	}

	ctx, hm.stop = context.WithCancel(ctx)
	hm.done = make(chan struct{})
	go hm.loop(ctx, hm.done)

	log.WithField("monitor", hm.name).
		WithField("interval", hm.cfg.CheckInterval.String()).
		Debug("health monitor started")
	return nil
}

// Stop ends the probe loop and waits for a running probe to return.
func (hm *HealthMonitor) Stop() {
	hm.mu.Lock()
	stop, done := hm.stop, hm.done
	hm.stop, hm.done = nil, nil
	hm.mu.Unlock()

	if stop == nil {
		return
	}
	stop()
	<-done
	log.WithField("monitor", hm.name).Debug("health monitor stopped")
}

func (hm *HealthMonitor) loop(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			hm.Check(ctx)
			timer.Reset(hm.cfg.CheckInterval)
		}
	}
}

// Check runs one probe now and returns its error. A passing probe counts as a
// success only while the circuit is not open; an open circuit waits out its
// timeout. A probe cut short by ctx changes nothing.
func (hm *HealthMonitor) Check(ctx context.Context) error {
	if hm.probe == nil {
		return nil
	}

	pctx, cancel := context.WithTimeout(ctx, hm.cfg.ProbeTimeout)
	err := hm.probe(pctx)
	cancel()
	if ctx.Err() != nil {
		return ctx.Err()
	}

	now := time.Now()
	healthy := err == nil

	hm.mu.Lock()
	flipped := hm.status.Healthy != healthy
	hm.status.Healthy = healthy
	hm.status.LastCheck = now
	if healthy {
		hm.status.LastHealthy = now
	}
	onChange := hm.onChange
	hm.mu.Unlock()

	entry := log.WithField("monitor", hm.name)
	switch {
	case healthy:
		if !hm.breaker.IsOpen() {
			hm.breaker.RecordSuccess()
		}
		if flipped {
			entry.Info("backend reachable again")
		}
	default:
		hm.breaker.RecordFailure()
		if flipped {
			entry.WithError(err).Warn("backend unreachable")
		} else {
			entry.WithError(err).Debug("health probe failed")
		}
	}

	if flipped && onChange != nil {
		go onChange(healthy)
	}
	return err
}

// ExecuteWithContext runs fn through the breaker.
func (hm *HealthMonitor) ExecuteWithContext(ctx context.Context, fn func(context.Context) error) error {
	return hm.breaker.ExecuteWithContext(ctx, fn)
}

// CircuitState returns the breaker's state.
func (hm *HealthMonitor) CircuitState() CircuitState {
	return hm.breaker.State()
}

// Status returns the result of the latest probe.
func (hm *HealthMonitor) Status() HealthStatus {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	return hm.status
}

// IsHealthy reports whether the latest probe passed.
func (hm *HealthMonitor) IsHealthy() bool {
	return hm.Status().Healthy
}

// LastCheck returns when the latest probe finished.
func (hm *HealthMonitor) LastCheck() time.Time {
	return hm.Status().LastCheck
}

// Breaker returns a snapshot of the breaker.
func (hm *HealthMonitor) Breaker() CircuitBreakerStats {
	return hm.breaker.Stats()
}

// Reset marks the backend healthy and closes the circuit.
func (hm *HealthMonitor) Reset() {
	hm.mu.Lock()
	hm.status.Healthy = true
	hm.mu.Unlock()
	hm.breaker.Reset()
}

// Package metrics keeps process-wide counters, gauges and histograms for the
// pool and its providers and renders them in the Prometheus text format.
//
// Metrics are created once, usually as package variables, and register
// themselves with the default registry. Updates are lock-free.
package metrics

import (
	"fmt"
	"io"
	"math"
	"net/http"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultLatencyBuckets are histogram upper bounds, in seconds, suited to
// connection acquisition and short statement latencies.
var DefaultLatencyBuckets = []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30}

type desc struct {
	name string
	help string
	kind string
}

func (d desc) header(w io.Writer) {
	fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s %s\n", d.name, d.help, d.name, d.kind)
}

// Counter only goes up.
type Counter struct {
	desc
	v atomic.Uint64
}

// NewCounter creates and registers a counter.
func NewCounter(name, help string) *Counter {
	c := &Counter{desc: desc{name, help, "counter"}}
	defaultRegistry.mustRegister(c)
	return c
}

// Inc adds one.
func (c *Counter) Inc() {
	c.v.Add(1)
}

// Add adds n.
func (c *Counter) Add(n uint64) {
	c.v.Add(n)
}

// Value returns the current count.
func (c *Counter) Value() uint64 {
	return c.v.Load()
}

func (c *Counter) write(w io.Writer) {
	c.header(w)
	fmt.Fprintf(w, "%s %d\n", c.name, c.Value())
}

// Gauge is a value that moves both ways, such as a connection count.
type Gauge struct {
	desc
	v atomic.Int64
}

// NewGauge creates and registers a gauge.
func NewGauge(name, help string) *Gauge {
	g := &Gauge{desc: desc{name, help, "gauge"}}
	defaultRegistry.mustRegister(g)
	return g
}

// Set replaces the value.
func (g *Gauge) Set(n int64) {
	g.v.Store(n)
}

// Add adds n, which may be negative.
func (g *Gauge) Add(n int64) {
	g.v.Add(n)
}

func (g *Gauge) Inc() {
	g.v.Add(1)
}

func (g *Gauge) Dec() {
	g.v.Add(-1)
}

// Value returns the current value.
func (g *Gauge) Value() int64 {
	return g.v.Load()
}

func (g *Gauge) write(w io.Writer) {
	g.header(w)
	fmt.Fprintf(w, "%s %d\n", g.name, g.Value())
}

// Histogram counts observations into buckets by upper bound. Each
// observation lands in exactly one slot; the exposition output is
// cumulative.
type Histogram struct {
	desc
	bounds  []float64
	slots   []atomic.Uint64 // len(bounds)+1, the last is +Inf
	count   atomic.Uint64
	sumBits atomic.Uint64
}

// NewHistogram creates and registers a histogram. bounds must be sorted
// ascending.
func NewHistogram(name, help string, bounds []float64) *Histogram {
	h := newHistogram(name, help, bounds)
	defaultRegistry.mustRegister(h)
	return h
}

func newHistogram(name, help string, bounds []float64) *Histogram {
	return &Histogram{
		desc:   desc{name, help, "histogram"},
		bounds: slices.Clone(bounds),
		slots:  make([]atomic.Uint64, len(bounds)+1),
	}
}

// Observe records v.
func (h *Histogram) Observe(v float64) {
	i, _ := slices.BinarySearch(h.bounds, v)
	h.slots[i].Add(1)
	for {
		old := h.sumBits.Load()
		sum := math.Float64bits(math.Float64frombits(old) + v)
		if h.sumBits.CompareAndSwap(old, sum) {
			break
		}
	}
	h.count.Add(1)
}

// Count returns the number of observations.
func (h *Histogram) Count() uint64 { return h.count.Load() }

// Sum returns the total of all observations.
func (h *Histogram) Sum() float64 { return math.Float64frombits(h.sumBits.Load()) }

func (h *Histogram) write(w io.Writer) {
	h.header(w)
	var cum uint64
	for i, b := range h.bounds {
		cum += h.slots[i].Load()
		fmt.Fprintf(w, "%s_bucket{le=\"%g\"} %d\n", h.name, b, cum)
	}
	cum += h.slots[len(h.bounds)].Load()
	fmt.Fprintf(w, "%s_bucket{le=\"+Inf\"} %d\n", h.name, cum)
	fmt.Fprintf(w, "%s_sum %g\n%s_count %d\n", h.name, h.Sum(), h.name, cum)
}

// Timer observes the time since it was started, in seconds.
type Timer struct {
	h     *Histogram
	start time.Time
}

// NewTimer starts a timer that reports to h. h may be nil.
func NewTimer(h *Histogram) *Timer {
	return &Timer{h: h, start: time.Now()}
}

// ObserveDuration records the elapsed time and returns it.
func (t *Timer) ObserveDuration() time.Duration {
	d := time.Since(t.start)
	if t.h != nil {
		t.h.Observe(d.Seconds())
	}
	return d
}

type metric interface {
	metricName() string
	write(w io.Writer)
}

func (d desc) metricName() string { return d.name }

// Registry is a set of uniquely named metrics.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]metric
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]metric)}
}

var defaultRegistry = NewRegistry()

// mustRegister panics on a duplicate name; metrics are package variables so
// a clash is a programming error.
func (r *Registry) mustRegister(m metric) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.byName[m.metricName()]; dup {
		panic("metrics: duplicate metric " + m.metricName())
	}
	r.byName[m.metricName()] = m
}

// Render writes every metric, sorted by name, in the Prometheus text format.
func (r *Registry) Render(w io.Writer) {
	r.mu.RLock()
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	ms := make([]metric, 0, len(names))
	slices.Sort(names)
	for _, name := range names {
		ms = append(ms, r.byName[name])
	}
	r.mu.RUnlock()

	for _, m := range ms {
		m.write(w)
		io.WriteString(w, "\n")
	}
}

// Expose returns the registry in the Prometheus text format.
func (r *Registry) Expose() string {
	var sb strings.Builder
	r.Render(&sb)
	return sb.String()
}

// Expose returns the default registry in the Prometheus text format.
func Expose() string {
	return defaultRegistry.Expose()
}

// Handler serves the default registry.
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		defaultRegistry.Render(w)
	})
}

// Process-wide metrics for the provider layer and the workload driver.
var (
	ProviderOpensTotal    = NewCounter("keyedpool_provider_opens_total", "Physical connections opened by the provider")
	ProviderOpenFailures  = NewCounter("keyedpool_provider_open_failures_total", "Failed physical connection opens")
	ProviderDisposedTotal = NewCounter("keyedpool_provider_disposed_total", "Physical connections handed back to the provider")
	ProviderOpenGauge     = NewGauge("keyedpool_provider_connections_open", "Physical connections currently open in the provider")

	WorkloadOpsTotal    = NewCounter("keyedpool_workload_ops_total", "Workload operations completed")
	WorkloadErrorsTotal = NewCounter("keyedpool_workload_errors_total", "Workload operations that failed")

	StartTime = NewGauge("keyedpool_start_time_seconds", "Unix time the process started")
)

// RecordStartTime sets StartTime to now.
func RecordStartTime() {
	StartTime.Set(time.Now().Unix())
}

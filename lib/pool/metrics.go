package pool

import "github.com/nossrannug/psycopg2-connection-pool/lib/metrics"

// Pool utilization metrics
var (
	// PoolConnectionsMax is the maximum number of checked-out connections.
	PoolConnectionsMax = metrics.NewGauge(
		"keyedpool_connections_max",
		"Maximum number of connections checked out at once",
	)
	// PoolConnectionsIdle is the current number of idle connections.
	PoolConnectionsIdle = metrics.NewGauge(
		"keyedpool_connections_idle",
		"Current number of idle connections in the pool",
	)
	// PoolConnectionsInUse is the number of connections currently checked out.
	PoolConnectionsInUse = metrics.NewGauge(
		"keyedpool_connections_in_use",
		"Number of connections currently checked out",
	)
	// PoolConnectionsAvailable is the number of free admission permits.
	PoolConnectionsAvailable = metrics.NewGauge(
		"keyedpool_connections_available",
		"Number of free admission permits",
	)
	// PoolCheckoutTotal is the total number of checkout attempts.
	PoolCheckoutTotal = metrics.NewCounter(
		"keyedpool_checkout_total",
		"Total number of connection checkout attempts",
	)
	// PoolCheckoutFailedTotal is the number of failed checkouts.
	PoolCheckoutFailedTotal = metrics.NewCounter(
		"keyedpool_checkout_failed_total",
		"Total number of failed connection checkouts",
	)
	// PoolOpenedTotal is the number of connections opened through the provider.
	PoolOpenedTotal = metrics.NewCounter(
		"keyedpool_opened_total",
		"Total number of connections opened through the provider",
	)
	// PoolReusedTotal is the number of checkouts served from the idle set.
	PoolReusedTotal = metrics.NewCounter(
		"keyedpool_reused_total",
		"Total number of checkouts served from the idle set",
	)
	// PoolReturnedTotal is the number of returns.
	PoolReturnedTotal = metrics.NewCounter(
		"keyedpool_returned_total",
		"Total number of connection returns",
	)
	// PoolDiscardedTotal is the number of returned connections not kept.
	PoolDiscardedTotal = metrics.NewCounter(
		"keyedpool_discarded_total",
		"Total number of returned connections discarded instead of reused",
	)
	// PoolEvictedTotal is the number of idle connections evicted.
	PoolEvictedTotal = metrics.NewCounter(
		"keyedpool_evicted_total",
		"Total number of idle connections evicted by the sweeper",
	)
	// PoolEvictFailedTotal is the number of failed evictions.
	PoolEvictFailedTotal = metrics.NewCounter(
		"keyedpool_evict_failed_total",
		"Total number of idle connections the provider failed to dispose",
	)
	// PoolCheckoutLatency tracks time spent checking out connections.
	PoolCheckoutLatency = metrics.NewHistogram(
		"keyedpool_checkout_duration_seconds",
		"Time spent checking out a connection from the pool",
		metrics.DefaultLatencyBuckets,
	)
)

// UpdateMetrics updates the pool gauges from Stats.
func UpdateMetrics(stats Stats) {
	PoolConnectionsMax.Set(int64(stats.MaxConnections))
	PoolConnectionsIdle.Set(int64(stats.NumIdle))
	PoolConnectionsInUse.Set(int64(stats.NumInUse))
	PoolConnectionsAvailable.Set(int64(stats.Available))
}

// Package pool provides a bounded, keyed connection pool that sits in front of
// an existing connection Provider.
//
// The pool adds three things the provider lacks:
//   - Admission control: at most MaxConnections connections are checked out
//     at any instant. Checkout blocks (FIFO) on a weighted semaphore until a
//     permit is free or the caller's context is done.
//   - Keyed checkout: Checkout with a key returns the connection currently
//     checked out under that key, so a caller can get "its" connection back
//     across calls. Without a key the pool generates a SeqKey.
//   - Idle eviction: a background sweeper hands connections that have sat in
//     the idle set longer than IdleTimeout back to the provider.
//
// Idle connections are reused oldest first. On Return the connection's
// transaction state decides its fate: idle connections are kept for reuse,
// connections in a transaction or in error are rolled back and discarded,
// connections whose server side was lost are closed and discarded.
//
// # Basic Usage
//
//	p, err := pool.New(provider, pool.Config{
//	    MaxConnections: 10,
//	    IdleTimeout:    5 * time.Minute,
//	})
//	if err != nil {
//	    return err
//	}
//	defer p.CloseAll()
//
//	conn, err := p.Checkout(ctx, nil)
//	if err != nil {
//	    return err
//	}
//	defer p.Put(conn)
//
// # Keyed Usage
//
//	conn, _ := p.Checkout(ctx, "session-42")
//	same, _ := p.Checkout(ctx, "session-42") // same physical connection, no new permit
//	p.Return(conn, "session-42", false)
//
// # Metrics
//
// Pool utilization metrics are registered with the metrics package:
//   - keyedpool_connections_max: Maximum checked-out connections
//   - keyedpool_connections_idle: Current idle connections
//   - keyedpool_connections_in_use: Connections currently checked out
//   - keyedpool_connections_available: Free admission permits
//   - keyedpool_checkout_total: Total checkout attempts
//   - keyedpool_checkout_failed_total: Failed checkouts
//   - keyedpool_opened_total: Connections opened through the provider
//   - keyedpool_reused_total: Checkouts served from the idle set
//   - keyedpool_returned_total: Returns
//   - keyedpool_discarded_total: Returned connections not kept for reuse
//   - keyedpool_evicted_total: Idle connections evicted by the sweeper
//   - keyedpool_evict_failed_total: Evictions the provider failed to dispose
//   - keyedpool_checkout_duration_seconds: Checkout latency
package pool

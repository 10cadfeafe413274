package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	apperrors "github.com/nossrannug/psycopg2-connection-pool/lib/errors"
	"github.com/nossrannug/psycopg2-connection-pool/lib/metrics"
	"github.com/nossrannug/psycopg2-connection-pool/lib/pool"
	"github.com/nossrannug/psycopg2-connection-pool/lib/ratelimit"
	"github.com/nossrannug/psycopg2-connection-pool/lib/sqlprovider"
)

const probeQuery = "SELECT 1"

// workload checks connections in and out of a pool from several goroutines.
type workload struct {
	pool       *pool.Pool
	workers    int
	iterations int
	keyed      bool
	tx         bool
	hold       time.Duration
	// limiter, when set, paces checkouts across all workers.
	limiter *ratelimit.Limiter
}

type workloadResult struct {
	Ops      uint64
	Errors   uint64
	Duration time.Duration
}

// run blocks until every worker finishes. Failed operations are counted and
// the worker moves on; cancellation and a closed pool stop the run.
func (w *workload) run(ctx context.Context) (workloadResult, error) {
	var ops, failed atomic.Uint64
	start := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	for id := range w.workers {
		g.Go(func() error {
			var key pool.Key
			if w.keyed {
				key = fmt.Sprintf("worker-%d", id)
			}

			for i := 0; i < w.iterations; i++ {
				if err := gctx.Err(); err != nil {
					return err
				}
				if w.limiter != nil {
					if err := w.limiter.Wait(gctx); err != nil {
						return err
					}
				}

				err := w.step(gctx, key)
				switch {
				case err == nil:
					ops.Add(1)
					metrics.WorkloadOpsTotal.Inc()
				case errors.Is(err, pool.ErrPoolClosed), gctx.Err() != nil:
					return err
				default:
					failed.Add(1)
					metrics.WorkloadErrorsTotal.Inc()
					slog.Warn("operation failed", "worker", id, "iteration", i, "error", err)
				}
			}
			return nil
		})
	}

	err := g.Wait()
	return workloadResult{
		Ops:      ops.Load(),
		Errors:   failed.Load(),
		Duration: time.Since(start),
	}, err
}

// step performs one checkout, probe and return. A connection whose probe
// failed is returned with force close so it is never reused.
func (w *workload) step(ctx context.Context, key pool.Key) error {
	conn, key, err := w.pool.CheckoutKey(ctx, key)
	if err != nil {
		return fmt.Errorf("checkout: %w", err)
	}

	c, ok := conn.(*sqlprovider.Conn)
	if !ok {
		return apperrors.Join(
			fmt.Errorf("unexpected connection type %T", conn),
			w.pool.Return(conn, key, true),
		)
	}

	err = w.probe(ctx, c)
	if err == nil && w.hold > 0 {
		err = sleep(ctx, w.hold)
	}

	if rerr := w.pool.Return(conn, key, err != nil); rerr != nil {
		return apperrors.Join(err, fmt.Errorf("return: %w", rerr))
	}
	return err
}

func (w *workload) probe(ctx context.Context, c *sqlprovider.Conn) error {
	if w.tx {
		if err := c.Begin(ctx, nil); err != nil {
			return err
		}
	}

	var one int
	if err := c.QueryRowContext(ctx, probeQuery, nil, &one); err != nil {
		return fmt.Errorf("probe: %w", err)
	}
	if one != 1 {
		return fmt.Errorf("probe: got %d, want 1", one)
	}

	if w.tx {
		return c.Commit()
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

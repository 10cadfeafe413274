package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/nossrannug/psycopg2-connection-pool/lib/config"
	"github.com/nossrannug/psycopg2-connection-pool/lib/metrics"
	"github.com/nossrannug/psycopg2-connection-pool/lib/pool"
	"github.com/nossrannug/psycopg2-connection-pool/lib/ratelimit"
	"github.com/nossrannug/psycopg2-connection-pool/lib/sqlprovider"
	"github.com/nossrannug/psycopg2-connection-pool/lib/validation"
	"github.com/nossrannug/psycopg2-connection-pool/version"
)

const metricsRefreshInterval = time.Second

type runOptions struct {
	workers       int
	iterations    int
	keyed         bool
	tx            bool
	hold          time.Duration
	rate          float64
	metricsListen string
	json          bool
}

func newRunCmd(opts *options) *cobra.Command {
	ro := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a concurrent workload through the pool",
		Long: `run opens the configured database behind a keyed pool and starts
--workers goroutines. Each one performs --iterations operations: check out a
connection, run a probe query, hold the connection for --hold and return it.

With --keyed every worker checks out under its own key. With --tx the probe
runs inside a transaction. Pool statistics are printed when the workload
finishes or is interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWorkload(cmd, opts, ro)
		},
	}

	cmd.Flags().IntVarP(&ro.workers, "workers", "w", 4, "Number of concurrent workers")
	cmd.Flags().IntVarP(&ro.iterations, "iterations", "n", 100, "Operations per worker")
	cmd.Flags().BoolVar(&ro.keyed, "keyed", false, "Check out under a per-worker key")
	cmd.Flags().BoolVar(&ro.tx, "tx", false, "Run each probe inside a transaction")
	cmd.Flags().DurationVar(&ro.hold, "hold", 0, "How long to hold each connection")
	cmd.Flags().Float64Var(&ro.rate, "rate", 0, "Cap on operations per second across all workers (0 for no cap)")
	cmd.Flags().StringVar(&ro.metricsListen, "metrics-listen", "", "Serve /metrics on this address (overrides the config file)")
	cmd.Flags().BoolVar(&ro.json, "json", false, "Print the final report as JSON")
	return cmd
}

func runWorkload(cmd *cobra.Command, opts *options, ro *runOptions) error {
	if err := validation.All(
		func() error {
			return validation.ValidateRunParams(ro.workers, ro.iterations, ro.hold, ro.metricsListen)
		},
		func() error { return validation.ValidateRate(ro.rate) },
	); err != nil {
		return err
	}

	cfg, err := config.LoadConfig(opts.configPath)
	if err != nil {
		return err
	}
	if err := opts.setupLogging(cfg.Log.Level, cfg.Log.Format); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.RecordStartTime()

	prov, err := sqlprovider.New(cfg.ProviderConfig())
	if err != nil {
		return fmt.Errorf("create provider: %w", err)
	}
	p, err := pool.New(prov, cfg.PoolConfig())
	if err != nil {
		prov.CloseAll()
		return fmt.Errorf("create pool: %w", err)
	}

	slog.Info("keyedpool starting",
		"version", version.Full(),
		"driver", cfg.Database.Driver,
		"max_connections", cfg.Pool.MaxConnections,
		"idle_timeout", cfg.Pool.IdleTimeout.Std(),
		"workers", ro.workers,
		"iterations", ro.iterations)

	listen := ro.metricsListen
	if listen == "" && cfg.Metrics.Enabled {
		listen = cfg.Metrics.Listen
	}
	if listen != "" {
		shutdown, err := serveMetrics(listen)
		if err != nil {
			p.CloseAll()
			return err
		}
		defer shutdown()
	}

	refreshCtx, stopRefresh := context.WithCancel(ctx)
	go refreshMetrics(refreshCtx, p)

	w := &workload{
		pool:       p,
		workers:    ro.workers,
		iterations: ro.iterations,
		keyed:      ro.keyed,
		tx:         ro.tx,
		hold:       ro.hold,
	}
	if ro.rate > 0 {
		w.limiter = ratelimit.New(ro.rate, ro.workers)
	}
	res, runErr := w.run(ctx)
	stopRefresh()

	stats := p.Stats()
	pool.UpdateMetrics(stats)

	if err := p.CloseAll(); err != nil {
		slog.Warn("error closing pool", "error", err)
	}

	if errors.Is(runErr, context.Canceled) && ctx.Err() != nil {
		slog.Info("received signal, workload interrupted")
		runErr = nil
	}

	rep := newReport(res, stats)
	if ro.json {
		err = rep.writeJSON(cmd.OutOrStdout())
	} else {
		err = rep.writeText(cmd.OutOrStdout())
	}
	if err != nil {
		return fmt.Errorf("write report: %w", err)
	}

	if runErr != nil {
		return errWithCode(fmt.Errorf("workload: %w", runErr), exitWorkload)
	}
	if res.Errors > 0 {
		return errWithCode(fmt.Errorf("workload: %d of %d operations failed", res.Errors, res.Ops+res.Errors), exitWorkload)
	}
	return nil
}

// serveMetrics starts the metrics endpoint and returns a function that
// shuts it down.
func serveMetrics(addr string) (func(), error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	// Surface an immediate bind failure instead of running without metrics.
	select {
	case err := <-errCh:
		return nil, fmt.Errorf("metrics server: %w", err)
	case <-time.After(50 * time.Millisecond):
	}
	slog.Info("serving metrics", "addr", addr)

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			slog.Warn("metrics server shutdown", "error", err)
		}
	}, nil
}

func refreshMetrics(ctx context.Context, p *pool.Pool) {
	ticker := time.NewTicker(metricsRefreshInterval)
	defer ticker.Stop()
	for {
		pool.UpdateMetrics(p.Stats())
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// report is the final summary of a run.
type report struct {
	Ops             uint64  `json:"ops"`
	Errors          uint64  `json:"errors"`
	DurationSeconds float64 `json:"duration_seconds"`
	OpsPerSecond    float64 `json:"ops_per_second"`

	MaxConnections int    `json:"max_connections"`
	Idle           int    `json:"idle"`
	InUse          int    `json:"in_use"`
	Checkouts      uint64 `json:"checkouts"`
	CheckoutFailed uint64 `json:"checkout_failed"`
	Recheckouts    uint64 `json:"recheckouts"`
	Reused         uint64 `json:"reused"`
	Opened         uint64 `json:"opened"`
	Returns        uint64 `json:"returns"`
	Discarded      uint64 `json:"discarded"`
	Evicted        uint64 `json:"evicted"`
	EvictFailed    uint64 `json:"evict_failed"`
}

func newReport(res workloadResult, s pool.Stats) report {
	r := report{
		Ops:             res.Ops,
		Errors:          res.Errors,
		DurationSeconds: res.Duration.Seconds(),
		MaxConnections:  s.MaxConnections,
		Idle:            s.NumIdle,
		InUse:           s.NumInUse,
		Checkouts:       s.CheckoutCount,
		CheckoutFailed:  s.CheckoutFailed,
		Recheckouts:     s.RecheckoutCount,
		Reused:          s.ReusedCount,
		Opened:          s.OpenedCount,
		Returns:         s.ReturnCount,
		Discarded:       s.DiscardCount,
		Evicted:         s.EvictedCount,
		EvictFailed:     s.EvictFailed,
	}
	if res.Duration > 0 {
		r.OpsPerSecond = float64(res.Ops) / res.Duration.Seconds()
	}
	return r
}

func (r report) writeJSON(out io.Writer) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

func (r report) writeText(out io.Writer) error {
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "operations\t%d\n", r.Ops)
	fmt.Fprintf(tw, "errors\t%d\n", r.Errors)
	fmt.Fprintf(tw, "duration\t%.3fs\n", r.DurationSeconds)
	fmt.Fprintf(tw, "ops/sec\t%.1f\n", r.OpsPerSecond)
	fmt.Fprintf(tw, "max connections\t%d\n", r.MaxConnections)
	fmt.Fprintf(tw, "idle\t%d\n", r.Idle)
	fmt.Fprintf(tw, "in use\t%d\n", r.InUse)
	fmt.Fprintf(tw, "checkouts\t%d (%d failed, %d re-checkouts)\n", r.Checkouts, r.CheckoutFailed, r.Recheckouts)
	fmt.Fprintf(tw, "reused\t%d\n", r.Reused)
	fmt.Fprintf(tw, "opened\t%d\n", r.Opened)
	fmt.Fprintf(tw, "returns\t%d (%d discarded)\n", r.Returns, r.Discarded)
	fmt.Fprintf(tw, "evicted\t%d (%d failed)\n", r.Evicted, r.EvictFailed)
	return tw.Flush()
}

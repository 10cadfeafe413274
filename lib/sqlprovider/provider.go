// Package sqlprovider implements pool.Provider on top of database/sql.
//
// Each pooled connection is a dedicated *sql.Conn. The underlying *sql.DB is
// configured to keep no idle connections of its own, so closing a Conn closes
// the physical connection and the keyed pool is the only idle set.
//
// Drivers for sqlite3, mysql and postgres are registered by this package.
package sqlprovider

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/puzpuzpuz/xsync/v4"

	apperrors "github.com/nossrannug/psycopg2-connection-pool/lib/errors"
	"github.com/nossrannug/psycopg2-connection-pool/lib/metrics"
	"github.com/nossrannug/psycopg2-connection-pool/lib/pool"
	"github.com/nossrannug/psycopg2-connection-pool/lib/resilience"
)

var (
	// ErrProviderClosed is returned by Open after CloseAll.
	ErrProviderClosed = apperrors.ErrProviderClosed
	// ErrForeignConnection is returned when a connection from another
	// provider is handed back.
	ErrForeignConnection = apperrors.ErrForeignConnection
)

// Config configures a Provider.
type Config struct {
	// Driver is the database/sql driver name: sqlite3, mysql or postgres.
	Driver string
	// DSN is passed to sql.Open unchanged.
	DSN string
	// OpenTimeout bounds a single connection open. Zero means the caller's
	// context alone decides.
	OpenTimeout time.Duration
	// Breaker, when set, guards opens with a circuit breaker.
	Breaker *resilience.CircuitBreakerConfig
	// HealthInterval, when positive and Breaker is set, pings the database
	// on this interval and feeds the result to the breaker.
	HealthInterval time.Duration
}

// Provider opens dedicated database connections for the keyed pool.
type Provider struct {
	db      *sql.DB
	cfg     Config
	monitor *resilience.HealthMonitor

	nextID atomic.Uint64
	closed atomic.Bool
	conns  *xsync.Map[pool.ConnID, *Conn]
}

// New opens a database handle for cfg. No connection is made until the
// first Open.
func New(cfg Config) (*Provider, error) {
	if cfg.Driver == "" || cfg.DSN == "" {
		return nil, apperrors.Wrap(apperrors.CodeConfiguration, "driver and dsn are required", apperrors.ErrConfiguration)
	}

	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", cfg.Driver, err)
	}
	db.SetMaxIdleConns(0)

	p := &Provider{
		db:    db,
		cfg:   cfg,
		conns: xsync.NewMap[pool.ConnID, *Conn](),
	}

	if cfg.Breaker != nil {
		hc := resilience.HealthMonitorConfig{
			CircuitBreaker: *cfg.Breaker,
			CheckInterval:  cfg.HealthInterval,
			ProbeTimeout:   cfg.OpenTimeout,
		}
		p.monitor = resilience.NewHealthMonitor(cfg.Driver+"-open", db.PingContext, hc)
		if err := p.monitor.Start(context.Background()); err != nil {
			db.Close()
			return nil, fmt.Errorf("start health monitor: %w", err)
		}
	}

	log.WithField("driver", cfg.Driver).WithField("breaker", cfg.Breaker != nil).Debug("sql provider created")
	return p, nil
}

// Open implements pool.Provider.
func (p *Provider) Open(ctx context.Context, key pool.Key) (pool.Conn, error) {
	if p.closed.Load() {
		return nil, ErrProviderClosed
	}

	// The timeout lives inside the guarded call, so a connect that hangs past
	// it counts against the breaker while a caller giving up does not.
	var sc *sql.Conn
	open := func(ctx context.Context) error {
		if p.cfg.OpenTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, p.cfg.OpenTimeout)
			defer cancel()
		}
		var err error
		sc, err = p.db.Conn(ctx)
		return err
	}

	var err error
	if p.monitor != nil {
		err = p.monitor.ExecuteWithContext(ctx, open)
	} else {
		err = open(ctx)
	}
	if err != nil {
		metrics.ProviderOpenFailures.Inc()
		log.WithField("driver", p.cfg.Driver).WithField("key", key).WithError(err).Warn("failed to open connection")
		return nil, fmt.Errorf("open %s connection: %w", p.cfg.Driver, err)
	}

	c := &Conn{
		id:       pool.ConnID(p.nextID.Add(1)),
		key:      key,
		conn:     sc,
		provider: p,
	}
	p.conns.Store(c.id, c)

	metrics.ProviderOpensTotal.Inc()
	metrics.ProviderOpenGauge.Inc()
	log.WithField("conn", c.id).WithField("key", key).Debug("opened connection")
	return c, nil
}

// Dispose implements pool.Provider.
func (p *Provider) Dispose(conn pool.Conn) error {
	return p.dispose(conn, "disposed")
}

// DisposeForced implements pool.Provider. key is the key the connection was
// checked out under when the caller gave up on it.
func (p *Provider) DisposeForced(conn pool.Conn, key pool.Key) error {
	log.WithField("conn", conn.ID()).WithField("key", key).Debug("force-disposing connection")
	return p.dispose(conn, "force-disposed")
}

func (p *Provider) dispose(conn pool.Conn, how string) error {
	c, ok := conn.(*Conn)
	if !ok || c.provider != p {
		return fmt.Errorf("%w: connection %d", ErrForeignConnection, conn.ID())
	}

	if _, loaded := p.conns.LoadAndDelete(c.id); loaded {
		metrics.ProviderOpenGauge.Dec()
	}
	metrics.ProviderDisposedTotal.Inc()

	if err := c.Close(); err != nil {
		return fmt.Errorf("close connection %d: %w", c.id, err)
	}
	log.WithField("conn", c.id).Debug("connection " + how)
	return nil
}

// CloseAll implements pool.Provider. It closes every connection still open,
// including ones checked out of the pool, and then the database handle.
func (p *Provider) CloseAll() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}

	if p.monitor != nil {
		p.monitor.Stop()
	}

	var errs []error
	p.conns.Range(func(id pool.ConnID, c *Conn) bool {
		// A concurrent dispose may already have claimed this one.
		if _, loaded := p.conns.LoadAndDelete(id); !loaded {
			return true
		}
		metrics.ProviderOpenGauge.Dec()
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close connection %d: %w", id, err))
		}
		return true
	})

	if err := p.db.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close database: %w", err))
	}

	log.WithField("driver", p.cfg.Driver).Debug("sql provider closed")
	return apperrors.Join(errs...)
}

// IsClosed implements pool.Provider.
func (p *Provider) IsClosed() bool {
	return p.closed.Load()
}

// OpenConnections returns the number of connections opened and not yet
// disposed.
func (p *Provider) OpenConnections() int {
	return p.conns.Size()
}

// Healthy reports whether the last health probe passed. It is always true
// without a breaker.
func (p *Provider) Healthy() bool {
	if p.monitor == nil {
		return true
	}
	return p.monitor.IsHealthy()
}

// BreakerState returns the state of the open circuit breaker.
func (p *Provider) BreakerState() resilience.CircuitState {
	if p.monitor == nil {
		return resilience.CircuitClosed
	}
	return p.monitor.CircuitState()
}

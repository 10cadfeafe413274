package sqlprovider

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	apperrors "github.com/nossrannug/psycopg2-connection-pool/lib/errors"
	"github.com/nossrannug/psycopg2-connection-pool/lib/metrics"
	"github.com/nossrannug/psycopg2-connection-pool/lib/pool"
	"github.com/nossrannug/psycopg2-connection-pool/lib/resilience"
)

// stallingDriver never finishes connecting, like a server behind a dropped
// SYN.
type stallingDriver struct{}

func (stallingDriver) Open(string) (driver.Conn, error) {
	return nil, errors.New("stalling: use OpenConnector")
}

func (d stallingDriver) OpenConnector(string) (driver.Connector, error) {
	return stallingConnector{d}, nil
}

type stallingConnector struct{ d stallingDriver }

func (stallingConnector) Connect(ctx context.Context) (driver.Conn, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (c stallingConnector) Driver() driver.Driver {
	return c.d
}

func init() {
	sql.Register("stalling", stallingDriver{})
}

func newTestProvider(t *testing.T) *Provider {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "test.db") + "?_busy_timeout=5000"
	p, err := New(Config{Driver: "sqlite3", DSN: dsn, OpenTimeout: 5 * time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { p.CloseAll() })
	return p
}

func openConn(t *testing.T, p *Provider) *Conn {
	t.Helper()
	c, err := p.Open(context.Background(), nil)
	require.NoError(t, err)
	return c.(*Conn)
}

func countItems(t *testing.T, c *Conn) int {
	t.Helper()
	var n int
	require.NoError(t, c.QueryRowContext(context.Background(), "SELECT count(*) FROM items", nil, &n))
	return n
}

func TestNewRequiresDriverAndDSN(t *testing.T) {
	_, err := New(Config{Driver: "sqlite3"})
	require.ErrorIs(t, err, apperrors.ErrConfiguration)

	_, err = New(Config{DSN: ":memory:"})
	require.ErrorIs(t, err, apperrors.ErrConfiguration)
}

func TestNewUnknownDriver(t *testing.T) {
	_, err := New(Config{Driver: "nosuchdriver", DSN: "x"})
	require.Error(t, err)
}

func TestOpenDispose(t *testing.T) {
	p := newTestProvider(t)

	c1 := openConn(t, p)
	c2 := openConn(t, p)
	require.NotEqual(t, c1.ID(), c2.ID())
	require.Equal(t, 2, p.OpenConnections())

	require.NoError(t, p.Dispose(c1))
	require.True(t, c1.IsClosed())
	require.Equal(t, 1, p.OpenConnections())

	require.NoError(t, p.DisposeForced(c2, "job"))
	require.True(t, c2.IsClosed())
	require.Equal(t, 0, p.OpenConnections())
}

func TestOpenKeepsKey(t *testing.T) {
	p := newTestProvider(t)

	c, err := p.Open(context.Background(), "tenant-1")
	require.NoError(t, err)
	require.Equal(t, "tenant-1", c.(*Conn).OpenKey())
}

func TestDisposeForeignConnection(t *testing.T) {
	p1 := newTestProvider(t)
	p2 := newTestProvider(t)

	c := openConn(t, p2)
	require.ErrorIs(t, p1.Dispose(c), ErrForeignConnection)
	require.False(t, c.IsClosed())
	require.Equal(t, 1, p2.OpenConnections())
}

func TestTransactionState(t *testing.T) {
	p := newTestProvider(t)
	c := openConn(t, p)
	ctx := context.Background()

	require.Equal(t, pool.TxIdle, c.TransactionState())

	_, err := c.ExecContext(ctx, "CREATE TABLE items (name TEXT NOT NULL)")
	require.NoError(t, err)

	// A failed statement outside a transaction leaves the connection idle.
	_, err = c.ExecContext(ctx, "INSERT INTO missing VALUES (1)")
	require.Error(t, err)
	require.Equal(t, pool.TxIdle, c.TransactionState())

	require.NoError(t, c.Begin(ctx, nil))
	require.Equal(t, pool.TxActive, c.TransactionState())
	require.ErrorIs(t, c.Begin(ctx, nil), ErrTransactionOpen)

	_, err = c.ExecContext(ctx, "INSERT INTO items VALUES ('a')")
	require.NoError(t, err)
	require.Equal(t, pool.TxActive, c.TransactionState())

	_, err = c.ExecContext(ctx, "INSERT INTO items VALUES (NULL)")
	require.Error(t, err)
	require.Equal(t, pool.TxInError, c.TransactionState())

	require.NoError(t, c.Rollback())
	require.Equal(t, pool.TxIdle, c.TransactionState())
	require.Equal(t, 0, countItems(t, c))

	require.NoError(t, c.Begin(ctx, nil))
	_, err = c.ExecContext(ctx, "INSERT INTO items VALUES ('b')")
	require.NoError(t, err)
	require.NoError(t, c.Commit())
	require.Equal(t, pool.TxIdle, c.TransactionState())
	require.Equal(t, 1, countItems(t, c))

	require.ErrorIs(t, c.Commit(), ErrNoTransaction)
	require.NoError(t, c.Rollback(), "rollback outside a transaction is a no-op")
}

func TestQueryContext(t *testing.T) {
	p := newTestProvider(t)
	c := openConn(t, p)
	ctx := context.Background()

	_, err := c.ExecContext(ctx, "CREATE TABLE items (name TEXT)")
	require.NoError(t, err)
	_, err = c.ExecContext(ctx, "INSERT INTO items VALUES ('a'), ('b')")
	require.NoError(t, err)

	rows, err := c.QueryContext(ctx, "SELECT name FROM items ORDER BY name")
	require.NoError(t, err)
	var names []string
	for rows.Next() {
		var s string
		require.NoError(t, rows.Scan(&s))
		names = append(names, s)
	}
	require.NoError(t, rows.Err())
	require.NoError(t, rows.Close())
	require.Equal(t, []string{"a", "b"}, names)

	var missing string
	err = c.QueryRowContext(ctx, "SELECT name FROM items WHERE name = ?", []any{"z"}, &missing)
	require.ErrorIs(t, err, sql.ErrNoRows)
	require.Equal(t, pool.TxIdle, c.TransactionState())
}

func TestCloseRollsBack(t *testing.T) {
	p := newTestProvider(t)
	ctx := context.Background()

	setup := openConn(t, p)
	_, err := setup.ExecContext(ctx, "CREATE TABLE items (name TEXT)")
	require.NoError(t, err)

	c := openConn(t, p)
	require.NoError(t, c.Begin(ctx, nil))
	_, err = c.ExecContext(ctx, "INSERT INTO items VALUES ('a')")
	require.NoError(t, err)
	require.NoError(t, c.Close())
	require.Equal(t, pool.TxUnknown, c.TransactionState())

	require.Equal(t, 0, countItems(t, setup))
	require.NoError(t, c.Close(), "second close is a no-op")
}

func TestPing(t *testing.T) {
	p := newTestProvider(t)
	c := openConn(t, p)

	require.NoError(t, c.Ping(context.Background()))
	require.NoError(t, c.Close())
	require.ErrorIs(t, c.Ping(context.Background()), sql.ErrConnDone)
}

func TestCloseAll(t *testing.T) {
	p := newTestProvider(t)
	c := openConn(t, p)

	require.NoError(t, p.CloseAll())
	require.True(t, p.IsClosed())
	require.True(t, c.IsClosed())
	require.Equal(t, 0, p.OpenConnections())

	_, err := p.Open(context.Background(), nil)
	require.ErrorIs(t, err, ErrProviderClosed)
	require.NoError(t, p.CloseAll())
}

func TestBreakerRejectsAfterOpenFailures(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "missing", "dir", "test.db")
	p, err := New(Config{
		Driver: "sqlite3",
		DSN:    dsn,
		Breaker: &resilience.CircuitBreakerConfig{
			FailureThreshold: 2,
			Timeout:          time.Hour,
		},
	})
	require.NoError(t, err)
	defer p.CloseAll()

	for i := 0; i < 2; i++ {
		_, err := p.Open(context.Background(), nil)
		require.Error(t, err)
		require.NotErrorIs(t, err, apperrors.ErrCircuitOpen)
	}

	_, err = p.Open(context.Background(), nil)
	require.ErrorIs(t, err, apperrors.ErrCircuitOpen)
	require.Equal(t, resilience.CircuitOpen, p.BreakerState())
	require.Equal(t, 0, p.OpenConnections())
}

func TestHealthMonitorProbesDatabase(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "test.db")
	p, err := New(Config{
		Driver:         "sqlite3",
		DSN:            dsn,
		Breaker:        &resilience.CircuitBreakerConfig{FailureThreshold: 3},
		HealthInterval: 10 * time.Millisecond,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return !p.monitor.LastCheck().IsZero()
	}, time.Second, 5*time.Millisecond)
	require.True(t, p.Healthy())
	require.Equal(t, resilience.CircuitClosed, p.BreakerState())

	require.NoError(t, p.CloseAll())
}

func TestOpenTimeoutCountsAgainstBreaker(t *testing.T) {
	p, err := New(Config{
		Driver:      "stalling",
		DSN:         "db.internal:5432",
		OpenTimeout: 20 * time.Millisecond,
		Breaker: &resilience.CircuitBreakerConfig{
			FailureThreshold: 2,
			Timeout:          time.Hour,
		},
	})
	require.NoError(t, err)
	defer p.CloseAll()

	for i := 0; i < 2; i++ {
		_, err := p.Open(context.Background(), nil)
		require.ErrorIs(t, err, context.DeadlineExceeded)
	}

	_, err = p.Open(context.Background(), nil)
	require.ErrorIs(t, err, apperrors.ErrCircuitOpen)
	require.Equal(t, resilience.CircuitOpen, p.BreakerState())
}

func TestCallerDeadlineDoesNotTripBreaker(t *testing.T) {
	p, err := New(Config{
		Driver:      "stalling",
		DSN:         "db.internal:5432",
		OpenTimeout: time.Hour,
		Breaker: &resilience.CircuitBreakerConfig{
			FailureThreshold: 1,
			Timeout:          time.Hour,
		},
	})
	require.NoError(t, err)
	defer p.CloseAll()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = p.Open(ctx, nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, resilience.CircuitClosed, p.BreakerState())
}

func TestCloseAllRacingDisposeCountsEachConnectionOnce(t *testing.T) {
	base := metrics.ProviderOpenGauge.Value()
	p := newTestProvider(t)

	var conns []*Conn
	for i := 0; i < 8; i++ {
		conns = append(conns, openConn(t, p))
	}
	require.Equal(t, base+8, metrics.ProviderOpenGauge.Value())

	var wg sync.WaitGroup
	for _, c := range conns {
		wg.Add(1)
		go func(c *Conn) {
			defer wg.Done()
			p.Dispose(c)
		}(c)
	}
	require.NoError(t, p.CloseAll())
	wg.Wait()

	require.Equal(t, 0, p.OpenConnections())
	require.Equal(t, base, metrics.ProviderOpenGauge.Value())
}

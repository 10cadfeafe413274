package sqlprovider

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"sync"

	apperrors "github.com/nossrannug/psycopg2-connection-pool/lib/errors"
	"github.com/nossrannug/psycopg2-connection-pool/lib/pool"
)

var (
	// ErrNoTransaction is returned by Commit outside a transaction.
	ErrNoTransaction = apperrors.ErrNoTransaction
	// ErrTransactionOpen is returned by Begin inside a transaction.
	ErrTransactionOpen = apperrors.ErrTransactionOpen
)

// Conn is a dedicated database connection that tracks its own transaction
// state. Statements run inside the open transaction, if there is one.
//
// A statement that fails inside a transaction leaves the connection in
// pool.TxInError until Rollback. A driver report of a broken connection
// leaves it in pool.TxUnknown for good.
type Conn struct {
	id       pool.ConnID
	key      pool.Key
	conn     *sql.Conn
	provider *Provider

	mu     sync.Mutex
	tx     *sql.Tx
	failed bool
	lost   bool
	closed bool
}

// ID implements pool.Conn.
func (c *Conn) ID() pool.ConnID {
	return c.id
}

// OpenKey returns the key the connection was first opened for.
func (c *Conn) OpenKey() pool.Key {
	return c.key
}

// IsClosed implements pool.Conn.
func (c *Conn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// TransactionState implements pool.Conn.
func (c *Conn) TransactionState() pool.TxState {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case c.lost || c.closed:
		return pool.TxUnknown
	case c.tx == nil:
		return pool.TxIdle
	case c.failed:
		return pool.TxInError
	default:
		return pool.TxActive
	}
}

// Begin starts a transaction.
func (c *Conn) Begin(ctx context.Context, opts *sql.TxOptions) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return sql.ErrConnDone
	}
	if c.tx != nil {
		return ErrTransactionOpen
	}

	tx, err := c.conn.BeginTx(ctx, opts)
	if err != nil {
		c.observeLocked(err)
		return fmt.Errorf("begin: %w", err)
	}
	c.tx = tx
	c.failed = false
	return nil
}

// Commit commits the open transaction. A failed transaction cannot be
// committed; the driver's error is returned and the connection returns to
// idle either way.
func (c *Conn) Commit() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.tx == nil {
		return ErrNoTransaction
	}
	err := c.tx.Commit()
	c.tx = nil
	c.failed = false
	if err != nil {
		c.observeLocked(err)
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Rollback implements pool.Conn. It is a no-op outside a transaction.
func (c *Conn) Rollback() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rollbackLocked()
}

func (c *Conn) rollbackLocked() error {
	if c.tx == nil {
		return nil
	}
	err := c.tx.Rollback()
	c.tx = nil
	c.failed = false
	if err != nil && !errors.Is(err, sql.ErrTxDone) {
		c.observeLocked(err)
		return fmt.Errorf("rollback: %w", err)
	}
	return nil
}

// ExecContext executes a statement that returns no rows.
func (c *Conn) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var (
		res sql.Result
		err error
	)
	if c.tx != nil {
		res, err = c.tx.ExecContext(ctx, query, args...)
	} else {
		res, err = c.conn.ExecContext(ctx, query, args...)
	}
	c.observeLocked(err)
	return res, err
}

// QueryContext executes a query that returns rows. Errors surfacing later
// from the rows themselves are not tracked.
func (c *Conn) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var (
		rows *sql.Rows
		err  error
	)
	if c.tx != nil {
		rows, err = c.tx.QueryContext(ctx, query, args...)
	} else {
		rows, err = c.conn.QueryContext(ctx, query, args...)
	}
	c.observeLocked(err)
	return rows, err
}

// QueryRowContext executes a query expected to return at most one row and
// scans it into dest.
func (c *Conn) QueryRowContext(ctx context.Context, query string, args []any, dest ...any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var row *sql.Row
	if c.tx != nil {
		row = c.tx.QueryRowContext(ctx, query, args...)
	} else {
		row = c.conn.QueryRowContext(ctx, query, args...)
	}
	err := row.Scan(dest...)
	if !errors.Is(err, sql.ErrNoRows) {
		c.observeLocked(err)
	}
	return err
}

// Ping checks the server side of the connection. A failed ping marks the
// connection lost.
func (c *Conn) Ping(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return sql.ErrConnDone
	}
	err := c.conn.PingContext(ctx)
	if err != nil {
		c.lost = true
	}
	return err
}

// Close implements pool.Conn. An open transaction is rolled back first.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	rbErr := c.rollbackLocked()
	err := c.conn.Close()
	if errors.Is(err, sql.ErrConnDone) {
		err = nil
	}
	return apperrors.Join(rbErr, err)
}

// observeLocked updates the transaction state after a statement. Caller
// must hold c.mu.
func (c *Conn) observeLocked(err error) {
	if err == nil {
		return
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		c.lost = true
		return
	}
	if c.tx != nil {
		c.failed = true
	}
}

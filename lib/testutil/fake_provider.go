// Package testutil provides an in-memory connection provider for exercising
// the keyed pool without a database. Connections report whatever transaction
// state a test sets, and the provider records every open and disposal.
package testutil

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nossrannug/psycopg2-connection-pool/lib/pool"
)

// ErrFakeProviderClosed is returned by Open after CloseAll.
var ErrFakeProviderClosed = errors.New("fake provider: closed")

// FakeConn is an in-memory pool.Conn.
type FakeConn struct {
	id pool.ConnID
	mu sync.Mutex

	closed      bool
	state       pool.TxState
	rollbacks   int
	closes      int
	rollbackErr error
	key         pool.Key
}

// NewFakeConn creates a connection that no provider knows about.
func NewFakeConn(id pool.ConnID) *FakeConn {
	return &FakeConn{id: id}
}

// ID implements pool.Conn.
func (c *FakeConn) ID() pool.ConnID {
	return c.id
}

// IsClosed implements pool.Conn.
func (c *FakeConn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// TransactionState implements pool.Conn.
func (c *FakeConn) TransactionState() pool.TxState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return pool.TxUnknown
	}
	return c.state
}

// Rollback implements pool.Conn. A successful rollback leaves the connection idle.
func (c *FakeConn) Rollback() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rollbacks++
	if c.rollbackErr != nil {
		return c.rollbackErr
	}
	c.state = pool.TxIdle
	return nil
}

// Close implements pool.Conn.
func (c *FakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	c.closed = true
	return nil
}

// SetState sets the transaction state reported from now on.
func (c *FakeConn) SetState(s pool.TxState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
}

// SetRollbackError makes Rollback fail with err.
func (c *FakeConn) SetRollbackError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rollbackErr = err
}

// MarkClosed closes the connection without counting a Close call, as if the
// server hung up.
func (c *FakeConn) MarkClosed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

// Rollbacks returns how many times Rollback was called.
func (c *FakeConn) Rollbacks() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rollbacks
}

// Closes returns how many times Close was called.
func (c *FakeConn) Closes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

// OpenKey returns the key the connection was opened for.
func (c *FakeConn) OpenKey() pool.Key {
	return c.key
}

// FakeProvider is an in-memory pool.Provider.
type FakeProvider struct {
	nextID atomic.Uint64
	closed atomic.Bool

	mu         sync.Mutex
	conns      []*FakeConn
	disposed   map[pool.ConnID]int
	forced     map[pool.ConnID]pool.Key
	openErr    error
	disposeErr func(pool.Conn) error
	openDelay  time.Duration
	closeAlls  int
}

// NewFakeProvider creates an open provider.
func NewFakeProvider() *FakeProvider {
	return &FakeProvider{
		disposed: make(map[pool.ConnID]int),
		forced:   make(map[pool.ConnID]pool.Key),
	}
}

// Open implements pool.Provider.
func (p *FakeProvider) Open(ctx context.Context, key pool.Key) (pool.Conn, error) {
	if p.closed.Load() {
		return nil, ErrFakeProviderClosed
	}

	p.mu.Lock()
	err, delay := p.openErr, p.openDelay
	p.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	c := &FakeConn{id: pool.ConnID(p.nextID.Add(1)), key: key}
	p.mu.Lock()
	p.conns = append(p.conns, c)
	p.mu.Unlock()
	return c, nil
}

// Dispose implements pool.Provider.
func (p *FakeProvider) Dispose(conn pool.Conn) error {
	p.mu.Lock()
	hook := p.disposeErr
	p.mu.Unlock()

	if hook != nil {
		if err := hook(conn); err != nil {
			return err
		}
	}

	p.mu.Lock()
	p.disposed[conn.ID()]++
	p.mu.Unlock()
	return conn.Close()
}

// DisposeForced implements pool.Provider.
func (p *FakeProvider) DisposeForced(conn pool.Conn, key pool.Key) error {
	p.mu.Lock()
	p.forced[conn.ID()] = key
	p.mu.Unlock()
	return conn.Close()
}

// CloseAll implements pool.Provider. Every connection it opened is closed.
func (p *FakeProvider) CloseAll() error {
	p.closed.Store(true)

	p.mu.Lock()
	p.closeAlls++
	conns := append([]*FakeConn(nil), p.conns...)
	p.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	return nil
}

// IsClosed implements pool.Provider.
func (p *FakeProvider) IsClosed() bool {
	return p.closed.Load()
}

// SetOpenError makes Open fail with err until it is reset with nil.
func (p *FakeProvider) SetOpenError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.openErr = err
}

// SetOpenDelay makes Open sleep before returning.
func (p *FakeProvider) SetOpenDelay(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.openDelay = d
}

// SetDisposeHook runs fn before every Dispose; a non-nil error fails the disposal.
func (p *FakeProvider) SetDisposeHook(fn func(pool.Conn) error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disposeErr = fn
}

// Opens returns the number of connections opened.
func (p *FakeProvider) Opens() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// Conns returns every connection opened so far, oldest first.
func (p *FakeProvider) Conns() []*FakeConn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*FakeConn(nil), p.conns...)
}

// Disposed reports whether conn was handed back through Dispose.
func (p *FakeProvider) Disposed(conn pool.Conn) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.disposed[conn.ID()] > 0
}

// DisposedCount returns the number of successful Dispose calls.
func (p *FakeProvider) DisposedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.disposed {
		n += c
	}
	return n
}

// Forced returns the key conn was force-disposed with, if it was.
func (p *FakeProvider) Forced(conn pool.Conn) (pool.Key, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	k, ok := p.forced[conn.ID()]
	return k, ok
}

// CloseAllCalls returns how many times CloseAll was called.
func (p *FakeProvider) CloseAllCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closeAlls
}

package pool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	apperrors "github.com/nossrannug/psycopg2-connection-pool/lib/errors"
	"github.com/nossrannug/psycopg2-connection-pool/lib/metrics"
)

var (
	// ErrPoolClosed is returned by Checkout and Return once the pool or its
	// provider has been closed.
	ErrPoolClosed = apperrors.ErrPoolClosed
	// ErrUnkeyedConnection is returned by Return when the connection is not
	// checked out under the given key, or no key can be found for it.
	ErrUnkeyedConnection = apperrors.ErrUnkeyedConnection
	// ErrInvalidKey is returned for keys that are not comparable.
	ErrInvalidKey = apperrors.ErrInvalidKey
	// ErrInvalidConnection is returned when a nil connection is handed back.
	ErrInvalidConnection = apperrors.ErrInvalidConnection
	// ErrInvalidConfig is returned by New for a bad Config.
	ErrInvalidConfig = apperrors.ErrInvalidPoolConfig
)

// Config configures the pool. Capacity cannot change after construction.
type Config struct {
	// MaxConnections is the maximum number of connections checked out at once.
	// Default: 10
	MaxConnections int
	// IdleTimeout is how long a connection may sit in the idle set before the
	// sweeper hands it back to the provider. It is also the sweep interval, so
	// an idle connection can live for up to twice this long.
	// Default: 10 minutes
	IdleTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxConnections: 10,
		IdleTimeout:    10 * time.Minute,
	}
}

// Validate checks the configuration for errors.
func (c Config) Validate() error {
	if c.MaxConnections <= 0 {
		return fmt.Errorf("%w: max connections must be positive, got %d", ErrInvalidConfig, c.MaxConnections)
	}
	if c.IdleTimeout <= 0 {
		return fmt.Errorf("%w: idle timeout must be positive, got %v", ErrInvalidConfig, c.IdleTimeout)
	}
	return nil
}

// Pool is a bounded, keyed connection pool.
//
// All four collections (idle set, in-use map, reverse map, last-used
// registry) are guarded by mu. The semaphore bounds outstanding checkouts
// independently; a permit is held for exactly as long as its key is in inUse.
type Pool struct {
	provider Provider
	config   Config
	sem      *semaphore.Weighted

	mu       sync.Mutex
	seq      SeqKey
	idle     []Conn               // oldest first
	inUse    map[Key]Conn         // key -> checked-out connection
	keys     map[ConnID]Key       // connection -> key, for checked-out connections only
	lastUsed map[ConnID]time.Time // connection -> time it entered the idle set

	closed    atomic.Bool
	stopSweep chan struct{}
	sweepDone chan struct{}

	// Metrics
	checkoutCount   uint64
	checkoutSuccess uint64
	checkoutFailed  uint64
	recheckoutCount uint64
	reusedCount     uint64
	openedCount     uint64
	returnCount     uint64
	discardCount    uint64
	evictedCount    uint64
	evictFailed     uint64
}

// New creates a pool in front of provider and starts its eviction sweeper.
func New(provider Provider, cfg Config) (*Pool, error) {
	if provider == nil {
		return nil, fmt.Errorf("%w: provider is required", ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	p := &Pool{
		provider:  provider,
		config:    cfg,
		sem:       semaphore.NewWeighted(int64(cfg.MaxConnections)),
		idle:      make([]Conn, 0, cfg.MaxConnections),
		inUse:     make(map[Key]Conn),
		keys:      make(map[ConnID]Key),
		lastUsed:  make(map[ConnID]time.Time),
		stopSweep: make(chan struct{}),
		sweepDone: make(chan struct{}),
	}

	go p.sweepLoop()

	PoolConnectionsMax.Set(int64(cfg.MaxConnections))
	log.WithField("maxConnections", cfg.MaxConnections).WithField("idleTimeout", cfg.IdleTimeout).Debug("pool created")
	return p, nil
}

// isClosed reports whether the pool or its provider has been closed.
func (p *Pool) isClosed() bool {
	return p.closed.Load() || p.provider.IsClosed()
}

// Checkout returns the connection checked out under key, or a connection
// from the idle set, or a new connection from the provider. A nil key makes
// the pool generate one; use CheckoutKey to learn it.
//
// Checkout blocks while MaxConnections connections are checked out. It gives
// up only when ctx is done; pass context.Background to wait indefinitely.
func (p *Pool) Checkout(ctx context.Context, key Key) (Conn, error) {
	conn, _, err := p.CheckoutKey(ctx, key)
	return conn, err
}

// CheckoutKey is Checkout that also returns the key the connection is
// checked out under.
func (p *Pool) CheckoutKey(ctx context.Context, key Key) (Conn, Key, error) {
	atomic.AddUint64(&p.checkoutCount, 1)
	PoolCheckoutTotal.Inc()
	timer := metrics.NewTimer(PoolCheckoutLatency)
	defer timer.ObserveDuration()

	conn, key, err := p.checkout(ctx, key)
	if err != nil {
		atomic.AddUint64(&p.checkoutFailed, 1)
		PoolCheckoutFailedTotal.Inc()
		return nil, nil, err
	}
	atomic.AddUint64(&p.checkoutSuccess, 1)
	return conn, key, nil
}

func (p *Pool) checkout(ctx context.Context, key Key) (Conn, Key, error) {
	if p.isClosed() {
		return nil, nil, ErrPoolClosed
	}
	if !validKey(key) {
		return nil, nil, fmt.Errorf("%w: %T", ErrInvalidKey, key)
	}

	// Re-checkout of a key that is already out does not take a second permit.
	if key != nil {
		p.mu.Lock()
		conn, ok := p.inUse[key]
		p.mu.Unlock()
		if ok {
			p.recordRecheckout(key)
			return conn, key, nil
		}
	}

	if err := p.sem.Acquire(ctx, 1); err != nil {
		log.WithField("key", key).WithError(err).Debug("checkout abandoned while waiting for a permit")
		return nil, nil, err
	}

	conn, key, holdsPermit, err := p.assign(ctx, key)
	if !holdsPermit {
		p.sem.Release(1)
	}
	if err != nil {
		return nil, nil, err
	}
	if !holdsPermit {
		p.recordRecheckout(key)
	}
	return conn, key, nil
}

func (p *Pool) assign(ctx context.Context, key Key) (Conn, Key, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.checkoutLocked(ctx, key)
}

// checkoutLocked assigns a connection to key. It reports whether the permit
// the caller acquired now belongs to the checkout. Caller must hold p.mu.
func (p *Pool) checkoutLocked(ctx context.Context, key Key) (Conn, Key, bool, error) {
	if p.isClosed() {
		return nil, nil, false, ErrPoolClosed
	}

	if key == nil {
		p.seq++
		key = p.seq
	}

	// Another caller checked the key out while we waited for a permit.
	if conn, ok := p.inUse[key]; ok {
		return conn, key, false, nil
	}

	var conn Conn
	if len(p.idle) > 0 {
		conn = p.idle[0]
		p.idle[0] = nil
		p.idle = p.idle[1:]
		delete(p.lastUsed, conn.ID())
		atomic.AddUint64(&p.reusedCount, 1)
		PoolReusedTotal.Inc()
		log.WithField("key", key).WithField("conn", conn.ID()).Debug("reusing idle connection")
	} else {
		// The provider is called under the lock, so a slow connect stalls
		// other checkouts and returns.
		var opened Conn
		err := guard("open", func() (err error) {
			opened, err = p.provider.Open(ctx, key)
			return err
		})
		if err != nil {
			log.WithField("key", key).WithError(err).Debug("provider failed to open connection")
			return nil, nil, false, err
		}
		if opened == nil {
			return nil, nil, false, fmt.Errorf("provider returned no connection: %w", ErrInvalidConnection)
		}
		conn = opened
		atomic.AddUint64(&p.openedCount, 1)
		PoolOpenedTotal.Inc()
		log.WithField("key", key).WithField("conn", conn.ID()).Debug("opened new connection")
	}

	p.keys[conn.ID()] = key
	p.inUse[key] = conn
	return conn, key, true, nil
}

func (p *Pool) recordRecheckout(key Key) {
	atomic.AddUint64(&p.recheckoutCount, 1)
	log.WithField("key", key).Debug("key already checked out, returning its connection")
}

// Return hands a checked-out connection back to the pool. If key is nil it
// is looked up from the connection. With forceClose the connection is
// discarded through the provider regardless of its state.
//
// Exactly one admission permit is released per successful lookup, after the
// pool lock has been dropped. Rollback and disposal errors are returned after
// the connection has been untracked and the permit released.
func (p *Pool) Return(conn Conn, key Key, forceClose bool) error {
	if conn == nil {
		return ErrInvalidConnection
	}
	if p.isClosed() {
		return ErrPoolClosed
	}
	if !validKey(key) {
		return fmt.Errorf("%w: %T", ErrInvalidKey, key)
	}

	atomic.AddUint64(&p.returnCount, 1)
	PoolReturnedTotal.Inc()

	found, result := p.release(conn, key, forceClose)
	if found {
		p.sem.Release(1)
	}
	return result
}

// release untracks conn and disposes or recycles it. It reports whether conn
// was checked out, meaning its permit is now the caller's to release.
func (p *Pool) release(conn Conn, key Key, forceClose bool) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key, err := p.resolveKeyLocked(conn, key)
	if err != nil {
		return false, err
	}

	if forceClose {
		p.untrackLocked(key, conn)
		p.recordDiscard()
		err = wrapConnErr("dispose", conn.ID(), guard("dispose", func() error {
			return p.provider.DisposeForced(conn, key)
		}))
		log.WithField("key", key).WithField("conn", conn.ID()).Debug("connection force-closed")
		return true, err
	}
	err = p.recycleLocked(conn, key)
	p.untrackLocked(key, conn)
	return true, err
}

// Put returns conn under the key it was checked out with.
func (p *Pool) Put(conn Conn) error {
	return p.Return(conn, nil, false)
}

// Discard returns conn and tells the provider to throw it away.
func (p *Pool) Discard(conn Conn) error {
	return p.Return(conn, nil, true)
}

// resolveKeyLocked finds the key conn is checked out under, checking that an
// explicit key really maps to conn. Caller must hold p.mu.
func (p *Pool) resolveKeyLocked(conn Conn, key Key) (Key, error) {
	if key == nil {
		k, ok := p.keys[conn.ID()]
		if !ok {
			return nil, fmt.Errorf("%w: connection %d", ErrUnkeyedConnection, conn.ID())
		}
		return k, nil
	}
	if current, ok := p.inUse[key]; !ok || current.ID() != conn.ID() {
		return nil, fmt.Errorf("%w: connection %d is not checked out as %v", ErrUnkeyedConnection, conn.ID(), key)
	}
	return key, nil
}

// recycleLocked decides what happens to a returned connection based on its
// state. Caller must hold p.mu.
func (p *Pool) recycleLocked(conn Conn, key Key) error {
	id := conn.ID()
	entry := log.WithField("key", key).WithField("conn", id)

	if conn.IsClosed() {
		p.recordDiscard()
		entry.Debug("returned connection already closed")
		return p.disposeLocked(conn)
	}

	switch state := conn.TransactionState(); state {
	case TxIdle:
		p.lastUsed[id] = time.Now()
		p.idle = append(p.idle, conn)
		entry.Debug("connection returned to idle set")
		return nil
	case TxUnknown:
		// Server side is gone; close locally.
		p.recordDiscard()
		entry.Warn("server connection lost, closing")
		return apperrors.Join(wrapConnErr("close", id, guard("close", conn.Close)), p.disposeLocked(conn))
	default:
		p.recordDiscard()
		entry.WithField("state", state.String()).Debug("rolling back returned connection")
		return apperrors.Join(wrapConnErr("rollback", id, guard("rollback", conn.Rollback)), p.disposeLocked(conn))
	}
}

// untrackLocked removes key and conn from the in-use bookkeeping. Caller
// must hold p.mu.
func (p *Pool) untrackLocked(key Key, conn Conn) {
	if current, ok := p.inUse[key]; ok && current.ID() == conn.ID() {
		delete(p.inUse, key)
	}
	delete(p.keys, conn.ID())
}

func (p *Pool) disposeLocked(conn Conn) error {
	return wrapConnErr("dispose", conn.ID(), guard("dispose", func() error {
		return p.provider.Dispose(conn)
	}))
}

// guard runs a provider or connection call, turning a panic into an error so
// the pool lock and admission permits are never left behind.
func guard(op string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s panicked: %v", op, r)
		}
	}()
	return fn()
}

func (p *Pool) recordDiscard() {
	atomic.AddUint64(&p.discardCount, 1)
	PoolDiscardedTotal.Inc()
}

func wrapConnErr(op string, id ConnID, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s connection %d: %w", op, id, err)
}

// CloseAll stops the sweeper and closes the provider. Checked-out and idle
// connections are left to the provider; callers blocked in Checkout are not
// interrupted and fail with ErrPoolClosed once admitted.
func (p *Pool) CloseAll() error {
	if !p.closed.CompareAndSwap(false, true) {
		return ErrPoolClosed
	}

	close(p.stopSweep)
	<-p.sweepDone

	if p.provider.IsClosed() {
		log.Debug("pool closed, provider already closed")
		return nil
	}
	if err := p.provider.CloseAll(); err != nil {
		log.WithError(err).Warn("provider failed to close")
		return fmt.Errorf("close provider: %w", err)
	}

	log.Debug("pool closed")
	return nil
}

// Stats returns pool statistics.
type Stats struct {
	// MaxConnections is the maximum number of checked-out connections.
	MaxConnections int
	// NumIdle is the current number of idle connections.
	NumIdle int
	// NumInUse is the number of connections currently checked out.
	NumInUse int
	// Available is MaxConnections minus NumInUse. It is derived from the
	// in-use set, not read from the admission semaphore, so it can run ahead
	// of the semaphore while a checkout or return is in progress.
	Available int
	// CheckoutCount is the total number of checkout attempts.
	CheckoutCount uint64
	// CheckoutSuccess is the number of successful checkouts.
	CheckoutSuccess uint64
	// CheckoutFailed is the number of failed checkouts.
	CheckoutFailed uint64
	// RecheckoutCount is the number of checkouts of an already checked-out key.
	RecheckoutCount uint64
	// ReusedCount is the number of checkouts served from the idle set.
	ReusedCount uint64
	// OpenedCount is the number of connections opened through the provider.
	OpenedCount uint64
	// ReturnCount is the number of returns.
	ReturnCount uint64
	// DiscardCount is the number of returned connections not kept for reuse.
	DiscardCount uint64
	// EvictedCount is the number of idle connections evicted by the sweeper.
	EvictedCount uint64
	// EvictFailed is the number of evictions the provider failed to dispose.
	EvictFailed uint64
}

// Stats returns current pool statistics.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	return Stats{
		MaxConnections:  p.config.MaxConnections,
		NumIdle:         len(p.idle),
		NumInUse:        len(p.inUse),
		Available:       p.config.MaxConnections - len(p.inUse),
		CheckoutCount:   atomic.LoadUint64(&p.checkoutCount),
		CheckoutSuccess: atomic.LoadUint64(&p.checkoutSuccess),
		CheckoutFailed:  atomic.LoadUint64(&p.checkoutFailed),
		RecheckoutCount: atomic.LoadUint64(&p.recheckoutCount),
		ReusedCount:     atomic.LoadUint64(&p.reusedCount),
		OpenedCount:     atomic.LoadUint64(&p.openedCount),
		ReturnCount:     atomic.LoadUint64(&p.returnCount),
		DiscardCount:    atomic.LoadUint64(&p.discardCount),
		EvictedCount:    atomic.LoadUint64(&p.evictedCount),
		EvictFailed:     atomic.LoadUint64(&p.evictFailed),
	}
}

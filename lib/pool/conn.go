package pool

import (
	"context"
	"fmt"
	"reflect"
)

// Key identifies a checked-out connection. Caller-supplied keys may be any
// comparable value; nil means "no key" and makes the pool generate a SeqKey.
type Key any

// SeqKey is a key generated by the pool. It is a distinct type so generated
// keys never collide with caller-supplied integers.
type SeqKey uint64

func (k SeqKey) String() string {
	return fmt.Sprintf("seq-%d", uint64(k))
}

// ConnID is the identity of a physical connection. Providers issue a unique
// ID per connection when they open it; the pool never compares connections
// by value.
type ConnID uint64

// TxState is the transaction state a connection reports when it is returned.
type TxState int

const (
	// TxIdle means no transaction is open; the connection can be reused.
	TxIdle TxState = iota
	// TxActive means a transaction is open.
	TxActive
	// TxInError means a transaction is open and a statement in it failed.
	TxInError
	// TxUnknown means the server side of the connection was lost.
	TxUnknown
)

func (s TxState) String() string {
	switch s {
	case TxIdle:
		return "idle"
	case TxActive:
		return "in-transaction"
	case TxInError:
		return "error"
	case TxUnknown:
		return "unknown"
	default:
		return fmt.Sprintf("TxState(%d)", int(s))
	}
}

// Conn is a physical connection handed out by a Provider.
type Conn interface {
	// ID returns the identity the provider assigned when opening the connection.
	ID() ConnID
	// IsClosed reports whether the connection has been closed.
	IsClosed() bool
	// TransactionState reports the connection's current transaction state.
	TransactionState() TxState
	// Rollback aborts the open transaction, if any.
	Rollback() error
	// Close closes the physical connection.
	Close() error
}

// Provider opens and destroys physical connections. The pool consults it only
// to open new connections and to permanently discard evicted or unusable ones.
type Provider interface {
	// Open opens a new physical connection. key is the key the connection
	// will be checked out under.
	Open(ctx context.Context, key Key) (Conn, error)
	// Dispose permanently returns a connection to the provider.
	Dispose(conn Conn) error
	// DisposeForced discards a connection the caller knows is unusable.
	DisposeForced(conn Conn, key Key) error
	// CloseAll closes the provider and every connection it still owns.
	CloseAll() error
	// IsClosed reports whether CloseAll has been called.
	IsClosed() bool
}

// validKey reports whether key can be stored in the in-use map.
func validKey(key Key) bool {
	return key == nil || reflect.ValueOf(key).Comparable()
}

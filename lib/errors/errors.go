// Package errors holds the error values shared by the pool, its providers and
// the command line driver.
//
// Conditions are sentinel values checked with errors.Is. Each pool or
// provider error wraps one of a small set of categories (closed, invalid
// input, invalid state, configuration, circuit open) so callers can branch
// on the category without knowing which layer produced it. Code maps an
// error to its category for logs and exit reporting.
package errors

import (
	"context"
	"errors"
	"fmt"
)

// Code is the category of a failure.
type Code int

const (
	CodeInternal Code = iota + 1
	CodeInvalidInput
	CodeNotFound
	CodeClosed
	CodeState
	CodeConfiguration
	CodeCircuitOpen
	CodeCanceled
)

var codeNames = map[Code]string{
	CodeInternal:      "internal",
	CodeInvalidInput:  "invalid input",
	CodeNotFound:      "not found",
	CodeClosed:        "closed",
	CodeState:         "invalid state",
	CodeConfiguration: "configuration",
	CodeCircuitOpen:   "circuit open",
	CodeCanceled:      "canceled",
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("code(%d)", int(c))
}

// Categories.
var (
	ErrNotFound      = errors.New("not found")
	ErrInvalidInput  = errors.New("invalid input")
	ErrClosed        = errors.New("closed")
	ErrInvalidState  = errors.New("invalid state")
	ErrConfiguration = errors.New("configuration error")

	// ErrCircuitOpen is returned without contacting the backend while a
	// circuit breaker is rejecting calls.
	ErrCircuitOpen = errors.New("circuit breaker is open")
)

// Pool errors.
var (
	// ErrPoolClosed is returned by Checkout and Return once the provider
	// reports closed.
	ErrPoolClosed = fmt.Errorf("pool: connection pool is %w", ErrClosed)

	// ErrUnkeyedConnection is returned by Return when no key was given and
	// the connection is not checked out under any key.
	ErrUnkeyedConnection = fmt.Errorf("pool: unkeyed connection: key %w", ErrNotFound)

	ErrInvalidKey        = fmt.Errorf("pool: key is not comparable: %w", ErrInvalidInput)
	ErrInvalidConnection = fmt.Errorf("pool: nil connection: %w", ErrInvalidInput)
	ErrInvalidPoolConfig = fmt.Errorf("pool: %w", ErrConfiguration)
)

// Provider errors.
var (
	ErrProviderClosed = fmt.Errorf("provider: %w", ErrClosed)

	// ErrForeignConnection is returned when a provider is handed a
	// connection it did not open.
	ErrForeignConnection = fmt.Errorf("provider: foreign connection: %w", ErrInvalidInput)

	ErrNoTransaction   = fmt.Errorf("provider: no transaction: %w", ErrInvalidState)
	ErrTransactionOpen = fmt.Errorf("provider: transaction already open: %w", ErrInvalidState)
)

// categories is checked in order; the first match decides the code. Circuit
// and cancellation come first since they may wrap driver errors.
var categories = []struct {
	target error
	code   Code
}{
	{ErrCircuitOpen, CodeCircuitOpen},
	{context.Canceled, CodeCanceled},
	{context.DeadlineExceeded, CodeCanceled},
	{ErrConfiguration, CodeConfiguration},
	{ErrClosed, CodeClosed},
	{ErrNotFound, CodeNotFound},
	{ErrInvalidInput, CodeInvalidInput},
	{ErrInvalidState, CodeState},
}

// Error attaches a code and a message that is safe to print to an
// underlying error that may not be, such as a driver error quoting a DSN.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return e.Message + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// SafeMessage returns the message without the underlying error.
func (e *Error) SafeMessage() string { return e.Message }

// Wrap returns err annotated with code and message. err may be nil.
func Wrap(code Code, message string, err error) *Error {
	if err != nil {
		log.WithField("code", code.String()).WithError(err).Debug(message)
	}
	return &Error{Code: code, Message: message, Err: err}
}

// CodeOf returns the code of the first *Error in err's tree, or else the
// code of the first category err wraps. A nil error has code 0.
func CodeOf(err error) Code {
	if err == nil {
		return 0
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	for _, c := range categories {
		if errors.Is(err, c.target) {
			return c.code
		}
	}
	return CodeInternal
}

// Join is errors.Join.
func Join(errs ...error) error { return errors.Join(errs...) }

// Is is errors.Is.
func Is(err, target error) bool { return errors.Is(err, target) }

// As is errors.As.
func As(err error, target any) bool { return errors.As(err, target) }

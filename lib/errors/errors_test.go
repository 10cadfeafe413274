package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestLayerErrorsWrapCategory(t *testing.T) {
	tests := []struct {
		err      error
		category error
		contains string
	}{
		{ErrPoolClosed, ErrClosed, "pool: connection pool is closed"},
		{ErrUnkeyedConnection, ErrNotFound, "unkeyed connection"},
		{ErrInvalidKey, ErrInvalidInput, "not comparable"},
		{ErrInvalidConnection, ErrInvalidInput, "nil connection"},
		{ErrInvalidPoolConfig, ErrConfiguration, "pool:"},
		{ErrProviderClosed, ErrClosed, "provider:"},
		{ErrForeignConnection, ErrInvalidInput, "foreign connection"},
		{ErrNoTransaction, ErrInvalidState, "no transaction"},
		{ErrTransactionOpen, ErrInvalidState, "already open"},
	}

	for _, tt := range tests {
		t.Run(tt.contains, func(t *testing.T) {
			if !errors.Is(tt.err, tt.category) {
				t.Errorf("%v does not wrap %v", tt.err, tt.category)
			}
			if !strings.Contains(tt.err.Error(), tt.contains) {
				t.Errorf("%q does not contain %q", tt.err, tt.contains)
			}
		})
	}
}

func TestPoolAndProviderClosedDistinct(t *testing.T) {
	if errors.Is(ErrPoolClosed, ErrProviderClosed) || errors.Is(ErrProviderClosed, ErrPoolClosed) {
		t.Error("pool closed and provider closed must be distinguishable")
	}
}

func TestWrapKeepsSecretsOutOfSafeMessage(t *testing.T) {
	driverErr := errors.New(`pq: password authentication failed for user "admin" (postgres://admin:hunter2@db:5432/app)`)
	err := Wrap(CodeConfiguration, "open connection", driverErr)

	if err.SafeMessage() != "open connection" {
		t.Errorf("SafeMessage() = %q", err.SafeMessage())
	}
	if strings.Contains(err.SafeMessage(), "hunter2") {
		t.Error("SafeMessage leaks the password")
	}
	if want := "open connection: " + driverErr.Error(); err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
	if !errors.Is(err, driverErr) {
		t.Error("wrapped error not reachable through errors.Is")
	}
}

func TestWrapNilError(t *testing.T) {
	err := Wrap(CodeState, "bad state", nil)
	if err.Error() != "bad state" {
		t.Errorf("Error() = %q", err.Error())
	}
	if err.Unwrap() != nil {
		t.Error("Unwrap() should be nil")
	}
}

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Code
	}{
		{"nil", nil, 0},
		{"plain", errors.New("boom"), CodeInternal},
		{"pool closed", ErrPoolClosed, CodeClosed},
		{"wrapped pool closed", fmt.Errorf("checkout: %w", ErrPoolClosed), CodeClosed},
		{"unkeyed", ErrUnkeyedConnection, CodeNotFound},
		{"invalid key", ErrInvalidKey, CodeInvalidInput},
		{"transaction", ErrTransactionOpen, CodeState},
		{"pool config", ErrInvalidPoolConfig, CodeConfiguration},
		{"circuit", fmt.Errorf("postgres-open: %w", ErrCircuitOpen), CodeCircuitOpen},
		{"canceled", fmt.Errorf("checkout: %w", context.Canceled), CodeCanceled},
		{"deadline", context.DeadlineExceeded, CodeCanceled},
		{"explicit code wins", Wrap(CodeConfiguration, "driver", ErrInvalidInput), CodeConfiguration},
		{"joined", Join(errors.New("probe failed"), ErrProviderClosed), CodeClosed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CodeOf(tt.err); got != tt.want {
				t.Errorf("CodeOf() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCodeString(t *testing.T) {
	if got := CodeCircuitOpen.String(); got != "circuit open" {
		t.Errorf("String() = %q", got)
	}
	if got := Code(99).String(); got != "code(99)" {
		t.Errorf("String() = %q", got)
	}
}

func TestAsFindsStructuredError(t *testing.T) {
	err := fmt.Errorf("create provider: %w", Wrap(CodeConfiguration, "driver and dsn are required", ErrConfiguration))

	var e *Error
	if !As(err, &e) {
		t.Fatal("As() did not find *Error")
	}
	if e.Code != CodeConfiguration {
		t.Errorf("Code = %v", e.Code)
	}
	if !Is(err, ErrConfiguration) {
		t.Error("Is() lost the category")
	}
}

func TestJoinAllNil(t *testing.T) {
	if err := Join(nil, nil); err != nil {
		t.Errorf("Join(nil, nil) = %v", err)
	}
}

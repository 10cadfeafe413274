// Package validation checks keyedpool configuration and command flags.
//
// Every validator returns nil or a *FieldError naming the offending field.
// FieldErrors wrap one of the package sentinels so callers can test the
// kind of problem with errors.Is. Messages never echo a DSN, which may
// carry a password.
package validation

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
)

var (
	ErrRequired      = errors.New("field is required")
	ErrInvalidFormat = errors.New("invalid format")
	ErrOutOfRange    = errors.New("value out of range")
	ErrUnsupported   = errors.New("unsupported value")
)

const (
	MaxDSNLength   = 4096
	MaxConnections = 10000
	MinIdleTimeout = 10 * time.Millisecond
	MaxDuration    = 365 * 24 * time.Hour
)

// Drivers lists the database/sql driver names keyedpool can open.
var Drivers = []string{"sqlite3", "mysql", "postgres"}

// FieldError reports an invalid field.
type FieldError struct {
	Field  string
	Reason string
	Err    error
}

func invalid(field string, kind error, format string, args ...any) *FieldError {
	return &FieldError{Field: field, Reason: fmt.Sprintf(format, args...), Err: kind}
}

func (e *FieldError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return e.Field + ": " + e.Reason
}

func (e *FieldError) Unwrap() error { return e.Err }

// Required rejects an empty or all-space value.
func Required(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return invalid(field, ErrRequired, "is required")
	}
	return nil
}

// IntRange checks lo <= value <= hi.
func IntRange(field string, value, lo, hi int) error {
	if value < lo || value > hi {
		return invalid(field, ErrOutOfRange, "must be between %d and %d, got %d", lo, hi, value)
	}
	return nil
}

// Positive checks value > 0.
func Positive(field string, value int) error {
	if value <= 0 {
		return invalid(field, ErrOutOfRange, "must be positive, got %d", value)
	}
	return nil
}

// DurationRange checks lo <= d <= hi.
func DurationRange(field string, d, lo, hi time.Duration) error {
	if d < lo || d > hi {
		return invalid(field, ErrOutOfRange, "must be between %s and %s, got %s", lo, hi, d)
	}
	return nil
}

// OneOf checks that value is a non-empty member of choices.
func OneOf(field, value string, choices []string) error {
	if err := Required(field, value); err != nil {
		return err
	}
	for _, c := range choices {
		if value == c {
			return nil
		}
	}
	return invalid(field, ErrUnsupported, "must be one of %s, got %q", strings.Join(choices, ", "), value)
}

// HostPort checks a listen address of the form [host]:port with a numeric
// port.
func HostPort(field, value string) error {
	if err := Required(field, value); err != nil {
		return err
	}
	_, port, err := net.SplitHostPort(value)
	if err != nil {
		return invalid(field, ErrInvalidFormat, "must be in host:port form")
	}
	if _, err := strconv.ParseUint(port, 10, 16); err != nil {
		return invalid(field, ErrInvalidFormat, "port %q is not a number in 0-65535", port)
	}
	return nil
}

// dsnCheckers parse a DSN the way the driver will. They return false if
// the driver would reject it.
var dsnCheckers = map[string]func(dsn string) bool{
	"mysql": func(dsn string) bool {
		_, err := mysql.ParseDSN(dsn)
		return err == nil
	},
	"postgres": func(dsn string) bool {
		if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
			_, err := pq.ParseURL(dsn)
			return err == nil
		}
		return strings.Contains(dsn, "=")
	},
	"sqlite3": func(string) bool { return true },
}

// DSN checks a data source name for driver. The driver's own parser is used
// where one is exported.
func DSN(field, driver, dsn string) error {
	if err := Required(field, dsn); err != nil {
		return err
	}
	if n := utf8.RuneCountInString(dsn); n > MaxDSNLength {
		return invalid(field, ErrOutOfRange, "is longer than %d characters", MaxDSNLength)
	}
	check, ok := dsnCheckers[driver]
	if !ok {
		return invalid(field, ErrUnsupported, "unknown driver %q", driver)
	}
	if !check(dsn) {
		return invalid(field, ErrInvalidFormat, "is not a valid %s DSN", driver)
	}
	return nil
}

// All runs checks in order and returns the first error.
func All(checks ...func() error) error {
	for _, check := range checks {
		if err := check(); err != nil {
			return err
		}
	}
	return nil
}

// Errors collects every failed check so a config file's problems are
// reported together.
type Errors []error

// Add appends err unless it is nil.
func (e *Errors) Add(err error) {
	if err != nil {
		*e = append(*e, err)
	}
}

// Err returns nil for an empty collection and e otherwise.
func (e Errors) Err() error {
	if len(e) == 0 {
		return nil
	}
	return e
}

func (e Errors) Error() string {
	msgs := make([]string, len(e))
	for i, err := range e {
		msgs[i] = err.Error()
	}
	if len(msgs) > 1 {
		return fmt.Sprintf("%d validation errors: %s", len(msgs), strings.Join(msgs, "; "))
	}
	return strings.Join(msgs, "")
}

func (e Errors) Unwrap() []error { return e }

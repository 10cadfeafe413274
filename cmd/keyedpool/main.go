// Package main implements the keyedpool command, a driver that runs a
// concurrent workload through the keyed connection pool.
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	apperrors "github.com/nossrannug/psycopg2-connection-pool/lib/errors"
	"github.com/nossrannug/psycopg2-connection-pool/version"
)

const (
	exitError    = 1
	exitWorkload = 2
)

const defaultConfigPath = "keyedpool.toml"

// options holds the flags shared by every subcommand.
type options struct {
	configPath string
	verbose    bool
	logFormat  string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		if err.Error() != "" {
			fmt.Fprintf(os.Stderr, "Error (%s): %v\n", apperrors.CodeOf(err), err)
		}
		var cErr *codedError
		if errors.As(err, &cErr) {
			os.Exit(cErr.code)
		}
		os.Exit(exitError)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:   "keyedpool",
		Short: "Drive a keyed database connection pool",
		Long: `keyedpool runs a bounded, keyed connection pool in front of a
database/sql driver (sqlite3, mysql or postgres) and exercises it with a
concurrent workload.

Configuration is read from a TOML or YAML file. KEYEDPOOL_* environment
variables override file values.`,
		Example: `  keyedpool config init --config keyedpool.toml
  keyedpool run --workers 16 --iterations 500
  keyedpool run --keyed --tx --metrics-listen 127.0.0.1:9090`,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return opts.setupLogging("info", "text")
		},
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version.Full(),
	}
	rootCmd.SetVersionTemplate("keyedpool version {{.Version}}\n")

	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", defaultConfigPath, "Path to the TOML or YAML configuration file")
	rootCmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&opts.logFormat, "log-format", "", "Log format: text or json (defaults to the config file)")

	rootCmd.AddCommand(newRunCmd(opts), newConfigCmd(opts))
	return rootCmd
}

// setupLogging installs the default slog logger. Flags win over the level
// and format passed in, which normally come from the config file.
func (o *options) setupLogging(level, format string) error {
	if o.verbose {
		level = "debug"
	}
	if o.logFormat != "" {
		format = o.logFormat
	}

	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("log level %q: %w", level, err)
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	switch strings.ToLower(format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	case "text":
		handler = slog.NewTextHandler(os.Stderr, opts)
	default:
		return fmt.Errorf("unknown log format %q", format)
	}
	slog.SetDefault(slog.New(handler))
	return nil
}

func errWithCode(err error, code int) error {
	return &codedError{err: err, code: code}
}

type codedError struct {
	err  error
	code int
}

func (e *codedError) Error() string {
	if e.err == nil {
		return ""
	}
	return e.err.Error()
}

func (e *codedError) Unwrap() error {
	return e.err
}

// Package config loads and validates keyedpool configuration. Files are TOML
// by default; a .yaml or .yml extension selects YAML. Environment variables
// prefixed KEYEDPOOL_ override file values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/nossrannug/psycopg2-connection-pool/lib/pool"
	"github.com/nossrannug/psycopg2-connection-pool/lib/resilience"
	"github.com/nossrannug/psycopg2-connection-pool/lib/sqlprovider"
	"github.com/nossrannug/psycopg2-connection-pool/lib/validation"
)

// Default configuration values
const (
	DefaultMaxConnections   = 10
	DefaultIdleTimeout      = 10 * time.Minute
	DefaultDriver           = "sqlite3"
	DefaultDSN              = "file:keyedpool.db?cache=shared"
	DefaultOpenTimeout      = 5 * time.Second
	DefaultFailureThreshold = 5
	DefaultSuccessThreshold = 2
	DefaultBreakerTimeout   = 30 * time.Second
	DefaultHalfOpenRequests = 3
	DefaultHealthInterval   = 30 * time.Second
	DefaultMetricsListen    = "127.0.0.1:9090"
	DefaultLogLevel         = "info"
	DefaultLogFormat        = "text"
)

// Duration is a time.Duration that reads and writes as a Go duration string
// ("10m", "1h30m") in both TOML and YAML.
type Duration time.Duration

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(v)
	return nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config holds all configuration for keyedpool.
type Config struct {
	Pool     PoolConfig     `toml:"pool" yaml:"pool"`
	Database DatabaseConfig `toml:"database" yaml:"database"`
	Breaker  BreakerConfig  `toml:"breaker" yaml:"breaker"`
	Metrics  MetricsConfig  `toml:"metrics" yaml:"metrics"`
	Log      LogConfig      `toml:"log" yaml:"log"`
}

// PoolConfig contains pool capacity settings.
type PoolConfig struct {
	// MaxConnections is the maximum number of connections checked out at once
	MaxConnections int `toml:"max_connections" yaml:"max_connections"`
	// IdleTimeout is how long an idle connection is kept before eviction
	IdleTimeout Duration `toml:"idle_timeout" yaml:"idle_timeout"`
}

// DatabaseConfig selects the database/sql driver and data source.
type DatabaseConfig struct {
	// Driver is one of sqlite3, mysql, postgres
	Driver string `toml:"driver" yaml:"driver"`
	// DSN is the driver-specific data source name
	DSN string `toml:"dsn" yaml:"dsn"`
	// OpenTimeout bounds a single connection open
	OpenTimeout Duration `toml:"open_timeout" yaml:"open_timeout"`
}

// BreakerConfig configures the circuit breaker guarding connection opens.
type BreakerConfig struct {
	Enabled             bool     `toml:"enabled" yaml:"enabled"`
	FailureThreshold    int      `toml:"failure_threshold" yaml:"failure_threshold"`
	SuccessThreshold    int      `toml:"success_threshold" yaml:"success_threshold"`
	Timeout             Duration `toml:"timeout" yaml:"timeout"`
	MaxHalfOpenRequests int      `toml:"max_half_open_requests" yaml:"max_half_open_requests"`
	// HealthInterval is how often the database is pinged; 0 disables probing
	HealthInterval Duration `toml:"health_interval" yaml:"health_interval"`
}

// MetricsConfig contains the Prometheus endpoint settings.
type MetricsConfig struct {
	// Enabled controls whether /metrics is served
	Enabled bool `toml:"enabled" yaml:"enabled"`
	// Listen is the address to bind the metrics server to
	Listen string `toml:"listen" yaml:"listen"`
}

// LogConfig controls the command's log output.
type LogConfig struct {
	// Level is one of debug, info, warn, error
	Level string `toml:"level" yaml:"level"`
	// Format is text or json
	Format string `toml:"format" yaml:"format"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Pool: PoolConfig{
			MaxConnections: DefaultMaxConnections,
			IdleTimeout:    Duration(DefaultIdleTimeout),
		},
		Database: DatabaseConfig{
			Driver:      DefaultDriver,
			DSN:         DefaultDSN,
			OpenTimeout: Duration(DefaultOpenTimeout),
		},
		Breaker: BreakerConfig{
			Enabled:             true,
			FailureThreshold:    DefaultFailureThreshold,
			SuccessThreshold:    DefaultSuccessThreshold,
			Timeout:             Duration(DefaultBreakerTimeout),
			MaxHalfOpenRequests: DefaultHalfOpenRequests,
			HealthInterval:      Duration(DefaultHealthInterval),
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Listen:  DefaultMetricsListen,
		},
		Log: LogConfig{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
		},
	}
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// LoadConfig reads configuration from a TOML or YAML file.
// If the file doesn't exist, it returns the default configuration.
// Environment variable overrides are applied before validation.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		log.WithField("path", path).Debug("config file not found, using defaults")
	} else {
		if isYAML(path) {
			err = yaml.Unmarshal(data, cfg)
		} else {
			err = toml.Unmarshal(data, cfg)
		}
		if err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// SaveConfig writes the configuration to path, as YAML for .yaml/.yml
// files and TOML otherwise. It creates the parent directory if it doesn't exist.
func SaveConfig(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = toml.Marshal(cfg)
	}
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}

// Validate checks the configuration for errors. Every problem is reported,
// not just the first.
func (c *Config) Validate() error {
	var errs validation.Errors

	errs.Add(validation.ValidatePoolParams(c.Pool.MaxConnections, c.Pool.IdleTimeout.Std()))

	if err := validation.OneOf("database.driver", c.Database.Driver, validation.Drivers); err != nil {
		errs.Add(err)
	} else {
		errs.Add(validation.DSN("database.dsn", c.Database.Driver, c.Database.DSN))
	}
	errs.Add(validation.DurationRange("database.open_timeout", c.Database.OpenTimeout.Std(), 0, validation.MaxDuration))

	if c.Breaker.Enabled {
		errs.Add(validation.Positive("breaker.failure_threshold", c.Breaker.FailureThreshold))
		errs.Add(validation.Positive("breaker.max_half_open_requests", c.Breaker.MaxHalfOpenRequests))
		// Closing takes SuccessThreshold trial calls, so they must all fit.
		errs.Add(validation.IntRange("breaker.success_threshold", c.Breaker.SuccessThreshold,
			1, max(c.Breaker.MaxHalfOpenRequests, 1)))
		errs.Add(validation.DurationRange("breaker.timeout", c.Breaker.Timeout.Std(), time.Millisecond, validation.MaxDuration))
		errs.Add(validation.DurationRange("breaker.health_interval", c.Breaker.HealthInterval.Std(), 0, validation.MaxDuration))
	}

	if c.Metrics.Enabled {
		errs.Add(validation.HostPort("metrics.listen", c.Metrics.Listen))
	}

	errs.Add(validation.OneOf("log.level", c.Log.Level, []string{"debug", "info", "warn", "error"}))
	errs.Add(validation.OneOf("log.format", c.Log.Format, []string{"text", "json"}))

	return errs.Err()
}

// PoolConfig returns the settings for pool.New.
func (c *Config) PoolConfig() pool.Config {
	return pool.Config{
		MaxConnections: c.Pool.MaxConnections,
		IdleTimeout:    c.Pool.IdleTimeout.Std(),
	}
}

// ProviderConfig returns the settings for sqlprovider.New.
func (c *Config) ProviderConfig() sqlprovider.Config {
	cfg := sqlprovider.Config{
		Driver:      c.Database.Driver,
		DSN:         c.Database.DSN,
		OpenTimeout: c.Database.OpenTimeout.Std(),
	}
	if c.Breaker.Enabled {
		cfg.Breaker = &resilience.CircuitBreakerConfig{
			FailureThreshold:    c.Breaker.FailureThreshold,
			SuccessThreshold:    c.Breaker.SuccessThreshold,
			Timeout:             c.Breaker.Timeout.Std(),
			MaxHalfOpenRequests: c.Breaker.MaxHalfOpenRequests,
		}
		cfg.HealthInterval = c.Breaker.HealthInterval.Std()
	}
	return cfg
}

// applyEnvOverrides applies KEYEDPOOL_* environment variables on top of cfg.
// Durations accept Go duration strings or a bare number of seconds.
// Unparseable values are logged and ignored.
func applyEnvOverrides(cfg *Config) {
	envString("KEYEDPOOL_DRIVER", &cfg.Database.Driver)
	envString("KEYEDPOOL_DSN", &cfg.Database.DSN)
	envDuration("KEYEDPOOL_OPEN_TIMEOUT", &cfg.Database.OpenTimeout)

	envInt("KEYEDPOOL_MAX_CONNECTIONS", &cfg.Pool.MaxConnections)
	envDuration("KEYEDPOOL_IDLE_TIMEOUT", &cfg.Pool.IdleTimeout)

	envBool("KEYEDPOOL_BREAKER_ENABLED", &cfg.Breaker.Enabled)
	envInt("KEYEDPOOL_BREAKER_FAILURE_THRESHOLD", &cfg.Breaker.FailureThreshold)
	envDuration("KEYEDPOOL_BREAKER_TIMEOUT", &cfg.Breaker.Timeout)
	envDuration("KEYEDPOOL_HEALTH_INTERVAL", &cfg.Breaker.HealthInterval)

	envBool("KEYEDPOOL_METRICS_ENABLED", &cfg.Metrics.Enabled)
	envString("KEYEDPOOL_METRICS_LISTEN", &cfg.Metrics.Listen)

	envString("KEYEDPOOL_LOG_LEVEL", &cfg.Log.Level)
	envString("KEYEDPOOL_LOG_FORMAT", &cfg.Log.Format)
}

func envString(name string, dst *string) {
	if v := os.Getenv(name); v != "" {
		*dst = v
	}
}

func envInt(name string, dst *int) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.WithField("env", name).WithError(err).Warn("ignoring invalid integer override")
		return
	}
	*dst = n
}

func envBool(name string, dst *bool) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.WithField("env", name).WithError(err).Warn("ignoring invalid boolean override")
		return
	}
	*dst = b
}

func envDuration(name string, dst *Duration) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	if secs, err := strconv.Atoi(v); err == nil {
		*dst = Duration(time.Duration(secs) * time.Second)
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.WithField("env", name).WithError(err).Warn("ignoring invalid duration override")
		return
	}
	*dst = Duration(d)
}

// Package config loads aiflow settings from a YAML file and the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"time"

	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"github.com/deepnoodle-ai/aiflow"
	"github.com/deepnoodle-ai/aiflow/backend"
	"github.com/deepnoodle-ai/aiflow/breaker"
	"github.com/deepnoodle-ai/aiflow/permission"
)

// Environment variables consulted by Load.
const (
	EnvConfig      = "AIFLOW_CONFIG"
	EnvAutonomy    = "AIFLOW_AUTONOMY"
	EnvLogLevel    = "AIFLOW_LOG_LEVEL"
	EnvAuditDSN    = "AIFLOW_AUDIT_DSN"
	EnvAuditDriver = "AIFLOW_AUDIT_DRIVER"
)

// Audit drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverJSONL    = "jsonl"
	DriverNone     = "none"
)

// Config holds every user-tunable setting.
type Config struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Autonomy is the configured permission level. Workflows may lower it
	// per run but never raise it.
	Autonomy string `yaml:"autonomy"`

	Breaker    breaker.Config           `yaml:"breaker"`
	Dispatcher Dispatcher               `yaml:"dispatcher"`
	Backends   map[string]backend.Route `yaml:"backends"`
	RateLimits map[string]RateLimit     `yaml:"rate_limits"`
	Audit      Audit                    `yaml:"audit"`

	CheckpointDir string `yaml:"checkpoint_dir"`
	PipelineDir   string `yaml:"pipeline_dir"`
}

// Dispatcher settings.
type Dispatcher struct {
	Timeout       time.Duration `yaml:"timeout"`
	MaxConcurrent int64         `yaml:"max_concurrent"`
}

// RateLimit allows PerSecond calls on average with bursts of Burst.
type RateLimit struct {
	PerSecond float64 `yaml:"per_second"`
	Burst     int     `yaml:"burst"`
}

// Audit selects where audit entries go. Path is the database file for
// sqlite and the directory for jsonl; DSN is used for postgres.
type Audit struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
	Path   string `yaml:"path"`
}

// Dir returns ~/.aiflow, or .aiflow when the home directory is unknown.
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".aiflow"
	}
	return filepath.Join(home, ".aiflow")
}

// Default returns the built-in configuration.
func Default() *Config {
	dir := Dir()
	return &Config{
		LogLevel:  "info",
		LogFormat: "text",
		Autonomy:  string(permission.ReadOnly),
		Breaker: breaker.Config{
			FailureThreshold: breaker.DefaultFailureThreshold,
			ResetTimeout:     breaker.DefaultResetTimeout,
		},
		Dispatcher: Dispatcher{
			Timeout:       backend.DefaultTimeout,
			MaxConcurrent: 4,
		},
		Audit: Audit{
			Driver: DriverSQLite,
			Path:   filepath.Join(dir, "audit.db"),
		},
		CheckpointDir: filepath.Join(dir, "checkpoints"),
		PipelineDir:   filepath.Join(dir, "pipelines"),
	}
}

// Path returns $AIFLOW_CONFIG, or ~/.aiflow/config.yaml.
func Path() string {
	if p := os.Getenv(EnvConfig); p != "" {
		return p
	}
	return filepath.Join(Dir(), "config.yaml")
}

// Load reads the file at path over the defaults, applies environment
// overrides and validates the result. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.ApplyEnv(os.Getenv)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from the environment.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if v := getenv(EnvAutonomy); v != "" {
		c.Autonomy = v
	}
	if v := getenv(EnvLogLevel); v != "" {
		c.LogLevel = v
	}
	if v := getenv(EnvAuditDriver); v != "" {
		c.Audit.Driver = v
	}
	if v := getenv(EnvAuditDSN); v != "" {
		c.Audit.DSN = v
		if getenv(EnvAuditDriver) == "" {
			c.Audit.Driver = DriverPostgres
		}
	}
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error
	if _, err := aiflow.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if !slices.Contains([]string{"", "text", "json"}, c.LogFormat) {
		errs = append(errs, fmt.Errorf("unknown log format %q", c.LogFormat))
	}
	if _, err := permission.ParseAutonomyLevel(c.Autonomy); err != nil {
		errs = append(errs, err)
	}
	if c.Breaker.FailureThreshold <= 0 {
		errs = append(errs, errors.New("breaker.failure_threshold must be positive"))
	}
	if c.Breaker.ResetTimeout <= 0 {
		errs = append(errs, errors.New("breaker.reset_timeout must be positive"))
	}
	if c.Dispatcher.Timeout <= 0 {
		errs = append(errs, errors.New("dispatcher.timeout must be positive"))
	}
	if c.Dispatcher.MaxConcurrent < 0 {
		errs = append(errs, errors.New("dispatcher.max_concurrent must not be negative"))
	}
	for _, name := range sortedKeys(c.Backends) {
		if _, err := backend.ParseBackend(name); err != nil {
			errs = append(errs, fmt.Errorf("backends: %w", err))
		}
	}
	for _, name := range sortedKeys(c.RateLimits) {
		if _, err := backend.ParseBackend(name); err != nil {
			errs = append(errs, fmt.Errorf("rate_limits: %w", err))
		}
		if l := c.RateLimits[name]; l.PerSecond <= 0 || l.Burst <= 0 {
			errs = append(errs, fmt.Errorf("rate_limits.%s: per_second and burst must be positive", name))
		}
	}
	switch c.Audit.Driver {
	case DriverSQLite, DriverJSONL:
		if c.Audit.Path == "" {
			errs = append(errs, fmt.Errorf("audit.path required for driver %s", c.Audit.Driver))
		}
	case DriverPostgres:
		if c.Audit.DSN == "" {
			errs = append(errs, errors.New("audit.dsn required for driver postgres"))
		}
	case DriverNone:
	default:
		errs = append(errs, fmt.Errorf("unknown audit driver %q", c.Audit.Driver))
	}
	return errors.Join(errs...)
}

// AutonomyLevel returns the configured level.
func (c *Config) AutonomyLevel() permission.AutonomyLevel {
	level, _ := permission.ParseAutonomyLevel(c.Autonomy)
	return level
}

// Logger builds the stderr logger described by LogLevel and LogFormat.
func (c *Config) Logger() *slog.Logger {
	level, _ := aiflow.ParseLevel(c.LogLevel)
	if c.LogFormat == "json" {
		return aiflow.NewJSONLogger(os.Stderr, level)
	}
	return aiflow.NewLogger(level)
}

// DispatcherOptions returns the dispatcher options for the timeout,
// concurrency cap, rate limits and backend overrides.
func (c *Config) DispatcherOptions() []backend.Option {
	opts := []backend.Option{
		backend.WithTimeout(c.Dispatcher.Timeout),
		backend.WithMaxConcurrent(c.Dispatcher.MaxConcurrent),
	}
	for _, name := range sortedKeys(c.Backends) {
		if b, err := backend.ParseBackend(name); err == nil {
			opts = append(opts, backend.WithRoute(b, c.Backends[name]))
		}
	}
	for _, name := range sortedKeys(c.RateLimits) {
		if b, err := backend.ParseBackend(name); err == nil {
			l := c.RateLimits[name]
			opts = append(opts, backend.WithRateLimit(b, rate.Limit(l.PerSecond), l.Burst))
		}
	}
	return opts
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

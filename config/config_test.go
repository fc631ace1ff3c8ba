package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/deepnoodle-ai/aiflow/backend"
	"github.com/deepnoodle-ai/aiflow/permission"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Setenv(EnvAutonomy, "")
	t.Setenv(EnvLogLevel, "")
	t.Setenv(EnvAuditDSN, "")
	t.Setenv(EnvAuditDriver, "")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
	require.Equal(t, 600*time.Second, cfg.Dispatcher.Timeout)
	require.Equal(t, permission.ReadOnly, cfg.AutonomyLevel())
	require.Equal(t, DriverSQLite, cfg.Audit.Driver)
}

func TestLoadFile(t *testing.T) {
	t.Setenv(EnvAutonomy, "")
	t.Setenv(EnvLogLevel, "")
	t.Setenv(EnvAuditDSN, "")
	t.Setenv(EnvAuditDriver, "")

	path := writeConfig(t, `
log_level: debug
log_format: json
autonomy: medium
breaker:
  failure_threshold: 5
  reset_timeout: 2m
dispatcher:
  timeout: 90s
  max_concurrent: 2
backends:
  gemini:
    primary_model: gemini-custom
  cursor-agent:
    command: /opt/bin/cursor-agent
rate_limits:
  droid:
    per_second: 0.5
    burst: 1
audit:
  driver: jsonl
  path: /var/log/aiflow
pipeline_dir: /etc/aiflow/pipelines
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "debug", cfg.LogLevel)
	require.Equal(t, permission.Medium, cfg.AutonomyLevel())
	require.Equal(t, 5, cfg.Breaker.FailureThreshold)
	require.Equal(t, 2*time.Minute, cfg.Breaker.ResetTimeout)
	require.Equal(t, 90*time.Second, cfg.Dispatcher.Timeout)
	require.Equal(t, "gemini-custom", cfg.Backends["gemini"].PrimaryModel)
	require.Equal(t, "/var/log/aiflow", cfg.Audit.Path)
	require.Equal(t, "/etc/aiflow/pipelines", cfg.PipelineDir)
	// Unset fields keep their defaults.
	require.Equal(t, Default().CheckpointDir, cfg.CheckpointDir)

	d := backend.NewDispatcher(cfg.DispatcherOptions()...)
	route, ok := d.Route(backend.Gemini)
	require.True(t, ok)
	require.Equal(t, "gemini-custom", route.PrimaryModel)
	require.Equal(t, backend.GeminiFallbackModel, route.FallbackModel)
	route, _ = d.Route(backend.Cursor)
	require.Equal(t, "/opt/bin/cursor-agent", route.Command)
}

func TestEnvOverrides(t *testing.T) {
	cfg := Default()
	env := map[string]string{
		EnvAutonomy: "autonomous",
		EnvLogLevel: "warn",
		EnvAuditDSN: "postgres://localhost/aiflow",
	}
	cfg.ApplyEnv(func(k string) string { return env[k] })
	require.NoError(t, cfg.Validate())
	require.Equal(t, permission.High, cfg.AutonomyLevel())
	require.Equal(t, "warn", cfg.LogLevel)
	require.Equal(t, DriverPostgres, cfg.Audit.Driver)

	env[EnvAuditDriver] = DriverNone
	cfg = Default()
	cfg.ApplyEnv(func(k string) string { return env[k] })
	require.Equal(t, DriverNone, cfg.Audit.Driver)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"log level", func(c *Config) { c.LogLevel = "loud" }, `unknown log level "loud"`},
		{"log format", func(c *Config) { c.LogFormat = "xml" }, `unknown log format "xml"`},
		{"autonomy", func(c *Config) { c.Autonomy = "reckless" }, `unknown autonomy level "reckless"`},
		{"threshold", func(c *Config) { c.Breaker.FailureThreshold = 0 }, "failure_threshold must be positive"},
		{"reset", func(c *Config) { c.Breaker.ResetTimeout = -time.Second }, "reset_timeout must be positive"},
		{"timeout", func(c *Config) { c.Dispatcher.Timeout = 0 }, "dispatcher.timeout must be positive"},
		{"backend", func(c *Config) { c.Backends = map[string]backend.Route{"claude": {}} }, `unsupported backend: "claude"`},
		{"rate limit", func(c *Config) { c.RateLimits = map[string]RateLimit{"qwen": {PerSecond: 1}} }, "burst must be positive"},
		{"audit driver", func(c *Config) { c.Audit.Driver = "mongo" }, `unknown audit driver "mongo"`},
		{"postgres dsn", func(c *Config) { c.Audit.Driver = DriverPostgres }, "audit.dsn required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			require.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}
}

func TestLoadRejectsBadYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "breaker: [1, 2"))
	require.ErrorContains(t, err, "parse config")
}

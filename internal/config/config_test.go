package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
  request_timeout_seconds: 30
auth:
  enabled: true
  api_key: secret
redis:
  url: redis://cache:6380/2
  pool_size: 50
  max_retries: 1
  min_retry_backoff_ms: 10
  max_retry_backoff_ms: 100
session:
  max_create_attempts: 3
events:
  enabled: true
  buffer_size: 64
  pubsub_project_id: proj
  pubsub_topic: session-events
archive:
  enabled: true
  dsn: postgres://user@db/archive
  local_dir: /var/lib/archive
logging:
  development: false
  level: warn
`
	require.NoError(t, os.WriteFile(path, []byte(configYAML), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, 9090, cfg.Server.Port)
	require.Equal(t, 30*time.Second, cfg.RequestTimeout())
	require.Equal(t, 10*time.Second, cfg.ShutdownTimeout(), "default kept")
	require.True(t, cfg.Auth.Enabled)
	require.Equal(t, "secret", cfg.Auth.APIKey)
	require.Equal(t, "redis://cache:6380/2", cfg.Redis.URL)
	require.Equal(t, 50, cfg.Redis.PoolSize)
	require.Equal(t, 100*time.Millisecond, cfg.Redis.MaxRetryBackoff())
	require.Equal(t, 3, cfg.Session.MaxCreateAttempts)
	require.Equal(t, 100, cfg.Session.ListLimitDefault)
	require.Equal(t, "session-events", cfg.Events.PubSubTopic)
	require.Equal(t, 500*time.Millisecond, cfg.Events.BatchWait())
	require.Equal(t, "session_archive", cfg.Archive.Table)
	require.Equal(t, "/var/lib/archive", cfg.Archive.LocalDir)
	require.False(t, cfg.Logging.Development)
	require.Equal(t, "warn", cfg.Logging.Level)
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 8080, cfg.Server.Port)
	require.Equal(t, "redis://localhost:6379/0", cfg.Redis.URL)
	require.Equal(t, 5, cfg.Session.MaxCreateAttempts)
	require.True(t, cfg.Events.Enabled)
	require.False(t, cfg.Archive.Enabled)
	require.False(t, cfg.Events.Persist)
	require.True(t, cfg.Logging.Development)
	require.False(t, cfg.Telemetry.Enabled)
	require.Equal(t, "crawl-session-coordinator", cfg.Telemetry.ServiceName)
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorContains(t, err, "read config")
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Server:  ServerConfig{Port: 8080, RequestTimeoutSec: 5},
		Redis:   RedisConfig{URL: "redis://localhost:6379", MinRetryBackoffMs: 1, MaxRetryBackoffMs: 2},
		Session: SessionConfig{MaxCreateAttempts: 1},
		Events:  EventsConfig{Enabled: true, BufferSize: 1},
	}
	require.NoError(t, base.Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"invalid port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"invalid timeout", func(c *Config) { c.Server.RequestTimeoutSec = 0 }, "server.request_timeout_seconds"},
		{"auth without key", func(c *Config) { c.Auth.Enabled = true }, "auth.api_key"},
		{"no redis url", func(c *Config) { c.Redis.URL = "" }, "redis.url"},
		{"backoff inverted", func(c *Config) { c.Redis.MinRetryBackoffMs = 10 }, "redis.min_retry_backoff_ms"},
		{"no create attempts", func(c *Config) { c.Session.MaxCreateAttempts = 0 }, "session.max_create_attempts"},
		{"no event buffer", func(c *Config) { c.Events.BufferSize = 0 }, "events.buffer_size"},
		{"topic without project", func(c *Config) { c.Events.PubSubTopic = "t" }, "events.pubsub_project_id"},
		{"persist without dsn", func(c *Config) { c.Events.Persist = true }, "events.persist"},
		{"telemetry without name", func(c *Config) { c.Telemetry.Enabled = true }, "telemetry.service_name"},
		{"archive without dsn", func(c *Config) {
			c.Archive.Enabled = true
			c.Archive.LocalDir = "/tmp"
		}, "archive.dsn"},
		{"archive without blob store", func(c *Config) {
			c.Archive.Enabled = true
			c.Archive.DSN = "postgres://x"
		}, "archive.gcs_bucket"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			require.True(t, strings.Contains(err.Error(), tt.want), "got %v", err)
		})
	}
}

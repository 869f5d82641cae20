// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. CRAWLSESSION_REDIS_URL.
const EnvPrefix = "CRAWLSESSION"

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Redis   RedisConfig   `mapstructure:"redis"`
	Session SessionConfig `mapstructure:"session"`
	Events  EventsConfig  `mapstructure:"events"`
	Archive ArchiveConfig `mapstructure:"archive"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port               int `mapstructure:"port"`
	RequestTimeoutSec  int `mapstructure:"request_timeout_seconds"`
	ShutdownTimeoutSec int `mapstructure:"shutdown_timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// RedisConfig points at the shared hash store.
type RedisConfig struct {
	URL               string `mapstructure:"url"`
	PoolSize          int    `mapstructure:"pool_size"`
	MaxRetries        int    `mapstructure:"max_retries"`
	MinRetryBackoffMs int    `mapstructure:"min_retry_backoff_ms"`
	MaxRetryBackoffMs int    `mapstructure:"max_retry_backoff_ms"`
	DialTimeoutMs     int    `mapstructure:"dial_timeout_ms"`
	ReadTimeoutMs     int    `mapstructure:"read_timeout_ms"`
}

// SessionConfig tunes the session manager.
type SessionConfig struct {
	MaxCreateAttempts int `mapstructure:"max_create_attempts"`
	ListLimitDefault  int `mapstructure:"list_limit_default"`
}

// EventsConfig controls the stats-channel listener and its sinks.
type EventsConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	BufferSize      int    `mapstructure:"buffer_size"`
	MaxBatchEvents  int    `mapstructure:"max_batch_events"`
	MaxBatchWaitMs  int    `mapstructure:"max_batch_wait_ms"`
	// Persist tallies events into Postgres at archive.dsn.
	Persist         bool   `mapstructure:"persist"`
	PubSubProjectID string `mapstructure:"pubsub_project_id"`
	PubSubTopic     string `mapstructure:"pubsub_topic"`
}

// ArchiveConfig controls retiring sessions into durable storage.
type ArchiveConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	DSN       string `mapstructure:"dsn"`
	Table     string `mapstructure:"table"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	LocalDir  string `mapstructure:"local_dir"`
	Prefix    string `mapstructure:"prefix"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TelemetryConfig controls OpenTelemetry tracing.
type TelemetryConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout_seconds", 15)
	v.SetDefault("server.shutdown_timeout_seconds", 10)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.pool_size", 20)
	v.SetDefault("redis.max_retries", 3)
	v.SetDefault("redis.min_retry_backoff_ms", 8)
	v.SetDefault("redis.max_retry_backoff_ms", 512)
	v.SetDefault("redis.dial_timeout_ms", 5000)
	v.SetDefault("redis.read_timeout_ms", 3000)
	v.SetDefault("session.max_create_attempts", 5)
	v.SetDefault("session.list_limit_default", 100)
	v.SetDefault("events.enabled", true)
	v.SetDefault("events.buffer_size", 1024)
	v.SetDefault("events.max_batch_events", 200)
	v.SetDefault("events.max_batch_wait_ms", 500)
	v.SetDefault("events.persist", false)
	v.SetDefault("archive.enabled", false)
	v.SetDefault("archive.table", "session_archive")
	v.SetDefault("archive.prefix", "sessions")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.service_name", "crawl-session-coordinator")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Server.RequestTimeoutSec <= 0 {
		return fmt.Errorf("server.request_timeout_seconds must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Redis.URL == "" {
		return fmt.Errorf("redis.url is required")
	}
	if c.Redis.MinRetryBackoffMs > c.Redis.MaxRetryBackoffMs {
		return fmt.Errorf("redis.min_retry_backoff_ms must be <= redis.max_retry_backoff_ms")
	}
	if c.Session.MaxCreateAttempts <= 0 {
		return fmt.Errorf("session.max_create_attempts must be > 0")
	}
	if c.Events.Enabled && c.Events.BufferSize <= 0 {
		return fmt.Errorf("events.buffer_size must be > 0 when events are enabled")
	}
	if (c.Events.PubSubTopic == "") != (c.Events.PubSubProjectID == "") {
		return fmt.Errorf("events.pubsub_project_id and events.pubsub_topic must be set together")
	}
	if c.Events.Persist && c.Archive.DSN == "" {
		return fmt.Errorf("archive.dsn must be set when events.persist is enabled")
	}
	if c.Telemetry.Enabled && c.Telemetry.ServiceName == "" {
		return fmt.Errorf("telemetry.service_name must be set when telemetry is enabled")
	}
	if c.Archive.Enabled {
		if c.Archive.DSN == "" {
			return fmt.Errorf("archive.dsn must be set when archive is enabled")
		}
		if c.Archive.GCSBucket == "" && c.Archive.LocalDir == "" {
			return fmt.Errorf("archive.gcs_bucket or archive.local_dir must be set when archive is enabled")
		}
	}
	return nil
}

// RequestTimeout is the per-request budget for API handlers.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Server.RequestTimeoutSec) * time.Second
}

// ShutdownTimeout bounds graceful server shutdown.
func (c Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownTimeoutSec) * time.Second
}

// BatchWait is the longest the event hub holds a partial batch.
func (c EventsConfig) BatchWait() time.Duration {
	return time.Duration(c.MaxBatchWaitMs) * time.Millisecond
}

func millis(n int) time.Duration { return time.Duration(n) * time.Millisecond }

// MinRetryBackoff converts the configured millis.
func (c RedisConfig) MinRetryBackoff() time.Duration { return millis(c.MinRetryBackoffMs) }

// MaxRetryBackoff converts the configured millis.
func (c RedisConfig) MaxRetryBackoff() time.Duration { return millis(c.MaxRetryBackoffMs) }

// DialTimeout converts the configured millis.
func (c RedisConfig) DialTimeout() time.Duration { return millis(c.DialTimeoutMs) }

// ReadTimeout converts the configured millis.
func (c RedisConfig) ReadTimeout() time.Duration { return millis(c.ReadTimeoutMs) }

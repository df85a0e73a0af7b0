// Package config loads and validates gateway configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Service   ServiceConfig   `mapstructure:"service"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Backend   BackendConfig   `mapstructure:"backend"`
	Store     StoreConfig     `mapstructure:"store"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Tasks     TasksConfig     `mapstructure:"tasks"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Consumer  ConsumerConfig  `mapstructure:"consumer"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
	// Region is the handling-region hint reported by the health route.
	Region string `mapstructure:"region"`
	// RegionHeader, when set, names an edge request header that overrides Region.
	RegionHeader    string        `mapstructure:"region_header"`
	CORSOrigin      string        `mapstructure:"cors_origin"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// ServiceConfig is the identity reported by the health and version routes.
type ServiceConfig struct {
	Name    string `mapstructure:"name"`
	Version string `mapstructure:"version"`
	Commit  string `mapstructure:"commit"`
}

// AuthConfig defines the API key allow-list and failed-attempt limits.
type AuthConfig struct {
	APIKeys        []string      `mapstructure:"api_keys"`
	Header         string        `mapstructure:"header"`
	ClientIPHeader string        `mapstructure:"client_ip_header"`
	MaxFailures    int64         `mapstructure:"max_failures"`
	FailureWindow  time.Duration `mapstructure:"failure_window"`
}

// BackendConfig points at the backend executor.
type BackendConfig struct {
	BaseURL       string        `mapstructure:"base_url"`
	ServiceKey    string        `mapstructure:"service_key"`
	ServiceHeader string        `mapstructure:"service_header"`
	ExecutePath   string        `mapstructure:"execute_path"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

// StoreConfig selects the key-value cache store.
type StoreConfig struct {
	Provider string      `mapstructure:"provider"`
	Redis    RedisConfig `mapstructure:"redis"`
}

// RedisConfig holds go-redis connection options.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// CacheConfig controls the response cache layer.
type CacheConfig struct {
	ResponseTTL time.Duration `mapstructure:"response_ttl"`
}

// TasksConfig governs task creation and retry behavior.
type TasksConfig struct {
	TTL               time.Duration `mapstructure:"ttl"`
	DefaultMaxResults int           `mapstructure:"default_max_results"`
	// MaxAttempts is the number of failed executions before a task is marked
	// failed. Zero leaves retries entirely to the queue.
	MaxAttempts int      `mapstructure:"max_attempts"`
	Platforms   []string `mapstructure:"platforms"`
}

// QueueConfig selects and sizes the work queue.
type QueueConfig struct {
	Provider      string        `mapstructure:"provider"`
	Capacity      int           `mapstructure:"capacity"`
	BatchSize     int           `mapstructure:"batch_size"`
	Concurrency   int           `mapstructure:"concurrency"`
	MaxDeliveries int           `mapstructure:"max_deliveries"`
	RetryDelay    time.Duration `mapstructure:"retry_delay"`
	MaxRetryDelay time.Duration `mapstructure:"max_retry_delay"`
	PubSub        PubSubConfig  `mapstructure:"pubsub"`
}

// PubSubConfig holds Google Cloud Pub/Sub resource names.
type PubSubConfig struct {
	ProjectID    string `mapstructure:"project_id"`
	Topic        string `mapstructure:"topic"`
	Subscription string `mapstructure:"subscription"`
}

// ConsumerConfig controls the queue consumer.
type ConsumerConfig struct {
	// Embedded runs the consumer inside the serve process.
	Embedded     bool    `mapstructure:"embedded"`
	BackendRPS   float64 `mapstructure:"backend_rps"`
	BackendBurst int     `mapstructure:"backend_burst"`
}

// DatabaseConfig configures the optional Postgres task archive.
type DatabaseConfig struct {
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TelemetryConfig toggles OpenTelemetry tracing.
type TelemetryConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// Load builds a Config from disk/environment. A .env file in the working
// directory is loaded first when present.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix("GATEWAY")
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
	cfg.Auth.APIKeys = normalizeList(cfg.Auth.APIKeys)
	cfg.Tasks.Platforms = normalizeList(cfg.Tasks.Platforms)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.region", "local")
	v.SetDefault("server.region_header", "")
	v.SetDefault("server.cors_origin", "*")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("service.name", "keypick-gateway")
	v.SetDefault("service.version", "0.1.0")
	v.SetDefault("service.commit", "dev")
	// Registered so AutomaticEnv can populate them from GATEWAY_AUTH_API_KEYS etc.
	v.SetDefault("auth.api_keys", []string{})
	v.SetDefault("auth.header", "X-API-Key")
	v.SetDefault("auth.client_ip_header", "CF-Connecting-IP")
	v.SetDefault("auth.max_failures", 10)
	v.SetDefault("auth.failure_window", "1h")
	v.SetDefault("backend.base_url", "")
	v.SetDefault("backend.service_key", "")
	v.SetDefault("backend.service_header", "X-Service-Key")
	v.SetDefault("backend.execute_path", "/api/crawl/execute")
	v.SetDefault("backend.timeout", "120s")
	v.SetDefault("store.provider", "memory")
	v.SetDefault("store.redis.addr", "localhost:6379")
	v.SetDefault("store.redis.password", "")
	v.SetDefault("store.redis.db", 0)
	v.SetDefault("cache.response_ttl", "1h")
	v.SetDefault("tasks.ttl", "24h")
	v.SetDefault("tasks.default_max_results", 10)
	v.SetDefault("tasks.max_attempts", 3)
	v.SetDefault("tasks.platforms", []string{})
	v.SetDefault("queue.provider", "memory")
	v.SetDefault("queue.capacity", 256)
	v.SetDefault("queue.batch_size", 10)
	v.SetDefault("queue.concurrency", 4)
	v.SetDefault("queue.max_deliveries", 5)
	v.SetDefault("queue.retry_delay", "5s")
	v.SetDefault("queue.max_retry_delay", "1m")
	v.SetDefault("queue.pubsub.project_id", "")
	v.SetDefault("queue.pubsub.topic", "")
	v.SetDefault("queue.pubsub.subscription", "")
	v.SetDefault("consumer.embedded", true)
	v.SetDefault("consumer.backend_rps", 0)
	v.SetDefault("consumer.backend_burst", 1)
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.table", "task_archive")
	v.SetDefault("database.max_conns", 4)
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "")
	v.SetDefault("telemetry.enabled", false)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Backend.BaseURL == "" {
		return fmt.Errorf("backend.base_url must be set")
	}
	u, err := url.Parse(c.Backend.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("backend.base_url must be an absolute URL")
	}
	if len(c.Auth.APIKeys) == 0 {
		return fmt.Errorf("auth.api_keys must contain at least one key")
	}
	if c.Auth.MaxFailures <= 0 {
		return fmt.Errorf("auth.max_failures must be > 0")
	}
	if c.Tasks.TTL <= 0 {
		return fmt.Errorf("tasks.ttl must be > 0")
	}
	if c.Tasks.MaxAttempts < 0 {
		return fmt.Errorf("tasks.max_attempts must be >= 0")
	}
	switch c.Store.Provider {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown store.provider %q", c.Store.Provider)
	}
	switch c.Queue.Provider {
	case "memory":
	case "pubsub":
		p := c.Queue.PubSub
		if p.ProjectID == "" || p.Topic == "" || p.Subscription == "" {
			return fmt.Errorf("queue.pubsub project_id, topic and subscription must be set for the pubsub provider")
		}
	default:
		return fmt.Errorf("unknown queue.provider %q", c.Queue.Provider)
	}
	if c.Queue.Concurrency <= 0 || c.Queue.BatchSize <= 0 {
		return fmt.Errorf("queue.concurrency and queue.batch_size must be > 0")
	}
	return nil
}

// normalizeList splits comma-joined entries, trims whitespace, and drops empties.
func normalizeList(in []string) []string {
	var out []string
	for _, entry := range in {
		for _, part := range strings.Split(entry, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

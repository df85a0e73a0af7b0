package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
  region: iad
auth:
  api_keys: ["alpha", " beta "]
  max_failures: 5
  failure_window: 30m
backend:
  base_url: https://backend.internal
  service_key: internal-secret
  timeout: 45s
store:
  provider: redis
  redis:
    addr: cache:6379
tasks:
  ttl: 12h
  max_attempts: 0
  platforms: ["xhs", "weibo"]
queue:
  provider: pubsub
  pubsub:
    project_id: proj
    topic: crawl-tasks
    subscription: crawl-tasks-sub
logging:
  development: true
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 || cfg.Server.Region != "iad" {
		t.Fatalf("expected server overrides, got %+v", cfg.Server)
	}
	if len(cfg.Auth.APIKeys) != 2 || cfg.Auth.APIKeys[1] != "beta" {
		t.Fatalf("expected trimmed api keys, got %q", cfg.Auth.APIKeys)
	}
	if cfg.Auth.MaxFailures != 5 || cfg.Auth.FailureWindow != 30*time.Minute {
		t.Fatalf("expected auth limits to apply, got %+v", cfg.Auth)
	}
	if cfg.Backend.Timeout != 45*time.Second || cfg.Backend.ServiceKey != "internal-secret" {
		t.Fatalf("expected backend overrides, got %+v", cfg.Backend)
	}
	if cfg.Store.Provider != "redis" || cfg.Store.Redis.Addr != "cache:6379" {
		t.Fatalf("expected redis store, got %+v", cfg.Store)
	}
	if cfg.Tasks.TTL != 12*time.Hour || cfg.Tasks.MaxAttempts != 0 {
		t.Fatalf("expected task overrides, got %+v", cfg.Tasks)
	}
	if strings.Join(cfg.Tasks.Platforms, ",") != "xhs,weibo" {
		t.Fatalf("expected platform allow-list, got %q", cfg.Tasks.Platforms)
	}
	if cfg.Queue.PubSub.Subscription != "crawl-tasks-sub" {
		t.Fatalf("expected pubsub subscription, got %+v", cfg.Queue.PubSub)
	}
	if !cfg.Logging.Development {
		t.Fatalf("expected development logging")
	}
}

func TestLoadDefaultsFromEnv(t *testing.T) {
	t.Setenv("GATEWAY_BACKEND_BASE_URL", "http://localhost:9000")
	t.Setenv("GATEWAY_AUTH_API_KEYS", "k1, k2,,k3")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Server.Port)
	}
	if got := strings.Join(cfg.Auth.APIKeys, "|"); got != "k1|k2|k3" {
		t.Fatalf("expected comma-separated keys to split, got %q", got)
	}
	if cfg.Auth.Header != "X-API-Key" || cfg.Auth.ClientIPHeader != "CF-Connecting-IP" {
		t.Fatalf("unexpected auth header defaults: %+v", cfg.Auth)
	}
	if cfg.Auth.MaxFailures != 10 || cfg.Auth.FailureWindow != time.Hour {
		t.Fatalf("unexpected auth limit defaults: %+v", cfg.Auth)
	}
	if cfg.Cache.ResponseTTL != time.Hour || cfg.Tasks.TTL != 24*time.Hour {
		t.Fatalf("unexpected ttl defaults: cache=%v tasks=%v", cfg.Cache.ResponseTTL, cfg.Tasks.TTL)
	}
	if cfg.Tasks.MaxAttempts != 3 || cfg.Tasks.DefaultMaxResults != 10 {
		t.Fatalf("unexpected task defaults: %+v", cfg.Tasks)
	}
	if cfg.Backend.ExecutePath != "/api/crawl/execute" || cfg.Backend.ServiceHeader != "X-Service-Key" {
		t.Fatalf("unexpected backend defaults: %+v", cfg.Backend)
	}
	if cfg.Store.Provider != "memory" || cfg.Queue.Provider != "memory" {
		t.Fatalf("expected in-memory providers by default")
	}
	if len(cfg.Tasks.Platforms) != 0 {
		t.Fatalf("expected empty platform allow-list, got %q", cfg.Tasks.Platforms)
	}
}

func TestValidateErrors(t *testing.T) {
	t.Parallel()

	valid := func() Config {
		return Config{
			Server:  ServerConfig{Port: 8080},
			Auth:    AuthConfig{APIKeys: []string{"k"}, MaxFailures: 10},
			Backend: BackendConfig{BaseURL: "http://backend"},
			Store:   StoreConfig{Provider: "memory"},
			Tasks:   TasksConfig{TTL: time.Hour},
			Queue:   QueueConfig{Provider: "memory", Concurrency: 1, BatchSize: 1},
		}
	}
	if err := valid().Validate(); err != nil {
		t.Fatalf("baseline config should validate: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing backend", func(c *Config) { c.Backend.BaseURL = "" }},
		{"relative backend", func(c *Config) { c.Backend.BaseURL = "/backend" }},
		{"no api keys", func(c *Config) { c.Auth.APIKeys = nil }},
		{"zero port", func(c *Config) { c.Server.Port = 0 }},
		{"zero max failures", func(c *Config) { c.Auth.MaxFailures = 0 }},
		{"negative attempts", func(c *Config) { c.Tasks.MaxAttempts = -1 }},
		{"unknown store", func(c *Config) { c.Store.Provider = "etcd" }},
		{"unknown queue", func(c *Config) { c.Queue.Provider = "kafka" }},
		{"pubsub without names", func(c *Config) { c.Queue.Provider = "pubsub" }},
		{"zero concurrency", func(c *Config) { c.Queue.Concurrency = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}

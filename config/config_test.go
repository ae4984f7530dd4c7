package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// clearGatewayEnv unsets the variables Load reads so the host environment
// cannot leak into a test.
func clearGatewayEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"PORT", "API_TARGET", "API_CONTEXT_PATH", "LOG_LEVEL", "LOG_FORMAT",
		"VERBOSE_401", "STORAGE_TYPE", "SQLITE_PATH", "POSTGRES_URL",
		"POSTGRES_MAX_CONNS", "MONGODB_URL", "MONGODB_DATABASE", "REDIS_URL",
		"CACHE_TYPE", "REPORTING_ENABLED", "REPORTING_RETENTION_DAYS",
		"METRICS_ENABLED", "METRICS_ENDPOINT", "HTTP_TIMEOUT",
		"HTTP_RESPONSE_HEADER_TIMEOUT", "JWT_SECRET", "ACME_API_KEY",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	t.Chdir(dir)
	t.Setenv("GATEWAY_CONFIG", path)
	return path
}

const fullConfig = `
server:
  port: "${TEST_GATEWAY_PORT:-9000}"
api:
  id: orders
  context_path: /orders
  target: ${TEST_GATEWAY_TARGET}
  circuit_breaker:
    enabled: false
logging:
  mode: CLIENT_AND_PROXY
  scope: REQUEST_RESPONSE
  content: HEADERS_PAYLOADS
  max_size_log_message: 2
  excluded_response_types: "video.*"
messages:
  enabled: true
  sampling:
    type: temporal
    interval: 2s
  log_enabled: true
  log_condition: "index > 5"
security:
  verbose_401: true
  skip_paths: [/health]
  plans:
    - id: gold
      security: api_key
      order: 10
    - id: partners
      security: jwt
      jwt:
        secret: s3cret
        issuer: idp
    - id: free
      security: keyless
subscriptions:
  - id: sub-1
    plan: gold
    application: app-1
    credential_type: API_KEY
    credential: key-1
    ending_at: 2030-01-01T00:00:00Z
cache:
  type: local
  ttl: 1m
`

func TestLoad_FullFile(t *testing.T) {
	clearGatewayEnv(t)
	t.Setenv("TEST_GATEWAY_TARGET", "http://upstream:8000")
	writeConfig(t, fullConfig)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Server.Port != "9000" {
		t.Errorf("expected port 9000 from default expansion, got %s", cfg.Server.Port)
	}
	if cfg.API.Target != "http://upstream:8000" {
		t.Errorf("expected expanded target, got %s", cfg.API.Target)
	}
	if cfg.API.ContextPath != "/orders" || cfg.API.ID != "orders" {
		t.Errorf("unexpected api section: %+v", cfg.API)
	}
	if cfg.API.Breaker.Enabled {
		t.Error("expected breaker disabled")
	}
	if cfg.API.Breaker.MaxRequests != 3 {
		t.Errorf("expected breaker defaults kept, got %d", cfg.API.Breaker.MaxRequests)
	}
	if cfg.Logging.Mode != "CLIENT_AND_PROXY" || cfg.Logging.MaxSizeLogMessage != 2 {
		t.Errorf("unexpected logging section: %+v", cfg.Logging)
	}
	if cfg.Messages.Sampling.Type != "temporal" || cfg.Messages.Sampling.Interval != 2*time.Second {
		t.Errorf("unexpected sampling: %+v", cfg.Messages.Sampling)
	}
	if len(cfg.Security.Plans) != 3 || cfg.Security.Plans[1].JWT.Issuer != "idp" {
		t.Errorf("unexpected plans: %+v", cfg.Security.Plans)
	}
	if len(cfg.Subscriptions) != 1 {
		t.Fatalf("expected 1 subscription, got %d", len(cfg.Subscriptions))
	}
	want := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	if !cfg.Subscriptions[0].EndingAt.Equal(want) {
		t.Errorf("expected ending_at %v, got %v", want, cfg.Subscriptions[0].EndingAt)
	}
	if cfg.Cache.TTL != time.Minute {
		t.Errorf("expected cache ttl 1m, got %v", cfg.Cache.TTL)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	clearGatewayEnv(t)
	t.Setenv("TEST_GATEWAY_TARGET", "http://upstream:8000")
	t.Setenv("TEST_GATEWAY_PORT", "7000")
	t.Setenv("API_TARGET", "https://override:443")
	writeConfig(t, fullConfig)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Server.Port != "7000" {
		t.Errorf("expected port from env reference, got %s", cfg.Server.Port)
	}
	if cfg.API.Target != "https://override:443" {
		t.Errorf("expected API_TARGET to win, got %s", cfg.API.Target)
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	clearGatewayEnv(t)
	t.Chdir(t.TempDir())
	t.Setenv("GATEWAY_CONFIG", filepath.Join(t.TempDir(), "absent.yaml"))
	t.Setenv("API_TARGET", "http://localhost:3000")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Server.Port != "8080" {
		t.Errorf("expected default port, got %s", cfg.Server.Port)
	}
	if cfg.Logging.MaxSizeLogMessage != 1 {
		t.Errorf("expected default max size 1, got %d", cfg.Logging.MaxSizeLogMessage)
	}
	if cfg.Cache.Type != "local" {
		t.Errorf("expected default cache type local, got %s", cfg.Cache.Type)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	clearGatewayEnv(t)
	writeConfig(t, "api: [unclosed")

	if _, err := Load(); err == nil {
		t.Fatal("expected parse error, got nil")
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := buildDefaultConfig()
		cfg.API.Target = "http://upstream"
		cfg.Security.Plans = []PlanConfig{{ID: "gold", Security: PlanAPIKey}}
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(cfg *Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "missing target", mutate: func(cfg *Config) { cfg.API.Target = "" }, wantErr: "api.target is required"},
		{name: "relative target", mutate: func(cfg *Config) { cfg.API.Target = "/upstream" }, wantErr: "absolute http(s) URL"},
		{name: "bad context path", mutate: func(cfg *Config) { cfg.API.ContextPath = "orders" }, wantErr: "must start with /"},
		{
			name:    "duplicate plan",
			mutate:  func(cfg *Config) { cfg.Security.Plans = append(cfg.Security.Plans, PlanConfig{ID: "gold", Security: PlanKeyless}) },
			wantErr: "duplicate plan id",
		},
		{
			name:    "unknown security",
			mutate:  func(cfg *Config) { cfg.Security.Plans[0].Security = "oauth2" },
			wantErr: "unknown security type",
		},
		{
			name:    "jwt without secret",
			mutate:  func(cfg *Config) { cfg.Security.Plans[0].Security = PlanJWT },
			wantErr: "jwt.secret is required",
		},
		{
			name:    "subscription to unknown plan",
			mutate:  func(cfg *Config) { cfg.Subscriptions = []SubscriptionConfig{{Plan: "silver", Credential: "k"}} },
			wantErr: "unknown plan",
		},
		{
			name:    "redis without url",
			mutate:  func(cfg *Config) { cfg.Cache.Type = "redis" },
			wantErr: "cache.redis.url is required",
		},
		{
			name:    "unknown storage",
			mutate:  func(cfg *Config) { cfg.Storage.Type = "cassandra" },
			wantErr: "unknown storage type",
		},
		{
			name: "postgresql without pool size",
			mutate: func(cfg *Config) {
				cfg.Storage.Type = "postgresql"
				cfg.Storage.PostgreSQL.URL = "postgres://localhost/gateway"
				cfg.Storage.PostgreSQL.MaxConns = 0
			},
			wantErr: "max_conns must be positive",
		},
		{
			name: "postgresql min above max",
			mutate: func(cfg *Config) {
				cfg.Storage.Type = "postgresql"
				cfg.Storage.PostgreSQL.URL = "postgres://localhost/gateway"
				cfg.Storage.PostgreSQL.MinConns = 20
			},
			wantErr: "min_conns must be between",
		},
		{
			name: "mongodb without database",
			mutate: func(cfg *Config) {
				cfg.Storage.Type = "mongodb"
				cfg.Storage.MongoDB.URL = "mongodb://localhost:27017"
				cfg.Storage.MongoDB.Database = ""
			},
			wantErr: "storage.mongodb.database is required",
		},
		{
			name: "sqlite without path",
			mutate: func(cfg *Config) {
				cfg.Storage.Type = "sqlite"
				cfg.Storage.SQLite.Path = ""
			},
			wantErr: "storage.sqlite.path is required",
		},
		{
			name:    "bad body limit",
			mutate:  func(cfg *Config) { cfg.Server.BodySizeLimit = "lots" },
			wantErr: "invalid body_size_limit",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestLoad_ExampleFile(t *testing.T) {
	clearGatewayEnv(t)
	example, err := filepath.Abs(filepath.Join("..", "config.example.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	t.Chdir(t.TempDir())
	t.Setenv("GATEWAY_CONFIG", example)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.API.Target != "http://localhost:3000" {
		t.Errorf("expected default target, got %s", cfg.API.Target)
	}
	if len(cfg.Security.Plans) != 3 {
		t.Errorf("expected 3 plans, got %d", len(cfg.Security.Plans))
	}
	if cfg.Security.Plans[0].JWT.Secret != "change-me" {
		t.Errorf("expected default jwt secret, got %q", cfg.Security.Plans[0].JWT.Secret)
	}
	if cfg.Policies.TransformHeaders.Request.Set["X-Gateway"] != "apigateway" {
		t.Errorf("unexpected transform rules: %+v", cfg.Policies.TransformHeaders)
	}
	if cfg.Reporting.FlushInterval != 5*time.Second {
		t.Errorf("expected flush interval 5s, got %v", cfg.Reporting.FlushInterval)
	}
	if cfg.Logging.Mode != "CLIENT_AND_PROXY" {
		t.Errorf("expected CLIENT_AND_PROXY logging mode, got %s", cfg.Logging.Mode)
	}
	if cfg.Storage.PostgreSQL.MaxConnLifetime != time.Hour || cfg.Storage.MongoDB.ConnectTimeout != 10*time.Second {
		t.Errorf("unexpected storage settings: %+v", cfg.Storage)
	}
}

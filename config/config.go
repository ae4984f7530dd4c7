// Package config provides configuration management for the gateway.
//
// Configuration is read from an optional .env file, then from config.yaml
// (GATEWAY_CONFIG overrides the path). String values may reference the
// environment as ${VAR} or ${VAR:-default}. A few well-known environment
// variables override the file last.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultConfigPath is read when GATEWAY_CONFIG is unset.
const DefaultConfigPath = "config.yaml"

// Config holds the gateway configuration.
type Config struct {
	Server        ServerConfig         `yaml:"server"`
	API           APIConfig            `yaml:"api"`
	Log           LogConfig            `yaml:"log"`
	Logging       LoggingConfig        `yaml:"logging"`
	Messages      MessagesConfig       `yaml:"messages"`
	Security      SecurityConfig       `yaml:"security"`
	Policies      PoliciesConfig       `yaml:"policies"`
	Subscriptions []SubscriptionConfig `yaml:"subscriptions"`
	Cache         CacheConfig          `yaml:"cache"`
	Storage       StorageConfig        `yaml:"storage"`
	Reporting     ReportingConfig      `yaml:"reporting"`
	Metrics       MetricsConfig        `yaml:"metrics"`
	HTTP          HTTPConfig           `yaml:"http"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port string `yaml:"port"`
	// BodySizeLimit caps client request bodies, e.g. "10M". Empty means no cap.
	BodySizeLimit string `yaml:"body_size_limit"`
	// ShutdownTimeout bounds the graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// APIConfig describes the proxied API.
type APIConfig struct {
	ID          string        `yaml:"id"`
	ContextPath string        `yaml:"context_path"`
	Target      string        `yaml:"target"`
	Breaker     BreakerConfig `yaml:"circuit_breaker"`
}

// BreakerConfig configures the upstream circuit breaker.
type BreakerConfig struct {
	Enabled      bool          `yaml:"enabled"`
	MaxRequests  uint32        `yaml:"max_requests"`
	Interval     time.Duration `yaml:"interval"`
	Timeout      time.Duration `yaml:"timeout"`
	MinRequests  uint32        `yaml:"min_requests"`
	FailureRatio float64       `yaml:"failure_ratio"`
}

// LogConfig configures the process logs.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// LoggingConfig is the transaction logging definition of the API.
type LoggingConfig struct {
	// Mode is NONE, CLIENT, PROXY or CLIENT_AND_PROXY.
	Mode string `yaml:"mode"`
	// Scope is NONE, REQUEST, RESPONSE or REQUEST_RESPONSE.
	Scope string `yaml:"scope"`
	// Content is NONE, HEADERS, PAYLOADS or HEADERS_PAYLOADS.
	Content string `yaml:"content"`
	// MaxSizeLogMessage caps each captured body, in MB. Negative means no cap.
	MaxSizeLogMessage int `yaml:"max_size_log_message"`
	// ExcludedResponseTypes is a regex of content types never captured.
	ExcludedResponseTypes string `yaml:"excluded_response_types"`
	// RedactHeaders are extra header names masked in captured headers.
	RedactHeaders []string `yaml:"redact_headers"`
}

// MessagesConfig enables message tracking of event streams.
type MessagesConfig struct {
	Enabled      bool           `yaml:"enabled"`
	Sampling     SamplingConfig `yaml:"sampling"`
	LogEnabled   bool           `yaml:"log_enabled"`
	LogCondition string         `yaml:"log_condition"`
}

// SamplingConfig selects the message sampling strategy.
type SamplingConfig struct {
	Type        string        `yaml:"type"`
	Count       int64         `yaml:"count"`
	Probability float64       `yaml:"probability"`
	Interval    time.Duration `yaml:"interval"`
}

// SecurityConfig holds the plans of the API.
type SecurityConfig struct {
	Verbose401 bool `yaml:"verbose_401"`
	// SkipPaths are path prefixes served without security.
	SkipPaths []string     `yaml:"skip_paths"`
	Plans     []PlanConfig `yaml:"plans"`
}

// Plan security types.
const (
	PlanKeyless = "keyless"
	PlanAPIKey  = "api_key"
	PlanJWT     = "jwt"
)

// PlanConfig is one plan of the API.
type PlanConfig struct {
	ID            string       `yaml:"id"`
	Security      string       `yaml:"security"`
	Order         int          `yaml:"order"`
	SelectionRule string       `yaml:"selection_rule"`
	APIKey        APIKeyConfig `yaml:"api_key"`
	JWT           JWTConfig    `yaml:"jwt"`
}

// APIKeyConfig configures an API key plan.
type APIKeyConfig struct {
	Header    string `yaml:"header"`
	Query     string `yaml:"query"`
	Propagate bool   `yaml:"propagate"`
}

// JWTConfig configures a JWT plan.
type JWTConfig struct {
	Secret              string `yaml:"secret"`
	ClientIDClaim       string `yaml:"client_id_claim"`
	Issuer              string `yaml:"issuer"`
	RemoveAuthorization bool   `yaml:"remove_authorization"`
}

// PoliciesConfig enables the built-in request and response policies.
type PoliciesConfig struct {
	TransformHeaders TransformHeadersConfig `yaml:"transform_headers"`
	RedactLog        RedactLogConfig        `yaml:"redact_log"`
	ExcludedTypes    ExcludedTypesConfig    `yaml:"excluded_response_types"`
}

// HeaderRulesConfig adds, overwrites and removes headers.
type HeaderRulesConfig struct {
	Set    map[string]string `yaml:"set"`
	Remove []string          `yaml:"remove"`
}

// TransformHeadersConfig configures header rewriting.
type TransformHeadersConfig struct {
	Order    int               `yaml:"order"`
	Request  HeaderRulesConfig `yaml:"request"`
	Response HeaderRulesConfig `yaml:"response"`
}

// RedactLogConfig configures header masking in transaction logs.
type RedactLogConfig struct {
	Enabled bool     `yaml:"enabled"`
	Order   int      `yaml:"order"`
	Headers []string `yaml:"headers"`
	Mask    string   `yaml:"mask"`
}

// ExcludedTypesConfig overrides the excluded response types for some paths.
type ExcludedTypesConfig struct {
	Pattern string   `yaml:"pattern"`
	Paths   []string `yaml:"paths"`
	Order   int      `yaml:"order"`
}

// SubscriptionConfig declares a subscription of an application to a plan.
type SubscriptionConfig struct {
	ID             string    `yaml:"id"`
	Plan           string    `yaml:"plan"`
	Application    string    `yaml:"application"`
	CredentialType string    `yaml:"credential_type"`
	Credential     string    `yaml:"credential"`
	EndingAt       time.Time `yaml:"ending_at"`
}

// CacheConfig configures the subscription cache.
type CacheConfig struct {
	// Type is "local", "redis" or "none".
	Type  string           `yaml:"type"`
	TTL   time.Duration    `yaml:"ttl"`
	Redis RedisCacheConfig `yaml:"redis"`
}

// RedisCacheConfig holds Redis connection settings.
type RedisCacheConfig struct {
	URL    string `yaml:"url"`
	Prefix string `yaml:"prefix"`
}

// StorageConfig selects the database of the reporter.
type StorageConfig struct {
	// Type is "sqlite", "postgresql", "mongodb" or empty for none.
	Type       string           `yaml:"type"`
	SQLite     SQLiteConfig     `yaml:"sqlite"`
	PostgreSQL PostgreSQLConfig `yaml:"postgresql"`
	MongoDB    MongoDBConfig    `yaml:"mongodb"`
}

// SQLiteConfig holds SQLite settings.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// PostgreSQLConfig holds PostgreSQL settings.
type PostgreSQLConfig struct {
	URL             string        `yaml:"url"`
	MaxConns        int           `yaml:"max_conns"`
	MinConns        int           `yaml:"min_conns"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"`
}

// MongoDBConfig holds MongoDB settings.
type MongoDBConfig struct {
	URL            string        `yaml:"url"`
	Database       string        `yaml:"database"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// ReportingConfig configures the reporter.
type ReportingConfig struct {
	Enabled       bool          `yaml:"enabled"`
	BufferSize    int           `yaml:"buffer_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	RetentionDays int           `yaml:"retention_days"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
}

// HTTPConfig configures the upstream HTTP client. Values are in seconds.
type HTTPConfig struct {
	Timeout               int `yaml:"timeout"`
	ResponseHeaderTimeout int `yaml:"response_header_timeout"`
}

// buildDefaultConfig returns the configuration used when nothing is set.
func buildDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            "8080",
			ShutdownTimeout: 30 * time.Second,
		},
		API: APIConfig{
			ID:          "default",
			ContextPath: "/",
			Breaker: BreakerConfig{
				Enabled:      true,
				MaxRequests:  3,
				Interval:     time.Minute,
				Timeout:      30 * time.Second,
				MinRequests:  10,
				FailureRatio: 0.6,
			},
		},
		Log: LogConfig{Level: "info", Format: "auto"},
		Logging: LoggingConfig{
			Mode:              "NONE",
			Scope:             "NONE",
			Content:           "NONE",
			MaxSizeLogMessage: 1,
		},
		Cache: CacheConfig{
			Type: "local",
			TTL:  5 * time.Minute,
		},
		Storage: StorageConfig{
			SQLite:     SQLiteConfig{Path: "data/apigateway.db"},
			PostgreSQL: PostgreSQLConfig{MaxConns: 10, MaxConnLifetime: time.Hour},
			MongoDB:    MongoDBConfig{Database: "apigateway", ConnectTimeout: 10 * time.Second},
		},
		Reporting: ReportingConfig{
			BufferSize:    1000,
			FlushInterval: 5 * time.Second,
			RetentionDays: 30,
		},
		Metrics: MetricsConfig{Endpoint: "/metrics"},
		HTTP: HTTPConfig{
			Timeout:               0,
			ResponseHeaderTimeout: 60,
		},
	}
}

// Load reads the configuration. A missing config file is not an error.
func Load() (*Config, error) {
	// Optional .env; real environment variables win.
	_ = godotenv.Load()

	cfg := buildDefaultConfig()

	path := os.Getenv("GATEWAY_CONFIG")
	if path == "" {
		path = DefaultConfigPath
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := parseYAML(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// parseYAML decodes data over cfg after expanding environment references.
func parseYAML(data []byte, cfg *Config) error {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return err
	}
	if len(root.Content) == 0 {
		return nil
	}
	expandNode(&root)
	return root.Decode(cfg)
}

// expandNode expands environment references in every scalar of n.
func expandNode(n *yaml.Node) {
	if n.Kind == yaml.ScalarNode && n.Tag != "!!binary" {
		if expanded := expandString(n.Value); expanded != n.Value {
			n.Value = expanded
			// Re-resolve the tag so "${PORT:-8080}" can decode into an int.
			n.Tag = ""
			n.Style = 0
		}
		return
	}
	for _, child := range n.Content {
		expandNode(child)
	}
}

// expandString replaces ${VAR} and ${VAR:-default} references. A reference
// to an unset or empty variable without a default is left as is.
func expandString(s string) string {
	if !strings.Contains(s, "${") {
		return s
	}

	var b strings.Builder
	for {
		start := strings.Index(s, "${")
		if start < 0 {
			b.WriteString(s)
			break
		}
		end := strings.Index(s[start:], "}")
		if end < 0 {
			b.WriteString(s)
			break
		}
		end += start

		b.WriteString(s[:start])
		ref := s[start+2 : end]
		name, def, hasDefault := strings.Cut(ref, ":-")
		switch value := os.Getenv(name); {
		case value != "":
			b.WriteString(value)
		case hasDefault:
			b.WriteString(def)
		default:
			b.WriteString(s[start : end+1])
		}
		s = s[end+1:]
	}
	return b.String()
}

// applyEnvOverrides applies the well-known environment variables.
func applyEnvOverrides(cfg *Config) error {
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setBool := func(key string, dst *bool) error {
		v := os.Getenv(key)
		if v == "" {
			return nil
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", key, v, err)
		}
		*dst = b
		return nil
	}
	setInt := func(key string, dst *int) error {
		v := os.Getenv(key)
		if v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", key, v, err)
		}
		*dst = n
		return nil
	}

	setString("PORT", &cfg.Server.Port)
	setString("API_TARGET", &cfg.API.Target)
	setString("API_CONTEXT_PATH", &cfg.API.ContextPath)
	setString("LOG_LEVEL", &cfg.Log.Level)
	setString("LOG_FORMAT", &cfg.Log.Format)
	setString("STORAGE_TYPE", &cfg.Storage.Type)
	setString("SQLITE_PATH", &cfg.Storage.SQLite.Path)
	setString("POSTGRES_URL", &cfg.Storage.PostgreSQL.URL)
	setString("MONGODB_URL", &cfg.Storage.MongoDB.URL)
	setString("MONGODB_DATABASE", &cfg.Storage.MongoDB.Database)
	setString("CACHE_TYPE", &cfg.Cache.Type)
	setString("REDIS_URL", &cfg.Cache.Redis.URL)
	setString("METRICS_ENDPOINT", &cfg.Metrics.Endpoint)

	for key, dst := range map[string]*bool{
		"VERBOSE_401":       &cfg.Security.Verbose401,
		"REPORTING_ENABLED": &cfg.Reporting.Enabled,
		"METRICS_ENABLED":   &cfg.Metrics.Enabled,
	} {
		if err := setBool(key, dst); err != nil {
			return err
		}
	}
	for key, dst := range map[string]*int{
		"POSTGRES_MAX_CONNS":           &cfg.Storage.PostgreSQL.MaxConns,
		"REPORTING_RETENTION_DAYS":     &cfg.Reporting.RetentionDays,
		"HTTP_TIMEOUT":                 &cfg.HTTP.Timeout,
		"HTTP_RESPONSE_HEADER_TIMEOUT": &cfg.HTTP.ResponseHeaderTimeout,
	} {
		if err := setInt(key, dst); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks the settings that cannot be defaulted.
func (c *Config) Validate() error {
	if c.API.Target == "" {
		return errors.New("api.target is required")
	}
	target, err := url.Parse(c.API.Target)
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		return fmt.Errorf("api.target %q must be an absolute http(s) URL", c.API.Target)
	}
	if !strings.HasPrefix(c.API.ContextPath, "/") {
		return fmt.Errorf("api.context_path %q must start with /", c.API.ContextPath)
	}

	seen := make(map[string]bool, len(c.Security.Plans))
	for i, plan := range c.Security.Plans {
		if plan.ID == "" {
			return fmt.Errorf("security.plans[%d]: id is required", i)
		}
		if seen[plan.ID] {
			return fmt.Errorf("security.plans[%d]: duplicate plan id %q", i, plan.ID)
		}
		seen[plan.ID] = true

		switch plan.Security {
		case PlanKeyless, PlanAPIKey:
		case PlanJWT:
			if plan.JWT.Secret == "" {
				return fmt.Errorf("plan %q: jwt.secret is required", plan.ID)
			}
		default:
			return fmt.Errorf("plan %q: unknown security type %q", plan.ID, plan.Security)
		}
	}

	for i, sub := range c.Subscriptions {
		if !seen[sub.Plan] {
			return fmt.Errorf("subscriptions[%d]: unknown plan %q", i, sub.Plan)
		}
		if sub.Credential == "" {
			return fmt.Errorf("subscriptions[%d]: credential is required", i)
		}
	}

	switch c.Cache.Type {
	case "", "none", "local":
	case "redis":
		if c.Cache.Redis.URL == "" {
			return errors.New("cache.redis.url is required for the redis cache")
		}
	default:
		return fmt.Errorf("unknown cache type %q", c.Cache.Type)
	}

	if err := c.Storage.validate(); err != nil {
		return err
	}

	if c.Server.BodySizeLimit != "" {
		if err := validateBodySizeLimit(c.Server.BodySizeLimit); err != nil {
			return err
		}
	}
	return nil
}

func (s StorageConfig) validate() error {
	switch s.Type {
	case "":
	case "sqlite":
		if s.SQLite.Path == "" {
			return errors.New("storage.sqlite.path is required")
		}
	case "postgresql":
		if s.PostgreSQL.URL == "" {
			return errors.New("storage.postgresql.url is required")
		}
		if s.PostgreSQL.MaxConns <= 0 {
			return fmt.Errorf("storage.postgresql.max_conns must be positive, got %d", s.PostgreSQL.MaxConns)
		}
		if s.PostgreSQL.MinConns < 0 || s.PostgreSQL.MinConns > s.PostgreSQL.MaxConns {
			return fmt.Errorf("storage.postgresql.min_conns must be between 0 and max_conns, got %d", s.PostgreSQL.MinConns)
		}
	case "mongodb":
		if s.MongoDB.URL == "" {
			return errors.New("storage.mongodb.url is required")
		}
		if s.MongoDB.Database == "" {
			return errors.New("storage.mongodb.database is required")
		}
	default:
		return fmt.Errorf("unknown storage type %q (valid: sqlite, postgresql, mongodb)", s.Type)
	}
	return nil
}

// validateBodySizeLimit accepts the echo body limit syntax: a number with an
// optional K, M, G, T or P suffix (optionally followed by B).
func validateBodySizeLimit(limit string) error {
	s := strings.ToUpper(strings.TrimSpace(limit))
	s = strings.TrimSuffix(s, "B")
	if s == "" {
		return fmt.Errorf("invalid body_size_limit %q", limit)
	}
	if last := s[len(s)-1]; strings.IndexByte("KMGTP", last) >= 0 {
		s = s[:len(s)-1]
	}
	if n, err := strconv.ParseUint(s, 10, 64); err != nil || n == 0 {
		return fmt.Errorf("invalid body_size_limit %q", limit)
	}
	return nil
}

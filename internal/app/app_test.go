package app

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"apigateway/config"
	"apigateway/internal/reporter"
	"apigateway/internal/storage"
	"apigateway/internal/subscription"
)

func testConfig(target string) *config.Config {
	return &config.Config{
		API: config.APIConfig{
			ID:          "orders",
			ContextPath: "/api",
			Target:      target,
		},
		Logging: config.LoggingConfig{
			Mode:              "CLIENT_AND_PROXY",
			Scope:             "REQUEST_RESPONSE",
			Content:           "HEADERS_PAYLOADS",
			MaxSizeLogMessage: 1,
		},
		Security: config.SecurityConfig{
			Verbose401: true,
			Plans: []config.PlanConfig{
				{ID: "gold", Security: config.PlanAPIKey},
			},
		},
		Subscriptions: []config.SubscriptionConfig{
			{ID: "sub-1", Plan: "gold", Application: "app-1", CredentialType: "API_KEY", Credential: "key-0123456789"},
		},
		Cache: config.CacheConfig{Type: "local", TTL: time.Minute},
	}
}

func TestNew_RequiresConfig(t *testing.T) {
	_, err := New(context.Background(), Config{})
	assert.Error(t, err)
}

func TestApp_EndToEnd(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"ok":true}`)
	}))
	defer upstream.Close()

	dbPath := filepath.Join(t.TempDir(), "gateway.db")
	cfg := testConfig(upstream.URL)
	cfg.Storage = config.StorageConfig{Type: storage.TypeSQLite, SQLite: config.SQLiteConfig{Path: dbPath}}
	cfg.Reporting = config.ReportingConfig{Enabled: true, BufferSize: 10, FlushInterval: time.Hour}
	cfg.Metrics = config.MetricsConfig{Enabled: true, Endpoint: "/metrics"}

	application, err := New(context.Background(), Config{AppConfig: cfg, Registry: prometheus.NewRegistry()})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	application.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/orders", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/orders", nil)
	req.Header.Set("X-Api-Key", "key-0123456789")
	rec = httptest.NewRecorder()
	application.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ok":true}`, rec.Body.String())

	rec = httptest.NewRecorder()
	application.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `apigateway_requests_total{api="orders",method="GET",plan="gold",status="200"} 1`)
	assert.Contains(t, rec.Body.String(), `status="401"`)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, application.Shutdown(ctx))
	require.NoError(t, application.Shutdown(ctx), "shutdown is idempotent")

	// The reporter flushed both transaction logs on shutdown.
	store, err := storage.NewSQLite(storage.SQLiteConfig{Path: dbPath})
	require.NoError(t, err)
	defer store.Close()

	var count int
	err = store.SQLiteDB().QueryRow(`SELECT COUNT(*) FROM gateway_logs WHERE kind = ? AND api_id = ?`, reporter.KindLog, "orders").Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestApp_InvalidConfigurationReleasesResources(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:1")
	cfg.Storage = config.StorageConfig{Type: storage.TypeSQLite, SQLite: config.SQLiteConfig{Path: filepath.Join(t.TempDir(), "gateway.db")}}
	cfg.Reporting = config.ReportingConfig{Enabled: true}
	cfg.Logging.Mode = "EVERYTHING"

	_, err := New(context.Background(), Config{AppConfig: cfg})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid logging configuration")
}

func TestBuildSecurity(t *testing.T) {
	t.Run("no plans", func(t *testing.T) {
		chain, err := buildSecurity(config.SecurityConfig{}, nil)
		require.NoError(t, err)
		assert.Nil(t, chain)
	})

	t.Run("plans are ordered", func(t *testing.T) {
		chain, err := buildSecurity(config.SecurityConfig{Plans: []config.PlanConfig{
			{ID: "free", Security: config.PlanKeyless},
			{ID: "gold", Security: config.PlanAPIKey},
			{ID: "partners", Security: config.PlanJWT, JWT: config.JWTConfig{Secret: "s3cret"}},
		}}, nil)
		require.NoError(t, err)

		var plans []string
		for _, c := range chain.Candidates() {
			plans = append(plans, c.PlanID)
		}
		assert.Equal(t, []string{"partners", "gold", "free"}, plans)
	})

	t.Run("jwt without secret", func(t *testing.T) {
		_, err := buildSecurity(config.SecurityConfig{Plans: []config.PlanConfig{
			{ID: "partners", Security: config.PlanJWT},
		}}, nil)
		assert.Error(t, err)
	})

	t.Run("invalid selection rule", func(t *testing.T) {
		_, err := buildSecurity(config.SecurityConfig{Plans: []config.PlanConfig{
			{ID: "gold", Security: config.PlanAPIKey, SelectionRule: "method =="},
		}}, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid selection rule")
	})
}

func TestBuildMessages(t *testing.T) {
	opts, err := buildMessages(config.MessagesConfig{})
	require.NoError(t, err)
	assert.Nil(t, opts)

	opts, err = buildMessages(config.MessagesConfig{
		Enabled:      true,
		Sampling:     config.SamplingConfig{Type: "count", Count: 5},
		LogEnabled:   true,
		LogCondition: `index > 1`,
	})
	require.NoError(t, err)
	require.NotNil(t, opts)
	assert.True(t, opts.LogEnabled)
	assert.NotNil(t, opts.LogCondition)

	_, err = buildMessages(config.MessagesConfig{Enabled: true, Sampling: config.SamplingConfig{Type: "sometimes"}})
	assert.Error(t, err)

	_, err = buildMessages(config.MessagesConfig{Enabled: true, LogCondition: "index >"})
	assert.Error(t, err)
}

func TestBuildPolicies(t *testing.T) {
	chain, err := buildPolicies(config.PoliciesConfig{}, nil)
	require.NoError(t, err)
	assert.Zero(t, chain.Len())

	chain, err = buildPolicies(config.PoliciesConfig{
		RedactLog: config.RedactLogConfig{Enabled: true, Headers: []string{"X-Customer"}, Order: 2},
		TransformHeaders: config.TransformHeadersConfig{
			Order:   1,
			Request: config.HeaderRulesConfig{Set: map[string]string{"X-Gateway": "on"}},
		},
		ExcludedTypes: config.ExcludedTypesConfig{Pattern: "image/.*"},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"excluded-response-types", "transform-headers", "redact-log"}, chain.Names())

	_, err = buildPolicies(config.PoliciesConfig{ExcludedTypes: config.ExcludedTypesConfig{Pattern: "("}}, nil)
	assert.Error(t, err)
}

func TestBuildSubscriptions(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig("http://127.0.0.1:1")

	lookup := func(t *testing.T, f subscription.Fetcher) {
		t.Helper()
		sub, err := f.Fetch(ctx, "orders", "gold", "API_KEY", "key-0123456789")
		require.NoError(t, err)
		assert.Equal(t, "app-1", sub.ApplicationID)
	}

	t.Run("none", func(t *testing.T) {
		cfg.Cache = config.CacheConfig{Type: "none"}
		f, closer, err := buildSubscriptions(ctx, cfg)
		require.NoError(t, err)
		assert.Nil(t, closer)
		lookup(t, f)
	})

	t.Run("local", func(t *testing.T) {
		cfg.Cache = config.CacheConfig{Type: "local", TTL: time.Minute}
		f, closer, err := buildSubscriptions(ctx, cfg)
		require.NoError(t, err)
		defer closer.Close()
		lookup(t, f)
		lookup(t, f)
	})

	t.Run("redis", func(t *testing.T) {
		mr := miniredis.RunT(t)
		cfg.Cache = config.CacheConfig{Type: "redis", TTL: time.Minute, Redis: config.RedisCacheConfig{URL: "redis://" + mr.Addr()}}
		f, closer, err := buildSubscriptions(ctx, cfg)
		require.NoError(t, err)
		defer closer.Close()
		lookup(t, f)

		var cached bool
		for _, key := range mr.Keys() {
			cached = cached || strings.HasPrefix(key, subscription.DefaultRedisPrefix)
		}
		assert.True(t, cached, "lookup was written through to redis")
	})

	t.Run("redis unreachable", func(t *testing.T) {
		cfg.Cache = config.CacheConfig{Type: "redis", Redis: config.RedisCacheConfig{URL: "redis://127.0.0.1:1"}}
		_, _, err := buildSubscriptions(ctx, cfg)
		assert.Error(t, err)
	})
}

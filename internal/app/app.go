// Package app provides the main application struct for centralized dependency management
// and lifecycle control of the gateway.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"apigateway/config"
	"apigateway/internal/reporter"
	"apigateway/internal/server"
	"apigateway/internal/storage"
)

// App represents the main application with all its dependencies.
// It provides centralized lifecycle management for all components.
type App struct {
	config   *config.Config
	storage  storage.Storage
	reporter *reporter.Service
	cache    io.Closer
	server   *server.Server

	shutdownMu sync.Mutex
	shutdown   bool
}

// Config holds the configuration options for creating an App.
type Config struct {
	// AppConfig is the loaded gateway configuration.
	AppConfig *config.Config

	// Registry receives the gateway metrics. Nil uses the default
	// Prometheus registry.
	Registry *prometheus.Registry
}

// New creates a new App with all dependencies initialized.
// The caller must call Shutdown to release resources.
func New(ctx context.Context, cfg Config) (*App, error) {
	if cfg.AppConfig == nil {
		return nil, fmt.Errorf("app config is required")
	}
	appCfg := cfg.AppConfig

	app := &App{config: appCfg}

	// Storage and reporter
	var collectors *reporter.Collectors
	var metricsHandler http.Handler
	if appCfg.Metrics.Enabled {
		var reg prometheus.Registerer = prometheus.DefaultRegisterer
		metricsHandler = promhttp.Handler()
		if cfg.Registry != nil {
			reg = cfg.Registry
			metricsHandler = promhttp.HandlerFor(cfg.Registry, promhttp.HandlerOpts{})
		}
		collectors = reporter.NewCollectors(reg)
	}

	if appCfg.Reporting.Enabled && appCfg.Storage.Type != "" {
		store, err := storage.New(ctx, storageConfig(appCfg.Storage))
		if err != nil {
			return nil, fmt.Errorf("failed to initialize storage: %w", err)
		}
		app.storage = store
	}
	reportStore, err := reporter.NewStore(ctx, app.storage, appCfg.Reporting.RetentionDays)
	if err != nil {
		return nil, app.abort(fmt.Errorf("failed to initialize report store: %w", err))
	}
	app.reporter = reporter.New(reportStore, collectors, reporter.Config{
		Enabled:       appCfg.Reporting.Enabled,
		BufferSize:    appCfg.Reporting.BufferSize,
		FlushInterval: appCfg.Reporting.FlushInterval,
		RetentionDays: appCfg.Reporting.RetentionDays,
	})

	// Gateway components
	gw, err := buildGateway(ctx, appCfg, app.reporter)
	if err != nil {
		return nil, app.abort(err)
	}
	app.cache = gw.cache

	app.logStartupInfo(gw)

	app.server = server.New(gw.deps, &server.Config{
		ContextPath:     appCfg.API.ContextPath,
		BodySizeLimit:   appCfg.Server.BodySizeLimit,
		MetricsEnabled:  appCfg.Metrics.Enabled,
		MetricsEndpoint: appCfg.Metrics.Endpoint,
		MetricsHandler:  metricsHandler,
	})

	return app, nil
}

// Handler returns the HTTP handler of the gateway.
func (a *App) Handler() http.Handler {
	return a.server
}

// Start starts the HTTP server on the given address.
// This is a blocking call that returns when the server stops.
func (a *App) Start(addr string) error {
	if a.server == nil {
		return fmt.Errorf("server is not initialized")
	}
	slog.Info("starting server", "address", addr)
	if err := a.server.Start(addr); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			slog.Info("server stopped gracefully")
			return nil
		}
		return fmt.Errorf("server failed to start: %w", err)
	}
	return nil
}

// Shutdown gracefully tears down app components in dependency order.
// Order:
// 1. HTTP server shutdown, honoring the passed context timeout/cancellation.
// 2. Reporter close (flushes pending records into the store).
// 3. Subscription cache close.
// 4. Storage close.
//
// Shutdown is idempotent; after the first call, subsequent calls are no-ops.
// It attempts every close step and returns a joined error if any step fails.
func (a *App) Shutdown(ctx context.Context) error {
	a.shutdownMu.Lock()
	if a.shutdown {
		a.shutdownMu.Unlock()
		return nil
	}
	a.shutdown = true
	a.shutdownMu.Unlock()

	slog.Info("shutting down application...")

	var errs []error

	// 1. Shutdown HTTP server first (stop accepting new requests)
	if a.server != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			slog.Error("server shutdown error", "error", err)
			errs = append(errs, fmt.Errorf("server shutdown: %w", err))
		}
	}

	if err := a.closeComponents(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}

	slog.Info("application shutdown complete")
	return nil
}

// closeComponents closes everything but the server.
func (a *App) closeComponents() error {
	var errs []error

	// 2. Close reporter (flushes pending entries)
	if a.reporter != nil {
		if err := a.reporter.Close(); err != nil {
			slog.Error("reporter close error", "error", err)
			errs = append(errs, fmt.Errorf("reporter close: %w", err))
		}
	}

	// 3. Close subscription cache
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			slog.Error("subscription cache close error", "error", err)
			errs = append(errs, fmt.Errorf("cache close: %w", err))
		}
	}

	// 4. Close storage
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			slog.Error("storage close error", "error", err)
			errs = append(errs, fmt.Errorf("storage close: %w", err))
		}
	}

	return errors.Join(errs...)
}

// abort releases what New opened so far and returns err.
func (a *App) abort(err error) error {
	if closeErr := a.closeComponents(); closeErr != nil {
		return fmt.Errorf("%w (also: close error: %v)", err, closeErr)
	}
	return err
}

// logStartupInfo logs the application configuration on startup.
func (a *App) logStartupInfo(gw *gateway) {
	cfg := a.config

	slog.Info("api configured",
		"id", cfg.API.ID,
		"context_path", cfg.API.ContextPath,
		"target", cfg.API.Target,
		"circuit_breaker", cfg.API.Breaker.Enabled,
	)

	if len(cfg.Security.Plans) == 0 {
		slog.Warn("SECURITY WARNING: no plan configured - requests are not authenticated")
	} else {
		slog.Info("security configured",
			"plans", len(cfg.Security.Plans),
			"subscriptions", len(cfg.Subscriptions),
			"cache", cfg.Cache.Type,
			"verbose_401", cfg.Security.Verbose401,
		)
	}

	if gw.deps.Policies.Len() > 0 {
		slog.Info("policies enabled", "policies", gw.deps.Policies.Names())
	}

	if gw.deps.Logging.Enabled() {
		slog.Info("transaction logging enabled",
			"mode", cfg.Logging.Mode,
			"scope", cfg.Logging.Scope,
			"content", cfg.Logging.Content,
			"max_size_log_message", cfg.Logging.MaxSizeLogMessage,
		)
	} else {
		slog.Info("transaction logging disabled")
	}

	if cfg.Messages.Enabled {
		slog.Info("message tracking enabled",
			"sampling", cfg.Messages.Sampling.Type,
			"log_enabled", cfg.Messages.LogEnabled,
		)
	}

	if cfg.Metrics.Enabled {
		slog.Info("prometheus metrics enabled", "endpoint", cfg.Metrics.Endpoint)
	} else {
		slog.Info("prometheus metrics disabled")
	}

	if cfg.Reporting.Enabled {
		slog.Info("reporting enabled",
			"storage_type", cfg.Storage.Type,
			"buffer_size", cfg.Reporting.BufferSize,
			"flush_interval", cfg.Reporting.FlushInterval,
			"retention_days", cfg.Reporting.RetentionDays,
		)
	} else {
		slog.Info("reporting disabled")
	}
}

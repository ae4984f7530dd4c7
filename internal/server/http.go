// Package server exposes the gateway over HTTP. Every request under the API
// context path becomes a transaction that runs the security chain and the
// request policies, is proxied upstream, and is reported when it ends.
package server

import (
	"context"
	"net/http"
	"path"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server wraps the Echo server
type Server struct {
	echo    *echo.Echo
	handler *Handler
}

// Config holds server configuration options
type Config struct {
	// ContextPath is the path prefix the API is served under.
	ContextPath string
	// BodySizeLimit caps request bodies, e.g. "10M". Empty means no cap.
	BodySizeLimit string
	// MetricsEnabled exposes the Prometheus endpoint.
	MetricsEnabled bool
	// MetricsEndpoint is the HTTP path of the metrics endpoint (default: /metrics).
	MetricsEndpoint string
	// MetricsHandler serves the metrics endpoint (default: promhttp.Handler()).
	MetricsHandler http.Handler
}

// New creates a new HTTP server
func New(deps Dependencies, cfg *Config) *Server {
	if cfg == nil {
		cfg = &Config{}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	handler := NewHandler(deps)
	e.HTTPErrorHandler = handler.handleError

	e.Use(middleware.Recover())
	if cfg.BodySizeLimit != "" {
		e.Use(middleware.BodyLimit(cfg.BodySizeLimit))
	}

	// Public routes
	e.GET("/health", handler.Health)
	if cfg.MetricsEnabled {
		// Normalize path to prevent traversal attacks
		metricsPath := "/metrics"
		if cfg.MetricsEndpoint != "" {
			metricsPath = path.Clean("/" + cfg.MetricsEndpoint)
		}
		metrics := cfg.MetricsHandler
		if metrics == nil {
			metrics = promhttp.Handler()
		}
		e.GET(metricsPath, echo.WrapHandler(metrics))
	}

	// API routes
	prefix := strings.TrimSuffix(path.Clean("/"+cfg.ContextPath), "/")
	api := e.Group(prefix, handler.Transaction, handler.Secure)
	if prefix != "" {
		api.Any("", handler.Proxy)
	}
	api.Any("/*", handler.Proxy)

	return &Server{
		echo:    e,
		handler: handler,
	}
}

// Start starts the HTTP server on the given address
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// ServeHTTP implements the http.Handler interface, allowing Server to be used with httptest
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

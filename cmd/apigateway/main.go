// Package main is the entry point for the API gateway server.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"apigateway/config"
	"apigateway/internal/app"
	"apigateway/internal/logging"
)

func main() {
	configPath := flag.String("config", "", "Path to the configuration file (overrides GATEWAY_CONFIG)")
	flag.Parse()

	if *configPath != "" {
		if err := os.Setenv("GATEWAY_CONFIG", *configPath); err != nil {
			slog.Error("failed to set config path", "error", err)
			os.Exit(1)
		}
	}

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Setup structured logging
	logging.Setup(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	slog.Info("starting apigateway", "api", cfg.API.ID)

	application, err := app.New(context.Background(), app.Config{AppConfig: cfg})
	if err != nil {
		slog.Error("failed to initialize application", "error", err)
		os.Exit(1)
	}

	// Handle graceful shutdown
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit

		ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := application.Shutdown(ctx); err != nil {
			slog.Error("application shutdown error", "error", err)
		}
	}()

	addr := ":" + cfg.Server.Port
	if err := application.Start(addr); err != nil {
		slog.Error("server failed", "error", err)
		_ = application.Shutdown(context.Background())
		os.Exit(1)
	}
	// Start returns as soon as the listener closes; wait for the reporter flush.
	<-stopped
}

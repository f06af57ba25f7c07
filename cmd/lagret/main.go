// Package main is the entry point for the lagret Cargo registry server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/lagret/lagret/internal/config"
	"github.com/lagret/lagret/internal/logging"
	"github.com/lagret/lagret/internal/metrics"
	"github.com/lagret/lagret/internal/registry"
	"github.com/lagret/lagret/internal/server"
	"github.com/lagret/lagret/internal/storage"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "lagret: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	flags := pflag.NewFlagSet("lagret", pflag.ContinueOnError)
	configPath := flags.StringP("config", "c", "lagret.yaml", "path to configuration file")
	port := flags.IntP("port", "p", 0, "override listening port (default: from config or 3000)")
	host := flags.String("host", "", "override listening host (default: from config or 0.0.0.0)")
	publicURL := flags.String("public-url", "", "override the base URL advertised in config.json")
	backend := flags.String("backend", "", "override storage backend: memory, local, sqlite, aws, gcp, azure")
	logLevel := flags.String("log-level", "", "log level: debug, info, warn, error (default: from config or info)")
	logFormat := flags.String("log-format", "", "log format: text, json (default: from config or text)")
	shutdownTimeout := flags.Int("shutdown-timeout", 0, "graceful shutdown timeout in seconds (default: from config or 30)")
	maxPublishSize := flags.Int64("max-publish-size", 0, "maximum publish body in bytes (default: from config or 10 MiB)")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Command-line flags override config file values.
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *publicURL != "" {
		cfg.Server.PublicURL = *publicURL
	}
	if *backend != "" {
		cfg.Storage.Backend = *backend
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Logging.Format = *logFormat
	}
	if *shutdownTimeout != 0 {
		cfg.Server.ShutdownTimeout = *shutdownTimeout
	}
	if *maxPublishSize != 0 {
		cfg.Server.MaxPublishSize = *maxPublishSize
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logging.Setup(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)
	if cfg.Observability.Metrics {
		metrics.Register()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Crash-only design: every startup is recovery. The index is rebuilt
	// from the store and the local backend drops interrupted writes.
	store, err := storage.OpenWithRetry(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := storage.Close(store); err != nil {
			slog.Error("Closing object store", "error", err)
		}
	}()

	reg := registry.New(store, registry.WithBootstrapConcurrency(cfg.Registry.BootstrapConcurrency))
	if _, err := reg.Bootstrap(ctx); err != nil {
		return fmt.Errorf("loading index: %w", err)
	}

	srv, err := server.New(cfg, reg)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	errCh := make(chan error, 1)
	go func() {
		slog.Info("lagret listening", "addr", addr, "public_url", cfg.Server.PublicURL)
		if err := srv.ListenAndServe(addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	hupCh := make(chan os.Signal, 1)
	signal.Notify(hupCh, syscall.SIGHUP)
	defer signal.Stop(hupCh)

	for {
		select {
		case <-hupCh:
			slog.Info("Received SIGHUP, reloading index")
			reg.Reload(ctx)

		case <-ctx.Done():
			slog.Info("Received signal, shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				slog.Error("Shutdown error", "error", err)
			}
			slog.Info("Server stopped")
			return nil

		case err, ok := <-errCh:
			if ok && err != nil {
				return fmt.Errorf("server error: %w", err)
			}
			return nil
		}
	}
}

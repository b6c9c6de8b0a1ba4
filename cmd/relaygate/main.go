// Package main is the entry point for RelayGate, a resilience and
// access-control gateway that fronts a third-party product API.
//
// RelayGate admits inbound traffic through an IP allow-list, HMAC bearer
// token verification, and per-client sliding-window rate limiting, then
// relays admitted requests upstream with a shared OAuth access token,
// retrying transient upstream failures with classified backoff. Full
// observability: Prometheus metrics, health checks, structured logging,
// OpenTelemetry tracing.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/relaygate/relaygate/internal/config"
	"github.com/relaygate/relaygate/internal/observability"
	"github.com/relaygate/relaygate/internal/redis"
	"github.com/relaygate/relaygate/internal/server"
)

// version is set at build time via ldflags: -ldflags "-X main.version=v1.0.0".
var version = "dev"

func main() {
	if len(os.Args) > 1 && os.Args[1] == "version" {
		fmt.Printf("relaygate %s\n", version)
		return
	}

	// Load configuration from YAML file + environment variable overrides.
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: configuration error: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logger and route go-redis internals through it.
	logger := observability.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	redis.InitLogger(logger)
	logger.Info("starting relaygate", "version", version)

	// Create root context with signal handling for graceful shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Create and start the server.
	srv, err := server.New(cfg, logger, version)
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	// Start the config file watcher for hot-reload. Fields that cannot be
	// hot-swapped are reported and keep their old values until restart.
	watcher := config.NewWatcher(config.ConfigFilePath(), func(newCfg *config.Config) {
		if restart := newCfg.RequiresRestart(cfg); len(restart) > 0 {
			logger.Warn("config fields changed that require a restart, keeping old values",
				"fields", restart)
		}
		if reloadErr := srv.Reload(newCfg); reloadErr != nil {
			logger.Error("config reload failed", "error", reloadErr)
			return
		}
		cfg = newCfg
	}, logger)
	go func() {
		if watchErr := watcher.Start(ctx); watchErr != nil {
			logger.Error("config watcher error", "error", watchErr)
		}
	}()
	defer watcher.Stop()

	// Watch TLS cert files so rotated certificates are picked up without a
	// restart.
	if cfg.Server.TLS.Enabled {
		certWatcher := config.NewCertWatcher(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile,
			func(_, _ string) { srv.ReloadCerts() }, logger)
		go func() {
			if watchErr := certWatcher.Start(ctx); watchErr != nil {
				logger.Error("TLS cert watcher error", "error", watchErr)
			}
		}()
		defer certWatcher.Stop()
	}

	if err := srv.Run(ctx); err != nil {
		logger.Error("server exited with error", "error", err)
		os.Exit(1)
	}

	logger.Info("relaygate shut down gracefully")
}

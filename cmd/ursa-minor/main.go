// Package main is the entry point for ursa-minor, a trust-boundary gateway
// between Minecraft mod clients and the Hypixel API.
//
// ursa-minor holds the upstream API key so clients never see it, and in
// exchange authenticates clients against the Mojang session servers and
// rate-limits them per verified identity:
//   - Minecraft join-handshake authentication with signed session tokens
//   - Fixed-window rate limiting per identity via Redis
//   - A restricted, rule-defined public surface translated to upstream calls
//   - Full observability: Prometheus metrics, health checks, structured logging, OpenTelemetry tracing
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/NotEnoughUpdates/ursa-minor/internal/config"
	"github.com/NotEnoughUpdates/ursa-minor/internal/observability"
	"github.com/NotEnoughUpdates/ursa-minor/internal/redis"
	"github.com/NotEnoughUpdates/ursa-minor/internal/server"
)

// version is set at build time via ldflags: -ldflags "-X main.version=v1.0.0".
var version = "dev"

func main() {
	if len(os.Args) > 1 && os.Args[1] == "version" {
		fmt.Printf("ursa-minor %s\n", version)
		return
	}

	// Load configuration from YAML file + environment variable overrides.
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: configuration error: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("starting ursa-minor", "version", version)
	redis.InitLogger(logger)

	// Root context with signal handling for graceful shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv, err := server.New(cfg, logger, version)
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	// Config file watcher for hot-reload of rate limits and anonymous mode.
	watcher := config.NewWatcher(config.ConfigFilePath(), func(newCfg *config.Config) {
		if reloadErr := srv.Reload(newCfg); reloadErr != nil {
			logger.Error("config reload failed", "error", reloadErr)
		}
	}, logger)
	go func() {
		if watchErr := watcher.Start(ctx); watchErr != nil {
			logger.Error("config watcher error", "error", watchErr)
		}
	}()
	defer watcher.Stop()

	if err := srv.Run(ctx); err != nil {
		logger.Error("server exited with error", "error", err)
		os.Exit(1)
	}

	logger.Info("ursa-minor shut down gracefully")
}

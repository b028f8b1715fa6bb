// Command meshguard runs the network-security fabric simulation.
//
// # Usage
//
//	meshguard --config scenario.yaml --debug
//
// # Configuration
//
// The simulation can be configured via:
// - Command-line flags
// - Environment variables (MESHGUARD_*)
// - A YAML scenario file
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/netfabric/meshguard/internal/config"
	"github.com/netfabric/meshguard/internal/env"
	"github.com/netfabric/meshguard/internal/secrets"
)

func main() {
	var (
		configPath = flag.String("config", "", "Path to scenario YAML file")
		duration   = flag.Duration("duration", 0, "Stop after this long (0 runs until signalled)")
		debug      = flag.Bool("debug", false, "Enable debug logging")
		version    = flag.Bool("version", false, "Print version and exit")
	)
	flag.Parse()

	if *version {
		fmt.Println("meshguard v0.1.0")
		os.Exit(0)
	}

	// Load configuration
	cfg := config.DefaultConfig()
	if *configPath != "" {
		loaded, err := config.LoadFromFile(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	cfg.ApplyEnvOverrides()
	if *debug {
		cfg.Logging.Level = "debug"
	}

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	// Secrets provider, only needed when a sink is enabled.
	var provider secrets.Provider
	if cfg.Telemetry.RedisEvents || cfg.Telemetry.PostgresAudit {
		p, err := secrets.New(secrets.ConfigFromEnv(), logger)
		if err != nil {
			logger.Error("failed to initialize secrets provider", "error", err)
			os.Exit(1)
		}
		defer p.Close()
		provider = p
	}

	fabric, err := env.New(cfg, provider, logger)
	if err != nil {
		logger.Error("failed to assemble fabric", "error", err)
		os.Exit(1)
	}

	// Run until signal or deadline.
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if *duration > 0 {
		var timeoutCancel context.CancelFunc
		ctx, timeoutCancel = context.WithTimeout(ctx, *duration)
		defer timeoutCancel()
	}

	if err := fabric.Run(ctx); err != nil {
		logger.Error("fabric terminated", "error", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

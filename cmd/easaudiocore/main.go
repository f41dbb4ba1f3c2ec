// Package main implements easaudiocore, the audio ingest and failover
// daemon: it loads a source configuration, starts a SourceManager that
// keeps exactly one configured source decoding and feeding the shared
// master ring buffer, exposes /healthz and /metrics, and runs until
// signaled.
//
// Usage:
//
//	easaudiocore [options]
//
// Options:
//
//	--config=PATH     Path to config file (default: /etc/eas-station-sub008/config.yaml)
//	--log-level=LEVEL Log level: debug, info, warn, error (default: info)
//	--help            Show this help message
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/KR8MER/eas-station-sub008/internal/config"
	"github.com/KR8MER/eas-station-sub008/internal/health"
	"github.com/KR8MER/eas-station-sub008/internal/manager"
)

// Build information (set by ldflags).
var (
	Version = "dev"
	Commit  = "unknown"
)

var (
	configPath = flag.String("config", config.ConfigFilePath, "Path to configuration file")
	logLevel   = flag.String("log-level", "info", "Log level: debug, info, warn, error")
	showHelp   = flag.Bool("help", false, "Show help message")
)

func main() {
	flag.Parse()

	if *showHelp {
		printUsage()
		os.Exit(0)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(*logLevel)}))
	logger.Info("starting easaudiocore", "version", Version, "commit", Commit)

	if err := run(logger); err != nil {
		logger.Error("exiting with error", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	cfg, err := loadConfiguration(*configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	logger.Info("loaded configuration", "path", *configPath, "sources", len(cfg.Sources))

	mgr, err := manager.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("construct source manager: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	if err := mgr.Start(ctx); err != nil {
		return fmt.Errorf("start source manager: %w", err)
	}
	defer mgr.Stop()

	var healthErrCh chan error
	if cfg.Health.Enabled {
		handler := health.NewHandler(mgr)
		healthErrCh = make(chan error, 1)
		ready := make(chan struct{})
		go func() {
			healthErrCh <- health.ListenAndServeReady(ctx, cfg.Health.Addr, handler, ready)
		}()
		<-ready
		logger.Info("health endpoint listening", "addr", cfg.Health.Addr)
	}

	logger.Info("source manager running", "active", mgr.ActiveSource())

	<-ctx.Done()

	if healthErrCh != nil {
		if err := <-healthErrCh; err != nil {
			logger.Warn("health server stopped with error", "error", err)
		}
	}

	logger.Info("shutdown complete")
	return nil
}

func loadConfiguration(path string) (*config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config.DefaultConfig(), nil
	}
	return config.LoadConfig(path)
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func printUsage() {
	fmt.Println("easaudiocore - Emergency Alert System audio ingest and failover core")
	fmt.Printf("Version: %s (%s)\n\n", Version, Commit)
	fmt.Println("Usage: easaudiocore [options]")
	fmt.Println()
	fmt.Println("Options:")
	flag.PrintDefaults()
	fmt.Println()
	fmt.Println("Signals:")
	fmt.Println("  SIGINT, SIGTERM  Graceful shutdown")
}

package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/e7canasta/orion-overlay/internal/config"
	"github.com/e7canasta/orion-overlay/internal/core"
	"github.com/e7canasta/orion-overlay/internal/logging"
)

const defaultConfigPath = "config/overlay.yaml"

func main() {
	// Parse command line flags
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	source := flag.String("open", "", "Source to open at startup (overrides source.uri)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "path", *configPath, "error", err)
		os.Exit(1)
	}
	if *source != "" {
		cfg.Source.URI = *source
	}

	// Setup structured logger
	logger, logCloser := logging.New(cfg.Logging, *debug)
	defer logCloser.Close()
	slog.SetDefault(logger)

	slog.Info("starting overlay service",
		"config", *configPath,
		"debug", *debug,
	)

	// Create context with cancellation for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	overlay, err := core.NewOverlay(cfg)
	if err != nil {
		slog.Error("failed to create overlay service", "error", err)
		os.Exit(1)
	}

	// Start HTTP server (health, control, viewer)
	if _, err := overlay.StartHTTPServer(cfg.HTTP.Addr); err != nil {
		slog.Error("failed to start http server", "error", err)
		os.Exit(1)
	}

	// Run service in goroutine
	errChan := make(chan error, 1)
	go func() {
		errChan <- overlay.Run(ctx) // Always send, even if nil
	}()

	// Wait for shutdown signal or error
	exitCode := 0
	select {
	case sig := <-sigChan:
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	case err := <-errChan:
		if err != nil {
			slog.Error("service error", "error", err)
			exitCode = 1
		}
	}

	// Graceful shutdown
	shutdownTimeout := overlay.ShutdownTimeout()
	slog.Info("shutting down gracefully", "timeout", shutdownTimeout)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := overlay.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown failed", "error", err)
		exitCode = 1
	}

	if exitCode != 0 {
		logCloser.Close()
		os.Exit(exitCode)
	}
	slog.Info("overlay service stopped successfully")
}

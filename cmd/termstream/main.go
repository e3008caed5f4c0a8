// Package main runs the termstream ingestion service: the terminal push
// endpoints, the protocol router and the biometric matcher.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/c360/termstream/config"
)

// Build information
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "termstream"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(os.Args[1:]); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run(args []string) error {
	cli, err := parseFlags(args)
	if err != nil {
		return fmt.Errorf("parse flags: %w", err)
	}
	if err := validateFlags(cli); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	if cli.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}

	logger := setupLogger(os.Stdout, cli.LogLevel, cli.LogFormat)
	slog.SetDefault(logger)

	loader := config.NewLoader()
	for _, path := range cli.ConfigPaths {
		loader.AddLayer(path)
	}
	loader.EnableValidation(true)

	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cli.Validate {
		logger.Info("Configuration is valid", "layers", cli.ConfigPaths)
		return nil
	}

	logger.Info("Starting termstream",
		"version", Version,
		"build_time", BuildTime,
		"layers", cli.ConfigPaths,
		"platform", cfg.Platform.ID,
		"environment", cfg.Platform.Environment)
	logger.Debug("Effective configuration", "config", cfg.String())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}

	if cli.Watch && len(cli.ConfigPaths) > 0 {
		a.watch(ctx, loader)
	}

	timeout := cfg.HTTP.ShutdownTimeout
	if cli.ShutdownTimeout > 0 {
		timeout = cli.ShutdownTimeout
	}
	return a.run(ctx, timeout)
}

package main

import (
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
)

// CLIConfig holds command-line configuration
type CLIConfig struct {
	ConfigPaths     []string
	LogLevel        string
	LogFormat       string
	Debug           bool
	ShutdownTimeout time.Duration
	Watch           bool
	ShowVersion     bool
	Validate        bool
}

func parseFlags(args []string) (*CLIConfig, error) {
	cfg := &CLIConfig{}
	fs := pflag.NewFlagSet(appName, pflag.ContinueOnError)

	fs.StringSliceVarP(&cfg.ConfigPaths, "config", "c",
		getEnvList("TERMSTREAM_CONFIG"),
		"Configuration file layers, later ones win (env: TERMSTREAM_CONFIG, comma separated)")

	fs.StringVar(&cfg.LogLevel, "log-level",
		getEnv("TERMSTREAM_LOG_LEVEL", "info"),
		"Log level: debug, info, warn, error (env: TERMSTREAM_LOG_LEVEL)")

	fs.StringVar(&cfg.LogFormat, "log-format",
		getEnv("TERMSTREAM_LOG_FORMAT", "json"),
		"Log format: json, text (env: TERMSTREAM_LOG_FORMAT)")

	fs.BoolVar(&cfg.Debug, "debug",
		getEnvBool("TERMSTREAM_DEBUG", false),
		"Enable debug logging (env: TERMSTREAM_DEBUG)")

	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout",
		getEnvDuration("TERMSTREAM_SHUTDOWN_TIMEOUT", 0),
		"Graceful shutdown timeout, overrides http.shutdown_timeout (env: TERMSTREAM_SHUTDOWN_TIMEOUT)")

	fs.BoolVar(&cfg.Watch, "watch",
		getEnvBool("TERMSTREAM_WATCH", true),
		"Reload table map and rate limits when config files change (env: TERMSTREAM_WATCH)")

	fs.BoolVarP(&cfg.ShowVersion, "version", "v", false, "Show version information")
	fs.BoolVar(&cfg.Validate, "validate", false, "Validate configuration and exit")

	fs.Usage = func() { printDetailedHelp(fs) }

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if cfg.Debug {
		cfg.LogLevel = "debug"
	}
	return cfg, nil
}

func validateFlags(cfg *CLIConfig) error {
	if cfg.ShowVersion {
		return nil
	}
	for _, path := range cfg.ConfigPaths {
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("config file not found: %s", path)
		}
	}
	if !slices.Contains([]string{"debug", "info", "warn", "error"}, cfg.LogLevel) {
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}
	if !slices.Contains([]string{"json", "text"}, cfg.LogFormat) {
		return fmt.Errorf("invalid log format: %s", cfg.LogFormat)
	}
	if cfg.ShutdownTimeout < 0 {
		return fmt.Errorf("invalid shutdown timeout: %s", cfg.ShutdownTimeout)
	}
	return nil
}

func printDetailedHelp(fs *pflag.FlagSet) {
	_, _ = fmt.Fprintf(os.Stderr, `%s - terminal push ingestion

Usage: %s [options]

Options:
`, appName, os.Args[0])
	fs.PrintDefaults()
	_, _ = fmt.Fprintf(os.Stderr, `
Examples:
  # Defaults plus a site override
  %s -c configs/base.yaml -c configs/site.yaml

  # Text logs at debug level
  %s --log-level=debug --log-format=text

  # Validate configuration only
  %s -c configs/site.yaml --validate

Any config key can be overridden with TERMSTREAM_<SECTION>_<KEY>, e.g.
TERMSTREAM_INGEST_TEXT_RATE_LIMIT=50.

Version: %s
Build: %s
`, os.Args[0], os.Args[0], os.Args[0], Version, BuildTime)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvList(key string) []string {
	if value := os.Getenv(key); value != "" {
		var out []string
		for _, part := range strings.Split(value, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		return out
	}
	return nil
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

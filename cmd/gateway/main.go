// Package main is the entry point for the energy management API gateway.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/vyrodovalexey/emsgw/internal/config"
	"github.com/vyrodovalexey/emsgw/internal/observability"
)

// Version information (set at build time).
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// cliFlags holds command line flags.
type cliFlags struct {
	configPath  string
	logLevel    string
	logFormat   string
	showVersion bool
}

func main() {
	flags := parseFlags(flag.CommandLine, os.Args[1:])

	if flags.showVersion {
		printVersion(os.Stdout)
		return
	}

	if err := run(context.Background(), flags); err != nil {
		fmt.Fprintf(os.Stderr, "emsgw: %v\n", err)
		os.Exit(1)
	}
}

// run loads the configuration, starts every component and blocks until a
// shutdown signal arrives.
func run(ctx context.Context, flags cliFlags) error {
	cfg, err := loadAndValidateConfig(flags.configPath)
	if err != nil {
		return err
	}

	logger, err := initLogger(flags, cfg.Spec.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	observability.SetGlobalLogger(logger)

	app, err := initApplication(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize gateway", observability.Error(err))
		return err
	}

	return runGateway(ctx, app, flags.configPath)
}

// parseFlags parses command line flags. Environment variables provide the
// defaults so the binary can be configured from a container spec.
func parseFlags(fs *flag.FlagSet, args []string) cliFlags {
	var flags cliFlags
	fs.StringVar(&flags.configPath, "config", getEnvOrDefault("GATEWAY_CONFIG_PATH", "configs/gateway.yaml"),
		"Path to configuration file")
	fs.StringVar(&flags.logLevel, "log-level", getEnvOrDefault("GATEWAY_LOG_LEVEL", ""),
		"Log level (debug, info, warn, error); overrides the configuration file")
	fs.StringVar(&flags.logFormat, "log-format", getEnvOrDefault("GATEWAY_LOG_FORMAT", ""),
		"Log format (json, console); overrides the configuration file")
	fs.BoolVar(&flags.showVersion, "version", false, "Show version information")
	_ = fs.Parse(args)
	return flags
}

// printVersion prints version information.
func printVersion(w io.Writer) {
	_, _ = fmt.Fprintf(w, "emsgw version %s\n", version)
	_, _ = fmt.Fprintf(w, "  Build time: %s\n", buildTime)
	_, _ = fmt.Fprintf(w, "  Git commit: %s\n", gitCommit)
}

// initLogger builds the logger from the configuration, letting command
// line flags win.
func initLogger(flags cliFlags, cfg config.LoggingConfig) (observability.Logger, error) {
	logCfg := observability.LogConfig{
		Level:  cfg.Level,
		Format: cfg.Format,
		Output: cfg.Output,
	}
	if flags.logLevel != "" {
		logCfg.Level = flags.logLevel
	}
	if flags.logFormat != "" {
		logCfg.Format = flags.logFormat
	}

	logger, err := observability.NewLogger(logCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return logger, nil
}

// loadAndValidateConfig loads and validates the configuration file.
func loadAndValidateConfig(path string) (*config.GatewayConfig, error) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration from %s: %w", path, err)
	}
	if err := config.ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

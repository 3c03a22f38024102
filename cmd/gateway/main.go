// Package main is the entry point for the svcproxy gateway host. It serves
// the gateway from a gin application, exposes metrics and health probes on
// a separate port and reloads the gateway when its configuration changes.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/gin-gonic/gin"

	"github.com/vyrodovalexey/svcproxy/internal/config"
	"github.com/vyrodovalexey/svcproxy/internal/observability"
)

// Version information (set at build time).
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// cliFlags holds command line flags. Empty log settings defer to the
// configuration file.
type cliFlags struct {
	configPath  string
	logLevel    string
	logFormat   string
	showVersion bool
}

func main() {
	flags := parseFlags(flag.CommandLine, os.Args[1:])

	if flags.showVersion {
		printVersion()
		return
	}

	cfg, err := loadAndValidateConfig(flags.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	logger := initLogger(flags, cfg)
	defer func() { _ = logger.Sync() }()

	logger.Info("starting svcproxy",
		observability.String("version", version),
		observability.String("config", flags.configPath),
	)

	gin.SetMode(gin.ReleaseMode)

	app, err := newApplication(context.Background(), cfg, logger)
	if err != nil {
		logger.Fatal("failed to initialize gateway", observability.Error(err))
	}

	runGateway(app, flags.configPath)
}

// parseFlags parses command line flags.
func parseFlags(fs *flag.FlagSet, args []string) cliFlags {
	var flags cliFlags
	fs.StringVar(&flags.configPath, "config",
		getEnvOrDefault("SVCPROXY_CONFIG_PATH", "configs/gateway.yaml"), "Path to configuration file")
	fs.StringVar(&flags.logLevel, "log-level",
		getEnvOrDefault("SVCPROXY_LOG_LEVEL", ""), "Log level (debug, info, warn, error)")
	fs.StringVar(&flags.logFormat, "log-format",
		getEnvOrDefault("SVCPROXY_LOG_FORMAT", ""), "Log format (json, console)")
	fs.BoolVar(&flags.showVersion, "version", false, "Show version information")
	_ = fs.Parse(args)
	return flags
}

// printVersion prints version information.
func printVersion() {
	fmt.Printf("svcproxy version %s\n", version)
	fmt.Printf("  Build time: %s\n", buildTime)
	fmt.Printf("  Git commit: %s\n", gitCommit)
}

// loadAndValidateConfig loads and validates the configuration.
func loadAndValidateConfig(path string) (*config.HostConfig, error) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := config.ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// logConfig resolves log settings: flags, then the file, then defaults.
func logConfig(flags cliFlags, cfg *config.HostConfig) observability.LogConfig {
	out := observability.DefaultLogConfig()
	if cfg != nil {
		if cfg.Log.Level != "" {
			out.Level = cfg.Log.Level
		}
		if cfg.Log.Format != "" {
			out.Format = cfg.Log.Format
		}
	}
	if flags.logLevel != "" {
		out.Level = flags.logLevel
	}
	if flags.logFormat != "" {
		out.Format = flags.logFormat
	}
	return out
}

// initLogger initializes the global logger and bridges the OpenTelemetry
// SDK logger into it.
func initLogger(flags cliFlags, cfg *config.HostConfig) observability.Logger {
	logger, err := observability.NewLogger(logConfig(flags, cfg))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	observability.SetGlobalLogger(logger)
	observability.InstallOtelLogger(logger)
	return logger
}

package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/weave/internal/logger"
)

var (
	logLevel   string
	logFormat  string
	debug      bool
	configFile string
)

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
		&cli.StringFlag{
			Name:        "config",
			Usage:       "path to config.yaml (default: user config dir)",
			Destination: &configFile,
		},
	}
}

// setupLogger builds the process logger from the logging flags, letting
// the config file fill in values that were not passed.
func setupLogger(ctx context.Context, c flagSetter) (context.Context, error) {
	cfg, err := LoadConfig(configFile)
	if err != nil {
		return ctx, err
	}
	level, format := logLevel, logFormat
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		level = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		format = cfg.LogFormat
	}
	if debug {
		level = "debug"
	}
	lvl, err := logger.ParseLevel(level)
	if err != nil {
		return ctx, fmt.Errorf("--log-level: %w", err)
	}
	log, err := logger.NewFormat(os.Stderr, logger.Format(format), lvl)
	if err != nil {
		return ctx, fmt.Errorf("--log-format: %w", err)
	}
	return logger.WithContext(ctx, log), nil
}

package main

import (
	"context"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/lumen/internal/logger"
)

var (
	bundleDir  string
	template   string
	workers    int64
	seed       int64
	configFile string
	logLevel   string
	logFormat  string
	debug      bool

	// fileConfig is loaded by setup before any action runs.
	fileConfig Config
)

func bundleFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "bundle",
			Aliases:     []string{"b"},
			Usage:       "path to the model bundle directory (config.json, tokenizer.json)",
			Sources:     cli.EnvVars("LUMEN_BUNDLE"),
			Destination: &bundleDir,
		},
		&cli.StringFlag{
			Name:        "template",
			Usage:       "override the bundle chat template (chatml, legacy, raw)",
			Destination: &template,
		},
		&cli.Int64Flag{
			Name:        "workers",
			Aliases:     []string{"j"},
			Usage:       "concurrent vision encoder calls",
			Value:       4,
			Destination: &workers,
		},
		&cli.Int64Flag{
			Name:        "seed",
			Usage:       "weight seed for the built-in reference runner",
			Value:       42,
			Destination: &seed,
		},
	}
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "config",
			Usage:       "config file (default: $XDG_CONFIG_HOME/lumen/config.yaml)",
			Destination: &configFile,
		},
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
	}
}

func commandFlags(extra ...cli.Flag) []cli.Flag {
	flags := append(bundleFlags(), loggingFlags()...)
	return append(flags, extra...)
}

// setup loads the config file, fills unset flags from it and installs the
// logger. It runs as the Before hook of every command that loads a bundle.
func setup(ctx context.Context, c *cli.Command) (context.Context, error) {
	path := configFile
	if path == "" {
		path = configPath()
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		return ctx, cli.Exit(err.Error(), 1)
	}
	fileConfig = cfg
	applyCommonConfig(c, cfg)

	level := logger.ParseLevel(logLevel)
	if debug {
		level = logger.ParseLevel("debug")
	}
	log := logger.ForFormat(os.Stderr, logFormat, level)
	return logger.WithContext(ctx, log), nil
}

package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// Config represents the lumen configuration file (~/.config/lumen/config.yaml).
// Numeric fields are pointers so we can distinguish "not set" from zero values.
type Config struct {
	BundleDir string `yaml:"bundle_dir"`
	Template  string `yaml:"template"`
	Workers   *int64 `yaml:"workers"`
	Seed      *int64 `yaml:"seed"`

	// Generation
	MaxNewTokens *int64 `yaml:"max_new_tokens"`
	StreamMode   string `yaml:"stream_mode"`

	// Output
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Server
	ServerAddress string         `yaml:"server_address"`
	Rate          *float64       `yaml:"rate"`
	Burst         *int64         `yaml:"burst"`
	QueueWait     *time.Duration `yaml:"queue_wait"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "lumen", "config.yaml")
}

// LoadConfig reads the config file at path. A missing file yields a zero
// Config; a malformed one is an error.
func LoadConfig(path string) (Config, error) {
	if path == "" {
		return Config{}, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Config{}, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// applyCommonConfig applies config file defaults to the bundle and logging
// flags that were not explicitly set.
func applyCommonConfig(c *cli.Command, cfg Config) {
	if cfg.BundleDir != "" && !c.IsSet("bundle") {
		bundleDir = cfg.BundleDir
	}
	if cfg.Template != "" && !c.IsSet("template") {
		template = cfg.Template
	}
	if cfg.Workers != nil && !c.IsSet("workers") {
		workers = *cfg.Workers
	}
	if cfg.Seed != nil && !c.IsSet("seed") {
		seed = *cfg.Seed
	}
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
}

// applyRunConfig applies config file defaults to run command variables.
func applyRunConfig(c *cli.Command, cfg Config, maxNew *int64, streamMode *string) {
	if cfg.MaxNewTokens != nil && !c.IsSet("max-new-tokens") {
		*maxNew = *cfg.MaxNewTokens
	}
	if cfg.StreamMode != "" && !c.IsSet("stream-mode") {
		*streamMode = cfg.StreamMode
	}
}

// applyServeConfig applies config file defaults to serve command variables.
func applyServeConfig(c *cli.Command, cfg Config, addr *string, rate *float64, burst *int64, queueWait *time.Duration) {
	if cfg.ServerAddress != "" && !c.IsSet("addr") {
		*addr = cfg.ServerAddress
	}
	if cfg.Rate != nil && !c.IsSet("rate") {
		*rate = *cfg.Rate
	}
	if cfg.Burst != nil && !c.IsSet("burst") {
		*burst = *cfg.Burst
	}
	if cfg.QueueWait != nil && !c.IsSet("queue-wait") {
		*queueWait = *cfg.QueueWait
	}
}

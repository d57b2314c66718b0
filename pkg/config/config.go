// Package config holds application configuration, loadable from a YAML
// file with struct-tag defaults for everything left unset.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config holds application configuration. Durations are kept as strings so
// the YAML stays human-editable ("5s", "1m30s"); Validate parses them.
type Config struct {
	LogLevel       string `yaml:"log_level" default:"info"`
	ScanTimeout    string `yaml:"scan_timeout" default:"5s"`
	ConnectTimeout string `yaml:"connect_timeout" default:"10s"`
	OutputDir      string `yaml:"output_dir" default:"data"`
	OutputFormat   string `yaml:"output_format" default:"table"` // table, json
	NamePattern    string `yaml:"name_pattern" default:"M5Stick"`
	QueueSize      int    `yaml:"queue_size" default:"256"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads YAML configuration from path on top of the defaults. A
// missing file is not an error: the defaults are returned as-is.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %q: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %q: %w", path, err)
	}
	return cfg, nil
}

// Validate checks every field that has a constrained format.
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	if _, err := time.ParseDuration(c.ScanTimeout); err != nil {
		return fmt.Errorf("scan_timeout: %w", err)
	}
	if _, err := time.ParseDuration(c.ConnectTimeout); err != nil {
		return fmt.Errorf("connect_timeout: %w", err)
	}
	if c.OutputFormat != "table" && c.OutputFormat != "json" {
		return fmt.Errorf("output_format: unknown format %q (want table or json)", c.OutputFormat)
	}
	if c.QueueSize <= 0 {
		return fmt.Errorf("queue_size: must be positive, got %d", c.QueueSize)
	}
	return nil
}

// ScanDuration returns the parsed scan window.
func (c *Config) ScanDuration() time.Duration {
	d, err := time.ParseDuration(c.ScanTimeout)
	if err != nil {
		return 5 * time.Second
	}
	return d
}

// ConnectDuration returns the parsed connection attempt bound.
func (c *Config) ConnectDuration() time.Duration {
	d, err := time.ParseDuration(c.ConnectTimeout)
	if err != nil {
		return 10 * time.Second
	}
	return d
}

// Level returns the parsed log level.
func (c *Config) Level() logrus.Level {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.Level())

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}

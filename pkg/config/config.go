package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config holds client and application configuration
type Config struct {
	LogLevel          string        `yaml:"log_level" json:"log_level" default:"info"`
	ScanTimeout       time.Duration `yaml:"scan_timeout" json:"scan_timeout" default:"10s"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout" json:"connect_timeout" default:"30s"`
	DisconnectTimeout time.Duration `yaml:"disconnect_timeout" json:"disconnect_timeout" default:"5s"`
	OperationTimeout  time.Duration `yaml:"operation_timeout" json:"operation_timeout" default:"10s"`
	QueueDepth        int           `yaml:"queue_depth" json:"queue_depth" default:"64"`        // per-device pending operations bound
	EventBuffer       int           `yaml:"event_buffer" json:"event_buffer" default:"256"`     // channel subscription capacity
	Backend           string        `yaml:"backend" json:"backend" default:"goble"`             // goble, tinygo
	OutputFormat      string        `yaml:"output_format" json:"output_format" default:"table"` // table, json
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads a YAML file over the defaults. Keys missing from the file keep
// their default values.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks value ranges and enumerations
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	for name, d := range map[string]time.Duration{
		"scan_timeout":       c.ScanTimeout,
		"connect_timeout":    c.ConnectTimeout,
		"disconnect_timeout": c.DisconnectTimeout,
		"operation_timeout":  c.OperationTimeout,
	} {
		if d < 0 {
			return fmt.Errorf("%s: must not be negative, got %s", name, d)
		}
	}
	if c.QueueDepth < 0 {
		return fmt.Errorf("queue_depth: must not be negative, got %d", c.QueueDepth)
	}
	if c.EventBuffer <= 0 {
		return fmt.Errorf("event_buffer: must be positive, got %d", c.EventBuffer)
	}
	switch strings.ToLower(c.Backend) {
	case "goble", "tinygo":
	default:
		return fmt.Errorf("backend: unknown backend %q (supported: goble, tinygo)", c.Backend)
	}
	switch strings.ToLower(c.OutputFormat) {
	case "table", "json":
	default:
		return fmt.Errorf("output_format: unknown format %q (supported: table, json)", c.OutputFormat)
	}
	return nil
}

// Level returns the parsed log level, falling back to Info
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

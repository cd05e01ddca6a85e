package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	require.NotNil(t, cfg)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 10*time.Second, cfg.ScanTimeout)
	assert.Equal(t, 30*time.Second, cfg.ConnectTimeout)
	assert.Equal(t, 5*time.Second, cfg.DisconnectTimeout)
	assert.Equal(t, 10*time.Second, cfg.OperationTimeout)
	assert.Equal(t, 64, cfg.QueueDepth)
	assert.Equal(t, 256, cfg.EventBuffer)
	assert.Equal(t, "goble", cfg.Backend)
	assert.Equal(t, "table", cfg.OutputFormat)
	assert.NoError(t, cfg.Validate(), "defaults MUST be valid")
}

func TestConfig_NewLogger(t *testing.T) {
	tests := []struct {
		name     string
		logLevel string
		expected logrus.Level
	}{
		{name: "debug level", logLevel: "debug", expected: logrus.DebugLevel},
		{name: "info level", logLevel: "info", expected: logrus.InfoLevel},
		{name: "warn level", logLevel: "warn", expected: logrus.WarnLevel},
		{name: "error level", logLevel: "error", expected: logrus.ErrorLevel},
		{name: "invalid level falls back to info", logLevel: "chatty", expected: logrus.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{LogLevel: tt.logLevel}

			logger := cfg.NewLogger()

			require.NotNil(t, logger)
			assert.Equal(t, tt.expected, logger.GetLevel())

			formatter, ok := logger.Formatter.(*logrus.TextFormatter)
			require.True(t, ok)
			assert.True(t, formatter.FullTimestamp)
			assert.Equal(t, time.RFC3339, formatter.TimestampFormat)
		})
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "bad log level", mutate: func(c *Config) { c.LogLevel = "loud" }, wantErr: "log_level"},
		{name: "negative timeout", mutate: func(c *Config) { c.ConnectTimeout = -time.Second }, wantErr: "connect_timeout"},
		{name: "negative queue depth", mutate: func(c *Config) { c.QueueDepth = -1 }, wantErr: "queue_depth"},
		{name: "zero event buffer", mutate: func(c *Config) { c.EventBuffer = 0 }, wantErr: "event_buffer"},
		{name: "unknown backend", mutate: func(c *Config) { c.Backend = "bluez" }, wantErr: "backend"},
		{name: "unknown output format", mutate: func(c *Config) { c.OutputFormat = "csv" }, wantErr: "output_format"},
		{name: "unbounded queue is valid", mutate: func(c *Config) { c.QueueDepth = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()

	t.Run("overlays file values on defaults", func(t *testing.T) {
		path := filepath.Join(dir, "blecentral.yaml")
		require.NoError(t, os.WriteFile(path, []byte("log_level: debug\nconnect_timeout: 3s\nqueue_depth: 4\nbackend: tinygo\n"), 0o600))

		cfg, err := Load(path)
		require.NoError(t, err)

		assert.Equal(t, "debug", cfg.LogLevel)
		assert.Equal(t, 3*time.Second, cfg.ConnectTimeout)
		assert.Equal(t, 4, cfg.QueueDepth)
		assert.Equal(t, "tinygo", cfg.Backend)
		assert.Equal(t, 10*time.Second, cfg.ScanTimeout, "unset keys MUST keep their defaults")
	})

	t.Run("rejects invalid values", func(t *testing.T) {
		path := filepath.Join(dir, "invalid.yaml")
		require.NoError(t, os.WriteFile(path, []byte("output_format: xml\n"), 0o600))

		_, err := Load(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "output_format")
	})

	t.Run("reports malformed yaml", func(t *testing.T) {
		path := filepath.Join(dir, "broken.yaml")
		require.NoError(t, os.WriteFile(path, []byte("queue_depth: [1, 2\n"), 0o600))

		_, err := Load(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to parse config")
	})

	t.Run("reports missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(dir, "missing.yaml"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to read config")
	})
}

// Package config loads fieldsync settings from a config file and
// environment variables.
//
// Resolution order: flags (handled by the CLI) override environment
// variables (FIELDSYNC_*), which override the config file
// (.fieldsync/config.yaml in the working directory or the home
// directory), which overrides built-in defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full fieldsync configuration.
type Config struct {
	// Database is the path to the local SQLite database.
	Database string `mapstructure:"database"`

	// DeviceID identifies this device in logs and pushes.
	DeviceID string `mapstructure:"device_id"`

	Server    ServerConfig    `mapstructure:"server"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Ingest    IngestConfig    `mapstructure:"ingest"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
	Log       LogConfig       `mapstructure:"log"`
}

// ServerConfig locates the authoritative server.
type ServerConfig struct {
	URL     string        `mapstructure:"url"`
	Token   string        `mapstructure:"token"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// SyncConfig tunes the sync engine.
type SyncConfig struct {
	MaxAttempts   int           `mapstructure:"max_attempts"`
	BackoffBase   time.Duration `mapstructure:"backoff_base"`
	BackoffCap    time.Duration `mapstructure:"backoff_cap"`
	Workers       int           `mapstructure:"workers"`
	DrainInterval time.Duration `mapstructure:"drain_interval"`
}

// IngestConfig tunes the media drop watcher.
type IngestConfig struct {
	MediaDir       string `mapstructure:"media_dir"`
	DefaultProject string `mapstructure:"default_project"`
}

// DashboardConfig tunes the WebSocket status server.
type DashboardConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// LogConfig tunes daemon log output.
type LogConfig struct {
	// File receives daemon logs; empty means stderr only.
	File string `mapstructure:"file"`

	// MaxSizeMB rotates the log file once it grows past this size.
	MaxSizeMB int `mapstructure:"max_size_mb"`

	// MaxBackups bounds how many rotated files are kept.
	MaxBackups int `mapstructure:"max_backups"`
}

// Load reads configuration from file and environment. A missing config
// file is fine; defaults and environment still apply. An explicit path
// overrides the search locations.
func Load(path string) (*Config, error) {
	v := viper.New()

	// Every key needs a default so environment overrides are seen by
	// Unmarshal.
	v.SetDefault("database", ".fieldsync/fieldsync.db")
	v.SetDefault("device_id", "")
	v.SetDefault("server.url", "")
	v.SetDefault("server.token", "")
	v.SetDefault("server.timeout", 30*time.Second)
	v.SetDefault("sync.max_attempts", 5)
	v.SetDefault("sync.backoff_base", 2*time.Second)
	v.SetDefault("sync.backoff_cap", 60*time.Second)
	v.SetDefault("sync.workers", 4)
	v.SetDefault("sync.drain_interval", 15*time.Second)
	v.SetDefault("ingest.media_dir", "")
	v.SetDefault("ingest.default_project", "")
	v.SetDefault("dashboard.enabled", true)
	v.SetDefault("dashboard.port", 8090)
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".fieldsync")
		v.AddConfigPath("$HOME/.fieldsync")
	}

	v.SetEnvPrefix("FIELDSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

// Validate checks settings needed before the daemon can run.
func (c *Config) Validate() error {
	if c.Database == "" {
		return fmt.Errorf("database path cannot be empty")
	}
	if c.Sync.MaxAttempts < 1 {
		return fmt.Errorf("sync.max_attempts must be at least 1, got %d", c.Sync.MaxAttempts)
	}
	if c.Sync.Workers < 1 {
		return fmt.Errorf("sync.workers must be at least 1, got %d", c.Sync.Workers)
	}
	if c.Server.URL == "" {
		return fmt.Errorf("server.url is required")
	}
	return nil
}

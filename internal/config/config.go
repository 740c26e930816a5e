// Package config loads perftrack settings from perftrack.yml and the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// FileName is the config file looked up in the workspace root.
const FileName = "perftrack.yml"

type Config struct {
	Log    LogConfig    `mapstructure:"log"`
	Engine EngineConfig `mapstructure:"engine"`
	Daemon DaemonConfig `mapstructure:"daemon"`
}

type LogConfig struct {
	Level     string `mapstructure:"level"`
	Format    string `mapstructure:"format"`
	OutputDir string `mapstructure:"output_dir"`
}

// EngineConfig tunes recompute passes.
type EngineConfig struct {
	// Workers bounds the number of top-level objective subtrees computed concurrently.
	Workers int `mapstructure:"workers"`
}

type DaemonConfig struct {
	TimeZone      string        `mapstructure:"time_zone"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	LeaseFor      time.Duration `mapstructure:"lease_for"`
	NightlyHour   int           `mapstructure:"nightly_hour"`
	WatchDebounce time.Duration `mapstructure:"watch_debounce"`
	MetricsAddr   string        `mapstructure:"metrics_addr"`
}

// SetDefaults registers default values on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.output_dir", "")
	v.SetDefault("engine.workers", 4)
	v.SetDefault("daemon.time_zone", "UTC")
	v.SetDefault("daemon.poll_interval", "1s")
	v.SetDefault("daemon.lease_for", "30s")
	v.SetDefault("daemon.nightly_hour", 2)
	v.SetDefault("daemon.watch_debounce", "250ms")
	v.SetDefault("daemon.metrics_addr", "")
}

// Load reads path (when it exists) into v and decodes the merged settings.
// Environment variables prefixed PERFTRACK_ override file values, e.g.
// PERFTRACK_ENGINE_WORKERS=8.
func Load(v *viper.Viper, path string) (*Config, error) {
	if v == nil {
		v = viper.New()
	}
	SetDefaults(v)
	v.SetEnvPrefix("PERFTRACK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			v.SetConfigType("yaml")
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("stat config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks ranges that the decoder cannot express.
func (c *Config) Validate() error {
	if c.Engine.Workers < 1 {
		return fmt.Errorf("engine.workers must be at least 1, got %d", c.Engine.Workers)
	}
	if c.Daemon.NightlyHour < 0 || c.Daemon.NightlyHour > 23 {
		return fmt.Errorf("daemon.nightly_hour must be between 0 and 23, got %d", c.Daemon.NightlyHour)
	}
	if c.Daemon.PollInterval <= 0 {
		return fmt.Errorf("daemon.poll_interval must be positive")
	}
	if _, err := time.LoadLocation(c.Daemon.TimeZone); err != nil {
		return fmt.Errorf("daemon.time_zone: %w", err)
	}
	return nil
}

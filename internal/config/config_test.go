package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Load(viper.New(), filepath.Join(t.TempDir(), FileName))
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, 4, cfg.Engine.Workers)
	assert.Equal(t, "UTC", cfg.Daemon.TimeZone)
	assert.Equal(t, time.Second, cfg.Daemon.PollInterval)
	assert.Equal(t, 30*time.Second, cfg.Daemon.LeaseFor)
	assert.Equal(t, 2, cfg.Daemon.NightlyHour)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	content := `
log:
  level: debug
  format: json
engine:
  workers: 8
daemon:
  time_zone: America/Chicago
  poll_interval: 5s
  nightly_hour: 3
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(viper.New(), path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8, cfg.Engine.Workers)
	assert.Equal(t, "America/Chicago", cfg.Daemon.TimeZone)
	assert.Equal(t, 5*time.Second, cfg.Daemon.PollInterval)
	assert.Equal(t, 3, cfg.Daemon.NightlyHour)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("PERFTRACK_ENGINE_WORKERS", "2")

	cfg, err := Load(viper.New(), "")
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Engine.Workers)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	require.NoError(t, os.WriteFile(path, []byte("engine:\n  workers: 0\n"), 0o644))

	_, err := Load(viper.New(), path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "engine.workers")
}

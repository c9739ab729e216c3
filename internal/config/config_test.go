package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)
	require.Equal(t, DefaultConfig(), cfg)
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
  "remote": {"url": "ws://robot.local:9000/ws", "request_timeout": "2s"},
  "reconnect": {"max_attempts": 3}
}`), 0o644))
	t.Setenv("KEYBRIDGE_RECONNECT_MAX_DELAY", "30s")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "ws://robot.local:9000/ws", cfg.Remote.URL)
	require.Equal(t, 2*time.Second, cfg.Remote.RequestTimeout)
	require.Equal(t, 3, cfg.Reconnect.MaxAttempts)
	require.Equal(t, 30*time.Second, cfg.Reconnect.MaxDelay)
	require.Equal(t, time.Second, cfg.Reconnect.InitialDelay)
}

func TestLoadRejectsInvalidURL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"remote": {"url": "http://robot.local/ws"}}`), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestSaveThenLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.json")
	cfg := DefaultConfig()
	cfg.Remote.URL = "wss://robot.example:443/ws"
	cfg.Journal.Path = "/tmp/keybridge.db"
	cfg.Reconnect.Jitter = 0

	require.NoError(t, Save(cfg, path))

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, cfg, loaded)
}

func TestValidateReconnectSchedule(t *testing.T) {
	for _, mutate := range []func(c *Config){
		func(c *Config) { c.Reconnect.Multiplier = 0.5 },
		func(c *Config) { c.Reconnect.Jitter = -0.1 },
		func(c *Config) { c.Reconnect.Jitter = 1 },
		func(c *Config) { c.Reconnect.MaxDelay = c.Reconnect.InitialDelay / 2 },
	} {
		cfg := DefaultConfig()
		mutate(&cfg)
		require.Error(t, cfg.Validate())
	}

	cfg := DefaultConfig()
	cfg.Reconnect.Multiplier = 1
	cfg.Reconnect.Jitter = 0
	require.NoError(t, cfg.Validate())
}

// Package config provides configuration loading for the input bridge.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	// Remote describes the controller endpoint this bridge connects to
	Remote RemoteConfig `mapstructure:"remote"`

	// Reconnect bounds the automatic reconnect schedule
	Reconnect ReconnectConfig `mapstructure:"reconnect"`

	// Surface is the local operator page that captures keyboard input
	Surface SurfaceConfig `mapstructure:"surface"`

	// RemoteServer configures the simulated remote started with -remote
	RemoteServer RemoteServerConfig `mapstructure:"remote_server"`

	Journal JournalConfig `mapstructure:"journal"`
	Log     LogConfig     `mapstructure:"log"`
	Tray    TrayConfig    `mapstructure:"tray"`
}

// RemoteConfig contains channel settings
type RemoteConfig struct {
	// URL is the websocket endpoint of the remote controller (e.g. "ws://robot.local:8765/ws")
	URL string `mapstructure:"url"`

	// RequestTimeout is how long a correlated request waits for its reply
	RequestTimeout time.Duration `mapstructure:"request_timeout"`

	// HeartbeatInterval is the websocket ping period
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
}

// ReconnectConfig contains the backoff schedule
type ReconnectConfig struct {
	// MaxAttempts is the number of failed attempts after which auto-retry stops
	MaxAttempts  int           `mapstructure:"max_attempts"`
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
	Multiplier   float64       `mapstructure:"multiplier"`

	// Jitter is the randomization factor applied to each delay (0 disables it)
	Jitter float64 `mapstructure:"jitter"`
}

// SurfaceConfig contains input surface settings
type SurfaceConfig struct {
	Listen      string `mapstructure:"listen"`
	OpenBrowser bool   `mapstructure:"open_browser"`
}

// RemoteServerConfig contains simulated remote settings
type RemoteServerConfig struct {
	Listen            string        `mapstructure:"listen"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
}

// JournalConfig contains the optional sqlite journal location ("" disables it)
type JournalConfig struct {
	Path string `mapstructure:"path"`
}

type LogConfig struct {
	Debug bool `mapstructure:"debug"`
}

type TrayConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// DefaultConfig returns a new Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		Remote: RemoteConfig{
			URL:               "ws://127.0.0.1:8765/ws",
			RequestTimeout:    5 * time.Second,
			HeartbeatInterval: 20 * time.Second,
		},
		Reconnect: ReconnectConfig{
			MaxAttempts:  15,
			InitialDelay: 1 * time.Second,
			MaxDelay:     5 * time.Second,
			Multiplier:   2,
			Jitter:       0.5,
		},
		Surface: SurfaceConfig{
			Listen:      "127.0.0.1:8000",
			OpenBrowser: true,
		},
		RemoteServer: RemoteServerConfig{
			Listen:            "0.0.0.0:8765",
			HeartbeatInterval: 10 * time.Second,
		},
	}
}

// Load reads configuration from path (or KEYBRIDGE_CONFIG, or the per-user default
// location) and applies KEYBRIDGE_* environment overrides. A missing file is not an error.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	v.SetConfigType("json")
	if path == "" {
		path = os.Getenv("KEYBRIDGE_CONFIG")
	}
	if path == "" {
		var err error
		if path, err = DefaultPath(); err != nil {
			return Config{}, err
		}
	}
	v.SetConfigFile(path)

	v.SetEnvPrefix("KEYBRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func setDefaults(v *viper.Viper, c Config) {
	v.SetDefault("remote.url", c.Remote.URL)
	v.SetDefault("remote.request_timeout", c.Remote.RequestTimeout.String())
	v.SetDefault("remote.heartbeat_interval", c.Remote.HeartbeatInterval.String())
	v.SetDefault("reconnect.max_attempts", c.Reconnect.MaxAttempts)
	v.SetDefault("reconnect.initial_delay", c.Reconnect.InitialDelay.String())
	v.SetDefault("reconnect.max_delay", c.Reconnect.MaxDelay.String())
	v.SetDefault("reconnect.multiplier", c.Reconnect.Multiplier)
	v.SetDefault("reconnect.jitter", c.Reconnect.Jitter)
	v.SetDefault("surface.listen", c.Surface.Listen)
	v.SetDefault("surface.open_browser", c.Surface.OpenBrowser)
	v.SetDefault("remote_server.listen", c.RemoteServer.Listen)
	v.SetDefault("remote_server.heartbeat_interval", c.RemoteServer.HeartbeatInterval.String())
	v.SetDefault("journal.path", c.Journal.Path)
	v.SetDefault("log.debug", c.Log.Debug)
	v.SetDefault("tray.enabled", c.Tray.Enabled)
}

// Validate rejects configurations the bridge cannot run with.
func (c Config) Validate() error {
	u, err := url.Parse(c.Remote.URL)
	if err != nil {
		return fmt.Errorf("remote.url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("remote.url: unsupported scheme %q", u.Scheme)
	}
	if c.Remote.RequestTimeout <= 0 {
		return errors.New("remote.request_timeout must be positive")
	}
	if c.Reconnect.MaxAttempts < 0 {
		return errors.New("reconnect.max_attempts must not be negative")
	}
	if c.Reconnect.InitialDelay <= 0 || c.Reconnect.MaxDelay < c.Reconnect.InitialDelay {
		return errors.New("reconnect delays must satisfy 0 < initial_delay <= max_delay")
	}
	if c.Reconnect.Multiplier < 1 {
		return errors.New("reconnect.multiplier must be at least 1")
	}
	if c.Reconnect.Jitter < 0 || c.Reconnect.Jitter >= 1 {
		return errors.New("reconnect.jitter must be in [0, 1)")
	}
	return nil
}

// Save writes the configuration to path as JSON, creating the directory if needed.
func Save(c Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir config dir: %w", err)
	}

	v := viper.New()
	v.SetConfigType("json")
	v.Set("remote.url", c.Remote.URL)
	v.Set("remote.request_timeout", c.Remote.RequestTimeout.String())
	v.Set("remote.heartbeat_interval", c.Remote.HeartbeatInterval.String())
	v.Set("reconnect.max_attempts", c.Reconnect.MaxAttempts)
	v.Set("reconnect.initial_delay", c.Reconnect.InitialDelay.String())
	v.Set("reconnect.max_delay", c.Reconnect.MaxDelay.String())
	v.Set("reconnect.multiplier", c.Reconnect.Multiplier)
	v.Set("reconnect.jitter", c.Reconnect.Jitter)
	v.Set("surface.listen", c.Surface.Listen)
	v.Set("surface.open_browser", c.Surface.OpenBrowser)
	v.Set("remote_server.listen", c.RemoteServer.Listen)
	v.Set("remote_server.heartbeat_interval", c.RemoteServer.HeartbeatInterval.String())
	v.Set("journal.path", c.Journal.Path)
	v.Set("log.debug", c.Log.Debug)
	v.Set("tray.enabled", c.Tray.Enabled)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// DefaultPath returns the per-user configuration file path
func DefaultPath() (string, error) {
	var configDir string

	switch runtime.GOOS {
	case "darwin":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		configDir = filepath.Join(home, "Library", "Application Support", "keybridge")
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			appData = filepath.Join(home, "AppData", "Roaming")
		}
		configDir = filepath.Join(appData, "keybridge")
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			base = filepath.Join(home, ".config")
		}
		configDir = filepath.Join(base, "keybridge")
	}

	return filepath.Join(configDir, "config.json"), nil
}

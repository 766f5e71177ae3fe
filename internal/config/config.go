package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the daemon configuration file (config.toml).
type Config struct {
	Server ServerConfig `toml:"server"`
	Bridge BridgeConfig `toml:"bridge"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Listen string `toml:"listen"`
}

// BridgeConfig holds session-manager tuning knobs.
type BridgeConfig struct {
	DataDir              string   `toml:"data_dir"`
	MaxReconnectAttempts int      `toml:"max_reconnect_attempts"`
	ReconnectDelay       duration `toml:"reconnect_delay"`
}

// duration wraps time.Duration for TOML decoding of strings like "3s".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default returns the built-in configuration, used when no file exists.
func Default(dataDir string) *Config {
	return &Config{
		Server: ServerConfig{Listen: "127.0.0.1:8270"},
		Bridge: BridgeConfig{
			DataDir:              dataDir,
			MaxReconnectAttempts: 5,
			ReconnectDelay:       duration{3 * time.Second},
		},
	}
}

// ReconnectDelayDuration returns the configured reconnect delay.
func (c *Config) ReconnectDelayDuration() time.Duration {
	return c.Bridge.ReconnectDelay.Duration
}

// Load reads config from the given path, filling unset fields with
// defaults. A missing file yields the defaults without error.
func Load(path, defaultDataDir string) (*Config, error) {
	cfg := Default(defaultDataDir)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	if cfg.Bridge.DataDir == "" {
		cfg.Bridge.DataDir = defaultDataDir
	}
	if cfg.Bridge.MaxReconnectAttempts <= 0 {
		cfg.Bridge.MaxReconnectAttempts = 5
	}
	if cfg.Bridge.ReconnectDelay.Duration <= 0 {
		cfg.Bridge.ReconnectDelay = duration{3 * time.Second}
	}
	if cfg.Server.Listen == "" {
		cfg.Server.Listen = "127.0.0.1:8270"
	}
	return cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

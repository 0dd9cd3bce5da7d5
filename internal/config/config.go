// Package config loads microchat configuration.
//
// Values come from Default, then the YAML file (when present), then the
// environment. Command-line flags are applied last by the caller.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jwulff/microchat/internal/bridge"
	"github.com/jwulff/microchat/internal/db"
	"github.com/jwulff/microchat/internal/relay"
	"github.com/jwulff/microchat/internal/transport"
)

// Config is the complete microchat configuration.
type Config struct {
	// Database is the SQLite file holding devices and sessions.
	Database string `yaml:"database"`

	Bridge BridgeConfig `yaml:"bridge"`
	Relay  RelayConfig  `yaml:"relay"`
	Log    LogConfig    `yaml:"log"`
}

// BridgeConfig configures the BLE bridge connection.
type BridgeConfig struct {
	// Endpoint is a Unix socket path or a ws:// URL.
	Endpoint string `yaml:"endpoint"`

	// SettleDelay is the wait between acquiring a device and opening it.
	SettleDelay string `yaml:"settle_delay"`

	// ScanTimeout bounds each device scan.
	ScanTimeout string `yaml:"scan_timeout"`

	// Prefixes restricts "add device" scans to these advertised name
	// prefixes. Default: the Espruino board names.
	Prefixes []string `yaml:"prefixes"`
}

// RelayConfig configures the MQTT relay bridge.
type RelayConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Channel string `yaml:"channel"`
	Trigger string `yaml:"trigger"`
	Payload string `yaml:"payload"`
	Window  int    `yaml:"window"`
}

// LogConfig configures logging.
type LogConfig struct {
	// File receives JSON log records. The terminal belongs to the UI.
	File  string `yaml:"file"`
	Level string `yaml:"level"`
	Debug bool   `yaml:"debug"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Database: db.DefaultDBPath(),
		Bridge: BridgeConfig{
			Endpoint:    bridge.SocketPath(),
			SettleDelay: transport.DefaultSettleDelay.String(),
			ScanTimeout: "5s",
		},
		Relay: RelayConfig{
			Enabled: true,
			URL:     relay.DefaultURL,
			Channel: relay.DefaultChannel,
			Trigger: relay.DefaultTrigger,
			Payload: relay.DefaultPayload,
			Window:  relay.DefaultWindow,
		},
		Log: LogConfig{
			File:  filepath.Join(filepath.Dir(db.DefaultDBPath()), "microchat.log"),
			Level: "info",
		},
	}
}

// DefaultPath returns the default config file location.
func DefaultPath() string {
	return filepath.Join(filepath.Dir(db.DefaultDBPath()), "config.yaml")
}

// Env reads environment variables.
type Env interface {
	Getenv(key string) string
}

type osEnv struct{}

func (osEnv) Getenv(key string) string { return os.Getenv(key) }

// Load reads path over the defaults and applies the process environment.
// A missing file is not an error.
func Load(path string) (*Config, error) {
	return LoadWithEnv(path, osEnv{})
}

// LoadWithEnv is Load with an explicit environment.
func LoadWithEnv(path string, env Env) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	if err := cfg.applyEnv(env); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(env Env) error {
	if v := env.Getenv("MICROCHAT_DB"); v != "" {
		c.Database = v
	}
	if v := env.Getenv("MICROCHAT_BRIDGE"); v != "" {
		c.Bridge.Endpoint = v
	}
	if v := env.Getenv("MICROCHAT_RELAY_URL"); v != "" {
		c.Relay.URL = v
	}
	if v := env.Getenv("MICROCHAT_RELAY"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid MICROCHAT_RELAY %q", v)
		}
		c.Relay.Enabled = enabled
	}
	if v := env.Getenv("MICROCHAT_LOG"); v != "" {
		c.Log.File = v
	}
	if env.Getenv("MICROCHAT_DEBUG") != "" {
		c.Log.Debug = true
	}
	return nil
}

// Validate checks values that are parsed lazily.
func (c *Config) Validate() error {
	if c.Database == "" {
		return fmt.Errorf("database path is required")
	}
	if c.Bridge.Endpoint == "" {
		return fmt.Errorf("bridge endpoint is required")
	}
	if _, err := c.Bridge.SettleDelayDuration(); err != nil {
		return err
	}
	if _, err := c.Bridge.ScanTimeoutDuration(); err != nil {
		return err
	}
	if c.Relay.Enabled && c.Relay.URL == "" {
		return fmt.Errorf("relay url is required when the relay is enabled")
	}
	return nil
}

// SettleDelayDuration parses SettleDelay.
func (b BridgeConfig) SettleDelayDuration() (time.Duration, error) {
	return parseDuration("bridge.settle_delay", b.SettleDelay)
}

// ScanTimeoutDuration parses ScanTimeout.
func (b BridgeConfig) ScanTimeoutDuration() (time.Duration, error) {
	return parseDuration("bridge.scan_timeout", b.ScanTimeout)
}

func parseDuration(field, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("invalid %s %q", field, value)
	}
	return d, nil
}

// Package config loads the miltertap configuration and holds it in an
// atomically swappable store so reloads never block running sessions.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// Config is the full daemon configuration. It is immutable once published
// to a Store; a reload builds a fresh value and swaps it in.
type Config struct {
	Server struct {
		// Listen addresses. A bare port means dual-stack on that port.
		Listen []string `toml:"listen"`
		// IdleTimeout is the per-connection no-traffic limit in seconds.
		IdleTimeout int `toml:"idle_timeout"`
	} `toml:"server"`

	Logging struct {
		Level string `toml:"level"`
	} `toml:"logging"`

	Metrics struct {
		Enabled bool   `toml:"enabled"`
		Listen  string `toml:"listen"`
	} `toml:"metrics"`
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.Server.Listen = []string{"8898"}
	cfg.Server.IdleTimeout = 30
	cfg.Logging.Level = "info"
	cfg.Metrics.Listen = ":9810"
	return cfg
}

// Load reads a TOML config file and applies defaults for anything unset.
// An empty path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if len(c.Server.Listen) == 0 {
		return errors.New("no listen address configured")
	}
	for _, addr := range c.Server.Listen {
		if _, err := normalizeAddr(addr); err != nil {
			return err
		}
	}
	if c.Server.IdleTimeout <= 0 {
		return errors.New("idle_timeout must be positive")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.Logging.Level)
	}
	return nil
}

// ListenAddrs returns the configured endpoints in net.Listen form. A bare
// port is normalized to ":port" which binds both address families.
func (c *Config) ListenAddrs() []string {
	addrs := make([]string, 0, len(c.Server.Listen))
	for _, addr := range c.Server.Listen {
		normalized, err := normalizeAddr(addr)
		if err != nil {
			// validate already rejected these
			continue
		}
		addrs = append(addrs, normalized)
	}
	return addrs
}

// IdleTimeout returns the per-connection idle limit as a duration.
func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.Server.IdleTimeout) * time.Second
}

func normalizeAddr(addr string) (string, error) {
	if _, err := strconv.ParseUint(addr, 10, 16); err == nil {
		return ":" + addr, nil
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return "", fmt.Errorf("invalid listen address %q: %w", addr, err)
	}
	return addr, nil
}

// Store is the shared, read-mostly config handle. Readers never block;
// a reload publishes a whole new Config atomically. Sessions snapshot the
// values they need at creation time, so a swap never reconfigures a
// connection that is already running.
type Store struct {
	v atomic.Pointer[Config]
}

// NewStore creates a store holding cfg.
func NewStore(cfg *Config) *Store {
	s := &Store{}
	s.v.Store(cfg)
	return s
}

// Current returns the config in effect right now.
func (s *Store) Current() *Config {
	return s.v.Load()
}

// Swap publishes a new config. Existing readers keep whatever snapshot
// they already took.
func (s *Store) Swap(cfg *Config) {
	s.v.Store(cfg)
}

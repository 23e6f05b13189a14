// Package policy loads the server configuration. Configuration is a YAML
// file named by the COLLABD_CONFIG environment variable; every field has a
// working default so the server runs with no file at all.
package policy

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the config file when set.
const EnvConfigPath = "COLLABD_CONFIG"

// RateLimitConfig shapes the per-agent fixed-window limiter on the REST
// surface.
type RateLimitConfig struct {
	WindowMS      int            `yaml:"window_ms"`
	DefaultPerMin int            `yaml:"default_per_min"`
	PerAgent      map[string]int `yaml:"per_agent"`
	ExcludedPaths []string       `yaml:"excluded_paths"`
}

type Config struct {
	UseMocks             bool            `yaml:"use_mocks"`
	DatabasePath         string          `yaml:"database_path"`
	LockTimeoutMS        int             `yaml:"lock_timeout_ms"`
	Port                 int             `yaml:"port"`
	EnableWebSocket      bool            `yaml:"enable_websocket"`
	EnableToolDispatcher bool            `yaml:"enable_tool_dispatcher"`
	LogFile              string          `yaml:"log_file"`
	RateLimit            RateLimitConfig `yaml:"rate_limit"`
	DiscoverLimit        int             `yaml:"discover_limit"`
	EventQueueSize       int             `yaml:"event_queue_size"`
	ConflictRetentionMS  int             `yaml:"conflict_retention_ms"`
	SweepIntervalMS      int             `yaml:"sweep_interval_ms"`
}

func DefaultConfig() *Config {
	return &Config{
		UseMocks:             true,
		DatabasePath:         "collabd.db",
		LockTimeoutMS:        300_000,
		Port:                 8417,
		EnableWebSocket:      true,
		EnableToolDispatcher: true,
		RateLimit: RateLimitConfig{
			WindowMS:      60_000,
			DefaultPerMin: 120,
			ExcludedPaths: []string{"/health", "/status", "/metrics"},
		},
		DiscoverLimit:       5,
		EventQueueSize:      1024,
		ConflictRetentionMS: 3_600_000,
		SweepIntervalMS:     30_000,
	}
}

// LoadConfig reads the YAML file at path over the defaults. An empty path
// falls back to COLLABD_CONFIG; if that is unset too, defaults are used.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.normalize()
	return cfg, nil
}

func (c *Config) normalize() {
	d := DefaultConfig()
	if c.LockTimeoutMS <= 0 {
		c.LockTimeoutMS = d.LockTimeoutMS
	}
	if c.Port <= 0 {
		c.Port = d.Port
	}
	if c.DiscoverLimit <= 0 {
		c.DiscoverLimit = d.DiscoverLimit
	}
	if c.EventQueueSize <= 0 {
		c.EventQueueSize = d.EventQueueSize
	}
	if c.ConflictRetentionMS <= 0 {
		c.ConflictRetentionMS = d.ConflictRetentionMS
	}
	if c.SweepIntervalMS <= 0 {
		c.SweepIntervalMS = d.SweepIntervalMS
	}
	if c.RateLimit.WindowMS <= 0 {
		c.RateLimit.WindowMS = d.RateLimit.WindowMS
	}
	if c.RateLimit.DefaultPerMin <= 0 {
		c.RateLimit.DefaultPerMin = d.RateLimit.DefaultPerMin
	}
}

func (c *Config) LockTimeout() time.Duration {
	return time.Duration(c.LockTimeoutMS) * time.Millisecond
}

func (c *Config) ConflictRetention() time.Duration {
	return time.Duration(c.ConflictRetentionMS) * time.Millisecond
}

func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalMS) * time.Millisecond
}

func (c *Config) RateLimitWindow() time.Duration {
	return time.Duration(c.RateLimit.WindowMS) * time.Millisecond
}

// SignalPath is the notify file siblings watch for store changes. It lives
// next to the database so every process sharing the db shares the signal.
func (c *Config) SignalPath() string {
	return c.DatabasePath + ".notify"
}

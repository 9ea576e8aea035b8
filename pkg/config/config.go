package config

import (
	"fmt"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/blebridge/internal/permission"
	"gopkg.in/yaml.v3"
)

// Config holds application configuration
type Config struct {
	LogLevel string `yaml:"log_level" default:"info"`

	// Adapter is the BlueZ adapter name used for power and bond control on Linux.
	Adapter string `yaml:"adapter" default:"hci0"`

	DefaultMTU     int           `yaml:"default_mtu" default:"20"`
	GattTimeout    time.Duration `yaml:"gatt_timeout" default:"0s"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" default:"30s"`
	EventBuffer    int           `yaml:"event_buffer" default:"256"`
	ScanRingSize   uint32        `yaml:"scan_ring_size" default:"1024"`

	// Permissions maps a capability name to "granted", "ask" or "denied".
	Permissions map[string]string `yaml:"permissions"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads a YAML file over the defaults. Keys absent from the file keep their default.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %q: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %q: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the values a YAML file may have broken.
func (c *Config) Validate() error {
	if _, err := c.Level(); err != nil {
		return err
	}
	if c.DefaultMTU < 0 || c.EventBuffer < 0 {
		return fmt.Errorf("default_mtu and event_buffer must not be negative")
	}
	if c.GattTimeout < 0 || c.ConnectTimeout < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	_, err := c.PermissionPolicy()
	return err
}

// Level parses LogLevel.
func (c *Config) Level() (logrus.Level, error) {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel, fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}
	return level, nil
}

// PermissionPolicy converts Permissions into the decisions of the permission gate.
func (c *Config) PermissionPolicy() (map[string]permission.Decision, error) {
	policy := make(map[string]permission.Decision, len(c.Permissions))
	for capability, value := range c.Permissions {
		decision, err := permission.ParseDecision(value)
		if err != nil {
			return nil, fmt.Errorf("permission %q: %w", capability, err)
		}
		policy[capability] = decision
	}
	return policy, nil
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	level, err := c.Level()
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}

// Package config handles Reeve configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/reeve/config.yaml, /etc/reeve/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "reeve", "config.yaml"))
	}

	paths = append(paths, "/etc/reeve/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Reeve configuration.
type Config struct {
	Listen    ListenConfig    `yaml:"listen"`
	Service   ServiceConfig   `yaml:"service"`
	Store     StoreConfig     `yaml:"store"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Webhooks  []WebhookConfig `yaml:"webhooks"`
	DataDir   string          `yaml:"data_dir"`
	LogLevel  string          `yaml:"log_level"`
	LogFormat string          `yaml:"log_format"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// ServiceConfig identifies this deployment. The name appears in the
// health endpoint and MQTT topics; the environment is embedded in
// generated trace IDs so log lines from different deployments can be
// told apart downstream.
type ServiceConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
}

// StoreConfig selects the checkpoint store backend. The reconstruction
// core never reads this — the switch is consumed once at startup when
// the store is constructed.
type StoreConfig struct {
	// Backend is "memory" (ephemeral, per-process) or "sqlite"
	// (persistent, shared with the producing agent process).
	Backend string `yaml:"backend"`
	// Path is the SQLite database file. Empty means
	// <data_dir>/checkpoints.db.
	Path string `yaml:"path"`
}

// SQLitePath returns the checkpoint database path, applying the
// data-dir default.
func (s StoreConfig) SQLitePath(dataDir string) string {
	if s.Path != "" {
		return s.Path
	}
	return filepath.Join(dataDir, "checkpoints.db")
}

// MQTTConfig defines the optional status announcer. When a broker is
// configured, Reeve publishes availability, periodic service stats,
// and per-event notifications.
type MQTTConfig struct {
	Broker             string `yaml:"broker"` // e.g. mqtt://host:1883 or mqtts://host:8883
	Username           string `yaml:"username"`
	Password           string `yaml:"password"`
	DeviceName         string `yaml:"device_name"`
	PublishIntervalSec int    `yaml:"publish_interval_sec"`
}

// Configured reports whether MQTT announcing is enabled.
func (m MQTTConfig) Configured() bool {
	return m.Broker != ""
}

// WebhookConfig defines one outbound event notification target.
type WebhookConfig struct {
	URL string `yaml:"url"`
	// Kinds filters which event kinds are delivered. Empty means all.
	Kinds []string `yaml:"kinds"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{Port: 8080},
		Service: ServiceConfig{
			Name:        "Reeve",
			Environment: "dev",
		},
		Store: StoreConfig{
			Backend: "memory",
		},
		MQTT: MQTTConfig{
			DeviceName:         "reeve",
			PublishIntervalSec: 60,
		},
		DataDir: "./data",
	}
}

// Validate checks config values that would otherwise fail deep inside
// startup. Returns the first problem found.
func (c *Config) Validate() error {
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		return fmt.Errorf("unknown log format %q (valid: text, json)", c.LogFormat)
	}
	switch c.Store.Backend {
	case "memory", "sqlite":
	default:
		return fmt.Errorf("unknown store backend %q (valid: memory, sqlite)", c.Store.Backend)
	}
	if c.Listen.Port <= 0 || c.Listen.Port > 65535 {
		return fmt.Errorf("listen port %d out of range", c.Listen.Port)
	}
	if c.MQTT.Configured() && c.MQTT.PublishIntervalSec <= 0 {
		return fmt.Errorf("mqtt publish_interval_sec must be positive")
	}
	for i, wh := range c.Webhooks {
		if wh.URL == "" {
			return fmt.Errorf("webhook %d has no url", i)
		}
	}
	return nil
}

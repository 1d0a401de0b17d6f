// Package config loads the sentinel configuration: built-in defaults,
// optionally overlaid by a YAML file, then by environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values like "5m" parse.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", node.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the full runtime configuration.
type Config struct {
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`
	DBPath string `yaml:"dbPath"`

	OAuth   OAuthConfig   `yaml:"oauth"`
	Route   RouteConfig   `yaml:"route"`
	Trigger TriggerConfig `yaml:"trigger"`
	Poll    PollConfig    `yaml:"poll"`
}

// OAuthConfig carries the identity-provider client credentials.
type OAuthConfig struct {
	ClientID     string `yaml:"clientId"`
	ClientSecret string `yaml:"clientSecret"`
}

// RouteConfig selects which base URLs the API client talks to.
type RouteConfig struct {
	Sandbox     bool   `yaml:"sandbox"`
	OverrideURL string `yaml:"overrideUrl"`
}

// TriggerConfig tunes wake-up runs.
type TriggerConfig struct {
	Cooldown    Duration `yaml:"cooldown"`
	Concurrency int      `yaml:"concurrency"`
	Prompt      string   `yaml:"prompt"`
	// Models restricts automatic wake-ups; empty means all models.
	Models []string `yaml:"models"`
}

// PollConfig tunes the quota poller.
type PollConfig struct {
	Interval    Duration `yaml:"interval"`
	AutoTrigger bool     `yaml:"autoTrigger"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Host:   "127.0.0.1",
		Port:   8087,
		DBPath: "sentinel.db",
		Trigger: TriggerConfig{
			Cooldown:    Duration(5 * time.Minute),
			Concurrency: 4,
		},
		Poll: PollConfig{
			Interval:    Duration(5 * time.Minute),
			AutoTrigger: true,
		},
	}
}

// Load builds the configuration from defaults, the YAML file at path
// (skipped when path is "" and no sentinel.yaml exists), and environment
// variables, in that order.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		if _, err := os.Stat("sentinel.yaml"); err == nil {
			path = "sentinel.yaml"
		}
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

// applyEnv overlays SENTINEL_* and GOOGLE_* environment variables.
func (c *Config) applyEnv() {
	if v := os.Getenv("SENTINEL_HOST"); v != "" {
		c.Host = v
	}
	if v := os.Getenv("SENTINEL_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Port = port
		}
	}
	if v := os.Getenv("SENTINEL_DB_PATH"); v != "" {
		c.DBPath = v
	}
	if v := os.Getenv("SENTINEL_SANDBOX"); v != "" {
		c.Route.Sandbox = v == "1" || v == "true"
	}
	if v := os.Getenv("SENTINEL_BASE_URL"); v != "" {
		c.Route.OverrideURL = v
	}
	if v := os.Getenv("SENTINEL_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Poll.Interval = Duration(d)
		}
	}
	if v := os.Getenv("SENTINEL_TRIGGER_COOLDOWN"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Trigger.Cooldown = Duration(d)
		}
	}
	if v := os.Getenv("GOOGLE_CLIENT_ID"); v != "" {
		c.OAuth.ClientID = v
	}
	if v := os.Getenv("GOOGLE_CLIENT_SECRET"); v != "" {
		c.OAuth.ClientSecret = v
	}
}

// Addr is the control API listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Environment variables that override file values.
const (
	EnvAPIURL      = "FACTORYCTL_API_URL"
	EnvWSURL       = "FACTORYCTL_WS_URL"
	EnvDatabaseURL = "FACTORYCTL_DATABASE_URL"
)

// Load reads and parses a configuration from the given YAML file path.
// After parsing, it applies environment overrides and defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	applyEnv(&cfg)
	applyDefaults(&cfg)
	return &cfg, nil
}

// LoadDefault searches for a config in standard locations and loads the
// first one found. Search order: ./factoryctl.yaml, ~/.factoryctl/config.yaml.
// When neither exists the built-in defaults are returned.
func LoadDefault() (*Config, error) {
	for _, path := range searchPaths() {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}
	return Default(), nil
}

// Default returns the built-in configuration with environment overrides.
func Default() *Config {
	var cfg Config
	applyEnv(&cfg)
	applyDefaults(&cfg)
	return &cfg
}

func searchPaths() []string {
	candidates := []string{"factoryctl.yaml"}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".factoryctl", "config.yaml"))
	}
	return candidates
}

func applyEnv(cfg *Config) {
	if v := os.Getenv(EnvAPIURL); v != "" {
		cfg.Server.APIURL = v
	}
	if v := os.Getenv(EnvWSURL); v != "" {
		cfg.Server.WSURL = v
	}
	if v := os.Getenv(EnvDatabaseURL); v != "" {
		cfg.Journal.DatabaseURL = v
	}
}

// applyDefaults fills every unset value. Explicit zero values for the
// pointer fields are kept.
func applyDefaults(cfg *Config) {
	s := &cfg.Server
	if s.APIURL == "" {
		s.APIURL = DefaultAPIURL
	}
	if s.WSURL == "" {
		s.WSURL = DefaultWSURL
	}
	if s.RequestTimeout == 0 {
		s.RequestTimeout = DefaultRequestTimeout
	}
	if s.RetryMax == 0 {
		s.RetryMax = DefaultRetryMax
	}

	c := &cfg.Channel
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.ReconnectInterval == 0 {
		c.ReconnectInterval = DefaultReconnectInterval
	}

	if cfg.DraftsDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.DraftsDir = filepath.Join(home, ".factoryctl", "drafts")
		} else {
			cfg.DraftsDir = ".factoryctl/drafts"
		}
	}
}

package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Supervisor token sources, checked in order.
const (
	EnvSupervisorToken  = "SUPERVISOR_TOKEN"
	EnvHassioToken      = "HASSIO_TOKEN"
	SupervisorTokenFile = "/run/secrets/SUPERVISOR_TOKEN"
)

// Load reads and validates the configuration from the given path.
// Files ending in .json are parsed as JSON (the addon options format);
// everything else is parsed as YAML.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path from trusted startup flag
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	switch filepath.Ext(path) {
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.ApplyDefaults()
	cfg.ResolveSupervisorToken()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// ResolveSupervisorToken fills Supervisor.Token from the environment or
// the token secret file when the config itself carries none.
func (c *Config) ResolveSupervisorToken() {
	if c.Supervisor.Token != "" {
		return
	}
	if token := os.Getenv(EnvSupervisorToken); token != "" {
		c.Supervisor.Token = token
		return
	}
	if token := os.Getenv(EnvHassioToken); token != "" {
		c.Supervisor.Token = token
		return
	}
	if data, err := os.ReadFile(SupervisorTokenFile); err == nil {
		c.Supervisor.Token = strings.TrimSpace(string(data))
	}
}

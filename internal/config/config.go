// Package config provides configuration loading and validation for the
// gateway. The configuration is loaded once at startup and treated as
// immutable for the process lifetime.
package config

import (
	"errors"
	"fmt"
	"net"
	"time"
)

// Authentication modes.
const (
	// AuthModeAPIKey accepts only locally issued API keys.
	AuthModeAPIKey = "api_key"

	// AuthModeUpstreamToken accepts only tokens validated against the
	// upstream service's own identity endpoint.
	AuthModeUpstreamToken = "upstream_token"

	// AuthModeBoth tries API keys first, then upstream tokens.
	AuthModeBoth = "both"
)

// Default values.
const (
	DefaultListenAddress     = "0.0.0.0"
	DefaultListenPort        = 8099
	DefaultRatePerMinute     = 30
	DefaultRatePerHour       = 500
	DefaultKeysDBPath        = "/data/keys.json"
	DefaultSweepInterval     = time.Hour
	DefaultSupervisorURL     = "http://supervisor"
	DefaultCoreURL           = "http://supervisor/core"
	DefaultAddonSlug         = "supervisor_api_gateway"
	DefaultSupervisorTimeout = 10 * time.Second
)

// Config is the top-level gateway configuration.
type Config struct {
	// Listen configures the HTTP listener.
	Listen ListenConfig `yaml:"listen" json:"listen"`

	// Logging configures structured logging.
	Logging LoggingConfig `yaml:"logging" json:"logging"`

	// AuthMode selects the authentication strategies to run.
	// One of: api_key, upstream_token, both.
	AuthMode string `yaml:"auth_mode" json:"auth_mode"`

	// MasterKey gates the /manage endpoints. Management endpoints
	// return 503 until it is configured.
	MasterKey string `yaml:"master_key" json:"master_key"`

	// EmergencyDisable blocks all protected traffic when set.
	EmergencyDisable bool `yaml:"enable_emergency_disable" json:"enable_emergency_disable"`

	// IPWhitelist is the list of allowed source addresses. Empty means
	// every address is allowed.
	IPWhitelist []string `yaml:"ip_whitelist" json:"ip_whitelist"`

	// RateLimit configures the per-identity sliding windows.
	RateLimit RateLimitConfig `yaml:"rate_limit" json:"rate_limit"`

	// TrustedProxies are CIDRs or addresses whose X-Forwarded-For
	// headers are honored when resolving the client address.
	TrustedProxies []string `yaml:"trusted_proxies" json:"trusted_proxies"`

	// TrustIngressHeader enables the trusted-ingress passthrough
	// strategy. The ingress marker is a plain header with no
	// cryptographic binding to the front door: the operator must make
	// the gateway unreachable except through the front door. Defaults
	// to true to match the addon deployment; set false when the
	// gateway is exposed directly.
	TrustIngressHeader *bool `yaml:"trust_ingress_header" json:"trust_ingress_header"`

	// KeysDBPath is the path of the persisted key database.
	KeysDBPath string `yaml:"keys_db_path" json:"keys_db_path"`

	// LegacyAPIKeys are plain secrets migrated into the key database
	// once at startup.
	LegacyAPIKeys []string `yaml:"api_keys" json:"api_keys"`

	// Supervisor configures the upstream client.
	Supervisor SupervisorConfig `yaml:"supervisor" json:"supervisor"`
}

// ListenConfig configures the HTTP listener.
type ListenConfig struct {
	Address string `yaml:"address" json:"address"`
	Port    int    `yaml:"port" json:"port"`
}

// Addr returns the listen address in host:port form.
func (c ListenConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Address, c.Port)
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// RateLimitConfig configures the per-identity sliding windows.
type RateLimitConfig struct {
	// PerMinute is the maximum number of requests in the trailing minute.
	PerMinute int `yaml:"per_minute" json:"per_minute"`

	// PerHour is the maximum number of requests in the trailing hour.
	PerHour int `yaml:"per_hour" json:"per_hour"`
}

// SupervisorConfig configures access to the upstream management API.
type SupervisorConfig struct {
	// BaseURL is the supervisor API root.
	BaseURL string `yaml:"base_url" json:"base_url"`

	// CoreURL is the core API root used for token introspection.
	CoreURL string `yaml:"core_url" json:"core_url"`

	// Token authenticates the gateway against the supervisor API.
	// Resolved from the environment or token file when empty.
	Token string `yaml:"token" json:"token"`

	// AddonSlug identifies this gateway's own addon for rotation.
	AddonSlug string `yaml:"addon_slug" json:"addon_slug"`

	// Timeout is the timeout for addon option reads and writes.
	Timeout Duration `yaml:"timeout" json:"timeout"`
}

// ApplyDefaults fills in zero values with defaults.
func (c *Config) ApplyDefaults() {
	if c.Listen.Address == "" {
		c.Listen.Address = DefaultListenAddress
	}
	if c.Listen.Port == 0 {
		c.Listen.Port = DefaultListenPort
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.AuthMode == "" {
		c.AuthMode = AuthModeAPIKey
	}
	if c.TrustIngressHeader == nil {
		trust := true
		c.TrustIngressHeader = &trust
	}
	if c.RateLimit.PerMinute == 0 {
		c.RateLimit.PerMinute = DefaultRatePerMinute
	}
	if c.RateLimit.PerHour == 0 {
		c.RateLimit.PerHour = DefaultRatePerHour
	}
	if c.KeysDBPath == "" {
		c.KeysDBPath = DefaultKeysDBPath
	}
	if c.Supervisor.BaseURL == "" {
		c.Supervisor.BaseURL = DefaultSupervisorURL
	}
	if c.Supervisor.CoreURL == "" {
		c.Supervisor.CoreURL = DefaultCoreURL
	}
	if c.Supervisor.AddonSlug == "" {
		c.Supervisor.AddonSlug = DefaultAddonSlug
	}
	if c.Supervisor.Timeout == 0 {
		c.Supervisor.Timeout = Duration(DefaultSupervisorTimeout)
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	switch c.AuthMode {
	case AuthModeAPIKey, AuthModeUpstreamToken, AuthModeBoth:
	default:
		return fmt.Errorf("invalid auth_mode: %s", c.AuthMode)
	}

	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		return fmt.Errorf("invalid listen port: %d", c.Listen.Port)
	}

	if c.RateLimit.PerMinute < 1 {
		return errors.New("rate_limit.per_minute must be positive")
	}
	if c.RateLimit.PerHour < 1 {
		return errors.New("rate_limit.per_hour must be positive")
	}

	for _, ip := range c.IPWhitelist {
		if net.ParseIP(ip) == nil {
			return fmt.Errorf("invalid ip_whitelist entry: %s", ip)
		}
	}

	return nil
}

// HasMasterKey reports whether the management surface is usable.
func (c *Config) HasMasterKey() bool {
	return c.MasterKey != ""
}

// TrustIngress reports whether the ingress passthrough strategy is
// enabled.
func (c *Config) TrustIngress() bool {
	return c.TrustIngressHeader != nil && *c.TrustIngressHeader
}

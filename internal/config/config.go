// Package config provides the file- and environment-based configuration
// schema for the simplerequest server binary.
package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration for a simplerequest server.
type Config struct {
	// Server configures the HTTP listener.
	Server ServerConfig `yaml:"server" mapstructure:"server"`

	// RateLimit configures admission control.
	RateLimit RateLimitConfig `yaml:"rate_limit" mapstructure:"rate_limit"`

	// Auth configures the accepted API keys.
	Auth AuthConfig `yaml:"auth" mapstructure:"auth"`

	// Guard configures the optional request guard expression.
	Guard GuardConfig `yaml:"guard" mapstructure:"guard"`

	// Audit configures the request audit trail.
	Audit AuditConfig `yaml:"audit" mapstructure:"audit"`

	// Telemetry configures trace and metric export.
	Telemetry TelemetryConfig `yaml:"telemetry" mapstructure:"telemetry"`

	// DevMode enables development conveniences (debug logging, a default
	// API key). Never enable in production.
	DevMode bool `yaml:"dev_mode" mapstructure:"dev_mode"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	// Addr is the listen address (e.g. "127.0.0.1:8080").
	// Defaults to "127.0.0.1:8080" (localhost only) if empty.
	Addr string `yaml:"addr" mapstructure:"addr" validate:"omitempty,hostname_port"`

	// LogLevel sets the minimum log level.
	// Valid values: "debug", "info", "warn", "error".
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn warning error"`

	// ShutdownTimeout bounds graceful shutdown (e.g. "10s").
	ShutdownTimeout string `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" validate:"omitempty,duration"`
}

// RateLimitConfig configures the rate limit registry.
type RateLimitConfig struct {
	// Enabled turns admission control on or off.
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`

	// Algorithm names the default rule's algorithm. One of: fixed_window,
	// user_fixed_window, cooldown_fixed_window, cooldown_user_fixed_window,
	// sliding_window, token_bucket.
	Algorithm string `yaml:"algorithm" mapstructure:"algorithm" validate:"omitempty,ratelimit_algorithm"`

	// MaxRequests is the default rule's capacity per window.
	MaxRequests int `yaml:"max_requests" mapstructure:"max_requests" validate:"omitempty,min=0"`

	// Window is the default rule's window length (e.g. "1m").
	Window string `yaml:"window" mapstructure:"window" validate:"omitempty,duration"`

	// SweepInterval is how often idle caller state is swept (e.g. "5m").
	SweepInterval string `yaml:"sweep_interval" mapstructure:"sweep_interval" validate:"omitempty,duration"`

	// IdleTTL is how long caller state may sit unused before eviction.
	IdleTTL string `yaml:"idle_ttl" mapstructure:"idle_ttl" validate:"omitempty,duration"`

	// Rules are additional rules bound to path templates. All rules whose
	// path matches a request apply alongside the default rule.
	Rules []RuleConfig `yaml:"rules" mapstructure:"rules" validate:"omitempty,dive"`
}

// RuleConfig binds one rate limit rule to a path template.
type RuleConfig struct {
	// Key identifies the rule. Must be unique within the configuration.
	Key string `yaml:"key" mapstructure:"key" validate:"required"`

	// Path is the route template the rule applies to (e.g. "/user/{id}/").
	Path string `yaml:"path" mapstructure:"path" validate:"required"`

	// Algorithm names the rule's algorithm.
	Algorithm string `yaml:"algorithm" mapstructure:"algorithm" validate:"required,ratelimit_algorithm"`

	// MaxRequests is the capacity per window.
	MaxRequests int `yaml:"max_requests" mapstructure:"max_requests" validate:"min=0"`

	// Window is the window length (e.g. "10s").
	Window string `yaml:"window" mapstructure:"window" validate:"required,duration"`
}

// AuthConfig configures file-based API key authentication.
type AuthConfig struct {
	// APIKeys defines the accepted keys.
	APIKeys []APIKeyConfig `yaml:"api_keys" mapstructure:"api_keys" validate:"omitempty,dive"`
}

// APIKeyConfig defines one accepted API key.
type APIKeyConfig struct {
	// ID identifies the caller this key authenticates as.
	ID string `yaml:"id" mapstructure:"id" validate:"required"`

	// KeyHash is the hash of the key material: either a PHC argon2id
	// string ("$argon2id$...") or "sha256:<hex>".
	// Generate with: simplerequest hash-key
	KeyHash string `yaml:"key_hash" mapstructure:"key_hash" validate:"required,key_hash"`

	// System grants the key system-level access.
	System bool `yaml:"system" mapstructure:"system"`
}

// GuardConfig configures the CEL request guard.
type GuardConfig struct {
	// Enabled turns the guard on or off.
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`

	// Expression is a CEL expression over (method, path, caller) that must
	// evaluate to true for a request to proceed.
	Expression string `yaml:"expression" mapstructure:"expression"`

	// Timeout bounds a single evaluation (e.g. "50ms").
	Timeout string `yaml:"timeout" mapstructure:"timeout" validate:"omitempty,duration"`
}

// AuditConfig configures the SQLite-backed audit trail.
type AuditConfig struct {
	// Enabled turns auditing on or off.
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`

	// Path is the SQLite database file. ":memory:" keeps the trail
	// in-process only.
	Path string `yaml:"path" mapstructure:"path"`

	// QueueSize is the buffer between request handling and the writer.
	// Records are dropped, never blocked on, when the buffer is full.
	QueueSize int `yaml:"queue_size" mapstructure:"queue_size" validate:"omitempty,min=1"`
}

// TelemetryConfig configures OpenTelemetry export.
type TelemetryConfig struct {
	// Enabled turns trace and metric export on or off.
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`

	// Interval is the metric export interval (e.g. "30s").
	Interval string `yaml:"interval" mapstructure:"interval" validate:"omitempty,duration"`
}

// SetDefaults applies default values for optional fields.
func (c *Config) SetDefaults() {
	// Bind to localhost only unless the operator opts into network access.
	if c.Server.Addr == "" {
		c.Server.Addr = "127.0.0.1:8080"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Server.ShutdownTimeout == "" {
		c.Server.ShutdownTimeout = "10s"
	}

	// Rate limiting is on by default. viper.IsSet distinguishes "not set"
	// from an explicit false.
	if !viper.IsSet("rate_limit.enabled") {
		c.RateLimit.Enabled = true
	}
	if c.RateLimit.Algorithm == "" {
		c.RateLimit.Algorithm = "fixed_window"
	}
	if c.RateLimit.MaxRequests == 0 {
		c.RateLimit.MaxRequests = 100
	}
	if c.RateLimit.Window == "" {
		c.RateLimit.Window = "1m"
	}
	if c.RateLimit.SweepInterval == "" {
		c.RateLimit.SweepInterval = "5m"
	}
	if c.RateLimit.IdleTTL == "" {
		c.RateLimit.IdleTTL = "1h"
	}

	if c.Guard.Timeout == "" {
		c.Guard.Timeout = "50ms"
	}

	if c.Audit.Path == "" {
		c.Audit.Path = "simplerequest-audit.db"
	}
	if c.Audit.QueueSize == 0 {
		c.Audit.QueueSize = 1000
	}

	if c.Telemetry.Interval == "" {
		c.Telemetry.Interval = "30s"
	}
}

// SetDevDefaults applies permissive defaults for development mode.
// Applied after SetDefaults and before Validate.
func (c *Config) SetDevDefaults() {
	if !c.DevMode {
		return
	}

	c.Server.LogLevel = "debug"

	// SHA-256 of "dev-api-key".
	if len(c.Auth.APIKeys) == 0 {
		c.Auth.APIKeys = []APIKeyConfig{
			{
				ID:      "dev-user",
				KeyHash: "sha256:6e1e4e1b8f8b36d08901cdb51b97841dfe20f5efd2fd2fd00768971408c46274",
				System:  true,
			},
		}
	}

	// Keep the audit trail in memory during development.
	if !viper.IsSet("audit.path") {
		c.Audit.Path = ":memory:"
	}
}

// Duration parses a duration field that already passed validation.
// Invalid input yields the zero duration.
func Duration(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// InitViper initializes Viper with the configuration file and environment
// variables. If configFile is empty, standard locations are searched for
// simplerequest.yaml/.yml. The search requires an explicit YAML extension so
// the binary itself (same base name, no extension) is never matched.
func InitViper(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		// No file found anywhere. Set name/type without search paths so
		// ReadInConfig returns ConfigFileNotFoundError, which callers
		// handle gracefully.
		viper.SetConfigName("simplerequest")
		viper.SetConfigType("yaml")
	}

	// Environment variable support: SIMPLEREQUEST_SERVER_ADDR etc.
	viper.SetEnvPrefix("SIMPLEREQUEST")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	bindNestedEnvKeys()
}

// findConfigFile searches standard locations for a simplerequest config file
// with an explicit .yaml or .yml extension.
func findConfigFile() string {
	home, _ := os.UserHomeDir()
	paths := []string{
		".",
		filepath.Join(home, ".simplerequest"),
		"/etc/simplerequest",
	}
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "simplerequest"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// bindNestedEnvKeys binds the scalar config keys for environment variable
// support. Array-valued keys (rate_limit.rules, auth.api_keys) stay
// file-only.
func bindNestedEnvKeys() {
	_ = viper.BindEnv("server.addr")
	_ = viper.BindEnv("server.log_level")
	_ = viper.BindEnv("server.shutdown_timeout")

	_ = viper.BindEnv("rate_limit.enabled")
	_ = viper.BindEnv("rate_limit.algorithm")
	_ = viper.BindEnv("rate_limit.max_requests")
	_ = viper.BindEnv("rate_limit.window")
	_ = viper.BindEnv("rate_limit.sweep_interval")
	_ = viper.BindEnv("rate_limit.idle_ttl")

	_ = viper.BindEnv("guard.enabled")
	_ = viper.BindEnv("guard.expression")
	_ = viper.BindEnv("guard.timeout")

	_ = viper.BindEnv("audit.enabled")
	_ = viper.BindEnv("audit.path")
	_ = viper.BindEnv("audit.queue_size")

	_ = viper.BindEnv("telemetry.enabled")
	_ = viper.BindEnv("telemetry.interval")

	_ = viper.BindEnv("dev_mode")
}

// Load reads the configuration file, applies environment overrides and
// defaults, and validates the result.
func Load() (*Config, error) {
	cfg, err := LoadRaw()
	if err != nil {
		return nil, err
	}

	cfg.SetDevDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// LoadRaw reads the configuration and applies defaults but skips dev
// defaults and validation. Use when CLI flags may still override DevMode.
func LoadRaw() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Missing file is fine: run on env vars and defaults alone.
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.SetDefaults()
	return &cfg, nil
}

// ConfigFileUsed returns the path of the loaded configuration file, or an
// empty string when running on environment variables only.
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}

// WriteDefault writes a starter configuration file to path. It refuses to
// overwrite an existing file.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("refusing to overwrite existing file %s", path)
	}

	var cfg Config
	cfg.SetDefaults()
	cfg.RateLimit.Rules = []RuleConfig{
		{
			Key:         "login-burst",
			Path:        "/login/",
			Algorithm:   "cooldown_user_fixed_window",
			MaxRequests: 5,
			Window:      "1m",
		},
	}

	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal default config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

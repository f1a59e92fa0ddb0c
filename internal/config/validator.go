package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/codingphoenixx/simplerequest/pkg/ratelimit"
	"github.com/codingphoenixx/simplerequest/pkg/router"
)

// RegisterCustomValidators registers simplerequest-specific validation
// rules. Must be called before validating a Config.
func RegisterCustomValidators(v *validator.Validate) error {
	if err := v.RegisterValidation("duration", validateDuration); err != nil {
		return fmt.Errorf("failed to register duration validator: %w", err)
	}
	if err := v.RegisterValidation("ratelimit_algorithm", validateAlgorithm); err != nil {
		return fmt.Errorf("failed to register ratelimit_algorithm validator: %w", err)
	}
	if err := v.RegisterValidation("key_hash", validateKeyHash); err != nil {
		return fmt.Errorf("failed to register key_hash validator: %w", err)
	}
	return nil
}

// validateDuration accepts any positive time.ParseDuration string.
func validateDuration(fl validator.FieldLevel) bool {
	d, err := time.ParseDuration(fl.Field().String())
	return err == nil && d > 0
}

// validateAlgorithm accepts the rate limit algorithm names.
func validateAlgorithm(fl validator.FieldLevel) bool {
	_, err := ratelimit.ParseAlgorithm(fl.Field().String())
	return err == nil
}

// validateKeyHash accepts PHC argon2id strings and "sha256:<hex>" digests.
func validateKeyHash(fl validator.FieldLevel) bool {
	h := fl.Field().String()
	if strings.HasPrefix(h, "$argon2id$") {
		return true
	}
	if rest, ok := strings.CutPrefix(h, "sha256:"); ok {
		return len(rest) == 64
	}
	return false
}

// Validate checks the configuration using struct tags plus cross-field
// rules, returning actionable error messages.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := RegisterCustomValidators(v); err != nil {
		return err
	}

	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	if err := c.validateRuleBindings(); err != nil {
		return err
	}
	if err := c.validateKeyIDs(); err != nil {
		return err
	}
	return nil
}

// validateRuleBindings checks rule keys for uniqueness and path templates
// for compilability.
func (c *Config) validateRuleBindings() error {
	seen := make(map[string]struct{}, len(c.RateLimit.Rules))
	for i, rule := range c.RateLimit.Rules {
		if _, dup := seen[rule.Key]; dup {
			return fmt.Errorf("rate_limit.rules[%d]: duplicate key %q", i, rule.Key)
		}
		seen[rule.Key] = struct{}{}

		if _, err := router.Compile(rule.Path); err != nil {
			return fmt.Errorf("rate_limit.rules[%d]: invalid path template %q: %w", i, rule.Path, err)
		}
	}
	return nil
}

// validateKeyIDs ensures API key IDs are unique.
func (c *Config) validateKeyIDs() error {
	seen := make(map[string]struct{}, len(c.Auth.APIKeys))
	for i, key := range c.Auth.APIKeys {
		if _, dup := seen[key.ID]; dup {
			return fmt.Errorf("auth.api_keys[%d]: duplicate id %q", i, key.ID)
		}
		seen[key.ID] = struct{}{}
	}
	return nil
}

// formatValidationErrors converts validator.ValidationErrors to
// user-friendly messages.
func formatValidationErrors(err error) error {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		var messages []string
		for _, e := range validationErrors {
			messages = append(messages, formatSingleValidationError(e))
		}
		return errors.New(strings.Join(messages, "; "))
	}
	return err
}

// formatSingleValidationError creates a user-friendly message for one
// validation error.
func formatSingleValidationError(e validator.FieldError) string {
	field := e.Namespace()
	switch e.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "hostname_port":
		return fmt.Sprintf("%s must be a valid host:port", field)
	case "duration":
		return fmt.Sprintf("%s must be a positive duration (e.g. \"30s\", \"5m\")", field)
	case "ratelimit_algorithm":
		return fmt.Sprintf("%s must name a known rate limit algorithm", field)
	case "key_hash":
		return fmt.Sprintf("%s must be a PHC argon2id string or sha256:<hex>", field)
	default:
		return fmt.Sprintf("%s failed validation: %s", field, e.Tag())
	}
}

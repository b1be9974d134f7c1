package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// RegisterCustomValidators registers toolgate-specific validation rules.
// Must be called before validating Config.
func RegisterCustomValidators(v *validator.Validate) error {
	// backend_list: validates the "name=url,name=url" backend string.
	if err := v.RegisterValidation("backend_list", validateBackendList); err != nil {
		return fmt.Errorf("failed to register backend_list validator: %w", err)
	}
	return nil
}

func validateBackendList(fl validator.FieldLevel) bool {
	_, err := GatewayConfig{Backends: fl.Field().String()}.ParseBackends()
	return err == nil
}

// Validate validates the Config using struct tags and cross-field rules.
// Returns an error with actionable messages on failure.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())

	if err := RegisterCustomValidators(v); err != nil {
		return err
	}

	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	if err := c.validateBundlerTiming(); err != nil {
		return err
	}

	return nil
}

// validateBundlerTiming rejects a debounce window longer than the
// reconcile interval: rebuilds would then be driven solely by the timer
// and change events would never coalesce correctly.
func (c *Config) validateBundlerTiming() error {
	if c.Bundler.Debounce > c.Bundler.ReconcileInterval {
		return fmt.Errorf("bundler: debounce (%s) must not exceed reconcile_interval (%s)",
			c.Bundler.Debounce, c.Bundler.ReconcileInterval)
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

// formatSingleValidationError creates a user-friendly message for a single
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
	case "url":
		return fmt.Sprintf("%s must be a valid URL", field)
	case "hostname_port":
		return fmt.Sprintf("%s must be a valid host:port", field)
	case "backend_list":
		return fmt.Sprintf("%s must be a comma-separated list of name=url entries with http(s) URLs", field)
	default:
		return fmt.Sprintf("%s failed validation: %s", field, e.Tag())
	}
}

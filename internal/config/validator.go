package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// RegisterCustomValidators registers chatwarden-specific validation rules.
// Must be called before validating Config.
func RegisterCustomValidators(v *validator.Validate) error {
	// duration: validates Go duration syntax ("5m", "200ms")
	if err := v.RegisterValidation("duration", validateDuration); err != nil {
		return fmt.Errorf("failed to register duration validator: %w", err)
	}
	return nil
}

// validateDuration validates that a string field parses as a positive
// Go duration.
func validateDuration(fl validator.FieldLevel) bool {
	d, err := time.ParseDuration(fl.Field().String())
	return err == nil && d > 0
}

// Validate validates the Config using struct tags and cross-field rules.
// Returns an error with actionable messages if validation fails.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())

	if err := RegisterCustomValidators(v); err != nil {
		return err
	}

	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	// Cross-field: the reason dialog can never be longer than the
	// negotiation itself, so a larger value is a config mistake.
	if err := c.validateReasonWithinRequest(); err != nil {
		return err
	}

	return nil
}

func (c *Config) validateReasonWithinRequest() error {
	request, err := time.ParseDuration(c.Negotiation.RequestTimeout)
	if err != nil {
		return nil // tag validation already reported this
	}
	reason, err := time.ParseDuration(c.Negotiation.ReasonTimeout)
	if err != nil {
		return nil
	}
	if reason > request {
		return fmt.Errorf("negotiation: reason_timeout (%s) must not exceed request_timeout (%s)",
			c.Negotiation.ReasonTimeout, c.Negotiation.RequestTimeout)
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

// formatSingleValidationError creates a user-friendly message for a
// single validation error.
func formatSingleValidationError(e validator.FieldError) string {
	field := e.Namespace()
	tag := e.Tag()

	switch tag {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", field, e.Param())
	case "gte":
		return fmt.Sprintf("%s must be at least %s", field, e.Param())
	case "duration":
		return fmt.Sprintf("%s must be a positive Go duration (e.g. \"5m\", \"200ms\")", field)
	default:
		return fmt.Sprintf("%s failed validation: %s", field, tag)
	}
}

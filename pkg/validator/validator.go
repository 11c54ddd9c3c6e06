package validator

import (
	"errors"
	"fmt"
	"strings"
)

// ValidationError describes a single failed check on a request field.
type ValidationError struct {
	Field   string
	Message string
}

// ValidationErrors aggregates every failed check from one Apply call so the
// client sees all problems at once instead of fixing them one by one.
type ValidationErrors []ValidationError

func (ve ValidationErrors) Error() string {
	if len(ve) == 0 {
		return "validation failed"
	}
	parts := make([]string, 0, len(ve))
	for _, e := range ve {
		parts = append(parts, e.Field+": "+e.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Rule pairs a predicate with the error to report when it does not hold.
type Rule struct {
	Check func() bool
	Error ValidationError
}

// Apply runs every rule and returns ValidationErrors collecting the failures,
// or nil when all rules pass.
func Apply(rules ...Rule) error {
	var failed ValidationErrors
	for _, rule := range rules {
		if !rule.Check() {
			failed = append(failed, rule.Error)
		}
	}
	if len(failed) == 0 {
		return nil
	}
	return failed
}

// IsValidationError reports whether err carries ValidationErrors.
func IsValidationError(err error) bool {
	var ve ValidationErrors
	return errors.As(err, &ve)
}

// ExtractValidationErrors unwraps err into ValidationErrors, or nil when err
// is not a validation failure.
func ExtractValidationErrors(err error) ValidationErrors {
	var ve ValidationErrors
	if errors.As(err, &ve) {
		return ve
	}
	return nil
}

func fieldError(field, format string, args ...any) ValidationError {
	return ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

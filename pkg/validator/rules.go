package validator

import (
	"net/url"
	"strings"
)

// Required fails when value is empty or whitespace-only.
func Required(field, value string) Rule {
	return Rule{
		Check: func() bool { return strings.TrimSpace(value) != "" },
		Error: fieldError(field, "field is required"),
	}
}

// InListString fails when value is not one of allowed.
func InListString(field, value string, allowed []string) Rule {
	return Rule{
		Check: func() bool {
			for _, a := range allowed {
				if value == a {
					return true
				}
			}
			return false
		},
		Error: fieldError(field, "must be one of: %s", strings.Join(allowed, ", ")),
	}
}

// ValidURL fails unless value parses as an absolute http or https URL.
// Redirect targets handed to the payment processor must be absolute, so a
// bare path or a scheme-relative URL is rejected here rather than bouncing
// off the processor later.
func ValidURL(field, value string) Rule {
	return Rule{
		Check: func() bool {
			u, err := url.Parse(value)
			if err != nil {
				return false
			}
			return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
		},
		Error: fieldError(field, "must be an absolute http(s) URL"),
	}
}

// NonNegative fails when value is below zero.
func NonNegative(field string, value float64) Rule {
	return Rule{
		Check: func() bool { return value >= 0 },
		Error: fieldError(field, "must not be negative"),
	}
}

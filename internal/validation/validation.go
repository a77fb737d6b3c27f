// Package validation provides input validation helpers and middleware for the gateway API.
package validation

import (
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gosimple/slug"

	"github.com/mbd888/paygate/internal/money"
)

// MaxRequestSize is the maximum request body size for JSON endpoints (1MB).
// Gateway pass-through bodies are bounded separately.
const MaxRequestSize = 1 << 20

// MaxStringLength is the maximum length for free-form string fields
const MaxStringLength = 10000

// MaxWalletLength bounds caller-supplied wallet identifiers.
const MaxWalletLength = 128

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// SanitizeString removes dangerous characters and limits length
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return strings.ReplaceAll(s, "\x00", "")
}

// NormalizeWallet trims a wallet identifier. Wallets are opaque and
// case-sensitive (base58 keys), so no case folding happens here.
func NormalizeWallet(w string) string {
	return strings.TrimSpace(w)
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	parts := make([]string, len(e))
	for i, v := range e {
		parts[i] = v.Field + ": " + v.Message
	}
	return strings.Join(parts, "; ")
}

// Fields returns the names of the offending fields.
func (e ValidationErrors) Fields() []string {
	out := make([]string, len(e))
	for i, v := range e {
		out[i] = v.Field
	}
	return out
}

// AsValidation reports whether err carries ValidationErrors and returns them.
func AsValidation(err error) (ValidationErrors, bool) {
	var ve ValidationErrors
	if errors.As(err, &ve) {
		return ve, true
	}
	return nil, false
}

// Validate runs validators and collects their errors. The result is nil
// when every validator passes.
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errs ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

// Required checks if a field is non-empty
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// MaxLength checks if a field exceeds max length
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// ValidAmount checks that a non-empty value is a positive decimal amount.
func ValidAmount(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if _, err := money.ParsePositive(value); err != nil {
			if errors.Is(err, money.ErrNotPos) {
				return &ValidationError{Field: field, Message: "amount must be greater than zero"}
			}
			return &ValidationError{Field: field, Message: "invalid amount format"}
		}
		return nil
	}
}

// ValidPrice checks that a non-empty value is a non-negative decimal amount.
func ValidPrice(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if _, err := money.ParseNonNegative(value); err != nil {
			if errors.Is(err, money.ErrNegative) {
				return &ValidationError{Field: field, Message: "must not be negative"}
			}
			return &ValidationError{Field: field, Message: "invalid amount format"}
		}
		return nil
	}
}

// ValidURL checks that a non-empty value is an absolute http(s) URL.
func ValidURL(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		u, err := url.Parse(value)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return &ValidationError{Field: field, Message: "must be an absolute http(s) URL"}
		}
		return nil
	}
}

// ValidSlug checks that a non-empty value is a lowercase URL slug
// ("weather-api", "v2-search").
func ValidSlug(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if !slug.IsSlug(value) {
			return &ValidationError{Field: field, Message: "must be a lowercase slug (a-z, 0-9, dashes)"}
		}
		return nil
	}
}

// OneOf checks that a non-empty value is one of the allowed options.
func OneOf(field, value string, allowed ...string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		for _, a := range allowed {
			if value == a {
				return nil
			}
		}
		return &ValidationError{Field: field, Message: "must be one of " + strings.Join(allowed, ", ")}
	}
}

// Package validation provides input validation helpers and middleware for the API.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20 // 1MB

// MaxStringLength is the maximum length for free-text fields
const MaxStringLength = 10000

var (
	// identifierRegex matches service, function, actor and principal names.
	// "/" is excluded because identifiers are embedded in storage keys.
	identifierRegex = regexp.MustCompile(`^[A-Za-z0-9_.:@\-]{1,128}$`)
	// fingerprintRegex matches 0x-prefixed 32-byte hex ids
	fingerprintRegex = regexp.MustCompile(`^0x[a-fA-F0-9]{64}$`)
	// hexRegex validates hex strings (credential hashes, etc)
	hexRegex = regexp.MustCompile(`^(0x)?[a-fA-F0-9]+$`)
)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidIdentifier checks a service, function, actor or principal name.
func IsValidIdentifier(s string) bool {
	return identifierRegex.MatchString(s)
}

// IsValidFingerprint checks a 0x-prefixed 32-byte hex id.
func IsValidFingerprint(s string) bool {
	return fingerprintRegex.MatchString(s)
}

// IsValidHex checks if a string is valid hex
func IsValidHex(s string) bool {
	return hexRegex.MatchString(s)
}

// SanitizeString removes dangerous characters and limits length
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)

	if len(s) > maxLen {
		s = s[:maxLen]
	}

	s = strings.ReplaceAll(s, "\x00", "")

	return s
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
	return e[0].Field + ": " + e[0].Message
}

// Validate validates a request and returns errors
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errors ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errors = append(errors, *err)
		}
	}
	return errors
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

// ValidIdentifier requires a non-empty identifier.
func ValidIdentifier(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		if !IsValidIdentifier(value) {
			return &ValidationError{Field: field, Message: "must be 1-128 characters of letters, digits, '_', '.', ':', '@' or '-'"}
		}
		return nil
	}
}

// OptionalIdentifier validates value only when it is set.
func OptionalIdentifier(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		return ValidIdentifier(field, value)()
	}
}

// ValidFingerprint requires a 0x-prefixed 32-byte hex id.
func ValidFingerprint(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if !IsValidFingerprint(value) {
			return &ValidationError{Field: field, Message: "must be 0x followed by 64 hex characters"}
		}
		return nil
	}
}

// ValidHex requires a non-empty hex string.
func ValidHex(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" || !IsValidHex(value) {
			return &ValidationError{Field: field, Message: "must be a hex string"}
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

// Percent checks that value is within 0..100.
func Percent(field string, value uint32) func() *ValidationError {
	return func() *ValidationError {
		if value > 100 {
			return &ValidationError{Field: field, Message: "must be between 0 and 100"}
		}
		return nil
	}
}

// IdentifierParamMiddleware rejects requests whose named URL params are not
// valid identifiers. Apply to route groups that carry :service, :function
// and similar params.
func IdentifierParamMiddleware(params ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		for _, name := range params {
			v := c.Param(name)
			if v != "" && !IsValidIdentifier(v) {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
					"error":   "invalid_" + name,
					"message": name + " must be 1-128 characters of letters, digits, '_', '.', ':', '@' or '-'",
				})
				return
			}
		}
		c.Next()
	}
}

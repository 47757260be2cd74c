// Package validation provides input validation for the fairness API.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20 // 1MB

// MaxIdentifierLength bounds user/operator/session identifiers.
const MaxIdentifierLength = 128

// identifierRegex accepts the identifier alphabet platforms actually use:
// letters, digits, underscore, hyphen, dot, colon.
var identifierRegex = regexp.MustCompile(`^[A-Za-z0-9_.:\-]+$`)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidIdentifier checks a user, operator, or session identifier.
func IsValidIdentifier(s string) bool {
	return s != "" && len(s) <= MaxIdentifierLength && identifierRegex.MatchString(s)
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

// ValidIdentifier checks if a field is a well-formed identifier
func ValidIdentifier(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil // Use Required for required fields
		}
		if !IsValidIdentifier(value) {
			return &ValidationError{Field: field, Message: "must be an identifier (letters, digits, _.-:)"}
		}
		return nil
	}
}

// PositiveAmount checks if a monetary amount is positive and finite
func PositiveAmount(field string, value float64) func() *ValidationError {
	return func() *ValidationError {
		if !(value > 0) || value != value || value > 1e15 {
			return &ValidationError{Field: field, Message: "must be a positive amount"}
		}
		return nil
	}
}

// NonNegativeAmount checks if a monetary amount is zero or positive
func NonNegativeAmount(field string, value float64) func() *ValidationError {
	return func() *ValidationError {
		if value < 0 || value != value || value > 1e15 {
			return &ValidationError{Field: field, Message: "must not be negative"}
		}
		return nil
	}
}

// RTPFraction checks a claimed return-to-player rate, expressed as a
// fraction of wagering (0 means unknown).
func RTPFraction(field string, value float64) func() *ValidationError {
	return func() *ValidationError {
		if value == 0 {
			return nil
		}
		if value < 0.5 || value > 1.5 {
			return &ValidationError{Field: field, Message: "must be a fraction near 1 (e.g. 0.96)"}
		}
		return nil
	}
}

// IdentifierParamMiddleware validates the :id URL parameter on routes that
// use it, rejecting malformed identifiers early.
func IdentifierParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if id != "" && !IsValidIdentifier(id) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_identifier",
				"message": "identifier may contain letters, digits, and _.-: only",
			})
			return
		}
		c.Next()
	}
}

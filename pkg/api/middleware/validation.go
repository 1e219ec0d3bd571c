package middleware

import (
	"net/http"
	"regexp"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"autonode/pkg/models"
)

// ValidatorConfig holds validation configuration
type ValidatorConfig struct {
	MaxKeyLength  int // Maximum item key length
	MaxNameLength int // Maximum task or item name length
	MaxParams     int // Maximum number of task params
}

// DefaultValidatorConfig returns safe defaults
func DefaultValidatorConfig() ValidatorConfig {
	return ValidatorConfig{
		MaxKeyLength:  256,
		MaxNameLength: 256,
		MaxParams:     64,
	}
}

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9._:@/-]+$`)

// Validator performs request validation
type Validator struct {
	config ValidatorConfig
}

// NewValidator creates a new validator with the given config
func NewValidator(config ValidatorConfig) *Validator {
	return &Validator{config: config}
}

// ValidateKey checks an item key taken from the URL.
func (v *Validator) ValidateKey(key string) error {
	if key == "" {
		return &ValidationError{Field: "key", Message: "key is required"}
	}
	if len(key) > v.config.MaxKeyLength {
		return &ValidationError{Field: "key", Message: "key exceeds maximum length"}
	}
	if !keyPattern.MatchString(key) {
		return &ValidationError{Field: "key", Message: "key contains unsupported characters"}
	}
	return nil
}

// ValidateName checks a task or item name.
func (v *Validator) ValidateName(name string) error {
	if len(name) == 0 {
		return &ValidationError{Field: "name", Message: "name is required"}
	}
	if len(name) > v.config.MaxNameLength {
		return &ValidationError{Field: "name", Message: "name exceeds maximum length"}
	}
	return nil
}

// ValidateTask checks a task before it is claimed.
func (v *Validator) ValidateTask(task models.Task) error {
	if task.Kind == "" {
		return &ValidationError{Field: "kind", Message: "kind is required"}
	}
	if len(task.Kind) > v.config.MaxNameLength {
		return &ValidationError{Field: "kind", Message: "kind exceeds maximum length"}
	}
	if err := v.ValidateName(task.Name); err != nil {
		return err
	}
	if len(task.Params) > v.config.MaxParams {
		return &ValidationError{Field: "params", Message: "too many params"}
	}
	return nil
}

// ValidationError represents a validation failure
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// BodySizeLimitMiddleware limits request body size
func BodySizeLimitMiddleware(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > maxBytes {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{
				"error": "request body too large",
			})
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// SecurityHeadersMiddleware adds security headers
func SecurityHeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Cache-Control", "no-store")
		c.Next()
	}
}

// RequestIDMiddleware propagates X-Request-ID, minting a UUID when absent.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set(ContextRequestIDKey, requestID)
		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}

// GetRequestID returns the request id set by RequestIDMiddleware.
func GetRequestID(c *gin.Context) string {
	return c.GetString(ContextRequestIDKey)
}

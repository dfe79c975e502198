package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/troikatech/voice-bridge/pkg/errors"
)

// ValidateCallSidParam checks that a call SID path parameter looks like a
// provider SID: alphanumeric, no separators, bounded length.
func ValidateCallSidParam(paramName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		sid := c.Param(paramName)
		if sid == "" {
			errors.BadRequest(c, paramName+" parameter is required")
			c.Abort()
			return
		}

		if len(sid) > 64 || !isAlphanumeric(sid) {
			errors.BadRequest(c, "invalid "+paramName+" parameter")
			c.Abort()
			return
		}

		c.Set(paramName, sid)
		c.Next()
	}
}

func isAlphanumeric(s string) bool {
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		default:
			return false
		}
	}
	return true
}

// SanitizeString removes null bytes and surrounding whitespace from
// user-supplied text before it reaches the pipeline.
func SanitizeString(s string) string {
	s = strings.ReplaceAll(s, "\x00", "")
	s = strings.TrimSpace(s)
	return s
}

// ValidationError represents a validation error
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

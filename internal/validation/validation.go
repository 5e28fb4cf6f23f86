// Package validation provides input validation helpers and middleware for the
// escrow API.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (256KB). Escrow requests
// are small JSON bodies; anything bigger is garbage or abuse.
const MaxRequestSize = 256 << 10

// MaxReasonLength caps free-text fields (dispute reasons, resolution notes).
const MaxReasonLength = 2000

var (
	// emailRegex is a permissive sanity check, not an RFC validator.
	emailRegex = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
	// ngPhoneRegex matches Nigerian mobile numbers in local (0803...) or
	// international (+234803...) form.
	ngPhoneRegex = regexp.MustCompile(`^(\+234|0)[789][01]\d{8}$`)
)

// RequestSizeMiddleware limits request body size.
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidEmail reports whether s looks like an email address.
func IsValidEmail(s string) bool {
	return emailRegex.MatchString(strings.TrimSpace(s))
}

// IsValidPhone reports whether s is a plausible Nigerian mobile number.
func IsValidPhone(s string) bool {
	return ngPhoneRegex.MatchString(NormalizePhone(s))
}

// NormalizePhone strips spaces and dashes from a phone number.
func NormalizePhone(s string) string {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, " ", "")
	s = strings.ReplaceAll(s, "-", "")
	return s
}

// SanitizeText trims whitespace, strips null bytes, and truncates to maxLen.
func SanitizeText(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, "\x00", "")
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return s
}

package identity

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	// ContextKeyUserID is the gin context key for the authenticated user ID.
	ContextKeyUserID = "authUserID"
	// ContextKeyEmail is the gin context key for the authenticated email.
	ContextKeyEmail = "authEmail"
	// ContextKeyClaims is the gin context key for the full verified claims.
	ContextKeyClaims = "authClaims"
)

// Middleware extracts and verifies the bearer token, populating the gin
// context on success. It does not reject; pair with RequireAuth.
func Middleware(verifier TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token != "" {
			if claims, err := verifier.Verify(c.Request.Context(), token); err == nil {
				c.Set(ContextKeyUserID, claims.UserID)
				c.Set(ContextKeyEmail, claims.Email)
				c.Set(ContextKeyClaims, claims)
			}
		}
		c.Next()
	}
}

// RequireAuth rejects requests that did not authenticate.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetString(ContextKeyUserID) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Sign in and include an 'Authorization: Bearer ...' header.",
			})
			return
		}
		c.Next()
	}
}

// CallerID returns the authenticated user ID, or "" if unauthenticated.
func CallerID(c *gin.Context) string {
	return c.GetString(ContextKeyUserID)
}

// CallerClaims returns the verified claims, if any.
func CallerClaims(c *gin.Context) *Claims {
	if v, ok := c.Get(ContextKeyClaims); ok {
		if claims, ok := v.(*Claims); ok {
			return claims
		}
	}
	return nil
}

func bearerToken(c *gin.Context) string {
	h := c.GetHeader("Authorization")
	if h == "" {
		return ""
	}
	if strings.HasPrefix(h, "Bearer ") || strings.HasPrefix(h, "bearer ") {
		return strings.TrimSpace(h[len("Bearer "):])
	}
	return strings.TrimSpace(h)
}

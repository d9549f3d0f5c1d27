package agent

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	// ContextKeyPrincipal is the gin context key for the authenticated principal.
	ContextKeyPrincipal = "aexPrincipal"
)

// Middleware authenticates the bearer token and aborts with 401 on failure.
// On success the Principal is stored in the gin context.
func Middleware(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		principal, err := m.Authenticate(c.Request.Context(), c.GetHeader("Authorization"))
		if err != nil {
			code, msg := authErrorCode(err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{"code": code, "message": msg},
			})
			return
		}

		c.Set(ContextKeyPrincipal, principal)
		c.Next()
	}
}

// RequireExecutionScope rejects read-only tokens on execution routes.
func RequireExecutionScope() gin.HandlerFunc {
	return func(c *gin.Context) {
		p, ok := GetPrincipal(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{"code": "auth.missing", "message": "Bearer token required"},
			})
			return
		}
		if !p.CanExecute() {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": gin.H{"code": "auth.scope", "message": "Token scope does not permit execution"},
			})
			return
		}
		c.Next()
	}
}

// GetPrincipal returns the authenticated principal from context.
func GetPrincipal(c *gin.Context) (*Principal, bool) {
	v, exists := c.Get(ContextKeyPrincipal)
	if !exists {
		return nil, false
	}
	p, ok := v.(*Principal)
	return p, ok
}

func authErrorCode(err error) (code, message string) {
	switch {
	case errors.Is(err, ErrTokenMissing):
		return "auth.missing", "Bearer token required. Include 'Authorization: Bearer aex_...' header."
	case errors.Is(err, ErrTokenExpired):
		return "auth.expired", "API token has expired"
	default:
		return "auth.invalid", "Invalid API token"
	}
}

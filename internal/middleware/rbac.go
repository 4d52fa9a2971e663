package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/trusted360/audit-engine/internal/auth"
)

// RequireScope checks if authenticated user has the required scope
func RequireScope(scope auth.Scope) gin.HandlerFunc {
	return func(c *gin.Context) {
		userScopes, ok := contextScopes(c)
		if !ok {
			return
		}

		if !auth.HasScope(userScopes, scope) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "Missing required scope",
				"details": "Required scope: " + string(scope),
			})
			return
		}

		c.Next()
	}
}

// RequireAnyScope checks if authenticated user has at least one of the required scopes
func RequireAnyScope(scopes ...auth.Scope) gin.HandlerFunc {
	return func(c *gin.Context) {
		userScopes, ok := contextScopes(c)
		if !ok {
			return
		}

		if !auth.HasAnyScope(userScopes, scopes) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "Missing required scope",
			})
			return
		}

		c.Next()
	}
}

// contextScopes reads the scopes set by AuthMiddleware, aborting with 403
// when they are absent.
func contextScopes(c *gin.Context) ([]string, bool) {
	scopesVal, exists := c.Get(ScopesKey)
	if !exists {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"error": "Insufficient permissions",
		})
		return nil, false
	}

	userScopes, ok := scopesVal.([]string)
	if !ok {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"error": "Invalid scopes format",
		})
		return nil, false
	}
	return userScopes, true
}

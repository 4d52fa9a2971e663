// Package middleware provides Gin HTTP middleware for authentication, authorization,
// rate limiting, security headers, request logging and metrics.
//
// Middleware ordering matters and is enforced in router.go:
//
//	Recovery → RequestID → Metrics → Logger → Security → CORS → Auth → RateLimit → RBAC → Handler
//
// Security headers run before auth so they appear on 401 and 403 responses too.
// Rate limiting runs after auth so buckets are keyed per tenant user rather than
// per IP wherever a token is present.
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/trusted360/audit-engine/internal/auth"
)

// Context keys set by AuthMiddleware
const (
	UserIDKey   = "user_id"
	TenantIDKey = "tenant_id"
	EmailKey    = "email"
	ScopesKey   = "scopes"
)

// AuthMiddleware validates the bearer JWT and stores the caller identity in
// the context. The tenant always comes from the token.
func AuthMiddleware(verifier *auth.Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Missing authorization header",
			})
			return
		}

		if !strings.HasPrefix(authHeader, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Authorization header must start with 'Bearer '",
			})
			return
		}

		token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Authorization token is empty",
			})
			return
		}

		claims, err := verifier.Verify(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Invalid credentials",
			})
			return
		}

		scopes := claims.Scopes
		if scopes == nil {
			scopes = []string{}
		}
		c.Set(UserIDKey, claims.UserID)
		c.Set(TenantIDKey, claims.TenantID)
		c.Set(EmailKey, claims.Email)
		c.Set(ScopesKey, scopes)

		c.Next()
	}
}

// TenantID returns the authenticated tenant, or "" outside AuthMiddleware.
func TenantID(c *gin.Context) string {
	return c.GetString(TenantIDKey)
}

// UserID returns the authenticated user, or "" outside AuthMiddleware.
func UserID(c *gin.Context) string {
	return c.GetString(UserIDKey)
}

package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"stagehand/pkg/auth"
)

const (
	// AuthHeaderKey is the standard Authorization header
	AuthHeaderKey = "Authorization"
	// ContextUserKey is the key used to store caller claims in context
	ContextUserKey = "user"
)

// AuthConfig holds authentication middleware configuration
type AuthConfig struct {
	JWTService *auth.JWTService
	SkipPaths  []string // Paths that don't require authentication
}

// AuthMiddleware rejects requests without a valid Bearer token.
func AuthMiddleware(config AuthConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		for _, path := range config.SkipPaths {
			if matchPath(c.Request.URL.Path, path) {
				c.Next()
				return
			}
		}

		claims, err := bearerClaims(c, config.JWTService)
		if err != nil {
			c.Header("WWW-Authenticate", `Bearer realm="stagehand"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": err.Error(),
			})
			return
		}

		c.Set(ContextUserKey, claims)
		c.Next()
	}
}

func bearerClaims(c *gin.Context, jwtService *auth.JWTService) (*auth.Claims, error) {
	if jwtService == nil {
		return nil, auth.ErrInvalidToken
	}

	// Expect "Bearer <token>"
	scheme, token, ok := strings.Cut(c.GetHeader(AuthHeaderKey), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") || token == "" {
		return nil, errMissingToken
	}
	return jwtService.ValidateToken(strings.TrimSpace(token))
}

var errMissingToken = errors.New("authentication required")

// GetUserFromContext retrieves caller claims from the request context
func GetUserFromContext(c *gin.Context) (*auth.Claims, bool) {
	value, exists := c.Get(ContextUserKey)
	if !exists {
		return nil, false
	}
	claims, ok := value.(*auth.Claims)
	return claims, ok
}

// RequireRole creates a middleware that requires a minimum role level
func RequireRole(required auth.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := GetUserFromContext(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "authentication required",
			})
			return
		}

		if !claims.Role.HasPermission(required) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":    "insufficient permissions",
				"required": required,
				"current":  claims.Role,
			})
			return
		}

		c.Next()
	}
}

// matchPath checks if a request path matches a pattern
// Supports wildcards: /api/* matches /api/anything
func matchPath(path, pattern string) bool {
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(path, prefix)
	}
	return path == pattern
}

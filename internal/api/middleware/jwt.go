package middleware

import (
	"context"
	"net/http"

	"inkwell/internal/pkg/token"

	"github.com/gin-gonic/gin"
)

// TokenVerifier resolves a session token to its user id.
type TokenVerifier interface {
	Verify(tokenStr string) (string, error)
}

// AdminChecker reports whether a user id belongs to the configured admin.
type AdminChecker interface {
	IsAdminUser(ctx context.Context, userID string) (bool, error)
}

// AuthMiddleware verifies the session token and writes userID into the context.
// Both "Bearer <token>" and a bare token are accepted.
func AuthMiddleware(verifier TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := token.FromHeader(c.GetHeader("Authorization"))
		if raw == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "message": "No token provided"})
			return
		}
		userID, err := verifier.Verify(raw)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "message": "Invalid or expired token"})
			return
		}
		c.Set("userID", userID)
		c.Next()
	}
}

// RequireAdmin must run after AuthMiddleware.
func RequireAdmin(checker AdminChecker) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString("userID")
		if userID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "message": "Unauthorized"})
			return
		}
		ok, err := checker.IsAdminUser(c.Request.Context(), userID)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"success": false, "message": err.Error()})
			return
		}
		if !ok {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"success": false, "message": "Admin access required"})
			return
		}
		c.Next()
	}
}

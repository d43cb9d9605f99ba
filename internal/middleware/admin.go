package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/posdesk/backoffice/internal/config"
)

const HeaderAdminKey = "X-Admin-Key"

func AdminMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		if cfg == nil || cfg.Auth.AdminKey == "" {
			c.JSON(http.StatusForbidden, gin.H{"error": "admin key not configured"})
			c.Abort()
			return
		}
		if subtle.ConstantTimeCompare([]byte(c.GetHeader(HeaderAdminKey)), []byte(cfg.Auth.AdminKey)) != 1 {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid admin key"})
			c.Abort()
			return
		}
		c.Next()
	}
}

// ProductionGuard refuses the route when the server runs in production.
func ProductionGuard(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		if cfg != nil && cfg.Server.IsProduction() {
			c.JSON(http.StatusForbidden, gin.H{"error": "not available in production"})
			c.Abort()
			return
		}
		c.Next()
	}
}

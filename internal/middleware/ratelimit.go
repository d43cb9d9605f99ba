package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// RateLimiter decides whether an actor may issue another request.
type RateLimiter interface {
	Allow(storeID, actorID string) bool
}

// RateLimitMiddleware must run after AuthMiddleware.
func RateLimitMiddleware(limiter RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := actorFrom(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}

		if !limiter.Allow(c.Param(storeIDParam), actor.UserID) {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate limit exceeded",
				"retry_after": "1s",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

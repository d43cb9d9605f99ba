package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/posdesk/backoffice/internal/model"
	"github.com/posdesk/backoffice/internal/pkg/apperrors"
)

const storeIDParam = "storeId"

// Authenticator resolves a bearer token to an actor.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*model.Actor, error)
}

// AuthMiddleware requires a valid bearer token issued for the store in the path.
func AuthMiddleware(auth Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			c.Abort()
			return
		}

		actor, err := auth.Authenticate(c.Request.Context(), strings.TrimSpace(token))
		if err != nil {
			appErr := apperrors.Wrap(err)
			c.JSON(appErr.HTTPStatus, appErr)
			c.Abort()
			return
		}

		if storeID := c.Param(storeIDParam); storeID != "" && actor.StoreID != "" && storeID != actor.StoreID {
			c.JSON(http.StatusForbidden, apperrors.NewForbidden("token was issued for another store"))
			c.Abort()
			return
		}

		c.Set(ContextActorKey, actor)
		c.Next()
	}
}

// ActorFrom returns the authenticated actor set by AuthMiddleware.
func ActorFrom(c *gin.Context) (*model.Actor, bool) {
	return actorFrom(c)
}

package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/posdesk/backoffice/internal/middleware"
	"github.com/posdesk/backoffice/internal/model"
	"github.com/posdesk/backoffice/internal/pkg/apperrors"
	"github.com/posdesk/backoffice/internal/service"
)

type SessionManager interface {
	Login(ctx context.Context, req service.LoginRequest) (*service.LoginResult, error)
	Logout(ctx context.Context, actor *model.Actor) error
}

type SessionHandler struct {
	svc SessionManager
}

func NewSessionHandler(svc SessionManager) *SessionHandler {
	return &SessionHandler{svc: svc}
}

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type loginResponse struct {
	AccessToken string       `json:"accessToken"`
	TokenType   string       `json:"tokenType"`
	ExpiresAt   time.Time    `json:"expiresAt"`
	Actor       *model.Actor `json:"actor"`
}

func (h *SessionHandler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(apperrors.NewInvalidRequest("username and password are required"))
		return
	}

	res, err := h.svc.Login(c.Request.Context(), service.LoginRequest{
		StoreID:   c.Param("storeId"),
		Username:  req.Username,
		Password:  req.Password,
		IP:        middleware.RequestIP(c),
		UserAgent: middleware.UserAgent(c),
	})
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, loginResponse{
		AccessToken: res.Token,
		TokenType:   "Bearer",
		ExpiresAt:   res.ExpiresAt,
		Actor:       res.Actor,
	})
}

// Logout revokes the caller's token. The audit entry comes from the interceptor.
func (h *SessionHandler) Logout(c *gin.Context) {
	actor, ok := middleware.ActorFrom(c)
	if !ok {
		c.Error(apperrors.NewAuthFailed("no active session"))
		return
	}
	if err := h.svc.Logout(c.Request.Context(), actor); err != nil {
		c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

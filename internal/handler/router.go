package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/posdesk/backoffice/internal/config"
	"github.com/posdesk/backoffice/internal/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterDeps are the collaborators the HTTP surface is built from. Optional fields may be nil.
type RouterDeps struct {
	Audit       middleware.AuditRecorder
	Auth        middleware.Authenticator
	Limiter     middleware.RateLimiter
	Idempotency middleware.IdempotencyStore
	Sessions    SessionManager
	AuditLogs   AuditLogReader
	AuditQueue  AuditQueueAdmin
}

func NewRouter(cfg *config.Config, deps RouterDeps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())
	r.Use(middleware.MetricsMiddleware())
	if cfg.Audit.Enabled && deps.Audit != nil {
		// outside ErrorHandler so the rendered status is visible to the audit entry
		r.Use(middleware.AuditMiddleware(deps.Audit))
	}
	r.Use(middleware.ErrorHandler())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "backoffice"})
	})
	if cfg.Metrics.Enabled {
		r.GET(cfg.Metrics.Path, gin.WrapH(promhttp.Handler()))
	}

	sessions := NewSessionHandler(deps.Sessions)
	audit := NewAuditHandler(deps.AuditLogs, deps.AuditQueue)

	tenant := r.Group("/tenant/:storeId")
	tenant.POST("/auth/login", sessions.Login)

	authed := tenant.Group("")
	authed.Use(middleware.AuthMiddleware(deps.Auth))
	if deps.Limiter != nil {
		authed.Use(middleware.RateLimitMiddleware(deps.Limiter))
	}
	if deps.Idempotency != nil {
		authed.Use(middleware.IdempotencyMiddleware(deps.Idempotency))
	}
	{
		authed.POST("/auth/logout", sessions.Logout)
		authed.GET("/audit-logs", audit.List)
	}

	admin := r.Group("/admin")
	admin.Use(middleware.AdminMiddleware(cfg))
	{
		admin.GET("/audit/queue", audit.QueueStatus)
		admin.DELETE("/audit/queue", middleware.ProductionGuard(cfg), audit.ClearQueue)
	}

	return r
}

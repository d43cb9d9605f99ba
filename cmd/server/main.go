package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/posdesk/backoffice/internal/config"
	"github.com/posdesk/backoffice/internal/handler"
	"github.com/posdesk/backoffice/internal/pkg/logger"
	"github.com/posdesk/backoffice/internal/repository"
	"github.com/posdesk/backoffice/internal/service"
)

func main() {
	// 1. Load Configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger.Init(cfg.Server.LogLevel)
	if cfg.Auth.JWTSecret == "" {
		log.Fatalf("auth.jwt_secret must be set")
	}
	if cfg.Server.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	// 2. Redis: audit queue, sessions, idempotency
	deps := handler.RouterDeps{
		Limiter: service.NewActorLimiter(cfg.RateLimit.QPS, cfg.RateLimit.Burst),
	}
	var queue service.JobQueue
	var revoker service.TokenRevoker
	rdb, err := repository.NewRedisClient(cfg)
	if err == nil {
		logger.Info("Connected to Redis", "addr", cfg.Redis.Addr)
		queue = repository.NewRedisJobQueue(rdb, cfg.Audit.KeyPrefix, cfg.Audit.QueueName,
			cfg.Audit.DefaultAttempts, time.Duration(cfg.Audit.BackoffMs)*time.Millisecond)
		revoker = repository.NewRedisSessionStore(rdb, cfg.Redis.SessionPrefix)
		deps.Idempotency = repository.NewRedisIdempotencyStore(rdb,
			time.Duration(cfg.Redis.IdempotencyTTLSeconds)*time.Second)
		defer rdb.Close()
	} else {
		// audit jobs degrade to the fallback log until Redis is reachable again
		logger.Error("Failed to connect to Redis, audit jobs will only be logged", "error", err)
	}

	// 3. Audit pipeline
	auditQueue := service.NewAuditQueueService(queue, nil)
	auditLog := service.NewAuditLogService(auditQueue)
	deps.Audit = auditLog
	deps.AuditQueue = auditLog

	// 4. Audit log reads (Postgres)
	if cfg.Database.DSN != "" {
		db, err := repository.NewDB(cfg)
		if err == nil {
			repo, err := repository.NewPostgresAuditRepo(db)
			if err == nil {
				logger.Info("Connected to PostgreSQL")
				deps.AuditLogs = repo
			} else {
				logger.Error("Failed to migrate audit log schema", "error", err)
			}
		} else {
			logger.Error("Failed to connect to DB, audit log listing disabled", "error", err)
		}
	}

	// 5. Sessions
	sessions := service.NewSessionService(cfg.Auth, revoker, auditLog)
	deps.Auth = sessions
	deps.Sessions = sessions

	r := handler.NewRouter(cfg, deps)

	// 6. Start Server with Graceful Shutdown
	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: r,
	}

	go func() {
		logger.Info("Backoffice started", "port", cfg.Server.Port, "env", cfg.Server.Env)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server listen failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("Server forced to shutdown", "error", err)
	}

	logger.Info("Server exiting")
}

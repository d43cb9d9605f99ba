package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/posdesk/backoffice/internal/config"
	"github.com/posdesk/backoffice/internal/pkg/logger"
	"github.com/posdesk/backoffice/internal/repository"
	"github.com/posdesk/backoffice/internal/service"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger.Init(cfg.Server.LogLevel)

	rdb, err := repository.NewRedisClient(cfg)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer rdb.Close()

	db, err := repository.NewDB(cfg)
	if err != nil {
		log.Fatalf("Failed to connect to DB: %v", err)
	}
	repo, err := repository.NewPostgresAuditRepo(db)
	if err != nil {
		log.Fatalf("Failed to migrate audit log schema: %v", err)
	}

	queue := repository.NewRedisJobQueue(rdb, cfg.Audit.KeyPrefix, cfg.Audit.QueueName,
		cfg.Audit.DefaultAttempts, time.Duration(cfg.Audit.BackoffMs)*time.Millisecond)
	worker := service.NewAuditWorker(queue, repo, cfg.Audit.WorkerConcurrency,
		time.Duration(cfg.Audit.PollIntervalMs)*time.Millisecond)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	worker.StartCleanup(ctx,
		time.Duration(cfg.Database.CleanupIntervalMinutes)*time.Minute,
		time.Duration(cfg.Database.AuditRetentionDays)*24*time.Hour)
	worker.StartStalledSweep(ctx,
		time.Duration(cfg.Audit.StalledSweepSeconds)*time.Second,
		time.Duration(cfg.Audit.LeaseSeconds)*time.Second)

	logger.Info("Audit worker started",
		"queue", cfg.Audit.QueueName, "concurrency", cfg.Audit.WorkerConcurrency)
	worker.Run(ctx)
	logger.Info("Audit worker stopped")
}

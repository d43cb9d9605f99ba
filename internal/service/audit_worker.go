package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/posdesk/backoffice/internal/model"
	"github.com/posdesk/backoffice/internal/pkg/logger"
	"github.com/posdesk/backoffice/internal/pkg/metrics"
)

var (
	ErrMissingTenant  = errors.New("audit job has no tenant id")
	ErrUnexpectedJob  = errors.New("unexpected job name")
	ErrMalformedAudit = errors.New("malformed audit job payload")
)

// JobConsumer is the worker side of the job queue.
type JobConsumer interface {
	Reserve(ctx context.Context) (*model.Job, error)
	Complete(ctx context.Context, job *model.Job) error
	Fail(ctx context.Context, job *model.Job, reason error) (bool, error)
	Discard(ctx context.Context, job *model.Job, reason error) error
	RecoverStalled(ctx context.Context, lease time.Duration) (requeued, failed int64, err error)
}

type AuditRepo interface {
	Insert(ctx context.Context, entry *model.AuditLog) error
	List(ctx context.Context, filter model.AuditLogFilter) ([]*model.AuditLog, error)
	Cleanup(ctx context.Context, olderThan time.Duration) (int64, error)
}

// AuditWorker drains process-audit-log jobs into the audit log store.
type AuditWorker struct {
	consumer     JobConsumer
	repo         AuditRepo
	concurrency  int
	pollInterval time.Duration
	log          *slog.Logger
}

func NewAuditWorker(consumer JobConsumer, repo AuditRepo, concurrency int, pollInterval time.Duration) *AuditWorker {
	if concurrency <= 0 {
		concurrency = 1
	}
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &AuditWorker{
		consumer:     consumer,
		repo:         repo,
		concurrency:  concurrency,
		pollInterval: pollInterval,
		log:          logger.Component("audit-worker"),
	}
}

// Run blocks until ctx is cancelled and every loop has returned.
func (w *AuditWorker) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < w.concurrency; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			w.loop(ctx, id)
		}(i)
	}
	wg.Wait()
}

func (w *AuditWorker) loop(ctx context.Context, id int) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()
	for {
		// drain without waiting while jobs are available
		for {
			if ctx.Err() != nil {
				return
			}
			processed, err := w.ProcessNext(ctx)
			if err != nil {
				w.log.Error("Failed to reserve audit job", "worker", id, "error", err)
				break
			}
			if !processed {
				break
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ProcessNext handles at most one job and reports whether one was reserved.
func (w *AuditWorker) ProcessNext(ctx context.Context) (bool, error) {
	job, err := w.consumer.Reserve(ctx)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	w.handle(ctx, job)
	return true, nil
}

func (w *AuditWorker) handle(ctx context.Context, job *model.Job) {
	// a reserved job must leave active even when the worker is shutting down
	settleCtx := context.WithoutCancel(ctx)

	entry, err := auditLogFromJob(job)
	if err != nil {
		metrics.AuditWorkerJobs.WithLabelValues("discarded").Inc()
		w.log.Warn("Discarding audit job", "job_id", job.ID, "error", err)
		if err := w.consumer.Discard(settleCtx, job, err); err != nil {
			w.log.Error("Failed to discard audit job", "job_id", job.ID, "error", err)
		}
		return
	}

	if err := w.repo.Insert(ctx, entry); err != nil {
		metrics.AuditWorkerJobs.WithLabelValues("failed").Inc()
		retry, ferr := w.consumer.Fail(settleCtx, job, err)
		if ferr != nil {
			w.log.Error("Failed to persist audit log, job left for stalled recovery",
				"job_id", job.ID, "error", err, "fail_error", ferr)
			return
		}
		w.log.Error("Failed to persist audit log",
			"job_id", job.ID, "attempt", job.AttemptsMade, "max_attempts", job.Attempts, "retry", retry, "error", err)
		return
	}

	if err := w.consumer.Complete(settleCtx, job); err != nil {
		w.log.Error("Failed to complete audit job", "job_id", job.ID, "error", err)
	}
	metrics.AuditWorkerJobs.WithLabelValues("completed").Inc()
}

// StartStalledSweep requeues jobs whose lease is older than lease, once at start and then
// every interval until ctx is done.
func (w *AuditWorker) StartStalledSweep(ctx context.Context, interval, lease time.Duration) {
	if interval <= 0 || lease <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			w.RecoverStalled(ctx, lease)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

// RecoverStalled runs one stalled-job sweep.
func (w *AuditWorker) RecoverStalled(ctx context.Context, lease time.Duration) {
	requeued, failed, err := w.consumer.RecoverStalled(ctx, lease)
	if err != nil {
		w.log.Error("Stalled audit job recovery failed", "error", err)
		return
	}
	if requeued > 0 || failed > 0 {
		metrics.AuditWorkerJobs.WithLabelValues("stalled").Add(float64(requeued + failed))
		w.log.Warn("Recovered stalled audit jobs", "requeued", requeued, "failed", failed)
	}
}

// StartCleanup deletes rows older than retention every interval until ctx is done.
func (w *AuditWorker) StartCleanup(ctx context.Context, interval, retention time.Duration) {
	if interval <= 0 || retention <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := w.repo.Cleanup(ctx, retention)
				if err != nil {
					w.log.Error("Audit log retention cleanup failed", "error", err)
					continue
				}
				if n > 0 {
					w.log.Info("Audit log retention cleanup", "deleted", n)
				}
			}
		}
	}()
}

func auditLogFromJob(job *model.Job) (*model.AuditLog, error) {
	if job.Name != model.JobProcessAuditLog {
		return nil, fmt.Errorf("%w: %q", ErrUnexpectedJob, job.Name)
	}
	var payload model.AuditJob
	if err := json.Unmarshal(job.Data, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedAudit, err)
	}
	if payload.TenantID == "" {
		return nil, ErrMissingTenant
	}

	occurred := payload.Timestamp
	if occurred.IsZero() {
		occurred = job.Timestamp
	}
	return &model.AuditLog{
		JobID:       job.ID,
		TenantID:    payload.TenantID,
		ActorID:     payload.ActorID,
		ActorName:   payload.ActorName,
		Action:      payload.Action,
		TargetTable: payload.TargetTable,
		TargetID:    payload.TargetID,
		OldValue:    jsonText(payload.OldValue),
		NewValue:    jsonText(payload.NewValue),
		Details:     jsonText(payload.Details),
		Priority:    job.Priority,
		OccurredAt:  occurred.UTC(),
	}, nil
}

func jsonText(v any) string {
	if v == nil {
		return ""
	}
	if m, ok := v.(map[string]any); ok && m == nil {
		return ""
	}
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}

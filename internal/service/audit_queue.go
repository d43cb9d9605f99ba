package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/posdesk/backoffice/internal/model"
	"github.com/posdesk/backoffice/internal/pkg/logger"
	"github.com/posdesk/backoffice/internal/pkg/metrics"
)

const (
	PriorityCritical = 1
	PriorityElevated = 5
	PriorityDefault  = 10

	// CriticalAttempts is the retry budget of jobs sent through AddCriticalAuditLog.
	CriticalAttempts = 5
)

const (
	enqueueStandard = "standard"
	enqueueCritical = "critical"
	enqueueBulk     = "bulk"
)

var errQueueNotConfigured = errors.New("audit queue not configured")

var (
	criticalActions = map[string]struct{}{
		"DELETE_STORE":         {},
		"DELETE_USER":          {},
		"CREATE_SUPER_ADMIN":   {},
		"SYSTEM_CONFIG_CHANGE": {},
		"SECURITY_BREACH":      {},
		"UNAUTHORIZED_ACCESS":  {},
	}
	elevatedActions = map[string]struct{}{
		"CREATE_STORE":    {},
		"UPDATE_STORE":    {},
		"CREATE_USER":     {},
		"UPDATE_USER":     {},
		"LOGIN_FAILED":    {},
		"PASSWORD_CHANGE": {},
	}
)

// AuditPriority maps an action to its queue tier: 1 highest, 10 default.
func AuditPriority(action string) int {
	if _, ok := criticalActions[action]; ok {
		return PriorityCritical
	}
	if _, ok := elevatedActions[action]; ok {
		return PriorityElevated
	}
	return PriorityDefault
}

// JobQueue is the persistent priority queue audit jobs are handed to.
type JobQueue interface {
	Add(ctx context.Context, name string, payload any, opts model.JobOptions) (string, error)
	AddBulk(ctx context.Context, jobs []model.BulkJob) ([]string, error)
	Count(ctx context.Context, state model.JobState) (int64, error)
	Clean(ctx context.Context, state model.JobState, grace time.Duration) (int64, error)
}

// AuditQueueService submits audit jobs. Submission errors are never returned: a job that
// cannot be queued is written to the operational log and dropped.
type AuditQueueService struct {
	queue JobQueue
	log   *slog.Logger
}

func NewAuditQueueService(queue JobQueue, log *slog.Logger) *AuditQueueService {
	if log == nil {
		log = logger.Component("audit-queue")
	}
	return &AuditQueueService{queue: queue, log: log}
}

func (s *AuditQueueService) AddAuditLog(ctx context.Context, job model.AuditJob) {
	err := s.add(ctx, job, model.JobOptions{
		Priority: AuditPriority(job.Action),
		Delay:    0,
	})
	if err == nil {
		metrics.AuditJobsTotal.WithLabelValues(enqueueStandard, "ok").Inc()
		return
	}
	metrics.AuditJobsTotal.WithLabelValues(enqueueStandard, "error").Inc()
	metrics.AuditFallbackTotal.WithLabelValues(enqueueStandard).Inc()
	s.log.ErrorContext(ctx, "Failed to add audit log to queue",
		"action", job.Action, "tenant_id", job.TenantID, "error", err)
	s.log.WarnContext(ctx, "Audit log fallback", "job", job)
}

func (s *AuditQueueService) AddCriticalAuditLog(ctx context.Context, job model.AuditJob) {
	err := s.add(ctx, job, model.JobOptions{
		Priority: PriorityCritical,
		Delay:    0,
		Attempts: CriticalAttempts,
	})
	if err == nil {
		metrics.AuditJobsTotal.WithLabelValues(enqueueCritical, "ok").Inc()
		return
	}
	metrics.AuditJobsTotal.WithLabelValues(enqueueCritical, "error").Inc()
	metrics.AuditFallbackTotal.WithLabelValues(enqueueCritical).Inc()
	s.log.ErrorContext(ctx, "Failed to add critical audit log to queue",
		"action", job.Action, "tenant_id", job.TenantID, "error", err, "job", job)
}

func (s *AuditQueueService) AddBulkAuditLogs(ctx context.Context, jobs []model.AuditJob) {
	if len(jobs) == 0 {
		return
	}
	bulk := make([]model.BulkJob, len(jobs))
	for i, job := range jobs {
		bulk[i] = model.BulkJob{
			Name:    model.JobProcessAuditLog,
			Payload: job,
			Options: model.JobOptions{Priority: AuditPriority(job.Action)},
		}
	}

	var err error
	if s.queue == nil {
		err = errQueueNotConfigured
	} else {
		_, err = s.queue.AddBulk(ctx, bulk)
	}
	if err == nil {
		metrics.AuditJobsTotal.WithLabelValues(enqueueBulk, "ok").Add(float64(len(jobs)))
		return
	}

	metrics.AuditJobsTotal.WithLabelValues(enqueueBulk, "error").Add(float64(len(jobs)))
	metrics.AuditFallbackTotal.WithLabelValues(enqueueBulk).Add(float64(len(jobs)))
	s.log.ErrorContext(ctx, "Failed to add bulk audit logs to queue", "count", len(jobs), "error", err)
	for _, job := range jobs {
		s.log.WarnContext(ctx, "Audit log fallback", "job", job)
	}
}

// GetQueueStatus never fails; a zeroed snapshot is returned when any count errors.
func (s *AuditQueueService) GetQueueStatus(ctx context.Context) model.QueueStatus {
	if s.queue == nil {
		s.log.ErrorContext(ctx, "Failed to get audit queue status", "error", errQueueNotConfigured)
		return model.QueueStatus{}
	}

	counts := make([]int64, len(model.JobStates))
	errs := make([]error, len(model.JobStates))
	var wg sync.WaitGroup
	for i, state := range model.JobStates {
		wg.Add(1)
		go func(i int, state model.JobState) {
			defer wg.Done()
			counts[i], errs[i] = s.queue.Count(ctx, state)
		}(i, state)
	}
	wg.Wait()

	if err := errors.Join(errs...); err != nil {
		s.log.ErrorContext(ctx, "Failed to get audit queue status", "error", err)
		return model.QueueStatus{}
	}

	var status model.QueueStatus
	for i, state := range model.JobStates {
		status.Set(state, counts[i])
		metrics.AuditQueueDepth.WithLabelValues(string(state)).Set(float64(counts[i]))
	}
	return status
}

// ClearQueue purges completed, failed, waiting and active jobs. Not for production traffic.
func (s *AuditQueueService) ClearQueue(ctx context.Context) int64 {
	if s.queue == nil {
		s.log.ErrorContext(ctx, "Failed to clear audit queue", "error", errQueueNotConfigured)
		return 0
	}
	var removed int64
	for _, state := range []model.JobState{model.JobCompleted, model.JobFailed, model.JobWaiting, model.JobActive} {
		n, err := s.queue.Clean(ctx, state, 0)
		if err != nil {
			s.log.ErrorContext(ctx, "Failed to clear audit queue", "state", state, "error", err)
			continue
		}
		removed += n
	}
	s.log.InfoContext(ctx, "Audit queue cleared", "removed", removed)
	return removed
}

func (s *AuditQueueService) add(ctx context.Context, job model.AuditJob, opts model.JobOptions) error {
	if s.queue == nil {
		return errQueueNotConfigured
	}
	_, err := s.queue.Add(ctx, model.JobProcessAuditLog, job, opts)
	return err
}

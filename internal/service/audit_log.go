package service

import (
	"context"
	"time"

	"github.com/posdesk/backoffice/internal/model"
)

const resourceAuthentication = "authentication"

// AuditEnqueuer is the queue-facing side of the audit pipeline.
type AuditEnqueuer interface {
	AddAuditLog(ctx context.Context, job model.AuditJob)
	AddCriticalAuditLog(ctx context.Context, job model.AuditJob)
	AddBulkAuditLogs(ctx context.Context, jobs []model.AuditJob)
	GetQueueStatus(ctx context.Context) model.QueueStatus
	ClearQueue(ctx context.Context) int64
}

// AuditOption overrides fields of a built job. Options run last, so they win.
type AuditOption func(*model.AuditJob)

func WithAction(action string) AuditOption {
	return func(j *model.AuditJob) { j.Action = action }
}

func WithDetails(details map[string]any) AuditOption {
	return func(j *model.AuditJob) { j.Details = details }
}

func WithTargetID(id string) AuditOption {
	return func(j *model.AuditJob) { j.TargetID = id }
}

// WithFields shallow-merges fields keyed by the job's JSON names. Keys that are not job
// fields are merged into details.
func WithFields(fields map[string]any) AuditOption {
	return func(j *model.AuditJob) {
		for key, val := range fields {
			switch key {
			case "actorId":
				j.ActorID = asString(val, j.ActorID)
			case "actorName":
				j.ActorName = asString(val, j.ActorName)
			case "action":
				j.Action = asString(val, j.Action)
			case "targetTable", "resource":
				j.TargetTable = asString(val, j.TargetTable)
			case "targetId":
				j.TargetID = asString(val, j.TargetID)
			case "tenantId":
				j.TenantID = asString(val, j.TenantID)
			case "oldValue":
				j.OldValue = val
			case "newValue":
				j.NewValue = val
			case "details":
				if m, ok := val.(map[string]any); ok {
					j.Details = m
				}
			case "timestamp":
				if ts, ok := val.(time.Time); ok {
					j.Timestamp = ts
				}
			default:
				if j.Details == nil {
					j.Details = map[string]any{}
				}
				j.Details[key] = val
			}
		}
	}
}

func asString(val any, fallback string) string {
	if s, ok := val.(string); ok {
		return s
	}
	return fallback
}

// AuditLogService is the call-site API of the audit pipeline. Every method returns once the
// job is handed to the queue; failures surface only in the operational log.
type AuditLogService struct {
	queue AuditEnqueuer
	now   func() time.Time
}

func NewAuditLogService(queue AuditEnqueuer) *AuditLogService {
	return &AuditLogService{queue: queue, now: time.Now}
}

func (s *AuditLogService) build(actorID, actorName, action, table, id, tenantID string) model.AuditJob {
	return model.AuditJob{
		ActorID:     actorID,
		ActorName:   actorName,
		Action:      action,
		TargetTable: table,
		TargetID:    id,
		TenantID:    tenantID,
		Timestamp:   s.now().UTC(),
	}
}

func apply(job *model.AuditJob, extra []AuditOption) {
	for _, opt := range extra {
		if opt != nil {
			opt(job)
		}
	}
}

func (s *AuditLogService) LogCreate(ctx context.Context, actorID, actorName, table, id string, newValue any, tenantID string, extra ...AuditOption) {
	job := s.build(actorID, actorName, model.ActionCreate, table, id, tenantID)
	job.NewValue = newValue
	apply(&job, extra)
	s.queue.AddAuditLog(ctx, job)
}

func (s *AuditLogService) LogUpdate(ctx context.Context, actorID, actorName, table, id string, oldValue, newValue any, tenantID string, extra ...AuditOption) {
	job := s.build(actorID, actorName, model.ActionUpdate, table, id, tenantID)
	job.OldValue = oldValue
	job.NewValue = newValue
	apply(&job, extra)
	s.queue.AddAuditLog(ctx, job)
}

// LogDelete records the deleted snapshot as the old value.
func (s *AuditLogService) LogDelete(ctx context.Context, actorID, actorName, table, id string, deletedValue any, tenantID string, extra ...AuditOption) {
	job := s.build(actorID, actorName, model.ActionDelete, table, id, tenantID)
	job.OldValue = deletedValue
	apply(&job, extra)
	s.queue.AddAuditLog(ctx, job)
}

// LogLogin always takes the critical path.
func (s *AuditLogService) LogLogin(ctx context.Context, actorID, actorName, tenantID, ip, userAgent string, extra ...AuditOption) {
	s.logAuth(ctx, model.ActionLogin, actorID, actorName, tenantID, ip, userAgent, extra)
}

func (s *AuditLogService) LogLogout(ctx context.Context, actorID, actorName, tenantID, ip, userAgent string, extra ...AuditOption) {
	s.logAuth(ctx, model.ActionLogout, actorID, actorName, tenantID, ip, userAgent, extra)
}

func (s *AuditLogService) logAuth(ctx context.Context, action, actorID, actorName, tenantID, ip, userAgent string, extra []AuditOption) {
	job := s.build(actorID, actorName, action, resourceAuthentication, actorID, tenantID)
	job.Details = clientDetails(ip, userAgent)
	apply(&job, extra)
	s.queue.AddCriticalAuditLog(ctx, job)
}

// LogFailedLogin goes through the standard path; LOGIN_FAILED is tier 5 in the priority table.
func (s *AuditLogService) LogFailedLogin(ctx context.Context, username, tenantID, ip, userAgent, reason string, extra ...AuditOption) {
	job := s.build("anonymous", username, model.ActionLoginFailed, resourceAuthentication, "", tenantID)
	details := clientDetails(ip, userAgent)
	if details == nil {
		details = map[string]any{}
	}
	details["reason"] = reason
	job.Details = details
	apply(&job, extra)
	s.queue.AddAuditLog(ctx, job)
}

func (s *AuditLogService) LogCriticalAction(ctx context.Context, actorID, actorName, action, table, id string, details map[string]any, tenantID string, extra ...AuditOption) {
	job := s.build(actorID, actorName, action, table, id, tenantID)
	job.Details = details
	apply(&job, extra)
	s.queue.AddCriticalAuditLog(ctx, job)
}

// LogBulkActions forwards already-built jobs unchanged.
func (s *AuditLogService) LogBulkActions(ctx context.Context, jobs []model.AuditJob) {
	s.queue.AddBulkAuditLogs(ctx, jobs)
}

func (s *AuditLogService) GetQueueStatus(ctx context.Context) model.QueueStatus {
	return s.queue.GetQueueStatus(ctx)
}

// ClearQueue purges the queue. Callers must keep it off production traffic paths.
func (s *AuditLogService) ClearQueue(ctx context.Context) int64 {
	return s.queue.ClearQueue(ctx)
}

func clientDetails(ip, userAgent string) map[string]any {
	if ip == "" && userAgent == "" {
		return nil
	}
	details := map[string]any{}
	if ip != "" {
		details["ip"] = ip
	}
	if userAgent != "" {
		details["userAgent"] = userAgent
	}
	return details
}

package model

import (
	"time"
)

const (
	ActionCreate         = "CREATE"
	ActionUpdate         = "UPDATE"
	ActionDelete         = "DELETE"
	ActionLogin          = "LOGIN"
	ActionLogout         = "LOGOUT"
	ActionLoginFailed    = "LOGIN_FAILED"
	ActionPasswordChange = "PASSWORD_CHANGE"
	ActionProfileUpdate  = "PROFILE_UPDATE"
)

// AuditJob is the payload of a process-audit-log job. It is built per request and
// never mutated once handed to the queue.
type AuditJob struct {
	ActorID     string         `json:"actorId"`
	ActorName   string         `json:"actorName"`
	Action      string         `json:"action"`                // CREATE/UPDATE/... or a business action like DELETE_STORE
	TargetTable string         `json:"targetTable"`           // table name or URL segment
	TargetID    string         `json:"targetId,omitempty"`    // empty for collection-level and auth actions
	OldValue    any            `json:"oldValue,omitempty"`
	NewValue    any            `json:"newValue,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
	TenantID    string         `json:"tenantId,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// AuditLog is the persisted form of an AuditJob, written by the worker.
type AuditLog struct {
	ID          string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	JobID       string    `json:"job_id" gorm:"type:varchar(64);uniqueIndex"`
	TenantID    string    `json:"tenant_id" gorm:"type:varchar(64);index:idx_audit_logs_tenant,priority:1"`
	ActorID     string    `json:"actor_id" gorm:"type:varchar(64);index"`
	ActorName   string    `json:"actor_name"`
	Action      string    `json:"action" gorm:"type:varchar(64);index"`
	TargetTable string    `json:"target_table"`
	TargetID    string    `json:"target_id"`
	OldValue    string    `json:"old_value"` // JSON
	NewValue    string    `json:"new_value"` // JSON
	Details     string    `json:"details"`   // JSON
	Priority    int       `json:"priority"`
	OccurredAt  time.Time `json:"occurred_at" gorm:"index:idx_audit_logs_tenant,priority:2,sort:desc"`
	CreatedAt   time.Time `json:"created_at"`
}

func (AuditLog) TableName() string {
	return "audit_logs"
}

// AuditLogFilter narrows a listing of persisted audit logs.
type AuditLogFilter struct {
	TenantID string
	ActorID  string
	Action   string
	From     *time.Time
	To       *time.Time
	Limit    int
}

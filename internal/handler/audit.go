package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/posdesk/backoffice/internal/model"
	"github.com/posdesk/backoffice/internal/pkg/apperrors"
)

type AuditLogReader interface {
	List(ctx context.Context, filter model.AuditLogFilter) ([]*model.AuditLog, error)
}

type AuditQueueAdmin interface {
	GetQueueStatus(ctx context.Context) model.QueueStatus
	ClearQueue(ctx context.Context) int64
}

type AuditHandler struct {
	logs  AuditLogReader
	queue AuditQueueAdmin
}

func NewAuditHandler(logs AuditLogReader, queue AuditQueueAdmin) *AuditHandler {
	return &AuditHandler{logs: logs, queue: queue}
}

type auditLogView struct {
	ID          string          `json:"id"`
	TenantID    string          `json:"tenantId"`
	ActorID     string          `json:"actorId"`
	ActorName   string          `json:"actorName"`
	Action      string          `json:"action"`
	TargetTable string          `json:"targetTable"`
	TargetID    string          `json:"targetId,omitempty"`
	OldValue    json.RawMessage `json:"oldValue,omitempty"`
	NewValue    json.RawMessage `json:"newValue,omitempty"`
	Details     json.RawMessage `json:"details,omitempty"`
	Priority    int             `json:"priority"`
	OccurredAt  time.Time       `json:"occurredAt"`
}

func toAuditLogView(rec *model.AuditLog) auditLogView {
	return auditLogView{
		ID:          rec.ID,
		TenantID:    rec.TenantID,
		ActorID:     rec.ActorID,
		ActorName:   rec.ActorName,
		Action:      rec.Action,
		TargetTable: rec.TargetTable,
		TargetID:    rec.TargetID,
		OldValue:    rawJSON(rec.OldValue),
		NewValue:    rawJSON(rec.NewValue),
		Details:     rawJSON(rec.Details),
		Priority:    rec.Priority,
		OccurredAt:  rec.OccurredAt,
	}
}

func rawJSON(s string) json.RawMessage {
	if s == "" || !json.Valid([]byte(s)) {
		return nil
	}
	return json.RawMessage(s)
}

// List returns persisted audit logs of the store in the path, newest first.
func (h *AuditHandler) List(c *gin.Context) {
	if h.logs == nil {
		c.Error(apperrors.New(apperrors.ErrQueueUnavailable, "audit log store not configured", nil))
		return
	}

	filter := model.AuditLogFilter{
		TenantID: c.Param("storeId"),
		ActorID:  c.Query("actorId"),
		Action:   c.Query("action"),
		Limit:    100,
	}
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			c.Error(apperrors.NewInvalidRequest("limit must be an integer"))
			return
		}
		filter.Limit = parsed
	}
	if raw := c.Query("from"); raw != "" {
		t, err := parseTime(raw)
		if err != nil {
			c.Error(apperrors.NewInvalidRequest(err.Error()))
			return
		}
		filter.From = &t
	}
	if raw := c.Query("to"); raw != "" {
		t, err := parseTime(raw)
		if err != nil {
			c.Error(apperrors.NewInvalidRequest(err.Error()))
			return
		}
		filter.To = &t
	}

	records, err := h.logs.List(c.Request.Context(), filter)
	if err != nil {
		c.Error(apperrors.New(apperrors.ErrInternal, "failed to list audit logs", err))
		return
	}
	out := make([]auditLogView, 0, len(records))
	for _, rec := range records {
		out = append(out, toAuditLogView(rec))
	}
	c.JSON(http.StatusOK, gin.H{"items": out, "count": len(out)})
}

func (h *AuditHandler) QueueStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.queue.GetQueueStatus(c.Request.Context()))
}

// ClearQueue purges the audit queue. The route is guarded against production use.
func (h *AuditHandler) ClearQueue(c *gin.Context) {
	removed := h.queue.ClearQueue(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}

func parseTime(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	if unix, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(unix, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("invalid time format")
}

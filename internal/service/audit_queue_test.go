package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/posdesk/backoffice/internal/model"
	"github.com/posdesk/backoffice/internal/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockJobQueue struct {
	mock.Mock
}

func (m *mockJobQueue) Add(ctx context.Context, name string, payload any, opts model.JobOptions) (string, error) {
	args := m.Called(ctx, name, payload, opts)
	return args.String(0), args.Error(1)
}

func (m *mockJobQueue) AddBulk(ctx context.Context, jobs []model.BulkJob) ([]string, error) {
	args := m.Called(ctx, jobs)
	ids, _ := args.Get(0).([]string)
	return ids, args.Error(1)
}

func (m *mockJobQueue) Count(ctx context.Context, state model.JobState) (int64, error) {
	args := m.Called(ctx, state)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockJobQueue) Clean(ctx context.Context, state model.JobState, grace time.Duration) (int64, error) {
	args := m.Called(ctx, state, grace)
	return args.Get(0).(int64), args.Error(1)
}

// logLines decodes captured JSON log output.
func logLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		out = append(out, entry)
	}
	return out
}

func countMsg(lines []map[string]any, level, msg string) int {
	n := 0
	for _, l := range lines {
		if l["level"] == level && l["msg"] == msg {
			n++
		}
	}
	return n
}

func sampleJob(action string) model.AuditJob {
	return model.AuditJob{
		ActorID:     "u1",
		ActorName:   "bob",
		Action:      action,
		TargetTable: "products",
		TenantID:    "s1",
		Timestamp:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestAuditPriority(t *testing.T) {
	assert.Equal(t, 1, AuditPriority("DELETE_STORE"))
	assert.Equal(t, 1, AuditPriority("UNAUTHORIZED_ACCESS"))
	assert.Equal(t, 5, AuditPriority("CREATE_USER"))
	assert.Equal(t, 5, AuditPriority("LOGIN_FAILED"))
	assert.Equal(t, 10, AuditPriority("CREATE"))
	assert.Equal(t, 10, AuditPriority("ANYTHING_ELSE"))
	assert.Equal(t, 10, AuditPriority("delete_store"))
	assert.Equal(t, 10, AuditPriority(""))
}

func TestAddAuditLogUsesPriorityTable(t *testing.T) {
	q := new(mockJobQueue)
	svc := NewAuditQueueService(q, logger.New(&bytes.Buffer{}, "debug"))
	ctx := context.Background()

	job := sampleJob("DELETE_USER")
	q.On("Add", ctx, model.JobProcessAuditLog, job, model.JobOptions{Priority: 1}).Return("j1", nil).Once()
	svc.AddAuditLog(ctx, job)

	job = sampleJob(model.ActionCreate)
	q.On("Add", ctx, model.JobProcessAuditLog, job, model.JobOptions{Priority: 10}).Return("j2", nil).Once()
	svc.AddAuditLog(ctx, job)

	q.AssertExpectations(t)
}

func TestAddAuditLogFallsBackToLog(t *testing.T) {
	var buf bytes.Buffer
	q := new(mockJobQueue)
	svc := NewAuditQueueService(q, logger.New(&buf, "debug"))
	q.On("Add", mock.Anything, model.JobProcessAuditLog, mock.Anything, mock.Anything).
		Return("", errors.New("connection refused"))

	assert.NotPanics(t, func() { svc.AddAuditLog(context.Background(), sampleJob("UPDATE")) })

	lines := logLines(t, &buf)
	assert.Equal(t, 1, countMsg(lines, "ERROR", "Failed to add audit log to queue"))
	require.Equal(t, 1, countMsg(lines, "WARN", "Audit log fallback"))
	for _, l := range lines {
		if l["msg"] == "Audit log fallback" {
			job := l["job"].(map[string]any)
			assert.Equal(t, "UPDATE", job["action"])
			assert.Equal(t, "s1", job["tenantId"])
		}
	}
}

func TestAddCriticalAuditLogForcesTierOne(t *testing.T) {
	q := new(mockJobQueue)
	svc := NewAuditQueueService(q, logger.New(&bytes.Buffer{}, "debug"))
	ctx := context.Background()

	for _, action := range []string{"LOGIN", "CREATE_USER", "DELETE_STORE", "whatever"} {
		job := sampleJob(action)
		q.On("Add", ctx, model.JobProcessAuditLog, job, model.JobOptions{Priority: 1, Attempts: 5}).
			Return("id", nil).Once()
		svc.AddCriticalAuditLog(ctx, job)
	}
	q.AssertExpectations(t)
}

func TestAddCriticalAuditLogFailureLogsError(t *testing.T) {
	var buf bytes.Buffer
	q := new(mockJobQueue)
	svc := NewAuditQueueService(q, logger.New(&buf, "debug"))
	q.On("Add", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return("", errors.New("timeout"))

	svc.AddCriticalAuditLog(context.Background(), sampleJob(model.ActionLogout))

	lines := logLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "ERROR", lines[0]["level"])
	assert.Equal(t, "Failed to add critical audit log to queue", lines[0]["msg"])
	job := lines[0]["job"].(map[string]any)
	assert.Equal(t, model.ActionLogout, job["action"])
	assert.Zero(t, countMsg(lines, "WARN", "Audit log fallback"))
}

func TestAddBulkAuditLogsKeepsOrderAndPriorities(t *testing.T) {
	q := new(mockJobQueue)
	svc := NewAuditQueueService(q, logger.New(&bytes.Buffer{}, "debug"))
	jobs := []model.AuditJob{sampleJob("CREATE"), sampleJob("DELETE_STORE"), sampleJob("UPDATE_USER")}

	q.On("AddBulk", mock.Anything, mock.MatchedBy(func(bulk []model.BulkJob) bool {
		if len(bulk) != 3 {
			return false
		}
		want := []int{10, 1, 5}
		for i, b := range bulk {
			if b.Name != model.JobProcessAuditLog || b.Options.Priority != want[i] || !assert.ObjectsAreEqual(jobs[i], b.Payload) {
				return false
			}
		}
		return true
	})).Return([]string{"a", "b", "c"}, nil).Once()

	svc.AddBulkAuditLogs(context.Background(), jobs)
	q.AssertExpectations(t)
}

func TestAddBulkAuditLogsFallbackPerItem(t *testing.T) {
	var buf bytes.Buffer
	q := new(mockJobQueue)
	svc := NewAuditQueueService(q, logger.New(&buf, "debug"))
	q.On("AddBulk", mock.Anything, mock.Anything).Return(nil, errors.New("EXECABORT"))

	jobs := []model.AuditJob{sampleJob("CREATE"), sampleJob("UPDATE"), sampleJob("DELETE"), sampleJob("LOGIN")}
	svc.AddBulkAuditLogs(context.Background(), jobs)

	lines := logLines(t, &buf)
	assert.Equal(t, len(jobs), countMsg(lines, "WARN", "Audit log fallback"))
}

func TestAddBulkAuditLogsEmptyIsNoop(t *testing.T) {
	q := new(mockJobQueue)
	svc := NewAuditQueueService(q, logger.New(&bytes.Buffer{}, "debug"))
	svc.AddBulkAuditLogs(context.Background(), nil)
	q.AssertNotCalled(t, "AddBulk", mock.Anything, mock.Anything)
}

func TestNilQueueFallsBack(t *testing.T) {
	var buf bytes.Buffer
	svc := NewAuditQueueService(nil, logger.New(&buf, "debug"))
	ctx := context.Background()

	svc.AddAuditLog(ctx, sampleJob("CREATE"))
	svc.AddBulkAuditLogs(ctx, []model.AuditJob{sampleJob("CREATE"), sampleJob("UPDATE")})
	assert.Equal(t, model.QueueStatus{}, svc.GetQueueStatus(ctx))
	assert.Zero(t, svc.ClearQueue(ctx))

	lines := logLines(t, &buf)
	assert.Equal(t, 3, countMsg(lines, "WARN", "Audit log fallback"))
}

func TestGetQueueStatus(t *testing.T) {
	q := new(mockJobQueue)
	svc := NewAuditQueueService(q, logger.New(&bytes.Buffer{}, "debug"))
	q.On("Count", mock.Anything, model.JobWaiting).Return(int64(4), nil)
	q.On("Count", mock.Anything, model.JobActive).Return(int64(1), nil)
	q.On("Count", mock.Anything, model.JobCompleted).Return(int64(30), nil)
	q.On("Count", mock.Anything, model.JobFailed).Return(int64(2), nil)
	q.On("Count", mock.Anything, model.JobDelayed).Return(int64(3), nil)

	status := svc.GetQueueStatus(context.Background())
	assert.Equal(t, model.QueueStatus{Waiting: 4, Active: 1, Completed: 30, Failed: 2, Delayed: 3}, status)
}

func TestGetQueueStatusZeroedOnError(t *testing.T) {
	var buf bytes.Buffer
	q := new(mockJobQueue)
	svc := NewAuditQueueService(q, logger.New(&buf, "debug"))
	q.On("Count", mock.Anything, model.JobFailed).Return(int64(0), errors.New("READONLY"))
	q.On("Count", mock.Anything, mock.Anything).Return(int64(9), nil)

	status := svc.GetQueueStatus(context.Background())
	assert.Equal(t, model.QueueStatus{}, status)
	assert.Equal(t, 1, countMsg(logLines(t, &buf), "ERROR", "Failed to get audit queue status"))
}

func TestClearQueue(t *testing.T) {
	var buf bytes.Buffer
	q := new(mockJobQueue)
	svc := NewAuditQueueService(q, logger.New(&buf, "debug"))
	q.On("Clean", mock.Anything, model.JobCompleted, time.Duration(0)).Return(int64(5), nil).Once()
	q.On("Clean", mock.Anything, model.JobFailed, time.Duration(0)).Return(int64(0), errors.New("boom")).Once()
	q.On("Clean", mock.Anything, model.JobWaiting, time.Duration(0)).Return(int64(2), nil).Once()
	q.On("Clean", mock.Anything, model.JobActive, time.Duration(0)).Return(int64(1), nil).Once()

	assert.Equal(t, int64(8), svc.ClearQueue(context.Background()))
	q.AssertExpectations(t)
	q.AssertNotCalled(t, "Clean", mock.Anything, model.JobDelayed, mock.Anything)
	assert.Equal(t, 1, countMsg(logLines(t, &buf), "ERROR", "Failed to clear audit queue"))
}

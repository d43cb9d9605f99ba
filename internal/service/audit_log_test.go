package service

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/posdesk/backoffice/internal/model"
	"github.com/posdesk/backoffice/internal/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type recordingEnqueuer struct {
	mu       sync.Mutex
	standard []model.AuditJob
	critical []model.AuditJob
	bulk     [][]model.AuditJob
	cleared  int
}

func (r *recordingEnqueuer) AddAuditLog(_ context.Context, job model.AuditJob) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.standard = append(r.standard, job)
}

func (r *recordingEnqueuer) AddCriticalAuditLog(_ context.Context, job model.AuditJob) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.critical = append(r.critical, job)
}

func (r *recordingEnqueuer) AddBulkAuditLogs(_ context.Context, jobs []model.AuditJob) {
	r.bulk = append(r.bulk, jobs)
}

// jobs returns copies of the standard and critical jobs recorded so far.
func (r *recordingEnqueuer) jobs() (standard, critical []model.AuditJob) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.AuditJob(nil), r.standard...), append([]model.AuditJob(nil), r.critical...)
}

func (r *recordingEnqueuer) GetQueueStatus(context.Context) model.QueueStatus {
	return model.QueueStatus{Waiting: 7}
}

func (r *recordingEnqueuer) ClearQueue(context.Context) int64 {
	r.cleared++
	return 3
}

var fixedNow = time.Date(2026, 5, 4, 10, 30, 0, 0, time.UTC)

func newTestFacade() (*AuditLogService, *recordingEnqueuer) {
	rec := &recordingEnqueuer{}
	svc := NewAuditLogService(rec)
	svc.now = func() time.Time { return fixedNow }
	return svc, rec
}

func TestLogCreate(t *testing.T) {
	svc, rec := newTestFacade()
	newValue := map[string]any{"storeId": "s1", "name": "Widget"}

	svc.LogCreate(context.Background(), "u1", "bob", "products", "", newValue, "s1")

	require.Len(t, rec.standard, 1)
	assert.Empty(t, rec.critical)
	assert.Equal(t, model.AuditJob{
		ActorID:     "u1",
		ActorName:   "bob",
		Action:      model.ActionCreate,
		TargetTable: "products",
		NewValue:    newValue,
		TenantID:    "s1",
		Timestamp:   fixedNow,
	}, rec.standard[0])
}

func TestLogUpdateCarriesBothSnapshots(t *testing.T) {
	svc, rec := newTestFacade()
	svc.LogUpdate(context.Background(), "u1", "bob", "products", "p1",
		map[string]any{"price": 10}, map[string]any{"price": 12}, "s1")

	require.Len(t, rec.standard, 1)
	job := rec.standard[0]
	assert.Equal(t, model.ActionUpdate, job.Action)
	assert.Equal(t, "p1", job.TargetID)
	assert.Equal(t, map[string]any{"price": 10}, job.OldValue)
	assert.Equal(t, map[string]any{"price": 12}, job.NewValue)
}

func TestLogDeleteStoresDeletedValueAsOld(t *testing.T) {
	svc, rec := newTestFacade()
	svc.LogDelete(context.Background(), "u1", "bob", "products", "p1", map[string]any{"name": "Widget"}, "s1")

	require.Len(t, rec.standard, 1)
	job := rec.standard[0]
	assert.Equal(t, model.ActionDelete, job.Action)
	assert.Equal(t, map[string]any{"name": "Widget"}, job.OldValue)
	assert.Nil(t, job.NewValue)
}

func TestLogLoginAndLogoutAreCritical(t *testing.T) {
	svc, rec := newTestFacade()
	ctx := context.Background()

	svc.LogLogin(ctx, "u1", "bob", "s1", "10.0.0.1", "till/1")
	svc.LogLogout(ctx, "u1", "bob", "s1", "", "")

	assert.Empty(t, rec.standard)
	require.Len(t, rec.critical, 2)

	login := rec.critical[0]
	assert.Equal(t, model.ActionLogin, login.Action)
	assert.Equal(t, "authentication", login.TargetTable)
	assert.Equal(t, "u1", login.TargetID)
	assert.Equal(t, map[string]any{"ip": "10.0.0.1", "userAgent": "till/1"}, login.Details)

	logout := rec.critical[1]
	assert.Equal(t, model.ActionLogout, logout.Action)
	assert.Nil(t, logout.Details)
}

func TestLogFailedLogin(t *testing.T) {
	svc, rec := newTestFacade()
	svc.LogFailedLogin(context.Background(), "mallory", "s1", "10.0.0.9", "", "invalid username or password")

	require.Len(t, rec.standard, 1)
	job := rec.standard[0]
	assert.Equal(t, "anonymous", job.ActorID)
	assert.Equal(t, "mallory", job.ActorName)
	assert.Equal(t, model.ActionLoginFailed, job.Action)
	assert.Equal(t, "invalid username or password", job.Details["reason"])
	assert.Equal(t, "10.0.0.9", job.Details["ip"])
}

func TestLogCriticalAction(t *testing.T) {
	svc, rec := newTestFacade()
	details := map[string]any{"reason": "closing branch"}
	svc.LogCriticalAction(context.Background(), "u1", "bob", "DELETE_STORE", "stores", "s9", details, "s1")

	require.Len(t, rec.critical, 1)
	job := rec.critical[0]
	assert.Equal(t, "DELETE_STORE", job.Action)
	assert.Equal(t, "stores", job.TargetTable)
	assert.Equal(t, details, job.Details)
}

func TestExtraOptionsWin(t *testing.T) {
	svc, rec := newTestFacade()
	ctx := context.Background()

	svc.LogCreate(ctx, "u1", "bob", "users", "", nil, "s1", WithAction("CREATE_USER"), WithTargetID("u7"))
	svc.LogLogin(ctx, "u1", "bob", "s1", "10.0.0.1", "", WithDetails(map[string]any{"mfa": true}))
	svc.LogDelete(ctx, "u1", "bob", "stores", "s2", nil, "s1", WithFields(map[string]any{
		"action":    "DELETE_STORE",
		"tenantId":  "hq",
		"actorName": "root",
		"ticket":    "OPS-12",
		"targetId":  42,
	}))

	require.Len(t, rec.standard, 2)
	created := rec.standard[0]
	assert.Equal(t, "CREATE_USER", created.Action)
	assert.Equal(t, "u7", created.TargetID)

	assert.Equal(t, map[string]any{"mfa": true}, rec.critical[0].Details)

	deleted := rec.standard[1]
	assert.Equal(t, "DELETE_STORE", deleted.Action)
	assert.Equal(t, "hq", deleted.TenantID)
	assert.Equal(t, "root", deleted.ActorName)
	assert.Equal(t, "s2", deleted.TargetID)
	assert.Equal(t, "OPS-12", deleted.Details["ticket"])
}

func TestLogBulkActionsForwardsUnchanged(t *testing.T) {
	svc, rec := newTestFacade()
	jobs := []model.AuditJob{sampleJob("CREATE"), sampleJob("DELETE_USER")}
	svc.LogBulkActions(context.Background(), jobs)

	require.Len(t, rec.bulk, 1)
	assert.Equal(t, jobs, rec.bulk[0])
}

func TestAdminPassThroughs(t *testing.T) {
	svc, rec := newTestFacade()
	assert.Equal(t, model.QueueStatus{Waiting: 7}, svc.GetQueueStatus(context.Background()))
	assert.Equal(t, int64(3), svc.ClearQueue(context.Background()))
	assert.Equal(t, 1, rec.cleared)
}

// The create scenario end to end: the job lands in the queue with the default tier.
func TestLogCreateReachesQueueWithDefaultPriority(t *testing.T) {
	q := new(mockJobQueue)
	gateway := NewAuditQueueService(q, logger.New(&bytes.Buffer{}, "debug"))
	svc := NewAuditLogService(gateway)

	q.On("Add", mock.Anything, model.JobProcessAuditLog, mock.MatchedBy(func(p any) bool {
		job, ok := p.(model.AuditJob)
		return ok && job.Action == model.ActionCreate && job.TargetTable == "products" && job.TenantID == "s1"
	}), model.JobOptions{Priority: PriorityDefault}).Return("j1", nil).Once()

	svc.LogCreate(context.Background(), "u1", "bob", "products", "",
		map[string]any{"storeId": "s1", "name": "Widget"}, "s1")
	q.AssertExpectations(t)
}

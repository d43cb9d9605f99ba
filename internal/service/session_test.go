package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/posdesk/backoffice/internal/config"
	"github.com/posdesk/backoffice/internal/model"
	"github.com/posdesk/backoffice/internal/pkg/apperrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

type memRevoker struct {
	mu      sync.Mutex
	revoked map[string]time.Duration
	err     error
}

func (m *memRevoker) Revoke(_ context.Context, tokenID string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.revoked == nil {
		m.revoked = map[string]time.Duration{}
	}
	m.revoked[tokenID] = ttl
	return nil
}

func (m *memRevoker) IsRevoked(_ context.Context, tokenID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return false, m.err
	}
	_, ok := m.revoked[tokenID]
	return ok, nil
}

func newTestSessions(t *testing.T, revoker TokenRevoker) (*SessionService, *recordingEnqueuer) {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)

	rec := &recordingEnqueuer{}
	audit := NewAuditLogService(rec)
	svc := NewSessionService(config.AuthConfig{
		JWTSecret:       "test-secret",
		Issuer:          "backoffice-test",
		TokenTTLMinutes: 60,
		Operators: []config.OperatorConfig{
			{ID: "u1", Username: "bob", PasswordHash: string(hash), Stores: []string{"s1"}},
			{ID: "u2", Username: "alice", PasswordHash: string(hash), Stores: []string{"*"}},
		},
	}, revoker, audit)
	return svc, rec
}

func TestLoginIssuesTokenAndAudits(t *testing.T) {
	svc, rec := newTestSessions(t, &memRevoker{})
	ctx := context.Background()

	res, err := svc.Login(ctx, LoginRequest{StoreID: "s1", Username: "bob", Password: "s3cret", IP: "10.0.0.1", UserAgent: "till/1"})
	require.NoError(t, err)
	assert.NotEmpty(t, res.Token)
	assert.Equal(t, "u1", res.Actor.UserID)
	assert.Equal(t, "s1", res.Actor.StoreID)

	var critical []model.AuditJob
	require.Eventually(t, func() bool {
		_, critical = rec.jobs()
		return len(critical) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, model.ActionLogin, critical[0].Action)
	assert.Equal(t, "s1", critical[0].TenantID)

	actor, err := svc.Authenticate(ctx, res.Token)
	require.NoError(t, err)
	assert.Equal(t, "u1", actor.UserID)
	assert.Equal(t, "bob", actor.Username)
	assert.Equal(t, res.Actor.TokenID, actor.TokenID)
}

func TestLoginFailures(t *testing.T) {
	svc, rec := newTestSessions(t, nil)
	ctx := context.Background()

	_, err := svc.Login(ctx, LoginRequest{StoreID: "s1", Username: "bob", Password: "wrong"})
	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.ErrAuthFailed, appErr.Type)

	_, err = svc.Login(ctx, LoginRequest{StoreID: "s1", Username: "nobody", Password: "s3cret"})
	require.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = svc.Login(ctx, LoginRequest{StoreID: "s2", Username: "bob", Password: "s3cret"})
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.ErrForbidden, appErr.Type)

	_, err = svc.Login(ctx, LoginRequest{StoreID: "s2", Username: "alice", Password: "s3cret"})
	require.NoError(t, err)

	var standard []model.AuditJob
	require.Eventually(t, func() bool {
		standard, _ = rec.jobs()
		return len(standard) == 3
	}, time.Second, 5*time.Millisecond)
	for _, job := range standard {
		assert.Equal(t, model.ActionLoginFailed, job.Action)
		assert.Equal(t, "anonymous", job.ActorID)
	}
}

type blockingAuditor struct {
	release chan struct{}
	done    chan string
}

func (b *blockingAuditor) LogLogin(ctx context.Context, actorID, _, _, _, _ string, _ ...AuditOption) {
	<-b.release
	b.done <- "login:" + actorID
}

func (b *blockingAuditor) LogFailedLogin(ctx context.Context, username, _, _, _, _ string, _ ...AuditOption) {
	<-b.release
	b.done <- "failed:" + username
}

func TestLoginDoesNotWaitForAudit(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)
	auditor := &blockingAuditor{release: make(chan struct{}), done: make(chan string, 2)}
	svc := NewSessionService(config.AuthConfig{
		JWTSecret: "test-secret",
		Operators: []config.OperatorConfig{{ID: "u1", Username: "bob", PasswordHash: string(hash)}},
	}, nil, auditor)

	ctx, cancel := context.WithCancel(context.Background())
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		_, err := svc.Login(ctx, LoginRequest{StoreID: "s1", Username: "bob", Password: "s3cret"})
		assert.NoError(t, err)
		_, err = svc.Login(ctx, LoginRequest{StoreID: "s1", Username: "bob", Password: "nope"})
		assert.Error(t, err)
	}()
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("login blocked on the audit queue")
	}

	// the request is gone before the audit runs
	cancel()
	close(auditor.release)
	got := []string{<-auditor.done, <-auditor.done}
	assert.ElementsMatch(t, []string{"login:u1", "failed:bob"}, got)
}

type panickingAuditor struct{ called chan struct{} }

func (p *panickingAuditor) LogLogin(context.Context, string, string, string, string, string, ...AuditOption) {
	close(p.called)
	panic("queue client bug")
}

func (p *panickingAuditor) LogFailedLogin(context.Context, string, string, string, string, string, ...AuditOption) {
}

func TestLoginAuditPanicIsContained(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)
	auditor := &panickingAuditor{called: make(chan struct{})}
	svc := NewSessionService(config.AuthConfig{
		JWTSecret: "test-secret",
		Operators: []config.OperatorConfig{{ID: "u1", Username: "bob", PasswordHash: string(hash)}},
	}, nil, auditor)

	_, err = svc.Login(context.Background(), LoginRequest{StoreID: "s1", Username: "bob", Password: "s3cret"})
	require.NoError(t, err)
	select {
	case <-auditor.called:
	case <-time.After(2 * time.Second):
		t.Fatal("login audit did not run")
	}
}

func TestAuthenticateRejectsBadTokens(t *testing.T) {
	svc, _ := newTestSessions(t, nil)
	ctx := context.Background()

	_, err := svc.Authenticate(ctx, "not-a-token")
	assert.Error(t, err)

	other := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		UserID:           "u1",
		RegisteredClaims: jwt.RegisteredClaims{ID: "x", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	})
	forged, err := other.SignedString([]byte("someone-else"))
	require.NoError(t, err)
	_, err = svc.Authenticate(ctx, forged)
	assert.Error(t, err)

	res, err := svc.Login(ctx, LoginRequest{StoreID: "s1", Username: "bob", Password: "s3cret"})
	require.NoError(t, err)
	svc.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, err = svc.Authenticate(ctx, res.Token)
	assert.Error(t, err)
}

func TestLogoutRevokesToken(t *testing.T) {
	revoker := &memRevoker{}
	svc, _ := newTestSessions(t, revoker)
	ctx := context.Background()

	res, err := svc.Login(ctx, LoginRequest{StoreID: "s1", Username: "bob", Password: "s3cret"})
	require.NoError(t, err)
	actor, err := svc.Authenticate(ctx, res.Token)
	require.NoError(t, err)

	require.NoError(t, svc.Logout(ctx, actor))
	ttl := revoker.revoked[actor.TokenID]
	assert.Greater(t, ttl, 59*time.Minute)
	assert.LessOrEqual(t, ttl, time.Hour)

	_, err = svc.Authenticate(ctx, res.Token)
	assert.ErrorIs(t, err, ErrTokenRevoked)

	assert.Error(t, svc.Logout(ctx, &model.Actor{UserID: "u1"}))
}

func TestAuthenticateRevocationStoreDown(t *testing.T) {
	revoker := &memRevoker{}
	svc, _ := newTestSessions(t, revoker)
	ctx := context.Background()

	res, err := svc.Login(ctx, LoginRequest{StoreID: "s1", Username: "bob", Password: "s3cret"})
	require.NoError(t, err)

	revoker.err = errors.New("redis down")
	_, err = svc.Authenticate(ctx, res.Token)
	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.ErrInternal, appErr.Type)
}

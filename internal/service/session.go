package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/posdesk/backoffice/internal/config"
	"github.com/posdesk/backoffice/internal/model"
	"github.com/posdesk/backoffice/internal/pkg/apperrors"
	"github.com/posdesk/backoffice/internal/pkg/logger"
	"golang.org/x/crypto/bcrypt"
)

const defaultTokenTTL = 8 * time.Hour

var (
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrStoreNotAllowed    = errors.New("operator is not assigned to this store")
	ErrTokenRevoked       = errors.New("token has been revoked")
)

// Claims is the payload of an operator access token.
type Claims struct {
	UserID   string `json:"uid"`
	Username string `json:"username"`
	StoreID  string `json:"storeId"`
	jwt.RegisteredClaims
}

// TokenRevoker remembers logged-out token ids until they expire.
type TokenRevoker interface {
	Revoke(ctx context.Context, tokenID string, ttl time.Duration) error
	IsRevoked(ctx context.Context, tokenID string) (bool, error)
}

// AuthAuditor records authentication outcomes.
type AuthAuditor interface {
	LogLogin(ctx context.Context, actorID, actorName, tenantID, ip, userAgent string, extra ...AuditOption)
	LogFailedLogin(ctx context.Context, username, tenantID, ip, userAgent, reason string, extra ...AuditOption)
}

// LoginRequest carries the credentials and client metadata of a login attempt.
type LoginRequest struct {
	StoreID   string
	Username  string
	Password  string
	IP        string
	UserAgent string
}

type LoginResult struct {
	Token     string
	ExpiresAt time.Time
	Actor     *model.Actor
}

// SessionService authenticates store operators and issues HS256 access tokens.
type SessionService struct {
	operators map[string]config.OperatorConfig
	secret    []byte
	issuer    string
	ttl       time.Duration
	revoker   TokenRevoker
	audit     AuthAuditor
	log       *slog.Logger
	now       func() time.Time
}

func NewSessionService(cfg config.AuthConfig, revoker TokenRevoker, audit AuthAuditor) *SessionService {
	operators := make(map[string]config.OperatorConfig, len(cfg.Operators))
	for _, op := range cfg.Operators {
		operators[op.Username] = op
	}
	ttl := time.Duration(cfg.TokenTTLMinutes) * time.Minute
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	return &SessionService{
		operators: operators,
		secret:    []byte(cfg.JWTSecret),
		issuer:    cfg.Issuer,
		ttl:       ttl,
		revoker:   revoker,
		audit:     audit,
		log:       logger.Component("session"),
		now:       time.Now,
	}
}

func (s *SessionService) Login(ctx context.Context, req LoginRequest) (*LoginResult, error) {
	op, err := s.authenticate(req)
	if err != nil {
		reason := err.Error()
		s.auditAsync(ctx, func(ctx context.Context, audit AuthAuditor) {
			audit.LogFailedLogin(ctx, req.Username, req.StoreID, req.IP, req.UserAgent, reason)
		})
		if errors.Is(err, ErrStoreNotAllowed) {
			return nil, apperrors.New(apperrors.ErrForbidden, err.Error(), err)
		}
		return nil, apperrors.New(apperrors.ErrAuthFailed, err.Error(), err)
	}

	now := s.now()
	expiresAt := now.Add(s.ttl)
	actor := &model.Actor{
		UserID:    op.ID,
		Username:  op.Username,
		StoreID:   req.StoreID,
		TokenID:   uuid.NewString(),
		ExpiresAt: expiresAt,
	}
	claims := &Claims{
		UserID:   actor.UserID,
		Username: actor.Username,
		StoreID:  actor.StoreID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        actor.TokenID,
			Issuer:    s.issuer,
			Subject:   actor.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return nil, apperrors.New(apperrors.ErrInternal, "failed to sign token", err)
	}

	s.auditAsync(ctx, func(ctx context.Context, audit AuthAuditor) {
		audit.LogLogin(ctx, actor.UserID, actor.Username, req.StoreID, req.IP, req.UserAgent)
	})
	return &LoginResult{Token: signed, ExpiresAt: expiresAt, Actor: actor}, nil
}

// auditAsync keeps login latency independent of the audit queue.
func (s *SessionService) auditAsync(ctx context.Context, fn func(context.Context, AuthAuditor)) {
	if s.audit == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				s.log.ErrorContext(ctx, "Login audit panicked", "panic", rec)
			}
		}()
		fn(ctx, s.audit)
	}()
}

func (s *SessionService) authenticate(req LoginRequest) (config.OperatorConfig, error) {
	op, ok := s.operators[req.Username]
	if !ok || op.PasswordHash == "" {
		return config.OperatorConfig{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(op.PasswordHash), []byte(req.Password)); err != nil {
		return config.OperatorConfig{}, ErrInvalidCredentials
	}
	if len(op.Stores) > 0 && !slices.Contains(op.Stores, req.StoreID) && !slices.Contains(op.Stores, "*") {
		return config.OperatorConfig{}, ErrStoreNotAllowed
	}
	return op, nil
}

// Authenticate validates a bearer token and returns the actor it was issued to.
func (s *SessionService) Authenticate(ctx context.Context, token string) (*model.Actor, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil || !parsed.Valid {
		return nil, apperrors.New(apperrors.ErrAuthFailed, "invalid token", err)
	}
	if claims.UserID == "" || claims.ID == "" {
		return nil, apperrors.NewAuthFailed("invalid token claims")
	}

	if s.revoker != nil {
		revoked, err := s.revoker.IsRevoked(ctx, claims.ID)
		if err != nil {
			s.log.ErrorContext(ctx, "Failed to check token revocation", "error", err)
			return nil, apperrors.New(apperrors.ErrInternal, "session store unavailable", err)
		}
		if revoked {
			return nil, apperrors.New(apperrors.ErrAuthFailed, ErrTokenRevoked.Error(), ErrTokenRevoked)
		}
	}

	actor := &model.Actor{
		UserID:   claims.UserID,
		Username: claims.Username,
		StoreID:  claims.StoreID,
		TokenID:  claims.ID,
	}
	if claims.ExpiresAt != nil {
		actor.ExpiresAt = claims.ExpiresAt.Time
	}
	return actor, nil
}

// Logout revokes the actor's token for the rest of its lifetime.
func (s *SessionService) Logout(ctx context.Context, actor *model.Actor) error {
	if actor == nil || actor.TokenID == "" {
		return apperrors.NewAuthFailed("no active session")
	}
	if s.revoker == nil {
		return nil
	}
	ttl := s.ttl
	if !actor.ExpiresAt.IsZero() {
		ttl = actor.ExpiresAt.Sub(s.now())
	}
	if ttl <= 0 {
		return nil
	}
	if err := s.revoker.Revoke(ctx, actor.TokenID, ttl); err != nil {
		return apperrors.New(apperrors.ErrInternal, "failed to revoke session", err)
	}
	return nil
}

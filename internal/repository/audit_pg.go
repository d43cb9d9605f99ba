package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/posdesk/backoffice/internal/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultAuditListLimit = 100
	maxAuditListLimit     = 1000
)

type PostgresAuditRepo struct {
	db *gorm.DB
}

func NewPostgresAuditRepo(db *gorm.DB) (*PostgresAuditRepo, error) {
	repo := &PostgresAuditRepo{db: db}
	if err := repo.ensureSchema(); err != nil {
		return nil, err
	}
	return repo, nil
}

// Insert is idempotent on JobID so a redelivered job does not produce a second row.
func (r *PostgresAuditRepo) Insert(ctx context.Context, entry *model.AuditLog) error {
	if entry == nil {
		return nil
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "job_id"}}, DoNothing: true}).
		Create(entry).Error
}

func (r *PostgresAuditRepo) List(ctx context.Context, filter model.AuditLogFilter) ([]*model.AuditLog, error) {
	limit := filter.Limit
	if limit <= 0 || limit > maxAuditListLimit {
		limit = defaultAuditListLimit
	}

	q := r.db.WithContext(ctx).Model(&model.AuditLog{})
	if filter.TenantID != "" {
		q = q.Where("tenant_id = ?", filter.TenantID)
	}
	if filter.ActorID != "" {
		q = q.Where("actor_id = ?", filter.ActorID)
	}
	if filter.Action != "" {
		q = q.Where("action = ?", filter.Action)
	}
	if filter.From != nil {
		q = q.Where("occurred_at >= ?", *filter.From)
	}
	if filter.To != nil {
		q = q.Where("occurred_at <= ?", *filter.To)
	}

	records := make([]*model.AuditLog, 0, limit)
	if err := q.Order("occurred_at DESC").Limit(limit).Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

func (r *PostgresAuditRepo) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, nil
	}
	cutoff := time.Now().UTC().Add(-olderThan)
	res := r.db.WithContext(ctx).Where("occurred_at < ?", cutoff).Delete(&model.AuditLog{})
	return res.RowsAffected, res.Error
}

func (r *PostgresAuditRepo) ensureSchema() error {
	return r.db.AutoMigrate(&model.AuditLog{})
}

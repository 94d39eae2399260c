package repository

import (
	"context"
	"time"

	"github.com/sandeepkv93/execgate/internal/clock"
	"github.com/sandeepkv93/execgate/internal/domain"
	"github.com/sandeepkv93/execgate/internal/observability"

	"gorm.io/gorm"
)

// UsageLog is an append-only log of admitted requests per principal.
type UsageLog interface {
	Append(ctx context.Context, principalID string, issuedAt time.Time, ttl time.Duration) error
	// CountSince counts records issued strictly after since. The count is
	// exact; the timestamp snapshot is capped at the page limit.
	CountSince(ctx context.Context, principalID string, since time.Time) (domain.UsageWindow, error)
}

type GormUsageLog struct {
	db        *gorm.DB
	table     string
	pageLimit int
	now       clock.TimeSource
}

func NewGormUsageLog(db *gorm.DB, table string, pageLimit int, ts clock.TimeSource) *GormUsageLog {
	if pageLimit <= 0 {
		pageLimit = 1000
	}
	return &GormUsageLog{db: db, table: table, pageLimit: pageLimit, now: clock.OrSystem(ts)}
}

func (r *GormUsageLog) Append(ctx context.Context, principalID string, issuedAt time.Time, ttl time.Duration) error {
	rec := &domain.UsageRecord{
		PrincipalID: principalID,
		IssuedAt:    issuedAt.UTC(),
		ExpiresAt:   issuedAt.UTC().Add(ttl),
	}
	if err := r.db.WithContext(ctx).Table(r.table).Create(rec).Error; err != nil {
		observability.RecordRepositoryOperation(ctx, r.table, "append", "error")
		return err
	}
	observability.RecordRepositoryOperation(ctx, r.table, "append", "success")
	return nil
}

func (r *GormUsageLog) CountSince(ctx context.Context, principalID string, since time.Time) (domain.UsageWindow, error) {
	scope := func() *gorm.DB {
		return r.db.WithContext(ctx).Table(r.table).
			Where("principal_id = ? AND issued_at > ? AND expires_at > ?", principalID, since.UTC(), r.now.Now())
	}

	var count int64
	if err := scope().Count(&count).Error; err != nil {
		observability.RecordRepositoryOperation(ctx, r.table, "count_since", "error")
		return domain.UsageWindow{}, err
	}
	var issued []time.Time
	if err := scope().Order("issued_at ASC").Limit(r.pageLimit).Pluck("issued_at", &issued).Error; err != nil {
		observability.RecordRepositoryOperation(ctx, r.table, "count_since", "error")
		return domain.UsageWindow{}, err
	}
	observability.RecordRepositoryOperation(ctx, r.table, "count_since", "success")
	return domain.UsageWindow{
		Count:     int(count),
		IssuedAt:  issued,
		Truncated: int(count) > len(issued),
	}, nil
}

func (r *GormUsageLog) CleanupExpired(ctx context.Context) (int64, error) {
	res := r.db.WithContext(ctx).Table(r.table).
		Where("expires_at <= ?", r.now.Now()).
		Delete(&domain.UsageRecord{})
	if res.Error != nil {
		observability.RecordRepositoryOperation(ctx, r.table, "cleanup_expired", "error")
		return 0, res.Error
	}
	observability.RecordRepositoryOperation(ctx, r.table, "cleanup_expired", "success")
	return res.RowsAffected, nil
}

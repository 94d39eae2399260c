package repository

import (
	"context"
	"errors"

	"github.com/sandeepkv93/execgate/internal/clock"
	"github.com/sandeepkv93/execgate/internal/domain"
	"github.com/sandeepkv93/execgate/internal/observability"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrBlockNotFound = errors.New("block record not found")

// BlockRegistry records blocked principals. The first writer for a principal
// wins and later writers observe created=false.
type BlockRegistry interface {
	IsBlocked(ctx context.Context, principalID string) (bool, error)
	Block(ctx context.Context, rec domain.BlockRecord) (bool, error)
	Find(ctx context.Context, principalID string) (*domain.BlockRecord, error)
}

type GormBlockRegistry struct {
	db    *gorm.DB
	table string
	now   clock.TimeSource
}

func NewGormBlockRegistry(db *gorm.DB, table string, ts clock.TimeSource) *GormBlockRegistry {
	if table == "" {
		table = "blocked_users"
	}
	return &GormBlockRegistry{db: db, table: table, now: clock.OrSystem(ts)}
}

func (r *GormBlockRegistry) IsBlocked(ctx context.Context, principalID string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Table(r.table).Where("principal_id = ?", principalID).Count(&count).Error
	if err != nil {
		observability.RecordRepositoryOperation(ctx, "block_registry", "is_blocked", "error")
		return false, err
	}
	observability.RecordRepositoryOperation(ctx, "block_registry", "is_blocked", "success")
	return count > 0, nil
}

func (r *GormBlockRegistry) Block(ctx context.Context, rec domain.BlockRecord) (bool, error) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = r.now.Now()
	}
	res := r.db.WithContext(ctx).Table(r.table).Clauses(clause.OnConflict{DoNothing: true}).Create(&rec)
	if res.Error != nil {
		observability.RecordRepositoryOperation(ctx, "block_registry", "block", "error")
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		observability.RecordRepositoryOperation(ctx, "block_registry", "block", "conflict")
		return false, nil
	}
	observability.RecordRepositoryOperation(ctx, "block_registry", "block", "success")
	return true, nil
}

func (r *GormBlockRegistry) Find(ctx context.Context, principalID string) (*domain.BlockRecord, error) {
	var rec domain.BlockRecord
	err := r.db.WithContext(ctx).Table(r.table).Where("principal_id = ?", principalID).First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			observability.RecordRepositoryOperation(ctx, "block_registry", "find", "not_found")
			return nil, ErrBlockNotFound
		}
		observability.RecordRepositoryOperation(ctx, "block_registry", "find", "error")
		return nil, err
	}
	observability.RecordRepositoryOperation(ctx, "block_registry", "find", "success")
	return &rec, nil
}

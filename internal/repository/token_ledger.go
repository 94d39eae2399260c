package repository

import (
	"context"
	"errors"
	"time"

	"github.com/sandeepkv93/execgate/internal/clock"
	"github.com/sandeepkv93/execgate/internal/domain"
	"github.com/sandeepkv93/execgate/internal/observability"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrTokenExists   = errors.New("token already exists")
	ErrTokenNotFound = errors.New("token not found")
)

// TokenLedger holds the single-use state of session tokens.
type TokenLedger interface {
	// Create inserts a fresh record if none exists for tokenID, otherwise it
	// returns ErrTokenExists.
	Create(ctx context.Context, tokenID string, ttl time.Duration) error
	MarkVetted(ctx context.Context, tokenID string) error
	SetWarning(ctx context.Context, tokenID string, warning domain.TokenWarning) error
	// MarkUsed flips used from false to true. It reports true for exactly one
	// caller per token.
	MarkUsed(ctx context.Context, tokenID string) (bool, error)
	Get(ctx context.Context, tokenID string) (*domain.TokenRecord, error)
}

type GormTokenLedger struct {
	db    *gorm.DB
	table string
	now   clock.TimeSource
}

func NewGormTokenLedger(db *gorm.DB, table string, ts clock.TimeSource) *GormTokenLedger {
	if table == "" {
		table = "token_status"
	}
	return &GormTokenLedger{db: db, table: table, now: clock.OrSystem(ts)}
}

func (r *GormTokenLedger) Create(ctx context.Context, tokenID string, ttl time.Duration) error {
	now := r.now.Now()
	rec := &domain.TokenRecord{
		TokenID:   tokenID,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	var created bool
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// An expired row is gone as far as readers are concerned.
		if err := tx.Table(r.table).
			Where("token_id = ? AND expires_at <= ?", tokenID, now).
			Delete(&domain.TokenRecord{}).Error; err != nil {
			return err
		}
		res := tx.Table(r.table).Clauses(clause.OnConflict{DoNothing: true}).Create(rec)
		if res.Error != nil {
			return res.Error
		}
		created = res.RowsAffected == 1
		return nil
	})
	if err != nil {
		observability.RecordRepositoryOperation(ctx, "token_ledger", "create", "error")
		return err
	}
	if !created {
		observability.RecordRepositoryOperation(ctx, "token_ledger", "create", "conflict")
		return ErrTokenExists
	}
	observability.RecordRepositoryOperation(ctx, "token_ledger", "create", "success")
	return nil
}

func (r *GormTokenLedger) MarkVetted(ctx context.Context, tokenID string) error {
	return r.update(ctx, "mark_vetted", tokenID, map[string]any{"vetted": true})
}

func (r *GormTokenLedger) SetWarning(ctx context.Context, tokenID string, warning domain.TokenWarning) error {
	return r.update(ctx, "set_warning", tokenID, map[string]any{
		"warning_kind":   warning.Kind,
		"warning_detail": warning.Detail,
	})
}

func (r *GormTokenLedger) update(ctx context.Context, op, tokenID string, fields map[string]any) error {
	res := r.db.WithContext(ctx).Table(r.table).
		Where("token_id = ? AND expires_at > ?", tokenID, r.now.Now()).
		Updates(fields)
	if res.Error != nil {
		observability.RecordRepositoryOperation(ctx, "token_ledger", op, "error")
		return res.Error
	}
	if res.RowsAffected == 0 {
		observability.RecordRepositoryOperation(ctx, "token_ledger", op, "not_found")
		return ErrTokenNotFound
	}
	observability.RecordRepositoryOperation(ctx, "token_ledger", op, "success")
	return nil
}

func (r *GormTokenLedger) MarkUsed(ctx context.Context, tokenID string) (bool, error) {
	res := r.db.WithContext(ctx).Table(r.table).
		Where("token_id = ? AND used = ? AND expires_at > ?", tokenID, false, r.now.Now()).
		Update("used", true)
	if res.Error != nil {
		observability.RecordRepositoryOperation(ctx, "token_ledger", "mark_used", "error")
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		observability.RecordRepositoryOperation(ctx, "token_ledger", "mark_used", "conflict")
		return false, nil
	}
	observability.RecordRepositoryOperation(ctx, "token_ledger", "mark_used", "success")
	return true, nil
}

func (r *GormTokenLedger) Get(ctx context.Context, tokenID string) (*domain.TokenRecord, error) {
	var rec domain.TokenRecord
	err := r.db.WithContext(ctx).Table(r.table).
		Where("token_id = ? AND expires_at > ?", tokenID, r.now.Now()).
		First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			observability.RecordRepositoryOperation(ctx, "token_ledger", "get", "not_found")
			return nil, ErrTokenNotFound
		}
		observability.RecordRepositoryOperation(ctx, "token_ledger", "get", "error")
		return nil, err
	}
	observability.RecordRepositoryOperation(ctx, "token_ledger", "get", "success")
	return &rec, nil
}

// CleanupExpired deletes rows past their TTL. SQL stores have no native expiry.
func (r *GormTokenLedger) CleanupExpired(ctx context.Context) (int64, error) {
	res := r.db.WithContext(ctx).Table(r.table).
		Where("expires_at <= ?", r.now.Now()).
		Delete(&domain.TokenRecord{})
	if res.Error != nil {
		observability.RecordRepositoryOperation(ctx, "token_ledger", "cleanup_expired", "error")
		return 0, res.Error
	}
	observability.RecordRepositoryOperation(ctx, "token_ledger", "cleanup_expired", "success")
	return res.RowsAffected, nil
}

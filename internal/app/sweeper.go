package app

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

type expiredRowCleaner interface {
	CleanupExpired(ctx context.Context) (int64, error)
}

type SweepResult struct {
	Tokens            int64 `json:"tokens"`
	UserRequests      int64 `json:"user_requests"`
	TeacherAssociated int64 `json:"teacher_associated_requests"`
}

// Sweeper deletes expired rows from the SQL tables, standing in for the
// native TTL the Redis driver has.
type Sweeper struct {
	tokens     expiredRowCleaner
	users      expiredRowCleaner
	classrooms expiredRowCleaner
	logger     *slog.Logger
}

func NewSweeper(tokens, users, classrooms expiredRowCleaner, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{tokens: tokens, users: users, classrooms: classrooms, logger: logger}
}

func (s *Sweeper) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	var errs []error
	var err error
	if res.Tokens, err = s.tokens.CleanupExpired(ctx); err != nil {
		errs = append(errs, err)
	}
	if res.UserRequests, err = s.users.CleanupExpired(ctx); err != nil {
		errs = append(errs, err)
	}
	if res.TeacherAssociated, err = s.classrooms.CleanupExpired(ctx); err != nil {
		errs = append(errs, err)
	}
	return res, errors.Join(errs...)
}

// Start sweeps every interval until the returned stop func is called.
func (s *Sweeper) Start(ctx context.Context, interval time.Duration) (stop func()) {
	if interval <= 0 {
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				res, err := s.Sweep(ctx)
				if err != nil {
					s.logger.Error("ledger sweep failed", "error", err)
					continue
				}
				if res.Tokens+res.UserRequests+res.TeacherAssociated > 0 {
					s.logger.Debug("ledger sweep completed",
						"tokens", res.Tokens, "user_requests", res.UserRequests, "teacher_associated_requests", res.TeacherAssociated)
				}
			}
		}
	}()
	return func() {
		cancel()
		wg.Wait()
	}
}

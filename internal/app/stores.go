package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/sandeepkv93/execgate/internal/clock"
	"github.com/sandeepkv93/execgate/internal/config"
	"github.com/sandeepkv93/execgate/internal/health"
	"github.com/sandeepkv93/execgate/internal/http/middleware"
	"github.com/sandeepkv93/execgate/internal/repository"
)

// Stores bundles the shared state of the gate for the configured driver.
type Stores struct {
	Driver     string
	Ledger     repository.TokenLedger
	Users      repository.UsageLog
	Classrooms repository.UsageLog
	Blocks     repository.BlockRegistry

	// Ingress is the shared ingress limiter backend; nil means per-process.
	Ingress  middleware.Limiter
	Checkers []health.Checker
	// Sweeper is set for SQL drivers only. Redis expires keys natively.
	Sweeper *Sweeper

	closers []func() error
}

func (s *Stores) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func OpenStores(ctx context.Context, cfg *config.Config, ts clock.TimeSource) (*Stores, error) {
	switch cfg.StoreDriver {
	case config.StoreDriverRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		return NewRedisStores(client, cfg, ts), nil
	case config.StoreDriverPostgres, config.StoreDriverSQLite:
		db, err := openDatabase(cfg)
		if err != nil {
			return nil, err
		}
		stores, err := NewSQLStores(db, cfg, ts)
		if err != nil {
			if sqlDB, dbErr := db.DB(); dbErr == nil {
				_ = sqlDB.Close()
			}
			return nil, err
		}
		return stores, nil
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.StoreDriver)
	}
}

func NewRedisStores(client redis.UniversalClient, cfg *config.Config, ts clock.TimeSource) *Stores {
	prefix := cfg.RedisKeyPrefix
	return &Stores{
		Driver:     config.StoreDriverRedis,
		Ledger:     repository.NewRedisTokenLedger(client, prefix, ts),
		Users:      repository.NewRedisUsageLog(client, prefix, cfg.UserRequestsTable, cfg.UserRequestRecordTTL, cfg.UsagePageLimit, ts),
		Classrooms: repository.NewRedisUsageLog(client, prefix, cfg.TeacherAssociatedRequestsTable, cfg.TeacherRequestRecordTTL, cfg.UsagePageLimit, ts),
		Blocks:     repository.NewRedisBlockRegistry(client, prefix, ts),
		Ingress:    middleware.NewRedisSlidingWindowLimiter(client, prefix, ts),
		Checkers:   []health.Checker{health.RedisChecker(client)},
		closers:    []func() error{client.Close},
	}
}

// NewSQLStores migrates the gate tables and wires the GORM repositories.
func NewSQLStores(db *gorm.DB, cfg *config.Config, ts clock.TimeSource) (*Stores, error) {
	tables := repository.Tables{
		TokenStatus:               cfg.TokenStatusTable,
		UserRequests:              cfg.UserRequestsTable,
		TeacherAssociatedRequests: cfg.TeacherAssociatedRequestsTable,
		BlockedUsers:              cfg.BlockedUsersTable,
	}
	if err := repository.Migrate(db, tables); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	ledger := repository.NewGormTokenLedger(db, tables.TokenStatus, ts)
	users := repository.NewGormUsageLog(db, tables.UserRequests, cfg.UsagePageLimit, ts)
	classrooms := repository.NewGormUsageLog(db, tables.TeacherAssociatedRequests, cfg.UsagePageLimit, ts)

	closers := []func() error{}
	if sqlDB, err := db.DB(); err == nil {
		closers = append(closers, sqlDB.Close)
	}
	return &Stores{
		Driver:     cfg.StoreDriver,
		Ledger:     ledger,
		Users:      users,
		Classrooms: classrooms,
		Blocks:     repository.NewGormBlockRegistry(db, tables.BlockedUsers, ts),
		Checkers:   []health.Checker{health.DatabaseChecker(db)},
		Sweeper:    NewSweeper(ledger, users, classrooms, nil),
		closers:    closers,
	}, nil
}

func openDatabase(cfg *config.Config) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.StoreDriver {
	case config.StoreDriverPostgres:
		dialector = postgres.Open(cfg.DatabaseURL)
	default:
		dialector = sqlite.Open(cfg.DatabaseURL)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.StoreDriver, err)
	}
	if cfg.StoreDriver == config.StoreDriverSQLite {
		// sqlite serializes writers; one connection keeps the conditional updates atomic.
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.SetMaxOpenConns(1)
		}
	}
	return db, nil
}

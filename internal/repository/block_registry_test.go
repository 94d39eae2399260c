package repository

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/sandeepkv93/execgate/internal/clock"
	"github.com/sandeepkv93/execgate/internal/domain"
)

func blockBackends() map[string]func(t *testing.T) BlockRegistry {
	return map[string]func(t *testing.T) BlockRegistry{
		"redis": func(t *testing.T) BlockRegistry {
			_, client := newRedisClientForTest(t)
			return NewRedisBlockRegistry(client, "test", clock.NewFake(testEpoch))
		},
		"gorm": func(t *testing.T) BlockRegistry {
			return NewGormBlockRegistry(newSQLiteDBForTest(t), testTables.BlockedUsers, clock.NewFake(testEpoch))
		},
	}
}

func TestBlockRegistryFirstWriterWins(t *testing.T) {
	for name, newRegistry := range blockBackends() {
		t.Run(name, func(t *testing.T) {
			reg := newRegistry(t)
			ctx := context.Background()
			key := domain.UserPrincipal("iss", "611").BlockKey()

			blocked, err := reg.IsBlocked(ctx, key)
			if err != nil || blocked {
				t.Fatalf("expected unblocked principal, blocked=%v err=%v", blocked, err)
			}

			created, err := reg.Block(ctx, domain.BlockRecord{
				PrincipalID: key,
				Reason:      domain.ReasonUserOverHourlyLimit,
				RequestLog:  `["2026-03-02T08:59:00Z"]`,
			})
			if err != nil || !created {
				t.Fatalf("first block created=%v err=%v", created, err)
			}
			created, err = reg.Block(ctx, domain.BlockRecord{PrincipalID: key, Reason: domain.ReasonUserOverDailyLimit})
			if err != nil || created {
				t.Fatalf("second block created=%v err=%v", created, err)
			}

			blocked, err = reg.IsBlocked(ctx, key)
			if err != nil || !blocked {
				t.Fatalf("expected blocked principal, blocked=%v err=%v", blocked, err)
			}
			rec, err := reg.Find(ctx, key)
			if err != nil {
				t.Fatalf("find: %v", err)
			}
			if rec.Reason != domain.ReasonUserOverHourlyLimit {
				t.Fatalf("expected first reason to stick, got %s", rec.Reason)
			}
			if rec.RequestLog != `["2026-03-02T08:59:00Z"]` {
				t.Fatalf("unexpected request log %q", rec.RequestLog)
			}
			if !rec.CreatedAt.Equal(testEpoch) {
				t.Fatalf("unexpected created_at %s", rec.CreatedAt)
			}
		})
	}
}

func TestBlockRegistryConcurrentBlock(t *testing.T) {
	for name, newRegistry := range blockBackends() {
		t.Run(name, func(t *testing.T) {
			reg := newRegistry(t)
			key := domain.ClassroomPrincipal("iss", "7").BlockKey()
			var created, failed atomic.Int32
			var wg sync.WaitGroup
			for i := 0; i < 16; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					ok, err := reg.Block(context.Background(), domain.BlockRecord{
						PrincipalID: key,
						Reason:      domain.ReasonTeachersOverHourlyLimit,
					})
					if err != nil {
						failed.Add(1)
						return
					}
					if ok {
						created.Add(1)
					}
				}()
			}
			wg.Wait()
			if created.Load() != 1 || failed.Load() != 0 {
				t.Fatalf("created=%d failed=%d", created.Load(), failed.Load())
			}
		})
	}
}

func TestBlockRegistryFindMissing(t *testing.T) {
	for name, newRegistry := range blockBackends() {
		t.Run(name, func(t *testing.T) {
			reg := newRegistry(t)
			if _, err := reg.Find(context.Background(), "iss#userId#none"); !errors.Is(err, ErrBlockNotFound) {
				t.Fatalf("expected ErrBlockNotFound, got %v", err)
			}
		})
	}
}

package repository

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/sandeepkv93/execgate/internal/clock"
	"github.com/sandeepkv93/execgate/internal/domain"
	"github.com/sandeepkv93/execgate/internal/observability"

	"github.com/redis/go-redis/v9"
)

// RedisBlockRegistry stores each block as a JSON string without expiry.
type RedisBlockRegistry struct {
	client redis.UniversalClient
	prefix string
	now    clock.TimeSource
}

func NewRedisBlockRegistry(client redis.UniversalClient, prefix string, ts clock.TimeSource) *RedisBlockRegistry {
	if prefix == "" {
		prefix = "execgate"
	}
	return &RedisBlockRegistry{client: client, prefix: prefix + ":block", now: clock.OrSystem(ts)}
}

func (s *RedisBlockRegistry) IsBlocked(ctx context.Context, principalID string) (bool, error) {
	n, err := s.client.Exists(ctx, s.key(principalID)).Result()
	if err != nil {
		observability.RecordRepositoryOperation(ctx, "block_registry", "is_blocked", "error")
		return false, err
	}
	observability.RecordRepositoryOperation(ctx, "block_registry", "is_blocked", "success")
	return n > 0, nil
}

func (s *RedisBlockRegistry) Block(ctx context.Context, rec domain.BlockRecord) (bool, error) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now.Now()
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return false, err
	}
	created, err := s.client.SetNX(ctx, s.key(rec.PrincipalID), payload, 0).Result()
	if err != nil {
		observability.RecordRepositoryOperation(ctx, "block_registry", "block", "error")
		return false, err
	}
	if !created {
		observability.RecordRepositoryOperation(ctx, "block_registry", "block", "conflict")
		return false, nil
	}
	observability.RecordRepositoryOperation(ctx, "block_registry", "block", "success")
	return true, nil
}

func (s *RedisBlockRegistry) Find(ctx context.Context, principalID string) (*domain.BlockRecord, error) {
	raw, err := s.client.Get(ctx, s.key(principalID)).Bytes()
	if errors.Is(err, redis.Nil) {
		observability.RecordRepositoryOperation(ctx, "block_registry", "find", "not_found")
		return nil, ErrBlockNotFound
	}
	if err != nil {
		observability.RecordRepositoryOperation(ctx, "block_registry", "find", "error")
		return nil, err
	}
	var rec domain.BlockRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		observability.RecordRepositoryOperation(ctx, "block_registry", "find", "error")
		return nil, err
	}
	observability.RecordRepositoryOperation(ctx, "block_registry", "find", "success")
	return &rec, nil
}

func (s *RedisBlockRegistry) key(principalID string) string {
	return s.prefix + ":" + principalID
}

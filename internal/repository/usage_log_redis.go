package repository

import (
	"context"
	"strconv"
	"time"

	"github.com/sandeepkv93/execgate/internal/clock"
	"github.com/sandeepkv93/execgate/internal/domain"
	"github.com/sandeepkv93/execgate/internal/observability"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisUsageLog keeps one sorted set per principal scored by issue time in
// milliseconds. Members older than the record TTL are trimmed on append.
type RedisUsageLog struct {
	client    redis.UniversalClient
	prefix    string
	name      string
	ttl       time.Duration
	pageLimit int
	now       clock.TimeSource
}

func NewRedisUsageLog(client redis.UniversalClient, prefix, name string, ttl time.Duration, pageLimit int, ts clock.TimeSource) *RedisUsageLog {
	if prefix == "" {
		prefix = "execgate"
	}
	if pageLimit <= 0 {
		pageLimit = 1000
	}
	return &RedisUsageLog{
		client:    client,
		prefix:    prefix + ":usage:" + name,
		name:      name,
		ttl:       ttl,
		pageLimit: pageLimit,
		now:       clock.OrSystem(ts),
	}
}

func (s *RedisUsageLog) Append(ctx context.Context, principalID string, issuedAt time.Time, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = s.ttl
	}
	key := s.key(principalID)
	score := float64(issuedAt.UnixMilli())
	horizon := s.now.Now().Add(-ttl).UnixMilli()

	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: score, Member: strconv.FormatInt(issuedAt.UnixMilli(), 10) + ":" + uuid.NewString()})
	pipe.ZRemRangeByScore(ctx, key, "-inf", "("+strconv.FormatInt(horizon, 10))
	pipe.PExpire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		observability.RecordRepositoryOperation(ctx, s.name, "append", "error")
		return err
	}
	observability.RecordRepositoryOperation(ctx, s.name, "append", "success")
	return nil
}

func (s *RedisUsageLog) CountSince(ctx context.Context, principalID string, since time.Time) (domain.UsageWindow, error) {
	key := s.key(principalID)
	lower := "(" + strconv.FormatInt(since.UnixMilli(), 10)
	if s.ttl > 0 {
		// Records past their TTL may linger until the next append trims them.
		if horizon := s.now.Now().Add(-s.ttl); horizon.After(since) {
			lower = strconv.FormatInt(horizon.UnixMilli(), 10)
		}
	}

	pipe := s.client.Pipeline()
	countCmd := pipe.ZCount(ctx, key, lower, "+inf")
	pageCmd := pipe.ZRangeByScoreWithScores(ctx, key, &redis.ZRangeBy{
		Min:   lower,
		Max:   "+inf",
		Count: int64(s.pageLimit),
	})
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		observability.RecordRepositoryOperation(ctx, s.name, "count_since", "error")
		return domain.UsageWindow{}, err
	}

	page := pageCmd.Val()
	issued := make([]time.Time, 0, len(page))
	for _, z := range page {
		issued = append(issued, time.UnixMilli(int64(z.Score)).UTC())
	}
	count := int(countCmd.Val())
	observability.RecordRepositoryOperation(ctx, s.name, "count_since", "success")
	return domain.UsageWindow{
		Count:     count,
		IssuedAt:  issued,
		Truncated: count > len(issued),
	}, nil
}

func (s *RedisUsageLog) key(principalID string) string {
	return s.prefix + ":" + principalID
}

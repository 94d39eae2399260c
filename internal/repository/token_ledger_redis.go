package repository

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/sandeepkv93/execgate/internal/clock"
	"github.com/sandeepkv93/execgate/internal/domain"
	"github.com/sandeepkv93/execgate/internal/observability"

	"github.com/redis/go-redis/v9"
)

var createTokenScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
  return 0
end
redis.call("HSET", KEYS[1], "created_at", ARGV[1], "expires_at", ARGV[2], "vetted", "0", "used", "0")
redis.call("PEXPIRE", KEYS[1], ARGV[3])
return 1
`)

var updateTokenScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
  return 0
end
redis.call("HSET", KEYS[1], unpack(ARGV))
return 1
`)

var markUsedScript = redis.NewScript(`
local used = redis.call("HGET", KEYS[1], "used")
if not used then
  return -1
end
if used == "1" then
  return 0
end
redis.call("HSET", KEYS[1], "used", "1")
return 1
`)

// RedisTokenLedger stores each token as a hash that expires with the record TTL.
type RedisTokenLedger struct {
	client redis.UniversalClient
	prefix string
	now    clock.TimeSource
}

func NewRedisTokenLedger(client redis.UniversalClient, prefix string, ts clock.TimeSource) *RedisTokenLedger {
	if prefix == "" {
		prefix = "execgate"
	}
	return &RedisTokenLedger{client: client, prefix: prefix + ":token", now: clock.OrSystem(ts)}
}

func (s *RedisTokenLedger) Create(ctx context.Context, tokenID string, ttl time.Duration) error {
	now := s.now.Now()
	created, err := createTokenScript.Run(ctx, s.client, []string{s.key(tokenID)},
		now.UnixMilli(), now.Add(ttl).UnixMilli(), ttl.Milliseconds()).Int()
	if err != nil {
		observability.RecordRepositoryOperation(ctx, "token_ledger", "create", "error")
		return err
	}
	if created == 0 {
		observability.RecordRepositoryOperation(ctx, "token_ledger", "create", "conflict")
		return ErrTokenExists
	}
	observability.RecordRepositoryOperation(ctx, "token_ledger", "create", "success")
	return nil
}

func (s *RedisTokenLedger) MarkVetted(ctx context.Context, tokenID string) error {
	return s.update(ctx, "mark_vetted", tokenID, "vetted", "1")
}

func (s *RedisTokenLedger) SetWarning(ctx context.Context, tokenID string, warning domain.TokenWarning) error {
	return s.update(ctx, "set_warning", tokenID, "warning_kind", warning.Kind, "warning_detail", warning.Detail)
}

func (s *RedisTokenLedger) update(ctx context.Context, op, tokenID string, fields ...any) error {
	ok, err := updateTokenScript.Run(ctx, s.client, []string{s.key(tokenID)}, fields...).Int()
	if err != nil {
		observability.RecordRepositoryOperation(ctx, "token_ledger", op, "error")
		return err
	}
	if ok == 0 {
		observability.RecordRepositoryOperation(ctx, "token_ledger", op, "not_found")
		return ErrTokenNotFound
	}
	observability.RecordRepositoryOperation(ctx, "token_ledger", op, "success")
	return nil
}

func (s *RedisTokenLedger) MarkUsed(ctx context.Context, tokenID string) (bool, error) {
	res, err := markUsedScript.Run(ctx, s.client, []string{s.key(tokenID)}).Int()
	if err != nil {
		observability.RecordRepositoryOperation(ctx, "token_ledger", "mark_used", "error")
		return false, err
	}
	switch res {
	case 1:
		observability.RecordRepositoryOperation(ctx, "token_ledger", "mark_used", "success")
		return true, nil
	case -1:
		observability.RecordRepositoryOperation(ctx, "token_ledger", "mark_used", "not_found")
		return false, nil
	default:
		observability.RecordRepositoryOperation(ctx, "token_ledger", "mark_used", "conflict")
		return false, nil
	}
}

func (s *RedisTokenLedger) Get(ctx context.Context, tokenID string) (*domain.TokenRecord, error) {
	fields, err := s.client.HGetAll(ctx, s.key(tokenID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		observability.RecordRepositoryOperation(ctx, "token_ledger", "get", "error")
		return nil, err
	}
	if len(fields) == 0 {
		observability.RecordRepositoryOperation(ctx, "token_ledger", "get", "not_found")
		return nil, ErrTokenNotFound
	}
	rec := &domain.TokenRecord{
		TokenID:       tokenID,
		CreatedAt:     parseMillis(fields["created_at"]),
		ExpiresAt:     parseMillis(fields["expires_at"]),
		Vetted:        fields["vetted"] == "1",
		Used:          fields["used"] == "1",
		WarningKind:   fields["warning_kind"],
		WarningDetail: fields["warning_detail"],
	}
	observability.RecordRepositoryOperation(ctx, "token_ledger", "get", "success")
	return rec, nil
}

func (s *RedisTokenLedger) key(tokenID string) string {
	return s.prefix + ":" + tokenID
}

func parseMillis(raw string) time.Time {
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

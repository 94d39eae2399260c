package middleware

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/sandeepkv93/execgate/internal/clock"
)

// slidingWindowScript keeps one sorted-set member per admitted hit, scored in
// milliseconds. Returns {allowed, count, oldest_score}.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
local allowed = 0
if count < limit then
  redis.call('ZADD', key, now, ARGV[4])
  redis.call('PEXPIRE', key, window)
  count = count + 1
  allowed = 1
end
local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
local oldestScore = now
if oldest[2] then
  oldestScore = tonumber(oldest[2])
end
return {allowed, count, oldestScore}
`)

// RedisSlidingWindowLimiter shares the ingress window across replicas. Burst
// is ignored here: the shared log alone bounds each client.
type RedisSlidingWindowLimiter struct {
	client redis.UniversalClient
	prefix string
	clock  clock.TimeSource
}

func NewRedisSlidingWindowLimiter(client redis.UniversalClient, prefix string, ts clock.TimeSource) *RedisSlidingWindowLimiter {
	return &RedisSlidingWindowLimiter{client: client, prefix: prefix, clock: clock.OrSystem(ts)}
}

func (l *RedisSlidingWindowLimiter) Allow(ctx context.Context, key string, policy IngressPolicy) (Decision, error) {
	policy = policy.normalized()
	now := l.clock.Now()
	nowMS := now.UnixMilli()
	windowMS := policy.Window.Milliseconds()

	res, err := slidingWindowScript.Run(ctx, l.client,
		[]string{l.prefix + ":ingress:" + key},
		nowMS, windowMS, policy.Limit, strconv.FormatInt(nowMS, 10)+":"+uuid.NewString(),
	).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("ingress limiter: %w", err)
	}
	if len(res) != 3 {
		return Decision{}, fmt.Errorf("ingress limiter: unexpected reply length %d", len(res))
	}

	resetAt := time.UnixMilli(res[2]).Add(policy.Window).UTC()
	d := Decision{
		Allowed:   res[0] == 1,
		Remaining: max(policy.Limit-int(res[1]), 0),
		ResetAt:   resetAt,
	}
	if !d.Allowed {
		d.RetryAfter = max(resetAt.Sub(now), time.Second)
		d.Reason = "window"
	}
	return d, nil
}

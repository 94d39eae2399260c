package service

import (
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/sandeepkv93/execgate/internal/clock"
)

// redisFixture is a miniredis-backed client plus the fake clock the stores
// built on it should share. The server is kept for FastForward.
type redisFixture struct {
	server *miniredis.Miniredis
	client *redis.Client
	clock  *clock.Fake
}

func newRedisFixture(t *testing.T) redisFixture {
	t.Helper()
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return redisFixture{server: server, client: client, clock: clock.NewFake(serviceEpoch)}
}

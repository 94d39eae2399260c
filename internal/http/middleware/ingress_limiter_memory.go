package middleware

import (
	"context"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/sandeepkv93/execgate/internal/clock"
)

// MemoryLimiter is the per-process ingress limiter: a token bucket sized to
// the policy burst in front of a sliding log of admitted hits.
type MemoryLimiter struct {
	mu        sync.Mutex
	clients   map[string]*clientWindow
	nextPrune time.Time
	clock     clock.TimeSource
}

type clientWindow struct {
	bucket *rate.Limiter
	seen   time.Time
	hits   []time.Time
}

func NewMemoryLimiter(ts clock.TimeSource) *MemoryLimiter {
	ts = clock.OrSystem(ts)
	return &MemoryLimiter{
		clients:   make(map[string]*clientWindow),
		nextPrune: ts.Now().Add(time.Minute),
		clock:     ts,
	}
}

func (l *MemoryLimiter) Allow(_ context.Context, key string, policy IngressPolicy) (Decision, error) {
	policy = policy.normalized()
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	l.prune(now, policy.Window)
	cw, ok := l.clients[key]
	if !ok {
		cw = &clientWindow{bucket: rate.NewLimiter(rate.Limit(policy.refillPerSecond()), policy.Burst)}
		l.clients[key] = cw
	}
	cw.seen = now
	cw.slide(now, policy.Window)

	wait, reason := cw.wait(now, policy)
	if wait > 0 || !cw.bucket.AllowN(now, 1) {
		if reason == "" {
			reason = "bucket"
		}
		return Decision{
			RetryAfter: max(wait, time.Second),
			Remaining:  0,
			ResetAt:    now.Add(max(wait, time.Second)),
			Reason:     reason,
		}, nil
	}

	cw.hits = append(cw.hits, now)
	return Decision{
		Allowed:   true,
		Remaining: max(min(int(cw.bucket.TokensAt(now)), policy.Limit-len(cw.hits)), 0),
		ResetAt:   cw.hits[0].Add(policy.Window),
	}, nil
}

// prune drops idle clients at most once per window.
func (l *MemoryLimiter) prune(now time.Time, window time.Duration) {
	if now.Before(l.nextPrune) {
		return
	}
	for key, cw := range l.clients {
		if len(cw.hits) == 0 && now.Sub(cw.seen) > 2*window {
			delete(l.clients, key)
		}
	}
	l.nextPrune = now.Add(window)
}

// slide forgets hits that fell out of the window.
func (cw *clientWindow) slide(now time.Time, window time.Duration) {
	cutoff := now.Add(-window)
	kept := cw.hits[:0]
	for _, hit := range cw.hits {
		if hit.After(cutoff) {
			kept = append(kept, hit)
		}
	}
	cw.hits = kept
}

// wait is how long the client must hold off, and which limit it ran into.
func (cw *clientWindow) wait(now time.Time, policy IngressPolicy) (time.Duration, string) {
	var bucket, window time.Duration
	if tokens := cw.bucket.TokensAt(now); tokens < 1 {
		bucket = time.Duration(math.Ceil((1 - tokens) / policy.refillPerSecond() * float64(time.Second)))
	}
	if len(cw.hits) >= policy.Limit {
		window = max(cw.hits[0].Add(policy.Window).Sub(now), time.Second)
	}
	switch {
	case window == 0 && bucket == 0:
		return 0, ""
	case window >= bucket:
		return window, "window"
	default:
		return bucket, "bucket"
	}
}

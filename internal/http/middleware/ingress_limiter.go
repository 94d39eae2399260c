package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/sandeepkv93/execgate/internal/http/response"
	"github.com/sandeepkv93/execgate/internal/observability"
)

// Decision is one ingress verdict for a client key.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
	Remaining  int
	ResetAt    time.Time
	Reason     string
}

// IngressPolicy admits Limit hits per sliding Window. Burst caps how many of
// them may land back to back; it is never below Limit.
type IngressPolicy struct {
	Limit  int
	Window time.Duration
	Burst  int
}

// PerMinute is the policy behind INGRESS_RATE_LIMIT_RPM.
func PerMinute(rpm int) IngressPolicy {
	return IngressPolicy{Limit: rpm, Window: time.Minute}.normalized()
}

func (p IngressPolicy) normalized() IngressPolicy {
	if p.Limit <= 0 {
		p.Limit = 1
	}
	if p.Window <= 0 {
		p.Window = time.Minute
	}
	if p.Burst < p.Limit {
		p.Burst = p.Limit
	}
	return p
}

func (p IngressPolicy) refillPerSecond() float64 {
	return float64(p.Limit) / p.Window.Seconds()
}

// Limiter records a hit for key and reports whether it fits the policy.
type Limiter interface {
	Allow(ctx context.Context, key string, policy IngressPolicy) (Decision, error)
}

type FailureMode string

const (
	FailOpen   FailureMode = "fail_open"
	FailClosed FailureMode = "fail_closed"
)

// IngressGuard is the flood guard in front of the authorizer routes. It is
// keyed by client IP and knows nothing about session quotas.
type IngressGuard struct {
	limiter Limiter
	policy  IngressPolicy
	mode    FailureMode
	logger  *slog.Logger
}

// NewLocalIngressGuard keeps the window in process memory and fails closed,
// since an in-memory limiter cannot be unavailable.
func NewLocalIngressGuard(rpm int, logger *slog.Logger) *IngressGuard {
	return NewIngressGuard(NewMemoryLimiter(nil), PerMinute(rpm), FailClosed, logger)
}

func NewIngressGuard(limiter Limiter, policy IngressPolicy, mode FailureMode, logger *slog.Logger) *IngressGuard {
	if logger == nil {
		logger = slog.Default()
	}
	return &IngressGuard{limiter: limiter, policy: policy.normalized(), mode: mode, logger: logger}
}

func (g *IngressGuard) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			decision, err := g.limiter.Allow(ctx, clientIPKey(r), g.policy)
			switch {
			case err != nil && g.mode == FailOpen:
				observability.RecordIngressRateLimit(ctx, "backend_error")
				g.logger.WarnContext(ctx, "ingress limiter unavailable, admitting request", "mode", string(g.mode), "error", err.Error())
				next.ServeHTTP(w, r)
			case err != nil:
				observability.RecordIngressRateLimit(ctx, "backend_error")
				g.reject(w, r, Decision{RetryAfter: g.policy.Window, ResetAt: time.Now().Add(g.policy.Window)})
			case !decision.Allowed:
				observability.RecordIngressRateLimit(ctx, "deny")
				g.logger.DebugContext(ctx, "ingress request throttled", "reason", decision.Reason, "path", r.URL.Path)
				g.reject(w, r, decision)
			default:
				observability.RecordIngressRateLimit(ctx, "allow")
				g.writeHeaders(w.Header(), decision)
				next.ServeHTTP(w, r)
			}
		})
	}
}

func (g *IngressGuard) reject(w http.ResponseWriter, r *http.Request, d Decision) {
	g.writeHeaders(w.Header(), d)
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(d.RetryAfter)))
	response.Error(w, r, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests", nil)
}

func (g *IngressGuard) writeHeaders(h http.Header, d Decision) {
	resetAt := d.ResetAt
	if resetAt.IsZero() {
		resetAt = time.Now().Add(time.Second)
	}
	h.Set("X-RateLimit-Limit", strconv.Itoa(g.policy.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(max(d.Remaining, 0)))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(resetAt.Unix(), 10))
}

// retryAfterSeconds rounds to whole seconds, never below one.
func retryAfterSeconds(d time.Duration) int {
	return max(int(d.Round(time.Second)/time.Second), 1)
}

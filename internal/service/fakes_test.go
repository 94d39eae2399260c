package service

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/sandeepkv93/execgate/internal/clock"
	"github.com/sandeepkv93/execgate/internal/config"
	"github.com/sandeepkv93/execgate/internal/domain"
	"github.com/sandeepkv93/execgate/internal/repository"
	"github.com/sandeepkv93/execgate/internal/security"
)

var serviceEpoch = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

var errStoreDown = errors.New("store unavailable")

type recordingSink struct {
	mu     sync.Mutex
	counts map[string]int64
}

func newRecordingSink() *recordingSink {
	return &recordingSink{counts: map[string]int64{}}
}

func (s *recordingSink) Increment(ctx context.Context, name string) { s.IncrementBy(ctx, name, 1) }

func (s *recordingSink) IncrementBy(_ context.Context, name string, n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts[name] += n
}

func (s *recordingSink) count(name string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[name]
}

type limiterFixture struct {
	limiter    *QuotaLimiter
	blocks     repository.BlockRegistry
	users      repository.UsageLog
	classrooms repository.UsageLog
	sink       *recordingSink
	clock      *clock.Fake
	logs       *bytes.Buffer
}

func defaultLimiterConfig() QuotaLimiterConfig {
	return QuotaLimiterConfig{
		LimitPerHour:            config.NoLimit,
		LimitPerDay:             config.NoLimit,
		TeacherLimitPerHour:     config.NoLimit,
		NearLimitBuffer:         10,
		Enforce:                 true,
		FailureMode:             config.FailOpen,
		UserRequestRecordTTL:    25 * time.Hour,
		TeacherRequestRecordTTL: 25 * time.Hour,
	}
}

func newLimiterForTest(t *testing.T, cfg QuotaLimiterConfig) limiterFixture {
	t.Helper()
	return newLimiterWithPageLimit(t, cfg, 1000)
}

// newLimiterWithPageLimit caps the usage snapshot at pageLimit records and
// captures the limiter's log as JSON.
func newLimiterWithPageLimit(t *testing.T, cfg QuotaLimiterConfig, pageLimit int) limiterFixture {
	t.Helper()
	rf := newRedisFixture(t)
	f := limiterFixture{
		blocks:     repository.NewRedisBlockRegistry(rf.client, "test", rf.clock),
		users:      repository.NewRedisUsageLog(rf.client, "test", "user_requests", cfg.UserRequestRecordTTL, pageLimit, rf.clock),
		classrooms: repository.NewRedisUsageLog(rf.client, "test", "teacher_associated_requests", cfg.TeacherRequestRecordTTL, pageLimit, rf.clock),
		sink:       newRecordingSink(),
		clock:      rf.clock,
		logs:       &bytes.Buffer{},
	}
	logger := slog.New(slog.NewJSONHandler(f.logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	f.limiter = NewQuotaLimiter(f.blocks, f.users, f.classrooms, f.sink, cfg, rf.clock, logger)
	return f
}

// seedUsage appends n records spread over the trailing window.
func seedUsage(t *testing.T, log repository.UsageLog, key string, n int, now time.Time, window time.Duration) {
	t.Helper()
	step := window / time.Duration(n+1)
	for i := 0; i < n; i++ {
		if err := log.Append(context.Background(), key, now.Add(-time.Duration(i+1)*step), 25*time.Hour); err != nil {
			t.Fatalf("seed usage: %v", err)
		}
	}
}

type failingBlockRegistry struct{}

func (failingBlockRegistry) IsBlocked(context.Context, string) (bool, error) {
	return false, errStoreDown
}

func (failingBlockRegistry) Block(context.Context, domain.BlockRecord) (bool, error) {
	return false, errStoreDown
}

func (failingBlockRegistry) Find(context.Context, string) (*domain.BlockRecord, error) {
	return nil, errStoreDown
}

type stubVerifier struct {
	tokens map[string]*security.SessionClaims
}

func (v stubVerifier) Verify(raw, _ string) (*security.SessionClaims, error) {
	claims, ok := v.tokens[raw]
	if !ok {
		return nil, security.ErrInvalidSessionToken
	}
	return claims, nil
}

type stubLimiter struct {
	mu       sync.Mutex
	decision RateDecision
	err      error
	calls    []LimitRequest
}

func (l *stubLimiter) Evaluate(_ context.Context, req LimitRequest) (RateDecision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, req)
	return l.decision, l.err
}

// flakyLedger fails the best-effort updates of the wrapped ledger.
type flakyLedger struct {
	repository.TokenLedger
}

func (flakyLedger) MarkVetted(context.Context, string) error { return errStoreDown }

func (flakyLedger) SetWarning(context.Context, string, domain.TokenWarning) error {
	return errStoreDown
}

func claimsFor(sid, uid, teachers string) *security.SessionClaims {
	return &security.SessionClaims{
		UserID:           uid,
		SessionID:        sid,
		Issuer:           "studio.code.org",
		VerifiedTeachers: teachers,
		MiniAppType:      "console",
		Raw: map[string]any{
			"sid":               sid,
			"uid":               uid,
			"iss":               "studio.code.org",
			"verified_teachers": teachers,
			"mini_app_type":     "console",
		},
	}
}

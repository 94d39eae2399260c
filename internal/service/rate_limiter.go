package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/sandeepkv93/execgate/internal/clock"
	"github.com/sandeepkv93/execgate/internal/config"
	"github.com/sandeepkv93/execgate/internal/domain"
	"github.com/sandeepkv93/execgate/internal/observability"
	"github.com/sandeepkv93/execgate/internal/repository"

	"golang.org/x/sync/errgroup"
)

type Verdict string

const (
	VerdictAllow            Verdict = "ALLOW"
	VerdictAllowWithWarning Verdict = "ALLOW_WITH_WARNING"
	VerdictBlock            Verdict = "BLOCK"
)

// Token status event names reported through the metrics sink.
const (
	EventUserBlocked             = "UserBlocked"
	EventClassroomBlocked        = "ClassroomBlocked"
	EventNewUserBlocked          = "NewUserBlocked"
	EventNewClassroomBlocked     = "NewClassroomBlocked"
	EventUserOverHourlyLimit     = "UserOverHourlyLimit"
	EventUserOverDailyLimit      = "UserOverDailyLimit"
	EventTeachersOverHourlyLimit = "TeachersOverHourlyLimit"
	EventClassroomHourlyRequests = "ClassroomHourlyRequests"
	EventNearLimit               = "NearLimit"
	EventTokenUsed               = "TokenUsed"
	EventUnknownToken            = "UnknownToken"
	EventInternalError           = "InternalError"
	EventUsageTruncated          = "UsageQueryTruncated"
)

const (
	hourWindow = time.Hour
	dayWindow  = 24 * time.Hour
)

// LimitRequest names the user and its classrooms. Namespace keeps principals
// of different environments apart.
type LimitRequest struct {
	Namespace        string
	UserID           string
	VerifiedTeachers string
	TokenID          string
}

type RateDecision struct {
	Verdict Verdict
	Reason  domain.BlockReason
	Warning *domain.TokenWarning
	// Monitored is set when a block was computed but not enforced.
	Monitored bool
}

func (d RateDecision) Blocked() bool { return d.Verdict == VerdictBlock }

type QuotaLimiterConfig struct {
	LimitPerHour            int
	LimitPerDay             int
	TeacherLimitPerHour     int
	NearLimitBuffer         int
	BlockOnDailyLimit       bool
	Enforce                 bool
	FailureMode             string
	UserRequestRecordTTL    time.Duration
	TeacherRequestRecordTTL time.Duration
}

// QuotaLimiterConfigFrom extracts the limiter options from the process config.
func QuotaLimiterConfigFrom(cfg *config.Config) QuotaLimiterConfig {
	return QuotaLimiterConfig{
		LimitPerHour:            cfg.LimitPerHour,
		LimitPerDay:             cfg.LimitPerDay,
		TeacherLimitPerHour:     cfg.TeacherLimitPerHour,
		NearLimitBuffer:         cfg.NearLimitBuffer,
		BlockOnDailyLimit:       cfg.BlockOnDailyLimit,
		Enforce:                 cfg.Enforcing(),
		FailureMode:             cfg.LimiterFailureMode,
		UserRequestRecordTTL:    cfg.UserRequestRecordTTL,
		TeacherRequestRecordTTL: cfg.TeacherRequestRecordTTL,
	}
}

// QuotaLimiter evaluates the block registry and the usage logs in a fixed
// order, short-circuiting on the first block. It keeps no state between calls.
type QuotaLimiter struct {
	blocks     repository.BlockRegistry
	users      repository.UsageLog
	classrooms repository.UsageLog
	metrics    observability.MetricsSink
	cfg        QuotaLimiterConfig
	now        clock.TimeSource
	logger     *slog.Logger
}

func NewQuotaLimiter(
	blocks repository.BlockRegistry,
	users repository.UsageLog,
	classrooms repository.UsageLog,
	metrics observability.MetricsSink,
	cfg QuotaLimiterConfig,
	ts clock.TimeSource,
	logger *slog.Logger,
) *QuotaLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = observability.NewEventSink()
	}
	return &QuotaLimiter{
		blocks:     blocks,
		users:      users,
		classrooms: classrooms,
		metrics:    metrics,
		cfg:        cfg,
		now:        clock.OrSystem(ts),
		logger:     logger,
	}
}

func (l *QuotaLimiter) Evaluate(ctx context.Context, req LimitRequest) (RateDecision, error) {
	user := domain.UserPrincipal(req.Namespace, req.UserID)
	classrooms := domain.ClassroomPrincipals(req.Namespace, req.VerifiedTeachers)
	now := l.now.Now()

	decision, err := l.evaluate(ctx, user, classrooms, now)
	if err != nil {
		l.metrics.Increment(ctx, EventInternalError)
		if l.cfg.FailureMode == config.FailClosed {
			return RateDecision{Verdict: VerdictBlock, Reason: domain.ReasonInternalError}, err
		}
		// Fail open admits without recording usage.
		return RateDecision{Verdict: VerdictAllow}, err
	}

	if decision.Blocked() {
		l.metrics.Increment(ctx, eventForReason(decision.Reason))
		if l.cfg.Enforce {
			return decision, nil
		}
		decision.Verdict = VerdictAllow
		decision.Monitored = true
	}

	l.recordUsage(ctx, user, classrooms, now)
	return decision, nil
}

func (l *QuotaLimiter) evaluate(ctx context.Context, user domain.Principal, classrooms []domain.Principal, now time.Time) (RateDecision, error) {
	blocked, err := l.blocks.IsBlocked(ctx, user.BlockKey())
	if err != nil {
		return RateDecision{}, fmt.Errorf("check user block: %w", err)
	}
	if blocked {
		return block(domain.ReasonUserBlocked), nil
	}

	if len(classrooms) > 0 {
		allBlocked, err := l.allClassroomsBlocked(ctx, classrooms)
		if err != nil {
			return RateDecision{}, err
		}
		if allBlocked {
			return block(domain.ReasonClassroomBlocked), nil
		}
	}

	var hourly domain.UsageWindow
	if l.cfg.LimitPerHour != config.NoLimit {
		hourly, err = l.countSince(ctx, l.users, user, now.Add(-hourWindow))
		if err != nil {
			return RateDecision{}, fmt.Errorf("count hourly usage: %w", err)
		}
		if hourly.Count > l.cfg.LimitPerHour {
			l.persistBlock(ctx, user, domain.ReasonUserOverHourlyLimit, hourly)
			return block(domain.ReasonUserOverHourlyLimit), nil
		}
	}

	if l.cfg.LimitPerDay != config.NoLimit {
		daily, err := l.countSince(ctx, l.users, user, now.Add(-dayWindow))
		if err != nil {
			return RateDecision{}, fmt.Errorf("count daily usage: %w", err)
		}
		if daily.Count > l.cfg.LimitPerDay {
			if l.cfg.BlockOnDailyLimit {
				l.persistBlock(ctx, user, domain.ReasonUserOverDailyLimit, daily)
			}
			return block(domain.ReasonUserOverDailyLimit), nil
		}
	}

	if len(classrooms) > 0 && l.cfg.TeacherLimitPerHour != config.NoLimit {
		windows, err := l.classroomHourlyUsage(ctx, classrooms, now)
		if err != nil {
			return RateDecision{}, err
		}
		allOver := true
		for _, w := range windows {
			l.metrics.IncrementBy(ctx, EventClassroomHourlyRequests, int64(w.Count))
			if w.Count <= l.cfg.TeacherLimitPerHour {
				allOver = false
			}
		}
		if allOver {
			for i, classroom := range classrooms {
				l.persistBlock(ctx, classroom, domain.ReasonTeachersOverHourlyLimit, windows[i])
			}
			return block(domain.ReasonTeachersOverHourlyLimit), nil
		}
	}

	if warning := l.nearLimitWarning(hourly.Count); warning != nil {
		l.metrics.Increment(ctx, EventNearLimit)
		return RateDecision{Verdict: VerdictAllowWithWarning, Warning: warning}, nil
	}
	return RateDecision{Verdict: VerdictAllow}, nil
}

// allClassroomsBlocked reports whether no classroom is in good standing.
func (l *QuotaLimiter) allClassroomsBlocked(ctx context.Context, classrooms []domain.Principal) (bool, error) {
	blocked := make([]bool, len(classrooms))
	g, gctx := errgroup.WithContext(ctx)
	for i, classroom := range classrooms {
		g.Go(func() error {
			ok, err := l.blocks.IsBlocked(gctx, classroom.BlockKey())
			if err != nil {
				return fmt.Errorf("check classroom block %s: %w", classroom.ID, err)
			}
			blocked[i] = ok
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return false, err
	}
	for _, b := range blocked {
		if !b {
			return false, nil
		}
	}
	return true, nil
}

func (l *QuotaLimiter) classroomHourlyUsage(ctx context.Context, classrooms []domain.Principal, now time.Time) ([]domain.UsageWindow, error) {
	windows := make([]domain.UsageWindow, len(classrooms))
	g, gctx := errgroup.WithContext(ctx)
	for i, classroom := range classrooms {
		g.Go(func() error {
			w, err := l.countSince(gctx, l.classrooms, classroom, now.Add(-hourWindow))
			if err != nil {
				return fmt.Errorf("count classroom usage %s: %w", classroom.ID, err)
			}
			windows[i] = w
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return windows, nil
}

func (l *QuotaLimiter) countSince(ctx context.Context, log repository.UsageLog, p domain.Principal, since time.Time) (domain.UsageWindow, error) {
	w, err := log.CountSince(ctx, p.UsageKey(), since)
	if err != nil {
		return w, err
	}
	if w.Truncated {
		l.metrics.Increment(ctx, EventUsageTruncated)
		l.logger.WarnContext(ctx, "usage query truncated by page limit",
			"principal", p.UsageKey(),
			"kind", string(p.Kind),
			"count", w.Count,
			"page", len(w.IssuedAt),
		)
	}
	return w, nil
}

func (l *QuotaLimiter) nearLimitWarning(count int) *domain.TokenWarning {
	limit := l.cfg.LimitPerHour
	if limit == config.NoLimit {
		return nil
	}
	if count < limit-l.cfg.NearLimitBuffer || count > limit {
		return nil
	}
	detail, err := json.Marshal(struct {
		Remaining int `json:"remaining"`
	}{Remaining: limit - count})
	if err != nil {
		return nil
	}
	return &domain.TokenWarning{Kind: domain.WarningNearLimit, Detail: string(detail)}
}

// persistBlock records a block. A store failure here does not change the
// decision already reached.
func (l *QuotaLimiter) persistBlock(ctx context.Context, p domain.Principal, reason domain.BlockReason, w domain.UsageWindow) {
	created, err := l.blocks.Block(ctx, domain.BlockRecord{
		PrincipalID: p.BlockKey(),
		Reason:      reason,
		RequestLog:  domain.RequestLogSnapshot(w.IssuedAt),
	})
	if err != nil {
		l.logger.ErrorContext(ctx, "persist block failed", "principal", p.BlockKey(), "reason", string(reason), "error", err)
		return
	}
	if !created {
		return
	}
	if p.Kind == domain.PrincipalClassroom {
		l.metrics.Increment(ctx, EventNewClassroomBlocked)
	} else {
		l.metrics.Increment(ctx, EventNewUserBlocked)
	}
	l.logger.InfoContext(ctx, "principal blocked", "principal", p.BlockKey(), "reason", string(reason), "requests", w.Count)
}

func (l *QuotaLimiter) recordUsage(ctx context.Context, user domain.Principal, classrooms []domain.Principal, now time.Time) {
	if err := l.users.Append(ctx, user.UsageKey(), now, l.cfg.UserRequestRecordTTL); err != nil {
		l.logger.ErrorContext(ctx, "append user usage failed", "principal", user.UsageKey(), "error", err)
	}
	for _, classroom := range classrooms {
		if err := l.classrooms.Append(ctx, classroom.UsageKey(), now, l.cfg.TeacherRequestRecordTTL); err != nil {
			l.logger.ErrorContext(ctx, "append classroom usage failed", "principal", classroom.UsageKey(), "error", err)
		}
	}
}

func block(reason domain.BlockReason) RateDecision {
	return RateDecision{Verdict: VerdictBlock, Reason: reason}
}

func eventForReason(reason domain.BlockReason) string {
	switch reason {
	case domain.ReasonUserBlocked:
		return EventUserBlocked
	case domain.ReasonClassroomBlocked:
		return EventClassroomBlocked
	case domain.ReasonUserOverHourlyLimit:
		return EventUserOverHourlyLimit
	case domain.ReasonUserOverDailyLimit:
		return EventUserOverDailyLimit
	case domain.ReasonTeachersOverHourlyLimit:
		return EventTeachersOverHourlyLimit
	default:
		return EventInternalError
	}
}

package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sandeepkv93/execgate/internal/config"
	"github.com/sandeepkv93/execgate/internal/domain"
	"github.com/sandeepkv93/execgate/internal/observability"
	"github.com/sandeepkv93/execgate/internal/repository"
	"github.com/sandeepkv93/execgate/internal/security"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	PhaseVet     = "vet"
	PhaseConsume = "consume"

	// ConnectivityTestToken lets a client probe the transport without a session.
	ConnectivityTestToken = "connectivityTest"
)

// Rejection reasons that never reach the block registry.
const (
	ReasonInvalidToken = "INVALID_TOKEN"
	ReasonTokenUsed    = "TOKEN_USED"
	ReasonLedgerError  = "TOKEN_LEDGER_ERROR"
	ReasonUnknownID    = "UNKNOWN_ID"
	ReasonUsed         = "USED"
	ReasonNotVetted    = "NOT_VETTED"
)

type AdmissionRequest struct {
	Token    string
	Origin   string
	Resource string
}

// AdmissionResult carries the policy for the transport and the outcome for
// logs and metrics.
type AdmissionResult struct {
	Policy  Policy
	Outcome string
	Reason  string
}

type AdmissionConfig struct {
	TokenRecordTTL             time.Duration
	StrictUnknownTokenHandling bool
}

func AdmissionConfigFrom(cfg *config.Config) AdmissionConfig {
	return AdmissionConfig{
		TokenRecordTTL:             cfg.TokenRecordTTL,
		StrictUnknownTokenHandling: cfg.StrictUnknownTokenHandling,
	}
}

// AdmissionService runs the two-phase protocol. The token ledger is the only
// state carried from Vet to Consume.
type AdmissionService struct {
	verifier TokenVerifier
	ledger   repository.TokenLedger
	limiter  RateLimiter
	metrics  observability.MetricsSink
	cfg      AdmissionConfig
	logger   *slog.Logger
}

func NewAdmissionService(
	verifier TokenVerifier,
	ledger repository.TokenLedger,
	limiter RateLimiter,
	metrics observability.MetricsSink,
	cfg AdmissionConfig,
	logger *slog.Logger,
) *AdmissionService {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = observability.NewEventSink()
	}
	return &AdmissionService{
		verifier: verifier,
		ledger:   ledger,
		limiter:  limiter,
		metrics:  metrics,
		cfg:      cfg,
		logger:   logger,
	}
}

// Vet is the first contact: verify, log the token once, apply quotas and
// leave the token vetted for Consume.
func (s *AdmissionService) Vet(ctx context.Context, req AdmissionRequest) AdmissionResult {
	ctx, span := observability.Tracer().Start(ctx, "admission.vet")
	defer span.End()

	claims, err := s.verifier.Verify(req.Token, req.Origin)
	if err != nil {
		s.logger.WarnContext(ctx, "session token rejected", "phase", PhaseVet, "origin", req.Origin, "error", err)
		return s.deny(ctx, span, PhaseVet, req.Resource, ReasonInvalidToken)
	}
	subject := auditSubject(claims)
	span.SetAttributes(attribute.String("execgate.token_id", claims.SessionID))

	if err := s.ledger.Create(ctx, claims.SessionID, s.cfg.TokenRecordTTL); err != nil {
		reason := ReasonTokenUsed
		level := slog.LevelWarn
		if errors.Is(err, repository.ErrTokenExists) {
			s.metrics.Increment(ctx, EventTokenUsed)
		} else {
			reason = ReasonLedgerError
			level = slog.LevelError
			s.metrics.Increment(ctx, EventInternalError)
		}
		observability.Audit(ctx, s.logger, level, "admission.rejected", subject, "phase", PhaseVet, "reason", reason, "error", err)
		return s.deny(ctx, span, PhaseVet, req.Resource, reason)
	}

	decision, err := s.limiter.Evaluate(ctx, LimitRequest{
		Namespace:        namespaceFor(claims, req.Origin),
		UserID:           claims.UserID,
		VerifiedTeachers: claims.VerifiedTeachers,
		TokenID:          claims.SessionID,
	})
	if err != nil {
		span.RecordError(err)
		observability.Audit(ctx, s.logger, slog.LevelError, "admission.limiter_error", subject,
			"phase", PhaseVet, "verdict", string(decision.Verdict), "error", err)
	}

	if decision.Blocked() {
		reason := string(decision.Reason)
		observability.Audit(ctx, s.logger, slog.LevelWarn, "admission.throttled", subject, "phase", PhaseVet, "reason", reason)
		observability.RecordAdmissionDecision(ctx, PhaseVet, "throttled", reason)
		span.SetAttributes(attribute.String("execgate.outcome", "throttled"), attribute.String("execgate.reason", reason))
		return AdmissionResult{
			Policy: AllowPolicy(req.Resource, claims, map[string]any{
				ContextAuthorizationError:     reason,
				ContextAuthorizationErrorCode: decision.Reason.ErrorCode(),
			}),
			Outcome: "throttled",
			Reason:  reason,
		}
	}
	if decision.Monitored {
		observability.Audit(ctx, s.logger, slog.LevelInfo, "admission.monitored", subject,
			"phase", PhaseVet, "reason", string(decision.Reason))
	}

	if err := s.ledger.MarkVetted(ctx, claims.SessionID); err != nil {
		observability.Audit(ctx, s.logger, slog.LevelError, "admission.mark_vetted_failed", subject, "phase", PhaseVet, "error", err)
	}
	extra := map[string]any{}
	reason := ""
	if decision.Warning != nil {
		if err := s.ledger.SetWarning(ctx, claims.SessionID, *decision.Warning); err != nil {
			observability.Audit(ctx, s.logger, slog.LevelError, "admission.set_warning_failed", subject, "phase", PhaseVet, "error", err)
		}
		addWarning(extra, decision.Warning)
		reason = decision.Warning.Kind
	}

	observability.RecordAdmissionDecision(ctx, PhaseVet, "allow", reason)
	span.SetAttributes(attribute.String("execgate.outcome", "allow"))
	return AdmissionResult{
		Policy:  AllowPolicy(req.Resource, claims, extra),
		Outcome: "allow",
		Reason:  reason,
	}
}

// Consume is the second contact: the vetted token is spent exactly once.
func (s *AdmissionService) Consume(ctx context.Context, req AdmissionRequest) AdmissionResult {
	ctx, span := observability.Tracer().Start(ctx, "admission.consume")
	defer span.End()

	if req.Token == ConnectivityTestToken {
		observability.RecordAdmissionDecision(ctx, PhaseConsume, "allow", "connectivity_test")
		return AdmissionResult{Policy: ConnectivityTestPolicy(req.Resource), Outcome: "allow", Reason: "connectivity_test"}
	}

	claims, err := s.verifier.Verify(req.Token, req.Origin)
	if err != nil {
		s.logger.WarnContext(ctx, "session token rejected", "phase", PhaseConsume, "origin", req.Origin, "error", err)
		return s.deny(ctx, span, PhaseConsume, req.Resource, ReasonInvalidToken)
	}
	subject := auditSubject(claims)
	span.SetAttributes(attribute.String("execgate.token_id", claims.SessionID))

	rec, err := s.ledger.Get(ctx, claims.SessionID)
	switch {
	case errors.Is(err, repository.ErrTokenNotFound):
		s.metrics.Increment(ctx, EventUnknownToken)
		if s.cfg.StrictUnknownTokenHandling {
			observability.Audit(ctx, s.logger, slog.LevelWarn, "admission.rejected", subject, "phase", PhaseConsume, "reason", ReasonUnknownID)
			return s.deny(ctx, span, PhaseConsume, req.Resource, ReasonUnknownID)
		}
		observability.Audit(ctx, s.logger, slog.LevelWarn, "admission.unknown_token_admitted", subject, "phase", PhaseConsume, "reason", ReasonUnknownID)
		observability.RecordAdmissionDecision(ctx, PhaseConsume, "allow", ReasonUnknownID)
		return AdmissionResult{Policy: AllowPolicy(req.Resource, claims, nil), Outcome: "allow", Reason: ReasonUnknownID}
	case err != nil:
		s.metrics.Increment(ctx, EventInternalError)
		observability.Audit(ctx, s.logger, slog.LevelError, "admission.rejected", subject, "phase", PhaseConsume, "reason", ReasonLedgerError, "error", err)
		return s.deny(ctx, span, PhaseConsume, req.Resource, ReasonLedgerError)
	}

	if rec.Used {
		observability.Audit(ctx, s.logger, slog.LevelWarn, "admission.rejected", subject, "phase", PhaseConsume, "reason", ReasonUsed)
		return s.deny(ctx, span, PhaseConsume, req.Resource, ReasonUsed)
	}
	if !rec.Vetted {
		observability.Audit(ctx, s.logger, slog.LevelWarn, "admission.rejected", subject, "phase", PhaseConsume, "reason", ReasonNotVetted)
		return s.deny(ctx, span, PhaseConsume, req.Resource, ReasonNotVetted)
	}

	swapped, err := s.ledger.MarkUsed(ctx, claims.SessionID)
	if err != nil {
		s.metrics.Increment(ctx, EventInternalError)
		observability.Audit(ctx, s.logger, slog.LevelError, "admission.rejected", subject, "phase", PhaseConsume, "reason", ReasonLedgerError, "error", err)
		return s.deny(ctx, span, PhaseConsume, req.Resource, ReasonLedgerError)
	}
	if !swapped {
		observability.Audit(ctx, s.logger, slog.LevelWarn, "admission.rejected", subject, "phase", PhaseConsume, "reason", ReasonUsed)
		return s.deny(ctx, span, PhaseConsume, req.Resource, ReasonUsed)
	}

	extra := map[string]any{}
	reason := ""
	if w := rec.Warning(); w != nil {
		addWarning(extra, w)
		reason = w.Kind
	}
	observability.RecordAdmissionDecision(ctx, PhaseConsume, "allow", reason)
	span.SetAttributes(attribute.String("execgate.outcome", "allow"))
	return AdmissionResult{Policy: AllowPolicy(req.Resource, claims, extra), Outcome: "allow", Reason: reason}
}

func (s *AdmissionService) deny(ctx context.Context, span trace.Span, phase, resource, reason string) AdmissionResult {
	observability.RecordAdmissionDecision(ctx, phase, "deny", reason)
	span.SetAttributes(attribute.String("execgate.outcome", "deny"), attribute.String("execgate.reason", reason))
	span.SetStatus(codes.Error, reason)
	return AdmissionResult{Policy: DenyPolicy(resource), Outcome: "deny", Reason: reason}
}

func addWarning(extra map[string]any, w *domain.TokenWarning) {
	extra[ContextAuthorizationWarning] = w.Kind
	extra[ContextAuthorizationWarningDetail] = w.Detail
}

func auditSubject(claims *security.SessionClaims) observability.AuditSubject {
	return observability.AuditSubject{
		TokenID:          claims.SessionID,
		UserID:           claims.UserID,
		VerifiedTeachers: claims.VerifiedTeachers,
	}
}

// namespaceFor scopes principals by issuer, falling back to the origin host.
func namespaceFor(claims *security.SessionClaims, origin string) string {
	if claims.Issuer != "" {
		return claims.Issuer
	}
	return security.StandardizeOrigin(origin)
}

package observability

import (
	"context"
	"log/slog"
	"strings"
)

// AuditSubject attributes an admission event to the token and principals involved.
type AuditSubject struct {
	TokenID          string
	UserID           string
	VerifiedTeachers string
}

func Audit(ctx context.Context, logger *slog.Logger, level slog.Level, event string, subject AuditSubject, attrs ...any) {
	if logger == nil {
		logger = slog.Default()
	}
	base := []any{
		"event", event,
		"token_id", subject.TokenID,
		"user_id", subject.UserID,
		"verified_teachers", strings.TrimSpace(subject.VerifiedTeachers),
	}
	base = append(base, attrs...)
	logger.Log(ctx, level, "audit", base...)
}

package service

import (
	"context"

	"github.com/sandeepkv93/execgate/internal/security"
)

type TokenVerifier interface {
	Verify(raw, origin string) (*security.SessionClaims, error)
}

// RateLimiter decides whether a user may run another request. The returned
// decision is always usable; a non-nil error reports a store failure that the
// decision already accounts for.
type RateLimiter interface {
	Evaluate(ctx context.Context, req LimitRequest) (RateDecision, error)
}

type AdmissionServiceInterface interface {
	Vet(ctx context.Context, req AdmissionRequest) AdmissionResult
	Consume(ctx context.Context, req AdmissionRequest) AdmissionResult
}

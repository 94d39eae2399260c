package app

import (
	"fmt"
	"log/slog"

	"github.com/google/wire"

	"github.com/sandeepkv93/execgate/internal/clock"
	"github.com/sandeepkv93/execgate/internal/config"
	"github.com/sandeepkv93/execgate/internal/http/handler"
	"github.com/sandeepkv93/execgate/internal/observability"
	"github.com/sandeepkv93/execgate/internal/repository"
	"github.com/sandeepkv93/execgate/internal/security"
	"github.com/sandeepkv93/execgate/internal/service"
)

// AdmissionSet builds the admission handler from config and opened stores.
var AdmissionSet = wire.NewSet(
	provideVerifier,
	wire.Bind(new(service.TokenVerifier), new(*security.SessionTokenVerifier)),
	observability.NewEventSink,
	wire.Bind(new(observability.MetricsSink), new(*observability.EventSink)),
	provideLedger,
	provideQuotaLimiter,
	wire.Bind(new(service.RateLimiter), new(*service.QuotaLimiter)),
	service.AdmissionConfigFrom,
	service.NewAdmissionService,
	wire.Bind(new(service.AdmissionServiceInterface), new(*service.AdmissionService)),
	handler.NewAdmissionHandler,
)

func provideVerifier(cfg *config.Config, ts clock.TimeSource) (*security.SessionTokenVerifier, error) {
	verifier, err := security.NewSessionTokenVerifier(cfg.PublicKeys, ts)
	if err != nil {
		return nil, fmt.Errorf("session token verifier: %w", err)
	}
	return verifier, nil
}

func provideLedger(stores *Stores) repository.TokenLedger {
	return stores.Ledger
}

// provideQuotaLimiter picks the user and classroom logs by name; both share
// the repository.UsageLog type.
func provideQuotaLimiter(stores *Stores, metrics observability.MetricsSink, cfg *config.Config, ts clock.TimeSource, logger *slog.Logger) *service.QuotaLimiter {
	return service.NewQuotaLimiter(
		stores.Blocks,
		stores.Users,
		stores.Classrooms,
		metrics,
		service.QuotaLimiterConfigFrom(cfg),
		ts,
		logger,
	)
}

package app

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/sandeepkv93/execgate/internal/clock"
	"github.com/sandeepkv93/execgate/internal/config"
	"github.com/sandeepkv93/execgate/internal/health"
	"github.com/sandeepkv93/execgate/internal/http/middleware"
	"github.com/sandeepkv93/execgate/internal/http/router"
	"github.com/sandeepkv93/execgate/internal/observability"
)

// Build wires the gate from config. The returned App owns the stores and the
// telemetry runtime.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger, runtime *observability.Runtime) (*App, error) {
	stores, err := OpenStores(ctx, cfg, clock.System)
	if err != nil {
		return nil, err
	}
	admission, err := initializeAdmissionHandler(cfg, stores, logger, clock.System)
	if err != nil {
		_ = stores.Close()
		return nil, err
	}

	ingress := middleware.NewLocalIngressGuard(cfg.IngressRateLimitRPM, logger)
	if stores.Ingress != nil {
		ingress = middleware.NewIngressGuard(stores.Ingress, middleware.PerMinute(cfg.IngressRateLimitRPM), middleware.FailOpen, logger)
	}
	readiness := health.NewProbeRunner(2*time.Second, time.Second, stores.Checkers...)

	server := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: router.NewRouter(router.Dependencies{
			AdmissionHandler:     admission,
			IngressRateLimitRPM:  cfg.IngressRateLimitRPM,
			IngressRateLimiter:   ingress.Middleware(),
			Readiness:            readiness,
			EnablePrometheusHTTP: cfg.OTELMetricsEnabled && cfg.OTELMetricsExporter == config.MetricsExporterPrometheus,
			EnableOTelHTTP:       cfg.OTELTracingEnabled,
			Logger:               logger,
		}),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	stop := func() {}
	if stores.Sweeper != nil {
		stores.Sweeper.logger = logger
		stop = stores.Sweeper.Start(context.WithoutCancel(ctx), cfg.LedgerSweepInterval)
	}
	return New(cfg, logger, server, runtime, stores, readiness, stop), nil
}

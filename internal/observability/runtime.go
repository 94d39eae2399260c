package observability

import (
	"context"
	"errors"
	"log/slog"

	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/sandeepkv93/execgate/internal/config"
)

// Runtime owns the telemetry providers the gate installs at startup.
type Runtime struct {
	MeterProvider  *sdkmetric.MeterProvider
	TracerProvider *sdktrace.TracerProvider
	LoggerProvider *sdklog.LoggerProvider
}

// InitRuntime installs metrics then tracing. The logger provider comes from
// NewLogger, which runs first so startup errors are already exported.
func InitRuntime(ctx context.Context, cfg *config.Config, logger *slog.Logger, lp *sdklog.LoggerProvider) (*Runtime, error) {
	rt := &Runtime{LoggerProvider: lp}
	mp, err := InitMetrics(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	rt.MeterProvider = mp
	tp, err := InitTracing(ctx, cfg, logger)
	if err != nil {
		return nil, errors.Join(err, rt.Shutdown(ctx))
	}
	rt.TracerProvider = tp
	return rt, nil
}

// Shutdown flushes metrics before traces and logs so the last admission
// counters still reach the collector.
func (r *Runtime) Shutdown(ctx context.Context) error {
	if r == nil {
		return nil
	}
	var errs []error
	for _, shutdown := range r.shutdowners() {
		errs = append(errs, shutdown(ctx))
	}
	return errors.Join(errs...)
}

func (r *Runtime) shutdowners() []func(context.Context) error {
	var out []func(context.Context) error
	if r.MeterProvider != nil {
		out = append(out, r.MeterProvider.Shutdown)
	}
	if r.TracerProvider != nil {
		out = append(out, r.TracerProvider.Shutdown)
	}
	if r.LoggerProvider != nil {
		out = append(out, r.LoggerProvider.Shutdown)
	}
	return out
}

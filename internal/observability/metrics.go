package observability

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/sandeepkv93/execgate/internal/config"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
)

const meterName = "github.com/sandeepkv93/execgate"

type AppMetrics struct {
	admissionCounter  metric.Int64Counter
	eventCounter      metric.Int64Counter
	repositoryCounter metric.Int64Counter
	ingressCounter    metric.Int64Counter
}

var (
	metricsMu  sync.RWMutex
	appMetrics *AppMetrics
)

func InitMetrics(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*sdkmetric.MeterProvider, error) {
	if !cfg.OTELMetricsEnabled {
		mp := sdkmetric.NewMeterProvider()
		otel.SetMeterProvider(mp)
		logger.Info("otel metrics disabled")
		return mp, nil
	}

	res, err := newResource(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create metric resource: %w", err)
	}

	var reader sdkmetric.Reader
	switch cfg.OTELMetricsExporter {
	case config.MetricsExporterPrometheus:
		exporter, err := otelprom.New()
		if err != nil {
			return nil, fmt.Errorf("create prometheus exporter: %w", err)
		}
		reader = exporter
	default:
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTELExporterOTLPEndpoint)}
		if cfg.OTELExporterOTLPInsecure {
			opts = append(opts, otlpmetricgrpc.WithInsecure())
		}
		exporter, err := otlpmetricgrpc.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("create otlp metric exporter: %w", err)
		}
		reader = sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(cfg.OTELMetricsExportInterval))
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(reader),
	)
	otel.SetMeterProvider(mp)

	if err := registerMetrics(mp.Meter(meterName)); err != nil {
		return nil, err
	}
	logger.Info("otel metrics initialized", "exporter", cfg.OTELMetricsExporter, "endpoint", cfg.OTELExporterOTLPEndpoint)
	return mp, nil
}

func registerMetrics(meter metric.Meter) error {
	admissionCounter, err := meter.Int64Counter("execgate.admission.decisions",
		metric.WithDescription("Admission outcomes per phase"))
	if err != nil {
		return err
	}
	eventCounter, err := meter.Int64Counter("execgate.token_status.events",
		metric.WithDescription("Block, warning and error events raised while vetting tokens"))
	if err != nil {
		return err
	}
	repositoryCounter, err := meter.Int64Counter("execgate.repository.operations")
	if err != nil {
		return err
	}
	ingressCounter, err := meter.Int64Counter("execgate.ingress.ratelimit.decisions")
	if err != nil {
		return err
	}

	metricsMu.Lock()
	appMetrics = &AppMetrics{
		admissionCounter:  admissionCounter,
		eventCounter:      eventCounter,
		repositoryCounter: repositoryCounter,
		ingressCounter:    ingressCounter,
	}
	metricsMu.Unlock()
	return nil
}

func newResource(ctx context.Context, cfg *config.Config) (*resource.Resource, error) {
	return resource.New(ctx,
		resource.WithAttributes(
			attribute.String("service.name", cfg.OTELServiceName),
			attribute.String("deployment.environment", cfg.OTELEnvironment),
		),
	)
}

func current() *AppMetrics {
	metricsMu.RLock()
	defer metricsMu.RUnlock()
	return appMetrics
}

func RecordAdmissionDecision(ctx context.Context, phase, outcome, reason string) {
	m := current()
	if m == nil {
		return
	}
	if reason == "" {
		reason = "none"
	}
	m.admissionCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("phase", phase),
		attribute.String("outcome", outcome),
		attribute.String("reason", reason),
	))
}

func RecordRepositoryOperation(ctx context.Context, repository, operation, outcome string) {
	m := current()
	if m == nil {
		return
	}
	m.repositoryCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("repository", repository),
		attribute.String("operation", operation),
		attribute.String("outcome", outcome),
	))
}

func RecordIngressRateLimit(ctx context.Context, decision string) {
	m := current()
	if m == nil {
		return
	}
	m.ingressCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("decision", decision)))
}

// MetricsSink counts named token-status events.
type MetricsSink interface {
	Increment(ctx context.Context, name string)
	IncrementBy(ctx context.Context, name string, n int64)
}

// EventSink is the MetricsSink backed by the execgate.token_status.events counter.
type EventSink struct{}

func NewEventSink() *EventSink { return &EventSink{} }

func (EventSink) Increment(ctx context.Context, name string) {
	EventSink{}.IncrementBy(ctx, name, 1)
}

func (EventSink) IncrementBy(ctx context.Context, name string, n int64) {
	m := current()
	if m == nil || n < 0 {
		return
	}
	m.eventCounter.Add(ctx, n, metric.WithAttributes(attribute.String("event", name)))
}

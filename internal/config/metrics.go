package config

import (
	"context"
	"errors"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const configMeterName = "github.com/sandeepkv93/execgate/internal/config"

var (
	configMetricsOnce sync.Once
	configCounter     metric.Int64Counter
	stageKeyCounter   metric.Int64Counter
)

// parseError marks a malformed environment value.
type parseError struct {
	key string
	err error
}

func (e *parseError) Error() string { return "parse " + e.key + ": " + e.err.Error() }
func (e *parseError) Unwrap() error { return e.err }

// validationError wraps the joined Validate failures.
type validationError struct{ err error }

func (e *validationError) Error() string { return "validate config: " + e.err.Error() }
func (e *validationError) Unwrap() error { return e.err }

func initConfigMetrics() {
	meter := otel.Meter(configMeterName)
	if counter, err := meter.Int64Counter("config.validation.events"); err == nil {
		configCounter = counter
	}
	if counter, err := meter.Int64Counter("config.public_keys.loaded",
		metric.WithDescription("Stage public keys present at config load")); err == nil {
		stageKeyCounter = counter
	}
}

// recordConfigLoad reports the load outcome and, on success, the shape of the
// gate that will run: store driver, enforcement mode and keyed stages.
func recordConfigLoad(ctx context.Context, profile string, cfg *Config, err error) {
	configMetricsOnce.Do(initConfigMetrics)
	if configCounter == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("profile", normalizeConfigProfile(profile)),
		attribute.String("outcome", "success"),
		attribute.String("error_class", classifyConfigLoadError(err)),
	}
	if err != nil {
		attrs[1] = attribute.String("outcome", "error")
	}
	if cfg != nil {
		attrs = append(attrs,
			attribute.String("store_driver", cfg.StoreDriver),
			attribute.String("enforcement_mode", cfg.EnforcementMode),
		)
	}
	configCounter.Add(ctx, 1, metric.WithAttributes(attrs...))

	if cfg == nil || stageKeyCounter == nil {
		return
	}
	for _, stage := range cfg.Stages() {
		stageKeyCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
	}
}

func normalizeConfigProfile(profile string) string {
	v := strings.TrimSpace(strings.ToLower(profile))
	if v == "" {
		return "unknown"
	}
	return v
}

func classifyConfigLoadError(err error) string {
	var pe *parseError
	var ve *validationError
	switch {
	case err == nil:
		return "none"
	case errors.As(err, &ve):
		return "validation"
	case errors.As(err, &pe):
		return "parse"
	default:
		return "load"
	}
}

package telemetry

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	prometheusexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/trace"
)

// Tracker forwards errors to an external telemetry sink. Callers ignore the returned error
// beyond logging it.
type Tracker interface {
	Track(ctx context.Context, err error, attrs map[string]string) error
}

// ErrNoRecordingSpan is returned when the context carries no span that records.
var ErrNoRecordingSpan = errors.New("no recording span in context")

// SpanTracker records errors as exception events on the active OpenTelemetry span.
type SpanTracker struct{}

// Track implements Tracker.
func (SpanTracker) Track(ctx context.Context, err error, attrs map[string]string) error {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return ErrNoRecordingSpan
	}
	kv := make([]attribute.KeyValue, 0, len(attrs))
	for k, v := range attrs {
		kv = append(kv, attribute.String(k, v))
	}
	span.RecordError(err, trace.WithAttributes(kv...))
	return nil
}

// InitMeterProvider initializes the OpenTelemetry meter provider with a Prometheus exporter.
func InitMeterProvider(reg prometheus.Registerer) (*metric.MeterProvider, error) {
	exporter, err := prometheusexporter.New(prometheusexporter.WithRegisterer(reg))
	if err != nil {
		return nil, err
	}

	mp := metric.NewMeterProvider(metric.WithReader(exporter))
	otel.SetMeterProvider(mp)
	log.Info().Msg("OpenTelemetry MeterProvider initialized with Prometheus exporter")
	return mp, nil
}

// ShutdownMeterProvider flushes and stops the meter provider.
func ShutdownMeterProvider(ctx context.Context, mp *metric.MeterProvider) {
	if mp == nil {
		return
	}
	if err := mp.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Error shutting down OpenTelemetry MeterProvider")
		return
	}
	log.Info().Msg("OpenTelemetry MeterProvider shut down successfully")
}

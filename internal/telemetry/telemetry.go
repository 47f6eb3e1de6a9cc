// Package telemetry provides optional OpenTelemetry spans and counters for
// sync runs.
//
// Telemetry is disabled by default. When CARDSYNC_OTEL_ENABLED=true the
// CLI calls Init, which installs SDK providers exporting to stderr; all
// other code goes through Recorder and never needs to know which
// providers are active.
package telemetry

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/lherron/cardsync/internal/domain"
)

const instrumentationScope = "github.com/lherron/cardsync"

// EntitiesMetric counts merged entities by type and outcome.
const EntitiesMetric = "cardsync.entities"

var shutdownFns []func(context.Context) error

// Init installs global providers. With enabled false it installs no-op
// providers and returns immediately.
func Init(ctx context.Context, enabled bool, version string) error {
	if !enabled {
		otel.SetTracerProvider(tracenoop.NewTracerProvider())
		otel.SetMeterProvider(metricnoop.NewMeterProvider())
		return nil
	}
	return initSDK(ctx, os.Stderr, version)
}

func initSDK(ctx context.Context, w io.Writer, version string) error {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String("cardsync"),
			semconv.ServiceVersionKey.String(version),
		),
		resource.WithHost(),
	)
	if err != nil {
		return fmt.Errorf("telemetry: resource: %w", err)
	}

	spanExp, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return fmt.Errorf("telemetry: trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(spanExp),
	)
	otel.SetTracerProvider(tp)
	shutdownFns = append(shutdownFns, tp.Shutdown)

	metricExp, err := stdoutmetric.New(stdoutmetric.WithWriter(w))
	if err != nil {
		return fmt.Errorf("telemetry: metric exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp, sdkmetric.WithInterval(30*time.Second))),
	)
	otel.SetMeterProvider(mp)
	shutdownFns = append(shutdownFns, mp.Shutdown)
	return nil
}

// Shutdown flushes and stops the providers installed by Init.
func Shutdown(ctx context.Context) {
	for _, fn := range shutdownFns {
		_ = fn(ctx)
	}
	shutdownFns = nil
}

// Recorder is the instrumentation handle used by the orchestrator and the
// reconciler.
type Recorder struct {
	tracer   trace.Tracer
	entities metric.Int64Counter
}

// NewRecorder uses the global providers.
func NewRecorder() *Recorder {
	return NewRecorderWith(otel.GetTracerProvider(), otel.GetMeterProvider())
}

// NewRecorderWith uses explicit providers.
func NewRecorderWith(tp trace.TracerProvider, mp metric.MeterProvider) *Recorder {
	entities, err := mp.Meter(instrumentationScope).Int64Counter(EntitiesMetric,
		metric.WithDescription("Source entities processed, by type and outcome"),
	)
	if err != nil {
		entities, _ = metricnoop.NewMeterProvider().Meter(instrumentationScope).Int64Counter(EntitiesMetric)
	}
	return &Recorder{
		tracer:   tp.Tracer(instrumentationScope),
		entities: entities,
	}
}

// Entity counts one processed entity.
func (r *Recorder) Entity(ctx context.Context, t domain.EntityType, outcome domain.Outcome) {
	if r == nil {
		return
	}
	r.entities.Add(ctx, 1, metric.WithAttributes(
		attribute.String("type", string(t)),
		attribute.String("outcome", string(outcome)),
	))
}

// Start opens a span. A nil Recorder returns a non-recording span.
func (r *Recorder) Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if r == nil {
		return ctx, trace.SpanFromContext(context.Background())
	}
	return r.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// End closes span, marking it failed when err is non-nil.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Package telemetry wires OpenTelemetry for the engine.
//
// Telemetry is off unless LEOLINE_OTEL_ENABLED=true, in which case spans and
// metrics are written to stdout.
package telemetry

import (
	"context"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const scope = "leoline/internal/engine"

var shutdownFns []func(context.Context) error

func Enabled() bool {
	return os.Getenv("LEOLINE_OTEL_ENABLED") == "true"
}

// Init installs global providers. Without LEOLINE_OTEL_ENABLED it installs no-ops.
func Init(ctx context.Context) error {
	if !Enabled() {
		otel.SetTracerProvider(tracenoop.NewTracerProvider())
		otel.SetMeterProvider(metricnoop.NewMeterProvider())
		return nil
	}
	spanExp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return err
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(spanExp))
	otel.SetTracerProvider(tp)
	shutdownFns = append(shutdownFns, tp.Shutdown)

	metricExp, err := stdoutmetric.New()
	if err != nil {
		return err
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(
		sdkmetric.NewPeriodicReader(metricExp, sdkmetric.WithInterval(30*time.Second)),
	))
	otel.SetMeterProvider(mp)
	shutdownFns = append(shutdownFns, mp.Shutdown)
	return nil
}

// Shutdown flushes and stops providers installed by Init.
func Shutdown(ctx context.Context) {
	for _, fn := range shutdownFns {
		_ = fn(ctx)
	}
	shutdownFns = nil
}

// Instruments are the engine's counters. The zero value is usable and records nothing.
type Instruments struct {
	tracer     trace.Tracer
	handoffs   metric.Int64Counter
	verdicts   metric.Int64Counter
	violations metric.Int64Counter
	overrides  metric.Int64Counter
	depth      metric.Int64Histogram
}

// NewInstruments binds instruments to the current global providers.
func NewInstruments() Instruments {
	m := otel.Meter(scope)
	in := Instruments{tracer: otel.Tracer(scope)}
	in.handoffs, _ = m.Int64Counter("leoline.handoffs", metric.WithDescription("hand-off decisions by outcome"))
	in.verdicts, _ = m.Int64Counter("leoline.verdicts", metric.WithDescription("verification results by verdict"))
	in.violations, _ = m.Int64Counter("leoline.integrity.violations", metric.WithDescription("rejected status/progress writes"))
	in.overrides, _ = m.Int64Counter("leoline.overrides", metric.WithDescription("administrative overrides"))
	in.depth, _ = m.Int64Histogram("leoline.propagation.depth", metric.WithDescription("ancestors updated per propagation"))
	return in
}

// Start opens a span; callers must end it.
func (in Instruments) Start(ctx context.Context, name, sdID string) (context.Context, trace.Span) {
	if in.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return in.tracer.Start(ctx, name, trace.WithAttributes(attribute.String("sd.id", sdID)))
}

func (in Instruments) Handoff(ctx context.Context, outcome string) {
	if in.handoffs != nil {
		in.handoffs.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
}

func (in Instruments) Verdict(ctx context.Context, verdict string) {
	if in.verdicts != nil {
		in.verdicts.Add(ctx, 1, metric.WithAttributes(attribute.String("verdict", verdict)))
	}
}

func (in Instruments) Violation(ctx context.Context, attempted string) {
	if in.violations != nil {
		in.violations.Add(ctx, 1, metric.WithAttributes(attribute.String("attempted", attempted)))
	}
}

func (in Instruments) Override(ctx context.Context) {
	if in.overrides != nil {
		in.overrides.Add(ctx, 1)
	}
}

func (in Instruments) PropagationDepth(ctx context.Context, depth int) {
	if in.depth != nil {
		in.depth.Record(ctx, int64(depth))
	}
}

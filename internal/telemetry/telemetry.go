// Package telemetry wires OpenTelemetry for cyclegate.
//
// Telemetry is off unless config.telemetry.enabled is true (or
// CYCLEGATE_OTEL_ENABLED=true); when off, no-op providers are installed.
package telemetry

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
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

	"cyclegate/internal/config"
)

const instrumentationScope = "cyclegate"

var shutdownFns []func(context.Context) error

// Enabled reports whether telemetry should be active for cfg.
func Enabled(cfg config.TelemetryConfig) bool {
	return cfg.Enabled || os.Getenv("CYCLEGATE_OTEL_ENABLED") == "true"
}

// Init configures OTel providers.
func Init(ctx context.Context, cfg config.TelemetryConfig, version string) error {
	if !Enabled(cfg) || cfg.Exporter == "none" {
		otel.SetTracerProvider(tracenoop.NewTracerProvider())
		otel.SetMeterProvider(metricnoop.NewMeterProvider())
		return nil
	}
	name := cfg.ServiceName
	if name == "" {
		name = instrumentationScope
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(name),
			semconv.ServiceVersionKey.String(version),
		),
		resource.WithHost(),
	)
	if err != nil {
		return fmt.Errorf("telemetry: resource: %w", err)
	}

	traceExp, err := stdouttrace.New(stdouttrace.WithWriter(os.Stderr))
	if err != nil {
		return fmt.Errorf("telemetry: trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithBatcher(traceExp),
	)
	otel.SetTracerProvider(tp)
	shutdownFns = append(shutdownFns, tp.Shutdown)

	metricExp, err := stdoutmetric.New(stdoutmetric.WithWriter(os.Stderr))
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

// Tracer returns a tracer with the given instrumentation name (or the global scope).
func Tracer(name string) trace.Tracer {
	if name == "" {
		name = instrumentationScope
	}
	return otel.Tracer(name)
}

// Meter returns a meter with the given instrumentation name (or the global scope).
func Meter(name string) metric.Meter {
	if name == "" {
		name = instrumentationScope
	}
	return otel.Meter(name)
}

// Shutdown flushes all spans/metrics and shuts down OTel providers.
func Shutdown(ctx context.Context) {
	for _, fn := range shutdownFns {
		_ = fn(ctx)
	}
	shutdownFns = nil
}

// Instruments are the engine's counters and tracer. A nil *Instruments is valid and records nothing.
type Instruments struct {
	tracer       trace.Tracer
	transitions  metric.Int64Counter
	gateBlocks   metric.Int64Counter
	resultWrites metric.Int64Counter
	slotDecides  metric.Int64Counter
}

// NewInstruments builds instruments from the given meter and tracer providers.
func NewInstruments(mp metric.MeterProvider, tp trace.TracerProvider) (*Instruments, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	m := mp.Meter(instrumentationScope)
	in := &Instruments{tracer: tp.Tracer(instrumentationScope)}
	var err error
	if in.transitions, err = m.Int64Counter("cyclegate.cycle.transitions",
		metric.WithDescription("Cycle status transitions")); err != nil {
		return nil, err
	}
	if in.gateBlocks, err = m.Int64Counter("cyclegate.breach_gate.blocked",
		metric.WithDescription("Approval requests blocked by unjustified breaches")); err != nil {
		return nil, err
	}
	if in.resultWrites, err = m.Int64Counter("cyclegate.results.writes",
		metric.WithDescription("Result record mutations")); err != nil {
		return nil, err
	}
	if in.slotDecides, err = m.Int64Counter("cyclegate.approval.decisions",
		metric.WithDescription("Approval slot decisions")); err != nil {
		return nil, err
	}
	return in, nil
}

// Start opens a span named after the engine operation.
func (in *Instruments) Start(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if in == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return in.tracer.Start(ctx, "engine."+op, trace.WithAttributes(attrs...))
}

func (in *Instruments) Transition(ctx context.Context, from, to string) {
	if in == nil {
		return
	}
	in.transitions.Add(ctx, 1, metric.WithAttributes(attribute.String("from", from), attribute.String("to", to)))
}

func (in *Instruments) GateBlocked(ctx context.Context, breaches int) {
	if in == nil {
		return
	}
	in.gateBlocks.Add(ctx, 1, metric.WithAttributes(attribute.Int("breaches", breaches)))
}

func (in *Instruments) ResultWritten(ctx context.Context, op string) {
	if in == nil {
		return
	}
	in.resultWrites.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}

func (in *Instruments) SlotDecided(ctx context.Context, decision string) {
	if in == nil {
		return
	}
	in.slotDecides.Add(ctx, 1, metric.WithAttributes(attribute.String("decision", decision)))
}

package config

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Telemetry owns the tracer provider installed by SetupTelemetry. The zero
// value is a no-op.
type Telemetry struct {
	tp *sdktrace.TracerProvider
}

// Shutdown flushes buffered spans and stops the exporter. The caller bounds
// the flush with ctx.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil || t.tp == nil {
		return nil
	}
	return t.tp.Shutdown(ctx)
}

type TelemetryOptions struct {
	exporter sdktrace.SpanExporter
}

type TelemetryOption func(*TelemetryOptions)

// WithSpanExporter replaces the OTLP/HTTP exporter.
func WithSpanExporter(exp sdktrace.SpanExporter) TelemetryOption {
	return func(o *TelemetryOptions) { o.exporter = exp }
}

// SetupTelemetry installs a global tracer provider and W3C propagators. On
// error, or when OTEL_SDK_DISABLED is set, it returns a no-op Telemetry.
func SetupTelemetry(ctx context.Context, cfg *Config, opts ...TelemetryOption) (*Telemetry, error) {
	if cfg.GetTelemetryDisabled() {
		return &Telemetry{}, nil
	}
	var o TelemetryOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.exporter == nil {
		exp, err := otlptracehttp.New(ctx)
		if err != nil {
			return &Telemetry{}, err
		}
		o.exporter = exp
	}
	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithHost(),
		resource.WithAttributes(semconv.ServiceName(cfg.GetServiceName())),
	)
	if err != nil {
		return &Telemetry{}, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(o.exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return &Telemetry{tp: tp}, nil
}

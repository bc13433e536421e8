// Package telemetry wires the OpenTelemetry trace provider. Tracing is
// off unless an OTLP endpoint is configured; the rest of the code uses
// the global tracer and never notices either way.
package telemetry

import (
	"context"
	"log/slog"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const scopeName = "github.com/ariaengine/aria"

// Tracer returns the module-wide tracer. A noop when Init never ran.
func Tracer() trace.Tracer {
	return otel.Tracer(scopeName)
}

// Init sets up the OTLP HTTP trace exporter and registers the global
// tracer provider. With no endpoint configured it returns a no-op
// shutdown and leaves the noop provider in place.
func Init(ctx context.Context, serviceName, endpoint string, log *slog.Logger) (func(context.Context) error, error) {
	if endpoint == "" {
		endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}
	if endpoint == "" {
		log.Debug("tracing disabled, no OTLP endpoint configured")
		return func(context.Context) error { return nil }, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(serviceName)),
		resource.WithFromEnv(),
	)
	if err != nil {
		return nil, err
	}

	exp, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(endpoint))
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	log.Info("tracing enabled", "endpoint", endpoint)

	return tp.Shutdown, nil
}

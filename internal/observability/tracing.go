package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/NotEnoughUpdates/ursa-minor/internal/config"
)

// noopShutdown is returned when tracing is disabled so callers can always
// defer the shutdown.
func noopShutdown(_ context.Context) error { return nil }

// InitTracing installs the global tracer provider backed by an OTLP/HTTP
// exporter. The gateway pipeline emits its spans (auth, rate limit, upstream)
// through this provider; with tracing disabled those spans are no-ops.
func InitTracing(ctx context.Context, cfg config.TracingConfig, version string) (func(context.Context) error, error) {
	if !cfg.Enabled {
		return noopShutdown, nil
	}

	exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(cfg.Endpoint))
	if err != nil {
		return nil, fmt.Errorf("tracing: create otlp exporter: %w", err)
	}

	res, err := tracingResource(cfg.ServiceName, version)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))),
	)
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// tracingResource identifies this process to the collector. The service name
// defaults to the binary's name so unconfigured deployments are still
// distinguishable from other services on the same collector.
func tracingResource(serviceName, version string) (*resource.Resource, error) {
	if serviceName == "" {
		serviceName = "ursa-minor"
	}
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("tracing: build resource: %w", err)
	}
	return res, nil
}

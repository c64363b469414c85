package tracing

import (
	"context"
	"io"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const instrumentation = "praxisguard-backend/guard-service"

type Shutdown func(context.Context) error

// Setup returns the tracer used for orchestration spans. When disabled the
// tracer is a no-op and Shutdown does nothing. Spans are exported to w, or
// stdout when w is nil.
func Setup(enabled bool, serviceName string, w io.Writer) (trace.Tracer, Shutdown, error) {
	if !enabled {
		return noop.NewTracerProvider().Tracer(instrumentation), func(context.Context) error { return nil }, nil
	}
	if w == nil {
		w = os.Stdout
	}
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return nil, nil, err
	}
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewSchemaless(attribute.String("service.name", serviceName))),
	)
	otel.SetTracerProvider(provider)
	return provider.Tracer(instrumentation), provider.Shutdown, nil
}

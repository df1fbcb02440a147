package gateway

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/stellarlinkco/attune/internal/config"
)

// setupTracing installs the global tracer provider selected by tc. The
// returned shutdown flushes pending spans; it is a no-op when tracing is off.
func setupTracing(tc config.TracingConfig, w io.Writer) (func(context.Context) error, error) {
	exporterName := strings.ToLower(tc.Exporter)
	if exporterName == "" || exporterName == "none" {
		return func(context.Context) error { return nil }, nil
	}
	if exporterName != "stdout" {
		return nil, fmt.Errorf("unknown trace exporter %q", tc.Exporter)
	}
	if w == nil {
		w = os.Stdout
	}

	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}

	serviceName := tc.ServiceName
	if serviceName == "" {
		serviceName = config.DefaultServiceName
	}
	sampler := sdktrace.AlwaysSample()
	if tc.SampleRatio > 0 && tc.SampleRatio < 1 {
		sampler = sdktrace.ParentBased(sdktrace.TraceIDRatioBased(tc.SampleRatio))
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes("", attribute.String("service.name", serviceName))),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

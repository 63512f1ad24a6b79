package otel

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// InstrumentationName is the scope name of flowrun tracers and meters.
const InstrumentationName = "github.com/petal-labs/flowrun"

// ExporterConfig configures the OTLP/HTTP span exporter.
type ExporterConfig struct {
	// Endpoint is a URL ("http://collector:4318") or a host:port.
	Endpoint    string
	Insecure    bool
	ServiceName string
}

// NewTracerProvider creates a TracerProvider that batches spans to an
// OTLP/HTTP collector. The caller must Shutdown it.
func NewTracerProvider(ctx context.Context, cfg ExporterConfig) (*sdktrace.TracerProvider, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("otel: exporter endpoint is required")
	}
	var opts []otlptracehttp.Option
	if strings.Contains(endpoint, "://") {
		opts = append(opts, otlptracehttp.WithEndpointURL(endpoint))
	} else {
		opts = append(opts, otlptracehttp.WithEndpoint(endpoint))
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("otel: creating exporter: %w", err)
	}

	name := cfg.ServiceName
	if name == "" {
		name = "flowrun"
	}
	res, err := resource.Merge(
		resource.Default(),
		resource.NewSchemaless(attribute.String("service.name", name)),
	)
	if err != nil {
		return nil, fmt.Errorf("otel: building resource: %w", err)
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	), nil
}

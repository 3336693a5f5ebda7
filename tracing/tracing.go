// Package tracing installs the OpenTelemetry SDK so dispense cycles and
// backend requests carry real trace IDs. The trace ID of each cycle is
// written to the local journal and sent upstream in the traceparent header.
package tracing

import (
	"context"
	"fmt"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// DefaultServiceName identifies mixctl spans.
const DefaultServiceName = "mixctl"

// Config configures the tracer provider.
type Config struct {
	ServiceName string

	// File receives finished spans as JSON; empty keeps spans in process,
	// which still yields trace IDs for the journal and propagation.
	File string
}

// Provider owns the SDK tracer provider and its export file.
type Provider struct {
	tp   *sdktrace.TracerProvider
	file *os.File
}

// New creates a provider that samples every span.
func New(cfg Config) (*Provider, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = DefaultServiceName
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(resource.NewSchemaless(
			attribute.String("service.name", cfg.ServiceName),
		)),
	}

	p := &Provider{}
	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open trace file: %w", err)
		}
		exp, err := stdouttrace.New(stdouttrace.WithWriter(f))
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to create trace exporter: %w", err)
		}
		p.file = f
		opts = append(opts, sdktrace.WithBatcher(exp))
	}

	p.tp = sdktrace.NewTracerProvider(opts...)
	return p, nil
}

// Install creates a provider and makes it, together with the W3C trace
// context propagator, the otel global.
func Install(cfg Config) (*Provider, error) {
	p, err := New(cfg)
	if err != nil {
		return nil, err
	}
	otel.SetTracerProvider(p.tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return p, nil
}

// TracerProvider returns the SDK provider.
func (p *Provider) TracerProvider() trace.TracerProvider {
	return p.tp
}

// Shutdown flushes pending spans and closes the export file.
func (p *Provider) Shutdown(ctx context.Context) error {
	err := p.tp.Shutdown(ctx)
	if p.file != nil {
		if closeErr := p.file.Close(); err == nil {
			err = closeErr
		}
	}
	if err != nil {
		return fmt.Errorf("failed to shut down tracing: %w", err)
	}
	return nil
}

// Package trace builds the process tracer provider.
package trace

import (
	"context"
	"fmt"

	sentryotel "github.com/getsentry/sentry-go/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdkTrace "go.opentelemetry.io/otel/sdk/trace"
	otelsemconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

type Config struct {
	// Endpoint is the OTLP/HTTP collector URL. Spans are dropped when empty.
	Endpoint   string  `split_words:"true"`
	SampleRate float64 `split_words:"true" default:"0.1"`
}

type Options struct {
	ServiceName    string
	ServiceVersion string
	// Sentry also forwards spans to Sentry. sentry.Init must have run first.
	Sentry bool
}

// NewTracerProvider returns a provider sampling at cfg.SampleRate, except for
// spans that ask to be forced.
func NewTracerProvider(ctx context.Context, cfg Config, opts Options) (*sdkTrace.TracerProvider, error) {
	exporter := NewNoOpSpanExporter()
	if cfg.Endpoint != "" {
		var err error
		exporter, err = otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(cfg.Endpoint))
		if err != nil {
			return nil, fmt.Errorf("creating OTLP exporter: %w", err)
		}
	}

	res := resource.NewWithAttributes(otelsemconv.SchemaURL,
		otelsemconv.ServiceName(opts.ServiceName),
		otelsemconv.ServiceVersion(opts.ServiceVersion),
	)

	providerOpts := []sdkTrace.TracerProviderOption{
		sdkTrace.WithBatcher(exporter),
		sdkTrace.WithResource(res),
		sdkTrace.WithSampler(NewForceBasedSampler(cfg.SampleRate)),
	}
	if opts.Sentry {
		providerOpts = append(providerOpts, sdkTrace.WithSpanProcessor(sentryotel.NewSentrySpanProcessor()))
	}
	return sdkTrace.NewTracerProvider(providerOpts...), nil
}

type noOpSpanExporter struct{}

func NewNoOpSpanExporter() sdkTrace.SpanExporter {
	return &noOpSpanExporter{}
}

func (noOpSpanExporter) ExportSpans(ctx context.Context, spans []sdkTrace.ReadOnlySpan) error {
	return nil
}

func (noOpSpanExporter) Shutdown(ctx context.Context) error {
	return nil
}

// Package telemetry provides OpenTelemetry instrumentation for vahti.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/vahti/internal/config"
)

const defaultServiceName = "vahti"

// Provider owns the tracer and meter providers of one daemon. Both are
// installed as the otel globals, so packages that use otel.Tracer pick
// them up.
type Provider struct {
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	metrics        *Metrics

	shutdownOnce sync.Once
	shutdownErr  error
}

// otlpTarget is the OTLP endpoint shared by the span and metric exporters.
type otlpTarget struct {
	endpoint string
	insecure bool
}

func (c otlpTarget) traceOptions() []otlptracegrpc.Option {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(c.endpoint)}
	if c.insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	return opts
}

func (c otlpTarget) metricOptions() []otlpmetricgrpc.Option {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(c.endpoint)}
	if c.insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	return opts
}

// NewProvider builds the providers for cfg and installs them globally.
// readers, such as the Prometheus exporter behind /metrics, are attached
// next to the OTLP metric exporter. Without an endpoint nothing leaves the
// process except through readers.
func NewProvider(ctx context.Context, cfg config.OTELConfig, readers ...sdkmetric.Reader) (*Provider, error) {
	res, err := newResource(ctx, cfg.ServiceName)
	if err != nil {
		return nil, err
	}

	var (
		spans   sdktrace.SpanExporter
		metrics sdkmetric.Exporter
		target  = otlpTarget{endpoint: cfg.Endpoint, insecure: cfg.Insecure}
	)
	if cfg.Endpoint != "" && cfg.Traces.Enabled {
		if spans, err = otlptracegrpc.New(ctx, target.traceOptions()...); err != nil {
			return nil, fmt.Errorf("create span exporter for %s: %w", cfg.Endpoint, err)
		}
	}
	if cfg.Endpoint != "" && cfg.Metrics.Enabled {
		if metrics, err = otlpmetricgrpc.New(ctx, target.metricOptions()...); err != nil {
			if spans != nil {
				_ = spans.Shutdown(ctx)
			}
			return nil, fmt.Errorf("create metric exporter for %s: %w", cfg.Endpoint, err)
		}
	}

	traceOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(newSampler(cfg.Traces)),
	}
	if spans != nil {
		traceOpts = append(traceOpts, sdktrace.WithBatcher(spans))
	}

	meterOpts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		meterOpts = append(meterOpts, sdkmetric.WithReader(r))
	}
	if metrics != nil {
		meterOpts = append(meterOpts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metrics)))
	}

	p := &Provider{
		tracerProvider: sdktrace.NewTracerProvider(traceOpts...),
		meterProvider:  sdkmetric.NewMeterProvider(meterOpts...),
	}
	if p.metrics, err = NewMetricsWithProvider(p.meterProvider); err != nil {
		_ = p.Shutdown(ctx)
		return nil, err
	}

	otel.SetTracerProvider(p.tracerProvider)
	otel.SetMeterProvider(p.meterProvider)
	return p, nil
}

// newResource describes this process. Host detection failures only drop
// the host attributes.
func newResource(ctx context.Context, serviceName string) (*resource.Resource, error) {
	if serviceName == "" {
		serviceName = defaultServiceName
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(serviceName)),
		resource.WithHost(),
	)
	if err != nil && !errors.Is(err, resource.ErrPartialResource) {
		return nil, fmt.Errorf("create resource: %w", err)
	}
	return res, nil
}

// newSampler samples nothing when tracing is off, otherwise follows the
// parent and samples roots at the configured rate clamped to [0, 1].
func newSampler(cfg config.TracesConfig) sdktrace.Sampler {
	if !cfg.Enabled {
		return sdktrace.NeverSample()
	}
	rate := cfg.SampleRate
	switch {
	case rate < 0:
		rate = 0
	case rate > 1:
		rate = 1
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
}

// Tracer returns a tracer from this provider.
func (p *Provider) Tracer(name string) trace.Tracer {
	return p.tracerProvider.Tracer(name)
}

// Metrics returns the vahti instruments bound to this provider.
func (p *Provider) Metrics() *Metrics {
	return p.metrics
}

// Shutdown flushes pending spans and metrics. Both providers are shut down
// even when one fails. Later calls return the first result.
func (p *Provider) Shutdown(ctx context.Context) error {
	p.shutdownOnce.Do(func() {
		var errs []error
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown tracer provider: %w", err))
		}
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown meter provider: %w", err))
		}
		p.shutdownErr = errors.Join(errs...)
	})
	return p.shutdownErr
}

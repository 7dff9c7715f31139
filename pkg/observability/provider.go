// Package observability traces crosswalk engine operations and records
// their metrics through OpenTelemetry.
//
// Every engine query and mutation runs inside TrackOperation, which opens a
// span and records:
//   - crosswalk.operations.total, by operation
//   - crosswalk.errors.total, by operation and error kind
//   - crosswalk.operation.duration, in seconds
//   - crosswalk.operations.active, the in-flight gauge
//
// Analyses additionally record crosswalk.coverage.percent and
// crosswalk.diagnostics.total.
package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/Mindburn-Labs/crosswalk"

// exportInterval is how often metrics are pushed to the collector.
const exportInterval = 15 * time.Second

// Config selects where telemetry goes. Exporting is off unless Enabled.
type Config struct {
	ServiceName    string        `yaml:"service_name" json:"service_name"`
	ServiceVersion string        `yaml:"service_version" json:"service_version"`
	Environment    string        `yaml:"environment" json:"environment"`
	OTLPEndpoint   string        `yaml:"endpoint" json:"endpoint"` // gRPC collector, host:port
	SampleRate     float64       `yaml:"sample_rate" json:"sample_rate"`
	BatchTimeout   time.Duration `yaml:"batch_timeout" json:"batch_timeout"`
	Enabled        bool          `yaml:"enabled" json:"enabled"`
	Insecure       bool          `yaml:"insecure" json:"insecure"`
}

func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "crosswalk",
		ServiceVersion: "0.1.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
	}
}

type Option func(*Provider)

// WithMetricReader records metrics into reader instead of the OTLP
// exporter. Metrics are collected even when Config.Enabled is false.
func WithMetricReader(reader sdkmetric.Reader) Option {
	return func(p *Provider) { p.reader = reader }
}

func WithLogger(logger *slog.Logger) Option {
	return func(p *Provider) { p.logger = logger.With("component", "observability") }
}

// Provider owns the tracer and meter used by one engine. The zero-cost
// disabled form hands out non-recording spans and drops measurements.
type Provider struct {
	cfg    *Config
	logger *slog.Logger
	reader sdkmetric.Reader

	traces *sdktrace.TracerProvider
	meters *sdkmetric.MeterProvider
	tracer trace.Tracer
	meter  metric.Meter
	inst   *instruments
}

// New builds a provider from cfg (DefaultConfig when nil).
func New(ctx context.Context, cfg *Config, opts ...Option) (*Provider, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	p := &Provider{cfg: cfg, logger: slog.Default().With("component", "observability")}
	for _, opt := range opts {
		opt(p)
	}
	if !cfg.Enabled && p.reader == nil {
		p.logger.DebugContext(ctx, "telemetry disabled")
		return p, nil
	}

	res := newResource(cfg)
	var err error
	if cfg.Enabled {
		if p.traces, err = newTracerProvider(ctx, cfg, res); err != nil {
			return nil, err
		}
		otel.SetTracerProvider(p.traces)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
		p.tracer = p.traces.Tracer(instrumentationName, trace.WithInstrumentationVersion(cfg.ServiceVersion))
	}

	reader := p.reader
	if reader == nil {
		if reader, err = newPeriodicReader(ctx, cfg); err != nil {
			return nil, err
		}
	}
	p.meters = sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(reader))
	if p.reader == nil {
		otel.SetMeterProvider(p.meters)
	}
	p.meter = p.meters.Meter(instrumentationName, metric.WithInstrumentationVersion(cfg.ServiceVersion))
	if p.inst, err = newInstruments(p.meter); err != nil {
		return nil, fmt.Errorf("observability: instruments: %w", err)
	}

	p.logger.InfoContext(ctx, "telemetry initialized",
		"service", cfg.ServiceName,
		"environment", cfg.Environment,
		"endpoint", cfg.OTLPEndpoint,
		"exporting", cfg.Enabled,
	)
	return p, nil
}

// newResource describes this process under a single schema URL. The SDK's
// default resource carries its own schema version, so it is not merged in.
func newResource(cfg *Config) *resource.Resource {
	return resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
		semconv.DeploymentEnvironment(cfg.Environment),
		semconv.TelemetrySDKName("opentelemetry"),
		semconv.TelemetrySDKLanguageGo,
		semconv.TelemetrySDKVersion(otel.Version()),
	)
}

func newTracerProvider(ctx context.Context, cfg *Config, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("observability: trace exporter: %w", err)
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(cfg.BatchTimeout)),
		sdktrace.WithSampler(sampler(cfg.SampleRate)),
	), nil
}

func sampler(rate float64) sdktrace.Sampler {
	switch {
	case rate >= 1:
		return sdktrace.AlwaysSample()
	case rate <= 0:
		return sdktrace.NeverSample()
	default:
		return sdktrace.TraceIDRatioBased(rate)
	}
}

func newPeriodicReader(ctx context.Context, cfg *Config) (sdkmetric.Reader, error) {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("observability: metric exporter: %w", err)
	}
	return sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(exportInterval)), nil
}

// Shutdown flushes pending spans and metrics. It is safe on a disabled
// provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	if p.traces != nil {
		if err := p.traces.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("observability: tracer shutdown: %w", err))
		}
	}
	if p.meters != nil {
		if err := p.meters.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("observability: meter shutdown: %w", err))
		}
	}
	err := errors.Join(errs...)
	if err != nil {
		p.logger.ErrorContext(ctx, "telemetry shutdown", "error", err)
	}
	return err
}

func (p *Provider) Tracer() trace.Tracer {
	if p.tracer == nil {
		return otel.Tracer(instrumentationName)
	}
	return p.tracer
}

func (p *Provider) Meter() metric.Meter {
	if p.meter == nil {
		return otel.Meter(instrumentationName)
	}
	return p.meter
}

func (p *Provider) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return p.Tracer().Start(ctx, name, opts...)
}

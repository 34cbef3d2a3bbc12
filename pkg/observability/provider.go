// Package observability provides the OpenTelemetry providers and the
// structured health snapshot surface.
//
// Everything here is advisory: metrics and snapshots are never a
// control path, and the halt hot path does not touch this package.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/phoenix-trading/phoenix/pkg/contracts"
)

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string
	BatchTimeout   time.Duration
	Enabled        bool
	Insecure       bool
}

// DefaultConfig returns development defaults.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "phoenix",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		BatchTimeout:   5 * time.Second,
		Enabled:        true,
		Insecure:       true,
	}
}

// Provider manages the trace and metric providers plus the governance
// counters.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	haltsRequested     metric.Int64Counter
	orphanedHops       metric.Int64Counter
	tierViolations     metric.Int64Counter
	breakerTransitions metric.Int64Counter
	driftRecords       metric.Int64Counter
	haltLatency        metric.Float64Histogram
}

// New creates the provider. With Enabled false every recording method
// is a no-op, which is what tests use.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}
	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
	}
	if !config.Enabled {
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: resource: %w", err)
	}

	if err := p.initTraceProvider(ctx, res); err != nil {
		return nil, err
	}
	if err := p.initMetricProvider(ctx, res); err != nil {
		return nil, err
	}

	p.tracer = otel.Tracer("phoenix", trace.WithInstrumentationVersion(config.ServiceVersion))
	p.meter = otel.Meter("phoenix", metric.WithInstrumentationVersion(config.ServiceVersion))

	if err := p.initInstruments(); err != nil {
		return nil, err
	}

	p.logger.InfoContext(ctx, "observability initialized",
		"service", config.ServiceName, "endpoint", config.OTLPEndpoint)
	return p, nil
}

func (p *Provider) initTraceProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("observability: trace exporter: %w", err)
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(p.config.BatchTimeout)),
	)
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return nil
}

func (p *Provider) initMetricProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("observability: metric exporter: %w", err)
	}

	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(15*time.Second))),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

func (p *Provider) initInstruments() error {
	var err error
	p.haltsRequested, err = p.meter.Int64Counter("phoenix.halts.requested",
		metric.WithDescription("Halt requests, engaged or idempotent repeats"),
		metric.WithUnit("{halt}"))
	if err != nil {
		return err
	}
	p.orphanedHops, err = p.meter.Int64Counter("phoenix.halt.orphaned_hops",
		metric.WithDescription("Propagation hops that never acknowledged"),
		metric.WithUnit("{hop}"))
	if err != nil {
		return err
	}
	p.tierViolations, err = p.meter.Int64Counter("phoenix.tier.violations",
		metric.WithDescription("Writes rejected for tier contract breaches"),
		metric.WithUnit("{violation}"))
	if err != nil {
		return err
	}
	p.breakerTransitions, err = p.meter.Int64Counter("phoenix.breaker.transitions",
		metric.WithDescription("Circuit breaker state transitions"),
		metric.WithUnit("{transition}"))
	if err != nil {
		return err
	}
	p.driftRecords, err = p.meter.Int64Counter("phoenix.drift.records",
		metric.WithDescription("Reconciliation drift records emitted"),
		metric.WithUnit("{record}"))
	if err != nil {
		return err
	}
	p.haltLatency, err = p.meter.Float64Histogram("phoenix.halt.request_latency",
		metric.WithDescription("request_halt latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1))
	return err
}

// Shutdown flushes and stops the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "trace provider shutdown failed", "error", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "metric provider shutdown failed", "error", err)
		}
	}
	return nil
}

// Tracer returns the configured tracer.
func (p *Provider) Tracer() trace.Tracer {
	if p.tracer == nil {
		return otel.Tracer("phoenix")
	}
	return p.tracer
}

// RecordHaltRequested counts a halt request and its engage latency.
func (p *Provider) RecordHaltRequested(ctx context.Context, latency time.Duration, requestedBy string) {
	if p.haltsRequested != nil {
		p.haltsRequested.Add(ctx, 1, metric.WithAttributes(attribute.String("requested_by", requestedBy)))
	}
	if p.haltLatency != nil {
		p.haltLatency.Record(ctx, latency.Seconds())
	}
}

// RecordPropagation counts orphaned hops from a propagation report.
func (p *Provider) RecordPropagation(ctx context.Context, report contracts.PropagationReport) {
	if p.orphanedHops != nil && report.Orphans > 0 {
		p.orphanedHops.Add(ctx, int64(report.Orphans),
			metric.WithAttributes(attribute.String("event_id", report.EventID)))
	}
}

// RecordTierViolation counts a rejected write.
func (p *Provider) RecordTierViolation(ctx context.Context, organID, invariant string) {
	if p.tierViolations != nil {
		p.tierViolations.Add(ctx, 1, metric.WithAttributes(
			attribute.String("organ", organID),
			attribute.String("invariant", invariant)))
	}
}

// RecordBreakerTransition counts a breaker state change.
func (p *Provider) RecordBreakerTransition(ctx context.Context, from, to contracts.BreakerState) {
	if p.breakerTransitions != nil {
		p.breakerTransitions.Add(ctx, 1, metric.WithAttributes(
			attribute.String("from", string(from)),
			attribute.String("to", string(to))))
	}
}

// RecordDrift counts an emitted drift record.
func (p *Provider) RecordDrift(ctx context.Context, rec contracts.DriftRecord) {
	if p.driftRecords != nil {
		p.driftRecords.Add(ctx, 1, metric.WithAttributes(
			attribute.String("type", string(rec.Type)),
			attribute.String("severity", string(rec.Severity))))
	}
}

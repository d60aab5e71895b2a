package telemetry

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/coverwise/coverwise/internal/redact"
)

const instrumentationName = "github.com/coverwise/coverwise"

// Config controls telemetry setup.
type Config struct {
	Enabled  bool
	Endpoint string
	Protocol string // grpc | http
	Service  string
	Version  string
}

// Provider wires tracer/meter providers and exposes helpers.
type Provider struct {
	Enabled bool
	tracer  trace.Tracer
	meter   metric.Meter

	recommendationsCounter metric.Int64Counter
	recommendationDuration metric.Float64Histogram
	modelDuration          metric.Float64Histogram
	httpRequestsCounter    metric.Int64Counter
	httpRequestDuration    metric.Float64Histogram
	shutdownTraceProvider  func(context.Context) error
	shutdownMeterProvider  func(context.Context) error
}

// Noop returns a provider that records nothing.
func Noop() *Provider {
	p := &Provider{
		tracer: tracenoop.NewTracerProvider().Tracer(""),
		meter:  noop.NewMeterProvider().Meter(""),
	}
	p.initInstruments()
	return p
}

// NewProvider configures OTEL exporters + providers. When disabled, returns no-op providers.
func NewProvider(ctx context.Context, cfg Config) (*Provider, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if !cfg.Enabled {
		return Noop(), nil
	}

	protocol := strings.ToLower(strings.TrimSpace(cfg.Protocol))
	if protocol != "" && protocol != "grpc" && protocol != "http" {
		return nil, fmt.Errorf("telemetry: unsupported protocol %q", cfg.Protocol)
	}

	redact.Logf("telemetry: enabled (OpenTelemetry OTLP %s) endpoint=%s", protocol, cfg.Endpoint)

	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithAttributes(
			attribute.String("service.name", cfg.Service),
			attribute.String("service.version", cfg.Version),
		),
	)
	if err != nil {
		return nil, err
	}

	var traceExp sdktrace.SpanExporter
	var metricExp sdkmetric.Exporter
	switch protocol {
	case "", "grpc":
		if traceExp, err = otlptracegrpc.New(ctx, otlptracegrpc.WithEndpoint(cfg.Endpoint), otlptracegrpc.WithInsecure()); err != nil {
			return nil, err
		}
		if metricExp, err = otlpmetricgrpc.New(ctx, otlpmetricgrpc.WithEndpoint(cfg.Endpoint), otlpmetricgrpc.WithInsecure()); err != nil {
			return nil, err
		}
	case "http":
		if traceExp, err = otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(cfg.Endpoint), otlptracehttp.WithInsecure()); err != nil {
			return nil, err
		}
		if metricExp, err = otlpmetrichttp.New(ctx, otlpmetrichttp.WithEndpoint(cfg.Endpoint), otlpmetrichttp.WithInsecure()); err != nil {
			return nil, err
		}
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)))
	otel.SetMeterProvider(mp)

	p := &Provider{
		Enabled:               true,
		tracer:                tp.Tracer(instrumentationName),
		meter:                 mp.Meter(instrumentationName),
		shutdownTraceProvider: tp.Shutdown,
		shutdownMeterProvider: mp.Shutdown,
	}
	p.initInstruments()
	return p, nil
}

func (p *Provider) initInstruments() {
	if p == nil {
		return
	}
	// Instrument errors are ignored; telemetry is best-effort.
	p.recommendationsCounter, _ = p.meter.Int64Counter("coverwise_recommendations_total")
	p.recommendationDuration, _ = p.meter.Float64Histogram("coverwise_recommendation_duration_ms")
	p.modelDuration, _ = p.meter.Float64Histogram("coverwise_model_inference_duration_ms")
	p.httpRequestsCounter, _ = p.meter.Int64Counter("coverwise_http_requests_total")
	p.httpRequestDuration, _ = p.meter.Float64Histogram("coverwise_http_request_duration_ms")
}

// Tracer returns the tracer.
func (p *Provider) Tracer() trace.Tracer {
	if p == nil {
		return tracenoop.NewTracerProvider().Tracer("")
	}
	return p.tracer
}

// Meter returns the meter.
func (p *Provider) Meter() metric.Meter {
	if p == nil {
		return noop.NewMeterProvider().Meter("")
	}
	return p.meter
}

// Shutdown flushes providers.
func (p *Provider) Shutdown(ctx context.Context) {
	if p == nil {
		return
	}
	if p.shutdownTraceProvider != nil {
		_ = p.shutdownTraceProvider(ctx)
	}
	if p.shutdownMeterProvider != nil {
		_ = p.shutdownMeterProvider(ctx)
	}
}

// RecordRecommendation counts one assembled (or failed) recommendation.
// outcome is "ok" or an error class; policyType is empty on failure.
func (p *Provider) RecordRecommendation(ctx context.Context, policyType, outcome string, durMs float64) {
	if p == nil || p.recommendationsCounter == nil {
		return
	}
	labels := metric.WithAttributes(
		attribute.String("coverwise.policy_type", policyType),
		attribute.String("coverwise.outcome", outcome),
	)
	p.recommendationsCounter.Add(ctx, 1, labels)
	p.recommendationDuration.Record(ctx, durMs, labels)
}

// RecordModelInference records a single sub-model call.
func (p *Provider) RecordModelInference(ctx context.Context, model string, durMs float64, failed bool) {
	if p == nil || p.modelDuration == nil {
		return
	}
	p.modelDuration.Record(ctx, durMs, metric.WithAttributes(
		attribute.String("coverwise.model", model),
		attribute.Bool("coverwise.failed", failed),
	))
}

// RecordHTTPRequest emits request counters with safe labels.
func (p *Provider) RecordHTTPRequest(ctx context.Context, route string, status int, clientID string, durMs float64) {
	if p == nil || p.httpRequestsCounter == nil {
		return
	}
	labels := metric.WithAttributes(
		attribute.String("http.route", route),
		attribute.Int("http.status_code", status),
		attribute.String("coverwise.client_id", clientID),
	)
	p.httpRequestsCounter.Add(ctx, 1, labels)
	p.httpRequestDuration.Record(ctx, durMs, labels)
}

// Package observability wires structured logging and OpenTelemetry for the
// gateway: RED metrics (rate, errors, duration) on the HTTP surface, a
// decision counter on the validate path, and spans exported over OTLP gRPC.
// With no collector endpoint configured every recording call is a no-op, so
// the hot path never pays for telemetry that nobody collects.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
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
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
	"go.opentelemetry.io/otel/trace"
)

// Config configures the telemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string

	// OTLPEndpoint is the collector's gRPC address, e.g. "localhost:4317".
	// Empty disables export entirely; the provider still exists but records
	// nothing.
	OTLPEndpoint string

	// SampleRate for traces, 0.0 to 1.0. Default 1.0.
	SampleRate float64

	// BatchTimeout before flushing batched spans. Default 5s.
	BatchTimeout time.Duration

	// Insecure skips TLS on the collector connection (dev only).
	Insecure bool
}

// SetupLogging installs a JSON slog handler at the given level as the
// process default and returns it. Unknown levels fall back to info.
func SetupLogging(level string) *slog.Logger {
	var lv slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lv = slog.LevelDebug
	case "warn", "warning":
		lv = slog.LevelWarn
	case "error":
		lv = slog.LevelError
	default:
		lv = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lv}))
	slog.SetDefault(logger)
	return logger
}

// Provider owns the trace and metric pipelines and the gateway's
// instruments. Its recording methods satisfy the api and gateway recorder
// interfaces; a Provider with export disabled records nothing.
type Provider struct {
	cfg            Config
	enabled        bool
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter

	requestCounter  metric.Int64Counter
	errorCounter    metric.Int64Counter
	durationHist    metric.Float64Histogram
	decisionCounter metric.Int64Counter
}

// New builds the providers and the gateway instruments. A Config with no
// OTLPEndpoint yields a disabled provider, never an error.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "relay-gateway"
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 1.0
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 5 * time.Second
	}

	p := &Provider{cfg: cfg}
	if cfg.OTLPEndpoint == "" {
		return p, nil
	}
	p.enabled = true

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
			semconv.DeploymentEnvironmentName(cfg.Environment),
			attribute.String("relay.component", "gateway"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: resource: %w", err)
	}

	if err := p.initTraces(ctx, res); err != nil {
		return nil, err
	}
	if err := p.initMetrics(ctx, res); err != nil {
		return nil, err
	}

	p.tracer = otel.Tracer("relay.gateway",
		trace.WithInstrumentationVersion(cfg.ServiceVersion))
	p.meter = otel.Meter("relay.gateway",
		metric.WithInstrumentationVersion(cfg.ServiceVersion))

	if err := p.initInstruments(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Provider) initTraces(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(p.cfg.OTLPEndpoint)}
	if p.cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("observability: trace exporter: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case p.cfg.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case p.cfg.SampleRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(p.cfg.SampleRate)
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(p.cfg.BatchTimeout)),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return nil
}

func (p *Provider) initMetrics(ctx context.Context, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(p.cfg.OTLPEndpoint)}
	if p.cfg.Insecure {
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
	p.requestCounter, err = p.meter.Int64Counter("relay.requests",
		metric.WithDescription("HTTP requests handled"),
		metric.WithUnit("{request}"))
	if err != nil {
		return err
	}
	p.errorCounter, err = p.meter.Int64Counter("relay.errors",
		metric.WithDescription("HTTP requests answered 5xx"),
		metric.WithUnit("{error}"))
	if err != nil {
		return err
	}
	p.durationHist, err = p.meter.Float64Histogram("relay.request.duration",
		metric.WithDescription("Request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0))
	if err != nil {
		return err
	}
	p.decisionCounter, err = p.meter.Int64Counter("relay.validate.decisions",
		metric.WithDescription("Policy decisions by outcome and version"),
		metric.WithUnit("{decision}"))
	return err
}

// Enabled reports whether telemetry is exported.
func (p *Provider) Enabled() bool { return p.enabled }

// Tracer returns the gateway tracer.
func (p *Provider) Tracer() trace.Tracer {
	if p.tracer == nil {
		return otel.Tracer("relay.gateway")
	}
	return p.tracer
}

// Meter returns the gateway meter.
func (p *Provider) Meter() metric.Meter {
	if p.meter == nil {
		return otel.Meter("relay.gateway")
	}
	return p.meter
}

// RecordRequest feeds the RED instruments from one completed HTTP request.
// Satisfies the HTTP surface's RequestRecorder.
func (p *Provider) RecordRequest(ctx context.Context, method, path string, status int, elapsed time.Duration) {
	if !p.enabled {
		return
	}
	attrs := metric.WithAttributes(
		semconv.HTTPRequestMethodKey.String(method),
		semconv.HTTPRoute(path),
		semconv.HTTPResponseStatusCode(status),
	)
	p.requestCounter.Add(ctx, 1, attrs)
	p.durationHist.Record(ctx, elapsed.Seconds(), attrs)
	if status >= http.StatusInternalServerError {
		p.errorCounter.Add(ctx, 1, attrs)
	}
}

// RecordDecision counts one policy decision and emits a span covering the
// evaluation window. Satisfies the orchestrator's DecisionRecorder.
func (p *Provider) RecordDecision(ctx context.Context, approved bool, policyVersion string, elapsed time.Duration) {
	if !p.enabled {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.Bool("relay.approved", approved),
		attribute.String("relay.policy_version", policyVersion),
	}
	p.decisionCounter.Add(ctx, 1, metric.WithAttributes(attrs...))

	// The evaluation already happened; reconstruct its span from the
	// measured window so it nests under the request span.
	end := time.Now()
	_, span := p.Tracer().Start(ctx, "relay.evaluate",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithTimestamp(end.Add(-elapsed)),
		trace.WithAttributes(attrs...),
	)
	span.End(trace.WithTimestamp(end))
}

// WrapHandler opens one server span per request around h. With telemetry
// disabled it returns h untouched.
func (p *Provider) WrapHandler(h http.Handler) http.Handler {
	if !p.enabled {
		return h
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := p.Tracer().Start(ctx, r.Method+" "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				semconv.HTTPRequestMethodKey.String(r.Method),
				semconv.URLPath(r.URL.Path),
			),
		)
		defer span.End()

		sw := &spanWriter{ResponseWriter: w, status: http.StatusOK}
		h.ServeHTTP(sw, r.WithContext(ctx))
		span.SetAttributes(semconv.HTTPResponseStatusCode(sw.status))
	})
}

type spanWriter struct {
	http.ResponseWriter
	status int
}

func (sw *spanWriter) WriteHeader(code int) {
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
}

// Shutdown flushes and stops both pipelines.
func (p *Provider) Shutdown(ctx context.Context) error {
	if !p.enabled {
		return nil
	}
	var firstErr error
	if err := p.tracerProvider.Shutdown(ctx); err != nil {
		firstErr = err
	}
	if err := p.meterProvider.Shutdown(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// String summarizes the provider state for bootstrap logs.
func (p *Provider) String() string {
	if !p.enabled {
		return "telemetry disabled"
	}
	return "otlp " + p.cfg.OTLPEndpoint + " sample=" + strconv.FormatFloat(p.cfg.SampleRate, 'f', -1, 64)
}

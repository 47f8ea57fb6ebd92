// Package telemetry wires OpenTelemetry tracing and metrics for the server
// and exposes the instruments the consultation engine records into.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentationName scopes every tracer and meter this module creates.
const InstrumentationName = "github.com/globalqueiros/stixconnect-sub000"

type Config struct {
	ServiceName     string
	ServiceVersion  string
	Environment     string
	OTLPEndpoint    string // gRPC collector; empty disables export
	MetricsInterval time.Duration
	SampleRate      float64 // 0.0 to 1.0
}

func (c *Config) applyDefaults() {
	if c.ServiceName == "" {
		c.ServiceName = "stixconnect"
	}
	if c.ServiceVersion == "" {
		c.ServiceVersion = "0.0.0"
	}
	if c.Environment == "" {
		c.Environment = "development"
	}
	if c.SampleRate <= 0 || c.SampleRate > 1 {
		c.SampleRate = 1.0
	}
	if c.MetricsInterval <= 0 {
		c.MetricsInterval = 15 * time.Second
	}
}

type options struct {
	readers    []sdkmetric.Reader
	processors []sdktrace.SpanProcessor
}

type Option func(*options)

// WithMetricReader adds a reader next to (or instead of) the OTLP exporter.
func WithMetricReader(r sdkmetric.Reader) Option {
	return func(o *options) { o.readers = append(o.readers, r) }
}

// WithSpanProcessor adds a processor next to (or instead of) the OTLP exporter.
func WithSpanProcessor(p sdktrace.SpanProcessor) Option {
	return func(o *options) { o.processors = append(o.processors, p) }
}

// Provider owns the SDK tracer and meter providers.
type Provider struct {
	cfg            Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	http           *httpInstruments
}

// Setup builds the providers, installs them as the otel globals and starts
// the runtime metrics collector. With no endpoint and no extra readers or
// processors nothing is exported, but instruments still work.
func Setup(ctx context.Context, cfg Config, opts ...Option) (*Provider, error) {
	cfg.applyDefaults()
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithAttributes(
			attribute.String("service.name", cfg.ServiceName),
			attribute.String("service.version", cfg.ServiceVersion),
			attribute.String("deployment.environment", cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("build otel resource: %w", err)
	}

	traceOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))),
	}
	metricOpts := []sdkmetric.Option{sdkmetric.WithResource(res)}

	if cfg.OTLPEndpoint != "" {
		traceExporter, err := otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlptracegrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("create trace exporter: %w", err)
		}
		traceOpts = append(traceOpts, sdktrace.WithBatcher(traceExporter))

		metricExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("create metric exporter: %w", err)
		}
		metricOpts = append(metricOpts, sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(metricExporter, sdkmetric.WithInterval(cfg.MetricsInterval)),
		))
	}
	for _, p := range o.processors {
		traceOpts = append(traceOpts, sdktrace.WithSpanProcessor(p))
	}
	for _, r := range o.readers {
		metricOpts = append(metricOpts, sdkmetric.WithReader(r))
	}

	p := &Provider{
		cfg:            cfg,
		tracerProvider: sdktrace.NewTracerProvider(traceOpts...),
		meterProvider:  sdkmetric.NewMeterProvider(metricOpts...),
	}

	otel.SetTracerProvider(p.tracerProvider)
	otel.SetMeterProvider(p.meterProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	if err := runtime.Start(runtime.WithMeterProvider(p.meterProvider)); err != nil {
		return nil, fmt.Errorf("start runtime metrics: %w", err)
	}

	p.http, err = newHTTPInstruments(p.Meter())
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Provider) Tracer() trace.Tracer { return p.tracerProvider.Tracer(InstrumentationName) }

func (p *Provider) Meter() metric.Meter { return p.meterProvider.Meter(InstrumentationName) }

// Shutdown flushes pending spans and metrics.
func (p *Provider) Shutdown(ctx context.Context) error {
	return errors.Join(p.tracerProvider.Shutdown(ctx), p.meterProvider.Shutdown(ctx))
}

// StartSpan starts a span on the global tracer. Before Setup runs the
// global tracer is a no-op, which is what tests get.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(InstrumentationName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// EndSpan records err on span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

type httpInstruments struct {
	requests metric.Int64Counter
	duration metric.Float64Histogram
	inFlight metric.Int64UpDownCounter
}

func newHTTPInstruments(m metric.Meter) (*httpInstruments, error) {
	requests, err := m.Int64Counter("http.server.request.count",
		metric.WithDescription("Number of HTTP requests"))
	if err != nil {
		return nil, err
	}
	duration, err := m.Float64Histogram("http.server.request.duration",
		metric.WithDescription("HTTP request duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	inFlight, err := m.Int64UpDownCounter("http.server.active_requests",
		metric.WithDescription("Requests currently being served"))
	if err != nil {
		return nil, err
	}
	return &httpInstruments{requests: requests, duration: duration, inFlight: inFlight}, nil
}

// Middleware traces every request under its route pattern and records the
// request count and latency.
func (p *Provider) Middleware() echo.MiddlewareFunc {
	tracer := p.Tracer()
	propagator := otel.GetTextMapPropagator()
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			route := c.Path()
			if route == "" {
				route = req.URL.Path
			}

			ctx := propagator.Extract(req.Context(), propagation.HeaderCarrier(req.Header))
			ctx, span := tracer.Start(ctx, "HTTP "+req.Method+" "+route,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("http.method", req.Method),
					attribute.String("http.route", route),
					attribute.String("http.user_agent", req.UserAgent()),
				),
			)
			defer span.End()
			c.SetRequest(req.WithContext(ctx))

			routeAttr := metric.WithAttributes(attribute.String("http.route", route))
			p.http.inFlight.Add(ctx, 1, routeAttr)
			defer p.http.inFlight.Add(ctx, -1, routeAttr)

			start := time.Now()
			err := next(c)
			status := statusOf(c, err)

			span.SetAttributes(attribute.Int("http.status_code", status))
			if status >= http.StatusInternalServerError {
				span.SetStatus(codes.Error, http.StatusText(status))
				if err != nil {
					span.RecordError(err)
				}
			}

			attrs := metric.WithAttributes(
				attribute.String("http.method", req.Method),
				attribute.String("http.route", route),
				attribute.Int("http.status_code", status),
			)
			p.http.requests.Add(ctx, 1, attrs)
			p.http.duration.Record(ctx, float64(time.Since(start).Microseconds())/1000, attrs)
			return err
		}
	}
}

// statusOf predicts the status an error will be rendered with when the
// response has not been written yet.
func statusOf(c echo.Context, err error) int {
	if err == nil || c.Response().Committed {
		return c.Response().Status
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code
	}
	return http.StatusInternalServerError
}

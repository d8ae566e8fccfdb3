// Package telemetry wires OpenTelemetry tracing and the matching metrics.
// When no OTLP endpoint is configured the global no-op providers stay in
// place and every instrument is still safe to use.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/ehr/trialmatch"

type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string
}

// Setup installs the global tracer provider and propagator. The returned
// shutdown flushes pending spans.
func Setup(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	if cfg.OTLPEndpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			attribute.String("service.name", cfg.ServiceName),
			attribute.String("service.version", cfg.ServiceVersion),
			attribute.String("deployment.environment", cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry resource: %w", err)
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("otlp exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(instrumentationName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// EndSpan records err on the span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Metrics holds the instruments recorded by the matching service.
type Metrics struct {
	MatchDuration   metric.Float64Histogram
	TrialsEvaluated metric.Int64Counter
	PartialBatches  metric.Int64Counter
	CacheHits       metric.Int64Counter
	CacheMisses     metric.Int64Counter
}

func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(instrumentationName)

	matchDuration, err := meter.Float64Histogram(
		"trialmatch.batch.duration",
		metric.WithDescription("Duration of a patient matching batch"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}
	trialsEvaluated, err := meter.Int64Counter(
		"trialmatch.trials.evaluated",
		metric.WithDescription("Number of trials evaluated against a patient"),
	)
	if err != nil {
		return nil, err
	}
	partial, err := meter.Int64Counter(
		"trialmatch.batch.partial",
		metric.WithDescription("Number of batches truncated by the match deadline"),
	)
	if err != nil {
		return nil, err
	}
	hits, err := meter.Int64Counter("trialmatch.cache.hit", metric.WithDescription("Match cache hits"))
	if err != nil {
		return nil, err
	}
	misses, err := meter.Int64Counter("trialmatch.cache.miss", metric.WithDescription("Match cache misses"))
	if err != nil {
		return nil, err
	}

	return &Metrics{
		MatchDuration:   matchDuration,
		TrialsEvaluated: trialsEvaluated,
		PartialBatches:  partial,
		CacheHits:       hits,
		CacheMisses:     misses,
	}, nil
}

// RecordBatch records one completed matching batch. A nil receiver is a no-op.
func (m *Metrics) RecordBatch(ctx context.Context, tenantID string, evaluated int, partial bool, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("tenant", tenantID))
	m.MatchDuration.Record(ctx, float64(d.Microseconds())/1000, attrs)
	m.TrialsEvaluated.Add(ctx, int64(evaluated), attrs)
	if partial {
		m.PartialBatches.Add(ctx, 1, attrs)
	}
}

func (m *Metrics) RecordCache(ctx context.Context, hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.CacheHits.Add(ctx, 1)
		return
	}
	m.CacheMisses.Add(ctx, 1)
}

// Middleware starts a server span per request, continuing any incoming
// W3C trace context, and tags it with the route and status.
func Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			ctx := otel.GetTextMapPropagator().Extract(req.Context(), propagation.HeaderCarrier(req.Header))

			route := c.Path()
			if route == "" {
				route = req.URL.Path
			}
			ctx, span := otel.Tracer(instrumentationName).Start(ctx, req.Method+" "+route,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("http.method", req.Method),
					attribute.String("http.route", route),
				),
			)
			defer span.End()

			c.SetRequest(req.WithContext(ctx))
			err := next(c)
			if err != nil {
				c.Error(err)
				span.RecordError(err)
			}

			status := c.Response().Status
			span.SetAttributes(attribute.Int("http.status_code", status))
			if status >= 500 {
				span.SetStatus(codes.Error, fmt.Sprintf("HTTP %d", status))
			}
			return nil
		}
	}
}

// Package traces wires OpenTelemetry spans around calls, holds and settlements.
package traces

import (
	"context"
	"log/slog"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/mbd888/paygate"

// Config selects the exporter and sampling.
type Config struct {
	Endpoint    string // OTLP/gRPC host:port; empty disables export
	ServiceName string
	Version     string
	SampleRatio float64 // fraction of new traces kept, clamped to [0,1]
}

// Shutdown flushes and stops the exporter.
type Shutdown func(context.Context) error

func noop(context.Context) error { return nil }

// Init installs the tracer provider described by cfg. With no endpoint the
// global no-op provider stays in place.
func Init(ctx context.Context, cfg Config, logger *slog.Logger) (Shutdown, error) {
	if cfg.Endpoint == "" {
		logger.Info("tracing disabled (no OTEL_EXPORTER_OTLP_ENDPOINT set)")
		return noop, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.Version),
		),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(Sampler(cfg.SampleRatio)),
	)
	otel.SetTracerProvider(tp)

	logger.Info("tracing enabled", "endpoint", cfg.Endpoint, "sample_ratio", clampRatio(cfg.SampleRatio))
	return tp.Shutdown, nil
}

// Sampler keeps ratio of root traces and follows the parent otherwise.
func Sampler(ratio float64) sdktrace.Sampler {
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(clampRatio(ratio)))
}

func clampRatio(r float64) float64 {
	switch {
	case r < 0:
		return 0
	case r > 1:
		return 1
	}
	return r
}

func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, name)
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return ctx, span
}

// Fail marks span as errored. A nil err is ignored.
func Fail(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// Span attributes.

func Wallet(w string) attribute.KeyValue       { return attribute.String("wallet", w) }
func Counterparty(w string) attribute.KeyValue { return attribute.String("counterparty", w) }
func Amount(amount string) attribute.KeyValue  { return attribute.String("amount", amount) }
func Reference(ref string) attribute.KeyValue  { return attribute.String("reference", ref) }
func Slug(s string) attribute.KeyValue         { return attribute.String("api.slug", s) }
func ListingID(id string) attribute.KeyValue   { return attribute.String("api.listing_id", id) }
func StatusCode(code int) attribute.KeyValue   { return attribute.Int("http.status_code", code) }

// Cost is the charged amount in its canonical decimal form.
func Cost(d decimal.Decimal) attribute.KeyValue { return attribute.String("call.cost", d.String()) }

// Charged reports whether the caller paid for the call.
func Charged(ok bool) attribute.KeyValue { return attribute.Bool("call.charged", ok) }

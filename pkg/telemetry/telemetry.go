// Package telemetry installs the OpenTelemetry tracer and meter providers and
// exposes the Prometheus scrape endpoint they feed.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/steemit/hivefeed/pkg/config"
	"github.com/steemit/hivefeed/pkg/logging"
)

const instrumentationName = "github.com/steemit/hivefeed"

// Version is reported as service.version. Release builds set it with
// -ldflags "-X github.com/steemit/hivefeed/pkg/telemetry.Version=...".
var Version = "dev"

var (
	tracer trace.Tracer
)

// shutdownFunc flushes and stops one provider
type shutdownFunc func(context.Context) error

// Init installs the tracer provider (Jaeger) and the meter provider
// (Prometheus) selected by cfg and returns a func that flushes them.
func Init(cfg *config.TelemetryConfig) (func(), error) {
	if !cfg.Enabled {
		logging.GetLogger().Info("Telemetry disabled")
		return func() {}, nil
	}

	ctx := context.Background()

	// Create resource
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(Version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	var shutdowns []shutdownFunc

	if cfg.JaegerURL != "" {
		fn, err := initTracing(res, cfg)
		if err != nil {
			return nil, err
		}
		shutdowns = append(shutdowns, fn)
	}

	if cfg.PrometheusEnabled {
		fn, err := initMetrics(res)
		if err != nil {
			flush(shutdowns)
			return nil, err
		}
		shutdowns = append(shutdowns, fn)
	}

	// Set global propagator
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	tracer = otel.Tracer(cfg.ServiceName)

	return func() { flush(shutdowns) }, nil
}

// initTracing batches spans to the Jaeger collector. The sampler follows the
// parent's decision and samples root spans at cfg.TraceSampleRatio.
func initTracing(res *resource.Resource, cfg *config.TelemetryConfig) (shutdownFunc, error) {
	exporter, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(cfg.JaegerURL)))
	if err != nil {
		return nil, fmt.Errorf("failed to create Jaeger exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.TraceSampleRatio))),
	)
	otel.SetTracerProvider(tp)

	logging.GetLogger().Info("Jaeger exporter initialized",
		zap.String("url", cfg.JaegerURL),
		zap.Float64("sample_ratio", cfg.TraceSampleRatio))
	return tp.Shutdown, nil
}

// initMetrics registers the OTel Prometheus exporter with the default
// prometheus registry, which MetricsHandler serves.
func initMetrics(res *resource.Resource) (shutdownFunc, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	logging.GetLogger().Info("Prometheus exporter initialized")
	return mp.Shutdown, nil
}

// flush stops providers in reverse order of installation, each bounded by
// its own slice of a shared deadline.
func flush(shutdowns []shutdownFunc) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for i := len(shutdowns) - 1; i >= 0; i-- {
		ctx, cancel := context.WithTimeout(shutdownCtx, 3*time.Second)
		err := shutdowns[i](ctx)
		cancel()
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.GetLogger().Error("Error shutting down telemetry", zap.Error(err))
		}
	}
}

// MetricsHandler serves the default prometheus registry
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// NewMetricsServer serves MetricsHandler on /metrics at the configured
// Prometheus port, for binaries without an API listener.
func NewMetricsServer(cfg *config.TelemetryConfig) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", MetricsHandler())
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.PrometheusPort),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// Tracer returns the global tracer
func Tracer() trace.Tracer {
	if tracer == nil {
		// Spans recorded before Init go to whatever provider is installed
		return otel.Tracer(instrumentationName)
	}
	return tracer
}

// Meter returns a meter from the global provider. Instruments created before
// Init are forwarded once a provider is installed.
func Meter() metric.Meter {
	return otel.Meter(instrumentationName)
}

// StartSpan starts a new span
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// End records err on span, if any, and ends it.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

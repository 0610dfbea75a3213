package observe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptrace"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zerologr"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/skillnet/skillnet-agent/internal/config"
	"go.opentelemetry.io/contrib/instrumentation/net/http/httptrace/otelhttptrace"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Telemetry exporter types.
const (
	TypeGRPC   = "grpc"
	TypeStdout = "stdout"
)

// ShutdownFunc flushes and stops the configured providers.
type ShutdownFunc func(context.Context) error

// Configure installs the global trace and metric providers described by cfg.
// When telemetry is disabled the global no-op providers are left in place.
func Configure(ctx context.Context, cfg config.ObserveConfig) (ShutdownFunc, error) {
	noop := func(context.Context) error { return nil }

	if !cfg.Enabled {
		log.Info().Msg("telemetry: disabled")
		return noop, nil
	}
	if cfg.Type != TypeGRPC && cfg.Type != TypeStdout {
		return noop, fmt.Errorf("unknown telemetry type %q: must be one of %s, %s", cfg.Type, TypeGRPC, TypeStdout)
	}

	configureOtelLogging(cfg.SDKLogLevel)

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	res, err := resource.New(ctx,
		resource.WithAttributes(attribute.String("service.name", cfg.ServiceName)),
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
	)
	if err != nil {
		return noop, fmt.Errorf("telemetry resource: %w", err)
	}

	traceExporter, err := newTraceExporter(ctx, cfg.Type)
	if err != nil {
		return noop, fmt.Errorf("trace exporter: %w", err)
	}

	tracerProvider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter,
			sdktrace.WithBatchTimeout(time.Duration(cfg.TraceBatchTimeoutSeconds)*time.Second),
		),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tracerProvider)

	shutdowns := []ShutdownFunc{tracerProvider.Shutdown}

	if cfg.MetricsEnabled {
		metricExporter, err := newMetricExporter(ctx, cfg.Type)
		if err != nil {
			_ = tracerProvider.Shutdown(ctx)
			return noop, fmt.Errorf("metric exporter: %w", err)
		}

		meterProvider := sdkmetric.NewMeterProvider(
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter,
				sdkmetric.WithInterval(time.Duration(cfg.MetricReadIntervalSeconds)*time.Second),
			)),
			sdkmetric.WithResource(res),
		)
		otel.SetMeterProvider(meterProvider)

		shutdowns = append(shutdowns, meterProvider.Shutdown)
	}

	log.Info().
		Str("type", cfg.Type).
		Bool("metrics", cfg.MetricsEnabled).
		Msg("telemetry: configured")

	return func(ctx context.Context) error {
		var errs []error
		for _, shutdown := range shutdowns {
			errs = append(errs, shutdown(ctx))
		}
		return errors.Join(errs...)
	}, nil
}

func newTraceExporter(ctx context.Context, exporterType string) (sdktrace.SpanExporter, error) {
	if exporterType == TypeStdout {
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	}
	return otlptracegrpc.New(ctx)
}

func newMetricExporter(ctx context.Context, exporterType string) (sdkmetric.Exporter, error) {
	if exporterType == TypeStdout {
		return stdoutmetric.New()
	}
	return otlpmetricgrpc.New(ctx)
}

// configureOtelLogging routes the SDK's internal logging and error reports to
// zerolog at the configured level.
func configureOtelLogging(level string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	l := log.Logger.Level(lvl).With().Str("component", "otel").Logger()

	var sdkLogger logr.Logger = zerologr.New(&l)
	otel.SetLogger(sdkLogger)

	otel.SetErrorHandler(otel.ErrorHandlerFunc(func(err error) {
		l.Warn().Err(err).Msg("telemetry error")
	}))
}

// HTTPTransport instruments outgoing backend requests. It returns wrapped
// unchanged when telemetry or transport instrumentation is disabled.
func HTTPTransport(wrapped http.RoundTripper, cfg config.ObserveConfig) http.RoundTripper {
	if !cfg.Enabled || !cfg.HTTPTransportEnabled {
		return wrapped
	}

	var opts []otelhttp.Option
	if cfg.HTTPConnectionTraceEnabled {
		opts = append(opts, otelhttp.WithClientTrace(func(ctx context.Context) *httptrace.ClientTrace {
			return otelhttptrace.NewClientTrace(ctx)
		}))
	}

	return otelhttp.NewTransport(wrapped, opts...)
}

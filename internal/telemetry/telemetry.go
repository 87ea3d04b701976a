// Package telemetry wires optional OpenTelemetry export for ecotrack. Traces,
// metrics and logs go to one OTLP collector over a shared gRPC connection;
// [NewLogHandler] feeds slog records into the log pipeline.
//
// Without a [Setup] call every global provider stays a no-op, so the
// instrumented packages can always create tracers and counters.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/log/global"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

const defaultServiceName = "ecotrack"

// Config mirrors the telemetry block of the config file.
type Config struct {
	// OTLPEndpoint is the collector's gRPC host:port, e.g. "localhost:4317".
	OTLPEndpoint string

	// Insecure disables TLS towards the collector.
	Insecure bool

	// ServiceName sets service.name. Defaults to "ecotrack".
	ServiceName string

	// ServiceVersion sets service.version when non-empty.
	ServiceVersion string

	// Headers are sent as gRPC metadata with every export, typically an
	// Authorization header for hosted collectors.
	Headers map[string]string

	// MetricInterval is how often metrics are pushed. Zero keeps the SDK
	// default of one minute.
	MetricInterval time.Duration
}

// ShutdownFunc flushes and closes everything Setup created. Call it with a
// fresh context; the main one is usually cancelled by then.
type ShutdownFunc func(context.Context) error

// Setup installs global trace, metric and log providers exporting to
// cfg.OTLPEndpoint. The returned ShutdownFunc is never nil; on error it is
// a no-op, so callers can defer it unconditionally.
func Setup(ctx context.Context, cfg Config) (ShutdownFunc, error) {
	res, err := newResource(cfg)
	if err != nil {
		return noopShutdown, err
	}

	conn, err := dial(cfg)
	if err != nil {
		return noopShutdown, err
	}

	var shutdowns []func(context.Context) error
	fail := func(err error) (ShutdownFunc, error) {
		for i := len(shutdowns) - 1; i >= 0; i-- {
			_ = shutdowns[i](ctx)
		}
		_ = conn.Close()
		return noopShutdown, err
	}

	traceExp, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn), otlptracegrpc.WithHeaders(cfg.Headers))
	if err != nil {
		return fail(fmt.Errorf("creating OTLP trace exporter: %w", err))
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(traceExp), sdktrace.WithResource(res))
	otel.SetTracerProvider(tp)
	shutdowns = append(shutdowns, tp.Shutdown)

	metricExp, err := otlpmetricgrpc.New(ctx, otlpmetricgrpc.WithGRPCConn(conn), otlpmetricgrpc.WithHeaders(cfg.Headers))
	if err != nil {
		return fail(fmt.Errorf("creating OTLP metric exporter: %w", err))
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(newReader(metricExp, cfg.MetricInterval)), sdkmetric.WithResource(res))
	otel.SetMeterProvider(mp)
	shutdowns = append(shutdowns, mp.Shutdown)

	logExp, err := otlploggrpc.New(ctx, otlploggrpc.WithGRPCConn(conn), otlploggrpc.WithHeaders(cfg.Headers))
	if err != nil {
		return fail(fmt.Errorf("creating OTLP log exporter: %w", err))
	}
	lp := sdklog.NewLoggerProvider(sdklog.WithProcessor(sdklog.NewBatchProcessor(logExp)), sdklog.WithResource(res))
	global.SetLoggerProvider(lp)
	shutdowns = append(shutdowns, lp.Shutdown)

	return func(ctx context.Context) error {
		var errs []error
		for _, shutdown := range shutdowns {
			if err := shutdown(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		if err := conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing OTLP connection: %w", err))
		}
		return errors.Join(errs...)
	}, nil
}

// newResource describes this process. NewSchemaless sidesteps schema URL
// conflicts between the SDK's default resource and our semconv version.
func newResource(cfg Config) (*resource.Resource, error) {
	name := cfg.ServiceName
	if name == "" {
		name = defaultServiceName
	}
	svc := resource.NewSchemaless(semconv.ServiceName(name))
	if cfg.ServiceVersion != "" {
		svc = resource.NewSchemaless(semconv.ServiceName(name), semconv.ServiceVersion(cfg.ServiceVersion))
	}
	res, err := resource.Merge(resource.Default(), svc)
	if err != nil {
		return nil, fmt.Errorf("building OTel resource: %w", err)
	}
	return res, nil
}

func dial(cfg Config) (*grpc.ClientConn, error) {
	if cfg.OTLPEndpoint == "" {
		return nil, fmt.Errorf("telemetry: OTLP endpoint is required")
	}
	creds := credentials.NewTLS(nil)
	if cfg.Insecure {
		creds = insecure.NewCredentials()
	}
	conn, err := grpc.NewClient(cfg.OTLPEndpoint, grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, fmt.Errorf("dialling OTLP collector at %q: %w", cfg.OTLPEndpoint, err)
	}
	return conn, nil
}

func newReader(exp sdkmetric.Exporter, interval time.Duration) sdkmetric.Reader {
	if interval > 0 {
		return sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(interval))
	}
	return sdkmetric.NewPeriodicReader(exp)
}

func noopShutdown(context.Context) error { return nil }

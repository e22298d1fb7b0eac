// Package telemetry wires optional OpenTelemetry export for the sync daemon.
// Traces, queue metrics and slog records go to one OTLP gRPC collector over a
// shared connection.
//
// Call [Setup] once during startup and defer the returned [ShutdownFunc].
// Without Setup the global providers stay no-ops.
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

// Config mirrors the telemetry block of the YAML config plus build info.
type Config struct {
	// OTLPEndpoint is the collector's gRPC host:port, e.g. "localhost:4317".
	OTLPEndpoint string

	// Insecure disables TLS for the collector connection.
	Insecure bool

	// ServiceName defaults to [DefaultServiceName].
	ServiceName string

	// Headers is sent as gRPC metadata on every export, typically
	// {"Authorization": "Bearer <token>"}.
	Headers map[string]string

	// Version is reported as service.version.
	Version string

	// MetricInterval is how often queue counters are pushed. Defaults to 30s.
	MetricInterval time.Duration
}

// DefaultServiceName is the service.name used when none is configured.
const DefaultServiceName = "offlinesync"

// ShutdownFunc flushes and closes all OTel providers. Call it with a fresh
// context; the main one is usually cancelled by then.
type ShutdownFunc func(context.Context) error

func noopShutdown(context.Context) error { return nil }

// closer collects shutdown steps in the order they were registered and runs
// them in reverse.
type closer []func(context.Context) error

func (c *closer) add(name string, fn func(context.Context) error) {
	*c = append(*c, func(ctx context.Context) error {
		if err := fn(ctx); err != nil {
			return fmt.Errorf("%s shutdown: %w", name, err)
		}
		return nil
	})
}

func (c closer) run(ctx context.Context) error {
	var errs []error
	for i := len(c) - 1; i >= 0; i-- {
		if err := c[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Setup installs the global trace, metric and log providers, all exporting to
// cfg.OTLPEndpoint. The returned [ShutdownFunc] is never nil; on error it is a
// no-op and anything already started has been torn down.
func Setup(ctx context.Context, cfg Config) (ShutdownFunc, error) {
	res, err := newResource(cfg)
	if err != nil {
		return noopShutdown, err
	}

	var creds credentials.TransportCredentials
	if cfg.Insecure {
		creds = insecure.NewCredentials()
	} else {
		creds = credentials.NewTLS(nil) // system root CAs
	}
	conn, err := grpc.NewClient(cfg.OTLPEndpoint, grpc.WithTransportCredentials(creds))
	if err != nil {
		return noopShutdown, fmt.Errorf("dialling OTLP collector at %q: %w", cfg.OTLPEndpoint, err)
	}

	var c closer
	c.add("OTLP gRPC connection", func(context.Context) error { return conn.Close() })
	fail := func(err error) (ShutdownFunc, error) {
		_ = c.run(ctx)
		return noopShutdown, err
	}

	tp, err := newTracerProvider(ctx, conn, res, cfg.Headers)
	if err != nil {
		return fail(err)
	}
	otel.SetTracerProvider(tp)
	c.add("trace provider", tp.Shutdown)

	mp, err := newMeterProvider(ctx, conn, res, cfg)
	if err != nil {
		return fail(err)
	}
	otel.SetMeterProvider(mp)
	c.add("metric provider", mp.Shutdown)

	lp, err := newLoggerProvider(ctx, conn, res, cfg.Headers)
	if err != nil {
		return fail(err)
	}
	global.SetLoggerProvider(lp)
	c.add("log provider", lp.Shutdown)

	return c.run, nil
}

func newResource(cfg Config) (*resource.Resource, error) {
	name := cfg.ServiceName
	if name == "" {
		name = DefaultServiceName
	}
	// NewSchemaless: resource.Default() and our semconv import may disagree
	// on schema URL.
	svc := resource.NewSchemaless(
		semconv.ServiceName(name),
		semconv.ServiceVersion(cfg.Version),
	)
	res, err := resource.Merge(resource.Default(), svc)
	if err != nil {
		return nil, fmt.Errorf("building OTel resource: %w", err)
	}
	return res, nil
}

func newTracerProvider(ctx context.Context, conn *grpc.ClientConn, res *resource.Resource, headers map[string]string) (*sdktrace.TracerProvider, error) {
	exp, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithGRPCConn(conn),
		otlptracegrpc.WithHeaders(headers),
	)
	if err != nil {
		return nil, fmt.Errorf("creating OTLP trace exporter: %w", err)
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	), nil
}

func newMeterProvider(ctx context.Context, conn *grpc.ClientConn, res *resource.Resource, cfg Config) (*sdkmetric.MeterProvider, error) {
	exp, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithGRPCConn(conn),
		otlpmetricgrpc.WithHeaders(cfg.Headers),
	)
	if err != nil {
		return nil, fmt.Errorf("creating OTLP metric exporter: %w", err)
	}
	interval := cfg.MetricInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(interval))),
		sdkmetric.WithResource(res),
	), nil
}

func newLoggerProvider(ctx context.Context, conn *grpc.ClientConn, res *resource.Resource, headers map[string]string) (*sdklog.LoggerProvider, error) {
	exp, err := otlploggrpc.New(ctx,
		otlploggrpc.WithGRPCConn(conn),
		otlploggrpc.WithHeaders(headers),
	)
	if err != nil {
		return nil, fmt.Errorf("creating OTLP log exporter: %w", err)
	}
	return sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(exp)),
		sdklog.WithResource(res),
	), nil
}

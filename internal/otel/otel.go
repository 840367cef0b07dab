// Package otel wires the OpenTelemetry SDK for the control plane: OTLP
// push, stdout debugging and the Prometheus reader behind /metrics.
package otel

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.40.0"

	"github.com/terrpan/ecsrunner/internal/buildinfo"
)

// DefaultExportInterval is the push interval for periodic metric readers.
const DefaultExportInterval = 10 * time.Second

// Config holds OpenTelemetry configuration.
type Config struct {
	// Enabled turns on OTLP push of traces and metrics.
	Enabled bool

	// Endpoint is the OTLP HTTP endpoint (e.g. "localhost:4318").
	// If empty, OTEL_EXPORTER_OTLP_ENDPOINT applies.
	Endpoint string

	// Insecure enables plain HTTP (no TLS) for OTLP export.
	Insecure bool

	// StdOut also prints traces and metrics to stdout.
	StdOut bool

	// Prometheus registers a reader with the default Prometheus registry.
	Prometheus bool

	// ExportInterval overrides DefaultExportInterval.
	ExportInterval time.Duration

	// Attributes are added to the resource, e.g. the configured
	// scheduler and store backends.
	Attributes map[string]string
}

// Active reports whether any provider will be installed.
func (c Config) Active() bool {
	return c.Enabled || c.Prometheus || c.StdOut
}

func (c Config) interval() time.Duration {
	if c.ExportInterval > 0 {
		return c.ExportInterval
	}
	return DefaultExportInterval
}

// SetupOTelSDK installs global tracer and meter providers for serviceName
// and returns a shutdown function that flushes them.
//
// Tracing is installed when OTLP push or stdout is on.  Metrics are
// installed when any exporter is on.  With nothing enabled the global
// no-op providers stay in place.
func SetupOTelSDK(ctx context.Context, serviceName string, cfg Config) (func(context.Context) error, error) {
	var closers []func(context.Context) error
	shutdown := func(ctx context.Context) error {
		var err error
		for i := len(closers) - 1; i >= 0; i-- {
			err = errors.Join(err, closers[i](ctx))
		}
		closers = nil
		return err
	}

	if !cfg.Active() {
		return shutdown, nil
	}

	res, err := newResource(serviceName, cfg.Attributes)
	if err != nil {
		return shutdown, fmt.Errorf("building resource: %w", err)
	}

	if cfg.Enabled || cfg.StdOut {
		tp, err := newTracerProvider(ctx, res, cfg)
		if err != nil {
			return shutdown, errors.Join(fmt.Errorf("tracer provider: %w", err), shutdown(ctx))
		}
		closers = append(closers, tp.Shutdown)
		otel.SetTracerProvider(tp)
	}

	mp, err := newMeterProvider(ctx, res, cfg)
	if err != nil {
		return shutdown, errors.Join(fmt.Errorf("meter provider: %w", err), shutdown(ctx))
	}
	closers = append(closers, mp.Shutdown)
	otel.SetMeterProvider(mp)

	return shutdown, nil
}

func newResource(serviceName string, attrs map[string]string) (*resource.Resource, error) {
	kvs := []attribute.KeyValue{
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(buildinfo.Version),
	}
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if attrs[k] != "" {
			kvs = append(kvs, attribute.String(k, attrs[k]))
		}
	}
	return resource.Merge(resource.Default(), resource.NewWithAttributes(semconv.SchemaURL, kvs...))
}

func newTracerProvider(ctx context.Context, res *resource.Resource, cfg Config) (*trace.TracerProvider, error) {
	opts := []trace.TracerProviderOption{trace.WithResource(res)}

	if cfg.Enabled {
		var httpOpts []otlptracehttp.Option
		if cfg.Endpoint != "" {
			httpOpts = append(httpOpts, otlptracehttp.WithEndpoint(cfg.Endpoint))
		}
		if cfg.Insecure {
			httpOpts = append(httpOpts, otlptracehttp.WithInsecure())
		}
		exp, err := otlptracehttp.New(ctx, httpOpts...)
		if err != nil {
			return nil, fmt.Errorf("otlp trace exporter: %w", err)
		}
		opts = append(opts, trace.WithBatcher(exp, trace.WithBatchTimeout(time.Second)))
	}

	if cfg.StdOut {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("stdout trace exporter: %w", err)
		}
		opts = append(opts, trace.WithBatcher(exp, trace.WithBatchTimeout(time.Second)))
	}

	return trace.NewTracerProvider(opts...), nil
}

func newMeterProvider(ctx context.Context, res *resource.Resource, cfg Config) (*metric.MeterProvider, error) {
	opts := []metric.Option{metric.WithResource(res)}
	every := metric.WithInterval(cfg.interval())

	if cfg.Enabled {
		var httpOpts []otlpmetrichttp.Option
		if cfg.Endpoint != "" {
			httpOpts = append(httpOpts, otlpmetrichttp.WithEndpoint(cfg.Endpoint))
		}
		if cfg.Insecure {
			httpOpts = append(httpOpts, otlpmetrichttp.WithInsecure())
		}
		exp, err := otlpmetrichttp.New(ctx, httpOpts...)
		if err != nil {
			return nil, fmt.Errorf("otlp metric exporter: %w", err)
		}
		opts = append(opts, metric.WithReader(metric.NewPeriodicReader(exp, every)))
	}

	if cfg.StdOut {
		exp, err := stdoutmetric.New()
		if err != nil {
			return nil, fmt.Errorf("stdout metric exporter: %w", err)
		}
		opts = append(opts, metric.WithReader(metric.NewPeriodicReader(exp, every)))
	}

	if cfg.Prometheus {
		// Registers with prometheus.DefaultRegisterer; promhttp serves it.
		reader, err := promexporter.New()
		if err != nil {
			return nil, fmt.Errorf("prometheus exporter: %w", err)
		}
		opts = append(opts, metric.WithReader(reader))
	}

	return metric.NewMeterProvider(opts...), nil
}

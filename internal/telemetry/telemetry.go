// Package telemetry wires OpenTelemetry spans and metrics for edison.
//
// Export is off unless Settings.Enabled is set (telemetry.enabled in
// config, EDISON_TELEMETRY_ENABLED in the environment). With it on, spans
// and metrics go to stderr when Stdout is set and metrics are pushed over
// OTLP/HTTP when an endpoint is configured. OTEL_EXPORTER_OTLP_ENDPOINT is
// honoured when the config leaves the endpoint empty.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const scope = "github.com/edisonflow/edison"

// Settings selects the exporters.
type Settings struct {
	Enabled      bool
	Stdout       bool
	OTLPEndpoint string
	// ExportInterval is the metric push period; 30s when zero.
	ExportInterval time.Duration
	// Writer receives stdout exports; os.Stderr when nil so command output
	// on stdout stays parseable.
	Writer io.Writer
}

// Provider owns the SDK providers installed by Init.
type Provider struct {
	traces  *sdktrace.TracerProvider
	metrics *sdkmetric.MeterProvider
}

// Init installs global providers for s and returns a Provider to shut down
// before exit. When s is disabled no-op providers are installed and the
// returned Provider does nothing.
func Init(ctx context.Context, s Settings, serviceName, version string) (*Provider, error) {
	resetInstruments()
	if !s.Enabled {
		otel.SetTracerProvider(tracenoop.NewTracerProvider())
		otel.SetMeterProvider(metricnoop.NewMeterProvider())
		return &Provider{}, nil
	}
	if s.Writer == nil {
		s.Writer = os.Stderr
	}
	if s.ExportInterval <= 0 {
		s.ExportInterval = 30 * time.Second
	}
	if s.OTLPEndpoint == "" {
		s.OTLPEndpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			attribute.String("service.name", serviceName),
			attribute.String("service.version", version),
		),
		resource.WithHost(),
		resource.WithProcess(),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: resource: %w", err)
	}

	p := &Provider{}
	topts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if s.Stdout {
		exp, err := stdouttrace.New(stdouttrace.WithWriter(s.Writer))
		if err != nil {
			return nil, fmt.Errorf("telemetry: trace exporter: %w", err)
		}
		topts = append(topts, sdktrace.WithSyncer(exp))
	}
	p.traces = sdktrace.NewTracerProvider(topts...)

	mopts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	if s.Stdout {
		exp, err := stdoutmetric.New(stdoutmetric.WithWriter(s.Writer))
		if err != nil {
			return nil, fmt.Errorf("telemetry: metric exporter: %w", err)
		}
		mopts = append(mopts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(s.ExportInterval))))
	}
	if s.OTLPEndpoint != "" {
		exp, err := otlpmetrichttp.New(ctx,
			otlpmetrichttp.WithEndpoint(s.OTLPEndpoint),
			otlpmetrichttp.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("telemetry: otlp exporter for %s: %w", s.OTLPEndpoint, err)
		}
		mopts = append(mopts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(s.ExportInterval))))
	}
	p.metrics = sdkmetric.NewMeterProvider(mopts...)

	otel.SetTracerProvider(p.traces)
	otel.SetMeterProvider(p.metrics)
	return p, nil
}

// Active reports whether p exports anything.
func (p *Provider) Active() bool {
	return p != nil && (p.traces != nil || p.metrics != nil)
}

// Shutdown flushes pending spans and metrics. Each invocation is short, so
// the periodic readers are flushed here rather than on their interval.
func (p *Provider) Shutdown(ctx context.Context) error {
	if !p.Active() {
		return nil
	}
	var errs []error
	if p.traces != nil {
		errs = append(errs, p.traces.Shutdown(ctx))
	}
	if p.metrics != nil {
		errs = append(errs, p.metrics.Shutdown(ctx))
	}
	p.traces, p.metrics = nil, nil
	return errors.Join(errs...)
}

func tracer() trace.Tracer { return otel.Tracer(scope) }

func meter() metric.Meter { return otel.Meter(scope) }

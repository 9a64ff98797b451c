// Package telemetry wires OpenTelemetry tracing for exambuddy.
//
// Spans are opened around ingestion jobs, vector store calls and chat turns.
// When telemetry is disabled the global no-op provider is left in place, so
// instrumented code never needs to check whether tracing is on.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fyrsmithlabs/exambuddy/internal/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
)

const defaultShutdownTimeout = 5 * time.Second

// Config holds telemetry configuration.
type Config struct {
	Enabled        bool
	Endpoint       string
	Protocol       string
	ServiceName    string
	ServiceVersion string
	Insecure       bool
	SampleRate     float64
}

// FromConfig maps the observability section onto a telemetry Config.
func FromConfig(cfg config.ObservabilityConfig, version string) *Config {
	return &Config{
		Enabled:        cfg.EnableTelemetry,
		Endpoint:       cfg.Endpoint,
		Protocol:       cfg.Protocol,
		ServiceName:    cfg.ServiceName,
		ServiceVersion: version,
		Insecure:       cfg.Insecure,
		SampleRate:     cfg.SampleRate,
	}
}

// Validate checks config for errors.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if strings.TrimSpace(c.ServiceName) == "" {
		return errors.New("service name required when telemetry is enabled")
	}
	if c.Endpoint == "" {
		return errors.New("endpoint required when telemetry is enabled")
	}
	switch c.Protocol {
	case "", "grpc", "http/protobuf":
	default:
		return fmt.Errorf("unsupported protocol %q (want grpc or http/protobuf)", c.Protocol)
	}
	if c.SampleRate < 0 || c.SampleRate > 1 {
		return fmt.Errorf("sample rate must be within [0,1], got %v", c.SampleRate)
	}
	return nil
}

// Telemetry owns the tracer provider and its shutdown.
type Telemetry struct {
	config         *Config
	tracerProvider *trace.TracerProvider
	degraded       atomic.Bool
}

// New creates a Telemetry instance and installs it as the global provider.
//
// Exporter construction failures do not fail startup: the instance reports
// itself degraded and the global no-op tracer stays in effect.
func New(ctx context.Context, cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid telemetry config: %w", err)
	}

	t := &Telemetry{config: cfg}
	if !cfg.Enabled {
		return t, nil
	}

	tp, err := newTracerProvider(ctx, cfg)
	if err != nil {
		t.degraded.Store(true)
		return t, nil
	}
	t.tracerProvider = tp
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return t, nil
}

// Tracer returns a tracer for the given instrumentation scope.
func (t *Telemetry) Tracer(name string, opts ...oteltrace.TracerOption) oteltrace.Tracer {
	if t == nil || t.tracerProvider == nil {
		return otel.GetTracerProvider().Tracer(name, opts...)
	}
	return t.tracerProvider.Tracer(name, opts...)
}

// Degraded reports whether telemetry was requested but could not start.
func (t *Telemetry) Degraded() bool {
	return t != nil && t.degraded.Load()
}

// Shutdown flushes and stops the tracer provider.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil || t.tracerProvider == nil {
		return nil
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultShutdownTimeout)
		defer cancel()
	}
	if err := t.tracerProvider.Shutdown(ctx); err != nil {
		return fmt.Errorf("trace provider shutdown: %w", err)
	}
	return nil
}

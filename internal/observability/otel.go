// Package observability sets up OpenTelemetry tracing.
package observability

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/abhisek/packplan/internal/logger"
)

// Config selects the trace exporter.
type Config struct {
	// Exporter is "none" or "stdout".
	Exporter    string  `mapstructure:"exporter" toml:"exporter"`
	SampleRatio float64 `mapstructure:"sample_ratio" toml:"sample_ratio"`
	ServiceName string  `mapstructure:"service_name" toml:"service_name"`
}

// Shutdown flushes and stops the tracer provider.
type Shutdown func(context.Context) error

func noopShutdown(context.Context) error { return nil }

// Init installs the global tracer provider. With exporter "none" the
// global no-op provider is left in place. Spans go to w for "stdout"
// (stderr when w is nil).
func Init(ctx context.Context, cfg Config, version string, w io.Writer, log *logger.Logger) (Shutdown, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Exporter)) {
	case "", "none":
		return noopShutdown, nil
	case "stdout":
	default:
		return nil, fmt.Errorf("unknown trace exporter %q", cfg.Exporter)
	}

	if w == nil {
		w = os.Stderr
	}
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return nil, fmt.Errorf("stdout trace exporter: %w", err)
	}

	name := cfg.ServiceName
	if name == "" {
		name = "packplan"
	}
	res, err := resource.New(ctx, resource.WithAttributes(
		attribute.String("service.name", name),
		attribute.String("service.version", version),
	))
	if err != nil && log != nil {
		log.Warn("otel resource init failed (continuing)", "error", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(5*time.Second)),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(clampRatio(cfg.SampleRatio)))),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	if log != nil {
		log.Info("otel tracing initialized", "service", name, "exporter", "stdout")
	}
	return tp.Shutdown, nil
}

// clampRatio treats an unset ratio as sample-everything.
func clampRatio(r float64) float64 {
	if r <= 0 || r > 1 {
		return 1
	}
	return r
}

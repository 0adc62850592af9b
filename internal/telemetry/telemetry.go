// Package telemetry sets up the rotating JSON log and the OpenTelemetry
// tracer and meter. Nothing here writes to stdout; the terminal belongs to
// the chat.
package telemetry

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

const (
	ServiceName    = "codechat"
	ServiceVersion = "0.3.0"

	LogFile     = "codechat.log"
	TracesFile  = "codechat_traces.log"
	MetricsFile = "codechat_metrics.log"
)

func rotating(dir, name string) *lumberjack.Logger {
	return &lumberjack.Logger{
		Filename:   filepath.Join(dir, name),
		MaxSize:    10, // MB
		MaxBackups: 3,
		MaxAge:     28,
		Compress:   true,
	}
}

// InitLogger installs a JSON logger writing to <logDir>/codechat.log as the
// slog default. The returned closer flushes the file.
func InitLogger(logDir string, debug bool) (*slog.Logger, io.Closer, error) {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, nil, errors.Wrap(err, "failed to create logs directory")
	}

	out := rotating(logDir, LogFile)

	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	return logger, out, nil
}

// Providers holds the tracer and meter handed to the backend decorator.
type Providers struct {
	Tracer trace.Tracer
	Meter  metric.Meter

	shutdown func(context.Context) error
}

// Shutdown flushes pending spans and metrics.
func (p *Providers) Shutdown(ctx context.Context) error {
	if p.shutdown == nil {
		return nil
	}
	return p.shutdown(ctx)
}

// Noop returns providers that record nothing.
func Noop() *Providers {
	return &Providers{
		Tracer: tracenoop.NewTracerProvider().Tracer(ServiceName),
		Meter:  metricnoop.NewMeterProvider().Meter(ServiceName),
	}
}

// InitTelemetry exports traces and metrics as pretty-printed JSON into
// rotating files under logDir. Metrics are flushed every 10 seconds. With
// enabled false it returns Noop.
func InitTelemetry(ctx context.Context, logDir string, enabled bool) (*Providers, error) {
	if !enabled {
		return Noop(), nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(ServiceName),
			semconv.ServiceVersion(ServiceVersion),
		),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create resource")
	}

	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "failed to create logs directory")
	}

	traceFile := rotating(logDir, TracesFile)
	traceExporter, err := stdouttrace.New(
		stdouttrace.WithWriter(traceFile),
		stdouttrace.WithPrettyPrint(),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create trace exporter")
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	metricsFile := rotating(logDir, MetricsFile)
	metricExporter, err := stdoutmetric.New(
		stdoutmetric.WithWriter(metricsFile),
		stdoutmetric.WithPrettyPrint(),
	)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, errors.Wrap(err, "failed to create metric exporter")
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(metricExporter, sdkmetric.WithInterval(10*time.Second)),
		),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	shutdown := func(ctx context.Context) error {
		var first error
		keep := func(err error, what string) {
			if err != nil {
				slog.Error("telemetry shutdown failed", "component", what, "error", err)
				if first == nil {
					first = errors.Wrapf(err, "failed to shut down %s", what)
				}
			}
		}
		keep(tp.Shutdown(ctx), "tracer provider")
		keep(mp.Shutdown(ctx), "meter provider")
		keep(traceFile.Close(), "trace file")
		keep(metricsFile.Close(), "metrics file")
		return first
	}

	return &Providers{
		Tracer:   tp.Tracer(ServiceName),
		Meter:    mp.Meter(ServiceName),
		shutdown: shutdown,
	}, nil
}

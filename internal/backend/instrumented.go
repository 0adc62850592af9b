package backend

import (
	"context"
	"log/slog"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Instrumented wraps a backend with a span, a duration histogram and a
// failure counter per call.
type Instrumented struct {
	next     Backend
	name     string
	tracer   trace.Tracer
	duration metric.Float64Histogram
	failures metric.Int64Counter
	logger   *slog.Logger
}

// NewInstrumented creates the decorator. name labels every span and metric.
func NewInstrumented(next Backend, name string, tracer trace.Tracer, meter metric.Meter, logger *slog.Logger) (*Instrumented, error) {
	if logger == nil {
		logger = slog.Default()
	}
	duration, err := meter.Float64Histogram(
		"llm.request.duration",
		metric.WithDescription("Backend chat request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create duration histogram")
	}
	failures, err := meter.Int64Counter(
		"llm.request.failures",
		metric.WithDescription("Failed backend chat requests"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create failure counter")
	}
	return &Instrumented{
		next:     next,
		name:     name,
		tracer:   tracer,
		duration: duration,
		failures: failures,
		logger:   logger,
	}, nil
}

func (i *Instrumented) Chat(ctx context.Context, req Request) (string, error) {
	ctx, span := i.tracer.Start(ctx, "backend.chat", trace.WithAttributes(
		attribute.String("backend.name", i.name),
		attribute.String("llm.model", req.Model),
		attribute.Int("llm.message_count", len(req.Messages)),
	))
	defer span.End()

	start := time.Now()
	reply, err := i.next.Chat(ctx, req)
	elapsed := time.Since(start)

	attrs := metric.WithAttributes(
		attribute.String("backend.name", i.name),
		attribute.String("llm.model", req.Model),
	)
	i.duration.Record(ctx, float64(elapsed.Milliseconds()), attrs)

	if err != nil {
		kind := FailureKind(err)
		i.failures.Add(ctx, 1, metric.WithAttributes(
			attribute.String("backend.name", i.name),
			attribute.String("failure.kind", kind),
		))
		span.RecordError(err)
		span.SetStatus(codes.Error, kind)
		i.logger.Warn("backend call failed",
			"backend", i.name,
			"model", req.Model,
			"kind", kind,
			"duration_ms", elapsed.Milliseconds(),
			"error", err,
		)
		return "", err
	}

	span.SetAttributes(attribute.Int("llm.reply_length", len(reply)))
	i.logger.Info("backend call completed",
		"backend", i.name,
		"model", req.Model,
		"duration_ms", elapsed.Milliseconds(),
	)
	return reply, nil
}

func (i *Instrumented) ListModels(ctx context.Context) ([]Model, error) {
	return ListModels(ctx, i.next)
}

var _ ModelLister = (*Instrumented)(nil)

package kafka

import (
	"context"
	"errors"
	"log/slog"

	"github.com/lsm/ingest/internal/dlq"
	"github.com/lsm/ingest/internal/tracing"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// FailureSink adapts a dlq.Handler to the router's failure output.
type FailureSink struct {
	handler *dlq.Handler
	logger  *slog.Logger
	tracer  trace.Tracer
}

// NewFailureSink creates the failure output.
func NewFailureSink(h *dlq.Handler, logger *slog.Logger) (*FailureSink, error) {
	if h == nil {
		return nil, errors.New("failure handler is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FailureSink{
		handler: h,
		logger:  logger,
		tracer:  noop.NewTracerProvider().Tracer("kafka-failure-sink"),
	}, nil
}

// SetTracer sets the tracer for the sink.
func (s *FailureSink) SetTracer(tracer trace.Tracer) {
	s.tracer = tracer
}

// EmitFailure publishes el to the failure topic.
func (s *FailureSink) EmitFailure(ctx context.Context, el dlq.FailureElement) error {
	ctx, span := tracing.StartSpan(ctx, s.tracer, tracing.SpanKafkaPublish,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			tracing.KafkaTopicAttr(s.handler.Topic(el.JobName)),
			tracing.FailureStageAttr(el.Stage),
			tracing.CorrelationAttr(el.CorrelationID),
		),
	)
	defer span.End()

	if err := s.handler.Send(ctx, el); err != nil {
		tracing.SetSpanError(span, err)
		s.logger.Error("failure delivery failed",
			"correlation_id", el.CorrelationID,
			"stage", el.Stage,
			"partition", el.Partition,
			"offset", el.Offset,
			"error", err,
		)
		return err
	}
	tracing.SetSpanOK(span)
	return nil
}

// Close closes the underlying handler and its publisher.
func (s *FailureSink) Close() error {
	return s.handler.Close()
}

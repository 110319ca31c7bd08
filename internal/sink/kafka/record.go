// Package kafka delivers routed outcomes to Kafka topics: decoded records as
// CloudEvents, failure elements through the failure handler.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/cloudevents/sdk-go/v2/event"
	"github.com/lsm/ingest/internal/correlation"
	"github.com/lsm/ingest/internal/decode"
	"github.com/lsm/ingest/internal/dlq"
	"github.com/lsm/ingest/internal/source"
	"github.com/lsm/ingest/internal/tracing"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// ContentType is set on every record published by RecordSink.
const ContentType = "application/cloudevents+json"

// DefaultEventType is the CloudEvents type of a decoded record.
const DefaultEventType = "ingest.record.v1"

// publisher abstracts the kafka publisher for testing.
type publisher interface {
	Publish(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
	Close() error
}

// RecordConfig holds success output configuration.
type RecordConfig struct {
	JobName   string
	Topic     string
	EventType string
}

// RecordSink publishes decoded records to the success topic.
type RecordSink struct {
	publisher publisher
	topic     string
	source    string
	eventType string
	logger    *slog.Logger
	tracer    trace.Tracer
}

// NewRecordSink creates the success output. pub is shared and not owned.
func NewRecordSink(pub publisher, cfg RecordConfig, logger *slog.Logger) (*RecordSink, error) {
	if pub == nil {
		return nil, errors.New("publisher is required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("topic is required")
	}
	if cfg.JobName == "" {
		return nil, errors.New("job name is required")
	}
	if cfg.EventType == "" {
		cfg.EventType = DefaultEventType
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RecordSink{
		publisher: pub,
		topic:     cfg.Topic,
		source:    "ingest-job/" + cfg.JobName,
		eventType: cfg.EventType,
		logger:    logger,
		tracer:    noop.NewTracerProvider().Tracer("kafka-record-sink"),
	}, nil
}

// SetTracer sets the tracer for the sink.
func (s *RecordSink) SetTracer(tracer trace.Tracer) {
	s.tracer = tracer
}

// Topic returns the success topic.
func (s *RecordSink) Topic() string {
	return s.topic
}

// EmitSuccess publishes rec. The output record is keyed by its source
// partition so that records read from one source partition land on one output
// partition, in order. A source key travels in the original key header.
func (s *RecordSink) EmitSuccess(ctx context.Context, rec *decode.StructuredRecord, origin source.RawRecord) error {
	ctx, span := tracing.StartSpan(ctx, s.tracer, tracing.SpanKafkaPublish,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			tracing.KafkaTopicAttr(s.topic),
			tracing.DatasetAttr(rec.DatasetName),
			tracing.CorrelationAttr(origin.CorrelationID),
		),
	)
	defer span.End()

	value, err := s.envelope(rec, origin)
	if err != nil {
		tracing.SetSpanError(span, err)
		return err
	}

	headers := map[string]string{"content-type": ContentType}
	if origin.CorrelationID != "" {
		headers = correlation.AddToHeaders(headers, correlation.ID{Value: origin.CorrelationID})
	}
	if len(origin.Key) > 0 {
		headers[dlq.HeaderOriginalKey] = string(origin.Key)
	}
	headers = correlation.InjectTraceContext(ctx, headers)

	if err := s.publisher.Publish(ctx, s.topic, origin.PartitionKey(), value, headers); err != nil {
		tracing.SetSpanError(span, err)
		s.logger.Error("record delivery failed",
			"correlation_id", origin.CorrelationID,
			"target", s.topic,
			"partition", origin.Partition,
			"offset", origin.Offset,
			"error", err,
		)
		return err
	}
	tracing.SetSpanOK(span)
	return nil
}

// Close is a no-op; the shared publisher is closed by its owner.
func (s *RecordSink) Close() error { return nil }

// recordData is the CloudEvents data of a decoded record.
type recordData struct {
	Dataset        string         `json:"dataset"`
	DatasetVersion int            `json:"datasetVersion"`
	EventTime      *time.Time     `json:"eventTime,omitempty"`
	Fields         map[string]any `json:"fields"`
}

func (s *RecordSink) envelope(rec *decode.StructuredRecord, origin source.RawRecord) ([]byte, error) {
	e := event.New()
	// Redelivered records keep their id so consumers can drop duplicates.
	e.SetID(origin.Position())
	e.SetSource(s.source)
	e.SetType(s.eventType)
	e.SetSubject(rec.DatasetName)

	data := recordData{
		Dataset:        rec.DatasetName,
		DatasetVersion: rec.DatasetVersion,
		Fields:         make(map[string]any, len(rec.Fields)),
	}
	switch {
	case !rec.EventTime.IsZero():
		t := rec.EventTime.UTC()
		data.EventTime = &t
		e.SetTime(t)
	case !origin.SourceTimestamp.IsZero():
		e.SetTime(origin.SourceTimestamp.UTC())
	}
	for name, v := range rec.Fields {
		data.Fields[name] = jsonValue(v)
	}
	if origin.CorrelationID != "" {
		e.SetExtension("correlationid", origin.CorrelationID)
	}

	if err := e.SetData(event.ApplicationJSON, data); err != nil {
		return nil, fmt.Errorf("cloudevent data: %w", err)
	}
	if err := e.Validate(); err != nil {
		return nil, fmt.Errorf("cloudevent: %w", err)
	}
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("cloudevent marshal: %w", err)
	}
	return b, nil
}

// jsonValue maps decoded values onto something encoding/json accepts.
// Non-finite floats become their string form.
func jsonValue(v any) any {
	switch x := v.(type) {
	case float64:
		return finite(x)
	case float32:
		return finite(float64(x))
	case []float64:
		out := make([]any, len(x))
		for i, f := range x {
			out[i] = finite(f)
		}
		return out
	case []float32:
		out := make([]any, len(x))
		for i, f := range x {
			out[i] = finite(float64(f))
		}
		return out
	case time.Time:
		return x.UTC()
	default:
		return v
	}
}

func finite(f float64) any {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return strconv.FormatFloat(f, 'g', -1, 64)
	}
	return f
}

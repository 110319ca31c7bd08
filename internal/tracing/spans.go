package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys.
const (
	AttrJobName        = "ingest.job.name"
	AttrDataset        = "ingest.dataset"
	AttrCorrelationID  = "ingest.correlation_id"
	AttrBatchSize      = "ingest.batch.size"
	AttrChannel        = "ingest.channel"
	AttrFailureStage   = "ingest.failure.stage"
	AttrKafkaTopic     = "messaging.kafka.topic"
	AttrKafkaPartition = "messaging.kafka.partition"
	AttrKafkaOffset    = "messaging.kafka.offset"
)

// Span names.
const (
	SpanBatch        = "ingest.batch"
	SpanPartition    = "ingest.partition"
	SpanKafkaConsume = "kafka.consume"
	SpanKafkaPublish = "kafka.publish"
	SpanKafkaCommit  = "kafka.commit"
)

// StartSpan starts a new span with the given name and options.
// If tracer is nil, returns the span already in ctx.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return tracer.Start(ctx, name, opts...)
}

// SetSpanError records an error on the span and sets the status to Error.
func SetSpanError(span trace.Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetSpanOK sets the span status to Ok.
func SetSpanOK(span trace.Span) {
	if span == nil {
		return
	}
	span.SetStatus(codes.Ok, "")
}

func JobAttr(name string) attribute.KeyValue {
	return attribute.String(AttrJobName, name)
}

func DatasetAttr(name string) attribute.KeyValue {
	return attribute.String(AttrDataset, name)
}

func CorrelationAttr(id string) attribute.KeyValue {
	return attribute.String(AttrCorrelationID, id)
}

func BatchSizeAttr(n int) attribute.KeyValue {
	return attribute.Int(AttrBatchSize, n)
}

// ChannelAttr names the output a record was routed to.
func ChannelAttr(channel string) attribute.KeyValue {
	return attribute.String(AttrChannel, channel)
}

func FailureStageAttr(stage string) attribute.KeyValue {
	return attribute.String(AttrFailureStage, stage)
}

func KafkaTopicAttr(topic string) attribute.KeyValue {
	return attribute.String(AttrKafkaTopic, topic)
}

func KafkaPartitionAttr(partition int32) attribute.KeyValue {
	return attribute.Int64(AttrKafkaPartition, int64(partition))
}

func KafkaOffsetAttr(offset int64) attribute.KeyValue {
	return attribute.Int64(AttrKafkaOffset, offset)
}

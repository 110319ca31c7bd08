package dlq

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/lsm/ingest/internal/decode"
	"github.com/lsm/ingest/internal/source"
)

// Header keys set on every failure record.
const (
	HeaderStage         = "ingest-failure-stage"
	HeaderErrorMessage  = "ingest-error-message"
	HeaderErrorDetail   = "ingest-error-detail"
	HeaderJobName       = "ingest-job-name"
	HeaderFailedAt      = "ingest-failed-at"
	HeaderOriginalTopic = "ingest-original-topic"
	HeaderPartition     = "ingest-original-partition"
	HeaderOffset        = "ingest-original-offset"
	HeaderCorrelationID = "ingest-correlation-id"
	HeaderOriginalKey   = "ingest-original-key"
)

// Publisher is the interface for publishing messages to a broker.
type Publisher interface {
	Publish(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
	Close() error
}

// FailureElement is the diagnostic record emitted for a payload that could
// not be decoded. OriginalPayload is the exact bytes that were read so the
// record can be replayed against a corrected schema.
type FailureElement struct {
	OriginalPayload []byte
	ErrorMessage    string
	ErrorDetail     string
	JobName         string
	Stage           string
	Timestamp       time.Time

	Key           []byte
	Topic         string
	Partition     int32
	Offset        int64
	CorrelationID string
}

// Builder constructs FailureElements for one job.
type Builder struct {
	jobName string
	clock   func() time.Time
}

// BuilderOption configures a Builder.
type BuilderOption func(*Builder)

// WithClock overrides the time source (for testing).
func WithClock(clock func() time.Time) BuilderOption {
	return func(b *Builder) { b.clock = clock }
}

// NewBuilder creates a Builder stamping elements with jobName.
func NewBuilder(jobName string, opts ...BuilderOption) *Builder {
	b := &Builder{jobName: jobName, clock: time.Now}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build creates the failure element for rec. It performs no I/O.
func (b *Builder) Build(rec source.RawRecord, f *decode.Failure) FailureElement {
	return FailureElement{
		OriginalPayload: slices.Clone(rec.Payload),
		ErrorMessage:    f.Message,
		ErrorDetail:     f.Detail,
		JobName:         b.jobName,
		Stage:           f.Stage,
		Timestamp:       b.clock().UTC(),
		Key:             slices.Clone(rec.Key),
		Topic:           rec.Topic,
		Partition:       rec.Partition,
		Offset:          rec.Offset,
		CorrelationID:   rec.CorrelationID,
	}
}

// Handler publishes failure elements to a failure topic.
type Handler struct {
	publisher Publisher
	topicFn   func(jobName string) string
}

// Option configures a Handler.
type Option func(*Handler)

// WithTopic sends every failure to a fixed topic.
func WithTopic(topic string) Option {
	return func(h *Handler) {
		h.topicFn = func(string) string { return topic }
	}
}

// DefaultTopic returns the failure topic used when none is configured.
func DefaultTopic(jobName string) string {
	return "ingest-failed-" + jobName
}

// NewHandler creates a new failure handler.
func NewHandler(pub Publisher, opts ...Option) *Handler {
	h := &Handler{
		publisher: pub,
		topicFn:   DefaultTopic,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Topic returns the topic failures for jobName are published to.
func (h *Handler) Topic(jobName string) string {
	return h.topicFn(jobName)
}

// Send publishes a failure element. The original payload is the record value,
// untouched; diagnostics and the original key travel as headers. Failures are
// keyed by their source partition so that one partition's failures stay in
// read order on the failure topic.
func (h *Handler) Send(ctx context.Context, el FailureElement) error {
	topic := h.topicFn(el.JobName)

	headers := map[string]string{
		HeaderStage:         el.Stage,
		HeaderErrorMessage:  el.ErrorMessage,
		HeaderErrorDetail:   el.ErrorDetail,
		HeaderJobName:       el.JobName,
		HeaderFailedAt:      el.Timestamp.Format(time.RFC3339Nano),
		HeaderOriginalTopic: el.Topic,
		HeaderPartition:     strconv.FormatInt(int64(el.Partition), 10),
		HeaderOffset:        strconv.FormatInt(el.Offset, 10),
	}
	if el.CorrelationID != "" {
		headers[HeaderCorrelationID] = el.CorrelationID
	}
	if len(el.Key) > 0 {
		headers[HeaderOriginalKey] = string(el.Key)
	}

	key := source.PartitionKey(el.Topic, el.Partition)
	if err := h.publisher.Publish(ctx, topic, key, el.OriginalPayload, headers); err != nil {
		return fmt.Errorf("failure publish to %s: %w", topic, err)
	}
	return nil
}

// Close releases resources held by the handler.
func (h *Handler) Close() error {
	return h.publisher.Close()
}

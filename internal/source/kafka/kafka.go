// Package kafka reads batches of raw records from a Kafka topic for one
// ingestion job.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lsm/ingest/internal/correlation"
	"github.com/lsm/ingest/internal/kafka"
	"github.com/lsm/ingest/internal/source"
	"github.com/lsm/ingest/internal/tracing"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/time/rate"
)

const (
	defaultCommitTimeout = 10 * time.Second
	defaultDrainTimeout  = 30 * time.Second
)

// Config holds Kafka source configuration.
type Config struct {
	Descriptor  source.Descriptor // validated; brokers and topic come from here
	Security    kafka.Security
	JobName     string
	StartOffset string  // "earliest" or "latest" (default: "latest")
	RateLimit   float64 // records per second, 0 disables
	RateBurst   int     // defaults to one second of RateLimit

	// DrainTimeout bounds how long a fetched batch may still be handled
	// once ctx is cancelled. Defaults to 30s.
	DrainTimeout time.Duration
}

// ConsumerGroupID returns the consumer group a job reads under. The same job
// name always resumes from the same committed offsets.
func ConsumerGroupID(jobName string) string {
	return "ingest_job_" + jobName
}

// consumer abstracts the kafka client methods used by Source for testing.
type consumer interface {
	PollFetches(ctx context.Context) kgo.Fetches
	MarkCommitRecords(rs ...*kgo.Record)
	CommitMarkedOffsets(ctx context.Context) error
	Close()
}

// CommitFunc observes the outcome of each batch commit.
type CommitFunc func(records int, err error)

// Source consumes raw records from a Kafka topic in batches.
type Source struct {
	client        consumer
	topic         string
	group         string
	logger        *slog.Logger
	tracer        trace.Tracer
	limiter       *rate.Limiter
	onCommit      CommitFunc
	commitTimeout time.Duration
	drainTimeout  time.Duration
}

// NewSource creates a new Kafka source.
func NewSource(cfg Config, logger *slog.Logger) (*Source, error) {
	opts, err := ClientOptions(cfg)
	if err != nil {
		return nil, err
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}

	return newSource(client, cfg, logger), nil
}

// ClientOptions returns the franz-go options for a job's consumer.
func ClientOptions(cfg Config) ([]kgo.Opt, error) {
	if !cfg.Descriptor.Valid() {
		return nil, errors.New("validated source descriptor is required")
	}
	if cfg.Descriptor.Kind() != source.KindKafka {
		return nil, fmt.Errorf("%w: %s", source.ErrUnsupportedKind, cfg.Descriptor.Kind())
	}
	if cfg.JobName == "" {
		return nil, errors.New("job name is required")
	}
	if cfg.RateLimit < 0 {
		return nil, errors.New("rate limit must not be negative")
	}
	if cfg.DrainTimeout < 0 {
		return nil, errors.New("drain timeout must not be negative")
	}

	offset := kgo.NewOffset().AtEnd()
	switch cfg.StartOffset {
	case "", "latest":
	case "earliest":
		offset = kgo.NewOffset().AtStart()
	default:
		return nil, fmt.Errorf("start offset %q is not valid (must be earliest or latest)", cfg.StartOffset)
	}

	opts, err := kafka.ClientOptions(cfg.Descriptor, cfg.Security)
	if err != nil {
		return nil, fmt.Errorf("cluster options: %w", err)
	}

	return append(opts,
		kgo.ConsumerGroup(ConsumerGroupID(cfg.JobName)),
		kgo.ConsumeTopics(cfg.Descriptor.StreamID()),
		kgo.ConsumeResetOffset(offset),
		kgo.FetchIsolationLevel(kgo.ReadCommitted()),
		kgo.DisableAutoCommit(),
	), nil
}

func newSource(client consumer, cfg Config, logger *slog.Logger) *Source {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Source{
		client:        client,
		topic:         cfg.Descriptor.StreamID(),
		group:         ConsumerGroupID(cfg.JobName),
		logger:        logger,
		tracer:        noop.NewTracerProvider().Tracer("kafka-source"),
		commitTimeout: defaultCommitTimeout,
		drainTimeout:  defaultDrainTimeout,
	}
	if cfg.DrainTimeout > 0 {
		s.drainTimeout = cfg.DrainTimeout
	}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = max(1, int(cfg.RateLimit))
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return s
}

// SetTracer sets the tracer for the source.
func (s *Source) SetTracer(tracer trace.Tracer) {
	s.tracer = tracer
}

// OnCommit registers fn to observe every commit attempt.
func (s *Source) OnCommit(fn CommitFunc) {
	s.onCommit = fn
}

// Group returns the consumer group the source reads under.
func (s *Source) Group() string {
	return s.group
}

// Start polls batches and hands each to handler. A batch's offsets are
// committed only after handler returns nil; a handler error stops the source
// with nothing committed so the batch is read again on restart. Blocks until
// ctx is cancelled, the client is closed or the handler fails. Cancelling ctx
// stops polling; a batch already handed to handler runs to completion, bounded
// by the drain timeout, and is committed.
func (s *Source) Start(ctx context.Context, handler source.BatchHandler) error {
	s.logger.Info("starting kafka consumer", "topic", s.topic, "group", s.group)

	for {
		fetches := s.client.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return nil
		}

		for _, err := range fetches.Errors() {
			if errors.Is(err.Err, context.Canceled) || errors.Is(err.Err, context.DeadlineExceeded) {
				continue
			}
			s.logger.Error("fetch error", "topic", err.Topic, "partition", err.Partition, "error", err.Err)
		}

		if records := fetches.Records(); len(records) > 0 {
			if err := s.process(ctx, records, handler); err != nil {
				return err
			}
		}

		// Records from the last fetch are fully handled before exit.
		if ctx.Err() != nil {
			s.logger.Info("kafka source draining complete", "topic", s.topic)
			return ctx.Err()
		}
	}
}

func (s *Source) process(ctx context.Context, records []*kgo.Record, handler source.BatchHandler) error {
	batch := make([]source.RawRecord, len(records))
	for i, r := range records {
		batch[i] = toRawRecord(r)
	}

	// The batch span continues the producer trace of its first record and
	// links the traces of the rest.
	parent := correlation.ExtractTraceContext(ctx, batch[0].Headers)
	spanCtx, span := tracing.StartSpan(parent, s.tracer, tracing.SpanKafkaConsume,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			tracing.KafkaTopicAttr(s.topic),
			tracing.BatchSizeAttr(len(records)),
		),
		trace.WithLinks(producerLinks(batch[1:])...),
	)
	defer span.End()

	if err := s.wait(ctx, len(records)); err != nil {
		// Cancelled while throttled: the batch was never handled, so it is
		// not committed.
		return err
	}

	// Once handed over, a batch runs to the end even if ctx is cancelled.
	handleCtx, cancelHandle := context.WithTimeout(context.WithoutCancel(spanCtx), s.drainTimeout)
	defer cancelHandle()

	if err := handler(handleCtx, batch); err != nil {
		tracing.SetSpanError(span, err)
		first, last := records[0], records[len(records)-1]
		s.logger.Error("batch handler error, batch not committed",
			"topic", s.topic,
			"records", len(records),
			"first_partition", first.Partition, "first_offset", first.Offset,
			"last_partition", last.Partition, "last_offset", last.Offset,
			"error", err,
		)
		return fmt.Errorf("batch handler: %w", err)
	}

	// Commit after successful handling (at-least-once). The commit outlives
	// ctx so a drained batch is still acknowledged during shutdown.
	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.commitTimeout)
	defer cancel()
	s.client.MarkCommitRecords(records...)
	err := s.client.CommitMarkedOffsets(commitCtx)
	if s.onCommit != nil {
		s.onCommit(len(records), err)
	}
	if err != nil {
		tracing.SetSpanError(span, err)
		s.logger.Error("commit error", "topic", s.topic, "records", len(records), "error", err)
		return nil
	}
	tracing.SetSpanOK(span)
	return nil
}

func (s *Source) wait(ctx context.Context, n int) error {
	if s.limiter == nil {
		return nil
	}
	for range n {
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

func toRawRecord(r *kgo.Record) source.RawRecord {
	rec := source.RawRecord{
		Payload:         r.Value,
		Key:             r.Key,
		Headers:         make(map[string]string, len(r.Headers)),
		Topic:           r.Topic,
		Partition:       r.Partition,
		Offset:          r.Offset,
		SourceTimestamp: r.Timestamp,
	}
	for _, h := range r.Headers {
		rec.Headers[h.Key] = string(h.Value)
	}
	rec.CorrelationID = correlation.ExtractOrPosition(rec.Headers, rec.Position()).Value
	return rec
}

// producerLinks returns a link to each distinct remote span found in the
// records' trace headers.
func producerLinks(records []source.RawRecord) []trace.Link {
	var links []trace.Link
	seen := make(map[trace.SpanID]bool)
	for _, r := range records {
		sc := trace.SpanContextFromContext(correlation.ExtractTraceContext(context.Background(), r.Headers))
		if !sc.IsValid() || seen[sc.SpanID()] {
			continue
		}
		seen[sc.SpanID()] = true
		links = append(links, trace.Link{SpanContext: sc})
	}
	return links
}

// Close performs graceful shutdown of the Kafka client.
func (s *Source) Close() error {
	s.client.Close()
	return nil
}

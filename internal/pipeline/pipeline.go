// Package pipeline runs one ingestion job: source batches are decoded and
// routed, partitions in parallel and records within a partition in log order.
package pipeline

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync/atomic"
	"time"

	"github.com/lsm/ingest/internal/decode"
	"github.com/lsm/ingest/internal/observability"
	"github.com/lsm/ingest/internal/route"
	"github.com/lsm/ingest/internal/source"
	"github.com/lsm/ingest/internal/tracing"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"
)

// ErrOutcomeMismatch is returned when a batch did not yield exactly one
// outcome per record.
var ErrOutcomeMismatch = errors.New("routed outcome count differs from batch size")

// Decoder turns a payload into an outcome.
type Decoder interface {
	Decode(payload []byte) decode.Outcome
}

// Config holds job configuration.
type Config struct {
	JobName string
	// MaxPartitions bounds how many partitions of one batch are processed
	// at once. Zero means no bound.
	MaxPartitions int
}

// Job orchestrates the source → decode → route flow.
type Job struct {
	config  Config
	source  source.Source
	decoder Decoder
	router  *route.Router
	closers []io.Closer
	logger  *observability.TraceLogger
	metrics *observability.Metrics
	tracer  trace.Tracer
}

// Option configures a Job.
type Option func(*Job)

func WithLogger(l *slog.Logger) Option {
	return func(j *Job) { j.logger = observability.NewTraceLogger(l) }
}

// WithMetrics records job metrics in m.
func WithMetrics(m *observability.Metrics) Option {
	return func(j *Job) { j.metrics = m }
}

func WithTracer(t trace.Tracer) Option {
	return func(j *Job) { j.tracer = t }
}

// WithClosers registers outputs closed by Shutdown, after the source.
func WithClosers(c ...io.Closer) Option {
	return func(j *Job) { j.closers = append(j.closers, c...) }
}

// New creates a Job.
func New(cfg Config, src source.Source, dec Decoder, router *route.Router, opts ...Option) (*Job, error) {
	var errs []error
	if cfg.JobName == "" {
		errs = append(errs, errors.New("job name is required"))
	}
	if cfg.MaxPartitions < 0 {
		errs = append(errs, errors.New("max partitions must not be negative"))
	}
	if src == nil {
		errs = append(errs, errors.New("source is required"))
	}
	if dec == nil {
		errs = append(errs, errors.New("decoder is required"))
	}
	if router == nil {
		errs = append(errs, errors.New("router is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	j := &Job{
		config:  cfg,
		source:  src,
		decoder: dec,
		router:  router,
		logger:  observability.NewTraceLogger(slog.Default()),
		tracer:  noop.NewTracerProvider().Tracer("pipeline"),
	}
	for _, opt := range opts {
		opt(j)
	}
	j.logger = j.logger.With("job", cfg.JobName)
	return j, nil
}

// Run starts the job. Blocks until ctx is cancelled or a batch fails.
func (j *Job) Run(ctx context.Context) error {
	j.logger.Info(ctx, "starting job")
	return j.source.Start(ctx, j.processBatch)
}

type counts struct {
	success atomic.Int64
	failure atomic.Int64
}

func (j *Job) processBatch(ctx context.Context, records []source.RawRecord) error {
	start := time.Now()
	ctx, span := tracing.StartSpan(ctx, j.tracer, tracing.SpanBatch,
		trace.WithAttributes(
			tracing.JobAttr(j.config.JobName),
			tracing.BatchSizeAttr(len(records)),
		),
	)
	defer span.End()

	var c counts
	g, gctx := errgroup.WithContext(ctx)
	if j.config.MaxPartitions > 0 {
		g.SetLimit(j.config.MaxPartitions)
	}
	for _, part := range byPartition(records) {
		g.Go(func() error {
			return j.processPartition(gctx, part, &c)
		})
	}
	if err := g.Wait(); err != nil {
		tracing.SetSpanError(span, err)
		return err
	}

	if got := c.success.Load() + c.failure.Load(); got != int64(len(records)) {
		if j.metrics != nil {
			j.metrics.BatchInvariantMiss.WithLabelValues(j.config.JobName).Inc()
		}
		err := fmt.Errorf("%w: %d outcomes for %d records", ErrOutcomeMismatch, got, len(records))
		tracing.SetSpanError(span, err)
		return err
	}

	if j.metrics != nil {
		j.metrics.BatchDuration.WithLabelValues(j.config.JobName).Observe(time.Since(start).Seconds())
	}
	j.logger.Debug(ctx, "batch routed",
		"records", len(records),
		"success", c.success.Load(),
		"failure", c.failure.Load(),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	tracing.SetSpanOK(span)
	return nil
}

// processPartition routes one partition's records strictly in order.
func (j *Job) processPartition(ctx context.Context, records []source.RawRecord, c *counts) error {
	partition := records[0].Partition
	ctx, span := tracing.StartSpan(ctx, j.tracer, tracing.SpanPartition,
		trace.WithAttributes(
			tracing.KafkaTopicAttr(records[0].Topic),
			tracing.KafkaPartitionAttr(partition),
			tracing.KafkaOffsetAttr(records[0].Offset),
			tracing.BatchSizeAttr(len(records)),
		),
	)
	defer span.End()

	for _, rec := range records {
		out := j.decoder.Decode(rec.Payload)
		ch, err := j.router.Route(ctx, rec, out)
		if err != nil {
			if j.metrics != nil {
				j.metrics.OutputErrors.WithLabelValues(j.config.JobName, ch.String()).Inc()
			}
			err = fmt.Errorf("partition %d offset %d: %w", rec.Partition, rec.Offset, err)
			tracing.SetSpanError(span, err)
			return err
		}

		span.AddEvent("routed", trace.WithAttributes(
			tracing.KafkaOffsetAttr(rec.Offset),
			tracing.ChannelAttr(ch.String()),
		))
		if ch == route.ChannelSuccess {
			c.success.Add(1)
		} else {
			c.failure.Add(1)
			j.logFailure(ctx, rec, out.Failure)
		}
		if j.metrics != nil {
			j.metrics.RecordsTotal.WithLabelValues(j.config.JobName, ch.String()).Inc()
		}
	}
	tracing.SetSpanOK(span)
	return nil
}

func (j *Job) logFailure(ctx context.Context, rec source.RawRecord, f *decode.Failure) {
	stage, msg := decode.StageInternal, "decoder produced no outcome"
	if f != nil {
		stage, msg = f.Stage, f.Message
	}
	if j.metrics != nil {
		j.metrics.DecodeFailures.WithLabelValues(j.config.JobName, stage).Inc()
	}
	j.logger.Warn(ctx, "record failed to decode",
		"topic", rec.Topic,
		"partition", rec.Partition,
		"offset", rec.Offset,
		"stage", stage,
		"error", msg,
		"correlation_id", rec.CorrelationID,
	)
}

// byPartition splits records by partition, keeping log order within each
// group. Groups are ordered by partition number.
func byPartition(records []source.RawRecord) [][]source.RawRecord {
	idx := make(map[int32]int)
	var groups [][]source.RawRecord
	for _, rec := range records {
		i, ok := idx[rec.Partition]
		if !ok {
			i = len(groups)
			idx[rec.Partition] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], rec)
	}
	slices.SortFunc(groups, func(a, b []source.RawRecord) int {
		return cmp.Compare(a[0].Partition, b[0].Partition)
	})
	return groups
}

// ObserveCommit feeds a source commit result into metrics and logs.
func (j *Job) ObserveCommit(records int, err error) {
	if err == nil {
		return
	}
	if j.metrics != nil {
		j.metrics.CommitErrors.WithLabelValues(j.config.JobName).Inc()
	}
	j.logger.Error(context.Background(), "offset commit failed",
		"records", records,
		"error", err,
	)
}

// Shutdown closes the source, then the outputs. Returns all errors joined.
func (j *Job) Shutdown(ctx context.Context) error {
	j.logger.Info(ctx, "shutting down job")

	var errs []error
	if err := j.source.Close(); err != nil {
		j.logger.Error(ctx, "source close error", "error", err)
		errs = append(errs, fmt.Errorf("source close: %w", err))
	}
	for i, c := range j.closers {
		if err := c.Close(); err != nil {
			j.logger.Error(ctx, "output close error", "output", i, "error", err)
			errs = append(errs, fmt.Errorf("output %d close: %w", i, err))
		}
	}

	j.logger.Info(ctx, "job shutdown complete")
	return errors.Join(errs...)
}

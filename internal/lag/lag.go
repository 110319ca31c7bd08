// Package lag reports how far a job's consumer group is behind the log end.
package lag

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	kafkasource "github.com/lsm/ingest/internal/source/kafka"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/twmb/franz-go/pkg/kadm"
)

// lagClient abstracts the kadm client methods used by Reporter for testing.
type lagClient interface {
	Lag(ctx context.Context, groups ...string) (kadm.DescribedGroupLags, error)
}

// PartitionLag is the lag of one partition.
type PartitionLag struct {
	Topic     string
	Partition int32
	Lag       int64
}

// Reporter periodically publishes consumer lag for one job.
type Reporter struct {
	client   lagClient
	job      string
	group    string
	gauge    *prometheus.GaugeVec
	interval time.Duration
	logger   *slog.Logger
}

// NewReporter creates a lag reporter for job. gauge may be nil when the
// caller only wants Collect; it is labelled job, topic, partition.
func NewReporter(client lagClient, job string, gauge *prometheus.GaugeVec, interval time.Duration, logger *slog.Logger) (*Reporter, error) {
	if client == nil {
		return nil, errors.New("admin client is required")
	}
	if job == "" {
		return nil, errors.New("job name is required")
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reporter{
		client:   client,
		job:      job,
		group:    kafkasource.ConsumerGroupID(job),
		gauge:    gauge,
		interval: interval,
		logger:   logger,
	}, nil
}

// Collect fetches the current lag, sorted by topic then partition, and
// updates the gauge.
func (r *Reporter) Collect(ctx context.Context) ([]PartitionLag, error) {
	lags, err := r.client.Lag(ctx, r.group)
	if err != nil {
		return nil, fmt.Errorf("lag for group %s: %w", r.group, err)
	}
	gl, ok := lags[r.group]
	if !ok {
		return nil, fmt.Errorf("lag for group %s: group not described", r.group)
	}
	if gl.DescribeErr != nil {
		return nil, fmt.Errorf("describe group %s: %w", r.group, gl.DescribeErr)
	}
	if gl.FetchErr != nil {
		return nil, fmt.Errorf("fetch offsets of group %s: %w", r.group, gl.FetchErr)
	}

	var out []PartitionLag
	for _, m := range gl.Lag.Sorted() {
		if m.Err != nil {
			r.logger.Warn("partition lag unavailable", "topic", m.Topic, "partition", m.Partition, "error", m.Err)
			continue
		}
		out = append(out, PartitionLag{Topic: m.Topic, Partition: m.Partition, Lag: m.Lag})
		if r.gauge != nil {
			r.gauge.WithLabelValues(r.job, m.Topic, strconv.FormatInt(int64(m.Partition), 10)).Set(float64(m.Lag))
		}
	}
	return out, nil
}

// Run collects every interval until ctx is cancelled. Errors are logged.
func (r *Reporter) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		if _, err := r.Collect(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("lag collection failed", "group", r.group, "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

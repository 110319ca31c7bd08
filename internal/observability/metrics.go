package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Channel label values for RecordsTotal.
const (
	ChannelSuccess = "success"
	ChannelFailure = "failure"
)

// Metrics holds the Prometheus metrics of an ingestion job.
type Metrics struct {
	RecordsTotal       *prometheus.CounterVec
	DecodeFailures     *prometheus.CounterVec
	BatchDuration      *prometheus.HistogramVec
	CommitErrors       *prometheus.CounterVec
	OutputErrors       *prometheus.CounterVec
	ConsumerLag        *prometheus.GaugeVec
	BatchInvariantMiss *prometheus.CounterVec
}

// NewMetrics creates and registers all ingestion metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		RecordsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_records_total",
			Help: "Records routed, by output channel.",
		}, []string{"job", "channel"}),

		DecodeFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_decode_failures_total",
			Help: "Records that failed to decode, by failure stage.",
		}, []string{"job", "stage"}),

		BatchDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ingest_batch_duration_seconds",
			Help:    "Time to decode and route one fetched batch.",
			Buckets: prometheus.DefBuckets,
		}, []string{"job"}),

		CommitErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_commit_errors_total",
			Help: "Offset commits that failed after a batch was routed.",
		}, []string{"job"}),

		OutputErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_output_errors_total",
			Help: "Deliveries to an output that failed.",
		}, []string{"job", "channel"}),

		ConsumerLag: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ingest_consumer_lag",
			Help: "Consumer group lag per partition.",
		}, []string{"job", "topic", "partition"}),

		BatchInvariantMiss: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_batch_outcome_mismatch_total",
			Help: "Batches whose routed outcome count differed from their size.",
		}, []string{"job"}),
	}
}

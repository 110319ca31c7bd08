package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/lsm/ingest/internal/kafka"
	"github.com/lsm/ingest/internal/retry"
	"github.com/lsm/ingest/internal/source"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
)

// producer abstracts the kafka client methods used by Publisher for testing.
type producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Close()
}

// Publisher publishes messages to Kafka topics. Implements dlq.Publisher.
// Both outputs of a job share one Publisher, so Close is idempotent.
type Publisher struct {
	client    producer
	policy    retry.Policy
	closeOnce sync.Once
}

// PublisherOption configures a Publisher.
type PublisherOption func(*Publisher)

// WithRetry re-attempts publishes that fail with retriable errors.
func WithRetry(p retry.Policy) PublisherOption {
	return func(pub *Publisher) { pub.policy = p }
}

// NewPublisher creates a Kafka publisher for the cluster named by desc.
func NewPublisher(desc source.Descriptor, sec kafka.Security, opts ...PublisherOption) (*Publisher, error) {
	kopts, err := kafka.ClientOptions(desc, sec)
	if err != nil {
		return nil, fmt.Errorf("cluster options: %w", err)
	}

	client, err := kgo.NewClient(kopts...)
	if err != nil {
		return nil, fmt.Errorf("kafka publisher client: %w", err)
	}

	return newPublisher(client, opts...), nil
}

func newPublisher(client producer, opts ...PublisherOption) *Publisher {
	p := &Publisher{client: client, policy: retry.Once()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish sends a message to the specified Kafka topic and waits for the ack.
func (p *Publisher) Publish(ctx context.Context, topic string, key, value []byte, headers map[string]string) error {
	record := &kgo.Record{
		Topic: topic,
		Key:   key,
		Value: value,
	}
	for k, v := range headers {
		record.Headers = append(record.Headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
	}

	err := retry.Do(ctx, p.policy, func(int) error {
		err := p.client.ProduceSync(ctx, record).FirstErr()
		if err != nil && !retriable(err) {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("kafka publish: %w", err)
	}
	return nil
}

// retriable reports whether a produce error may succeed on a later attempt.
// Broker errors say so themselves; client-side errors such as an oversized
// record or a cancelled context do not.
func retriable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, kgo.ErrRecordTimeout) || errors.Is(err, kgo.ErrRecordRetries) {
		return true
	}
	var ke *kerr.Error
	if errors.As(err, &ke) {
		return ke.Retriable
	}
	return false
}

// Close shuts down the publisher.
func (p *Publisher) Close() error {
	p.closeOnce.Do(p.client.Close)
	return nil
}

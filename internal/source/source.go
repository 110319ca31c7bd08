package source

import (
	"context"
	"strconv"
	"time"
)

// RawRecord is one message read from the log. It is created once by the
// source and handed to the decoder unchanged.
type RawRecord struct {
	Payload         []byte
	Key             []byte
	Headers         map[string]string
	Topic           string
	Partition       int32
	Offset          int64
	SourceTimestamp time.Time
	CorrelationID   string
}

// Position identifies the record in its log as topic/partition/offset.
func (r RawRecord) Position() string {
	return r.Topic + "/" + strconv.FormatInt(int64(r.Partition), 10) + "/" + strconv.FormatInt(r.Offset, 10)
}

// PartitionKey returns the output key for records read from r's partition.
// Every record of one source partition shares it, so an output topic keeps
// them on one partition in read order.
func (r RawRecord) PartitionKey() []byte {
	return PartitionKey(r.Topic, r.Partition)
}

// PartitionKey returns the key "topic/partition".
func PartitionKey(topic string, partition int32) []byte {
	return []byte(topic + "/" + strconv.FormatInt(int64(partition), 10))
}

// BatchHandler processes one polled batch. Returning nil acknowledges the
// batch: the source commits its offsets only after the handler returns.
type BatchHandler func(ctx context.Context, records []RawRecord) error

// Source consumes batches of records from an external log.
type Source interface {
	// Start begins consuming. Blocks until ctx is cancelled or a batch
	// handler fails.
	Start(ctx context.Context, handler BatchHandler) error

	// Close performs graceful shutdown.
	Close() error
}

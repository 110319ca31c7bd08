package route

import (
	"context"
	"slices"
	"sync"

	"github.com/lsm/ingest/internal/decode"
	"github.com/lsm/ingest/internal/dlq"
	"github.com/lsm/ingest/internal/source"
)

// Collected is a record captured by a Collector along with where it came from.
type Collected struct {
	Record    *decode.StructuredRecord
	Partition int32
	Offset    int64
}

// Collector is an in-memory output for both channels. It is safe for
// concurrent use and keeps elements in emit order.
type Collector struct {
	mu       sync.Mutex
	records  []Collected
	failures []dlq.FailureElement
}

// NewCollector creates an empty Collector.
func NewCollector() *Collector {
	return &Collector{}
}

func (c *Collector) EmitSuccess(_ context.Context, rec *decode.StructuredRecord, origin source.RawRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, Collected{Record: rec, Partition: origin.Partition, Offset: origin.Offset})
	return nil
}

func (c *Collector) EmitFailure(_ context.Context, el dlq.FailureElement) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures = append(c.failures, el)
	return nil
}

// Records returns a copy of the collected records.
func (c *Collector) Records() []Collected {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.records)
}

// Failures returns a copy of the collected failure elements.
func (c *Collector) Failures() []dlq.FailureElement {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.failures)
}

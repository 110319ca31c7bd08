package kafka

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lsm/ingest/internal/correlation"
	"github.com/lsm/ingest/internal/source"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

// mockConsumer replays fetches in order, then blocks until ctx is done.
type mockConsumer struct {
	mu        sync.Mutex
	fetches   []kgo.Fetches
	marked    []*kgo.Record
	commits   int
	commitErr error
	closed    bool
}

func (m *mockConsumer) PollFetches(ctx context.Context) kgo.Fetches {
	m.mu.Lock()
	if len(m.fetches) > 0 {
		f := m.fetches[0]
		m.fetches = m.fetches[1:]
		m.mu.Unlock()
		return f
	}
	m.mu.Unlock()
	<-ctx.Done()
	return kgo.NewErrFetch(ctx.Err())
}

func (m *mockConsumer) MarkCommitRecords(rs ...*kgo.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.marked = append(m.marked, rs...)
}

func (m *mockConsumer) CommitMarkedOffsets(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commits++
	return m.commitErr
}

func (m *mockConsumer) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
}

func fetchOf(topic string, parts map[int32][]*kgo.Record) kgo.Fetches {
	ft := kgo.FetchTopic{Topic: topic}
	for p, recs := range parts {
		ft.Partitions = append(ft.Partitions, kgo.FetchPartition{Partition: p, Records: recs})
	}
	return kgo.Fetches{{Topics: []kgo.FetchTopic{ft}}}
}

func record(partition int32, offset int64, value string) *kgo.Record {
	return &kgo.Record{
		Topic:     "orders",
		Partition: partition,
		Offset:    offset,
		Value:     []byte(value),
		Timestamp: time.Date(2024, 1, 1, 0, 0, 0, int(offset), time.UTC),
	}
}

func testDescriptor(t *testing.T) source.Descriptor {
	t.Helper()
	d, err := source.NewDescriptor(source.KindKafka, []string{"localhost:9092"}, "orders")
	if err != nil {
		t.Fatalf("descriptor: %v", err)
	}
	return d
}

func testSource(t *testing.T, mc *mockConsumer) *Source {
	t.Helper()
	return newSource(mc, Config{Descriptor: testDescriptor(t), JobName: "orders-job"}, nil)
}

func TestConsumerGroupID(t *testing.T) {
	if got := ConsumerGroupID("foo"); got != "ingest_job_foo" {
		t.Errorf("expected ingest_job_foo, got %s", got)
	}
	if ConsumerGroupID("foo") != ConsumerGroupID("foo") {
		t.Error("group id must be deterministic")
	}
	if ConsumerGroupID("foo") == ConsumerGroupID("bar") {
		t.Error("different jobs must not share a group")
	}
}

func TestClientOptions_Validation(t *testing.T) {
	desc := testDescriptor(t)
	tests := []struct {
		name string
		cfg  Config
	}{
		{"zero descriptor", Config{JobName: "job"}},
		{"missing job name", Config{Descriptor: desc}},
		{"bad start offset", Config{Descriptor: desc, JobName: "job", StartOffset: "middle"}},
		{"negative rate", Config{Descriptor: desc, JobName: "job", RateLimit: -1}},
		{"negative drain timeout", Config{Descriptor: desc, JobName: "job", DrainTimeout: -time.Second}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ClientOptions(tt.cfg); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestNewSource_ValidConfig(t *testing.T) {
	s, err := NewSource(Config{
		Descriptor:  testDescriptor(t),
		JobName:     "orders-job",
		StartOffset: "earliest",
		RateLimit:   100,
	}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer func() { _ = s.Close() }()

	if s.topic != "orders" {
		t.Errorf("expected topic orders, got %s", s.topic)
	}
	if s.Group() != "ingest_job_orders-job" {
		t.Errorf("unexpected group %s", s.Group())
	}
	if s.limiter == nil || s.limiter.Burst() != 100 {
		t.Error("expected limiter with one second of burst")
	}
}

func TestStart_CommitsAfterHandlerSuccess(t *testing.T) {
	mc := &mockConsumer{fetches: []kgo.Fetches{
		fetchOf("orders", map[int32][]*kgo.Record{
			0: {record(0, 10, "a"), record(0, 11, "b")},
		}),
	}}
	s := testSource(t, mc)

	var commits []int
	s.OnCommit(func(n int, err error) {
		if err != nil {
			t.Errorf("unexpected commit error: %v", err)
		}
		commits = append(commits, n)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var got []source.RawRecord
	err := s.Start(ctx, func(_ context.Context, batch []source.RawRecord) error {
		if mc.commits != 0 {
			t.Error("offsets committed before the handler returned")
		}
		got = append(got, batch...)
		cancel()
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	if len(got) != 2 || got[0].Offset != 10 || got[1].Offset != 11 {
		t.Fatalf("unexpected batch %+v", got)
	}
	if mc.commits != 1 || len(mc.marked) != 2 {
		t.Errorf("expected one commit of 2 records, got %d commits of %d", mc.commits, len(mc.marked))
	}
	if len(commits) != 1 || commits[0] != 2 {
		t.Errorf("expected commit hook with 2 records, got %v", commits)
	}
}

func TestStart_CancelMidBatchDrainsAndCommits(t *testing.T) {
	mc := &mockConsumer{fetches: []kgo.Fetches{
		fetchOf("orders", map[int32][]*kgo.Record{
			0: {record(0, 1, "a"), record(0, 2, "b"), record(0, 3, "c")},
		}),
		fetchOf("orders", map[int32][]*kgo.Record{0: {record(0, 4, "d")}}),
	}}
	s := testSource(t, mc)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var delivered []int64
	batches := 0
	err := s.Start(ctx, func(hctx context.Context, batch []source.RawRecord) error {
		batches++
		for i, rec := range batch {
			if err := hctx.Err(); err != nil {
				return err
			}
			delivered = append(delivered, rec.Offset)
			if i == 0 {
				cancel()
			}
		}
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(delivered) != 3 {
		t.Errorf("expected the whole batch delivered, got offsets %v", delivered)
	}
	if mc.commits != 1 || len(mc.marked) != 3 {
		t.Errorf("expected the drained batch committed, got %d commits of %d records", mc.commits, len(mc.marked))
	}
	if batches != 1 {
		t.Errorf("no batch may be polled after cancellation, got %d", batches)
	}
}

func TestStart_DrainTimeoutBoundsHandler(t *testing.T) {
	mc := &mockConsumer{fetches: []kgo.Fetches{
		fetchOf("orders", map[int32][]*kgo.Record{0: {record(0, 1, "a")}}),
	}}
	s := newSource(mc, Config{Descriptor: testDescriptor(t), JobName: "job", DrainTimeout: 20 * time.Millisecond}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err := s.Start(ctx, func(hctx context.Context, _ []source.RawRecord) error {
		cancel()
		<-hctx.Done()
		return hctx.Err()
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected drain deadline, got %v", err)
	}
	if mc.commits != 0 {
		t.Error("a batch cut short by the drain timeout must not be committed")
	}
}

func TestStart_ContinuesProducerTrace(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { otel.SetTextMapPropagator(prev) })

	const (
		firstTrace  = "4bf92f3577b34da6a3ce929d0e0e4736"
		secondTrace = "0af7651916cd43dd8448eb211c80319c"
	)
	first := record(0, 1, "a")
	first.Headers = []kgo.RecordHeader{{Key: "traceparent", Value: []byte("00-" + firstTrace + "-00f067aa0ba902b7-01")}}
	second := record(0, 2, "b")
	second.Headers = []kgo.RecordHeader{{Key: "traceparent", Value: []byte("00-" + secondTrace + "-b7ad6b7169203331-01")}}

	mc := &mockConsumer{fetches: []kgo.Fetches{
		fetchOf("orders", map[int32][]*kgo.Record{0: {first, second}}),
	}}
	s := testSource(t, mc)
	sr := tracetest.NewSpanRecorder()
	s.SetTracer(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr)).Tracer("test"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var handlerTrace trace.TraceID
	_ = s.Start(ctx, func(hctx context.Context, _ []source.RawRecord) error {
		handlerTrace = trace.SpanContextFromContext(hctx).TraceID()
		cancel()
		return nil
	})

	if handlerTrace.String() != firstTrace {
		t.Errorf("expected batch to continue trace %s, got %s", firstTrace, handlerTrace)
	}
	spans := sr.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 consume span, got %d", len(spans))
	}
	links := spans[0].Links()
	if len(links) != 1 || links[0].SpanContext.TraceID().String() != secondTrace {
		t.Errorf("expected a link to trace %s, got %+v", secondTrace, links)
	}
}

func TestStart_HandlerErrorStopsWithoutCommit(t *testing.T) {
	mc := &mockConsumer{fetches: []kgo.Fetches{
		fetchOf("orders", map[int32][]*kgo.Record{0: {record(0, 1, "a")}}),
		fetchOf("orders", map[int32][]*kgo.Record{0: {record(0, 2, "b")}}),
	}}
	s := testSource(t, mc)

	boom := errors.New("output unavailable")
	calls := 0
	err := s.Start(context.Background(), func(context.Context, []source.RawRecord) error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected handler error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected source to stop after the first failed batch, got %d calls", calls)
	}
	if mc.commits != 0 || len(mc.marked) != 0 {
		t.Errorf("nothing may be committed after a handler error, got %d commits", mc.commits)
	}
}

func TestStart_CommitErrorContinues(t *testing.T) {
	mc := &mockConsumer{
		commitErr: errors.New("rebalance in progress"),
		fetches: []kgo.Fetches{
			fetchOf("orders", map[int32][]*kgo.Record{0: {record(0, 1, "a")}}),
			fetchOf("orders", map[int32][]*kgo.Record{0: {record(0, 2, "b")}}),
		},
	}
	s := testSource(t, mc)

	var commitErrs int
	s.OnCommit(func(_ int, err error) {
		if err != nil {
			commitErrs++
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	batches := 0
	err := s.Start(ctx, func(context.Context, []source.RawRecord) error {
		batches++
		if batches == 2 {
			cancel()
		}
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if batches != 2 || commitErrs != 2 {
		t.Errorf("expected 2 batches with 2 commit errors, got %d/%d", batches, commitErrs)
	}
}

func TestStart_ClientClosed(t *testing.T) {
	mc := &mockConsumer{fetches: []kgo.Fetches{kgo.NewErrFetch(kgo.ErrClientClosed)}}
	s := testSource(t, mc)

	err := s.Start(context.Background(), func(context.Context, []source.RawRecord) error {
		t.Error("handler must not be called")
		return nil
	})
	if err != nil {
		t.Fatalf("expected nil after client close, got %v", err)
	}
}

func TestStart_FetchErrorsAreSkipped(t *testing.T) {
	mc := &mockConsumer{fetches: []kgo.Fetches{
		kgo.NewErrFetch(errors.New("broker not available")),
		fetchOf("orders", map[int32][]*kgo.Record{1: {record(1, 5, "x")}}),
	}}
	s := testSource(t, mc)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var got []source.RawRecord
	_ = s.Start(ctx, func(_ context.Context, batch []source.RawRecord) error {
		got = batch
		cancel()
		return nil
	})
	if len(got) != 1 || got[0].Partition != 1 || got[0].Offset != 5 {
		t.Errorf("expected the record after the fetch error, got %+v", got)
	}
}

func TestStart_RateLimitCancelled(t *testing.T) {
	mc := &mockConsumer{fetches: []kgo.Fetches{
		fetchOf("orders", map[int32][]*kgo.Record{0: {record(0, 1, "a"), record(0, 2, "b"), record(0, 3, "c")}}),
	}}
	s := newSource(mc, Config{Descriptor: testDescriptor(t), JobName: "job", RateLimit: 0.001, RateBurst: 1}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := s.Start(ctx, func(context.Context, []source.RawRecord) error {
		t.Error("handler must not run for a throttled batch that was cancelled")
		return nil
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if mc.commits != 0 {
		t.Error("throttled batch must not be committed")
	}
}

func TestToRawRecord(t *testing.T) {
	r := record(2, 77, "payload")
	r.Key = []byte("k")
	r.Headers = []kgo.RecordHeader{
		{Key: correlation.HeaderXRequestID, Value: []byte("req-1")},
		{Key: "other", Value: []byte("v")},
	}

	rec := toRawRecord(r)
	if string(rec.Payload) != "payload" || string(rec.Key) != "k" {
		t.Errorf("unexpected payload/key %q/%q", rec.Payload, rec.Key)
	}
	if rec.Topic != "orders" || rec.Partition != 2 || rec.Offset != 77 {
		t.Errorf("unexpected position %s/%d@%d", rec.Topic, rec.Partition, rec.Offset)
	}
	if !rec.SourceTimestamp.Equal(r.Timestamp) {
		t.Errorf("expected source timestamp %v, got %v", r.Timestamp, rec.SourceTimestamp)
	}
	if rec.Headers["other"] != "v" {
		t.Errorf("headers not copied: %v", rec.Headers)
	}
	if rec.CorrelationID != "req-1" {
		t.Errorf("expected correlation id req-1, got %s", rec.CorrelationID)
	}
}

func TestToRawRecord_CorrelationStableAcrossDeliveries(t *testing.T) {
	first := toRawRecord(record(2, 77, "payload"))
	again := toRawRecord(record(2, 77, "payload"))
	if first.CorrelationID != "orders/2/77" {
		t.Errorf("expected position correlation id, got %s", first.CorrelationID)
	}
	if first.CorrelationID != again.CorrelationID {
		t.Errorf("redelivery changed the correlation id: %s vs %s", first.CorrelationID, again.CorrelationID)
	}
}

func TestClose(t *testing.T) {
	mc := &mockConsumer{}
	s := testSource(t, mc)
	if err := s.Close(); err != nil {
		t.Fatalf("close error: %v", err)
	}
	if !mc.closed {
		t.Error("expected client to be closed")
	}
}

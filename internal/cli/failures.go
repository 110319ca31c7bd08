package cli

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/lsm/ingest/internal/dlq"
	"github.com/lsm/ingest/internal/kafka"
	"github.com/lsm/ingest/internal/source"
	"github.com/twmb/franz-go/pkg/kgo"
)

// recordPoller abstracts the Kafka client for testing.
type recordPoller interface {
	PollFetches(ctx context.Context) kgo.Fetches
	Close()
}

// newFailureConsumerFunc creates a group-less consumer of the failure topic,
// so tailing never moves the job's committed offsets.
var newFailureConsumerFunc = func(desc source.Descriptor, sec kafka.Security, fromBeginning bool) (recordPoller, error) {
	opts, err := kafka.ClientOptions(desc, sec)
	if err != nil {
		return nil, err
	}
	offset := kgo.NewOffset().AtEnd()
	if fromBeginning {
		offset = kgo.NewOffset().AtStart()
	}
	opts = append(opts,
		kgo.ConsumeTopics(desc.StreamID()),
		kgo.ConsumeResetOffset(offset),
	)
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, err
	}
	return client, nil
}

const failuresUsage = `Usage: ingest failures [--config <path>] [options]

Tails the job's failure topic and prints each failure's diagnostics and the
original payload as hex.

Flags:
  --config            Job definition (default: INGEST_CONFIG or ./job.yaml)
  --from-beginning    Start from the earliest offset instead of latest
  --max-messages <n>  Stop after n failures (default: 10)
  --follow            Keep printing until interrupted

Examples:
  ingest failures --from-beginning --max-messages 100
  ingest failures --follow`

// failureHeaders is the print order of the diagnostic headers.
var failureHeaders = []struct{ label, key string }{
	{"stage", dlq.HeaderStage},
	{"message", dlq.HeaderErrorMessage},
	{"detail", dlq.HeaderErrorDetail},
	{"job", dlq.HeaderJobName},
	{"failed at", dlq.HeaderFailedAt},
	{"origin", dlq.HeaderOriginalTopic},
	{"key", dlq.HeaderOriginalKey},
	{"partition", dlq.HeaderPartition},
	{"offset", dlq.HeaderOffset},
	{"correlation", dlq.HeaderCorrelationID},
}

// RunFailures prints records from the job's failure topic.
func RunFailures(args []string, w io.Writer) error {
	if w == nil {
		w = os.Stdout
	}
	if isHelp(args) {
		fmt.Fprintln(w, failuresUsage)
		return nil
	}

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config", "--max-messages":
			i++
		case "--from-beginning", "--follow":
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	maxMessages, err := parseIntFlag(args, "--max-messages", 10)
	if err != nil {
		return err
	}
	follow := hasFlag(args, "--follow")

	def, err := loadJob(args)
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}
	out, err := def.OutputDescriptor()
	if err != nil {
		return err
	}
	topic := def.FailureTopic()
	desc, err := source.NewDescriptor(source.KindKafka, out.Endpoints(), topic)
	if err != nil {
		return err
	}

	client, err := newFailureConsumerFunc(desc, def.OutputSecurity(), hasFlag(args, "--from-beginning"))
	if err != nil {
		return fmt.Errorf("create kafka client: %w", err)
	}
	defer client.Close()

	fmt.Fprintf(w, "Tailing failures of job %s from %s\n\n", def.Name, topic)

	ctx, stop := signal.NotifyContext(context.Background(), shutdownSignals...)
	defer stop()

	limit := maxMessages
	if follow {
		limit = 0
	}
	n, err := tailFailures(ctx, client, w, limit)
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("consume error: %w", err)
	}
	fmt.Fprintf(w, "\nPrinted %d failure(s)\n", n)
	return nil
}

// tailFailures prints records until limit is reached (0 means no limit) or
// ctx is done.
func tailFailures(ctx context.Context, client recordPoller, w io.Writer, limit int) (int, error) {
	printed := 0
	for limit == 0 || printed < limit {
		fetches := client.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return printed, nil
		}
		if ctx.Err() != nil {
			return printed, ctx.Err()
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			fmt.Fprintf(os.Stderr, "Fetch error on %s/%d: %v\n", topic, partition, err)
		})

		iter := fetches.RecordIter()
		for !iter.Done() && (limit == 0 || printed < limit) {
			printFailure(w, iter.Next())
			printed++
		}
		if fetches.NumRecords() == 0 {
			select {
			case <-ctx.Done():
				return printed, ctx.Err()
			case <-time.After(100 * time.Millisecond):
			}
		}
	}
	return printed, nil
}

func printFailure(w io.Writer, r *kgo.Record) {
	headers := make(map[string]string, len(r.Headers))
	for _, h := range r.Headers {
		headers[h.Key] = string(h.Value)
	}

	fmt.Fprintln(w, "---")
	fmt.Fprintf(w, "Partition:   %d\n", r.Partition)
	fmt.Fprintf(w, "Offset:      %d\n", r.Offset)
	for _, h := range failureHeaders {
		if v := headers[h.key]; v != "" {
			fmt.Fprintf(w, "%-12s %s\n", strings.ToUpper(h.label[:1])+h.label[1:]+":", v)
		}
	}
	fmt.Fprintf(w, "Payload:     %d bytes\n", len(r.Value))
	if len(r.Value) > 0 {
		for _, line := range strings.Split(strings.TrimRight(hex.Dump(r.Value), "\n"), "\n") {
			fmt.Fprintf(w, "  %s\n", line)
		}
	}
	fmt.Fprintln(w)
}

package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/lsm/ingest/internal/kafka"
	"github.com/lsm/ingest/internal/lag"
	"github.com/lsm/ingest/internal/observability"
	"github.com/lsm/ingest/internal/source"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
)

// lagAdmin abstracts the kadm client for testing.
type lagAdmin interface {
	Lag(ctx context.Context, groups ...string) (kadm.DescribedGroupLags, error)
	Close()
}

// newAdminFunc is the function used to create a Kafka admin client.
// Tests can replace this to stub out the actual client.
var newAdminFunc = func(desc source.Descriptor, sec kafka.Security) (lagAdmin, error) {
	opts, err := kafka.ClientOptions(desc, sec)
	if err != nil {
		return nil, err
	}
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, err
	}
	return kadm.NewClient(client), nil
}

const lagUsage = `Usage: ingest lag [--config <path>] [--timeout <duration>]

Prints how far the job's consumer group is behind, per partition.

Flags:
  --config    Job definition (default: INGEST_CONFIG or ./job.yaml)
  --timeout   Give up after this long (default: 10s)`

// RunLag prints the committed-offset lag of the job's consumer group.
func RunLag(args []string, w io.Writer) error {
	if w == nil {
		w = os.Stdout
	}
	if isHelp(args) {
		fmt.Fprintln(w, lagUsage)
		return nil
	}

	timeout := 10 * time.Second
	if s, err := parseStringFlag(args, "--timeout"); err != nil {
		return err
	} else if s != "" {
		if timeout, err = time.ParseDuration(s); err != nil {
			return fmt.Errorf("invalid --timeout: %w", err)
		}
	}

	def, err := loadJob(args)
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}
	desc, err := def.SourceDescriptor()
	if err != nil {
		return err
	}

	admin, err := newAdminFunc(desc, def.Source.Security)
	if err != nil {
		return fmt.Errorf("create kafka admin client: %w", err)
	}
	defer admin.Close()

	reporter, err := lag.NewReporter(admin, def.Name, nil, 0, observability.NewLoggerTo(os.Stderr, "lag", slog.LevelWarn))
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	lags, err := reporter.Collect(ctx)
	if err != nil {
		return err
	}

	var total int64
	fmt.Fprintf(w, "%-30s %10s %12s\n", "TOPIC", "PARTITION", "LAG")
	for _, l := range lags {
		fmt.Fprintf(w, "%-30s %10d %12d\n", l.Topic, l.Partition, l.Lag)
		total += l.Lag
	}
	fmt.Fprintf(w, "total lag: %d across %d partition(s)\n", total, len(lags))
	return nil
}

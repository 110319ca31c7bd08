package cli

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/lsm/ingest/internal/config"
	"github.com/lsm/ingest/internal/correlation"
	"github.com/lsm/ingest/internal/kafka"
	sinkkafka "github.com/lsm/ingest/internal/sink/kafka"
	"github.com/lsm/ingest/internal/source"
	"github.com/lsm/ingest/internal/wire"
)

// publisher is an interface that allows mocking the Kafka publisher for testing.
type publisher interface {
	Publish(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
	Close() error
}

// newPublisherFunc is the function used to create a Kafka publisher.
// Tests can replace this to stub out the actual publisher.
var newPublisherFunc = func(desc source.Descriptor, sec kafka.Security) (publisher, error) {
	return sinkkafka.NewPublisher(desc, sec)
}

const produceUsage = `Usage: ingest produce [--config <path>] (--field <name=value>... | --hex <bytes>) [options]

Encodes a row in the job's wire format and produces it to the source topic.
Field values are parsed according to the kinds the job declares: lists are
comma separated, bytes are base64 and timestamps RFC 3339.

Flags:
  --config       Job definition (default: INGEST_CONFIG or ./job.yaml)
  --field        name=value, repeatable
  --hex          Produce these raw bytes instead of an encoded row
  --event-time   Row event time, RFC 3339 (default: now)
  --key          Record key
  --count        Number of records to produce (default: 1)
  --rate         Delay between records (e.g. 100ms, 1s). Default: none
  --topic        Override the source topic
  --brokers      Override the source brokers (comma separated)

Examples:
  ingest produce --field order_id=A-1 --field amount=12.5
  ingest produce --field tags=a,b,c --count 100 --rate 10ms
  ingest produce --hex ff00ff`

// RunProduce encodes and produces test records to the job's source topic.
func RunProduce(args []string, w io.Writer) error {
	if w == nil {
		w = os.Stdout
	}
	if isHelp(args) {
		fmt.Fprintln(w, produceUsage)
		return nil
	}

	fields, err := parseRepeatedFlag(args, "--field")
	if err != nil {
		return err
	}
	rawHex, err := parseStringFlag(args, "--hex")
	if err != nil {
		return err
	}
	if len(fields) == 0 && rawHex == "" {
		return fmt.Errorf("either --field or --hex must be specified")
	}
	if len(fields) > 0 && rawHex != "" {
		return fmt.Errorf("cannot specify both --field and --hex")
	}

	count, err := parseIntFlag(args, "--count", 1)
	if err != nil {
		return err
	}
	var rate time.Duration
	if rateStr, _ := parseStringFlag(args, "--rate"); rateStr != "" {
		rate, err = time.ParseDuration(rateStr)
		if err != nil {
			return fmt.Errorf("invalid rate duration: %w", err)
		}
	}

	def, err := loadJob(args)
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}

	var payload []byte
	if rawHex != "" {
		payload, err = hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(rawHex), "0x"))
		if err != nil {
			return fmt.Errorf("invalid --hex value: %w", err)
		}
	} else {
		eventTime := time.Now().UTC()
		if s, _ := parseStringFlag(args, "--event-time"); s != "" {
			eventTime, err = time.Parse(time.RFC3339Nano, s)
			if err != nil {
				return fmt.Errorf("invalid --event-time: %w", err)
			}
		}
		row, err := buildRow(def, fields, eventTime)
		if err != nil {
			return err
		}
		payload, err = wire.Encode(row)
		if err != nil {
			return fmt.Errorf("encode row: %w", err)
		}
	}

	desc, topic, err := produceTarget(def, args)
	if err != nil {
		return err
	}
	key, _ := parseStringFlag(args, "--key")

	pub, err := newPublisherFunc(desc, def.Source.Security)
	if err != nil {
		return fmt.Errorf("create kafka publisher: %w", err)
	}
	defer func() { _ = pub.Close() }()

	ctx := context.Background()
	for i := 0; i < count; i++ {
		headers := correlation.AddToHeaders(nil, correlation.ExtractOrGenerate(nil))
		var k []byte
		if key != "" {
			k = []byte(key)
		}
		if err := pub.Publish(ctx, topic, k, payload, headers); err != nil {
			return fmt.Errorf("publish record %d: %w", i+1, err)
		}
		fmt.Fprintf(w, "Produced record %d (%d bytes) to %s\n", i+1, len(payload), topic)

		if rate > 0 && i < count-1 {
			time.Sleep(rate)
		}
	}

	fmt.Fprintf(w, "Successfully produced %d record(s) to %s\n", count, topic)
	return nil
}

// buildRow parses name=value pairs against the job's declared kinds. Every
// name must be declared; fields may be left out to produce missing-field rows.
func buildRow(def *config.JobDefinition, pairs []string, eventTime time.Time) (*wire.Row, error) {
	row := &wire.Row{
		Dataset:   def.Dataset.Name,
		EventTime: eventTime,
		Fields:    make(map[string]wire.Value, len(pairs)),
	}
	for _, pair := range pairs {
		name, value, ok := strings.Cut(pair, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid --field %q: expected name=value", pair)
		}
		kind, declared := def.Fields[name]
		if !declared {
			return nil, fmt.Errorf("field %q is not declared by job %s", name, def.Name)
		}
		v, err := wire.ParseText(kind, value)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", name, err)
		}
		row.Fields[name] = v
	}
	return row, nil
}

func produceTarget(def *config.JobDefinition, args []string) (source.Descriptor, string, error) {
	topic := def.Source.Topic
	if t, _ := parseStringFlag(args, "--topic"); t != "" {
		topic = t
	}
	brokers := def.Source.Endpoints
	if b, _ := parseStringFlag(args, "--brokers"); b != "" {
		brokers = strings.Split(b, ",")
		for i := range brokers {
			brokers[i] = strings.TrimSpace(brokers[i])
		}
	}
	desc, err := source.NewDescriptor(source.KindKafka, brokers, topic)
	if err != nil {
		return source.Descriptor{}, "", fmt.Errorf("target: %w", err)
	}
	return desc, topic, nil
}

package cli

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/lsm/ingest/internal/decode"
	"github.com/lsm/ingest/internal/schema"
)

const decodeUsage = `Usage: ingest decode [--config <path>] (--file <path> | --hex <bytes> | --base64 <bytes>)

Decodes one payload with the job's field schema and rules, exactly as the
running job would, and prints the record or the failure.

Flags:
  --config   Job definition (default: INGEST_CONFIG or ./job.yaml)
  --file     Read the raw payload from a file ("-" for stdin)
  --hex      Payload as hex
  --base64   Payload as standard base64

Examples:
  ingest decode --hex 0a056f7264657273
  ingest decode --config jobs/orders.yaml --file dead-letter.bin`

// readStdin is replaced in tests.
var readStdin = func() ([]byte, error) { return io.ReadAll(os.Stdin) }

// RunDecode decodes a single payload against the job definition.
// A payload that fails to decode is reported and returned as an error.
func RunDecode(args []string, w io.Writer) error {
	if w == nil {
		w = os.Stdout
	}
	if isHelp(args) {
		fmt.Fprintln(w, decodeUsage)
		return nil
	}

	payload, err := payloadFromFlags(args)
	if err != nil {
		return err
	}

	def, err := loadJob(args)
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}
	dec, err := def.Decoder()
	if err != nil {
		return fmt.Errorf("build decoder: %w", err)
	}

	out := dec.Decode(payload)
	if f := out.Failure; f != nil {
		fmt.Fprintf(w, "FAILED (%d bytes)\n", len(payload))
		fmt.Fprintf(w, "  stage:   %s\n", f.Stage)
		fmt.Fprintf(w, "  message: %s\n", f.Message)
		if f.Detail != "" {
			fmt.Fprintf(w, "  detail:  %s\n", f.Detail)
		}
		return f
	}
	printRecord(w, out.Record, def.Fields)
	return nil
}

func payloadFromFlags(args []string) ([]byte, error) {
	file, err := parseStringFlag(args, "--file")
	if err != nil {
		return nil, err
	}
	hexStr, err := parseStringFlag(args, "--hex")
	if err != nil {
		return nil, err
	}
	b64, err := parseStringFlag(args, "--base64")
	if err != nil {
		return nil, err
	}

	set := 0
	for _, v := range []string{file, hexStr, b64} {
		if v != "" {
			set++
		}
	}
	if set == 0 {
		return nil, fmt.Errorf("one of --file, --hex or --base64 must be specified")
	}
	if set > 1 {
		return nil, fmt.Errorf("only one of --file, --hex or --base64 may be specified")
	}

	switch {
	case file == "-":
		return readStdin()
	case file != "":
		return os.ReadFile(file)
	case hexStr != "":
		payload, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(hexStr), "0x"))
		if err != nil {
			return nil, fmt.Errorf("invalid --hex value: %w", err)
		}
		return payload, nil
	default:
		payload, err := base64.StdEncoding.DecodeString(strings.TrimSpace(b64))
		if err != nil {
			return nil, fmt.Errorf("invalid --base64 value: %w", err)
		}
		return payload, nil
	}
}

func printRecord(w io.Writer, rec *decode.StructuredRecord, kinds map[string]schema.ValueKind) {
	fmt.Fprintln(w, "OK")
	fmt.Fprintf(w, "  dataset:    %s v%d\n", rec.DatasetName, rec.DatasetVersion)
	if !rec.EventTime.IsZero() {
		fmt.Fprintf(w, "  event time: %s\n", rec.EventTime.UTC().Format(time.RFC3339Nano))
	}
	fmt.Fprintln(w, "  fields:")

	names := make([]string, 0, len(rec.Fields))
	for name := range rec.Fields {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		fmt.Fprintf(w, "    %s (%s): %s\n", name, kinds[name], formatValue(rec.Fields[name]))
	}
}

func formatValue(v any) string {
	switch x := v.(type) {
	case []byte:
		return base64.StdEncoding.EncodeToString(x)
	case [][]byte:
		parts := make([]string, len(x))
		for i, b := range x {
			parts[i] = base64.StdEncoding.EncodeToString(b)
		}
		return "[" + strings.Join(parts, " ") + "]"
	case string:
		return fmt.Sprintf("%q", x)
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	default:
		return fmt.Sprintf("%v", x)
	}
}

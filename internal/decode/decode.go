// Package decode turns raw log payloads into schema-typed records.
//
// Decoding is a pure function of the payload and the decoder's fixed
// configuration: it performs no I/O, keeps no mutable state, and never
// panics past Decode. A single Decoder is safe to share across goroutines.
package decode

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/lsm/ingest/internal/schema"
	"github.com/lsm/ingest/internal/wire"
)

// Stage tags identify the decoding step that rejected a payload.
const (
	StageWireDecode   = "wire-decode"
	StageFieldMissing = "field-missing"
	StageTypeMismatch = "type-mismatch"
	StageValidation   = "validation"
	StageInternal     = "internal-decode-error"
)

// StructuredRecord is a successfully decoded payload carrying exactly the
// fields declared in the schema.
type StructuredRecord struct {
	DatasetName    string
	DatasetVersion int
	EventTime      time.Time
	Fields         map[string]any
}

// Failure describes why a payload could not be decoded.
type Failure struct {
	Stage   string
	Message string
	Detail  string
}

func (f *Failure) Error() string {
	return f.Stage + ": " + f.Message
}

// Outcome holds exactly one of Record or Failure.
type Outcome struct {
	Record  *StructuredRecord
	Failure *Failure
}

// OK reports whether the outcome is a decoded record.
func (o Outcome) OK() bool { return o.Record != nil }

// RuleSet checks a fully decoded field map. Implementations must be pure.
type RuleSet interface {
	Check(fields map[string]any) error
}

// Config configures a Decoder.
type Config struct {
	Schema         *schema.FieldSchema
	DatasetName    string
	DatasetVersion int
	Rules          RuleSet // optional
}

// Decoder decodes payloads against a fixed schema.
type Decoder struct {
	cfg   Config
	names []string
}

// New validates cfg and returns a Decoder.
func New(cfg Config) (*Decoder, error) {
	var errs []error
	if cfg.Schema == nil || cfg.Schema.Len() == 0 {
		errs = append(errs, errors.New("field schema is required"))
	}
	if strings.TrimSpace(cfg.DatasetName) == "" {
		errs = append(errs, errors.New("dataset name is required"))
	}
	if cfg.DatasetVersion < 0 {
		errs = append(errs, fmt.Errorf("dataset version must not be negative, got %d", cfg.DatasetVersion))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return &Decoder{cfg: cfg, names: cfg.Schema.Names()}, nil
}

// Decode converts one payload into an Outcome. Fields are checked in name
// order, so the reported failure for a payload is always the same one.
func (d *Decoder) Decode(payload []byte) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = failure(StageInternal, fmt.Sprintf("decoder panic: %v", r), panicSite())
		}
	}()

	row, err := wire.Parse(payload)
	if err != nil {
		return failure(StageWireDecode, err.Error(), causeChain(err))
	}

	fields := make(map[string]any, len(d.names))
	for _, name := range d.names {
		want, _ := d.cfg.Schema.Kind(name)
		v, ok := row.Fields[name]
		if !ok {
			return failure(StageFieldMissing,
				fmt.Sprintf("field %q is missing", name),
				fmt.Sprintf("schema declares %q as %s; payload carries %d field(s)", name, want, len(row.Fields)))
		}
		if v.Kind != want {
			return failure(StageTypeMismatch,
				fmt.Sprintf("field %q: expected %s, got %s", name, want, v.Kind),
				fmt.Sprintf("value kind on the wire is %s", v.Kind))
		}
		fields[name] = v.Data
	}

	if d.cfg.Rules != nil {
		if err := d.cfg.Rules.Check(fields); err != nil {
			return failure(StageValidation, err.Error(), causeChain(err))
		}
	}

	return Outcome{Record: &StructuredRecord{
		DatasetName:    d.cfg.DatasetName,
		DatasetVersion: d.cfg.DatasetVersion,
		EventTime:      row.EventTime,
		Fields:         fields,
	}}
}

func failure(stage, msg, detail string) Outcome {
	return Outcome{Failure: &Failure{Stage: stage, Message: msg, Detail: detail}}
}

// causeChain renders the unwrap chain of err, outermost first.
func causeChain(err error) string {
	var parts []string
	for e := err; e != nil; e = errors.Unwrap(e) {
		parts = append(parts, fmt.Sprintf("%T: %s", e, e.Error()))
	}
	return strings.Join(parts, "\ncaused by ")
}

// panicSite lists the frames between the panic and Decode. Addresses and
// goroutine ids are left out so the detail is stable for a given payload.
func panicSite() string {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(3, pcs)
	frames := runtime.CallersFrames(pcs[:n])

	var b strings.Builder
	for {
		f, more := frames.Next()
		if !strings.HasPrefix(f.Function, "runtime.") {
			fmt.Fprintf(&b, "%s\n\t%s:%d\n", f.Function, f.File, f.Line)
		}
		if strings.HasSuffix(f.Function, ".(*Decoder).Decode") || !more {
			break
		}
	}
	return b.String()
}

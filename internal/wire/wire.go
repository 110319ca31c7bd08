// Package wire reads and writes the protobuf row message carried in log payloads.
//
// A row is a repeated list of named, tagged values; it carries no knowledge of
// any particular dataset, so any field schema can be resolved against it.
package wire

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/lsm/ingest/internal/schema"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/dynamicpb"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// Value is a single decoded field value. Kind is schema.Invalid when the
// value oneof was left unset on the wire.
type Value struct {
	Kind schema.ValueKind
	Data any
}

// Row is a decoded wire message.
type Row struct {
	Dataset   string
	EventTime time.Time
	Fields    map[string]Value
}

// ErrUnknownField is returned when a payload carries a tag the row message
// does not define.
var ErrUnknownField = errors.New("unknown wire field")

// Parse decodes a payload into a Row. Repeated field names resolve to their
// last occurrence.
func Parse(payload []byte) (*Row, error) {
	msg := dynamicpb.NewMessage(rowDesc)
	if err := proto.Unmarshal(payload, msg); err != nil {
		return nil, err
	}
	if err := checkUnknown(msg); err != nil {
		return nil, err
	}

	fds := rowDesc.Fields()
	row := &Row{
		Dataset: msg.Get(fds.ByName("dataset")).String(),
	}

	if msg.Has(fds.ByName("event_timestamp")) {
		ts, err := readTimestamp(msg.Get(fds.ByName("event_timestamp")).Message())
		if err != nil {
			return nil, fmt.Errorf("event_timestamp: %w", err)
		}
		row.EventTime = ts
	}

	list := msg.Get(fds.ByName("fields")).List()
	row.Fields = make(map[string]Value, list.Len())
	nameFD := fieldDesc.Fields().ByName("name")
	valueFD := fieldDesc.Fields().ByName("value")
	for i := 0; i < list.Len(); i++ {
		f := list.Get(i).Message()
		name := f.Get(nameFD).String()
		v, err := readValue(f.Get(valueFD).Message())
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", name, err)
		}
		row.Fields[name] = v
	}
	return row, nil
}

func checkUnknown(m protoreflect.Message) error {
	if len(m.GetUnknown()) > 0 {
		return fmt.Errorf("%w in %s", ErrUnknownField, m.Descriptor().FullName())
	}
	var err error
	m.Range(func(fd protoreflect.FieldDescriptor, v protoreflect.Value) bool {
		if fd.Kind() != protoreflect.MessageKind {
			return true
		}
		if fd.IsList() {
			l := v.List()
			for i := 0; i < l.Len() && err == nil; i++ {
				err = checkUnknown(l.Get(i).Message())
			}
			return err == nil
		}
		err = checkUnknown(v.Message())
		return err == nil
	})
	return err
}

func readTimestamp(m protoreflect.Message) (time.Time, error) {
	fds := m.Descriptor().Fields()
	ts := &timestamppb.Timestamp{
		Seconds: m.Get(fds.ByName("seconds")).Int(),
		Nanos:   int32(m.Get(fds.ByName("nanos")).Int()),
	}
	if err := ts.CheckValid(); err != nil {
		return time.Time{}, err
	}
	return ts.AsTime(), nil
}

func readValue(m protoreflect.Message) (Value, error) {
	fd := m.WhichOneof(valueDesc.Oneofs().ByName("val"))
	if fd == nil {
		return Value{Kind: schema.Invalid}, nil
	}
	kind := kindByNumber[fd.Number()]
	v := m.Get(fd)

	switch kind {
	case schema.Bytes:
		return Value{Kind: kind, Data: slices.Clone(v.Bytes())}, nil
	case schema.String:
		return Value{Kind: kind, Data: v.String()}, nil
	case schema.Int32:
		return Value{Kind: kind, Data: int32(v.Int())}, nil
	case schema.Int64:
		return Value{Kind: kind, Data: v.Int()}, nil
	case schema.Double:
		return Value{Kind: kind, Data: v.Float()}, nil
	case schema.Float:
		return Value{Kind: kind, Data: float32(v.Float())}, nil
	case schema.Bool:
		return Value{Kind: kind, Data: v.Bool()}, nil
	case schema.Timestamp:
		ts, err := readTimestamp(v.Message())
		if err != nil {
			return Value{}, err
		}
		return Value{Kind: kind, Data: ts}, nil
	}

	lm := v.Message()
	elems := lm.Get(lm.Descriptor().Fields().ByNumber(1)).List()
	n := elems.Len()

	switch kind {
	case schema.BytesList:
		out := make([][]byte, n)
		for i := range n {
			out[i] = slices.Clone(elems.Get(i).Bytes())
		}
		return Value{Kind: kind, Data: out}, nil
	case schema.StringList:
		out := make([]string, n)
		for i := range n {
			out[i] = elems.Get(i).String()
		}
		return Value{Kind: kind, Data: out}, nil
	case schema.Int32List:
		out := make([]int32, n)
		for i := range n {
			out[i] = int32(elems.Get(i).Int())
		}
		return Value{Kind: kind, Data: out}, nil
	case schema.Int64List:
		out := make([]int64, n)
		for i := range n {
			out[i] = elems.Get(i).Int()
		}
		return Value{Kind: kind, Data: out}, nil
	case schema.DoubleList:
		out := make([]float64, n)
		for i := range n {
			out[i] = elems.Get(i).Float()
		}
		return Value{Kind: kind, Data: out}, nil
	case schema.FloatList:
		out := make([]float32, n)
		for i := range n {
			out[i] = float32(elems.Get(i).Float())
		}
		return Value{Kind: kind, Data: out}, nil
	case schema.BoolList:
		out := make([]bool, n)
		for i := range n {
			out[i] = elems.Get(i).Bool()
		}
		return Value{Kind: kind, Data: out}, nil
	}
	return Value{}, fmt.Errorf("unhandled value field %s", fd.Name())
}

package wire

import (
	"encoding/base64"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/lsm/ingest/internal/schema"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/dynamicpb"
)

// Encode serialises a Row. Fields are written in name order so equal rows
// produce equal bytes.
func Encode(row *Row) ([]byte, error) {
	msg := dynamicpb.NewMessage(rowDesc)
	fds := rowDesc.Fields()

	if row.Dataset != "" {
		msg.Set(fds.ByName("dataset"), protoreflect.ValueOfString(row.Dataset))
	}
	if !row.EventTime.IsZero() {
		writeTimestamp(msg.Mutable(fds.ByName("event_timestamp")).Message(), row.EventTime)
	}

	list := msg.Mutable(fds.ByName("fields")).List()
	for _, name := range slices.Sorted(maps.Keys(row.Fields)) {
		f := list.NewElement().Message()
		f.Set(fieldDesc.Fields().ByName("name"), protoreflect.ValueOfString(name))
		v := row.Fields[name]
		if v.Kind != schema.Invalid {
			vm := f.Mutable(fieldDesc.Fields().ByName("value")).Message()
			if err := writeValue(vm, v); err != nil {
				return nil, fmt.Errorf("field %q: %w", name, err)
			}
		}
		list.Append(protoreflect.ValueOfMessage(f))
	}

	return proto.MarshalOptions{Deterministic: true}.Marshal(msg)
}

func writeTimestamp(m protoreflect.Message, t time.Time) {
	fds := m.Descriptor().Fields()
	m.Set(fds.ByName("seconds"), protoreflect.ValueOfInt64(t.Unix()))
	m.Set(fds.ByName("nanos"), protoreflect.ValueOfInt32(int32(t.Nanosecond())))
}

func writeValue(m protoreflect.Message, v Value) error {
	num, ok := numberByKind[v.Kind]
	if !ok {
		return fmt.Errorf("unsupported kind %s", v.Kind)
	}
	fd := valueDesc.Fields().ByNumber(num)

	if kindOf(v.Data) != v.Kind {
		return fmt.Errorf("kind %s cannot hold %T", v.Kind, v.Data)
	}

	if !v.Kind.IsList() {
		var pv protoreflect.Value
		switch d := v.Data.(type) {
		case []byte:
			pv = protoreflect.ValueOfBytes(d)
		case string:
			pv = protoreflect.ValueOfString(d)
		case int32:
			pv = protoreflect.ValueOfInt32(d)
		case int64:
			pv = protoreflect.ValueOfInt64(d)
		case float64:
			pv = protoreflect.ValueOfFloat64(d)
		case float32:
			pv = protoreflect.ValueOfFloat32(d)
		case bool:
			pv = protoreflect.ValueOfBool(d)
		case time.Time:
			writeTimestamp(m.Mutable(fd).Message(), d)
			return nil
		}
		m.Set(fd, pv)
		return nil
	}

	lm := m.Mutable(fd).Message()
	elems := lm.Mutable(lm.Descriptor().Fields().ByNumber(1)).List()
	switch d := v.Data.(type) {
	case [][]byte:
		for _, e := range d {
			elems.Append(protoreflect.ValueOfBytes(e))
		}
	case []string:
		for _, e := range d {
			elems.Append(protoreflect.ValueOfString(e))
		}
	case []int32:
		for _, e := range d {
			elems.Append(protoreflect.ValueOfInt32(e))
		}
	case []int64:
		for _, e := range d {
			elems.Append(protoreflect.ValueOfInt64(e))
		}
	case []float64:
		for _, e := range d {
			elems.Append(protoreflect.ValueOfFloat64(e))
		}
	case []float32:
		for _, e := range d {
			elems.Append(protoreflect.ValueOfFloat32(e))
		}
	case []bool:
		for _, e := range d {
			elems.Append(protoreflect.ValueOfBool(e))
		}
	}
	return nil
}

// kindOf returns the kind a Go value would be decoded as.
func kindOf(data any) schema.ValueKind {
	switch data.(type) {
	case []byte:
		return schema.Bytes
	case string:
		return schema.String
	case int32:
		return schema.Int32
	case int64:
		return schema.Int64
	case float64:
		return schema.Double
	case float32:
		return schema.Float
	case bool:
		return schema.Bool
	case time.Time:
		return schema.Timestamp
	case [][]byte:
		return schema.BytesList
	case []string:
		return schema.StringList
	case []int32:
		return schema.Int32List
	case []int64:
		return schema.Int64List
	case []float64:
		return schema.DoubleList
	case []float32:
		return schema.FloatList
	case []bool:
		return schema.BoolList
	}
	return schema.Invalid
}

// ParseText converts a command-line literal into a Value of the given kind.
// Lists are comma separated, bytes are base64 and timestamps RFC 3339.
func ParseText(kind schema.ValueKind, s string) (Value, error) {
	if kind.IsList() {
		var parts []string
		if s != "" {
			parts = strings.Split(s, ",")
		}
		return parseList(kind, parts)
	}

	var (
		data any
		err  error
	)
	switch kind {
	case schema.Bytes:
		data, err = base64.StdEncoding.DecodeString(s)
	case schema.String:
		data = s
	case schema.Int32:
		var n int64
		n, err = strconv.ParseInt(s, 10, 32)
		data = int32(n)
	case schema.Int64:
		data, err = strconv.ParseInt(s, 10, 64)
	case schema.Double:
		data, err = strconv.ParseFloat(s, 64)
	case schema.Float:
		var f float64
		f, err = strconv.ParseFloat(s, 32)
		data = float32(f)
	case schema.Bool:
		data, err = strconv.ParseBool(s)
	case schema.Timestamp:
		data, err = time.Parse(time.RFC3339Nano, s)
	default:
		return Value{}, fmt.Errorf("unsupported kind %s", kind)
	}
	if err != nil {
		return Value{}, fmt.Errorf("parse %s %q: %w", kind, s, err)
	}
	return Value{Kind: kind, Data: data}, nil
}

func parseList(kind schema.ValueKind, parts []string) (Value, error) {
	elemKind := map[schema.ValueKind]schema.ValueKind{
		schema.BytesList:  schema.Bytes,
		schema.StringList: schema.String,
		schema.Int32List:  schema.Int32,
		schema.Int64List:  schema.Int64,
		schema.DoubleList: schema.Double,
		schema.FloatList:  schema.Float,
		schema.BoolList:   schema.Bool,
	}[kind]

	elems := make([]any, 0, len(parts))
	for _, p := range parts {
		v, err := ParseText(elemKind, strings.TrimSpace(p))
		if err != nil {
			return Value{}, err
		}
		elems = append(elems, v.Data)
	}

	switch kind {
	case schema.BytesList:
		return Value{Kind: kind, Data: collect[[]byte](elems)}, nil
	case schema.StringList:
		return Value{Kind: kind, Data: collect[string](elems)}, nil
	case schema.Int32List:
		return Value{Kind: kind, Data: collect[int32](elems)}, nil
	case schema.Int64List:
		return Value{Kind: kind, Data: collect[int64](elems)}, nil
	case schema.DoubleList:
		return Value{Kind: kind, Data: collect[float64](elems)}, nil
	case schema.FloatList:
		return Value{Kind: kind, Data: collect[float32](elems)}, nil
	default:
		return Value{Kind: kind, Data: collect[bool](elems)}, nil
	}
}

func collect[T any](elems []any) []T {
	out := make([]T, len(elems))
	for i, e := range elems {
		out[i] = e.(T)
	}
	return out
}

package wire

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/lsm/ingest/internal/schema"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestEncodeParse_RoundTrip(t *testing.T) {
	ts := time.Date(2024, 3, 1, 12, 30, 0, 500, time.UTC)
	row := &Row{
		Dataset:   "orders",
		EventTime: ts,
		Fields: map[string]Value{
			"id":       {Kind: schema.Int64, Data: int64(42)},
			"count":    {Kind: schema.Int32, Data: int32(5)},
			"name":     {Kind: schema.String, Data: "x"},
			"raw":      {Kind: schema.Bytes, Data: []byte{0x01, 0x02}},
			"price":    {Kind: schema.Double, Data: 9.5},
			"ratio":    {Kind: schema.Float, Data: float32(0.25)},
			"active":   {Kind: schema.Bool, Data: true},
			"seen_at":  {Kind: schema.Timestamp, Data: ts},
			"tags":     {Kind: schema.StringList, Data: []string{"a", "b"}},
			"scores":   {Kind: schema.Int64List, Data: []int64{1, 2, 3}},
			"flags":    {Kind: schema.BoolList, Data: []bool{true, false}},
			"payloads": {Kind: schema.BytesList, Data: [][]byte{{0x0f}}},
		},
	}

	payload, err := Encode(row)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	got, err := Parse(payload)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	if got.Dataset != "orders" {
		t.Errorf("expected dataset orders, got %s", got.Dataset)
	}
	if !got.EventTime.Equal(ts) {
		t.Errorf("expected event time %v, got %v", ts, got.EventTime)
	}
	if len(got.Fields) != len(row.Fields) {
		t.Fatalf("expected %d fields, got %d", len(row.Fields), len(got.Fields))
	}

	if v := got.Fields["id"]; v.Kind != schema.Int64 || v.Data.(int64) != 42 {
		t.Errorf("unexpected id: %+v", v)
	}
	if v := got.Fields["count"]; v.Kind != schema.Int32 || v.Data.(int32) != 5 {
		t.Errorf("unexpected count: %+v", v)
	}
	if v := got.Fields["name"]; v.Kind != schema.String || v.Data.(string) != "x" {
		t.Errorf("unexpected name: %+v", v)
	}
	if v := got.Fields["raw"]; v.Kind != schema.Bytes || !bytes.Equal(v.Data.([]byte), []byte{0x01, 0x02}) {
		t.Errorf("unexpected raw: %+v", v)
	}
	if v := got.Fields["ratio"]; v.Kind != schema.Float || v.Data.(float32) != 0.25 {
		t.Errorf("unexpected ratio: %+v", v)
	}
	if v := got.Fields["seen_at"]; v.Kind != schema.Timestamp || !v.Data.(time.Time).Equal(ts) {
		t.Errorf("unexpected seen_at: %+v", v)
	}
	if v := got.Fields["tags"]; v.Kind != schema.StringList || len(v.Data.([]string)) != 2 {
		t.Errorf("unexpected tags: %+v", v)
	}
	if v := got.Fields["scores"]; v.Kind != schema.Int64List || v.Data.([]int64)[2] != 3 {
		t.Errorf("unexpected scores: %+v", v)
	}
}

func TestEncode_Deterministic(t *testing.T) {
	row := &Row{Fields: map[string]Value{
		"a": {Kind: schema.Int32, Data: int32(1)},
		"b": {Kind: schema.String, Data: "two"},
		"c": {Kind: schema.Bool, Data: false},
	}}
	first, err := Encode(row)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	for i := 0; i < 10; i++ {
		next, err := Encode(row)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		if !bytes.Equal(first, next) {
			t.Fatal("encoding is not deterministic")
		}
	}
}

func TestEncode_KindMismatch(t *testing.T) {
	_, err := Encode(&Row{Fields: map[string]Value{
		"a": {Kind: schema.Int64, Data: "not a number"},
	}})
	if err == nil {
		t.Fatal("expected error for mismatched kind")
	}
}

func TestParse_UnsetValue(t *testing.T) {
	payload, err := Encode(&Row{Fields: map[string]Value{"a": {Kind: schema.Invalid}}})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	row, err := Parse(payload)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	v, ok := row.Fields["a"]
	if !ok {
		t.Fatal("expected field a to be present")
	}
	if v.Kind != schema.Invalid {
		t.Errorf("expected INVALID kind for unset value, got %s", v.Kind)
	}
}

func TestParse_DuplicateNameLastWins(t *testing.T) {
	first, _ := Encode(&Row{Fields: map[string]Value{"a": {Kind: schema.Int32, Data: int32(1)}}})
	second, _ := Encode(&Row{Fields: map[string]Value{"a": {Kind: schema.Int32, Data: int32(2)}}})

	// Concatenated messages merge; the repeated list keeps both entries.
	row, err := Parse(append(first, second...))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got := row.Fields["a"].Data.(int32); got != 2 {
		t.Errorf("expected last occurrence 2, got %d", got)
	}
}

func TestParse_Malformed(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
	}{
		{"truncated length", []byte{0x0a, 0x05, 0x01}},
		{"invalid wire type", []byte{0x0f}},
		{"plain text", []byte("hello, world")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse(tt.payload); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestParse_UnknownTag(t *testing.T) {
	payload, err := Encode(&Row{Fields: map[string]Value{"a": {Kind: schema.Int32, Data: int32(1)}}})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	payload = protowire.AppendTag(payload, 9, protowire.VarintType)
	payload = protowire.AppendVarint(payload, 1)

	_, err = Parse(payload)
	if !errors.Is(err, ErrUnknownField) {
		t.Fatalf("expected ErrUnknownField, got %v", err)
	}
}

func TestParse_Empty(t *testing.T) {
	row, err := Parse(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(row.Fields) != 0 {
		t.Errorf("expected no fields, got %d", len(row.Fields))
	}
}

func TestParseText(t *testing.T) {
	tests := []struct {
		kind    schema.ValueKind
		input   string
		check   func(any) bool
		wantErr bool
	}{
		{schema.Int32, "5", func(v any) bool { return v.(int32) == 5 }, false},
		{schema.Int32, "99999999999", nil, true},
		{schema.Int64, "-7", func(v any) bool { return v.(int64) == -7 }, false},
		{schema.Double, "1.5", func(v any) bool { return v.(float64) == 1.5 }, false},
		{schema.Bool, "true", func(v any) bool { return v.(bool) }, false},
		{schema.String, "x", func(v any) bool { return v.(string) == "x" }, false},
		{schema.Bytes, "AQI=", func(v any) bool { return bytes.Equal(v.([]byte), []byte{1, 2}) }, false},
		{schema.Timestamp, "2024-03-01T12:00:00Z", func(v any) bool { return v.(time.Time).Year() == 2024 }, false},
		{schema.Int64List, "1, 2,3", func(v any) bool { return len(v.([]int64)) == 3 }, false},
		{schema.StringList, "", func(v any) bool { return len(v.([]string)) == 0 }, false},
		{schema.BoolList, "true,nope", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.kind.String()+"/"+tt.input, func(t *testing.T) {
			v, err := ParseText(tt.kind, tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if v.Kind != tt.kind {
				t.Errorf("expected kind %s, got %s", tt.kind, v.Kind)
			}
			if !tt.check(v.Data) {
				t.Errorf("unexpected value %#v", v.Data)
			}
		})
	}
}

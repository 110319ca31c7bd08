// Package schema describes the statically configured field layout records are decoded against.
package schema

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
)

// ValueKind is the type tag a field is declared with.
type ValueKind int

const (
	Invalid ValueKind = iota
	Bytes
	String
	Int32
	Int64
	Double
	Float
	Bool
	Timestamp
	BytesList
	StringList
	Int32List
	Int64List
	DoubleList
	FloatList
	BoolList
)

var kindNames = map[ValueKind]string{
	Invalid:    "INVALID",
	Bytes:      "BYTES",
	String:     "STRING",
	Int32:      "INT32",
	Int64:      "INT64",
	Double:     "DOUBLE",
	Float:      "FLOAT",
	Bool:       "BOOL",
	Timestamp:  "TIMESTAMP",
	BytesList:  "BYTES_LIST",
	StringList: "STRING_LIST",
	Int32List:  "INT32_LIST",
	Int64List:  "INT64_LIST",
	DoubleList: "DOUBLE_LIST",
	FloatList:  "FLOAT_LIST",
	BoolList:   "BOOL_LIST",
}

func (k ValueKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("ValueKind(%d)", int(k))
}

// IsList reports whether k is one of the repeated kinds.
func (k ValueKind) IsList() bool {
	return k >= BytesList && k <= BoolList
}

// ParseValueKind parses a kind name such as "int64" or "STRING_LIST".
func ParseValueKind(s string) (ValueKind, error) {
	name := strings.ToUpper(strings.TrimSpace(s))
	for k, n := range kindNames {
		if k != Invalid && n == name {
			return k, nil
		}
	}
	return Invalid, fmt.Errorf("unknown value kind %q", s)
}

// UnmarshalText lets kinds be read directly from YAML job definitions.
func (k *ValueKind) UnmarshalText(text []byte) error {
	parsed, err := ParseValueKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// MarshalText renders the kind name.
func (k ValueKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// FieldSchema maps field names to their declared kinds. It is immutable once
// built and safe for concurrent use.
type FieldSchema struct {
	kinds map[string]ValueKind
	names []string
}

// NewFieldSchema validates and freezes a field mapping.
func NewFieldSchema(fields map[string]ValueKind) (*FieldSchema, error) {
	if len(fields) == 0 {
		return nil, errors.New("field schema must declare at least one field")
	}

	var errs []error
	for name, kind := range fields {
		if strings.TrimSpace(name) == "" {
			errs = append(errs, errors.New("field name cannot be empty"))
		}
		if _, ok := kindNames[kind]; !ok || kind == Invalid {
			errs = append(errs, fmt.Errorf("field %q: invalid value kind %s", name, kind))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	kinds := maps.Clone(fields)
	names := slices.Sorted(maps.Keys(kinds))
	return &FieldSchema{kinds: kinds, names: names}, nil
}

// Names returns the declared field names in sorted order.
func (s *FieldSchema) Names() []string {
	return slices.Clone(s.names)
}

// Kind returns the declared kind of a field.
func (s *FieldSchema) Kind(name string) (ValueKind, bool) {
	k, ok := s.kinds[name]
	return k, ok
}

// Len returns the number of declared fields.
func (s *FieldSchema) Len() int { return len(s.names) }

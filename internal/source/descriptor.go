package source

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// Kind identifies the protocol family of a source. Only Kafka is supported.
type Kind int

const (
	KindUnknown Kind = iota
	KindKafka
)

func (k Kind) String() string {
	switch k {
	case KindKafka:
		return "kafka"
	default:
		return "unknown"
	}
}

// ParseKind maps a configuration string onto a Kind. Unrecognised values map
// to KindUnknown, which NewDescriptor rejects.
func ParseKind(s string) Kind {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "kafka":
		return KindKafka
	default:
		return KindUnknown
	}
}

var (
	ErrUnsupportedKind = errors.New("source kind must be kafka")
	ErrNoEndpoints     = errors.New("endpoints cannot be empty")
	ErrNoStreamID      = errors.New("stream id (topic) cannot be empty")
)

// Descriptor holds validated connection parameters for a source. The zero
// value is not valid; build one with NewDescriptor.
type Descriptor struct {
	kind      Kind
	endpoints []string
	streamID  string
}

// NewDescriptor validates the candidate parameters and returns a frozen
// Descriptor. All problems are reported together.
func NewDescriptor(kind Kind, endpoints []string, streamID string) (Descriptor, error) {
	var errs []error

	if kind != KindKafka {
		errs = append(errs, fmt.Errorf("%w, got %s", ErrUnsupportedKind, kind))
	}
	if len(endpoints) == 0 {
		errs = append(errs, ErrNoEndpoints)
	}
	for i, ep := range endpoints {
		if strings.TrimSpace(ep) == "" {
			errs = append(errs, fmt.Errorf("endpoint %d is blank", i))
		}
	}
	if strings.TrimSpace(streamID) == "" {
		errs = append(errs, ErrNoStreamID)
	}

	if err := errors.Join(errs...); err != nil {
		return Descriptor{}, fmt.Errorf("invalid source descriptor: %w", err)
	}

	return Descriptor{
		kind:      kind,
		endpoints: slices.Clone(endpoints),
		streamID:  streamID,
	}, nil
}

// Kind returns the source kind.
func (d Descriptor) Kind() Kind { return d.kind }

// Endpoints returns a copy of the broker endpoints.
func (d Descriptor) Endpoints() []string { return slices.Clone(d.endpoints) }

// StreamID returns the topic the source reads.
func (d Descriptor) StreamID() string { return d.streamID }

// Valid reports whether d was produced by NewDescriptor.
func (d Descriptor) Valid() bool {
	return d.kind == KindKafka && len(d.endpoints) > 0 && d.streamID != ""
}

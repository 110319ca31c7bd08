// Package route delivers decode outcomes to one of two named outputs.
package route

import (
	"context"
	"errors"
	"fmt"

	"github.com/lsm/ingest/internal/decode"
	"github.com/lsm/ingest/internal/dlq"
	"github.com/lsm/ingest/internal/source"
)

// Channel names an output.
type Channel int

const (
	ChannelSuccess Channel = iota
	ChannelFailure
)

func (c Channel) String() string {
	if c == ChannelSuccess {
		return "success"
	}
	return "failure"
}

// SuccessOutput receives decoded records. origin is the record they were
// decoded from, for keys and positions; outputs must not modify it.
type SuccessOutput interface {
	EmitSuccess(ctx context.Context, rec *decode.StructuredRecord, origin source.RawRecord) error
}

// FailureOutput receives failure elements.
type FailureOutput interface {
	EmitFailure(ctx context.Context, el dlq.FailureElement) error
}

// SuccessFunc adapts a function to SuccessOutput.
type SuccessFunc func(ctx context.Context, rec *decode.StructuredRecord, origin source.RawRecord) error

func (f SuccessFunc) EmitSuccess(ctx context.Context, rec *decode.StructuredRecord, origin source.RawRecord) error {
	return f(ctx, rec, origin)
}

// FailureFunc adapts a function to FailureOutput.
type FailureFunc func(ctx context.Context, el dlq.FailureElement) error

func (f FailureFunc) EmitFailure(ctx context.Context, el dlq.FailureElement) error {
	return f(ctx, el)
}

// Router sends each outcome to exactly one output. It holds no mutable
// state; ordering is whatever order the caller routes in.
type Router struct {
	success SuccessOutput
	failure FailureOutput
	builder *dlq.Builder
}

// New creates a Router. All arguments are required.
func New(success SuccessOutput, failure FailureOutput, builder *dlq.Builder) (*Router, error) {
	var errs []error
	if success == nil {
		errs = append(errs, errors.New("success output is required"))
	}
	if failure == nil {
		errs = append(errs, errors.New("failure output is required"))
	}
	if builder == nil {
		errs = append(errs, errors.New("failure builder is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return &Router{success: success, failure: failure, builder: builder}, nil
}

// Route delivers out to its channel and reports which one. An error means
// the output itself failed and the record was not delivered anywhere.
func (r *Router) Route(ctx context.Context, rec source.RawRecord, out decode.Outcome) (Channel, error) {
	if out.Failure == nil && out.Record != nil {
		if err := r.success.EmitSuccess(ctx, out.Record, rec); err != nil {
			return ChannelSuccess, fmt.Errorf("emit success: %w", err)
		}
		return ChannelSuccess, nil
	}

	f := out.Failure
	if f == nil {
		f = &decode.Failure{Stage: decode.StageInternal, Message: "decoder produced no outcome"}
	}
	if err := r.failure.EmitFailure(ctx, r.builder.Build(rec, f)); err != nil {
		return ChannelFailure, fmt.Errorf("emit failure: %w", err)
	}
	return ChannelFailure, nil
}

// Package correlation tracks the identifier that ties a source record to
// whatever the job emitted for it.
package correlation

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/lsm/ingest/internal/tracing"
	"go.opentelemetry.io/otel/propagation"
)

const (
	HeaderCorrelationID  = "ingest-correlation-id"
	HeaderXCorrelationID = "x-correlation-id"
	HeaderXRequestID     = "x-request-id"
	HeaderTraceparent    = "traceparent"
)

// Sources of an ID that was not found on the record.
const (
	SourceGenerated = "generated"
	SourcePosition  = "position"
)

type ID struct {
	Value  string
	Source string
}

// Extract returns the correlation ID carried in headers.
// Priority: ingest-correlation-id > x-correlation-id > x-request-id > traceparent
func Extract(headers map[string]string) (ID, bool) {
	for _, h := range []string{HeaderCorrelationID, HeaderXCorrelationID, HeaderXRequestID} {
		if id := headers[h]; id != "" {
			return ID{Value: id, Source: h}, true
		}
	}
	if tp := headers[HeaderTraceparent]; tp != "" {
		if traceID := extractTraceID(tp); traceID != "" {
			return ID{Value: traceID, Source: HeaderTraceparent}, true
		}
	}
	return ID{}, false
}

// ExtractOrGenerate extracts correlation ID from headers or generates a new UUID.
func ExtractOrGenerate(headers map[string]string) ID {
	if id, ok := Extract(headers); ok {
		return id
	}
	return ID{Value: uuid.New().String(), Source: SourceGenerated}
}

// ExtractOrPosition extracts correlation ID from headers or falls back to the
// record's log position, which is the same on every delivery of the record.
func ExtractOrPosition(headers map[string]string, position string) ID {
	if id, ok := Extract(headers); ok {
		return id
	}
	return ID{Value: position, Source: SourcePosition}
}

// extractTraceID parses W3C traceparent format: version-traceid-parentid-flags
func extractTraceID(traceparent string) string {
	parts := strings.Split(traceparent, "-")
	if len(parts) >= 2 && len(parts[1]) == 32 {
		return parts[1]
	}
	return ""
}

// AddToHeaders adds correlation ID to headers map (creates map if nil)
func AddToHeaders(headers map[string]string, id ID) map[string]string {
	if headers == nil {
		headers = make(map[string]string, 1)
	}
	headers[HeaderCorrelationID] = id.Value
	return headers
}

// ExtractTraceContext returns ctx carrying the remote span found in headers.
func ExtractTraceContext(ctx context.Context, headers map[string]string) context.Context {
	if headers == nil {
		return ctx
	}
	return tracing.Propagator().Extract(ctx, propagation.MapCarrier(headers))
}

// InjectTraceContext writes the span in ctx into headers (creates map if nil).
func InjectTraceContext(ctx context.Context, headers map[string]string) map[string]string {
	if headers == nil {
		headers = make(map[string]string, 2)
	}
	tracing.Propagator().Inject(ctx, propagation.MapCarrier(headers))
	return headers
}

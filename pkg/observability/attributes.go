package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Mindburn-Labs/warrant/pkg/errorir"
)

// Execution attributes.
var (
	AttrCapabilityID = attribute.Key("warrant.capability.id")
	AttrRequester    = attribute.Key("warrant.requester")
	AttrIsolation    = attribute.Key("warrant.isolation")
	AttrExecutionID  = attribute.Key("warrant.execution.id")
	AttrOutcome      = attribute.Key("warrant.outcome")
	AttrErrorKind    = attribute.Key("warrant.error.kind")
)

// ExecutionAttrs returns the low-cardinality attributes for an execution.
func ExecutionAttrs(capabilityID, isolation string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrCapabilityID.String(capabilityID),
		AttrIsolation.String(isolation),
	}
}

// AddSpanEvent adds an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}

// Annotate sets attributes on the current span.
func Annotate(ctx context.Context, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).SetAttributes(attrs...)
}

func errorKind(err error) string {
	return string(errorir.From(err).Kind)
}

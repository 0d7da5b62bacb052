package correlation

import (
	"context"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/trace"
)

// Header is the HTTP header callers may use to supply their own identifier.
const Header = "X-Correlation-ID"

// correlationKey is an unexported type for context keys within this package.
type correlationKey struct{}

// ExtractCorrelationID fetches a correlation ID from the context if present.
func ExtractCorrelationID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if val, ok := ctx.Value(correlationKey{}).(string); ok {
		return val
	}
	return ""
}

// ContextWithCorrelationID sets the correlation ID onto the context.
func ContextWithCorrelationID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, correlationKey{}, id)
}

// EnsureCorrelationID guarantees a correlation ID on the context, generating one when missing.
func EnsureCorrelationID(ctx context.Context) (context.Context, string) {
	cid := ExtractCorrelationID(ctx)
	if cid == "" {
		cid = ulid.Make().String()
	}
	return ContextWithCorrelationID(ctx, cid), cid
}

// Metadata returns the correlation and tracing identifiers carried by ctx,
// skipping the ones that are not set.
func Metadata(ctx context.Context) map[string]string {
	out := map[string]string{}
	if cid := ExtractCorrelationID(ctx); cid != "" {
		out["correlation_id"] = cid
	}
	spanCtx := trace.SpanContextFromContext(ctx)
	if spanCtx.HasTraceID() {
		out["trace_id"] = spanCtx.TraceID().String()
	}
	if spanCtx.HasSpanID() {
		out["span_id"] = spanCtx.SpanID().String()
	}
	return out
}

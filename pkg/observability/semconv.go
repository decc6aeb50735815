package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/gantrylabs/gantry"

// Attribute keys shared by every span the control plane emits.
var (
	AttrInstanceID = attribute.Key("gantry.instance.id")
	AttrUserID     = attribute.Key("gantry.user.id")
	AttrService    = attribute.Key("gantry.service")
	AttrProvider   = attribute.Key("gantry.oauth.provider")
	AttrGateway    = attribute.Key("gantry.billing.gateway")
	AttrEventType  = attribute.Key("gantry.billing.event_type")
)

// StartSpan opens a span on the globally registered tracer. Before the
// provider boots this is a no-op span, so library code can call it
// unconditionally.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, opts...)
}

// SpanFromContext returns the span carried by ctx, or a no-op span.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// AddSpanEvent annotates the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}

// EndSpan closes the span with err recorded, or OK when err is nil.
// Error messages flow into the backend, so callers must hand over the
// same masked errors they surface anywhere else.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

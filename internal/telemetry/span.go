package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerPrefix = "oss-participation/internal/"

// StartDependency opens a per-week or per-search span under the named component.
// When dependency tracing is off it returns ctx unchanged and a non-recording span,
// so callers can always set attributes and call Finish.
func StartDependency(ctx context.Context, component, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if !ShouldTraceDependencies() {
		return ctx, trace.SpanFromContext(context.Background())
	}
	return otel.Tracer(tracerPrefix+component).Start(ctx, name, trace.WithAttributes(attrs...))
}

// Finish sets the span status from err and ends it.
func Finish(span trace.Span, err error, okMessage string) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, okMessage)
	}
	span.End()
}

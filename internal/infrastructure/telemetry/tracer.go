package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	scopeHTTP     = "auction-integrity/http"
	scopeDatabase = "auction-integrity/database"
)

// StartHTTPSpan starts a server span named after the matched route.
func StartHTTPSpan(ctx context.Context, method, route string) (context.Context, trace.Span) {
	return Tracer(scopeHTTP).Start(ctx, method+" "+route,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("http.request.method", method),
			attribute.String("http.route", route),
		))
}

// StartDatabaseSpan starts a client span for one repository call.
func StartDatabaseSpan(ctx context.Context, operation, table string) (context.Context, trace.Span) {
	return Tracer(scopeDatabase).Start(ctx, "db."+operation+" "+table,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.system", "postgresql"),
			attribute.String("db.operation", operation),
			attribute.String("db.sql.table", table),
		))
}

// EndSpan records err when set and ends the span.
func EndSpan(span trace.Span, err error) {
	RecordError(span, err)
	span.End()
}

package log

import (
	"context"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/cri-o/busconn"

// AddConnectionNameAndID returns a context carrying a fresh ID and the given
// name, which every log entry made with it includes.
func AddConnectionNameAndID(ctx context.Context, name string) context.Context {
	ctx = context.WithValue(ctx, connectionID{}, uuid.New().String())
	return context.WithValue(ctx, connectionName{}, name)
}

// IDFromContext returns the connection ID stored in ctx or "unknown".
func IDFromContext(ctx context.Context) string {
	if ctx != nil {
		if id, ok := ctx.Value(connectionID{}).(string); ok {
			return id
		}
	}
	return "unknown"
}

// StartSpan starts a span named name as a child of the span in ctx. The
// span carries the connection ID of ctx.
func StartSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, name)
	if span.IsRecording() {
		span.SetAttributes(connectionIDAttribute(ctx))
	}
	return ctx, span
}

func connectionIDAttribute(ctx context.Context) attribute.KeyValue {
	return attribute.String("connection.id", IDFromContext(ctx))
}

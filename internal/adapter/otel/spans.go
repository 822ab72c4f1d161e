package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "enclave"

// StartExecuteSpan starts a span for a plugin invocation on an agent.
func StartExecuteSpan(ctx context.Context, agentID, operation string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "execute",
		trace.WithAttributes(
			attribute.String("agent.id", agentID),
			attribute.String("execute.operation", operation),
		),
	)
}

// StartSnapshotSpan starts a span for a snapshot capture or recovery.
func StartSnapshotSpan(ctx context.Context, agentID, action string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "snapshot",
		trace.WithAttributes(
			attribute.String("agent.id", agentID),
			attribute.String("snapshot.action", action),
		),
	)
}

// StartAgreementSpan starts a span for a lease-mediated call.
func StartAgreementSpan(ctx context.Context, agreementID, operation string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "agreement.execute",
		trace.WithAttributes(
			attribute.String("agreement.id", agreementID),
			attribute.String("execute.operation", operation),
		),
	)
}

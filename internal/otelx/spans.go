package otelx

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for task hub spans.
var (
	AttrTaskID       = attribute.Key("a2a_taskhub.task.id")
	AttrTaskCode     = attribute.Key("a2a_taskhub.task.code")
	AttrAgentID      = attribute.Key("a2a_taskhub.agent.id")
	AttrTraceID      = attribute.Key("a2a_taskhub.trace.id")
	AttrDLQID        = attribute.Key("a2a_taskhub.dlq.id")
	AttrRoutingRule  = attribute.Key("a2a_taskhub.routing.rule_id")
	AttrReasonCode   = attribute.Key("a2a_taskhub.reason_code")
	AttrRetryCount   = attribute.Key("a2a_taskhub.retry_count")
	AttrLeaseOwner   = attribute.Key("a2a_taskhub.lease.owner")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound request (Gateway).
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound call to an agent's own endpoint.
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for gateway spans.
var (
	AttrConnID     = attribute.Key("reclaw.conn.id")
	AttrMethod     = attribute.Key("reclaw.rpc.method")
	AttrSessionKey = attribute.Key("reclaw.session.key")
	AttrRunID      = attribute.Key("reclaw.run.id")
	AttrAgentID    = attribute.Key("reclaw.agent.id")
	AttrChannel    = attribute.Key("reclaw.channel")
	AttrJobID      = attribute.Key("reclaw.cron.job_id")
	AttrNodeID     = attribute.Key("reclaw.node.id")
)

// StartSpan starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound request (RPC or HTTP).
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound call (plugin bridge,
// outbound relay, model backend).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

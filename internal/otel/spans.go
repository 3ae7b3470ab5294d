package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for orchestrator spans.
var (
	AttrAgentID    = attribute.Key("orchestrator.agent.id")
	AttrTeamID     = attribute.Key("orchestrator.team.id")
	AttrSwarmID    = attribute.Key("orchestrator.swarm.id")
	AttrJobID      = attribute.Key("orchestrator.job.id")
	AttrBatchIndex = attribute.Key("orchestrator.batch.index")
	AttrPartition  = attribute.Key("orchestrator.partition.key")
	AttrProvider   = attribute.Key("orchestrator.provider")
	AttrModel      = attribute.Key("orchestrator.model")
	AttrMessageID  = attribute.Key("orchestrator.message.id")
	AttrChannel    = attribute.Key("orchestrator.channel")
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

// StartClientSpan starts a span for an outbound call (LLM API, MCP).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for engine spans.
var (
	AttrAgentKind = attribute.Key("stackgraph.agent.kind")
	AttrTaskID    = attribute.Key("stackgraph.task.id")
	AttrPipeline  = attribute.Key("stackgraph.sync.pipeline")
	AttrGoal      = attribute.Key("stackgraph.goal.text")
	AttrIteration = attribute.Key("stackgraph.goal.iteration")
	AttrLabel     = attribute.Key("stackgraph.graph.label")
	AttrProvider  = attribute.Key("stackgraph.provider.name")
	AttrErrorKind = attribute.Key("stackgraph.error.kind")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartClientSpan starts a span for an outbound call (provider, graph, LLM).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

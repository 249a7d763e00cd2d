package shared

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}
type taskIDKey struct{}
type pipelineKey struct{}
type goalIDKey struct{}

// WithTraceID attaches a trace_id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts trace_id from context. Returns "-" if absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewTraceID generates a new trace_id.
func NewTraceID() string {
	return uuid.NewString()
}

// WithTaskID attaches a task_id to the context.
func WithTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, taskIDKey{}, taskID)
}

// TaskID extracts task_id from context. Returns "" if absent.
func TaskID(ctx context.Context) string {
	if v, ok := ctx.Value(taskIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithPipeline attaches the running sync pipeline name to the context.
func WithPipeline(ctx context.Context, pipeline string) context.Context {
	return context.WithValue(ctx, pipelineKey{}, pipeline)
}

// Pipeline extracts the sync pipeline name. Returns "" if absent.
func Pipeline(ctx context.Context) string {
	if v, ok := ctx.Value(pipelineKey{}).(string); ok {
		return v
	}
	return ""
}

// WithGoalID attaches a goal run identifier to the context.
func WithGoalID(ctx context.Context, goalID string) context.Context {
	return context.WithValue(ctx, goalIDKey{}, goalID)
}

// GoalID extracts the goal run identifier. Returns "" if absent.
func GoalID(ctx context.Context) string {
	if v, ok := ctx.Value(goalIDKey{}).(string); ok {
		return v
	}
	return ""
}

// NewGoalID generates a new goal run identifier.
func NewGoalID() string {
	return uuid.NewString()
}

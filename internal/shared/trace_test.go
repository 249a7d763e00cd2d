package shared

import (
	"context"
	"testing"
)

func TestTraceID_RoundTrip(t *testing.T) {
	ctx := context.Background()

	// Default is "-".
	if got := TraceID(ctx); got != "-" {
		t.Fatalf("expected -, got %q", got)
	}

	ctx = WithTraceID(ctx, "trace-1")
	if got := TraceID(ctx); got != "trace-1" {
		t.Fatalf("expected trace-1, got %q", got)
	}

	// Overwrite.
	ctx = WithTraceID(ctx, "trace-2")
	if got := TraceID(ctx); got != "trace-2" {
		t.Fatalf("expected trace-2, got %q", got)
	}
}

func TestTaskID_DefaultEmpty(t *testing.T) {
	ctx := context.Background()
	if got := TaskID(ctx); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
	ctx = WithTaskID(ctx, "task-9")
	if got := TaskID(ctx); got != "task-9" {
		t.Fatalf("expected task-9, got %q", got)
	}
}

func TestPipelineAndGoalID(t *testing.T) {
	ctx := context.Background()
	if got := Pipeline(ctx); got != "" {
		t.Fatalf("expected empty pipeline, got %q", got)
	}
	ctx = WithPipeline(ctx, "notes")
	ctx = WithGoalID(ctx, "goal-1")
	if got := Pipeline(ctx); got != "notes" {
		t.Fatalf("expected notes, got %q", got)
	}
	if got := GoalID(ctx); got != "goal-1" {
		t.Fatalf("expected goal-1, got %q", got)
	}
}

func TestNewTraceID_Unique(t *testing.T) {
	if NewTraceID() == NewTraceID() {
		t.Fatal("trace ids collide")
	}
}

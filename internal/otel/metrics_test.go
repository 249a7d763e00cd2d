package otel

import (
	"context"
	"testing"
)

func TestNewMetrics_AllInstrumentsCreated(t *testing.T) {
	p, err := Init(context.Background(), Config{
		Enabled:  true,
		Exporter: "none",
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	if m.SyncDuration == nil {
		t.Error("SyncDuration is nil")
	}
	if m.SyncWrites == nil {
		t.Error("SyncWrites is nil")
	}
	if m.SyncIgnored == nil {
		t.Error("SyncIgnored is nil")
	}
	if m.TaskDuration == nil {
		t.Error("TaskDuration is nil")
	}
	if m.TaskFailures == nil {
		t.Error("TaskFailures is nil")
	}
	if m.GoalIterations == nil {
		t.Error("GoalIterations is nil")
	}
	if m.ActiveGoals == nil {
		t.Error("ActiveGoals is nil")
	}
	if m.EmbeddingCalls == nil {
		t.Error("EmbeddingCalls is nil")
	}
	if m.TaskQueueDepth == nil {
		t.Error("TaskQueueDepth is nil")
	}
}

func TestNewMetrics_NoopMeter(t *testing.T) {
	// Disabled OTel returns noop meter — metrics should still create without error.
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics with noop: %v", err)
	}
	if m == nil {
		t.Fatal("expected non-nil Metrics")
	}
}

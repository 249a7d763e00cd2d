package orchestrator

import (
	"context"
	"sort"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/halyard/stackgraph/internal/graph"
	"github.com/halyard/stackgraph/internal/otel"
	"github.com/halyard/stackgraph/internal/persistence"
	"github.com/halyard/stackgraph/internal/provider"
)

// AgentPerformance is the per-agent summary in system status.
type AgentPerformance struct {
	Kind        string  `json:"kind"`
	Invocations int64   `json:"invocations"`
	SuccessRate float64 `json:"success_rate"`
	AvgLatency  int64   `json:"avg_latency_ms"`
}

// Status is the system snapshot: component reachability, graph counts,
// task backlog and agent performance.
type Status struct {
	GeneratedAt time.Time               `json:"generated_at"`
	Providers   []provider.Reachability `json:"providers"`
	Nodes       map[string]int64        `json:"nodes"`
	Edges       int64                   `json:"edges"`
	Tombstoned  int64                   `json:"tombstoned"`
	PendingTasks int                    `json:"pending_tasks"`
	RunningTasks int                    `json:"running_tasks"`
	Agents      []AgentPerformance      `json:"agents"`
	VCS         *provider.VCSStatus     `json:"vcs,omitempty"`
}

// SystemStatus probes every provider and reads the graph and task store
// counters. Probe failures degrade the snapshot, they never fail it.
func (o *Orchestrator) SystemStatus(ctx context.Context) (*Status, error) {
	status := &Status{
		GeneratedAt: time.Now().UTC(),
		Nodes:       make(map[string]int64),
	}

	names := make([]string, 0, len(o.providers))
	for name := range o.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		status.Providers = append(status.Providers, provider.Probe(ctx, o.providers[name]))
	}

	stats, err := o.graph.Statistics(ctx)
	if err != nil {
		o.logger.Warn("graph statistics unavailable", "error", err)
	} else {
		for label, count := range stats.NodesByLabel {
			status.Nodes[string(label)] = count
		}
		status.Edges = stats.TotalEdges
		status.Tombstoned = stats.TombstonedAll
	}

	if pending, err := o.store.ListTasks(ctx, persistence.TaskPending, 0); err == nil {
		status.PendingTasks = len(pending)
	}
	if running, err := o.store.ListTasks(ctx, persistence.TaskInProgress, 0); err == nil {
		status.RunningTasks = len(running)
	}

	metrics, err := o.store.AllMetrics(ctx)
	if err != nil {
		o.logger.Warn("agent metrics unavailable", "error", err)
	}
	for _, m := range metrics {
		avg := int64(0)
		if m.Invocations > 0 {
			avg = m.TotalDuration / m.Invocations
		}
		status.Agents = append(status.Agents, AgentPerformance{
			Kind:        m.AgentKind,
			Invocations: m.Invocations,
			SuccessRate: m.SuccessRate(),
			AvgLatency:  avg,
		})
	}

	if o.vcs != nil {
		if st, err := o.vcs.Status(ctx); err == nil {
			status.VCS = &st
		}
	}
	return status, nil
}

// Compact purges tombstones older than the configured retention window.
func (o *Orchestrator) Compact(ctx context.Context) (int64, error) {
	retain := time.Duration(o.cfg.Compaction.RetainDays) * 24 * time.Hour
	return o.graph.Compact(ctx, retain)
}

// Similarity searches vector-indexed notes for the query embedding.
func (o *Orchestrator) Similarity(ctx context.Context, text string, k int) ([]graph.SimilarityHit, error) {
	if o.tracer != nil {
		var span trace.Span
		ctx, span = otel.StartClientSpan(ctx, o.tracer, "graph.similarity",
			otel.AttrLabel.String(string(graph.LabelNote)))
		defer span.End()
	}
	vec, err := o.embedder.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	if o.metrics != nil {
		o.metrics.EmbeddingCalls.Add(ctx, 1)
	}
	vec32 := make([]float32, len(vec))
	for i, v := range vec {
		vec32[i] = float32(v)
	}
	return o.graph.Similarity(ctx, graph.LabelNote, vec32, k)
}

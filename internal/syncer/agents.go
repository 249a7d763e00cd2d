package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/halyard/stackgraph/internal/graph"
	"github.com/halyard/stackgraph/internal/journal"
	"github.com/halyard/stackgraph/internal/shared"
)

// AgentInfo is one registered agent as seen by the agents pipeline.
type AgentInfo struct {
	Kind         string
	Description  string
	Capabilities []string
}

// AgentsPipeline mirrors the registered agent descriptors into Agent nodes
// with MANAGES edges toward the Project. The catalog is a closure so this
// package stays independent of the registry implementation.
type AgentsPipeline struct {
	catalog   func() []AgentInfo
	store     graphStore
	journal   *journal.Journal
	logger    *slog.Logger
	projectID string
}

func NewAgentsPipeline(catalog func() []AgentInfo, store graphStore, jnl *journal.Journal, logger *slog.Logger, projectID string) *AgentsPipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &AgentsPipeline{catalog: catalog, store: store, journal: jnl, logger: logger, projectID: projectID}
}

func (p *AgentsPipeline) Name() string { return "agents" }

func (p *AgentsPipeline) Run(ctx context.Context) (PipelineResult, error) {
	var result PipelineResult
	agents := p.catalog()
	result.Observed = len(agents)

	var records []Record
	for _, a := range agents {
		if a.Kind == "" {
			result.Ignored++
			if p.journal != nil {
				_ = p.journal.Append(journal.CategoryAgents, "agent descriptor missing kind", a)
			}
			continue
		}
		caps := append([]string{}, a.Capabilities...)
		sort.Strings(caps)
		payload := fmt.Sprintf("description=%s\ncapabilities=%s\n", a.Description, strings.Join(caps, ","))
		records = append(records, Record{
			ID:   a.Kind,
			Hash: shared.ContentHash(payload),
			Props: map[string]any{
				"name":         a.Kind,
				"description":  a.Description,
				"capabilities": strings.Join(caps, ","),
			},
		})
	}

	current, err := p.store.Projection(ctx, graph.LabelAgent)
	if err != nil {
		return result, err
	}

	cs := Diff(graph.LabelAgent, records, current)
	for _, rec := range append(append([]Record{}, cs.ToCreate...), cs.ToUpdate...) {
		cs.EdgesToMerge = append(cs.EdgesToMerge, EdgeMerge{
			Source: graph.Ref{Label: graph.LabelAgent, ID: rec.ID},
			Type:   graph.EdgeManages,
			Target: graph.Ref{Label: graph.LabelProject, ID: p.projectID},
		})
	}

	if !cs.Empty() {
		if err := p.store.Batch(ctx, cs.Ops(nil)); err != nil {
			return result, err
		}
	}
	result.Created = len(cs.ToCreate)
	result.Updated = len(cs.ToUpdate)
	result.Tombstoned = len(cs.ToTombstone)
	result.Edges = len(cs.EdgesToMerge)
	return result, nil
}

package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/halyard/stackgraph/internal/graph"
	"github.com/halyard/stackgraph/internal/journal"
	"github.com/halyard/stackgraph/internal/provider"
	"github.com/halyard/stackgraph/internal/shared"
)

// mcpSource is the provider slice the mcps pipeline observes.
type mcpSource interface {
	Reachable(ctx context.Context) error
	List(ctx context.Context) ([]provider.MCPServerRecord, error)
}

// MCPPipeline mirrors the MCP registry into MCPServer nodes and correlates
// each server with the Service backing it. Correlation uses one rule: a
// service whose name contains the server name, case-insensitively, gets a
// USES edge from the server. Observation spans both the registry and the
// container runtime: a server is soft-deleted only when both agree it is
// gone.
type MCPPipeline struct {
	source  mcpSource
	runtime containerSource
	store   graphStore
	journal *journal.Journal
	logger  *slog.Logger
}

func NewMCPPipeline(source mcpSource, runtime containerSource, store graphStore, jnl *journal.Journal, logger *slog.Logger) *MCPPipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &MCPPipeline{source: source, runtime: runtime, store: store, journal: jnl, logger: logger}
}

func (p *MCPPipeline) Name() string { return "mcps" }

func (p *MCPPipeline) Run(ctx context.Context) (PipelineResult, error) {
	var result PipelineResult
	if err := p.source.Reachable(ctx); err != nil {
		return result, err
	}

	servers, err := p.source.List(ctx)
	if err != nil {
		return result, err
	}
	result.Observed = len(servers)

	var records []Record
	for _, s := range servers {
		if s.Name == "" {
			result.Ignored++
			if p.journal != nil {
				_ = p.journal.Append(journal.CategoryMCPs, "server entry missing name", s)
			}
			continue
		}
		if s.Command == "" && s.URL == "" {
			result.Ignored++
			if p.journal != nil {
				_ = p.journal.Append(journal.CategoryMCPs, "server entry has neither command nor url", s)
			}
			continue
		}
		records = append(records, mcpRecord(s))
	}

	current, err := p.store.Projection(ctx, graph.LabelMCPServer)
	if err != nil {
		return result, err
	}
	services, err := p.store.Projection(ctx, graph.LabelService)
	if err != nil {
		return result, err
	}

	// The correlated service set participates in each server's hash, so a
	// matching service appearing or vanishing marks the server updated and
	// refreshes its USES edges; an unchanged world writes nothing.
	for i := range records {
		matches := correlatedServices(records[i].ID, services)
		records[i].Hash = shared.ContentHash(records[i].Hash + "\ncorrelates=" + strings.Join(matches, ","))
		records[i].Props["correlates"] = strings.Join(matches, ",")
	}

	cs := Diff(graph.LabelMCPServer, records, current)
	if len(cs.ToTombstone) > 0 && p.runtime != nil {
		cs.ToTombstone = p.confirmGone(ctx, cs.ToTombstone, &result)
	}
	changed := append(append([]Record{}, cs.ToCreate...), cs.ToUpdate...)
	cs.EdgesToMerge = correlate(changed, services)

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

// confirmGone keeps only the servers the container runtime also no longer
// runs. A server dropped from the registry but still running keeps its
// node; an unreachable runtime defers every tombstone to a later run.
func (p *MCPPipeline) confirmGone(ctx context.Context, ids []string, result *PipelineResult) []string {
	containers, err := p.runtime.List(ctx)
	if err != nil {
		msg := fmt.Sprintf("deferring %d server tombstones, runtime unreachable: %v", len(ids), err)
		result.Warnings = append(result.Warnings, msg)
		p.logger.Warn("cannot confirm server absence", "count", len(ids), "error", err)
		if p.journal != nil {
			_ = p.journal.Append(journal.CategoryMCPs, msg, ids)
		}
		return nil
	}
	var gone []string
	for _, id := range ids {
		if name := runningContainerFor(id, containers); name != "" {
			msg := fmt.Sprintf("server %s left the registry but container %s still runs", id, name)
			result.Warnings = append(result.Warnings, msg)
			p.logger.Warn("holding server tombstone", "server", id, "container", name)
			if p.journal != nil {
				_ = p.journal.Append(journal.CategoryMCPs, msg, map[string]any{"server": id, "container": name})
			}
			continue
		}
		gone = append(gone, id)
	}
	return gone
}

// runningContainerFor matches servers to containers with the same rule the
// USES correlation uses: container name contains the server name,
// case-insensitively. Stopped containers do not count as presence.
func runningContainerFor(serverName string, containers []provider.ContainerRecord) string {
	needle := strings.ToLower(serverName)
	for _, c := range containers {
		if c.State != "running" {
			continue
		}
		if strings.Contains(strings.ToLower(c.Name), needle) {
			return c.Name
		}
	}
	return ""
}

// correlatedServices returns the live service ids whose name contains the
// server name, case-insensitively, in sorted order.
func correlatedServices(serverName string, services map[string]graph.Node) []string {
	needle := strings.ToLower(serverName)
	var matches []string
	for svcID, svc := range services {
		if svc.Tombstoned() {
			continue
		}
		if strings.Contains(strings.ToLower(svcID), needle) {
			matches = append(matches, svcID)
		}
	}
	sort.Strings(matches)
	return matches
}

// correlate emits USES edges for the changed, enabled servers. Each edge
// records the rule that produced it.
func correlate(servers []Record, services map[string]graph.Node) []EdgeMerge {
	var edges []EdgeMerge
	for _, srv := range servers {
		if enabled, ok := srv.Props["enabled"].(bool); ok && !enabled {
			continue
		}
		for _, svcID := range correlatedServices(srv.ID, services) {
			edges = append(edges, EdgeMerge{
				Source: graph.Ref{Label: graph.LabelMCPServer, ID: srv.ID},
				Type:   graph.EdgeUses,
				Target: graph.Ref{Label: graph.LabelService, ID: svcID},
				Props:  map[string]any{"description": "rule=" + CorrelationRule},
			})
		}
	}
	return edges
}

func mcpRecord(s provider.MCPServerRecord) Record {
	var sb strings.Builder
	fmt.Fprintf(&sb, "command=%s\nargs=%s\nurl=%s\ntransport=%s\nenabled=%t\ndescription=%s\n",
		s.Command, strings.Join(s.Args, " "), s.URL, s.Transport, s.Enabled, s.Description)

	props := map[string]any{
		"name":        s.Name,
		"command":     s.Command,
		"args":        strings.Join(s.Args, " "),
		"url":         s.URL,
		"transport":   s.Transport,
		"enabled":     s.Enabled,
		"description": s.Description,
	}
	return Record{
		ID:    s.Name,
		Hash:  shared.ContentHash(sb.String()),
		Props: props,
	}
}

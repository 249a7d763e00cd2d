package syncer

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/halyard/stackgraph/internal/graph"
	"github.com/halyard/stackgraph/internal/journal"
	"github.com/halyard/stackgraph/internal/shared"
)

// ConfigsPipeline mirrors the tracked configuration files (compose
// definition, MCP registry, engine config) into Config nodes. A tracked
// path that does not exist is journaled, not fatal: the file may simply
// not be provisioned yet.
type ConfigsPipeline struct {
	paths     []string
	store     graphStore
	journal   *journal.Journal
	logger    *slog.Logger
	projectID string
}

func NewConfigsPipeline(paths []string, store graphStore, jnl *journal.Journal, logger *slog.Logger, projectID string) *ConfigsPipeline {
	if logger == nil {
		logger = slog.Default()
	}
	tracked := make([]string, 0, len(paths))
	for _, p := range paths {
		if p != "" {
			tracked = append(tracked, p)
		}
	}
	sort.Strings(tracked)
	return &ConfigsPipeline{paths: tracked, store: store, journal: jnl, logger: logger, projectID: projectID}
}

func (p *ConfigsPipeline) Name() string { return "configs" }

func (p *ConfigsPipeline) Run(ctx context.Context) (PipelineResult, error) {
	var result PipelineResult
	var records []Record
	for _, path := range p.paths {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		data, err := os.ReadFile(path)
		if err != nil {
			result.Ignored++
			if p.journal != nil {
				_ = p.journal.Append(journal.CategoryConfigs, "config file unreadable: "+err.Error(), map[string]any{"path": path})
			}
			continue
		}
		result.Observed++
		records = append(records, Record{
			ID:   path,
			Hash: shared.ContentHash(string(data)),
			Props: map[string]any{
				"name":   filepath.Base(path),
				"path":   path,
				"format": configFormat(path),
			},
		})
	}

	current, err := p.store.Projection(ctx, graph.LabelConfig)
	if err != nil {
		return result, err
	}

	cs := Diff(graph.LabelConfig, records, current)
	for _, rec := range append(append([]Record{}, cs.ToCreate...), cs.ToUpdate...) {
		cs.EdgesToMerge = append(cs.EdgesToMerge, EdgeMerge{
			Source: graph.Ref{Label: graph.LabelProject, ID: p.projectID},
			Type:   graph.EdgeContains,
			Target: graph.Ref{Label: graph.LabelConfig, ID: rec.ID},
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

func configFormat(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return "yaml"
	case ".json":
		return "json"
	case ".toml":
		return "toml"
	case ".env":
		return "env"
	default:
		return "text"
	}
}

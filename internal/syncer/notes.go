package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"

	"github.com/halyard/stackgraph/internal/graph"
	"github.com/halyard/stackgraph/internal/journal"
	"github.com/halyard/stackgraph/internal/persistence"
	"github.com/halyard/stackgraph/internal/provider"
)

// noteSource is the provider slice the notes pipeline observes.
type noteSource interface {
	Reachable(ctx context.Context) error
	List(ctx context.Context) ([]provider.NoteRecord, []provider.SkippedNote, error)
}

// linkStore is the persistence slice holding unresolved wiki links.
type linkStore interface {
	AddPendingLink(ctx context.Context, sourcePath, targetTitle string) error
	PendingLinks(ctx context.Context) ([]persistence.PendingLink, error)
	ResolvePendingLink(ctx context.Context, sourcePath, targetTitle string) error
	DropLinksFromSource(ctx context.Context, sourcePath string) error
}

// NotesPipeline mirrors the vault into Note nodes with Tag nodes, TAGGED
// and LINKS_TO edges, and hash-gated embeddings. Embedding failure
// downgrades to a journaled warning; the note is still written.
type NotesPipeline struct {
	source   noteSource
	store    graphStore
	embedder provider.Embedder
	links    linkStore
	journal  *journal.Journal
	logger   *slog.Logger
}

func NewNotesPipeline(source noteSource, store graphStore, embedder provider.Embedder, links linkStore, jnl *journal.Journal, logger *slog.Logger) *NotesPipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &NotesPipeline{
		source:   source,
		store:    store,
		embedder: embedder,
		links:    links,
		journal:  jnl,
		logger:   logger,
	}
}

func (p *NotesPipeline) Name() string { return "notes" }

func (p *NotesPipeline) Run(ctx context.Context) (PipelineResult, error) {
	var result PipelineResult
	if err := p.source.Reachable(ctx); err != nil {
		return result, err
	}

	notes, skipped, err := p.source.List(ctx)
	if err != nil {
		return result, err
	}
	result.Observed = len(notes)

	for _, s := range skipped {
		result.Ignored++
		p.logger.Warn("skipping unreadable note", "path", s.Path, "reason", s.Reason)
		if p.journal != nil {
			_ = p.journal.Append(journal.CategoryFiles, "note unreadable: "+s.Reason, s)
		}
	}

	var records []Record
	byID := make(map[string]provider.NoteRecord, len(notes))
	for _, n := range notes {
		if n.Path == "" || n.ContentHash == "" {
			result.Ignored++
			if p.journal != nil {
				_ = p.journal.Append(journal.CategoryFiles, "note missing path or content hash", n)
			}
			continue
		}
		byID[n.Path] = n
		records = append(records, Record{
			ID:   n.Path,
			Hash: n.ContentHash,
			Props: map[string]any{
				"name":  n.Title,
				"path":  n.Path,
				"title": n.Title,
				"tags":  strings.Join(n.Tags, ","),
				"links": strings.Join(n.Links, ","),
			},
			Text: n.Content,
		})
	}

	current, err := p.store.Projection(ctx, graph.LabelNote)
	if err != nil {
		return result, err
	}

	cs := Diff(graph.LabelNote, records, current)

	// Embeddings only for notes whose hash changed; a failed embedding is
	// a warning, never a pipeline abort.
	embeddings := make(map[string][]float32)
	if p.embedder != nil {
		for _, rec := range append(append([]Record{}, cs.ToCreate...), cs.ToUpdate...) {
			vec, err := p.embedder.Embed(ctx, rec.Text)
			if err != nil {
				msg := fmt.Sprintf("embedding failed for %s: %v", rec.ID, err)
				result.Warnings = append(result.Warnings, msg)
				if p.journal != nil {
					_ = p.journal.Append(journal.CategoryFiles, msg, map[string]any{"path": rec.ID})
				}
				p.logger.Warn("embedding failed, upserting without vector", "note", rec.ID, "error", err)
				continue
			}
			embeddings[rec.ID] = toFloat32s(vec)
		}
	}

	// Tag and link edges derive only from changed notes: unchanged notes
	// already carry their edges, and re-merging them would make a no-op
	// sync write (and bump edge weights).
	changed := append(append([]Record{}, cs.ToCreate...), cs.ToUpdate...)
	titleIndex := buildTitleIndex(records, current)
	tagEdges, tagRecords := tagGraph(changed, byID)
	linkEdges := p.resolveLinks(ctx, &result, changed, byID, titleIndex)
	cs.EdgesToMerge = append(cs.EdgesToMerge, tagEdges...)
	cs.EdgesToMerge = append(cs.EdgesToMerge, linkEdges...)

	// Updated notes can also drop tags and links; edges the note no
	// longer carries are retired so the graph's TAGGED/LINKS_TO sets
	// stay equal to the note's own.
	cs.EdgesToDelete = staleNoteEdges(changed, byID, current, titleIndex)
	orphans, err := p.orphanTags(ctx, byID)
	if err != nil {
		return result, err
	}

	// Drop pending links whose source is about to be tombstoned.
	if p.links != nil {
		for _, id := range cs.ToTombstone {
			_ = p.links.DropLinksFromSource(ctx, id)
		}
	}

	ops := tagOps(tagRecords)
	ops = append(ops, cs.Ops(embeddings)...)
	for _, id := range orphans {
		ops = append(ops, graph.WriteOp{
			Kind: graph.OpTombstone,
			Ref:  graph.Ref{Label: graph.LabelTag, ID: id},
		})
	}
	if len(ops) > 0 {
		if err := p.store.Batch(ctx, ops); err != nil {
			return result, err
		}
	}
	result.Created = len(cs.ToCreate) + len(tagRecords)
	result.Updated = len(cs.ToUpdate)
	result.Tombstoned = len(cs.ToTombstone) + len(orphans)
	result.Edges = len(cs.EdgesToMerge) + len(cs.EdgesToDelete)
	return result, nil
}

// staleNoteEdges compares each changed note against its stored tag and
// link sets and returns the edges the new revision dropped. Link titles
// that no longer resolve have no edge to retire.
func staleNoteEdges(changed []Record, byID map[string]provider.NoteRecord, current map[string]graph.Node, titleIndex map[string]string) []EdgeMerge {
	var stale []EdgeMerge
	for _, rec := range changed {
		node, ok := current[rec.ID]
		if !ok {
			continue
		}
		note := byID[rec.ID]
		for _, tag := range droppedItems(node.Props["tags"], note.Tags) {
			stale = append(stale, EdgeMerge{
				Source: graph.Ref{Label: graph.LabelNote, ID: rec.ID},
				Type:   graph.EdgeTagged,
				Target: graph.Ref{Label: graph.LabelTag, ID: tag},
			})
		}
		for _, title := range droppedItems(node.Props["links"], note.Links) {
			targetID, ok := titleIndex[strings.ToLower(title)]
			if !ok || targetID == rec.ID {
				continue
			}
			stale = append(stale, EdgeMerge{
				Source: graph.Ref{Label: graph.LabelNote, ID: rec.ID},
				Type:   graph.EdgeLinksTo,
				Target: graph.Ref{Label: graph.LabelNote, ID: targetID},
			})
		}
	}
	return stale
}

// droppedItems returns the members of the stored comma-joined set absent
// from the observed one.
func droppedItems(stored any, observed []string) []string {
	joined, _ := stored.(string)
	if joined == "" {
		return nil
	}
	keep := make(map[string]bool, len(observed))
	for _, s := range observed {
		keep[s] = true
	}
	var dropped []string
	for _, s := range strings.Split(joined, ",") {
		if s != "" && !keep[s] {
			dropped = append(dropped, s)
		}
	}
	return dropped
}

// orphanTags lists live Tag nodes no observed note references anymore.
func (p *NotesPipeline) orphanTags(ctx context.Context, byID map[string]provider.NoteRecord) ([]string, error) {
	tags, err := p.store.Projection(ctx, graph.LabelTag)
	if err != nil {
		return nil, err
	}
	live := make(map[string]bool)
	for _, n := range byID {
		for _, t := range n.Tags {
			live[t] = true
		}
	}
	var orphans []string
	for id, node := range tags {
		if !node.Tombstoned() && !live[id] {
			orphans = append(orphans, id)
		}
	}
	sort.Strings(orphans)
	return orphans, nil
}

// resolveLinks turns parsed wiki links into LINKS_TO edges where the
// target note exists, queueing the rest and re-resolving earlier queued
// links against this run's title index.
func (p *NotesPipeline) resolveLinks(ctx context.Context, result *PipelineResult, records []Record, byID map[string]provider.NoteRecord, titleIndex map[string]string) []EdgeMerge {
	var edges []EdgeMerge
	addEdge := func(sourceID, targetID string) {
		edges = append(edges, EdgeMerge{
			Source: graph.Ref{Label: graph.LabelNote, ID: sourceID},
			Type:   graph.EdgeLinksTo,
			Target: graph.Ref{Label: graph.LabelNote, ID: targetID},
		})
	}

	for _, rec := range records {
		note := byID[rec.ID]
		for _, target := range note.Links {
			targetID, ok := titleIndex[strings.ToLower(target)]
			if !ok {
				if p.links != nil {
					_ = p.links.AddPendingLink(ctx, rec.ID, target)
				}
				continue
			}
			if targetID == rec.ID {
				continue
			}
			addEdge(rec.ID, targetID)
		}
	}

	if p.links == nil {
		return edges
	}
	pending, err := p.links.PendingLinks(ctx)
	if err != nil {
		result.Warnings = append(result.Warnings, "pending link re-resolution failed: "+err.Error())
		return edges
	}
	for _, l := range pending {
		targetID, ok := titleIndex[strings.ToLower(l.TargetTitle)]
		if !ok {
			continue
		}
		addEdge(l.SourcePath, targetID)
		if err := p.links.ResolvePendingLink(ctx, l.SourcePath, l.TargetTitle); err != nil {
			result.Warnings = append(result.Warnings, "pending link resolve failed: "+err.Error())
		}
	}
	return edges
}

// buildTitleIndex maps lowercased titles and basenames to note ids,
// covering both this observation and notes already in the graph.
func buildTitleIndex(records []Record, current map[string]graph.Node) map[string]string {
	index := make(map[string]string)
	add := func(key, id string) {
		key = strings.ToLower(strings.TrimSpace(key))
		if key != "" {
			index[key] = id
		}
	}
	for id, node := range current {
		if node.Tombstoned() {
			continue
		}
		if title, ok := node.Props["title"].(string); ok {
			add(title, id)
		}
		add(strings.TrimSuffix(filepath.Base(id), filepath.Ext(id)), id)
	}
	// Observed records win over stale graph titles.
	for _, rec := range records {
		if title, ok := rec.Props["title"].(string); ok {
			add(title, rec.ID)
		}
		add(strings.TrimSuffix(filepath.Base(rec.ID), filepath.Ext(rec.ID)), rec.ID)
	}
	return index
}

// tagGraph derives Tag records and TAGGED edges from the observed notes.
func tagGraph(records []Record, byID map[string]provider.NoteRecord) ([]EdgeMerge, []Record) {
	tagSeen := make(map[string]bool)
	var tags []Record
	var edges []EdgeMerge
	for _, rec := range records {
		for _, tag := range byID[rec.ID].Tags {
			if !tagSeen[tag] {
				tagSeen[tag] = true
				tags = append(tags, Record{
					ID:    tag,
					Props: map[string]any{"name": tag},
				})
			}
			edges = append(edges, EdgeMerge{
				Source: graph.Ref{Label: graph.LabelNote, ID: rec.ID},
				Type:   graph.EdgeTagged,
				Target: graph.Ref{Label: graph.LabelTag, ID: tag},
			})
		}
	}
	return edges, tags
}

// tagOps upserts Tag nodes ahead of the note change set so TAGGED edges
// never dangle.
func tagOps(tags []Record) []graph.WriteOp {
	ops := make([]graph.WriteOp, 0, len(tags))
	for _, t := range tags {
		ops = append(ops, graph.WriteOp{
			Kind:  graph.OpUpsert,
			Label: graph.LabelTag,
			ID:    t.ID,
			Props: t.Props,
		})
	}
	return ops
}

func toFloat32s(v []float64) []float32 {
	out := make([]float32, len(v))
	for i, f := range v {
		out[i] = float32(f)
	}
	return out
}

// Package syncer runs the observe-diff-apply pipelines that keep the graph
// in step with the capability providers.
package syncer

import (
	"sort"

	"github.com/halyard/stackgraph/internal/graph"
)

// Record is one observed entity, normalized for diffing. Hash is the
// content hash of the record's text payload; records without a text
// payload hash their identity-relevant properties instead.
type Record struct {
	ID    string
	Hash  string
	Props map[string]any
	// Text is the payload to embed, empty for labels without embeddings.
	Text string
}

// EdgeMerge is one derived relationship to merge during apply.
type EdgeMerge struct {
	Source graph.Ref
	Type   graph.EdgeType
	Target graph.Ref
	Props  map[string]any
}

// ChangeSet partitions the difference between an observed snapshot and the
// graph projection for one label.
type ChangeSet struct {
	Label         graph.Label
	ToCreate      []Record
	ToUpdate      []Record
	ToTombstone   []string
	EdgesToMerge  []EdgeMerge
	EdgesToDelete []EdgeMerge
}

// Diff compares observed records against the current projection. A record
// absent from the projection (or present only as a tombstone) is created;
// a present record with a differing content hash is updated; a projected
// live node absent from the observation becomes a tombstone candidate.
func Diff(label graph.Label, observed []Record, current map[string]graph.Node) ChangeSet {
	cs := ChangeSet{Label: label}
	seen := make(map[string]bool, len(observed))
	for _, rec := range observed {
		seen[rec.ID] = true
		node, ok := current[rec.ID]
		switch {
		case !ok || node.Tombstoned():
			cs.ToCreate = append(cs.ToCreate, rec)
		case node.Hash() != rec.Hash:
			cs.ToUpdate = append(cs.ToUpdate, rec)
		}
	}
	for id, node := range current {
		if !seen[id] && !node.Tombstoned() {
			cs.ToTombstone = append(cs.ToTombstone, id)
		}
	}
	sort.Strings(cs.ToTombstone)
	return cs
}

// Empty reports whether applying the change set would write nothing.
func (cs ChangeSet) Empty() bool {
	return cs.Changes() == 0
}

// Changes counts the write operations the change set will produce.
func (cs ChangeSet) Changes() int {
	return len(cs.ToCreate) + len(cs.ToUpdate) + len(cs.ToTombstone) +
		len(cs.EdgesToMerge) + len(cs.EdgesToDelete)
}

// Ops flattens the change set into ordered write operations: node upserts
// first, then edge merges, edge deletions, and tombstones. Endpoints
// therefore always precede their incident edges within the batch.
func (cs ChangeSet) Ops(embeddings map[string][]float32) []graph.WriteOp {
	ops := make([]graph.WriteOp, 0, cs.Changes())
	for _, rec := range append(append([]Record{}, cs.ToCreate...), cs.ToUpdate...) {
		props := make(map[string]any, len(rec.Props)+1)
		for k, v := range rec.Props {
			props[k] = v
		}
		if rec.Hash != "" {
			props["content_hash"] = rec.Hash
		}
		ops = append(ops, graph.WriteOp{
			Kind:      graph.OpUpsert,
			Label:     cs.Label,
			ID:        rec.ID,
			Props:     props,
			Embedding: embeddings[rec.ID],
		})
	}
	for _, e := range cs.EdgesToMerge {
		ops = append(ops, graph.WriteOp{
			Kind:      graph.OpMergeEdge,
			Source:    e.Source,
			EdgeType:  e.Type,
			Target:    e.Target,
			EdgeProps: e.Props,
		})
	}
	for _, e := range cs.EdgesToDelete {
		ops = append(ops, graph.WriteOp{
			Kind:     graph.OpDeleteEdge,
			Source:   e.Source,
			EdgeType: e.Type,
			Target:   e.Target,
		})
	}
	for _, id := range cs.ToTombstone {
		ops = append(ops, graph.WriteOp{
			Kind: graph.OpTombstone,
			Ref:  graph.Ref{Label: cs.Label, ID: id},
		})
	}
	return ops
}

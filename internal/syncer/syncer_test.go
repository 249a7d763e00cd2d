package syncer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/halyard/stackgraph/internal/graph"
)

// fakeGraph is an in-memory stand-in for the graph store. It enforces the
// no-dangling-edge rule the real store gets from MATCH-before-MERGE.
type fakeGraph struct {
	mu     sync.Mutex
	nodes  map[graph.Label]map[string]graph.Node
	edges  map[string]int64 // "src|type|tgt" -> weight
	writes int
}

func newFakeGraph() *fakeGraph {
	return &fakeGraph{
		nodes: make(map[graph.Label]map[string]graph.Node),
		edges: make(map[string]int64),
	}
}

func (f *fakeGraph) Projection(ctx context.Context, label graph.Label) (map[string]graph.Node, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]graph.Node, len(f.nodes[label]))
	for id, n := range f.nodes[label] {
		out[id] = n
	}
	return out, nil
}

func (f *fakeGraph) Batch(ctx context.Context, ops []graph.WriteOp) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, op := range ops {
		f.writes++
		switch op.Kind {
		case graph.OpUpsert:
			if f.nodes[op.Label] == nil {
				f.nodes[op.Label] = make(map[string]graph.Node)
			}
			node, ok := f.nodes[op.Label][op.ID]
			if !ok {
				node = graph.Node{Label: op.Label, ID: op.ID, CreatedAt: time.Now()}
			}
			props := make(map[string]any, len(op.Props))
			for k, v := range op.Props {
				props[k] = v
			}
			node.Props = props
			node.UpdatedAt = time.Now()
			node.TombstonedAt = nil
			f.nodes[op.Label][op.ID] = node
		case graph.OpMergeEdge:
			if _, ok := f.nodes[op.Source.Label][op.Source.ID]; !ok {
				return fmt.Errorf("dangling edge source %s/%s", op.Source.Label, op.Source.ID)
			}
			if _, ok := f.nodes[op.Target.Label][op.Target.ID]; !ok {
				return fmt.Errorf("dangling edge target %s/%s", op.Target.Label, op.Target.ID)
			}
			key := fmt.Sprintf("%s/%s|%s|%s/%s", op.Source.Label, op.Source.ID, op.EdgeType, op.Target.Label, op.Target.ID)
			f.edges[key]++
		case graph.OpTombstone:
			if node, ok := f.nodes[op.Ref.Label][op.Ref.ID]; ok {
				now := time.Now()
				node.TombstonedAt = &now
				f.nodes[op.Ref.Label][op.Ref.ID] = node
			}
		case graph.OpDeleteEdge:
			key := fmt.Sprintf("%s/%s|%s|%s/%s", op.Source.Label, op.Source.ID, op.EdgeType, op.Target.Label, op.Target.ID)
			delete(f.edges, key)
		}
	}
	return nil
}

func (f *fakeGraph) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writes
}

func (f *fakeGraph) node(label graph.Label, id string) (graph.Node, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.nodes[label][id]
	return n, ok
}

func (f *fakeGraph) liveCount(label graph.Label) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, n := range f.nodes[label] {
		if !n.Tombstoned() {
			count++
		}
	}
	return count
}

func (f *fakeGraph) edgeWeight(src graph.Ref, t graph.EdgeType, tgt graph.Ref) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := fmt.Sprintf("%s/%s|%s|%s/%s", src.Label, src.ID, t, tgt.Label, tgt.ID)
	return f.edges[key]
}

// seedProject puts the Project singleton in place, as orchestrator
// bootstrap does before any pipeline runs.
func (f *fakeGraph) seedProject(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.nodes[graph.LabelProject] == nil {
		f.nodes[graph.LabelProject] = make(map[string]graph.Node)
	}
	f.nodes[graph.LabelProject][id] = graph.Node{
		Label: graph.LabelProject, ID: id,
		Props:     map[string]any{"name": id},
		CreatedAt: time.Now(),
	}
}

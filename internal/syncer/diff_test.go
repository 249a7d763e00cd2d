package syncer

import (
	"testing"
	"time"

	"github.com/halyard/stackgraph/internal/graph"
)

func liveNode(label graph.Label, id, hash string) graph.Node {
	return graph.Node{
		Label: label, ID: id,
		Props: map[string]any{"content_hash": hash},
	}
}

func TestDiffPartitioning(t *testing.T) {
	now := time.Now()
	dead := liveNode(graph.LabelService, "gone-tombstoned", "h0")
	dead.TombstonedAt = &now

	current := map[string]graph.Node{
		"unchanged":       liveNode(graph.LabelService, "unchanged", "h1"),
		"stale":           liveNode(graph.LabelService, "stale", "h2"),
		"vanished":        liveNode(graph.LabelService, "vanished", "h3"),
		"gone-tombstoned": dead,
	}
	observed := []Record{
		{ID: "unchanged", Hash: "h1"},
		{ID: "stale", Hash: "h2-new"},
		{ID: "brand-new", Hash: "h4"},
		{ID: "gone-tombstoned", Hash: "h0"}, // revived
	}

	cs := Diff(graph.LabelService, observed, current)

	if len(cs.ToCreate) != 2 {
		t.Errorf("to_create = %d, want 2 (new + revived)", len(cs.ToCreate))
	}
	if len(cs.ToUpdate) != 1 || cs.ToUpdate[0].ID != "stale" {
		t.Errorf("to_update = %+v", cs.ToUpdate)
	}
	if len(cs.ToTombstone) != 1 || cs.ToTombstone[0] != "vanished" {
		t.Errorf("to_tombstone = %v", cs.ToTombstone)
	}
}

func TestDiffUnchangedIsEmpty(t *testing.T) {
	current := map[string]graph.Node{
		"a": liveNode(graph.LabelNote, "a", "ha"),
		"b": liveNode(graph.LabelNote, "b", "hb"),
	}
	observed := []Record{{ID: "a", Hash: "ha"}, {ID: "b", Hash: "hb"}}

	cs := Diff(graph.LabelNote, observed, current)
	if !cs.Empty() {
		t.Errorf("expected empty change set, got %d changes", cs.Changes())
	}
}

func TestOpsOrdering(t *testing.T) {
	cs := ChangeSet{
		Label:       graph.LabelNote,
		ToCreate:    []Record{{ID: "n1", Hash: "h1"}},
		ToUpdate:    []Record{{ID: "n2", Hash: "h2"}},
		ToTombstone: []string{"n3"},
		EdgesToMerge: []EdgeMerge{{
			Source: graph.Ref{Label: graph.LabelNote, ID: "n1"},
			Type:   graph.EdgeLinksTo,
			Target: graph.Ref{Label: graph.LabelNote, ID: "n2"},
		}},
	}
	ops := cs.Ops(map[string][]float32{"n1": {0.1}})

	if len(ops) != 4 {
		t.Fatalf("ops = %d, want 4", len(ops))
	}
	kinds := []graph.OpKind{ops[0].Kind, ops[1].Kind, ops[2].Kind, ops[3].Kind}
	want := []graph.OpKind{graph.OpUpsert, graph.OpUpsert, graph.OpMergeEdge, graph.OpTombstone}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("op[%d] kind = %v, want %v", i, kinds[i], want[i])
		}
	}
	if ops[0].Embedding == nil {
		t.Error("embedding not attached to created node")
	}
	if ops[1].Embedding != nil {
		t.Error("unexpected embedding on node without one")
	}
	if ops[0].Props["content_hash"] != "h1" {
		t.Errorf("content_hash = %v", ops[0].Props["content_hash"])
	}
}

// Package graph implements the labeled property graph store on Neo4j.
// It owns all graph transactions: no other component opens one.
package graph

import "time"

// Label identifies a node type. Identity is exactly one (label, id) pair.
type Label string

const (
	LabelProject   Label = "Project"
	LabelAgent     Label = "Agent"
	LabelService   Label = "Service"
	LabelMCPServer Label = "MCPServer"
	LabelNote      Label = "Note"
	LabelTag       Label = "Tag"
	LabelConfig    Label = "Config"
	LabelGroup     Label = "Group"
)

// Labels lists every known label, used for constraint bootstrap and
// label-name validation before a label is interpolated into Cypher.
var Labels = []Label{
	LabelProject, LabelAgent, LabelService, LabelMCPServer,
	LabelNote, LabelTag, LabelConfig, LabelGroup,
}

// EmbeddedLabels lists labels carrying a vector-indexed embedding property.
var EmbeddedLabels = []Label{LabelNote}

// EdgeType identifies a directed relationship type.
type EdgeType string

const (
	EdgeDependsOn    EdgeType = "DEPENDS_ON"
	EdgeUses         EdgeType = "USES"
	EdgeManages      EdgeType = "MANAGES"
	EdgeMonitors     EdgeType = "MONITORS"
	EdgeCalls        EdgeType = "CALLS"
	EdgeQueries      EdgeType = "QUERIES"
	EdgeConnectsTo   EdgeType = "CONNECTS_TO"
	EdgeContains     EdgeType = "CONTAINS"
	EdgeTagged       EdgeType = "TAGGED"
	EdgeLinksTo      EdgeType = "LINKS_TO"
	EdgeDocumentedIn EdgeType = "DOCUMENTED_IN"
)

// EdgeTypes lists every known edge type.
var EdgeTypes = []EdgeType{
	EdgeDependsOn, EdgeUses, EdgeManages, EdgeMonitors,
	EdgeCalls, EdgeQueries, EdgeConnectsTo, EdgeContains,
	EdgeTagged, EdgeLinksTo, EdgeDocumentedIn,
}

// Ref addresses a node by its stable identity.
type Ref struct {
	Label Label
	ID    string
}

// Node is a materialized graph node.
type Node struct {
	Label        Label
	ID           string
	Props        map[string]any
	CreatedAt    time.Time
	UpdatedAt    time.Time
	TombstonedAt *time.Time
}

// Tombstoned reports whether the node carries a soft-delete marker.
func (n Node) Tombstoned() bool { return n.TombstonedAt != nil }

// Hash returns the node's stored content hash, empty if none.
func (n Node) Hash() string {
	h, _ := n.Props["content_hash"].(string)
	return h
}

// Edge is a materialized directed relationship.
type Edge struct {
	Source    Ref
	Type      EdgeType
	Target    Ref
	Weight    int64
	Props     map[string]any
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SimilarityHit is one result of a vector similarity search.
type SimilarityHit struct {
	Node  Node
	Score float64
}

// Stats summarizes graph contents.
type Stats struct {
	NodesByLabel  map[Label]int64
	EdgesByType   map[EdgeType]int64
	TotalEdges    int64
	TombstonedAll int64
}

// OpKind discriminates batched write operations.
type OpKind int

const (
	OpUpsert OpKind = iota
	OpMergeEdge
	OpTombstone
	OpDeleteEdge
)

// WriteOp is one operation in a batched transactional write. Exactly the
// fields for its kind are set.
type WriteOp struct {
	Kind OpKind

	// OpUpsert
	Label Label
	ID    string
	Props map[string]any
	// Embedding is written only when the content hash differs from the
	// stored one; nil leaves the stored embedding untouched.
	Embedding []float32

	// OpMergeEdge and OpDeleteEdge
	Source    Ref
	EdgeType  EdgeType
	Target    Ref
	EdgeProps map[string]any

	// OpTombstone
	Ref Ref
}

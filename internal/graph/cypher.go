package graph

import (
	"fmt"

	"github.com/halyard/stackgraph/internal/errs"
)

// Labels and edge types are the only identifiers interpolated into Cypher;
// both are validated against the closed sets in types.go first. Everything
// else travels as parameters.

func validLabel(label Label) error {
	for _, l := range Labels {
		if l == label {
			return nil
		}
	}
	return errs.Ef("graph.validLabel", errs.KindBadRequest, "unknown label %q", label)
}

func validEdgeType(t EdgeType) error {
	for _, e := range EdgeTypes {
		if e == t {
			return nil
		}
	}
	return errs.Ef("graph.validEdgeType", errs.KindBadRequest, "unknown edge type %q", t)
}

// upsertCypher builds the idempotent node merge. created_at survives
// re-upserts, an upsert clears any tombstone, and the embedding is written
// only when the stored content hash differs from the incoming one.
func upsertCypher(label Label, id string, props map[string]any, embedding []float32) (string, map[string]any) {
	stmt := fmt.Sprintf(`MERGE (n:%s {id: $id})
ON CREATE SET n.created_at = datetime()
WITH n, n.content_hash AS prev_hash
SET n += $props, n.updated_at = datetime(), n.tombstoned_at = null
WITH n, prev_hash
FOREACH (_ IN CASE WHEN $embedding IS NOT NULL AND (prev_hash IS NULL OR prev_hash <> $hash) THEN [1] ELSE [] END |
  SET n.embedding = $embedding)
RETURN n`, label)

	hash, _ := props["content_hash"].(string)
	var vec any
	if embedding != nil {
		vec = toFloat64s(embedding)
	}
	return stmt, map[string]any{
		"id":        id,
		"props":     sanitizeProps(props),
		"hash":      hash,
		"embedding": vec,
	}
}

func mergeEdgeCypher(source Ref, edgeType EdgeType, target Ref, props map[string]any) (string, map[string]any) {
	stmt := fmt.Sprintf(`MATCH (a:%s {id: $src}), (b:%s {id: $tgt})
MERGE (a)-[r:%s]->(b)
ON CREATE SET r.created_at = datetime(), r.weight = 1
ON MATCH SET r.weight = r.weight + 1
SET r += $props, r.updated_at = datetime()
RETURN r.weight AS weight`, source.Label, target.Label, edgeType)

	return stmt, map[string]any{
		"src":   source.ID,
		"tgt":   target.ID,
		"props": sanitizeProps(props),
	}
}

// tombstoneCypher aggregates over the incident edges so the statement
// always yields exactly one row, whatever the node's degree.
func tombstoneCypher(ref Ref) (string, map[string]any) {
	stmt := fmt.Sprintf(`OPTIONAL MATCH (n:%s {id: $id})
WITH n, count(n) AS matched
FOREACH (_ IN CASE WHEN n IS NOT NULL THEN [1] ELSE [] END |
  SET n.tombstoned_at = datetime())
WITH n, matched
OPTIONAL MATCH (n)-[r]-()
SET r.endpoint_deleted_at = datetime()
RETURN matched, count(r) AS stamped`, ref.Label)
	return stmt, map[string]any{"id": ref.ID}
}

// deleteEdgeCypher removes a retired relationship outright. Retirement is
// for derived edges whose source record dropped them; stamped soft deletes
// stay reserved for tombstoned endpoints.
func deleteEdgeCypher(source Ref, edgeType EdgeType, target Ref) (string, map[string]any) {
	stmt := fmt.Sprintf(`OPTIONAL MATCH (a:%s {id: $src})-[r:%s]->(b:%s {id: $tgt})
DELETE r
RETURN count(r) AS deleted`, source.Label, edgeType, target.Label)
	return stmt, map[string]any{"src": source.ID, "tgt": target.ID}
}

// cypherFor dispatches a batched WriteOp to its single-op builder.
func cypherFor(op WriteOp) (string, map[string]any, error) {
	switch op.Kind {
	case OpUpsert:
		if err := validLabel(op.Label); err != nil {
			return "", nil, err
		}
		stmt, params := upsertCypher(op.Label, op.ID, op.Props, op.Embedding)
		return stmt, params, nil
	case OpMergeEdge:
		if err := validEdgeType(op.EdgeType); err != nil {
			return "", nil, err
		}
		if err := validLabel(op.Source.Label); err != nil {
			return "", nil, err
		}
		if err := validLabel(op.Target.Label); err != nil {
			return "", nil, err
		}
		stmt, params := mergeEdgeCypher(op.Source, op.EdgeType, op.Target, op.EdgeProps)
		return stmt, params, nil
	case OpTombstone:
		if err := validLabel(op.Ref.Label); err != nil {
			return "", nil, err
		}
		stmt, params := tombstoneCypher(op.Ref)
		return stmt, params, nil
	case OpDeleteEdge:
		if err := validEdgeType(op.EdgeType); err != nil {
			return "", nil, err
		}
		if err := validLabel(op.Source.Label); err != nil {
			return "", nil, err
		}
		if err := validLabel(op.Target.Label); err != nil {
			return "", nil, err
		}
		stmt, params := deleteEdgeCypher(op.Source, op.EdgeType, op.Target)
		return stmt, params, nil
	}
	return "", nil, errs.Ef("graph.cypherFor", errs.KindBadRequest, "unknown op kind %d", op.Kind)
}

// sanitizeProps drops nil values and the reserved embedding key so a caller
// cannot bypass the hash-gated embedding write through props.
func sanitizeProps(props map[string]any) map[string]any {
	out := make(map[string]any, len(props))
	for k, v := range props {
		if v == nil || k == "embedding" {
			continue
		}
		out[k] = v
	}
	return out
}

// Chunk splits ops into slices of at most size elements, preserving order.
func Chunk(ops []WriteOp, size int) [][]WriteOp {
	if size <= 0 {
		size = 500
	}
	var chunks [][]WriteOp
	for len(ops) > 0 {
		n := size
		if len(ops) < n {
			n = len(ops)
		}
		chunks = append(chunks, ops[:n])
		ops = ops[n:]
	}
	return chunks
}

package graph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j/dbtype"

	"github.com/halyard/stackgraph/internal/errs"
)

// Config holds graph store connection settings.
type Config struct {
	URI       string
	Username  string
	Password  string
	VectorDim int
	BatchSize int
}

// Store is the engine's only writer to the property graph. Each write verb
// executes in its own transaction; Batch groups operations into bounded
// transactions. Reads use read sessions and do not block on writes.
type Store struct {
	driver    neo4j.DriverWithContext
	vectorDim int
	batchSize int
	logger    *slog.Logger
}

// New connects to the graph store and verifies connectivity.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	driver, err := neo4j.NewDriverWithContext(cfg.URI, neo4j.BasicAuth(cfg.Username, cfg.Password, ""))
	if err != nil {
		return nil, errs.E("graph.New", errs.KindGraphUnavailable, err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, errs.E("graph.New", errs.KindGraphUnavailable, err)
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 500
	}
	return &Store{
		driver:    driver,
		vectorDim: cfg.VectorDim,
		batchSize: batchSize,
		logger:    logger,
	}, nil
}

// Close releases the connection pool.
func (s *Store) Close(ctx context.Context) error {
	return s.driver.Close(ctx)
}

// Reachable probes the store without raising.
func (s *Store) Reachable(ctx context.Context) error {
	if err := s.driver.VerifyConnectivity(ctx); err != nil {
		return errs.E("graph.Reachable", errs.KindGraphUnavailable, err)
	}
	return nil
}

// VectorDim returns the configured embedding dimension.
func (s *Store) VectorDim() int { return s.vectorDim }

// Bootstrap creates uniqueness constraints for every label and one vector
// index per embedded label. Changing the vector dimension requires dropping
// and re-creating the index (a full rebuild), never an in-place edit.
func (s *Store) Bootstrap(ctx context.Context) error {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	for _, label := range Labels {
		stmt := fmt.Sprintf(
			"CREATE CONSTRAINT %s_id IF NOT EXISTS FOR (n:%s) REQUIRE n.id IS UNIQUE",
			strings.ToLower(string(label)), label)
		if _, err := session.Run(ctx, stmt, nil); err != nil {
			return s.mapErr("graph.Bootstrap", err)
		}
	}

	for _, label := range EmbeddedLabels {
		// Index config options cannot be parameterized; the dimension is an
		// integer from config, not user data.
		stmt := fmt.Sprintf(
			"CREATE VECTOR INDEX %s_embedding IF NOT EXISTS FOR (n:%s) ON (n.embedding) "+
				"OPTIONS {indexConfig: {`vector.dimensions`: %d, `vector.similarity_function`: 'cosine'}}",
			strings.ToLower(string(label)), label, s.vectorDim)
		if _, err := session.Run(ctx, stmt, nil); err != nil {
			return s.mapErr("graph.Bootstrap", err)
		}
	}

	s.logger.Debug("graph schema bootstrapped", "labels", len(Labels), "vector_dim", s.vectorDim)
	return nil
}

// UpsertNode merges a node by (label, id). created_at is preserved,
// updated_at refreshed, and the embedding written only when the content hash
// in props differs from the stored hash. embedding may be nil.
func (s *Store) UpsertNode(ctx context.Context, label Label, id string, props map[string]any, embedding []float32) (Node, error) {
	if err := validLabel(label); err != nil {
		return Node{}, err
	}
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	stmt, params := upsertCypher(label, id, props, embedding)
	out, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, stmt, params)
		if err != nil {
			return nil, err
		}
		rec, err := res.Single(ctx)
		if err != nil {
			return nil, err
		}
		raw, _ := rec.Get("n")
		return raw, nil
	})
	if err != nil {
		return Node{}, s.mapErr("graph.UpsertNode", err)
	}
	return nodeFrom(label, out), nil
}

// MergeEdge merges a directed edge, idempotent on (source, type, target).
// Both endpoints must already exist; a missing endpoint is NotFound so an
// edge can never dangle. Weight starts at 1 and increments on every
// re-observation.
func (s *Store) MergeEdge(ctx context.Context, source Ref, edgeType EdgeType, target Ref, props map[string]any) (Edge, error) {
	if err := validEdgeType(edgeType); err != nil {
		return Edge{}, err
	}
	if err := validLabel(source.Label); err != nil {
		return Edge{}, err
	}
	if err := validLabel(target.Label); err != nil {
		return Edge{}, err
	}
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	stmt, params := mergeEdgeCypher(source, edgeType, target, props)
	out, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, stmt, params)
		if err != nil {
			return nil, err
		}
		if !res.Next(ctx) {
			if err := res.Err(); err != nil {
				return nil, err
			}
			return nil, errs.Ef("graph.MergeEdge", errs.KindNotFound,
				"endpoint missing for %s(%s)-[%s]->%s(%s)",
				source.Label, source.ID, edgeType, target.Label, target.ID)
		}
		weight, _ := res.Record().Get("weight")
		w, _ := weight.(int64)
		return w, nil
	})
	if err != nil {
		return Edge{}, s.mapErr("graph.MergeEdge", err)
	}
	w, _ := out.(int64)
	return Edge{Source: source, Type: edgeType, Target: target, Weight: w, Props: props}, nil
}

// Tombstone soft-deletes a node: tombstoned_at is set and every incident
// edge is stamped with endpoint_deleted_at. The node is purged only by
// Compact.
func (s *Store) Tombstone(ctx context.Context, ref Ref) error {
	if err := validLabel(ref.Label); err != nil {
		return err
	}
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	stmt, params := tombstoneCypher(ref)
	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, stmt, params)
		if err != nil {
			return nil, err
		}
		rec, err := res.Single(ctx)
		if err != nil {
			return nil, err
		}
		n, _ := rec.Get("matched")
		if count, _ := n.(int64); count == 0 {
			return nil, errs.Ef("graph.Tombstone", errs.KindNotFound, "%s(%s) not found", ref.Label, ref.ID)
		}
		return nil, nil
	})
	if err != nil {
		return s.mapErr("graph.Tombstone", err)
	}
	return nil
}

// Similarity runs a cosine top-k search over the label's vector index.
// Ties break by descending updated_at then ascending id. Tombstoned nodes
// are excluded.
func (s *Store) Similarity(ctx context.Context, label Label, vector []float32, k int) ([]SimilarityHit, error) {
	if err := validLabel(label); err != nil {
		return nil, err
	}
	if len(vector) != s.vectorDim {
		return nil, errs.Ef("graph.Similarity", errs.KindBadRequest,
			"vector dimension %d does not match index dimension %d", len(vector), s.vectorDim)
	}
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	index := strings.ToLower(string(label)) + "_embedding"
	stmt := `CALL db.index.vector.queryNodes($index, $fetch, $vector)
YIELD node, score
WHERE node.tombstoned_at IS NULL
RETURN node, score
ORDER BY score DESC, node.updated_at DESC, node.id ASC
LIMIT $k`
	params := map[string]any{
		"index": index,
		// Over-fetch so the tombstone filter does not shrink the result set.
		"fetch":  int64(k * 2),
		"vector": toFloat64s(vector),
		"k":      int64(k),
	}

	records, err := s.readRecords(ctx, session, stmt, params)
	if err != nil {
		return nil, s.mapErr("graph.Similarity", err)
	}
	hits := make([]SimilarityHit, 0, len(records))
	for _, rec := range records {
		raw, _ := rec.Get("node")
		scoreRaw, _ := rec.Get("score")
		score, _ := scoreRaw.(float64)
		hits = append(hits, SimilarityHit{Node: nodeFrom(label, raw), Score: score})
	}
	return hits, nil
}

// Query runs a read-only parameterized Cypher statement and returns rows as
// maps. Callers must pass user data through params, never interpolated.
func (s *Store) Query(ctx context.Context, stmt string, params map[string]any) ([]map[string]any, error) {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	records, err := s.readRecords(ctx, session, stmt, params)
	if err != nil {
		return nil, s.mapErr("graph.Query", err)
	}
	rows := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		row := make(map[string]any, len(rec.Keys))
		for _, key := range rec.Keys {
			v, _ := rec.Get(key)
			row[key] = v
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// Projection materializes every node of a label keyed by id, including
// tombstoned ones. Pipelines diff observed records against this.
func (s *Store) Projection(ctx context.Context, label Label) (map[string]Node, error) {
	if err := validLabel(label); err != nil {
		return nil, err
	}
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	stmt := fmt.Sprintf("MATCH (n:%s) RETURN n", label)
	records, err := s.readRecords(ctx, session, stmt, nil)
	if err != nil {
		return nil, s.mapErr("graph.Projection", err)
	}
	nodes := make(map[string]Node, len(records))
	for _, rec := range records {
		raw, _ := rec.Get("n")
		node := nodeFrom(label, raw)
		nodes[node.ID] = node
	}
	return nodes, nil
}

// Statistics returns per-label node counts and per-type edge counts.
func (s *Store) Statistics(ctx context.Context) (Stats, error) {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	stats := Stats{
		NodesByLabel: make(map[Label]int64),
		EdgesByType:  make(map[EdgeType]int64),
	}

	records, err := s.readRecords(ctx, session,
		"MATCH (n) RETURN labels(n)[0] AS label, count(n) AS c, count(n.tombstoned_at) AS tombstoned", nil)
	if err != nil {
		return Stats{}, s.mapErr("graph.Statistics", err)
	}
	for _, rec := range records {
		label, _ := rec.Get("label")
		c, _ := rec.Get("c")
		tombstoned, _ := rec.Get("tombstoned")
		name, _ := label.(string)
		count, _ := c.(int64)
		stats.NodesByLabel[Label(name)] = count
		if t, ok := tombstoned.(int64); ok {
			stats.TombstonedAll += t
		}
	}

	records, err = s.readRecords(ctx, session,
		"MATCH ()-[r]->() RETURN type(r) AS t, count(r) AS c", nil)
	if err != nil {
		return Stats{}, s.mapErr("graph.Statistics", err)
	}
	for _, rec := range records {
		t, _ := rec.Get("t")
		c, _ := rec.Get("c")
		name, _ := t.(string)
		count, _ := c.(int64)
		stats.EdgesByType[EdgeType(name)] = count
		stats.TotalEdges += count
	}
	return stats, nil
}

// Batch applies write operations in bounded transactions, preserving order
// within each chunk. Upserts must precede the edges they anchor; the
// synchronizer is responsible for that ordering.
func (s *Store) Batch(ctx context.Context, ops []WriteOp) error {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	for _, chunk := range Chunk(ops, s.batchSize) {
		_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
			for _, op := range chunk {
				stmt, params, err := cypherFor(op)
				if err != nil {
					return nil, err
				}
				res, err := tx.Run(ctx, stmt, params)
				if err != nil {
					return nil, err
				}
				if _, err := res.Consume(ctx); err != nil {
					return nil, err
				}
			}
			return nil, nil
		})
		if err != nil {
			return s.mapErr("graph.Batch", err)
		}
	}
	return nil
}

// Compact purges tombstoned entities older than the retention window.
// Incident edges go with them. Returns the number of purged nodes.
func (s *Store) Compact(ctx context.Context, olderThan time.Duration) (int64, error) {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	out, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx,
			`MATCH (n)
WHERE n.tombstoned_at IS NOT NULL AND n.tombstoned_at < datetime() - duration({seconds: $seconds})
DETACH DELETE n
RETURN count(n) AS purged`,
			map[string]any{"seconds": int64(olderThan.Seconds())})
		if err != nil {
			return nil, err
		}
		rec, err := res.Single(ctx)
		if err != nil {
			return nil, err
		}
		purged, _ := rec.Get("purged")
		return purged, nil
	})
	if err != nil {
		return 0, s.mapErr("graph.Compact", err)
	}
	purged, _ := out.(int64)
	if purged > 0 {
		s.logger.Info("graph compaction purged tombstoned entities", "count", purged)
	}
	return purged, nil
}

func (s *Store) readRecords(ctx context.Context, session neo4j.SessionWithContext, stmt string, params map[string]any) ([]*neo4j.Record, error) {
	out, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, stmt, params)
		if err != nil {
			return nil, err
		}
		return res.Collect(ctx)
	})
	if err != nil {
		return nil, err
	}
	records, _ := out.([]*neo4j.Record)
	return records, nil
}

// mapErr folds driver errors into the closed kind set. A uniqueness
// constraint violation means a caller broke the identity rule for the label,
// so it surfaces as IdentityConflict rather than being merged away.
func (s *Store) mapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var already *errs.Error
	if errors.As(err, &already) {
		return err
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "ConstraintValidationFailed"):
		return errs.E(op, errs.KindIdentityConflict, err)
	case strings.Contains(msg, "SyntaxError"):
		return errs.E(op, errs.KindBadRequest, err)
	default:
		return errs.E(op, errs.KindGraphUnavailable, err)
	}
}

func nodeFrom(label Label, raw any) Node {
	n, ok := raw.(dbtype.Node)
	if !ok {
		return Node{Label: label}
	}
	node := Node{Label: label, Props: make(map[string]any, len(n.Props))}
	for k, v := range n.Props {
		switch k {
		case "id":
			node.ID, _ = v.(string)
		case "created_at":
			node.CreatedAt = asTime(v)
		case "updated_at":
			node.UpdatedAt = asTime(v)
		case "tombstoned_at":
			t := asTime(v)
			if !t.IsZero() {
				node.TombstonedAt = &t
			}
		default:
			node.Props[k] = v
		}
	}
	return node
}

func asTime(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t
	case dbtype.LocalDateTime:
		return t.Time()
	default:
		return time.Time{}
	}
}

func toFloat64s(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}

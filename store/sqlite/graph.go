package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/nevindra/relay"
)

// UpsertNode implements relay.GraphStore. A node without an ID is
// created; an existing node keeps its creation time and access count.
func (s *Store) UpsertNode(ctx context.Context, n relay.GraphNode) (relay.GraphNode, error) {
	now := time.Now()
	if n.ID == "" {
		n.ID = relay.NewID()
		n.CreatedAt = now
	} else {
		prev, err := s.GetNode(ctx, n.ID)
		switch err {
		case nil:
			n.CreatedAt = prev.CreatedAt
			n.AccessCount = prev.AccessCount
		case relay.ErrNotFound:
			n.CreatedAt = now
		default:
			return relay.GraphNode{}, err
		}
	}
	if n.Confidence == 0 {
		n.Confidence = 1
	}
	n.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO graph_nodes (id, type, name, aliases, properties, embedding, confidence, access_count, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.Type, n.Name, marshalJSON(n.Aliases), marshalJSON(n.Properties),
		serializeEmbedding(n.Embedding), n.Confidence, n.AccessCount, n.CreatedAt.UnixNano(), n.UpdatedAt.UnixNano())
	if err != nil {
		return relay.GraphNode{}, fmt.Errorf("upsert node: %w", err)
	}
	return n, nil
}

// GetNode implements relay.GraphStore and bumps the access count.
func (s *Store) GetNode(ctx context.Context, id string) (relay.GraphNode, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM graph_nodes WHERE id = ?`, id)
	n, err := scanNode(row)
	if err == sql.ErrNoRows {
		return relay.GraphNode{}, relay.ErrNotFound
	}
	if err != nil {
		return relay.GraphNode{}, fmt.Errorf("get node: %w", err)
	}
	n.AccessCount++
	_, _ = s.db.ExecContext(ctx, `UPDATE graph_nodes SET access_count = access_count + 1 WHERE id = ?`, id)
	return n, nil
}

// FindNodes implements relay.GraphStore. Name matches the node name or
// any alias, case-insensitively.
func (s *Store) FindNodes(ctx context.Context, q relay.NodeQuery) ([]relay.GraphNode, error) {
	conds := []string{"1=1"}
	var args []any
	if q.Type != "" {
		conds[0] = "type = ?"
		args = append(args, q.Type)
	}
	if q.Name != "" {
		// Aliases are a JSON array, so the LIKE covers both columns.
		conds = append(conds, "(name LIKE ? COLLATE NOCASE OR aliases LIKE ? COLLATE NOCASE)")
		pat := "%" + q.Name + "%"
		args = append(args, pat, pat)
	}
	query := `SELECT ` + nodeColumns + ` FROM graph_nodes WHERE ` + conds[0]
	for _, c := range conds[1:] {
		query += " AND " + c
	}
	query += " ORDER BY id"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("find nodes: %w", err)
	}
	defer rows.Close()

	var out []relay.GraphNode
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			continue
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// DeleteNode implements relay.GraphStore, cascading to incident edges.
// Idempotent.
func (s *Store) DeleteNode(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete node: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM graph_edges WHERE source_id = ? OR target_id = ?`, id, id); err != nil {
		return fmt.Errorf("delete node: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM graph_nodes WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete node: %w", err)
	}
	return tx.Commit()
}

// AddEdge implements relay.GraphStore. Both endpoints must exist.
func (s *Store) AddEdge(ctx context.Context, e relay.GraphEdge) (relay.GraphEdge, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM graph_nodes WHERE id IN (?, ?)`, e.SourceID, e.TargetID).Scan(&count)
	if err != nil {
		return relay.GraphEdge{}, fmt.Errorf("add edge: %w", err)
	}
	want := 2
	if e.SourceID == e.TargetID {
		want = 1
	}
	if count < want {
		return relay.GraphEdge{}, relay.ErrNotFound
	}
	if e.ID == "" {
		e.ID = relay.NewID()
	}
	if e.Weight == 0 {
		e.Weight = 1
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO graph_edges (id, source_id, target_id, type, weight, bidirectional, valid_from, valid_until)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.SourceID, e.TargetID, e.Type, e.Weight, boolInt(e.Bidirectional),
		nullableNano(e.ValidFrom), nullableNano(e.ValidUntil))
	if err != nil {
		return relay.GraphEdge{}, fmt.Errorf("add edge: %w", err)
	}
	return e, nil
}

// DeleteEdge implements relay.GraphStore. Idempotent.
func (s *Store) DeleteEdge(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM graph_edges WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete edge: %w", err)
	}
	return nil
}

// Neighbours implements relay.GraphStore with breadth-first traversal
// over edges valid at query time, one SQL round trip per hop.
func (s *Store) Neighbours(ctx context.Context, nodeID, edgeType string, depth int) ([]relay.GraphNode, error) {
	if depth <= 0 {
		depth = 1
	}
	if _, err := s.GetNode(ctx, nodeID); err != nil {
		return nil, err
	}

	now := time.Now().UnixNano()
	visited := map[string]bool{nodeID: true}
	frontier := []string{nodeID}
	var out []relay.GraphNode

	for hop := 0; hop < depth && len(frontier) > 0; hop++ {
		var next []string
		for _, cur := range frontier {
			query := `SELECT source_id, target_id, bidirectional FROM graph_edges
				WHERE (source_id = ? OR (bidirectional = 1 AND target_id = ?))
				AND (valid_from IS NULL OR valid_from <= ?)
				AND (valid_until IS NULL OR valid_until >= ?)`
			args := []any{cur, cur, now, now}
			if edgeType != "" {
				query += ` AND type = ?`
				args = append(args, edgeType)
			}
			rows, err := s.db.QueryContext(ctx, query, args...)
			if err != nil {
				return nil, fmt.Errorf("neighbours: %w", err)
			}
			for rows.Next() {
				var src, dst string
				var bidi int
				if err := rows.Scan(&src, &dst, &bidi); err != nil {
					continue
				}
				other := dst
				if src != cur {
					other = src
				}
				if !visited[other] {
					visited[other] = true
					next = append(next, other)
				}
			}
			rows.Close()
			if err := rows.Err(); err != nil {
				return nil, fmt.Errorf("neighbours: %w", err)
			}
		}
		for _, id := range next {
			row := s.db.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM graph_nodes WHERE id = ?`, id)
			n, err := scanNode(row)
			if err != nil {
				continue
			}
			out = append(out, n)
		}
		frontier = next
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SemanticSearch implements relay.GraphStore with in-process cosine
// ranking over the stored embeddings.
func (s *Store) SemanticSearch(ctx context.Context, embedding []float32, k int) ([]relay.ScoredNode, error) {
	if k <= 0 {
		k = 10
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+nodeColumns+` FROM graph_nodes WHERE embedding IS NOT NULL AND embedding != 'null'`)
	if err != nil {
		return nil, fmt.Errorf("semantic search: %w", err)
	}
	defer rows.Close()

	var hits []relay.ScoredNode
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil || len(n.Embedding) == 0 {
			continue
		}
		score := cosineSimilarity(embedding, n.Embedding)
		if score > 0 {
			hits = append(hits, relay.ScoredNode{Node: n, Score: score})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("semantic search: %w", err)
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score == hits[j].Score {
			return hits[i].Node.ID < hits[j].Node.ID
		}
		return hits[i].Score > hits[j].Score
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// Decay implements relay.GraphStore: scales every confidence by factor
// and deletes nodes that fall below the floor, cascading their edges.
func (s *Store) Decay(ctx context.Context, factor, floor float64) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("decay: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE graph_nodes SET confidence = confidence * ?`, factor); err != nil {
		return 0, fmt.Errorf("decay: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM graph_edges WHERE source_id IN (SELECT id FROM graph_nodes WHERE confidence < ?)
		 OR target_id IN (SELECT id FROM graph_nodes WHERE confidence < ?)`, floor, floor); err != nil {
		return 0, fmt.Errorf("decay: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM graph_nodes WHERE confidence < ?`, floor)
	if err != nil {
		return 0, fmt.Errorf("decay: %w", err)
	}
	n, _ := res.RowsAffected()
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("decay: %w", err)
	}
	s.logger.Debug("sqlite: graph decay", "factor", factor, "floor", floor, "deleted", n)
	return int(n), nil
}

const nodeColumns = `id, type, name, aliases, properties, embedding, confidence, access_count, created_at, updated_at`

func scanNode(row rowScanner) (relay.GraphNode, error) {
	var n relay.GraphNode
	var aliases, properties, embedding string
	var createdAt, updatedAt int64
	err := row.Scan(&n.ID, &n.Type, &n.Name, &aliases, &properties, &embedding,
		&n.Confidence, &n.AccessCount, &createdAt, &updatedAt)
	if err != nil {
		return n, err
	}
	unmarshalJSON(aliases, &n.Aliases)
	unmarshalJSON(properties, &n.Properties)
	n.Embedding, _ = deserializeEmbedding(embedding)
	n.CreatedAt = time.Unix(0, createdAt)
	n.UpdatedAt = time.Unix(0, updatedAt)
	return n, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

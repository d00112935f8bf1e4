package relay

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
	"time"
)

// GraphNode is one entity in the knowledge graph.
type GraphNode struct {
	ID          string            `json:"id"`
	Type        string            `json:"type"`
	Name        string            `json:"name"`
	Aliases     []string          `json:"aliases,omitempty"`
	Properties  map[string]string `json:"properties,omitempty"`
	Embedding   []float32         `json:"embedding,omitempty"`
	Confidence  float64           `json:"confidence"`
	AccessCount int               `json:"access_count"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// GraphEdge relates two nodes. A bidirectional edge is traversable
// from either endpoint under the same ID.
type GraphEdge struct {
	ID            string     `json:"id"`
	SourceID      string     `json:"source_id"`
	TargetID      string     `json:"target_id"`
	Type          string     `json:"type"`
	Weight        float64    `json:"weight"`
	Bidirectional bool       `json:"bidirectional,omitempty"`
	ValidFrom     *time.Time `json:"valid_from,omitempty"`
	ValidUntil    *time.Time `json:"valid_until,omitempty"`
}

// NodeQuery narrows FindNodes. Name matches the node name or any
// alias, case-insensitively.
type NodeQuery struct {
	Type  string
	Name  string
	Limit int
}

// ScoredNode is a semantic search hit.
type ScoredNode struct {
	Node  GraphNode
	Score float64
}

// GraphStore is the knowledge-graph persistence capability.
type GraphStore interface {
	UpsertNode(ctx context.Context, n GraphNode) (GraphNode, error)
	// GetNode returns a node and bumps its access count.
	GetNode(ctx context.Context, id string) (GraphNode, error)
	FindNodes(ctx context.Context, q NodeQuery) ([]GraphNode, error)
	// DeleteNode cascades to incident edges. Idempotent.
	DeleteNode(ctx context.Context, id string) error
	// AddEdge validates both endpoints exist.
	AddEdge(ctx context.Context, e GraphEdge) (GraphEdge, error)
	DeleteEdge(ctx context.Context, id string) error
	// Neighbours traverses edges valid at now outward from a node, up
	// to depth hops, optionally restricted to one edge type.
	Neighbours(ctx context.Context, nodeID, edgeType string, depth int) ([]GraphNode, error)
	// SemanticSearch ranks nodes by cosine similarity to the query
	// embedding.
	SemanticSearch(ctx context.Context, embedding []float32, k int) ([]ScoredNode, error)
	// Decay multiplies every node's confidence by factor and deletes
	// nodes that fall below the floor, cascading their edges.
	Decay(ctx context.Context, factor, floor float64) (int, error)
}

// MemGraphStore is the in-process GraphStore.
type MemGraphStore struct {
	mu    sync.RWMutex
	nodes map[string]GraphNode
	edges map[string]GraphEdge
}

var _ GraphStore = (*MemGraphStore)(nil)

// NewMemGraphStore creates an empty in-memory graph store.
func NewMemGraphStore() *MemGraphStore {
	return &MemGraphStore{
		nodes: make(map[string]GraphNode),
		edges: make(map[string]GraphEdge),
	}
}

// UpsertNode implements GraphStore. A node without an ID is created.
func (s *MemGraphStore) UpsertNode(_ context.Context, n GraphNode) (GraphNode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if n.ID == "" {
		n.ID = NewID()
		n.CreatedAt = now
	} else if prev, ok := s.nodes[n.ID]; ok {
		n.CreatedAt = prev.CreatedAt
		n.AccessCount = prev.AccessCount
	} else {
		n.CreatedAt = now
	}
	if n.Confidence == 0 {
		n.Confidence = 1
	}
	n.UpdatedAt = now
	s.nodes[n.ID] = n
	return n, nil
}

// GetNode implements GraphStore.
func (s *MemGraphStore) GetNode(_ context.Context, id string) (GraphNode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	if !ok {
		return GraphNode{}, ErrNotFound
	}
	n.AccessCount++
	s.nodes[id] = n
	return n, nil
}

// FindNodes implements GraphStore.
func (s *MemGraphStore) FindNodes(_ context.Context, q NodeQuery) ([]GraphNode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	name := strings.ToLower(q.Name)
	var out []GraphNode
	for _, n := range s.nodes {
		if q.Type != "" && n.Type != q.Type {
			continue
		}
		if name != "" && !matchesName(n, name) {
			continue
		}
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func matchesName(n GraphNode, lower string) bool {
	if strings.Contains(strings.ToLower(n.Name), lower) {
		return true
	}
	for _, a := range n.Aliases {
		if strings.Contains(strings.ToLower(a), lower) {
			return true
		}
	}
	return false
}

// DeleteNode implements GraphStore, cascading to incident edges.
func (s *MemGraphStore) DeleteNode(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteNodeLocked(id)
	return nil
}

func (s *MemGraphStore) deleteNodeLocked(id string) {
	delete(s.nodes, id)
	for eid, e := range s.edges {
		if e.SourceID == id || e.TargetID == id {
			delete(s.edges, eid)
		}
	}
}

// AddEdge implements GraphStore.
func (s *MemGraphStore) AddEdge(_ context.Context, e GraphEdge) (GraphEdge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.nodes[e.SourceID]; !ok {
		return GraphEdge{}, ErrNotFound
	}
	if _, ok := s.nodes[e.TargetID]; !ok {
		return GraphEdge{}, ErrNotFound
	}
	if e.ID == "" {
		e.ID = NewID()
	}
	if e.Weight == 0 {
		e.Weight = 1
	}
	s.edges[e.ID] = e
	return e, nil
}

// DeleteEdge implements GraphStore. Idempotent.
func (s *MemGraphStore) DeleteEdge(_ context.Context, id string) error {
	s.mu.Lock()
	delete(s.edges, id)
	s.mu.Unlock()
	return nil
}

// Neighbours implements GraphStore with breadth-first traversal.
func (s *MemGraphStore) Neighbours(_ context.Context, nodeID, edgeType string, depth int) ([]GraphNode, error) {
	if depth <= 0 {
		depth = 1
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.nodes[nodeID]; !ok {
		return nil, ErrNotFound
	}

	now := time.Now()
	visited := map[string]bool{nodeID: true}
	frontier := []string{nodeID}
	var out []GraphNode

	for hop := 0; hop < depth && len(frontier) > 0; hop++ {
		var next []string
		for _, cur := range frontier {
			for _, e := range s.edges {
				if edgeType != "" && e.Type != edgeType {
					continue
				}
				if !edgeValidAt(e, now) {
					continue
				}
				var other string
				switch {
				case e.SourceID == cur:
					other = e.TargetID
				case e.Bidirectional && e.TargetID == cur:
					other = e.SourceID
				default:
					continue
				}
				if visited[other] {
					continue
				}
				visited[other] = true
				if n, ok := s.nodes[other]; ok {
					out = append(out, n)
					next = append(next, other)
				}
			}
		}
		frontier = next
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func edgeValidAt(e GraphEdge, t time.Time) bool {
	if e.ValidFrom != nil && t.Before(*e.ValidFrom) {
		return false
	}
	if e.ValidUntil != nil && t.After(*e.ValidUntil) {
		return false
	}
	return true
}

// SemanticSearch implements GraphStore.
func (s *MemGraphStore) SemanticSearch(_ context.Context, embedding []float32, k int) ([]ScoredNode, error) {
	if k <= 0 {
		k = 10
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var hits []ScoredNode
	for _, n := range s.nodes {
		if len(n.Embedding) == 0 {
			continue
		}
		score := cosineSimilarity(embedding, n.Embedding)
		if score > 0 {
			hits = append(hits, ScoredNode{Node: n, Score: score})
		}
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

// Decay implements GraphStore.
func (s *MemGraphStore) Decay(_ context.Context, factor, floor float64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	deleted := 0
	for id, n := range s.nodes {
		n.Confidence *= factor
		if n.Confidence < floor {
			s.deleteNodeLocked(id)
			deleted++
			continue
		}
		s.nodes[id] = n
	}
	return deleted, nil
}

// cosineSimilarity computes the cosine of the angle between a and b.
// Mismatched lengths score 0.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

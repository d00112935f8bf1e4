package relay

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"
)

func addNode(t *testing.T, s *MemGraphStore, n GraphNode) GraphNode {
	t.Helper()
	saved, err := s.UpsertNode(context.Background(), n)
	if err != nil {
		t.Fatalf("upsert %q: %v", n.Name, err)
	}
	return saved
}

func TestGraphUpsertNode(t *testing.T) {
	s := NewMemGraphStore()
	n := addNode(t, s, GraphNode{Type: "person", Name: "Ada"})
	if n.ID == "" || n.CreatedAt.IsZero() {
		t.Errorf("expected generated identity, got %+v", n)
	}
	if n.Confidence != 1 {
		t.Errorf("expected default confidence 1, got %v", n.Confidence)
	}

	// Updates keep creation time and access count.
	s.GetNode(context.Background(), n.ID)
	n.Name = "Ada Lovelace"
	updated, err := s.UpsertNode(context.Background(), n)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if updated.Name != "Ada Lovelace" || !updated.CreatedAt.Equal(n.CreatedAt) {
		t.Errorf("update lost fields: %+v", updated)
	}
	if updated.AccessCount != 1 {
		t.Errorf("expected preserved access count, got %d", updated.AccessCount)
	}
}

func TestGraphGetNode(t *testing.T) {
	s := NewMemGraphStore()
	n := addNode(t, s, GraphNode{Type: "topic", Name: "compilers"})

	got, err := s.GetNode(context.Background(), n.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.AccessCount != 1 {
		t.Errorf("expected access count bump, got %d", got.AccessCount)
	}
	got, _ = s.GetNode(context.Background(), n.ID)
	if got.AccessCount != 2 {
		t.Errorf("expected second bump, got %d", got.AccessCount)
	}

	if _, err := s.GetNode(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestGraphFindNodes(t *testing.T) {
	s := NewMemGraphStore()
	addNode(t, s, GraphNode{Type: "person", Name: "Grace Hopper", Aliases: []string{"Amazing Grace"}})
	addNode(t, s, GraphNode{Type: "person", Name: "Alan Turing"})
	addNode(t, s, GraphNode{Type: "topic", Name: "graceful shutdown"})

	byType, _ := s.FindNodes(context.Background(), NodeQuery{Type: "person"})
	if len(byType) != 2 {
		t.Errorf("expected 2 people, got %d", len(byType))
	}

	// Name matching is a case-insensitive substring over name and aliases.
	byAlias, _ := s.FindNodes(context.Background(), NodeQuery{Type: "person", Name: "amazing"})
	if len(byAlias) != 1 || byAlias[0].Name != "Grace Hopper" {
		t.Errorf("alias match failed: %+v", byAlias)
	}

	both, _ := s.FindNodes(context.Background(), NodeQuery{Name: "grace"})
	if len(both) != 2 {
		t.Errorf("expected person and topic, got %d", len(both))
	}

	limited, _ := s.FindNodes(context.Background(), NodeQuery{Limit: 1})
	if len(limited) != 1 {
		t.Errorf("limit ignored: %d", len(limited))
	}
}

func TestGraphDeleteNodeCascades(t *testing.T) {
	s := NewMemGraphStore()
	ctx := context.Background()
	a := addNode(t, s, GraphNode{Name: "a"})
	b := addNode(t, s, GraphNode{Name: "b"})
	c := addNode(t, s, GraphNode{Name: "c"})
	s.AddEdge(ctx, GraphEdge{SourceID: a.ID, TargetID: b.ID, Type: "knows"})
	s.AddEdge(ctx, GraphEdge{SourceID: b.ID, TargetID: c.ID, Type: "knows"})

	if err := s.DeleteNode(ctx, a.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.DeleteNode(ctx, a.ID); err != nil {
		t.Errorf("expected idempotent delete, got %v", err)
	}

	got, err := s.Neighbours(ctx, b.ID, "", 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 || got[0].ID != c.ID {
		t.Errorf("expected only the surviving edge, got %+v", got)
	}
}

func TestGraphAddEdgeValidation(t *testing.T) {
	s := NewMemGraphStore()
	ctx := context.Background()
	a := addNode(t, s, GraphNode{Name: "a"})

	if _, err := s.AddEdge(ctx, GraphEdge{SourceID: a.ID, TargetID: "ghost"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for missing target, got %v", err)
	}
	if _, err := s.AddEdge(ctx, GraphEdge{SourceID: "ghost", TargetID: a.ID}); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for missing source, got %v", err)
	}

	b := addNode(t, s, GraphNode{Name: "b"})
	e, err := s.AddEdge(ctx, GraphEdge{SourceID: a.ID, TargetID: b.ID, Type: "knows"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if e.ID == "" || e.Weight != 1 {
		t.Errorf("expected defaults applied, got %+v", e)
	}
}

func TestGraphNeighboursDepthAndDirection(t *testing.T) {
	s := NewMemGraphStore()
	ctx := context.Background()
	a := addNode(t, s, GraphNode{Name: "a"})
	b := addNode(t, s, GraphNode{Name: "b"})
	c := addNode(t, s, GraphNode{Name: "c"})
	d := addNode(t, s, GraphNode{Name: "d"})
	s.AddEdge(ctx, GraphEdge{SourceID: a.ID, TargetID: b.ID, Type: "knows"})
	s.AddEdge(ctx, GraphEdge{SourceID: b.ID, TargetID: c.ID, Type: "knows"})
	// Directed the wrong way; only reachable when bidirectional.
	s.AddEdge(ctx, GraphEdge{SourceID: d.ID, TargetID: a.ID, Type: "cites", Bidirectional: true})

	one, _ := s.Neighbours(ctx, a.ID, "", 1)
	if len(one) != 2 {
		t.Errorf("expected b and d at depth 1, got %d", len(one))
	}

	two, _ := s.Neighbours(ctx, a.ID, "", 2)
	if len(two) != 3 {
		t.Errorf("expected b, c and d at depth 2, got %d", len(two))
	}

	typed, _ := s.Neighbours(ctx, a.ID, "knows", 2)
	if len(typed) != 2 {
		t.Errorf("expected typed traversal to skip the citation, got %d", len(typed))
	}

	if _, err := s.Neighbours(ctx, "ghost", "", 1); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestGraphNeighboursTemporalValidity(t *testing.T) {
	s := NewMemGraphStore()
	ctx := context.Background()
	a := addNode(t, s, GraphNode{Name: "a"})
	b := addNode(t, s, GraphNode{Name: "b"})
	c := addNode(t, s, GraphNode{Name: "c"})

	past := time.Now().Add(-time.Hour)
	s.AddEdge(ctx, GraphEdge{SourceID: a.ID, TargetID: b.ID, ValidUntil: &past})
	future := time.Now().Add(time.Hour)
	s.AddEdge(ctx, GraphEdge{SourceID: a.ID, TargetID: c.ID, ValidFrom: &future})

	got, _ := s.Neighbours(ctx, a.ID, "", 1)
	if len(got) != 0 {
		t.Errorf("expired and not-yet-valid edges should be invisible, got %+v", got)
	}
}

func TestGraphSemanticSearch(t *testing.T) {
	s := NewMemGraphStore()
	ctx := context.Background()
	exact := addNode(t, s, GraphNode{Name: "exact", Embedding: []float32{1, 0}})
	near := addNode(t, s, GraphNode{Name: "near", Embedding: []float32{1, 1}})
	addNode(t, s, GraphNode{Name: "orthogonal", Embedding: []float32{0, 1}})
	addNode(t, s, GraphNode{Name: "unembedded"})

	hits, err := s.SemanticSearch(ctx, []float32{1, 0}, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("expected 2 hits, got %d", len(hits))
	}
	if hits[0].Node.ID != exact.ID || hits[1].Node.ID != near.ID {
		t.Errorf("unexpected ranking: %s, %s", hits[0].Node.Name, hits[1].Node.Name)
	}
	if hits[0].Score < 0.999 {
		t.Errorf("identical vectors should score ~1, got %v", hits[0].Score)
	}
}

func TestGraphDecay(t *testing.T) {
	s := NewMemGraphStore()
	ctx := context.Background()
	strong := addNode(t, s, GraphNode{Name: "strong", Confidence: 1})
	weak := addNode(t, s, GraphNode{Name: "weak", Confidence: 0.2})
	s.AddEdge(ctx, GraphEdge{SourceID: strong.ID, TargetID: weak.ID})

	deleted, err := s.Decay(ctx, 0.5, 0.15)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if deleted != 1 {
		t.Errorf("expected 1 deletion, got %d", deleted)
	}
	if _, err := s.GetNode(ctx, weak.ID); !errors.Is(err, ErrNotFound) {
		t.Error("weak node should be gone")
	}
	kept, _ := s.GetNode(ctx, strong.ID)
	if kept.Confidence != 0.5 {
		t.Errorf("expected decayed confidence 0.5, got %v", kept.Confidence)
	}
	// The weak node's edge went with it.
	got, _ := s.Neighbours(ctx, strong.ID, "", 1)
	if len(got) != 0 {
		t.Errorf("expected cascading edge removal, got %+v", got)
	}
}

func TestCosineSimilarity(t *testing.T) {
	if got := cosineSimilarity([]float32{1, 0}, []float32{0, 1}); got != 0 {
		t.Errorf("orthogonal vectors should score 0, got %v", got)
	}
	if got := cosineSimilarity([]float32{1, 2}, []float32{1, 2, 3}); got != 0 {
		t.Errorf("mismatched lengths should score 0, got %v", got)
	}
	if got := cosineSimilarity(nil, nil); got != 0 {
		t.Errorf("empty vectors should score 0, got %v", got)
	}
	if got := cosineSimilarity([]float32{0, 0}, []float32{1, 1}); got != 0 {
		t.Errorf("zero-norm vectors should score 0, got %v", got)
	}
	got := cosineSimilarity([]float32{1, 1}, []float32{1, 0})
	want := 1 / math.Sqrt2
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("expected %v, got %v", want, got)
	}
}

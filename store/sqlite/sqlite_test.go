package sqlite

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/nevindra/relay"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s := New(filepath.Join(t.TempDir(), "test.db"))
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestInitIdempotent(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "init.db"))
	defer s.Close()
	ctx := context.Background()
	if err := s.Init(ctx); err != nil {
		t.Fatalf("first Init: %v", err)
	}
	if err := s.Init(ctx); err != nil {
		t.Fatalf("second Init: %v", err)
	}
}

func testRecord(id string, status relay.RunStatus) relay.RunRecord {
	return relay.RunRecord{Run: relay.Run{
		ID:        id,
		AgentID:   "agent-1",
		Status:    status,
		Input:     "hello",
		StartedAt: time.Now(),
	}}
}

func TestRunSaveGet(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	rec := testRecord(relay.NewID(), relay.RunRunning)
	rec.Tags = []string{"nightly", "report"}
	rec.Usage = relay.Usage{InputTokens: 100, OutputTokens: 40, Cost: 0.002}
	rec.Trace = []relay.StepTrace{{CallID: "c1", Name: "search", Input: `{"q":"x"}`, Output: "ok"}}
	if err := s.Save(ctx, rec); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := s.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != relay.RunRunning || got.Input != "hello" {
		t.Errorf("unexpected record: %+v", got)
	}
	if got.Usage.InputTokens != 100 || got.Usage.Cost != 0.002 {
		t.Errorf("usage not persisted: %+v", got.Usage)
	}
	if len(got.Trace) != 1 || got.Trace[0].Name != "search" {
		t.Errorf("trace not persisted: %+v", got.Trace)
	}
	if len(got.Tags) != 2 || got.Tags[0] != "nightly" {
		t.Errorf("tags not persisted: %+v", got.Tags)
	}
}

func TestRunGetMissing(t *testing.T) {
	s := testStore(t)
	_, err := s.Get(context.Background(), "nope")
	if err != relay.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRunUpdate(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	rec := testRecord(relay.NewID(), relay.RunRunning)
	if err := s.Save(ctx, rec); err != nil {
		t.Fatalf("Save: %v", err)
	}

	err := s.Update(ctx, rec.ID, func(r *relay.RunRecord) {
		r.Status = relay.RunCompleted
		r.Output = "done"
		now := time.Now()
		r.CompletedAt = &now
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}

	got, _ := s.Get(ctx, rec.ID)
	if got.Status != relay.RunCompleted || got.Output != "done" {
		t.Errorf("patch not applied: %+v", got)
	}
	if got.CompletedAt == nil {
		t.Error("completed_at not persisted")
	}

	if err := s.Update(ctx, "nope", func(*relay.RunRecord) {}); err != relay.ErrNotFound {
		t.Fatalf("expected ErrNotFound for unknown run, got %v", err)
	}
}

func TestRunListFilters(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		rec := testRecord(relay.NewID(), relay.RunCompleted)
		rec.StartedAt = base.Add(time.Duration(i) * time.Minute)
		rec.WorkflowName = "etl"
		if i%2 == 0 {
			rec.Status = relay.RunFailed
			rec.Error = "boom"
			rec.Tags = []string{"flaky"}
		}
		if err := s.Save(ctx, rec); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}

	failed, err := s.List(ctx, relay.RunFilter{Status: []relay.RunStatus{relay.RunFailed}})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(failed) != 3 {
		t.Fatalf("expected 3 failed, got %d", len(failed))
	}

	tagged, _ := s.List(ctx, relay.RunFilter{Tags: []string{"flaky"}})
	if len(tagged) != 3 {
		t.Fatalf("expected 3 tagged, got %d", len(tagged))
	}

	hasErr := true
	witherr, _ := s.List(ctx, relay.RunFilter{HasError: &hasErr})
	if len(witherr) != 3 {
		t.Fatalf("expected 3 with error, got %d", len(witherr))
	}

	asc, _ := s.List(ctx, relay.RunFilter{OrderDirection: relay.OrderAsc})
	if len(asc) != 5 {
		t.Fatalf("expected 5, got %d", len(asc))
	}
	for i := 1; i < len(asc); i++ {
		if asc[i].StartedAt.Before(asc[i-1].StartedAt) {
			t.Fatal("ascending order violated")
		}
	}

	page, _ := s.List(ctx, relay.RunFilter{OrderDirection: relay.OrderAsc, Limit: 2, Offset: 1})
	if len(page) != 2 || !page[0].StartedAt.Equal(asc[1].StartedAt) {
		t.Errorf("pagination wrong: got %d records", len(page))
	}

	n, err := s.Count(ctx, relay.RunFilter{WorkflowName: "etl"})
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 5 {
		t.Fatalf("expected count 5, got %d", n)
	}
}

func TestRunStats(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		rec := testRecord(fmt.Sprintf("run-%d", i), relay.RunCompleted)
		rec.WorkflowName = "pipeline"
		done := rec.StartedAt.Add(time.Duration(i+1) * 100 * time.Millisecond)
		rec.CompletedAt = &done
		if err := s.Save(ctx, rec); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}
	rec := testRecord("run-x", relay.RunFailed)
	rec.WorkflowName = "pipeline"
	s.Save(ctx, rec)

	stats, err := s.GetStats(ctx, "pipeline")
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if stats.Total != 4 {
		t.Errorf("expected total 4, got %d", stats.Total)
	}
	if stats.ByStatus[relay.RunCompleted] != 3 || stats.ByStatus[relay.RunFailed] != 1 {
		t.Errorf("by_status wrong: %+v", stats.ByStatus)
	}
	// Average over the three finished runs: (100+200+300)/3 = 200ms.
	if stats.AvgMillis != 200 {
		t.Errorf("expected avg 200ms, got %d", stats.AvgMillis)
	}
}

func TestRunCleanup(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	old := testRecord("old", relay.RunCompleted)
	oldDone := time.Now().Add(-48 * time.Hour)
	old.CompletedAt = &oldDone
	s.Save(ctx, old)
	s.SaveCheckpoint(ctx, relay.Checkpoint{ID: "cp-old", RunID: "old", NodeID: "n", Seq: 1, CreatedAt: oldDone})

	fresh := testRecord("fresh", relay.RunCompleted)
	freshDone := time.Now()
	fresh.CompletedAt = &freshDone
	s.Save(ctx, fresh)

	running := testRecord("running", relay.RunRunning)
	s.Save(ctx, running)

	n, err := s.Cleanup(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 deleted, got %d", n)
	}
	if _, err := s.Get(ctx, "old"); err != relay.ErrNotFound {
		t.Error("old run should be gone")
	}
	if _, err := s.Get(ctx, "fresh"); err != nil {
		t.Error("fresh run should remain")
	}
	if _, err := s.Get(ctx, "running"); err != nil {
		t.Error("running run should remain")
	}
	if cps, _ := s.ListCheckpoints(ctx, "old"); len(cps) != 0 {
		t.Error("old run checkpoints should be gone")
	}
}

func TestCheckpoints(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for seq := 1; seq <= 3; seq++ {
		cp := relay.Checkpoint{
			ID:        fmt.Sprintf("cp-%d", seq),
			RunID:     "run-1",
			NodeID:    fmt.Sprintf("node-%d", seq),
			Seq:       seq,
			State:     []byte(`{"values":{}}`),
			CreatedAt: time.Now(),
		}
		if err := s.SaveCheckpoint(ctx, cp); err != nil {
			t.Fatalf("SaveCheckpoint: %v", err)
		}
	}

	latest, err := s.LatestCheckpoint(ctx, "run-1")
	if err != nil {
		t.Fatalf("LatestCheckpoint: %v", err)
	}
	if latest.Seq != 3 || latest.NodeID != "node-3" {
		t.Errorf("latest wrong: %+v", latest)
	}

	got, err := s.GetCheckpoint(ctx, "cp-2")
	if err != nil {
		t.Fatalf("GetCheckpoint: %v", err)
	}
	if got.Seq != 2 {
		t.Errorf("expected seq 2, got %d", got.Seq)
	}

	list, _ := s.ListCheckpoints(ctx, "run-1")
	if len(list) != 3 || list[0].Seq != 1 || list[2].Seq != 3 {
		t.Errorf("list order wrong: %+v", list)
	}

	if err := s.DeleteCheckpoints(ctx, "run-1"); err != nil {
		t.Fatalf("DeleteCheckpoints: %v", err)
	}
	if _, err := s.LatestCheckpoint(ctx, "run-1"); err != relay.ErrNotFound {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestGraphNodes(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	n, err := s.UpsertNode(ctx, relay.GraphNode{Type: "person", Name: "Ada Lovelace", Aliases: []string{"Ada"}})
	if err != nil {
		t.Fatalf("UpsertNode: %v", err)
	}
	if n.ID == "" || n.Confidence != 1 {
		t.Errorf("defaults not applied: %+v", n)
	}

	got, err := s.GetNode(ctx, n.ID)
	if err != nil {
		t.Fatalf("GetNode: %v", err)
	}
	if got.AccessCount != 1 {
		t.Errorf("expected access count bump, got %d", got.AccessCount)
	}

	found, _ := s.FindNodes(ctx, relay.NodeQuery{Name: "ada"})
	if len(found) != 1 {
		t.Fatalf("expected 1 hit, got %d", len(found))
	}

	m, _ := s.UpsertNode(ctx, relay.GraphNode{Type: "field", Name: "Mathematics"})
	edge, err := s.AddEdge(ctx, relay.GraphEdge{SourceID: n.ID, TargetID: m.ID, Type: "studied"})
	if err != nil {
		t.Fatalf("AddEdge: %v", err)
	}
	if edge.Weight != 1 {
		t.Errorf("expected default weight 1, got %v", edge.Weight)
	}

	if _, err := s.AddEdge(ctx, relay.GraphEdge{SourceID: n.ID, TargetID: "ghost", Type: "x"}); err != relay.ErrNotFound {
		t.Fatalf("expected ErrNotFound for dangling edge, got %v", err)
	}

	nbrs, err := s.Neighbours(ctx, n.ID, "", 1)
	if err != nil {
		t.Fatalf("Neighbours: %v", err)
	}
	if len(nbrs) != 1 || nbrs[0].ID != m.ID {
		t.Errorf("unexpected neighbours: %+v", nbrs)
	}

	// Delete cascades to the edge.
	if err := s.DeleteNode(ctx, m.ID); err != nil {
		t.Fatalf("DeleteNode: %v", err)
	}
	nbrs, _ = s.Neighbours(ctx, n.ID, "", 1)
	if len(nbrs) != 0 {
		t.Errorf("edge should be gone after cascade, got %+v", nbrs)
	}
}

func TestGraphBidirectionalAndDepth(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	a, _ := s.UpsertNode(ctx, relay.GraphNode{Type: "t", Name: "a"})
	b, _ := s.UpsertNode(ctx, relay.GraphNode{Type: "t", Name: "b"})
	c, _ := s.UpsertNode(ctx, relay.GraphNode{Type: "t", Name: "c"})
	s.AddEdge(ctx, relay.GraphEdge{SourceID: a.ID, TargetID: b.ID, Type: "rel"})
	s.AddEdge(ctx, relay.GraphEdge{SourceID: c.ID, TargetID: b.ID, Type: "rel", Bidirectional: true})

	// One hop from a reaches only b; b's bidirectional edge to c needs
	// a second hop.
	one, _ := s.Neighbours(ctx, a.ID, "", 1)
	if len(one) != 1 {
		t.Fatalf("depth 1: expected 1, got %d", len(one))
	}
	two, _ := s.Neighbours(ctx, a.ID, "", 2)
	if len(two) != 2 {
		t.Fatalf("depth 2: expected 2, got %d", len(two))
	}
}

func TestGraphSemanticSearch(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	s.UpsertNode(ctx, relay.GraphNode{Type: "t", Name: "close", Embedding: []float32{1, 0, 0}})
	s.UpsertNode(ctx, relay.GraphNode{Type: "t", Name: "far", Embedding: []float32{0, 1, 0}})
	s.UpsertNode(ctx, relay.GraphNode{Type: "t", Name: "none"})

	hits, err := s.SemanticSearch(ctx, []float32{0.9, 0.1, 0}, 5)
	if err != nil {
		t.Fatalf("SemanticSearch: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("expected 2 hits, got %d", len(hits))
	}
	if hits[0].Node.Name != "close" {
		t.Errorf("expected closest first, got %q", hits[0].Node.Name)
	}
}

func TestGraphDecay(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	strong, _ := s.UpsertNode(ctx, relay.GraphNode{Type: "t", Name: "strong", Confidence: 1.0})
	weak, _ := s.UpsertNode(ctx, relay.GraphNode{Type: "t", Name: "weak", Confidence: 0.4})
	s.AddEdge(ctx, relay.GraphEdge{SourceID: strong.ID, TargetID: weak.ID, Type: "rel"})

	deleted, err := s.Decay(ctx, 0.5, 0.3)
	if err != nil {
		t.Fatalf("Decay: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("expected 1 deleted, got %d", deleted)
	}
	if _, err := s.GetNode(ctx, weak.ID); err != relay.ErrNotFound {
		t.Error("weak node should be pruned")
	}
	got, err := s.GetNode(ctx, strong.ID)
	if err != nil {
		t.Fatalf("GetNode: %v", err)
	}
	if got.Confidence != 0.5 {
		t.Errorf("expected confidence 0.5, got %v", got.Confidence)
	}
	if nbrs, _ := s.Neighbours(ctx, strong.ID, "", 1); len(nbrs) != 0 {
		t.Error("edges to pruned node should be gone")
	}
}

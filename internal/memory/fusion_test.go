package memory

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func addChain(t *testing.T, s *Store) []*Memory {
	t.Helper()
	ctx := context.Background()
	contents := []string{
		"started learning spanish",
		"practices flashcards every morning",
		"watched a film without subtitles",
		"booked a trip to madrid",
	}
	var ms []*Memory
	for _, c := range contents {
		m, created, err := s.Add(ctx, "u1", c, CategoryEvent, AddOptions{})
		if err != nil {
			t.Fatal(err)
		}
		if !created {
			t.Fatalf("unexpected dedup for %q", c)
		}
		ms = append(ms, m)
	}
	for i := 1; i < len(ms); i++ {
		if _, err := s.AddRelation(ms[i].ID, ms[i-1].ID, RelExtends, 0.8); err != nil {
			t.Fatal(err)
		}
	}
	return ms
}

func TestFusionProducesDerived(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := testStore(t, func() time.Time { return now })
	s.SetLLM(&fakeLLM{reply: `{"summary": "is learning spanish seriously", "importance": 7, "category": "insight"}`}, "test-model")
	ctx := context.Background()

	sources := addChain(t, s)

	// Fade the chain below the dormancy threshold.
	now = now.Add(30 * 24 * time.Hour)
	if _, err := s.ProcessFullDecay(); err != nil {
		t.Fatal(err)
	}

	res, err := s.FuseDormantClusters(ctx, "u1")
	if err != nil {
		t.Fatalf("FuseDormantClusters: %v", err)
	}
	if res.ClustersFound != 1 || res.Fused != 1 {
		t.Fatalf("result = %+v, want 1 cluster fused", res)
	}

	latest, err := s.LatestByUser("u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(latest) != 1 {
		t.Fatalf("latest = %d memories, want only the derived one", len(latest))
	}
	derived := latest[0]
	if derived.MemoryType != TypeDerived || derived.Content != "is learning spanish seriously" {
		t.Errorf("derived = %+v", derived)
	}
	for _, src := range sources {
		if !strings.Contains(derived.SourceChunk, src.Content) {
			t.Errorf("sourceChunk missing %q", src.Content)
		}
		got, err := s.Get(src.ID)
		if err != nil {
			t.Fatal(err)
		}
		if got.IsLatest || got.MemoryType != TypeSuperseded {
			t.Errorf("source %s not superseded: %+v", src.ID, got)
		}
	}

	edges, err := s.RelationsTouching([]string{derived.ID})
	if err != nil {
		t.Fatal(err)
	}
	derives := 0
	for _, e := range edges {
		if e.SourceID == derived.ID && e.RelationType == RelDerives {
			derives++
		}
	}
	if derives != 4 {
		t.Errorf("DERIVES edges = %d, want 4", derives)
	}
}

func TestFusionLeavesClusterOnLLMFailure(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := testStore(t, func() time.Time { return now })
	s.SetLLM(&fakeLLM{err: errors.New("model down")}, "test-model")
	ctx := context.Background()

	sources := addChain(t, s)

	now = now.Add(30 * 24 * time.Hour)
	if _, err := s.ProcessFullDecay(); err != nil {
		t.Fatal(err)
	}

	res, err := s.FuseDormantClusters(ctx, "u1")
	if err != nil {
		t.Fatalf("FuseDormantClusters: %v", err)
	}
	if res.Fused != 0 {
		t.Errorf("fused = %d, want 0", res.Fused)
	}
	for _, src := range sources {
		got, err := s.Get(src.ID)
		if err != nil {
			t.Fatal(err)
		}
		if !got.IsLatest || got.MemoryType != TypeRegular {
			t.Errorf("source %s mutated on LLM failure: %+v", src.ID, got)
		}
	}
}

func TestFreshMemoriesNotClustered(t *testing.T) {
	s := testStore(t, nil)
	s.SetLLM(&fakeLLM{reply: `{"summary": "x", "importance": 5, "category": "insight"}`}, "test-model")

	addChain(t, s)

	res, err := s.FuseDormantClusters(context.Background(), "u1")
	if err != nil {
		t.Fatal(err)
	}
	if res.ClustersFound != 0 {
		t.Errorf("clusters = %d, want 0 while memories are fresh", res.ClustersFound)
	}
}

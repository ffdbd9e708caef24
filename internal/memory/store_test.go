package memory

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/nextlevelbuilder/keeper/internal/config"
	"github.com/nextlevelbuilder/keeper/internal/providers"
	"github.com/nextlevelbuilder/keeper/internal/store"
)

type fakeLLM struct {
	reply string
	err   error
	calls int
}

func (f *fakeLLM) Complete(_ context.Context, _ providers.CompletionRequest) (*providers.CompletionResponse, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &providers.CompletionResponse{
		Content:    []providers.Block{{Type: providers.BlockText, Text: f.reply}},
		StopReason: providers.StopEndTurn,
	}, nil
}

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func testStore(t *testing.T, clock func() time.Time) *Store {
	t.Helper()
	return NewStore(testDB(t), NewLocalEmbedder(), config.MemoryConfig{}, clock)
}

func TestAddAndGet(t *testing.T) {
	s := testStore(t, nil)
	ctx := context.Background()

	m, created, err := s.Add(ctx, "u1", "prefers tea over coffee", CategoryPreference, AddOptions{Source: "chat"})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if !created {
		t.Fatal("expected a new row")
	}
	if m.Prominence != 1.0 || !m.IsLatest || m.MemoryType != TypeRegular || m.AccessCount != 0 {
		t.Errorf("unexpected defaults: %+v", m)
	}

	got, err := s.Get(m.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil || got.Content != m.Content || got.Category != CategoryPreference {
		t.Errorf("Get = %+v, want %+v", got, m)
	}
	if len(got.Embedding) == 0 {
		t.Error("embedding not persisted")
	}
}

func TestAddDeduplicates(t *testing.T) {
	s := testStore(t, nil)
	ctx := context.Background()

	first, _, err := s.Add(ctx, "u1", "works at the hospital on tuesdays", CategoryFact, AddOptions{})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	second, created, err := s.Add(ctx, "u1", "works at the hospital on tuesdays", CategoryFact, AddOptions{})
	if err != nil {
		t.Fatalf("Add duplicate: %v", err)
	}
	if created {
		t.Error("duplicate should merge, not create")
	}
	if second.ID != first.ID {
		t.Errorf("merged into %s, want %s", second.ID, first.ID)
	}
	if second.TimesConfirmed != 2 {
		t.Errorf("timesConfirmed = %d, want 2", second.TimesConfirmed)
	}

	// A different fact with overlapping tokens must not merge.
	third, created, err := s.Add(ctx, "u1", "works at the library on tuesdays", CategoryFact, AddOptions{})
	if err != nil {
		t.Fatalf("Add distinct: %v", err)
	}
	if !created || third.ID == first.ID {
		t.Errorf("distinct content merged: %+v", third)
	}
}

func TestUpdatesEdgeSupersedes(t *testing.T) {
	llm := &fakeLLM{err: errors.New("unavailable")} // force heuristic
	s := testStore(t, nil)
	s.SetLLM(llm, "test-model")
	ctx := context.Background()

	dublin, _, err := s.Add(ctx, "u1", "lives in dublin", CategoryFact, AddOptions{})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	cork, _, err := s.Add(ctx, "u1", "lives in cork", CategoryFact, AddOptions{DetectRelations: true})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	got, err := s.Get(dublin.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.IsLatest || got.MemoryType != TypeSuperseded {
		t.Errorf("target not superseded: isLatest=%v type=%s", got.IsLatest, got.MemoryType)
	}

	edges, err := s.RelationsTouching([]string{cork.ID})
	if err != nil {
		t.Fatalf("RelationsTouching: %v", err)
	}
	found := false
	for _, e := range edges {
		if e.SourceID == cork.ID && e.TargetID == dublin.ID && e.RelationType == RelUpdates {
			found = true
		}
	}
	if !found {
		t.Errorf("no UPDATES edge cork→dublin in %+v", edges)
	}

	results, err := s.Search(ctx, "where do I live", "u1", 1)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || results[0].Memory.Content != "lives in cork" {
		t.Errorf("search top = %+v, want lives in cork", results)
	}
}

func TestSearchFallbackWithoutLLM(t *testing.T) {
	s := testStore(t, nil)
	ctx := context.Background()

	if _, _, err := s.Add(ctx, "u1", "allergic to peanuts", CategoryFact, AddOptions{}); err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.Add(ctx, "u1", "enjoys hiking on weekends", CategoryPreference, AddOptions{}); err != nil {
		t.Fatal(err)
	}

	results, err := s.Search(ctx, "peanut allergy", "u1", 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) == 0 {
		t.Fatal("no results")
	}
	if results[0].Memory.Content != "allergic to peanuts" {
		t.Errorf("top = %q, want allergy memory", results[0].Memory.Content)
	}
}

func TestSearchSurvivesRerankGarbage(t *testing.T) {
	s := testStore(t, nil)
	s.SetLLM(&fakeLLM{reply: "sorry I can't do that"}, "test-model")
	ctx := context.Background()

	if _, _, err := s.Add(ctx, "u1", "allergic to peanuts", CategoryFact, AddOptions{}); err != nil {
		t.Fatal(err)
	}
	results, err := s.Search(ctx, "peanut allergy", "u1", 3)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) == 0 {
		t.Fatal("malformed rerank reply must not empty the results")
	}
}

func TestSearchRerankMixesScores(t *testing.T) {
	s := testStore(t, nil)
	s.SetLLM(&fakeLLM{reply: `[{"index": 0, "score": 1.0}]`}, "test-model")
	ctx := context.Background()

	if _, _, err := s.Add(ctx, "u1", "allergic to peanuts", CategoryFact, AddOptions{}); err != nil {
		t.Fatal(err)
	}
	results, err := s.Search(ctx, "peanut allergy", "u1", 3)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) == 0 {
		t.Fatal("no results")
	}
	// final = 0.4·blended + 0.6·1.0, so it must exceed 0.6.
	if results[0].Score <= 0.6 {
		t.Errorf("score = %f, want rerank-lifted score > 0.6", results[0].Score)
	}
}

func TestSearchBumpsAccess(t *testing.T) {
	s := testStore(t, nil)
	ctx := context.Background()

	m, _, err := s.Add(ctx, "u1", "allergic to peanuts", CategoryFact, AddOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Search(ctx, "peanut allergy", "u1", 1); err != nil {
		t.Fatal(err)
	}

	got, err := s.Get(m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.AccessCount != 1 || got.LastAccessed == nil {
		t.Errorf("access not bumped: count=%d lastAccessed=%v", got.AccessCount, got.LastAccessed)
	}
}

func TestSearchRepeatIsDeterministic(t *testing.T) {
	s := testStore(t, nil) // ActivationNoise defaults to 0
	ctx := context.Background()

	contents := []string{
		"allergic to peanuts",
		"carries an epipen for the peanut allergy",
		"enjoys hiking on weekends",
		"hikes the wicklow way every spring",
		"prefers tea over coffee",
		"drinks green tea in the morning",
	}
	for _, c := range contents {
		if _, _, err := s.Add(ctx, "u1", c, CategoryFact, AddOptions{}); err != nil {
			t.Fatalf("Add %q: %v", c, err)
		}
	}
	// An UPDATES edge so graph activation participates in the blend.
	llm := &fakeLLM{err: errors.New("unavailable")} // force heuristic relations
	s.SetLLM(llm, "test-model")
	if _, _, err := s.Add(ctx, "u1", "lives in dublin", CategoryFact, AddOptions{}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, _, err := s.Add(ctx, "u1", "lives in cork", CategoryFact, AddOptions{DetectRelations: true}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	s.SetLLM(nil, "")

	first, err := s.Search(ctx, "peanut allergy", "u1", 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(first) == 0 {
		t.Fatal("no results")
	}
	// Search bumps access stats; with zero noise that must not change
	// the ranking of an identical repeat query.
	second, err := s.Search(ctx, "peanut allergy", "u1", 5)
	if err != nil {
		t.Fatalf("repeat Search: %v", err)
	}
	if len(second) != len(first) {
		t.Fatalf("repeat returned %d results, first returned %d", len(second), len(first))
	}
	for i := range first {
		if first[i].Memory.ID != second[i].Memory.ID {
			t.Errorf("position %d: id %s vs %s", i, first[i].Memory.ID, second[i].Memory.ID)
		}
		if first[i].Score != second[i].Score {
			t.Errorf("position %d: score %f vs %f", i, first[i].Score, second[i].Score)
		}
	}
}

package sessions

import (
	"database/sql"
	"testing"
	"time"

	"github.com/nextlevelbuilder/keeper/internal/providers"
	"github.com/nextlevelbuilder/keeper/internal/store"
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestCreateAndGet(t *testing.T) {
	s := NewSQLiteStore(testDB(t), nil)

	sess, err := s.Create(CreateOptions{UserID: "u1", ChannelID: "cli", ID: SessionID("cli", "u1")})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if sess.ID != "cli-u1" {
		t.Errorf("id = %q, want cli-u1", sess.ID)
	}

	got, err := s.Get(sess.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil || got.UserID != "u1" || got.ChannelID != "cli" {
		t.Errorf("Get = %+v", got)
	}

	missing, err := s.Get("nope")
	if err != nil || missing != nil {
		t.Errorf("missing session = (%+v, %v), want (nil, nil)", missing, err)
	}
}

func TestAppendUpdatesSessionAndPaginates(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := NewSQLiteStore(testDB(t), func() time.Time { return now })

	sess, err := s.Create(CreateOptions{UserID: "u1", ChannelID: "cli"})
	if err != nil {
		t.Fatal(err)
	}

	var lastID int64
	for _, text := range []string{"one", "two", "three", "four", "five"} {
		now = now.Add(time.Minute)
		id, err := s.Append(sess.ID, providers.TextMessage("user", text))
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
		if id <= lastID {
			t.Fatalf("message ids not monotonic: %d after %d", id, lastID)
		}
		lastID = id
	}

	got, err := s.Get(sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.UpdatedAt.Equal(now) {
		t.Errorf("updatedAt = %v, want %v", got.UpdatedAt, now)
	}

	page, err := s.MessagesPaginated(sess.ID, 2, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 2 || page[0].Message.Text() != "four" || page[1].Message.Text() != "five" {
		t.Errorf("last page = %+v", page)
	}

	prev, err := s.MessagesPaginated(sess.ID, 2, page[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(prev) != 2 || prev[0].Message.Text() != "two" || prev[1].Message.Text() != "three" {
		t.Errorf("previous page = %+v", prev)
	}

	history, err := s.History(sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 5 || history[0].Text() != "one" {
		t.Errorf("history = %+v", history)
	}
}

func TestDeleteCascades(t *testing.T) {
	s := NewSQLiteStore(testDB(t), nil)

	sess, _ := s.Create(CreateOptions{UserID: "u1", ChannelID: "cli"})
	if _, err := s.Append(sess.ID, providers.TextMessage("user", "hello")); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(sess.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	got, _ := s.Get(sess.ID)
	if got != nil {
		t.Error("session survived delete")
	}
	history, err := s.History(sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 0 {
		t.Errorf("messages survived delete: %+v", history)
	}
}

func TestFindByUserID(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := NewSQLiteStore(testDB(t), func() time.Time { return now })

	older, _ := s.Create(CreateOptions{UserID: "u1", ChannelID: "cli", ID: SessionID("cli", "u1")})
	now = now.Add(time.Hour)
	newer, _ := s.Create(CreateOptions{UserID: "u1", ChannelID: "ws", ID: SessionID("ws", "u1")})

	got, err := s.FindByUserID("u1")
	if err != nil {
		t.Fatalf("FindByUserID: %v", err)
	}
	if got == nil || got.ID != newer.ID {
		t.Errorf("got %+v, want most recent %s (older was %s)", got, newer.ID, older.ID)
	}
}

func TestSummaryUpsert(t *testing.T) {
	s := NewSQLiteStore(testDB(t), nil)

	sum := &Summary{
		SessionID:    "cli-u1",
		UserID:       "u1",
		Summary:      "talked about travel plans",
		Topics:       []string{"travel"},
		MessageCount: 12,
		Duration:     45 * time.Minute,
	}
	if err := s.SaveSummary(sum); err != nil {
		t.Fatalf("SaveSummary: %v", err)
	}

	sum.Summary = "talked about travel plans and budget"
	if err := s.SaveSummary(sum); err != nil {
		t.Fatalf("SaveSummary update: %v", err)
	}

	got, err := s.SummariesByUser("u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Summary != "talked about travel plans and budget" {
		t.Errorf("summaries = %+v", got)
	}
	if got[0].Duration != 45*time.Minute {
		t.Errorf("duration = %v", got[0].Duration)
	}
}

func TestStaleAndPrune(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	s := NewSQLiteStore(testDB(t), func() time.Time { return now })

	old, _ := s.Create(CreateOptions{UserID: "u1", ChannelID: "cli"})
	now = now.Add(40 * 24 * time.Hour)
	fresh, _ := s.Create(CreateOptions{UserID: "u1", ChannelID: "ws"})

	cutoff := now.Add(-30 * 24 * time.Hour)
	stale, err := s.StaleSessions(cutoff)
	if err != nil {
		t.Fatal(err)
	}
	if len(stale) != 1 || stale[0].ID != old.ID {
		t.Errorf("stale = %+v", stale)
	}

	n, err := s.DeleteOlderThan(cutoff)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("pruned = %d, want 1", n)
	}
	if got, _ := s.Get(fresh.ID); got == nil {
		t.Error("fresh session pruned")
	}
}

func TestUserIDOf(t *testing.T) {
	if uid, ok := UserIDOf("cli-u1"); !ok || uid != "u1" {
		t.Errorf("UserIDOf(cli-u1) = (%q, %v)", uid, ok)
	}
	if _, ok := UserIDOf("plain"); ok {
		t.Error("UserIDOf(plain) should not parse")
	}
}

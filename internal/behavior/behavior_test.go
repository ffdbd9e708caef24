package behavior

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/nextlevelbuilder/keeper/internal/memory"
	"github.com/nextlevelbuilder/keeper/internal/providers"
	"github.com/nextlevelbuilder/keeper/internal/store"
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := store.OpenMemory()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestTrustFeedbackAsymmetry(t *testing.T) {
	p := NewPatterns()
	if p.Preferences.TrustScore != 0.5 || p.Preferences.Dial != DialModerate {
		t.Fatalf("cold start = %+v", p.Preferences)
	}

	p.ApplyFeedback(true)
	p.ApplyFeedback(false)
	if p.Preferences.TrustScore >= 0.5 {
		t.Errorf("one accept + one dismiss should net negative, got %v", p.Preferences.TrustScore)
	}

	// Enough dismissals floor the score and drop the dial.
	for i := 0; i < 10; i++ {
		p.ApplyFeedback(false)
	}
	if p.Preferences.TrustScore != 0 || p.Preferences.Dial != DialConservative {
		t.Errorf("floored state = %+v", p.Preferences)
	}

	// Sustained acceptance climbs to eager without overshooting 1.
	for i := 0; i < 20; i++ {
		p.ApplyFeedback(true)
	}
	if p.Preferences.TrustScore != 1 || p.Preferences.Dial != DialEager {
		t.Errorf("ceiling state = %+v", p.Preferences)
	}
}

func TestStoreRoundTripAndDefault(t *testing.T) {
	db := testDB(t)
	s := NewStore(db, nil)

	p, err := s.Get("u1")
	if err != nil {
		t.Fatal(err)
	}
	if p.Preferences.TrustScore != 0.5 {
		t.Errorf("missing user should get cold-start patterns, got %+v", p)
	}

	freq := 3.5
	p.MessageFrequency = &freq
	p.ActiveHours = []int{9, 10, 21}
	p.ApplyFeedback(true)
	if err := s.Save("u1", p); err != nil {
		t.Fatal(err)
	}

	got, err := s.Get("u1")
	if err != nil {
		t.Fatal(err)
	}
	if got.MessageFrequency == nil || *got.MessageFrequency != 3.5 {
		t.Errorf("frequency lost: %+v", got)
	}
	if got.Preferences.TrustScore != 0.6 {
		t.Errorf("trust = %v, want 0.6", got.Preferences.TrustScore)
	}
	if !got.IsActiveHour(9) || got.IsActiveHour(3) {
		t.Error("active hours lost")
	}
}

func seedMessages(t *testing.T, db *sql.DB, userID string, sessions, perSession int, text string, at time.Time) {
	t.Helper()
	for s := 0; s < sessions; s++ {
		sid := fmt.Sprintf("%s-sess-%d", userID, s)
		if _, err := db.Exec(`INSERT INTO sessions (id, user_id, channel_id, created_at, updated_at)
			VALUES (?, ?, 'cli', ?, ?)`, sid, userID, at, at); err != nil {
			t.Fatal(err)
		}
		for m := 0; m < perSession; m++ {
			blocks, _ := json.Marshal([]providers.Block{{Type: providers.BlockText, Text: text}})
			if _, err := db.Exec(`INSERT INTO session_messages (session_id, role, content, created_at)
				VALUES (?, 'user', ?, ?)`, sid, string(blocks), at.Add(time.Duration(m)*time.Minute)); err != nil {
				t.Fatal(err)
			}
		}
	}
}

func TestRecomputeColdStart(t *testing.T) {
	db := testDB(t)
	s := NewStore(db, nil)
	inf := NewInferrer(db, s, nil, nil)

	// 4 messages is under every threshold: all signals stay nil.
	seedMessages(t, db, "u1", 1, 4, "hello there", time.Now().UTC().Add(-time.Hour))

	p, err := inf.Recompute(context.Background(), "u1")
	if err != nil {
		t.Fatal(err)
	}
	if p.MessageFrequency != nil || p.ResponseLength != nil || p.SessionEngagement != nil {
		t.Errorf("signals computed under cold-start thresholds: %+v", p)
	}
	if p.Preferences.TrustScore != 0.5 {
		t.Errorf("trust moved during inference: %v", p.Preferences.TrustScore)
	}
}

func TestRecomputeSignals(t *testing.T) {
	db := testDB(t)
	now := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	s := NewStore(db, clock)
	inf := NewInferrer(db, s, memory.NewLocalEmbedder(), clock)

	seedMessages(t, db, "u1", 3, 4, "I am so frustrated, this is terrible and broken", now.Add(-2*time.Hour))

	p, err := inf.Recompute(context.Background(), "u1")
	if err != nil {
		t.Fatal(err)
	}
	if p.MessageFrequency == nil || *p.MessageFrequency <= 0 {
		t.Errorf("frequency = %v", p.MessageFrequency)
	}
	if p.ResponseLength == nil {
		t.Error("response length missing")
	}
	if p.SessionEngagement == nil || *p.SessionEngagement != 4 {
		t.Errorf("engagement = %v, want 4", p.SessionEngagement)
	}
	if !p.IsActiveHour(13) {
		t.Errorf("active hours = %v, messages landed at 13:00 UTC", p.ActiveHours)
	}
	if p.SmoothedAffect == nil || *p.SmoothedAffect >= 0 || !p.Distressed() {
		t.Errorf("affect = %v, want clearly negative", p.SmoothedAffect)
	}
	if p.TopicSwitch == nil || *p.TopicSwitch > 0.1 {
		t.Errorf("topic switch = %v, identical messages should be near zero", p.TopicSwitch)
	}

	// The recomputed state persists.
	got, err := s.Get("u1")
	if err != nil {
		t.Fatal(err)
	}
	if got.MessageFrequency == nil {
		t.Error("recompute did not persist")
	}
}

func TestUsersListsSessionOwners(t *testing.T) {
	db := testDB(t)
	s := NewStore(db, nil)
	seedMessages(t, db, "alice", 1, 1, "hi", time.Now().UTC())
	seedMessages(t, db, "bob", 2, 1, "hi", time.Now().UTC())

	users, err := s.Users()
	if err != nil {
		t.Fatal(err)
	}
	if len(users) != 2 || users[0] != "alice" || users[1] != "bob" {
		t.Errorf("users = %v", users)
	}
}

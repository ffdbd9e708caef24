package proactive

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/nextlevelbuilder/keeper/internal/behavior"
	"github.com/nextlevelbuilder/keeper/internal/config"
	"github.com/nextlevelbuilder/keeper/internal/goals"
	"github.com/nextlevelbuilder/keeper/internal/providers"
	"github.com/nextlevelbuilder/keeper/internal/schedule"
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

type fixture struct {
	eval  *Evaluator
	queue *schedule.Queue
	goals *goals.Store
	bhv   *behavior.Store
	db    *sql.DB
	now   time.Time
}

func newFixture(t *testing.T, llm *fakeLLM) *fixture {
	t.Helper()
	db, err := store.OpenMemory()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	now := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	cfg := config.Default()
	queue := schedule.NewQueue(db, clock)
	bhv := behavior.NewStore(db, clock)
	goalStore := goals.NewStore(db, clock)

	eval := New(cfg, db, queue, bhv, goalStore, clock)
	if llm != nil {
		eval.SetLLM(llm, "cheap-model")
	}
	return &fixture{eval: eval, queue: queue, goals: goalStore, bhv: bhv, db: db, now: now}
}

func (f *fixture) addGoalDueTomorrow(t *testing.T, userID string) *goals.Goal {
	t.Helper()
	due := f.now.Add(20 * time.Hour)
	g, err := f.goals.Add(userID, "ship the quarterly report", &due)
	if err != nil {
		t.Fatal(err)
	}
	return g
}

const nudgeReply = `[{"index": 0, "action": "nudge", "message": "Your report is due tomorrow - need a hand?", "urgency": "high"}]`

func TestEvaluateSchedulesNudge(t *testing.T) {
	llm := &fakeLLM{reply: nudgeReply}
	f := newFixture(t, llm)
	g := f.addGoalDueTomorrow(t, "u1")

	res, err := f.eval.EvaluateUser(context.Background(), "u1")
	if err != nil {
		t.Fatal(err)
	}
	if res.Skipped || res.Signals != 1 || res.Scheduled != 1 {
		t.Fatalf("result = %+v", res)
	}
	if llm.calls != 1 {
		t.Errorf("triage calls = %d, want exactly 1", llm.calls)
	}

	pending, err := f.queue.Pending("u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending = %d", len(pending))
	}
	item := pending[0]
	if item.Source != schedule.SourceProactive || item.Kind != "nudge" ||
		item.ItemType != "goal_deadline" || item.SourceMemoryID != g.ID {
		t.Errorf("item = %+v", item)
	}
	// High urgency goes out immediately.
	if item.TriggerAt.After(f.now.Add(time.Minute)) {
		t.Errorf("trigger = %v, want ~now", item.TriggerAt)
	}
}

func TestEvaluateDedupsAgainstPending(t *testing.T) {
	llm := &fakeLLM{reply: nudgeReply}
	f := newFixture(t, llm)
	f.addGoalDueTomorrow(t, "u1")

	if _, err := f.eval.EvaluateUser(context.Background(), "u1"); err != nil {
		t.Fatal(err)
	}
	res, err := f.eval.EvaluateUser(context.Background(), "u1")
	if err != nil {
		t.Fatal(err)
	}
	if res.Scheduled != 0 {
		t.Errorf("second run scheduled %d, want 0 (pending dup)", res.Scheduled)
	}
}

func TestCooldownSkips(t *testing.T) {
	f := newFixture(t, &fakeLLM{reply: nudgeReply})
	f.addGoalDueTomorrow(t, "u1")

	// A proactive item fired an hour ago puts the user in cooldown.
	item := &schedule.Item{UserID: "u1", Message: "earlier nudge",
		TriggerAt: f.now.Add(-2 * time.Hour), Source: schedule.SourceProactive, Kind: "nudge"}
	if err := f.queue.Add(item); err != nil {
		t.Fatal(err)
	}
	if ok, err := f.queue.Claim(item.ID); err != nil || !ok {
		t.Fatalf("claim = (%v, %v)", ok, err)
	}

	res, err := f.eval.EvaluateUser(context.Background(), "u1")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Skipped || res.SkipReason != "cooldown" {
		t.Errorf("result = %+v", res)
	}
}

func TestDistressSkips(t *testing.T) {
	f := newFixture(t, &fakeLLM{reply: nudgeReply})
	f.addGoalDueTomorrow(t, "u1")

	p := behavior.NewPatterns()
	affect := -0.8
	p.SmoothedAffect = &affect
	if err := f.bhv.Save("u1", p); err != nil {
		t.Fatal(err)
	}

	res, err := f.eval.EvaluateUser(context.Background(), "u1")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Skipped || res.SkipReason != "distress" {
		t.Errorf("result = %+v", res)
	}
}

func TestDailyBudgetByDial(t *testing.T) {
	f := newFixture(t, &fakeLLM{reply: nudgeReply})
	f.addGoalDueTomorrow(t, "u1")

	// Default dial is moderate: 3 per day. Fill the budget with items
	// created today.
	for i := 0; i < 3; i++ {
		err := f.queue.Add(&schedule.Item{UserID: "u1", Message: "x",
			TriggerAt: f.now.Add(time.Hour), Source: schedule.SourceProactive, Kind: "nudge",
			SourceMemoryID: string(rune('a' + i))})
		if err != nil {
			t.Fatal(err)
		}
	}

	res, err := f.eval.EvaluateUser(context.Background(), "u1")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Skipped || res.SkipReason != "daily budget" {
		t.Errorf("result = %+v", res)
	}
}

func TestTriageParseFailureSchedulesNothing(t *testing.T) {
	f := newFixture(t, &fakeLLM{reply: "I think you should definitely reach out!"})
	f.addGoalDueTomorrow(t, "u1")

	res, err := f.eval.EvaluateUser(context.Background(), "u1")
	if err != nil {
		t.Fatal(err)
	}
	if res.Signals != 1 || res.Scheduled != 0 {
		t.Errorf("result = %+v", res)
	}
}

func TestNoLLMScansOnly(t *testing.T) {
	f := newFixture(t, nil)
	f.addGoalDueTomorrow(t, "u1")

	res, err := f.eval.EvaluateUser(context.Background(), "u1")
	if err != nil {
		t.Fatal(err)
	}
	if res.Signals != 1 || res.Scheduled != 0 {
		t.Errorf("result = %+v", res)
	}
}

func TestQuietHoursDelaySend(t *testing.T) {
	llm := &fakeLLM{reply: `[{"index": 0, "action": "nudge", "message": "gentle reminder", "urgency": "low"}]`}
	f := newFixture(t, llm)
	f.addGoalDueTomorrow(t, "u1")

	// Quiet 14:00-20:00; now is 15:00, low urgency adds an hour → 16:00,
	// still quiet, so the send slides to 20:00.
	f.eval.cfg.Proactive.QuietHours = &config.QuietHours{Start: 14, End: 20}

	res, err := f.eval.EvaluateUser(context.Background(), "u1")
	if err != nil {
		t.Fatal(err)
	}
	if res.Scheduled != 1 {
		t.Fatalf("result = %+v", res)
	}
	pending, _ := f.queue.Pending("u1")
	if got := pending[0].TriggerAt.UTC().Hour(); got != 20 {
		t.Errorf("trigger hour = %d, want 20", got)
	}
}

func TestSignalScanCoversSessionsAndEvents(t *testing.T) {
	f := newFixture(t, nil)

	// A recent session with 3 messages raises unresolved_thread.
	if _, err := f.db.Exec(`INSERT INTO sessions (id, user_id, channel_id, created_at, updated_at)
		VALUES ('cli-u1', 'u1', 'cli', ?, ?)`, f.now.Add(-time.Hour), f.now.Add(-time.Hour)); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if _, err := f.db.Exec(`INSERT INTO session_messages (session_id, role, content, created_at)
			VALUES ('cli-u1', 'user', '[]', ?)`, f.now.Add(-time.Hour)); err != nil {
			t.Fatal(err)
		}
	}

	// An event memory inside the 48 h band raises upcoming_event.
	if _, err := f.db.Exec(`INSERT INTO memories (id, user_id, content, category, event_date, document_date, created_at)
		VALUES ('m1', 'u1', 'dentist appointment', 'event', ?, ?, ?)`,
		f.now.Add(24*time.Hour), f.now, f.now); err != nil {
		t.Fatal(err)
	}

	signals, err := f.eval.collectSignals("u1")
	if err != nil {
		t.Fatal(err)
	}
	types := map[string]bool{}
	for _, s := range signals {
		types[s.Type] = true
	}
	if !types["unresolved_thread"] || !types["upcoming_event"] {
		t.Errorf("signals = %+v", signals)
	}
}

package gardener

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/nextlevelbuilder/keeper/internal/behavior"
	"github.com/nextlevelbuilder/keeper/internal/config"
	"github.com/nextlevelbuilder/keeper/internal/goals"
	"github.com/nextlevelbuilder/keeper/internal/memory"
	"github.com/nextlevelbuilder/keeper/internal/proactive"
	"github.com/nextlevelbuilder/keeper/internal/providers"
	"github.com/nextlevelbuilder/keeper/internal/schedule"
	"github.com/nextlevelbuilder/keeper/internal/sessions"
	"github.com/nextlevelbuilder/keeper/internal/store"
	"github.com/nextlevelbuilder/keeper/internal/usage"
)

type fakeLLM struct {
	reply string
	calls int
}

func (f *fakeLLM) Complete(_ context.Context, _ providers.CompletionRequest) (*providers.CompletionResponse, error) {
	f.calls++
	return &providers.CompletionResponse{
		Content:    []providers.Block{{Type: providers.BlockText, Text: f.reply}},
		StopReason: providers.StopEndTurn,
	}, nil
}

type fixture struct {
	g     *Gardener
	db    *sql.DB
	mem   *memory.Store
	sess  sessions.Store
	queue *schedule.Queue
	goals *goals.Store
	bhv   *behavior.Store
	now   time.Time
	clock func() time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := store.OpenMemory()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	f := &fixture{db: db, now: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
	f.clock = func() time.Time { return f.now }

	cfg := config.Default()
	f.mem = memory.NewStore(db, memory.NewLocalEmbedder(), cfg.Memory, f.clock)
	f.sess = sessions.NewSQLiteStore(db, f.clock)
	f.queue = schedule.NewQueue(db, f.clock)
	f.goals = goals.NewStore(db, f.clock)
	f.bhv = behavior.NewStore(db, f.clock)
	inferrer := behavior.NewInferrer(db, f.bhv, nil, f.clock)

	ledger, err := usage.NewLedger(db, usage.NewPriceTable(nil), usage.Config{}, f.clock)
	if err != nil {
		t.Fatal(err)
	}

	eval := proactive.New(cfg, db, f.queue, f.bhv, f.goals, f.clock)
	f.g = New(cfg, f.mem, f.sess, f.queue, ledger, f.bhv, inferrer, f.goals, eval, f.clock)
	return f
}

func (f *fixture) addSession(t *testing.T, id, userID string, msgs int, at time.Time) {
	t.Helper()
	if _, err := f.db.Exec(`INSERT INTO sessions (id, user_id, channel_id, created_at, updated_at)
		VALUES (?, ?, 'cli', ?, ?)`, id, userID, at, at); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < msgs; i++ {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		blocks, _ := json.Marshal([]providers.Block{{Type: providers.BlockText, Text: "some text"}})
		if _, err := f.db.Exec(`INSERT INTO session_messages (session_id, role, content, created_at)
			VALUES (?, ?, ?, ?)`, id, role, string(blocks), at); err != nil {
			t.Fatal(err)
		}
	}
}

func TestDeepTickSummarizesStaleSessions(t *testing.T) {
	f := newFixture(t)
	f.g.SetLLM(&fakeLLM{reply: `{"summary": "They planned a trip to Lisbon.", "topics": ["travel"]}`}, "cheap")

	// Stale with substance: summarized. Stale but thin: skipped.
	f.addSession(t, "cli-u1", "u1", 6, f.now.Add(-48*time.Hour))
	f.addSession(t, "cli-u1-2", "u1", 2, f.now.Add(-48*time.Hour))
	// Fresh: skipped.
	f.addSession(t, "cli-u1-3", "u1", 6, f.now.Add(-time.Hour))

	rep := f.g.DeepTick(context.Background())
	if len(rep.Errors) != 0 {
		t.Fatalf("errors = %v", rep.Errors)
	}
	if rep.Summarized != 1 {
		t.Errorf("summarized = %d, want 1", rep.Summarized)
	}

	sums, err := f.sess.SummariesByUser("u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(sums) != 1 || sums[0].SessionID != "cli-u1" || sums[0].Summary == "" {
		t.Fatalf("summaries = %+v", sums)
	}
	if len(sums[0].Topics) != 1 || sums[0].Topics[0] != "travel" {
		t.Errorf("topics = %v", sums[0].Topics)
	}

	// A second tick does not re-summarize.
	rep = f.g.DeepTick(context.Background())
	if rep.Summarized != 0 {
		t.Errorf("re-summarized %d sessions", rep.Summarized)
	}
}

func TestDeepTickForgetting(t *testing.T) {
	f := newFixture(t)
	f.addSession(t, "cli-old", "u1", 2, f.now.Add(-40*24*time.Hour))
	f.addSession(t, "cli-new", "u1", 2, f.now.Add(-time.Hour))

	// A scheduled item referencing the doomed session keeps firing after
	// the prune, just without the ref.
	item := &schedule.Item{UserID: "u1", Message: "ping", TriggerAt: f.now.Add(time.Hour),
		Source: schedule.SourceUser, Kind: "reminder", SessionID: "cli-old"}
	if err := f.queue.Add(item); err != nil {
		t.Fatal(err)
	}

	// An orphan relation edge: insert a memory pair, then delete the target
	// behind the store's back.
	m1, _, err := f.mem.Add(context.Background(), "u1", "likes espresso in the morning", memory.CategoryPreference, memory.AddOptions{})
	if err != nil {
		t.Fatal(err)
	}
	m2, _, err := f.mem.Add(context.Background(), "u1", "wants to visit portugal someday", memory.CategoryFact, memory.AddOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.mem.AddRelation(m1.ID, m2.ID, memory.RelExtends, 0.8); err != nil {
		t.Fatal(err)
	}
	if _, err := f.db.Exec(`DELETE FROM memories WHERE id = ?`, m2.ID); err != nil {
		t.Fatal(err)
	}

	rep := f.g.DeepTick(context.Background())
	if len(rep.Errors) != 0 {
		t.Fatalf("errors = %v", rep.Errors)
	}
	if rep.PrunedSessions != 1 {
		t.Errorf("pruned sessions = %d, want 1", rep.PrunedSessions)
	}
	if rep.OrphanEdges != 1 {
		t.Errorf("orphan edges = %d, want 1", rep.OrphanEdges)
	}
	if rep.OrphanRefs != 1 {
		t.Errorf("orphan refs = %d, want 1", rep.OrphanRefs)
	}

	got, err := f.queue.Get(item.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.SessionID != "" || got.Status != schedule.StatusPending {
		t.Errorf("item after prune = %+v", got)
	}
}

func TestDeepTickUtilityArchival(t *testing.T) {
	f := newFixture(t)

	// Old enough to decay below the utility threshold (half-life 30 d)
	// but not below the hard archive floor.
	m, _, err := f.mem.Add(context.Background(), "u1", "once cared about mechanical keyboards", memory.CategoryPreference, memory.AddOptions{})
	if err != nil {
		t.Fatal(err)
	}
	f.now = f.now.Add(110 * 24 * time.Hour)

	rep := f.g.DeepTick(context.Background())
	if len(rep.Errors) != 0 {
		t.Fatalf("errors = %v", rep.Errors)
	}
	if rep.UtilityArchived != 1 {
		t.Errorf("utility archived = %d, want 1", rep.UtilityArchived)
	}

	got, err := f.mem.Get(m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.MemoryType != memory.TypeArchived {
		t.Errorf("memory type = %s, want archived", got.MemoryType)
	}

	// Archived rows are not re-archived on the next pass.
	rep = f.g.DeepTick(context.Background())
	if rep.UtilityArchived != 0 {
		t.Errorf("re-archived %d memories", rep.UtilityArchived)
	}
}

func TestDeepTickSubagentCleanup(t *testing.T) {
	f := newFixture(t)
	f.g.SetLLM(&fakeLLM{reply: `{"summary": "sub-agent chatter", "topics": []}`}, "cheap")

	old := f.now.Add(-8 * 24 * time.Hour)
	if _, err := f.db.Exec(`INSERT INTO sessions (id, user_id, channel_id, created_at, updated_at)
		VALUES ('subagent-run1', 'run1', ?, ?, ?)`, sessions.SubagentChannel, old, old); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 6; i++ {
		blocks, _ := json.Marshal([]providers.Block{{Type: providers.BlockText, Text: "step"}})
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		if _, err := f.db.Exec(`INSERT INTO session_messages (session_id, role, content, created_at)
			VALUES ('subagent-run1', ?, ?, ?)`, role, string(blocks), old); err != nil {
			t.Fatal(err)
		}
	}
	// A regular session of the same age survives and is summarized instead.
	f.addSession(t, "cli-u1", "u1", 6, old)

	rep := f.g.DeepTick(context.Background())
	if len(rep.Errors) != 0 {
		t.Fatalf("errors = %v", rep.Errors)
	}
	if rep.Summarized != 1 {
		t.Errorf("summarized = %d, want 1 (sub-agent sessions are skipped)", rep.Summarized)
	}
	if rep.SubagentsPruned != 1 {
		t.Errorf("subagents pruned = %d, want 1", rep.SubagentsPruned)
	}

	gone, err := f.sess.Get("subagent-run1")
	if err != nil {
		t.Fatal(err)
	}
	if gone != nil {
		t.Error("sub-agent session still present")
	}
	kept, err := f.sess.Get("cli-u1")
	if err != nil || kept == nil {
		t.Errorf("regular session lost: (%+v, %v)", kept, err)
	}
}

func TestDeepTickGoalCheckins(t *testing.T) {
	f := newFixture(t)
	f.addSession(t, "cli-u1", "u1", 2, f.now) // makes u1 visible to the sweep

	due := f.now.Add(48 * time.Hour)
	g, err := f.goals.Add("u1", "file taxes", &due)
	if err != nil {
		t.Fatal(err)
	}
	far := f.now.Add(30 * 24 * time.Hour)
	if _, err := f.goals.Add("u1", "learn piano", &far); err != nil {
		t.Fatal(err)
	}

	rep := f.g.DeepTick(context.Background())
	if rep.GoalCheckins != 1 {
		t.Fatalf("checkins = %d, want 1 (errors: %v)", rep.GoalCheckins, rep.Errors)
	}
	pending, _ := f.queue.Pending("u1")
	if len(pending) != 1 || pending[0].Kind != "goal_checkin" || pending[0].SourceMemoryID != g.ID {
		t.Fatalf("pending = %+v", pending)
	}

	// Re-running does not duplicate the pending check-in.
	rep = f.g.DeepTick(context.Background())
	if rep.GoalCheckins != 0 {
		t.Errorf("duplicate checkins = %d", rep.GoalCheckins)
	}
}

func TestDeepTickTrustSweep(t *testing.T) {
	f := newFixture(t)
	f.addSession(t, "cli-u1", "u1", 2, f.now)

	// Two proactive nudges resolved after the sweep baseline: one acted,
	// one dismissed.
	f.now = f.now.Add(time.Minute)
	for i, resolution := range []schedule.Status{schedule.StatusActed, schedule.StatusDismissed} {
		item := &schedule.Item{UserID: "u1", Message: "nudge", TriggerAt: f.now.Add(-time.Hour),
			Source: schedule.SourceProactive, Kind: "nudge", SourceMemoryID: string(rune('a' + i))}
		if err := f.queue.Add(item); err != nil {
			t.Fatal(err)
		}
		if ok, err := f.queue.Claim(item.ID); err != nil || !ok {
			t.Fatalf("claim: (%v, %v)", ok, err)
		}
		if err := f.queue.Resolve(item.ID, resolution); err != nil {
			t.Fatal(err)
		}
	}

	f.now = f.now.Add(time.Minute)
	rep := f.g.DeepTick(context.Background())
	if rep.TrustUpdates != 2 {
		t.Fatalf("trust updates = %d, want 2 (errors: %v)", rep.TrustUpdates, rep.Errors)
	}

	p, err := f.bhv.Get("u1")
	if err != nil {
		t.Fatal(err)
	}
	// +0.10 then -0.15 from 0.5.
	if p.Preferences.TrustScore > 0.46 || p.Preferences.TrustScore < 0.44 {
		t.Errorf("trust = %v, want 0.45", p.Preferences.TrustScore)
	}

	// The next sweep starts after this one; no double counting.
	f.now = f.now.Add(time.Minute)
	rep = f.g.DeepTick(context.Background())
	if rep.TrustUpdates != 0 {
		t.Errorf("re-counted %d trust updates", rep.TrustUpdates)
	}
}

func TestDeepTickStepFaultIsolation(t *testing.T) {
	f := newFixture(t)
	f.addSession(t, "cli-u1", "u1", 2, f.now)

	// Break the goals table so that step fails while the rest still runs.
	if _, err := f.db.Exec(`DROP TABLE goals`); err != nil {
		t.Fatal(err)
	}

	rep := f.g.DeepTick(context.Background())
	if len(rep.Errors) == 0 {
		t.Fatal("expected a step error")
	}
	// Later steps still ran: proactive evaluated the user.
	if rep.Evaluated != 0 {
		t.Errorf("evaluated = %d; proactive signal scan also touches goals", rep.Evaluated)
	}
	if rep.UsersInferred != 1 {
		t.Errorf("behavior step skipped: inferred = %d", rep.UsersInferred)
	}
}

func TestLightTickExpiresOverdue(t *testing.T) {
	f := newFixture(t)

	stale := &schedule.Item{UserID: "u1", Message: "too late", TriggerAt: f.now.Add(-8 * time.Hour),
		Source: schedule.SourceUser, Kind: "reminder"}
	if err := f.queue.Add(stale); err != nil {
		t.Fatal(err)
	}

	rep := f.g.LightTick()
	if rep.Expired != 1 {
		t.Errorf("expired = %d, want 1", rep.Expired)
	}
	if rep.LedgerFlushed != 1 {
		t.Errorf("ledger not flushed")
	}

	got, _ := f.queue.Get(stale.ID)
	if got.Status != schedule.StatusExpired {
		t.Errorf("status = %s, want expired", got.Status)
	}
}

// Package gardener is the background consolidation driver. A light tick
// keeps hot state fresh; a deep tick runs the full pipeline: decay,
// fusion, summarization, forgetting, behavioral inference, trust, goal
// check-ins and the proactive evaluation. Every step is fault-isolated.
package gardener

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/keeper/internal/behavior"
	"github.com/nextlevelbuilder/keeper/internal/config"
	"github.com/nextlevelbuilder/keeper/internal/goals"
	"github.com/nextlevelbuilder/keeper/internal/memory"
	"github.com/nextlevelbuilder/keeper/internal/proactive"
	"github.com/nextlevelbuilder/keeper/internal/providers"
	"github.com/nextlevelbuilder/keeper/internal/schedule"
	"github.com/nextlevelbuilder/keeper/internal/sessions"
	"github.com/nextlevelbuilder/keeper/internal/usage"
)

const (
	hotDecayWindow     = 2 * time.Hour
	summarizeAfter     = 24 * time.Hour
	summarizeMinMsgs   = 4
	sessionRetention   = 30 * 24 * time.Hour
	subagentRetention  = 7 * 24 * time.Hour
	retrievalStaleDays = 7
	utilityArchiveCap  = 50
	goalCheckinBand    = 72 * time.Hour
	goalCheckinKind    = "goal_checkin"

	// stuckLoopAge is well past what a loop can legitimately run: 20
	// iterations of a 60s LLM call plus a 120s tool batch each.
	stuckLoopAge = 2 * time.Hour
)

// StuckReaper clears agent loops that outlived every internal timeout,
// so new messages for those sessions start fresh invocations.
type StuckReaper interface {
	ReapStuck(olderThan time.Duration) int
}

// LightReport summarizes one light tick.
type LightReport struct {
	HotDecayed    int `json:"hot_decayed"`
	LedgerFlushed int `json:"ledger_flushed"`
	Expired       int `json:"expired"`
	StuckReaped   int `json:"stuck_reaped"`
}

// DeepReport aggregates every deep-tick step for the single log line.
type DeepReport struct {
	Decay           memory.DecayResult  `json:"decay"`
	Fusion          memory.FusionResult `json:"fusion"`
	Summarized      int                 `json:"summarized"`
	Audited         int                 `json:"audited"`
	UtilityArchived int                 `json:"utility_archived"`
	SubagentsPruned int                 `json:"subagents_pruned"`
	PrunedSessions  int                 `json:"pruned_sessions"`
	PrunedMemories  int                 `json:"pruned_memories"`
	OrphanEdges     int                 `json:"orphan_edges"`
	OrphanRefs      int                 `json:"orphan_refs"`
	UsersInferred   int                 `json:"users_inferred"`
	TrustUpdates    int                 `json:"trust_updates"`
	GoalCheckins    int                 `json:"goal_checkins"`
	Evaluated       int                 `json:"evaluated"`
	Nudges          int                 `json:"nudges"`
	Errors          []string            `json:"errors,omitempty"`
}

// Gardener drives both cadences.
type Gardener struct {
	cfg      *config.Config
	memstore *memory.Store
	sessions sessions.Store
	queue    *schedule.Queue
	ledger   *usage.Ledger
	behavior *behavior.Store
	inferrer *behavior.Inferrer
	goals    *goals.Store
	eval     *proactive.Evaluator
	clock    func() time.Time

	llm      memory.Completer
	llmModel string

	// reaper is optional; serve mode wires the agent so the light tick
	// can time out stuck loops.
	reaper StuckReaper

	lastTrustSweep time.Time
}

func New(cfg *config.Config, memstore *memory.Store, sess sessions.Store, queue *schedule.Queue,
	ledger *usage.Ledger, behaviorStore *behavior.Store, inferrer *behavior.Inferrer,
	goalStore *goals.Store, eval *proactive.Evaluator, clock func() time.Time) *Gardener {
	if clock == nil {
		clock = time.Now
	}
	return &Gardener{
		cfg:            cfg,
		memstore:       memstore,
		sessions:       sess,
		queue:          queue,
		ledger:         ledger,
		behavior:       behaviorStore,
		inferrer:       inferrer,
		goals:          goalStore,
		eval:           eval,
		clock:          clock,
		lastTrustSweep: clock().UTC(),
	}
}

// SetLLM wires the cheap model used for session summarization.
func (g *Gardener) SetLLM(llm memory.Completer, model string) {
	g.llm = llm
	g.llmModel = model
}

// SetReaper wires the agent's stuck-loop reaper.
func (g *Gardener) SetReaper(r StuckReaper) { g.reaper = r }

// Run blocks, ticking until the context is canceled.
func (g *Gardener) Run(ctx context.Context) {
	light := time.NewTicker(time.Duration(g.cfg.Gardener.LightTickMs) * time.Millisecond)
	deep := time.NewTicker(time.Duration(g.cfg.Gardener.DeepTickMs) * time.Millisecond)
	defer light.Stop()
	defer deep.Stop()

	slog.Info("gardener: started",
		"light_tick", time.Duration(g.cfg.Gardener.LightTickMs)*time.Millisecond,
		"deep_tick", time.Duration(g.cfg.Gardener.DeepTickMs)*time.Millisecond)

	for {
		select {
		case <-ctx.Done():
			return
		case <-light.C:
			g.LightTick()
		case <-deep.C:
			g.DeepTick(ctx)
		}
	}
}

// LightTick refreshes hot prominence, flushes the usage buffer and
// expires overdue scheduled items.
func (g *Gardener) LightTick() LightReport {
	var rep LightReport

	n, err := g.memstore.ProcessHotDecay(hotDecayWindow)
	if err != nil {
		slog.Warn("gardener: hot decay failed", "error", err)
	}
	rep.HotDecayed = n

	if err := g.ledger.Flush(); err != nil {
		slog.Warn("gardener: ledger flush failed", "error", err)
	} else {
		rep.LedgerFlushed = 1
	}

	expired, err := g.queue.ExpireOverdue()
	if err != nil {
		slog.Warn("gardener: expire overdue failed", "error", err)
	}
	rep.Expired = expired

	if g.reaper != nil {
		rep.StuckReaped = g.reaper.ReapStuck(stuckLoopAge)
	}

	slog.Debug("gardener: light tick", "hot_decayed", rep.HotDecayed,
		"expired", rep.Expired, "stuck_reaped", rep.StuckReaped)
	return rep
}

// DeepTick runs the ordered pipeline. A failing step logs into the
// report and the next step still runs.
func (g *Gardener) DeepTick(ctx context.Context) DeepReport {
	var rep DeepReport
	step := func(name string, fn func() error) {
		if err := fn(); err != nil {
			slog.Warn("gardener: step failed", "step", name, "error", err)
			rep.Errors = append(rep.Errors, fmt.Sprintf("%s: %v", name, err))
		}
	}

	step("decay", func() error {
		var err error
		rep.Decay, err = g.memstore.ProcessFullDecay()
		return err
	})
	step("fusion", func() error { return g.fuseAll(ctx, &rep) })
	step("summarize", func() error { return g.summarizeStale(ctx, &rep) })
	step("forget", func() error { return g.forget(&rep) })
	step("behavior", func() error { return g.inferAll(ctx, &rep) })
	step("trust", func() error { return g.updateTrust(&rep) })
	step("goals", func() error { return g.goalCheckins(&rep) })
	step("proactive", func() error { return g.evaluateAll(ctx, &rep) })
	step("subagents", func() error { return g.cleanSubagents(&rep) })

	slog.Info("gardener: deep tick",
		"decayed", rep.Decay.Updated, "archived", rep.Decay.Archived,
		"fused", rep.Fusion.Fused, "summarized", rep.Summarized,
		"audited", rep.Audited, "utility_archived", rep.UtilityArchived,
		"pruned_sessions", rep.PrunedSessions, "pruned_memories", rep.PrunedMemories,
		"orphan_edges", rep.OrphanEdges, "users_inferred", rep.UsersInferred,
		"trust_updates", rep.TrustUpdates, "goal_checkins", rep.GoalCheckins,
		"evaluated", rep.Evaluated, "nudges", rep.Nudges,
		"subagents_pruned", rep.SubagentsPruned, "errors", len(rep.Errors))
	return rep
}

func (g *Gardener) fuseAll(ctx context.Context, rep *DeepReport) error {
	users, err := g.behavior.Users()
	if err != nil {
		return err
	}
	for _, u := range users {
		res, err := g.memstore.FuseDormantClusters(ctx, u)
		if err != nil {
			return err
		}
		rep.Fusion.ClustersFound += res.ClustersFound
		rep.Fusion.Fused += res.Fused
	}
	return nil
}

// summarizeStale digests sessions idle for a day with enough substance,
// once each.
func (g *Gardener) summarizeStale(ctx context.Context, rep *DeepReport) error {
	if g.llm == nil {
		return nil
	}
	stale, err := g.sessions.StaleSessions(g.clock().UTC().Add(-summarizeAfter))
	if err != nil {
		return err
	}
	for _, sess := range stale {
		if sess.ChannelID == sessions.SubagentChannel {
			continue
		}
		done, err := g.sessions.HasSummary(sess.ID)
		if err != nil {
			return err
		}
		if done {
			continue
		}
		history, err := g.sessions.History(sess.ID)
		if err != nil {
			return err
		}
		convo := countConversational(history)
		if convo < summarizeMinMsgs {
			continue
		}
		sum, err := g.summarize(ctx, &sess, history, convo)
		if err != nil {
			slog.Warn("gardener: summarization failed", "session", sess.ID, "error", err)
			continue
		}
		if err := g.sessions.SaveSummary(sum); err != nil {
			return err
		}
		rep.Summarized++
	}
	return nil
}

func countConversational(history []providers.Message) int {
	n := 0
	for _, m := range history {
		if m.Role == "user" || m.Role == "assistant" {
			n++
		}
	}
	return n
}

func (g *Gardener) summarize(ctx context.Context, sess *sessions.Session,
	history []providers.Message, msgCount int) (*sessions.Summary, error) {

	var transcript strings.Builder
	for _, m := range history {
		if t := m.Text(); t != "" {
			fmt.Fprintf(&transcript, "%s: %s\n", m.Role, t)
		}
	}

	temp := 0.0
	resp, err := g.llm.Complete(ctx, providers.CompletionRequest{
		Model: g.llmModel,
		Messages: []providers.Message{providers.TextMessage("user",
			"Summarize this conversation in 2-4 sentences and list its topics. "+
				`Respond with JSON: {"summary": "...", "topics": ["...", ...]}`+"\n\n"+
				transcript.String())},
		Temperature: &temp,
		MaxTokens:   500,
	})
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Summary string   `json:"summary"`
		Topics  []string `json:"topics"`
	}
	raw := extractJSONObject(resp.Text())
	if raw == "" || json.Unmarshal([]byte(raw), &parsed) != nil || parsed.Summary == "" {
		return nil, fmt.Errorf("unparseable summary response")
	}

	return &sessions.Summary{
		ID:           uuid.NewString(),
		SessionID:    sess.ID,
		UserID:       sess.UserID,
		Summary:      parsed.Summary,
		Topics:       parsed.Topics,
		MessageCount: msgCount,
		Duration:     sess.UpdatedAt.Sub(sess.CreatedAt),
	}, nil
}

// forget runs the retrieval audit, hard prunes and orphan cleanup.
func (g *Gardener) forget(rep *DeepReport) error {
	audited, err := g.memstore.AuditRetrieval(retrievalStaleDays * 24 * time.Hour)
	if err != nil {
		return err
	}
	rep.Audited = audited

	if !g.cfg.Gardener.DisableArchival {
		archived, err := g.memstore.ArchiveLowUtility(utilityArchiveCap)
		if err != nil {
			return err
		}
		rep.UtilityArchived = archived

		pruned, err := g.sessions.DeleteOlderThan(g.clock().UTC().Add(-sessionRetention))
		if err != nil {
			return err
		}
		rep.PrunedSessions = pruned

		mems, err := g.memstore.PruneArchived()
		if err != nil {
			return err
		}
		rep.PrunedMemories = mems
	}

	edges, err := g.memstore.CleanOrphanRelations()
	if err != nil {
		return err
	}
	rep.OrphanEdges = edges

	refs, err := g.queue.ClearOrphanSessionRefs()
	if err != nil {
		return err
	}
	rep.OrphanRefs = refs
	return nil
}

func (g *Gardener) inferAll(ctx context.Context, rep *DeepReport) error {
	users, err := g.behavior.Users()
	if err != nil {
		return err
	}
	for _, u := range users {
		if _, err := g.inferrer.Recompute(ctx, u); err != nil {
			return err
		}
		rep.UsersInferred++
	}
	return nil
}

// updateTrust folds user feedback on proactive items since the last
// sweep into each user's trust score.
func (g *Gardener) updateTrust(rep *DeepReport) error {
	now := g.clock().UTC()
	resolved, err := g.queue.ResolvedSince(schedule.SourceProactive, g.lastTrustSweep)
	if err != nil {
		return err
	}
	g.lastTrustSweep = now

	byUser := map[string][]schedule.Item{}
	for _, it := range resolved {
		byUser[it.UserID] = append(byUser[it.UserID], it)
	}
	for userID, items := range byUser {
		p, err := g.behavior.Get(userID)
		if err != nil {
			return err
		}
		for _, it := range items {
			p.ApplyFeedback(it.Status == schedule.StatusActed)
			rep.TrustUpdates++
		}
		if err := g.behavior.Save(userID, p); err != nil {
			return err
		}
	}
	return nil
}

// goalCheckins enqueues a check-in for goals approaching their deadline,
// unless one is already pending.
func (g *Gardener) goalCheckins(rep *DeepReport) error {
	users, err := g.behavior.Users()
	if err != nil {
		return err
	}
	for _, u := range users {
		due, err := g.goals.DueWithin(u, goalCheckinBand)
		if err != nil {
			return err
		}
		for _, goal := range due {
			dup, err := g.queue.HasSimilarPending(u, goalCheckinKind, goal.ID)
			if err != nil {
				return err
			}
			if dup {
				continue
			}
			item := &schedule.Item{
				UserID:         u,
				Message:        fmt.Sprintf("How is %q going? It's due %s.", goal.Title, goal.DueDate.Format("Mon Jan 2")),
				TriggerAt:      g.clock().UTC(),
				Source:         schedule.SourceCron,
				Kind:           goalCheckinKind,
				SourceMemoryID: goal.ID,
			}
			if err := g.queue.Add(item); err != nil {
				return err
			}
			rep.GoalCheckins++
		}
	}
	return nil
}

// cleanSubagents deletes sub-agent sessions past their retention. Their
// transcripts only matter while the delegating run is alive.
func (g *Gardener) cleanSubagents(rep *DeepReport) error {
	stale, err := g.sessions.StaleSessions(g.clock().UTC().Add(-subagentRetention))
	if err != nil {
		return err
	}
	for _, sess := range stale {
		if sess.ChannelID != sessions.SubagentChannel {
			continue
		}
		if err := g.sessions.Delete(sess.ID); err != nil {
			return err
		}
		rep.SubagentsPruned++
	}
	return nil
}

func (g *Gardener) evaluateAll(ctx context.Context, rep *DeepReport) error {
	users, err := g.behavior.Users()
	if err != nil {
		return err
	}
	for _, u := range users {
		res, err := g.eval.EvaluateUser(ctx, u)
		if err != nil {
			return err
		}
		rep.Evaluated++
		rep.Nudges += res.Scheduled
	}
	return nil
}

// extractJSONObject pulls the first {...} span out of a model reply.
func extractJSONObject(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return ""
	}
	return s[start : end+1]
}

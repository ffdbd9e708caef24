package proactive

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nextlevelbuilder/keeper/internal/behavior"
	"github.com/nextlevelbuilder/keeper/internal/config"
	"github.com/nextlevelbuilder/keeper/internal/goals"
	"github.com/nextlevelbuilder/keeper/internal/memory"
	"github.com/nextlevelbuilder/keeper/internal/providers"
	"github.com/nextlevelbuilder/keeper/internal/schedule"
)

const (
	defaultCooldown = 6 * time.Hour
	triageTemp      = 0.2
	nudgeKind       = "nudge"
)

// defaultDialBudgets caps proactive emissions per user per day.
var defaultDialBudgets = map[behavior.Dial]int{
	behavior.DialConservative: 1,
	behavior.DialModerate:     3,
	behavior.DialEager:        6,
}

// Result reports one user's evaluation for the gardener's log line.
type Result struct {
	Skipped    bool   `json:"skipped"`
	SkipReason string `json:"skip_reason,omitempty"`
	Signals    int    `json:"signals"`
	Scheduled  int    `json:"scheduled"`
}

// Evaluator runs at most one triage per user per deep tick.
type Evaluator struct {
	cfg      *config.Config
	db       *sql.DB
	queue    *schedule.Queue
	behavior *behavior.Store
	goals    *goals.Store
	llm      memory.Completer
	llmModel string
	clock    func() time.Time
}

func New(cfg *config.Config, db *sql.DB, queue *schedule.Queue, behaviorStore *behavior.Store,
	goalStore *goals.Store, clock func() time.Time) *Evaluator {
	if clock == nil {
		clock = time.Now
	}
	return &Evaluator{
		cfg:      cfg,
		db:       db,
		queue:    queue,
		behavior: behaviorStore,
		goals:    goalStore,
		clock:    clock,
	}
}

// SetLLM wires the triage model. Without one, evaluation only scans and
// never schedules.
func (e *Evaluator) SetLLM(llm memory.Completer, model string) {
	e.llm = llm
	e.llmModel = model
}

// EvaluateUser runs the full pipeline for one user: pre-filter, signal
// scan, single LLM triage, dedup and schedule.
func (e *Evaluator) EvaluateUser(ctx context.Context, userID string) (Result, error) {
	patterns, err := e.behavior.Get(userID)
	if err != nil {
		return Result{}, err
	}

	if reason, skip, err := e.preFilter(userID, patterns); err != nil {
		return Result{}, err
	} else if skip {
		return Result{Skipped: true, SkipReason: reason}, nil
	}

	signals, err := e.collectSignals(userID)
	if err != nil {
		return Result{}, err
	}
	res := Result{Signals: len(signals)}
	if len(signals) == 0 || e.llm == nil {
		return res, nil
	}

	nudges := e.triage(ctx, signals)
	if len(nudges) == 0 {
		return res, nil
	}

	budget := e.dialBudget(patterns.Preferences.Dial)
	used, err := e.countToday(userID)
	if err != nil {
		return res, err
	}

	for _, n := range nudges {
		if used+res.Scheduled >= budget {
			break
		}
		sig := signals[n.Index]
		dup, err := e.queue.HasSimilarPending(userID, nudgeKind, sig.SourceID)
		if err != nil {
			return res, err
		}
		if dup {
			continue
		}
		item := &schedule.Item{
			UserID:         userID,
			Message:        n.Message,
			TriggerAt:      e.sendTime(patterns, n.Urgency),
			Source:         schedule.SourceProactive,
			Kind:           nudgeKind,
			ItemType:       sig.Type,
			SourceMemoryID: sig.SourceID,
		}
		if err := e.queue.Add(item); err != nil {
			return res, err
		}
		res.Scheduled++
	}
	return res, nil
}

// preFilter applies the pure gates: cooldown, distress, daily budget.
func (e *Evaluator) preFilter(userID string, patterns *behavior.Patterns) (string, bool, error) {
	cooldown := defaultCooldown
	if e.cfg.Proactive.CooldownMs > 0 {
		cooldown = time.Duration(e.cfg.Proactive.CooldownMs) * time.Millisecond
	}
	lastFire, err := e.queue.LastFire(userID, schedule.SourceProactive)
	if err != nil {
		return "", false, err
	}
	now := e.clock().UTC()
	if !lastFire.IsZero() && now.Sub(lastFire) < cooldown {
		return "cooldown", true, nil
	}

	if patterns.Distressed() {
		return "distress", true, nil
	}

	used, err := e.countToday(userID)
	if err != nil {
		return "", false, err
	}
	if used >= e.dialBudget(patterns.Preferences.Dial) {
		return "daily budget", true, nil
	}
	return "", false, nil
}

func (e *Evaluator) countToday(userID string) (int, error) {
	now := e.clock().UTC()
	startOfDay := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return e.queue.CountCreatedSince(userID, schedule.SourceProactive, startOfDay)
}

func (e *Evaluator) dialBudget(dial behavior.Dial) int {
	if n, ok := e.cfg.Proactive.DialBudgets[string(dial)]; ok && n > 0 {
		return n
	}
	if n, ok := defaultDialBudgets[dial]; ok {
		return n
	}
	return defaultDialBudgets[behavior.DialModerate]
}

// nudge is one triage verdict referencing a signal by index.
type nudge struct {
	Index   int
	Message string
	Urgency Severity
}

// triage sends every signal in one low-temperature prompt and keeps the
// ones the model turns into nudges. Parse failure yields zero nudges.
func (e *Evaluator) triage(ctx context.Context, signals []Signal) []nudge {
	var sb strings.Builder
	sb.WriteString("You decide whether a personal assistant should proactively message its user.\n")
	sb.WriteString("For each numbered signal, emit a JSON array element ")
	sb.WriteString(`{"index": n, "action": "skip"|"nudge", "message": "...", "urgency": "low"|"medium"|"high"}.`)
	sb.WriteString("\nOnly nudge when a message would genuinely help. Respond with the JSON array only.\n\n")
	for i, s := range signals {
		fmt.Fprintf(&sb, "%d. [%s/%s] %s\n", i, s.Type, s.Severity, s.Description)
	}

	temp := triageTemp
	resp, err := e.llm.Complete(ctx, providers.CompletionRequest{
		Model:       e.llmModel,
		Messages:    []providers.Message{providers.TextMessage("user", sb.String())},
		Temperature: &temp,
		MaxTokens:   1024,
	})
	if err != nil {
		slog.Warn("proactive: triage call failed", "error", err)
		return nil
	}

	var verdicts []struct {
		Index   int    `json:"index"`
		Action  string `json:"action"`
		Message string `json:"message"`
		Urgency string `json:"urgency"`
	}
	raw := extractJSONArray(resp.Text())
	if raw == "" || json.Unmarshal([]byte(raw), &verdicts) != nil {
		slog.Warn("proactive: unparseable triage response")
		return nil
	}

	var out []nudge
	for _, v := range verdicts {
		if v.Action != "nudge" || v.Index < 0 || v.Index >= len(signals) || v.Message == "" {
			continue
		}
		urgency := Severity(v.Urgency)
		if urgency != SeverityLow && urgency != SeverityMedium && urgency != SeverityHigh {
			urgency = SeverityLow
		}
		out = append(out, nudge{Index: v.Index, Message: v.Message, Urgency: urgency})
	}
	return out
}

// sendTime places a nudge inside the user's active hours and outside
// quiet hours. High urgency goes out as soon as allowed; lower urgency
// waits at least an hour.
func (e *Evaluator) sendTime(patterns *behavior.Patterns, urgency Severity) time.Time {
	at := e.clock().UTC()
	if urgency != SeverityHigh {
		at = at.Add(time.Hour)
	}
	for i := 0; i < 24; i++ {
		h := at.Hour()
		if patterns.IsActiveHour(h) && !e.inQuietHours(h) {
			return at
		}
		at = at.Add(time.Hour).Truncate(time.Hour)
	}
	return at
}

func (e *Evaluator) inQuietHours(hour int) bool {
	q := e.cfg.Proactive.QuietHours
	if q == nil {
		return false
	}
	if q.Start <= q.End {
		return hour >= q.Start && hour < q.End
	}
	return hour >= q.Start || hour < q.End
}

// extractJSONArray pulls the first [...] span out of a model reply.
func extractJSONArray(s string) string {
	start := strings.Index(s, "[")
	end := strings.LastIndex(s, "]")
	if start < 0 || end <= start {
		return ""
	}
	return s[start : end+1]
}

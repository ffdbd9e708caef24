// Package usage is the append-only ledger of LLM spend. Records buffer in
// memory and flush to the usage_log table; day/month accumulators are
// rebuilt from the log on startup so budget checks survive restarts.
package usage

import (
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Record is one completion's accounting entry.
type Record struct {
	Timestamp    time.Time `json:"timestamp"`
	SessionID    string    `json:"session_id"`
	Model        string    `json:"model"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	Cost         float64   `json:"cost"`
	Tier         string    `json:"tier"`
}

// BudgetStatus is a consistent snapshot of spend against configured caps.
type BudgetStatus struct {
	DailySpend       float64 `json:"daily_spend"`
	MonthlySpend     float64 `json:"monthly_spend"`
	DailyBudget      float64 `json:"daily_budget,omitempty"`
	MonthlyBudget    float64 `json:"monthly_budget,omitempty"`
	DailyRemaining   float64 `json:"daily_remaining,omitempty"`
	MonthlyRemaining float64 `json:"monthly_remaining,omitempty"`
	IsDailyWarning   bool    `json:"is_daily_warning"`
	IsDailyExceeded  bool    `json:"is_daily_exceeded"`
	IsMonthlyWarning bool    `json:"is_monthly_warning"`
	IsMonthlyExceeded bool   `json:"is_monthly_exceeded"`
}

// Config caps spend. Zero limits mean unlimited.
type Config struct {
	DailyLimit   float64
	MonthlyLimit float64
	WarningPct   float64 // default 0.75
}

// Ledger is append-only from many goroutines; aggregation reads the
// in-memory accumulators, which always include buffered records.
type Ledger struct {
	db      *sql.DB
	pricing *PriceTable
	cfg     Config
	clock   func() time.Time

	mu       sync.Mutex
	buffer   []Record
	dayKey   string
	monthKey string
	daySpend float64
	monSpend float64
}

// NewLedger creates a ledger and rebuilds today/month totals from the log.
func NewLedger(db *sql.DB, pricing *PriceTable, cfg Config, clock func() time.Time) (*Ledger, error) {
	if clock == nil {
		clock = time.Now
	}
	if cfg.WarningPct <= 0 || cfg.WarningPct >= 1 {
		cfg.WarningPct = 0.75
	}
	l := &Ledger{
		db:      db,
		pricing: pricing,
		cfg:     cfg,
		clock:   clock,
	}
	if err := l.reload(); err != nil {
		return nil, err
	}
	return l, nil
}

func dayKey(t time.Time) string   { return t.UTC().Format("2006-01-02") }
func monthKey(t time.Time) string { return t.UTC().Format("2006-01") }

func (l *Ledger) reload() error {
	now := l.clock()
	l.dayKey = dayKey(now)
	l.monthKey = monthKey(now)

	row := l.db.QueryRow(`SELECT COALESCE(SUM(cost), 0) FROM usage_log WHERE day = ?`, l.dayKey)
	if err := row.Scan(&l.daySpend); err != nil {
		return fmt.Errorf("usage: load daily spend: %w", err)
	}
	row = l.db.QueryRow(`SELECT COALESCE(SUM(cost), 0) FROM usage_log WHERE month = ?`, l.monthKey)
	if err := row.Scan(&l.monSpend); err != nil {
		return fmt.Errorf("usage: load monthly spend: %w", err)
	}
	return nil
}

// RecordCompletion computes cost from the pricing table and appends a
// record. The accumulators update immediately so a budget check right
// after always sees the spend.
func (l *Ledger) RecordCompletion(sessionID, model, tier string, inputTokens, outputTokens int) Record {
	rec := Record{
		Timestamp:    l.clock(),
		SessionID:    sessionID,
		Model:        model,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		Cost:         l.pricing.Cost(model, inputTokens, outputTokens),
		Tier:         tier,
	}
	l.Record(rec)
	return rec
}

// Record appends a pre-computed record.
func (l *Ledger) Record(rec Record) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.rollover(rec.Timestamp)
	l.buffer = append(l.buffer, rec)
	if dayKey(rec.Timestamp) == l.dayKey {
		l.daySpend += rec.Cost
	}
	if monthKey(rec.Timestamp) == l.monthKey {
		l.monSpend += rec.Cost
	}
}

// rollover resets accumulators when the UTC day or month changes.
// Caller holds l.mu.
func (l *Ledger) rollover(now time.Time) {
	if dk := dayKey(now); dk != l.dayKey {
		l.dayKey = dk
		l.daySpend = 0
	}
	if mk := monthKey(now); mk != l.monthKey {
		l.monthKey = mk
		l.monSpend = 0
	}
}

// BudgetStatus returns a consistent snapshot including buffered records.
func (l *Ledger) BudgetStatus() BudgetStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollover(l.clock())

	st := BudgetStatus{
		DailySpend:    l.daySpend,
		MonthlySpend:  l.monSpend,
		DailyBudget:   l.cfg.DailyLimit,
		MonthlyBudget: l.cfg.MonthlyLimit,
	}
	if l.cfg.DailyLimit > 0 {
		st.DailyRemaining = l.cfg.DailyLimit - l.daySpend
		st.IsDailyWarning = l.daySpend >= l.cfg.DailyLimit*l.cfg.WarningPct
		st.IsDailyExceeded = l.daySpend >= l.cfg.DailyLimit
	}
	if l.cfg.MonthlyLimit > 0 {
		st.MonthlyRemaining = l.cfg.MonthlyLimit - l.monSpend
		st.IsMonthlyWarning = l.monSpend >= l.cfg.MonthlyLimit*l.cfg.WarningPct
		st.IsMonthlyExceeded = l.monSpend >= l.cfg.MonthlyLimit
	}
	return st
}

// History returns persisted records since the given time. Buffered
// records are flushed first so the result is complete.
func (l *Ledger) History(since time.Time) ([]Record, error) {
	if err := l.Flush(); err != nil {
		return nil, err
	}

	rows, err := l.db.Query(
		`SELECT ts, session_id, model, input_tokens, output_tokens, cost, tier
		 FROM usage_log WHERE ts >= ? ORDER BY ts`, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("usage: query history: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.Timestamp, &r.SessionID, &r.Model, &r.InputTokens, &r.OutputTokens, &r.Cost, &r.Tier); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Flush writes buffered records to the usage_log table. Called by the
// gardener light tick and on shutdown.
func (l *Ledger) Flush() error {
	l.mu.Lock()
	pending := l.buffer
	l.buffer = nil
	l.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}

	tx, err := l.db.Begin()
	if err != nil {
		l.requeue(pending)
		return fmt.Errorf("usage: begin flush: %w", err)
	}
	stmt, err := tx.Prepare(
		`INSERT INTO usage_log (ts, day, month, session_id, model, input_tokens, output_tokens, cost, tier)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		l.requeue(pending)
		return fmt.Errorf("usage: prepare flush: %w", err)
	}
	defer stmt.Close()

	for _, r := range pending {
		if _, err := stmt.Exec(r.Timestamp.UTC(), dayKey(r.Timestamp), monthKey(r.Timestamp),
			r.SessionID, r.Model, r.InputTokens, r.OutputTokens, r.Cost, r.Tier); err != nil {
			tx.Rollback()
			l.requeue(pending)
			return fmt.Errorf("usage: flush record: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		l.requeue(pending)
		return fmt.Errorf("usage: commit flush: %w", err)
	}

	slog.Debug("usage: flushed records", "count", len(pending))
	return nil
}

// requeue puts failed records back at the front of the buffer.
func (l *Ledger) requeue(pending []Record) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buffer = append(pending, l.buffer...)
}

// Package proactive decides when the assistant speaks unprompted: a
// deterministic signal scan feeds one trust-gated LLM triage per user
// per deep tick, and surviving nudges land on the scheduled-item queue.
package proactive

import (
	"database/sql"
	"fmt"
	"time"
)

// Severity grades a gap signal.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Signal is one deterministic observation worth triaging.
type Signal struct {
	Type        string   `json:"type"` // goal_deadline, upcoming_event, unresolved_thread, gone_quiet
	Severity    Severity `json:"severity"`
	Description string   `json:"description"`
	// SourceID identifies what produced the signal (goal id, memory id,
	// session id) and drives dedup against pending items.
	SourceID string `json:"source_id,omitempty"`
}

const (
	goalDeadlineBand   = 72 * time.Hour
	upcomingEventBand  = 48 * time.Hour
	recentSessionBand  = 6 * time.Hour
	recentSessionMsgs  = 3
	goneQuietAfterDays = 3
)

// collectSignals scans durable state for gaps worth raising. Pure reads,
// no LLM involvement.
func (e *Evaluator) collectSignals(userID string) ([]Signal, error) {
	var out []Signal

	due, err := e.goals.DueWithin(userID, goalDeadlineBand)
	if err != nil {
		return nil, err
	}
	now := e.clock().UTC()
	for _, g := range due {
		sev := SeverityMedium
		if g.DueDate.Before(now.Add(24 * time.Hour)) {
			sev = SeverityHigh
		}
		out = append(out, Signal{
			Type:        "goal_deadline",
			Severity:    sev,
			Description: fmt.Sprintf("goal %q is due %s", g.Title, g.DueDate.Format("Mon Jan 2 15:04")),
			SourceID:    g.ID,
		})
	}

	events, err := e.upcomingEvents(userID, now)
	if err != nil {
		return nil, err
	}
	out = append(out, events...)

	thread, err := e.unresolvedThread(userID, now)
	if err != nil {
		return nil, err
	}
	if thread != nil {
		out = append(out, *thread)
	}

	quiet, err := e.goneQuiet(userID, now)
	if err != nil {
		return nil, err
	}
	if quiet != nil {
		out = append(out, *quiet)
	}

	return out, nil
}

// upcomingEvents surfaces event memories whose date falls soon.
func (e *Evaluator) upcomingEvents(userID string, now time.Time) ([]Signal, error) {
	rows, err := e.db.Query(`
		SELECT id, content, event_date FROM memories
		WHERE user_id = ? AND category = 'event' AND is_latest = 1
		  AND event_date IS NOT NULL AND event_date > ? AND event_date <= ?
		ORDER BY event_date LIMIT 5`,
		userID, now, now.Add(upcomingEventBand))
	if err != nil {
		return nil, fmt.Errorf("proactive: event scan: %w", err)
	}
	defer rows.Close()

	var out []Signal
	for rows.Next() {
		var id, content string
		var at time.Time
		if err := rows.Scan(&id, &content, &at); err != nil {
			return nil, err
		}
		out = append(out, Signal{
			Type:        "upcoming_event",
			Severity:    SeverityMedium,
			Description: fmt.Sprintf("upcoming: %s (%s)", content, at.Format("Mon Jan 2 15:04")),
			SourceID:    id,
		})
	}
	return out, rows.Err()
}

// unresolvedThread flags a fresh, substantial session that may have
// ended mid-topic.
func (e *Evaluator) unresolvedThread(userID string, now time.Time) (*Signal, error) {
	var sessionID string
	var msgCount int
	err := e.db.QueryRow(`
		SELECT s.id, COUNT(m.id)
		FROM sessions s JOIN session_messages m ON m.session_id = s.id
		WHERE s.user_id = ? AND s.updated_at > ?
		GROUP BY s.id ORDER BY s.updated_at DESC LIMIT 1`,
		userID, now.Add(-recentSessionBand)).Scan(&sessionID, &msgCount)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("proactive: thread scan: %w", err)
	}
	if msgCount < recentSessionMsgs {
		return nil, nil
	}
	return &Signal{
		Type:        "unresolved_thread",
		Severity:    SeverityLow,
		Description: fmt.Sprintf("recent conversation with %d messages may have an open thread", msgCount),
		SourceID:    sessionID,
	}, nil
}

// goneQuiet flags a normally chatty user who has gone silent.
func (e *Evaluator) goneQuiet(userID string, now time.Time) (*Signal, error) {
	patterns, err := e.behavior.Get(userID)
	if err != nil {
		return nil, err
	}
	if patterns.MessageFrequency == nil || *patterns.MessageFrequency < 1 {
		return nil, nil
	}

	var last sql.NullTime
	err = e.db.QueryRow(`SELECT MAX(updated_at) FROM sessions WHERE user_id = ?`, userID).Scan(&last)
	if err != nil {
		return nil, fmt.Errorf("proactive: quiet scan: %w", err)
	}
	if !last.Valid || now.Sub(last.Time) < goneQuietAfterDays*24*time.Hour {
		return nil, nil
	}
	return &Signal{
		Type:     "gone_quiet",
		Severity: SeverityLow,
		Description: fmt.Sprintf("user normally sends ~%.1f messages/day but has been quiet for %d days",
			*patterns.MessageFrequency, int(now.Sub(last.Time).Hours()/24)),
	}, nil
}

// Package schedule is the durable scheduled-item queue: reminders, cron
// follow-ups and proactive nudges survive restarts and fire at most once.
package schedule

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"
)

// Status is the lifecycle state of a scheduled item.
type Status string

const (
	StatusPending   Status = "pending"
	StatusFired     Status = "fired"
	StatusActed     Status = "acted"
	StatusDismissed Status = "dismissed"
	StatusExpired   Status = "expired"
)

// Source records which path enqueued an item.
type Source string

const (
	SourceUser      Source = "user"
	SourceProactive Source = "proactive"
	SourceCron      Source = "cron"
)

// fireWindow is how long past triggerAt an item may still fire before it
// expires unsent.
const fireWindow = 6 * time.Hour

// Item is one scheduled delivery.
type Item struct {
	ID             string     `json:"id"`
	UserID         string     `json:"user_id"`
	Message        string     `json:"message"`
	TriggerAt      time.Time  `json:"trigger_at"`
	Source         Source     `json:"source"`
	Kind           string     `json:"kind"` // reminder, followup, nudge
	ItemType       string     `json:"item_type,omitempty"`
	Status         Status     `json:"status"`
	SessionID      string     `json:"session_id,omitempty"`
	Context        string     `json:"context,omitempty"`
	Recurring      string     `json:"recurring,omitempty"` // cron expression
	SourceMemoryID string     `json:"source_memory_id,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	FiredAt        *time.Time `json:"fired_at,omitempty"`
}

// Queue is the durable scheduled-item store.
type Queue struct {
	db    *sql.DB
	clock func() time.Time
	cron  *gronx.Gronx
}

func NewQueue(db *sql.DB, clock func() time.Time) *Queue {
	if clock == nil {
		clock = time.Now
	}
	return &Queue{db: db, clock: clock, cron: gronx.New()}
}

// Add enqueues an item. A recurring expression must be valid cron syntax.
func (q *Queue) Add(item *Item) error {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.Status == "" {
		item.Status = StatusPending
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = q.clock().UTC()
	}
	if item.Recurring != "" && !q.cron.IsValid(item.Recurring) {
		return fmt.Errorf("schedule: invalid cron expression %q", item.Recurring)
	}

	_, err := q.db.Exec(`
		INSERT INTO scheduled_items (id, user_id, message, trigger_at, source, kind,
			item_type, status, session_id, context, recurring, source_memory_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.UserID, item.Message, item.TriggerAt.UTC(), string(item.Source),
		item.Kind, item.ItemType, string(item.Status), nullable(item.SessionID),
		nullable(item.Context), nullable(item.Recurring), nullable(item.SourceMemoryID),
		item.CreatedAt)
	if err != nil {
		return fmt.Errorf("schedule: add: %w", err)
	}
	return nil
}

// Due returns pending items whose trigger time has arrived and is still
// inside the fire window.
func (q *Queue) Due() ([]Item, error) {
	now := q.clock().UTC()
	rows, err := q.db.Query(selectItem+`
		WHERE status = ? AND trigger_at <= ? AND trigger_at > ?
		ORDER BY trigger_at`,
		string(StatusPending), now, now.Add(-fireWindow))
	if err != nil {
		return nil, fmt.Errorf("schedule: due query: %w", err)
	}
	defer rows.Close()
	return collectItems(rows)
}

// Claim transitions one item pending → fired. Returns false when another
// worker already claimed it; an item fires at most once.
func (q *Queue) Claim(id string) (bool, error) {
	now := q.clock().UTC()
	res, err := q.db.Exec(`
		UPDATE scheduled_items SET status = ?, fired_at = ?
		WHERE id = ? AND status = ?`,
		string(StatusFired), now, id, string(StatusPending))
	if err != nil {
		return false, fmt.Errorf("schedule: claim: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return false, nil
	}

	// A recurring item re-enqueues its next occurrence on claim.
	item, err := q.Get(id)
	if err == nil && item != nil && item.Recurring != "" {
		if err := q.enqueueNext(item, now); err != nil {
			slog.Warn("schedule: recurring re-enqueue failed", "id", id, "error", err)
		}
	}
	return true, nil
}

func (q *Queue) enqueueNext(item *Item, after time.Time) error {
	next, err := gronx.NextTickAfter(item.Recurring, after, false)
	if err != nil {
		return err
	}
	return q.Add(&Item{
		UserID:         item.UserID,
		Message:        item.Message,
		TriggerAt:      next,
		Source:         item.Source,
		Kind:           item.Kind,
		ItemType:       item.ItemType,
		SessionID:      item.SessionID,
		Context:        item.Context,
		Recurring:      item.Recurring,
		SourceMemoryID: item.SourceMemoryID,
	})
}

// ExpireOverdue marks pending items whose fire window closed as expired.
// Returns the number expired.
func (q *Queue) ExpireOverdue() (int, error) {
	cutoff := q.clock().UTC().Add(-fireWindow)
	res, err := q.db.Exec(`
		UPDATE scheduled_items SET status = ? WHERE status = ? AND trigger_at <= ?`,
		string(StatusExpired), string(StatusPending), cutoff)
	if err != nil {
		return 0, fmt.Errorf("schedule: expire: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Get loads one item.
func (q *Queue) Get(id string) (*Item, error) {
	rows, err := q.db.Query(selectItem+` WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("schedule: get: %w", err)
	}
	defer rows.Close()
	items, err := collectItems(rows)
	if err != nil || len(items) == 0 {
		return nil, err
	}
	return &items[0], nil
}

// Pending lists a user's pending items, soonest first.
func (q *Queue) Pending(userID string) ([]Item, error) {
	rows, err := q.db.Query(selectItem+`
		WHERE user_id = ? AND status = ? ORDER BY trigger_at`,
		userID, string(StatusPending))
	if err != nil {
		return nil, fmt.Errorf("schedule: pending query: %w", err)
	}
	defer rows.Close()
	return collectItems(rows)
}

// HasSimilarPending reports whether a pending item of the same kind with
// the same source memory already exists, to keep proactive nudges from
// piling up.
func (q *Queue) HasSimilarPending(userID, kind, sourceMemoryID string) (bool, error) {
	var n int
	err := q.db.QueryRow(`
		SELECT COUNT(*) FROM scheduled_items
		WHERE user_id = ? AND status = ? AND kind = ?
		  AND COALESCE(source_memory_id, '') = ?`,
		userID, string(StatusPending), kind, sourceMemoryID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("schedule: similar query: %w", err)
	}
	return n > 0, nil
}

// Resolve records user feedback on a fired item.
func (q *Queue) Resolve(id string, status Status) error {
	if status != StatusActed && status != StatusDismissed {
		return fmt.Errorf("schedule: invalid resolution %q", status)
	}
	_, err := q.db.Exec(`
		UPDATE scheduled_items SET status = ?, resolved_at = ? WHERE id = ? AND status = ?`,
		string(status), q.clock().UTC(), id, string(StatusFired))
	if err != nil {
		return fmt.Errorf("schedule: resolve: %w", err)
	}
	return nil
}

// ResolvedSince returns items of one source resolved after the cutoff,
// for the trust score update.
func (q *Queue) ResolvedSince(source Source, since time.Time) ([]Item, error) {
	rows, err := q.db.Query(selectItem+`
		WHERE source = ? AND status IN (?, ?) AND resolved_at > ?
		ORDER BY resolved_at`,
		string(source), string(StatusActed), string(StatusDismissed), since.UTC())
	if err != nil {
		return nil, fmt.Errorf("schedule: resolved query: %w", err)
	}
	defer rows.Close()
	return collectItems(rows)
}

// LastFire returns when an item of the given source last fired for the
// user, zero time if never.
func (q *Queue) LastFire(userID string, source Source) (time.Time, error) {
	var t sql.NullTime
	err := q.db.QueryRow(`
		SELECT MAX(fired_at) FROM scheduled_items
		WHERE user_id = ? AND source = ? AND fired_at IS NOT NULL`,
		userID, string(source)).Scan(&t)
	if err != nil {
		return time.Time{}, fmt.Errorf("schedule: last fire: %w", err)
	}
	if !t.Valid {
		return time.Time{}, nil
	}
	return t.Time, nil
}

// CountCreatedSince counts a user's items of one source created after the
// cutoff, regardless of status. Daily caps count emissions, not sends.
func (q *Queue) CountCreatedSince(userID string, source Source, since time.Time) (int, error) {
	var n int
	err := q.db.QueryRow(`
		SELECT COUNT(*) FROM scheduled_items
		WHERE user_id = ? AND source = ? AND created_at > ?`,
		userID, string(source), since.UTC()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("schedule: count created: %w", err)
	}
	return n, nil
}

// ClearOrphanSessionRefs detaches items whose session was pruned.
// Returns the number of rows touched.
func (q *Queue) ClearOrphanSessionRefs() (int, error) {
	res, err := q.db.Exec(`
		UPDATE scheduled_items SET session_id = NULL
		WHERE session_id IS NOT NULL
		  AND session_id NOT IN (SELECT id FROM sessions)`)
	if err != nil {
		return 0, fmt.Errorf("schedule: orphan session refs: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ClearSessionRefs detaches items from a deleted session so they still
// fire without a dangling reference.
func (q *Queue) ClearSessionRefs(sessionID string) error {
	_, err := q.db.Exec(`
		UPDATE scheduled_items SET session_id = NULL WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("schedule: clear session refs: %w", err)
	}
	return nil
}

const selectItem = `
	SELECT id, user_id, message, trigger_at, source, kind, item_type, status,
	       session_id, context, recurring, source_memory_id, created_at, fired_at
	FROM scheduled_items`

func collectItems(rows *sql.Rows) ([]Item, error) {
	var out []Item
	for rows.Next() {
		var it Item
		var source, status string
		var sessionID, context, recurring, sourceMemoryID sql.NullString
		var firedAt sql.NullTime
		if err := rows.Scan(&it.ID, &it.UserID, &it.Message, &it.TriggerAt, &source,
			&it.Kind, &it.ItemType, &status, &sessionID, &context, &recurring,
			&sourceMemoryID, &it.CreatedAt, &firedAt); err != nil {
			return nil, err
		}
		it.Source = Source(source)
		it.Status = Status(status)
		it.SessionID = sessionID.String
		it.Context = context.String
		it.Recurring = recurring.String
		it.SourceMemoryID = sourceMemoryID.String
		if firedAt.Valid {
			t := firedAt.Time
			it.FiredAt = &t
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Package goals tracks user goals with optional deadlines. The gardener
// and proactive evaluator watch for approaching due dates.
package goals

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Goal is one tracked objective.
type Goal struct {
	ID        string     `json:"id"`
	UserID    string     `json:"user_id"`
	Title     string     `json:"title"`
	DueDate   *time.Time `json:"due_date,omitempty"`
	Status    string     `json:"status"` // active, done, abandoned
	CreatedAt time.Time  `json:"created_at"`
}

const (
	StatusActive    = "active"
	StatusDone      = "done"
	StatusAbandoned = "abandoned"
)

type Store struct {
	db    *sql.DB
	clock func() time.Time
}

func NewStore(db *sql.DB, clock func() time.Time) *Store {
	if clock == nil {
		clock = time.Now
	}
	return &Store{db: db, clock: clock}
}

// Add creates an active goal.
func (s *Store) Add(userID, title string, dueDate *time.Time) (*Goal, error) {
	g := &Goal{
		ID:        uuid.NewString(),
		UserID:    userID,
		Title:     title,
		DueDate:   dueDate,
		Status:    StatusActive,
		CreatedAt: s.clock().UTC(),
	}
	var due any
	if dueDate != nil {
		due = dueDate.UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO goals (id, user_id, title, due_date, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		g.ID, g.UserID, g.Title, due, g.Status, g.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("goals: add: %w", err)
	}
	return g, nil
}

// Active lists a user's active goals, soonest deadline first.
func (s *Store) Active(userID string) ([]Goal, error) {
	rows, err := s.db.Query(`
		SELECT id, user_id, title, due_date, status, created_at
		FROM goals WHERE user_id = ? AND status = ?
		ORDER BY due_date IS NULL, due_date`, userID, StatusActive)
	if err != nil {
		return nil, fmt.Errorf("goals: active query: %w", err)
	}
	defer rows.Close()
	return collect(rows)
}

// DueWithin returns active goals whose deadline falls inside the window
// starting now. Already-overdue goals are included.
func (s *Store) DueWithin(userID string, window time.Duration) ([]Goal, error) {
	now := s.clock().UTC()
	rows, err := s.db.Query(`
		SELECT id, user_id, title, due_date, status, created_at
		FROM goals
		WHERE user_id = ? AND status = ? AND due_date IS NOT NULL AND due_date <= ?
		ORDER BY due_date`, userID, StatusActive, now.Add(window))
	if err != nil {
		return nil, fmt.Errorf("goals: due query: %w", err)
	}
	defer rows.Close()
	return collect(rows)
}

// SetStatus transitions a goal.
func (s *Store) SetStatus(id, status string) error {
	if status != StatusActive && status != StatusDone && status != StatusAbandoned {
		return fmt.Errorf("goals: invalid status %q", status)
	}
	_, err := s.db.Exec(`UPDATE goals SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("goals: set status: %w", err)
	}
	return nil
}

func collect(rows *sql.Rows) ([]Goal, error) {
	var out []Goal
	for rows.Next() {
		var g Goal
		var due sql.NullTime
		if err := rows.Scan(&g.ID, &g.UserID, &g.Title, &due, &g.Status, &g.CreatedAt); err != nil {
			return nil, err
		}
		if due.Valid {
			t := due.Time
			g.DueDate = &t
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

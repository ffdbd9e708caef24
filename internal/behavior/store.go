package behavior

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Store persists behavior patterns as one JSON document per user.
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

// Get loads a user's patterns, cold-start defaults when absent.
func (s *Store) Get(userID string) (*Patterns, error) {
	var data string
	err := s.db.QueryRow(`SELECT data FROM behavior_patterns WHERE user_id = ?`, userID).Scan(&data)
	if err == sql.ErrNoRows {
		return NewPatterns(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("behavior: get patterns: %w", err)
	}
	p := NewPatterns()
	if err := json.Unmarshal([]byte(data), p); err != nil {
		return nil, fmt.Errorf("behavior: decode patterns: %w", err)
	}
	if p.Preferences.Dial == "" {
		p.Preferences.Dial = dialFor(p.Preferences.TrustScore)
	}
	return p, nil
}

// Save upserts a user's patterns.
func (s *Store) Save(userID string, p *Patterns) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("behavior: encode patterns: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO behavior_patterns (user_id, data, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		userID, string(data), s.clock().UTC())
	if err != nil {
		return fmt.Errorf("behavior: save patterns: %w", err)
	}
	return nil
}

// Users lists every user with session activity, for the gardener sweep.
func (s *Store) Users() ([]string, error) {
	rows, err := s.db.Query(`SELECT DISTINCT user_id FROM sessions ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("behavior: list users: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

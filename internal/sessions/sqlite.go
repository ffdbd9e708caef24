package sessions

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/keeper/internal/providers"
)

// SQLiteStore persists sessions in the shared embedded database.
type SQLiteStore struct {
	db    *sql.DB
	clock func() time.Time
}

func NewSQLiteStore(db *sql.DB, clock func() time.Time) *SQLiteStore {
	if clock == nil {
		clock = time.Now
	}
	return &SQLiteStore{db: db, clock: clock}
}

func (s *SQLiteStore) Create(opts CreateOptions) (*Session, error) {
	id := opts.ID
	if id == "" {
		id = newID()
	}
	now := s.clock().UTC()
	sess := &Session{
		ID:        id,
		UserID:    opts.UserID,
		ChannelID: opts.ChannelID,
		Metadata:  map[string]string{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	meta, _ := json.Marshal(sess.Metadata)
	_, err := s.db.Exec(`
		INSERT INTO sessions (id, user_id, channel_id, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.UserID, sess.ChannelID, string(meta), sess.CreatedAt, sess.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("sessions: create: %w", err)
	}
	return sess, nil
}

func (s *SQLiteStore) Get(id string) (*Session, error) {
	row := s.db.QueryRow(`
		SELECT id, user_id, channel_id, metadata, created_at, updated_at
		FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

func (s *SQLiteStore) Append(sessionID string, msg providers.Message) (int64, error) {
	role, content, err := encodeMessage(msg)
	if err != nil {
		return 0, fmt.Errorf("sessions: encode message: %w", err)
	}
	now := s.clock().UTC()

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("sessions: begin append: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`
		INSERT INTO session_messages (session_id, role, content, created_at)
		VALUES (?, ?, ?, ?)`, sessionID, role, content, now)
	if err != nil {
		return 0, fmt.Errorf("sessions: append: %w", err)
	}
	if _, err := tx.Exec(`UPDATE sessions SET updated_at = ? WHERE id = ?`, now, sessionID); err != nil {
		return 0, fmt.Errorf("sessions: touch: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("sessions: commit append: %w", err)
	}
	id, _ := res.LastInsertId()
	return id, nil
}

func (s *SQLiteStore) Delete(id string) error {
	if _, err := s.db.Exec(`DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("sessions: delete: %w", err)
	}
	return nil
}

func (s *SQLiteStore) FindByUserID(prefixedID string) (*Session, error) {
	row := s.db.QueryRow(`
		SELECT id, user_id, channel_id, metadata, created_at, updated_at
		FROM sessions WHERE user_id = ? OR id LIKE '%-' || ?
		ORDER BY updated_at DESC LIMIT 1`, prefixedID, prefixedID)
	return scanSession(row)
}

func (s *SQLiteStore) MessagesPaginated(sessionID string, limit int, before int64) ([]StoredMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows *sql.Rows
	var err error
	if before > 0 {
		rows, err = s.db.Query(`
			SELECT id, session_id, role, content, created_at
			FROM session_messages WHERE session_id = ? AND id < ?
			ORDER BY id DESC LIMIT ?`, sessionID, before, limit)
	} else {
		rows, err = s.db.Query(`
			SELECT id, session_id, role, content, created_at
			FROM session_messages WHERE session_id = ?
			ORDER BY id DESC LIMIT ?`, sessionID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("sessions: paginate: %w", err)
	}
	defer rows.Close()

	msgs, err := collectMessages(rows)
	if err != nil {
		return nil, err
	}
	// Query walked backwards; present oldest-first.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func (s *SQLiteStore) History(sessionID string) ([]providers.Message, error) {
	rows, err := s.db.Query(`
		SELECT id, session_id, role, content, created_at
		FROM session_messages WHERE session_id = ? ORDER BY id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("sessions: history: %w", err)
	}
	defer rows.Close()

	stored, err := collectMessages(rows)
	if err != nil {
		return nil, err
	}
	out := make([]providers.Message, len(stored))
	for i, m := range stored {
		out[i] = m.Message
	}
	return out, nil
}

func (s *SQLiteStore) SaveSummary(sum *Summary) error {
	if sum.ID == "" {
		sum.ID = uuid.NewString()
	}
	if sum.CreatedAt.IsZero() {
		sum.CreatedAt = s.clock().UTC()
	}
	topics, _ := json.Marshal(sum.Topics)
	_, err := s.db.Exec(`
		INSERT INTO session_summaries (id, session_id, user_id, summary, topics, message_count, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			summary = excluded.summary, topics = excluded.topics,
			message_count = excluded.message_count, duration_ms = excluded.duration_ms`,
		sum.ID, sum.SessionID, sum.UserID, sum.Summary, string(topics),
		sum.MessageCount, sum.Duration.Milliseconds(), sum.CreatedAt)
	if err != nil {
		return fmt.Errorf("sessions: save summary: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SummariesByUser(userID string) ([]Summary, error) {
	rows, err := s.db.Query(`
		SELECT id, session_id, user_id, summary, topics, message_count, duration_ms, created_at
		FROM session_summaries WHERE user_id = ? ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("sessions: summaries: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var sum Summary
		var topics string
		var durMs int64
		if err := rows.Scan(&sum.ID, &sum.SessionID, &sum.UserID, &sum.Summary,
			&topics, &sum.MessageCount, &durMs, &sum.CreatedAt); err != nil {
			return nil, err
		}
		json.Unmarshal([]byte(topics), &sum.Topics)
		sum.Duration = time.Duration(durMs) * time.Millisecond
		out = append(out, sum)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) HasSummary(sessionID string) (bool, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM session_summaries WHERE session_id = ?`, sessionID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("sessions: summary check: %w", err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) StaleSessions(cutoff time.Time) ([]Session, error) {
	rows, err := s.db.Query(`
		SELECT id, user_id, channel_id, metadata, created_at, updated_at
		FROM sessions WHERE updated_at < ? ORDER BY updated_at`, cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("sessions: stale scan: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		sess, err := scanSessionRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sess)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteOlderThan(cutoff time.Time) (int, error) {
	res, err := s.db.Exec(`DELETE FROM sessions WHERE updated_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("sessions: prune: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func scanSession(row *sql.Row) (*Session, error) {
	var sess Session
	var meta string
	err := row.Scan(&sess.ID, &sess.UserID, &sess.ChannelID, &meta, &sess.CreatedAt, &sess.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sessions: scan: %w", err)
	}
	json.Unmarshal([]byte(meta), &sess.Metadata)
	return &sess, nil
}

func scanSessionRow(rows *sql.Rows) (*Session, error) {
	var sess Session
	var meta string
	if err := rows.Scan(&sess.ID, &sess.UserID, &sess.ChannelID, &meta, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
		return nil, err
	}
	json.Unmarshal([]byte(meta), &sess.Metadata)
	return &sess, nil
}

func collectMessages(rows *sql.Rows) ([]StoredMessage, error) {
	var out []StoredMessage
	for rows.Next() {
		var m StoredMessage
		var role, content string
		if err := rows.Scan(&m.ID, &m.SessionID, &role, &content, &m.CreatedAt); err != nil {
			return nil, err
		}
		msg, err := decodeMessage(role, content)
		if err != nil {
			return nil, fmt.Errorf("sessions: decode message %d: %w", m.ID, err)
		}
		m.Message = msg
		out = append(out, m)
	}
	return out, rows.Err()
}

// Package pg backs the session store with Postgres for managed mode,
// where several runtime instances share one database.
package pg

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/nextlevelbuilder/keeper/internal/providers"
	"github.com/nextlevelbuilder/keeper/internal/sessions"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
    id         TEXT PRIMARY KEY,
    user_id    TEXT NOT NULL,
    channel_id TEXT NOT NULL,
    metadata   JSONB NOT NULL DEFAULT '{}',
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id);

CREATE TABLE IF NOT EXISTS session_messages (
    id         BIGSERIAL PRIMARY KEY,
    session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
    role       TEXT NOT NULL,
    content    JSONB NOT NULL,
    created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_session_messages_session ON session_messages(session_id, id);

CREATE TABLE IF NOT EXISTS session_summaries (
    id            TEXT PRIMARY KEY,
    session_id    TEXT NOT NULL UNIQUE,
    user_id       TEXT NOT NULL,
    summary       TEXT NOT NULL,
    topics        JSONB NOT NULL DEFAULT '[]',
    message_count INTEGER NOT NULL DEFAULT 0,
    duration_ms   BIGINT NOT NULL DEFAULT 0,
    created_at    TIMESTAMPTZ NOT NULL
);
`

// OpenDB connects to Postgres via the pgx stdlib driver and ensures the
// session schema exists.
func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply session schema: %w", err)
	}
	return db, nil
}

// Store implements sessions.Store on Postgres.
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

func (s *Store) Create(opts sessions.CreateOptions) (*sessions.Session, error) {
	id := opts.ID
	if id == "" {
		id = "session-" + uuid.NewString()
	}
	now := s.clock().UTC()
	sess := &sessions.Session{
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
		VALUES ($1, $2, $3, $4, $5, $6)`,
		sess.ID, sess.UserID, sess.ChannelID, meta, sess.CreatedAt, sess.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("pg sessions: create: %w", err)
	}
	return sess, nil
}

func (s *Store) Get(id string) (*sessions.Session, error) {
	return s.one(`
		SELECT id, user_id, channel_id, metadata, created_at, updated_at
		FROM sessions WHERE id = $1`, id)
}

func (s *Store) FindByUserID(prefixedID string) (*sessions.Session, error) {
	return s.one(`
		SELECT id, user_id, channel_id, metadata, created_at, updated_at
		FROM sessions WHERE user_id = $1 OR id LIKE '%-' || $1
		ORDER BY updated_at DESC LIMIT 1`, prefixedID)
}

func (s *Store) one(query string, args ...any) (*sessions.Session, error) {
	var sess sessions.Session
	var meta []byte
	err := s.db.QueryRow(query, args...).Scan(
		&sess.ID, &sess.UserID, &sess.ChannelID, &meta, &sess.CreatedAt, &sess.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pg sessions: scan: %w", err)
	}
	json.Unmarshal(meta, &sess.Metadata)
	return &sess, nil
}

func (s *Store) Append(sessionID string, msg providers.Message) (int64, error) {
	content, err := json.Marshal(msg.Content)
	if err != nil {
		return 0, fmt.Errorf("pg sessions: encode message: %w", err)
	}
	now := s.clock().UTC()

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("pg sessions: begin append: %w", err)
	}
	defer tx.Rollback()

	var id int64
	if err := tx.QueryRow(`
		INSERT INTO session_messages (session_id, role, content, created_at)
		VALUES ($1, $2, $3, $4) RETURNING id`,
		sessionID, msg.Role, content, now).Scan(&id); err != nil {
		return 0, fmt.Errorf("pg sessions: append: %w", err)
	}
	if _, err := tx.Exec(`UPDATE sessions SET updated_at = $1 WHERE id = $2`, now, sessionID); err != nil {
		return 0, fmt.Errorf("pg sessions: touch: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("pg sessions: commit append: %w", err)
	}
	return id, nil
}

func (s *Store) Delete(id string) error {
	if _, err := s.db.Exec(`DELETE FROM sessions WHERE id = $1`, id); err != nil {
		return fmt.Errorf("pg sessions: delete: %w", err)
	}
	return nil
}

func (s *Store) MessagesPaginated(sessionID string, limit int, before int64) ([]sessions.StoredMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows *sql.Rows
	var err error
	if before > 0 {
		rows, err = s.db.Query(`
			SELECT id, session_id, role, content, created_at
			FROM session_messages WHERE session_id = $1 AND id < $2
			ORDER BY id DESC LIMIT $3`, sessionID, before, limit)
	} else {
		rows, err = s.db.Query(`
			SELECT id, session_id, role, content, created_at
			FROM session_messages WHERE session_id = $1
			ORDER BY id DESC LIMIT $2`, sessionID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("pg sessions: paginate: %w", err)
	}
	defer rows.Close()

	msgs, err := collect(rows)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func (s *Store) History(sessionID string) ([]providers.Message, error) {
	rows, err := s.db.Query(`
		SELECT id, session_id, role, content, created_at
		FROM session_messages WHERE session_id = $1 ORDER BY id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("pg sessions: history: %w", err)
	}
	defer rows.Close()

	stored, err := collect(rows)
	if err != nil {
		return nil, err
	}
	out := make([]providers.Message, len(stored))
	for i, m := range stored {
		out[i] = m.Message
	}
	return out, nil
}

func (s *Store) SaveSummary(sum *sessions.Summary) error {
	if sum.ID == "" {
		sum.ID = uuid.NewString()
	}
	if sum.CreatedAt.IsZero() {
		sum.CreatedAt = s.clock().UTC()
	}
	topics, _ := json.Marshal(sum.Topics)
	_, err := s.db.Exec(`
		INSERT INTO session_summaries (id, session_id, user_id, summary, topics, message_count, duration_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (session_id) DO UPDATE SET
			summary = EXCLUDED.summary, topics = EXCLUDED.topics,
			message_count = EXCLUDED.message_count, duration_ms = EXCLUDED.duration_ms`,
		sum.ID, sum.SessionID, sum.UserID, sum.Summary, topics,
		sum.MessageCount, sum.Duration.Milliseconds(), sum.CreatedAt)
	if err != nil {
		return fmt.Errorf("pg sessions: save summary: %w", err)
	}
	return nil
}

func (s *Store) SummariesByUser(userID string) ([]sessions.Summary, error) {
	rows, err := s.db.Query(`
		SELECT id, session_id, user_id, summary, topics, message_count, duration_ms, created_at
		FROM session_summaries WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("pg sessions: summaries: %w", err)
	}
	defer rows.Close()

	var out []sessions.Summary
	for rows.Next() {
		var sum sessions.Summary
		var topics []byte
		var durMs int64
		if err := rows.Scan(&sum.ID, &sum.SessionID, &sum.UserID, &sum.Summary,
			&topics, &sum.MessageCount, &durMs, &sum.CreatedAt); err != nil {
			return nil, err
		}
		json.Unmarshal(topics, &sum.Topics)
		sum.Duration = time.Duration(durMs) * time.Millisecond
		out = append(out, sum)
	}
	return out, rows.Err()
}

func (s *Store) HasSummary(sessionID string) (bool, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM session_summaries WHERE session_id = $1`, sessionID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("pg sessions: summary check: %w", err)
	}
	return n > 0, nil
}

func (s *Store) StaleSessions(cutoff time.Time) ([]sessions.Session, error) {
	rows, err := s.db.Query(`
		SELECT id, user_id, channel_id, metadata, created_at, updated_at
		FROM sessions WHERE updated_at < $1 ORDER BY updated_at`, cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("pg sessions: stale scan: %w", err)
	}
	defer rows.Close()

	var out []sessions.Session
	for rows.Next() {
		var sess sessions.Session
		var meta []byte
		if err := rows.Scan(&sess.ID, &sess.UserID, &sess.ChannelID, &meta,
			&sess.CreatedAt, &sess.UpdatedAt); err != nil {
			return nil, err
		}
		json.Unmarshal(meta, &sess.Metadata)
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *Store) DeleteOlderThan(cutoff time.Time) (int, error) {
	res, err := s.db.Exec(`DELETE FROM sessions WHERE updated_at < $1`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("pg sessions: prune: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func collect(rows *sql.Rows) ([]sessions.StoredMessage, error) {
	var out []sessions.StoredMessage
	for rows.Next() {
		var m sessions.StoredMessage
		var role string
		var content []byte
		if err := rows.Scan(&m.ID, &m.SessionID, &role, &content, &m.CreatedAt); err != nil {
			return nil, err
		}
		var blocks []providers.Block
		if err := json.Unmarshal(content, &blocks); err != nil {
			return nil, fmt.Errorf("pg sessions: decode message %d: %w", m.ID, err)
		}
		m.Message = providers.Message{Role: role, Content: blocks}
		out = append(out, m)
	}
	return out, rows.Err()
}

package sessions

import (
	"encoding/json"
	"time"

	"github.com/nextlevelbuilder/keeper/internal/providers"
)

// Session is one conversation's metadata. UpdatedAt reflects the last
// appended message.
type Session struct {
	ID        string            `json:"id"`
	UserID    string            `json:"user_id"`
	ChannelID string            `json:"channel_id"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// StoredMessage is one persisted conversation message. ID increases
// monotonically within a session and drives pagination.
type StoredMessage struct {
	ID        int64             `json:"id"`
	SessionID string            `json:"session_id"`
	Message   providers.Message `json:"message"`
	CreatedAt time.Time         `json:"created_at"`
}

// Summary is the Gardener's digest of an aged-out session.
type Summary struct {
	ID           string        `json:"id"`
	SessionID    string        `json:"session_id"`
	UserID       string        `json:"user_id"`
	Summary      string        `json:"summary"`
	Topics       []string      `json:"topics,omitempty"`
	MessageCount int           `json:"message_count"`
	Duration     time.Duration `json:"duration"`
	CreatedAt    time.Time     `json:"created_at"`
}

// CreateOptions tunes session creation. An empty ID gets a generated one.
type CreateOptions struct {
	UserID    string
	ChannelID string
	ID        string
}

// Store is the session persistence interface. The SQLite implementation
// serves standalone mode; the pg subpackage serves managed mode.
type Store interface {
	Create(opts CreateOptions) (*Session, error)
	Get(id string) (*Session, error)
	Append(sessionID string, msg providers.Message) (int64, error)
	Delete(id string) error
	// FindByUserID returns the most recently updated session whose id
	// carries the given user suffix.
	FindByUserID(prefixedID string) (*Session, error)
	// MessagesPaginated returns up to limit messages with id < before,
	// newest last. before <= 0 means from the end.
	MessagesPaginated(sessionID string, limit int, before int64) ([]StoredMessage, error)
	// History returns the full ordered message list.
	History(sessionID string) ([]providers.Message, error)

	SaveSummary(sum *Summary) error
	SummariesByUser(userID string) ([]Summary, error)
	// HasSummary reports whether a session was already summarized.
	HasSummary(sessionID string) (bool, error)
	// StaleSessions lists sessions not updated since the cutoff.
	StaleSessions(cutoff time.Time) ([]Session, error)
	// DeleteOlderThan hard-prunes sessions whose last update is before
	// the cutoff, returning the number removed.
	DeleteOlderThan(cutoff time.Time) (int, error)
}

func encodeMessage(msg providers.Message) (role string, content string, err error) {
	raw, err := json.Marshal(msg.Content)
	if err != nil {
		return "", "", err
	}
	return msg.Role, string(raw), nil
}

func decodeMessage(role, content string) (providers.Message, error) {
	var blocks []providers.Block
	if err := json.Unmarshal([]byte(content), &blocks); err != nil {
		return providers.Message{}, err
	}
	return providers.Message{Role: role, Content: blocks}, nil
}

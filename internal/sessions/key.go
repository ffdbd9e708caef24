// Package sessions persists conversation history. Appends are durable
// before they return; pagination walks the monotonically increasing
// message id.
package sessions

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// SubagentChannel marks sessions owned by delegated sub-agent runs.
// Summarization skips them and the gardener reaps them on age.
const SubagentChannel = "subagent"

// SessionID builds the canonical id for a (channel, user) conversation:
// "<channel>-<userID>". One live session exists per pair; /reset deletes
// it and the next message creates a fresh one.
func SessionID(channel, userID string) string {
	return fmt.Sprintf("%s-%s", channel, userID)
}

// newID generates an id for sessions created without an explicit one.
func newID() string {
	return "session-" + uuid.NewString()
}

// UserIDOf extracts the user part of a canonical session id, ok=false for
// ids that don't follow the scheme.
func UserIDOf(sessionID string) (string, bool) {
	i := strings.IndexByte(sessionID, '-')
	if i <= 0 || i == len(sessionID)-1 {
		return "", false
	}
	return sessionID[i+1:], true
}

package bus

// InboundMessage represents a user utterance received from a channel
// (Telegram, Discord, CLI, HTTP, etc.)
type InboundMessage struct {
	Channel     string            `json:"channel"`
	UserID      string            `json:"user_id"`
	ChatID      string            `json:"chat_id"`
	Content     string            `json:"content"`
	Attachments []string          `json:"attachments,omitempty"` // file paths or URLs
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// OutboundMessage represents a message to be delivered to a channel.
type OutboundMessage struct {
	Channel  string            `json:"channel"`
	ChatID   string            `json:"chat_id"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// ProgressKind tags the variant of a ProgressUpdate.
type ProgressKind string

const (
	ProgressThinking     ProgressKind = "thinking"
	ProgressPlanning     ProgressKind = "planning"
	ProgressToolStart    ProgressKind = "tool_start"
	ProgressToolComplete ProgressKind = "tool_complete"
	ProgressToolError    ProgressKind = "tool_error"
	ProgressMemory       ProgressKind = "memory"
	ProgressStatus       ProgressKind = "status"
)

// ProgressUpdate is a tagged-variant event emitted during agent execution.
// Consumers switch on Kind; only the fields relevant to the variant are set.
type ProgressUpdate struct {
	Kind      ProgressKind `json:"kind"`
	SessionID string       `json:"session_id"`

	// tool_* variants
	Tool   string `json:"tool,omitempty"`
	ToolID string `json:"tool_id,omitempty"`
	Error  string `json:"error,omitempty"`

	// memory variant
	MemoryAction string   `json:"memory_action,omitempty"` // "retrieved", "stored", "updated"
	MemoryCount  int      `json:"memory_count,omitempty"`
	MemoryItems  []string `json:"memory_items,omitempty"`

	// thinking / planning / status variants
	Text string `json:"text,omitempty"`
}

// ProgressFunc receives progress updates during a run. Implementations must
// not block: the agent loop emits fire-and-forget.
type ProgressFunc func(ProgressUpdate)

// Event represents a server-side event to broadcast to WebSocket clients.
type Event struct {
	Name    string      `json:"name"`
	Payload interface{} `json:"payload,omitempty"`
}

// EventHandler handles a broadcast event.
type EventHandler func(Event)

// EventPublisher abstracts event broadcast + subscription.
// Used by the gateway server and the agent runtime to decouple from a
// concrete bus implementation.
type EventPublisher interface {
	Subscribe(id string, handler EventHandler)
	Unsubscribe(id string)
	Broadcast(event Event)
}

// TriggerSource is the outbound interface a channel adapter exposes for
// proactive sends (scheduled items, reminders, nudges).
type TriggerSource interface {
	SendMessage(userID, text string) bool
	SendFile(userID, path, caption string) bool
	Name() string
}

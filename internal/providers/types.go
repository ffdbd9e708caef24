package providers

import (
	"context"
	"strings"
)

// Provider is the interface all LLM backends must implement.
type Provider interface {
	// Complete sends messages to the LLM and returns a response.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// StreamComplete sends messages and streams response text via callback.
	// Returns the final complete response after streaming ends.
	StreamComplete(ctx context.Context, req CompletionRequest, onChunk func(StreamChunk)) (*CompletionResponse, error)

	// DefaultModel returns the provider's default model name.
	DefaultModel() string

	// Name returns the provider identifier (e.g. "anthropic", "openai").
	Name() string
}

// CompletionRequest contains the input for a Complete/StreamComplete call.
type CompletionRequest struct {
	Model       string           `json:"model,omitempty"`
	System      string           `json:"system,omitempty"`
	Messages    []Message        `json:"messages"`
	Tools       []ToolDefinition `json:"tools,omitempty"`
	Temperature *float64         `json:"temperature,omitempty"`
	MaxTokens   int              `json:"max_tokens,omitempty"`
}

// StopReason describes why the model stopped generating.
type StopReason string

const (
	StopEndTurn   StopReason = "end_turn"
	StopToolUse   StopReason = "tool_use"
	StopMaxTokens StopReason = "max_tokens"
	StopError     StopReason = "error"
)

// CompletionResponse is the result of an LLM call.
type CompletionResponse struct {
	Content    []Block    `json:"content"`
	StopReason StopReason `json:"stop_reason"`
	Usage      Usage      `json:"usage"`
}

// BlockType tags the variant of a content Block.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
)

// Block is a tagged-variant content element. Exactly one of the variant
// fields is populated, selected by Type.
type Block struct {
	Type BlockType `json:"type"`

	Text string `json:"text,omitempty"`

	ToolUse    *ToolUse    `json:"tool_use,omitempty"`
	ToolResult *ToolResult `json:"tool_result,omitempty"`
}

// ToolUse is a tool invocation requested by the LLM.
type ToolUse struct {
	ID    string                 `json:"id"`
	Name  string                 `json:"name"`
	Input map[string]interface{} `json:"input"`
}

// ToolResult carries a tool's output back to the LLM.
type ToolResult struct {
	ID      string `json:"id"` // matching ToolUse.ID
	Output  string `json:"output"`
	IsError bool   `json:"is_error,omitempty"`
}

// Message represents a conversation message as a role plus block list.
type Message struct {
	Role    string  `json:"role"` // "user", "assistant", "tool"
	Content []Block `json:"content"`
}

// TextMessage builds a single-text-block message.
func TextMessage(role, text string) Message {
	return Message{Role: role, Content: []Block{{Type: BlockText, Text: text}}}
}

// Text concatenates all text blocks of the message.
func (m Message) Text() string {
	var sb strings.Builder
	for _, b := range m.Content {
		if b.Type == BlockText {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}

// ToolUses returns the tool_use blocks of the message, in declared order.
func (m Message) ToolUses() []*ToolUse {
	var out []*ToolUse
	for _, b := range m.Content {
		if b.Type == BlockToolUse && b.ToolUse != nil {
			out = append(out, b.ToolUse)
		}
	}
	return out
}

// Text concatenates all text blocks of the response.
func (r *CompletionResponse) Text() string {
	var sb strings.Builder
	for _, b := range r.Content {
		if b.Type == BlockText {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}

// ToolUses returns the tool_use blocks of the response, in declared order.
func (r *CompletionResponse) ToolUses() []*ToolUse {
	var out []*ToolUse
	for _, b := range r.Content {
		if b.Type == BlockToolUse && b.ToolUse != nil {
			out = append(out, b.ToolUse)
		}
	}
	return out
}

// StreamChunk is a piece of a streaming response.
type StreamChunk struct {
	Content  string `json:"content,omitempty"`
	Thinking string `json:"thinking,omitempty"`
	Done     bool   `json:"done,omitempty"`
}

// ToolDefinition describes a tool available to the LLM.
type ToolDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

// Usage tracks token consumption for one completion.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Add accumulates another usage into u.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}

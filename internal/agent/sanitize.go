package agent

import (
	"log/slog"

	"github.com/nextlevelbuilder/keeper/internal/providers"
)

// RepairHistory makes a transcript safe to send: every tool_use gets a
// matching tool_result in the following message, orphan tool_results are
// dropped, and empty messages are removed. Providers reject transcripts
// that violate the pairing, which can happen after a crash mid-loop.
func RepairHistory(msgs []providers.Message) []providers.Message {
	var out []providers.Message
	for i := 0; i < len(msgs); i++ {
		msg := msgs[i]

		uses := msg.ToolUses()
		if len(uses) == 0 {
			if cleaned, ok := dropOrphanResults(msg, lastToolUseIDs(out)); ok {
				out = append(out, cleaned)
			}
			continue
		}

		out = append(out, msg)

		// Collect results answered by the next message, then synthesize
		// error results for whatever the LLM never got an answer for.
		answered := map[string]bool{}
		if i+1 < len(msgs) {
			for _, b := range msgs[i+1].Content {
				if b.Type == providers.BlockToolResult && b.ToolResult != nil {
					answered[b.ToolResult.ID] = true
				}
			}
		}
		var missing []providers.Block
		for _, u := range uses {
			if !answered[u.ID] {
				missing = append(missing, providers.Block{
					Type: providers.BlockToolResult,
					ToolResult: &providers.ToolResult{
						ID:      u.ID,
						Output:  "tool execution was interrupted",
						IsError: true,
					},
				})
			}
		}
		if len(missing) == 0 {
			continue
		}
		slog.Debug("agent: repaired unanswered tool calls", "count", len(missing))
		if i+1 < len(msgs) && msgs[i+1].Role == "tool" {
			msgs[i+1].Content = append(msgs[i+1].Content, missing...)
		} else {
			out = append(out, providers.Message{Role: "tool", Content: missing})
		}
	}
	return out
}

// lastToolUseIDs returns the tool_use ids of the last assistant message.
func lastToolUseIDs(msgs []providers.Message) map[string]bool {
	ids := map[string]bool{}
	if len(msgs) == 0 {
		return ids
	}
	for _, u := range msgs[len(msgs)-1].ToolUses() {
		ids[u.ID] = true
	}
	return ids
}

// dropOrphanResults removes tool_result blocks that answer no preceding
// tool_use. Returns ok=false when nothing is left.
func dropOrphanResults(msg providers.Message, valid map[string]bool) (providers.Message, bool) {
	var kept []providers.Block
	dropped := 0
	for _, b := range msg.Content {
		if b.Type == providers.BlockToolResult {
			if b.ToolResult == nil || !valid[b.ToolResult.ID] {
				dropped++
				continue
			}
		}
		kept = append(kept, b)
	}
	if dropped > 0 {
		slog.Debug("agent: dropped orphan tool results", "count", dropped)
	}
	if len(kept) == 0 {
		return providers.Message{}, false
	}
	msg.Content = kept
	return msg, true
}

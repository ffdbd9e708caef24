package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/keeper/internal/memory"
)

// RememberTool stores a durable fact in the memory graph.
type RememberTool struct {
	store *memory.Store
}

func NewRememberTool(store *memory.Store) *RememberTool {
	return &RememberTool{store: store}
}

func (t *RememberTool) Name() string { return "remember" }
func (t *RememberTool) Description() string {
	return "Save a durable fact, preference or event about the user to long-term memory"
}

func (t *RememberTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"content": map[string]interface{}{
				"type":        "string",
				"description": "The fact to remember, phrased as a standalone statement",
			},
			"category": map[string]interface{}{
				"type":        "string",
				"description": "One of: preference, fact, event, relationship, insight",
			},
			"user_id": map[string]interface{}{
				"type":        "string",
				"description": "User the fact belongs to",
			},
		},
		"required": []string{"content", "category", "user_id"},
	}
}

func (t *RememberTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	content, _ := args["content"].(string)
	category, _ := args["category"].(string)
	userID, _ := args["user_id"].(string)
	if content == "" || userID == "" {
		return ErrorResult("content and user_id are required")
	}
	switch memory.Category(category) {
	case memory.CategoryPreference, memory.CategoryFact, memory.CategoryEvent,
		memory.CategoryRelationship, memory.CategoryInsight:
	default:
		category = string(memory.CategoryFact)
	}

	m, created, err := t.store.Add(ctx, userID, content, memory.Category(category), memory.AddOptions{
		Source:          "agent",
		LearnedFrom:     "conversation",
		DetectRelations: true,
	})
	if err != nil {
		return ErrorResult(fmt.Sprintf("failed to save memory: %v", err)).WithError(err)
	}
	if !created {
		return SilentResult(fmt.Sprintf("Already known (confirmed %d times): %s", m.TimesConfirmed, m.Content))
	}
	return SilentResult("Remembered: " + content)
}

// RecallTool searches long-term memory.
type RecallTool struct {
	store *memory.Store
}

func NewRecallTool(store *memory.Store) *RecallTool {
	return &RecallTool{store: store}
}

func (t *RecallTool) Name() string { return "recall_memory" }
func (t *RecallTool) Description() string {
	return "Search long-term memory for facts about the user"
}
func (t *RecallTool) Pure() bool { return true }

func (t *RecallTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query": map[string]interface{}{
				"type":        "string",
				"description": "What to look for",
			},
			"user_id": map[string]interface{}{
				"type":        "string",
				"description": "User whose memories to search",
			},
		},
		"required": []string{"query", "user_id"},
	}
}

func (t *RecallTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	query, _ := args["query"].(string)
	userID, _ := args["user_id"].(string)
	if query == "" || userID == "" {
		return ErrorResult("query and user_id are required")
	}

	results, err := t.store.Search(ctx, query, userID, 5)
	if err != nil {
		return ErrorResult(fmt.Sprintf("memory search failed: %v", err)).WithError(err)
	}
	if len(results) == 0 {
		return SilentResult("No matching memories.")
	}

	var sb strings.Builder
	for _, r := range results {
		fmt.Fprintf(&sb, "- [%s] %s\n", r.Memory.Category, r.Memory.Content)
	}
	return SilentResult(sb.String())
}

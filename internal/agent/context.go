package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/nextlevelbuilder/keeper/internal/memory"
	"github.com/nextlevelbuilder/keeper/internal/providers"
)

const (
	// compressAt is the share of the model's context budget at which the
	// prefix gets summarized.
	compressAt = 0.7

	summaryMaxTokens = 500
	memoryTopK       = 5
)

// ContextBuilder assembles the prompt for one LLM call: hot window
// verbatim, compressed prefix when the transcript outgrows the budget,
// and retrieved memory snippets in the system block.
type ContextBuilder struct {
	memstore  *memory.Store
	estimator *TokenEstimator
	recall    *RecallCache

	// compressor summarizes the conversation prefix; nil disables
	// compression and the builder just truncates to the hot window.
	compressor    memory.Completer
	compressModel string

	hotWindow        int
	maxContextTokens int
}

func NewContextBuilder(memstore *memory.Store, estimator *TokenEstimator, hotWindow, maxContextTokens int) *ContextBuilder {
	if hotWindow <= 0 {
		hotWindow = 5
	}
	if maxContextTokens <= 0 {
		maxContextTokens = 100000
	}
	return &ContextBuilder{
		memstore:         memstore,
		estimator:        estimator,
		recall:           NewRecallCache(),
		hotWindow:        hotWindow,
		maxContextTokens: maxContextTokens,
	}
}

// Recall exposes the truncation cache so the recall tool can serve it.
func (b *ContextBuilder) Recall() *RecallCache { return b.recall }

// truncateOutput shortens oversized tool output, caching the full text.
func (b *ContextBuilder) truncateOutput(output string) string {
	return b.recall.Truncate(output, b.estimator)
}

// SetCompressor wires the cheap model used for prefix summarization.
func (b *ContextBuilder) SetCompressor(llm memory.Completer, model string) {
	b.compressor = llm
	b.compressModel = model
}

// Build returns the system block additions and the message list for one
// call. history must already contain the latest user message.
func (b *ContextBuilder) Build(ctx context.Context, userID string, history []providers.Message, userText string) (string, []providers.Message) {
	history = RepairHistory(history)

	var system strings.Builder
	if snippets := b.memorySnippets(ctx, userID, userText); snippets != "" {
		system.WriteString(snippets)
	}

	if b.estimator.EstimateMessages(history) <= int(compressAt*float64(b.maxContextTokens)) {
		return system.String(), history
	}

	cut := b.cutIndex(history)
	prefix, hot := history[:cut], history[cut:]
	if summary := b.compressPrefix(ctx, prefix); summary != "" {
		if system.Len() > 0 {
			system.WriteString("\n\n")
		}
		system.WriteString("Summary of the earlier conversation:\n")
		system.WriteString(summary)
	}
	return system.String(), hot
}

// cutIndex keeps the last hotWindow messages, nudged earlier so the hot
// window never starts with an unpaired tool message.
func (b *ContextBuilder) cutIndex(history []providers.Message) int {
	cut := len(history) - b.hotWindow
	if cut < 0 {
		cut = 0
	}
	for cut > 0 && history[cut].Role == "tool" {
		cut--
	}
	return cut
}

func (b *ContextBuilder) memorySnippets(ctx context.Context, userID, userText string) string {
	if b.memstore == nil || strings.TrimSpace(userText) == "" {
		return ""
	}
	results, err := b.memstore.Search(ctx, userText, userID, memoryTopK)
	if err != nil {
		slog.Warn("agent: memory retrieval failed", "error", err)
		return ""
	}
	if len(results) == 0 {
		return ""
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Memory.Prominence > results[j].Memory.Prominence
	})

	var sb strings.Builder
	sb.WriteString("Relevant memories about the user:\n")
	for _, r := range results {
		fmt.Fprintf(&sb, "- [%s] %s\n", r.Memory.Category, r.Memory.Content)
	}
	return sb.String()
}

// compressPrefix summarizes the pre-hot-window transcript into a short
// system note. Returns "" when no compressor is wired or the call fails;
// the hot window alone still goes out.
func (b *ContextBuilder) compressPrefix(ctx context.Context, prefix []providers.Message) string {
	if b.compressor == nil || len(prefix) == 0 {
		return ""
	}

	var transcript strings.Builder
	for _, m := range prefix {
		text := m.Text()
		if text == "" {
			continue
		}
		fmt.Fprintf(&transcript, "%s: %s\n", m.Role, text)
	}

	temp := 0.0
	resp, err := b.compressor.Complete(ctx, providers.CompletionRequest{
		Model: b.compressModel,
		Messages: []providers.Message{providers.TextMessage("user",
			"Summarize this conversation so an assistant can continue it seamlessly. "+
				"Keep names, decisions, open tasks and stated preferences. Be dense.\n\n"+
				transcript.String())},
		Temperature: &temp,
		MaxTokens:   summaryMaxTokens,
	})
	if err != nil {
		slog.Warn("agent: prefix compression failed", "error", err)
		return ""
	}
	return resp.Text()
}

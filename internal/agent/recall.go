package agent

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"github.com/nextlevelbuilder/keeper/internal/tools"
)

const (
	// truncateThresholdTokens is the tool-output size beyond which only
	// head and tail lines go to the LLM.
	truncateThresholdTokens = 2000

	headLines = 50
	tailLines = 20

	recallCacheMax = 128
)

// RecallCache keeps full tool outputs in memory, keyed by content hash,
// so the LLM can ask for the untruncated text.
type RecallCache struct {
	mu      sync.Mutex
	entries map[string]string
	order   []string // insertion order for eviction
}

func NewRecallCache() *RecallCache {
	return &RecallCache{entries: make(map[string]string)}
}

func (c *RecallCache) put(text string) string {
	sum := sha256.Sum256([]byte(text))
	hash := hex.EncodeToString(sum[:6])

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[hash]; !ok {
		c.entries[hash] = text
		c.order = append(c.order, hash)
		for len(c.order) > recallCacheMax {
			evict := c.order[0]
			c.order = c.order[1:]
			delete(c.entries, evict)
		}
	}
	return hash
}

// Get returns the cached full text, ok=false when evicted or unknown.
func (c *RecallCache) Get(hash string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	text, ok := c.entries[hash]
	return text, ok
}

// Truncate shortens oversized tool output to head and tail lines with a
// recall marker, caching the full text.
func (c *RecallCache) Truncate(output string, estimator *TokenEstimator) string {
	if estimator.Estimate(output) <= truncateThresholdTokens {
		return output
	}
	lines := strings.Split(output, "\n")
	if len(lines) <= headLines+tailLines {
		return output
	}
	hash := c.put(output)
	head := strings.Join(lines[:headLines], "\n")
	tail := strings.Join(lines[len(lines)-tailLines:], "\n")
	return fmt.Sprintf("%s\n… truncated %d lines, use recall(\"%s\") for the full output …\n%s",
		head, len(lines)-headLines-tailLines, hash, tail)
}

// RecallTool lets the LLM fetch the full text behind a truncation marker.
type RecallTool struct {
	cache *RecallCache
}

func NewRecallTool(cache *RecallCache) *RecallTool {
	return &RecallTool{cache: cache}
}

func (t *RecallTool) Name() string { return "recall" }
func (t *RecallTool) Description() string {
	return "Retrieve the full text of a previously truncated tool output by its hash"
}
func (t *RecallTool) Pure() bool { return true }

func (t *RecallTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"hash": map[string]interface{}{
				"type":        "string",
				"description": "Hash from the truncation marker",
			},
		},
		"required": []string{"hash"},
	}
}

func (t *RecallTool) Execute(_ context.Context, args map[string]interface{}) *tools.Result {
	hash, _ := args["hash"].(string)
	if hash == "" {
		return tools.ErrorResult("hash is required")
	}
	text, ok := t.cache.Get(hash)
	if !ok {
		return tools.ErrorResult("no cached output for that hash; it may have been evicted")
	}
	return tools.SilentResult(text)
}

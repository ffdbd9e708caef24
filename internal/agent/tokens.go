package agent

import (
	"sync"

	"github.com/nextlevelbuilder/keeper/internal/providers"
)

// TokenEstimator guesses token counts from character length. The ratio
// starts at ~4 chars/token and is calibrated against actual prompt token
// counts reported by providers.
type TokenEstimator struct {
	mu    sync.RWMutex
	ratio float64 // chars per token
}

func NewTokenEstimator() *TokenEstimator {
	return &TokenEstimator{ratio: 4.0}
}

// Estimate returns the approximate token count of a string.
func (e *TokenEstimator) Estimate(s string) int {
	e.mu.RLock()
	ratio := e.ratio
	e.mu.RUnlock()
	return int(float64(len(s)) / ratio)
}

// EstimateMessages sums the estimate across a message list, with a small
// per-message overhead for role/framing tokens.
func (e *TokenEstimator) EstimateMessages(msgs []providers.Message) int {
	total := 0
	for _, m := range msgs {
		total += 4
		for _, b := range m.Content {
			switch b.Type {
			case providers.BlockText:
				total += e.Estimate(b.Text)
			case providers.BlockToolUse:
				if b.ToolUse != nil {
					total += e.Estimate(b.ToolUse.Name) + 20
					for _, v := range b.ToolUse.Input {
						if s, ok := v.(string); ok {
							total += e.Estimate(s)
						}
					}
				}
			case providers.BlockToolResult:
				if b.ToolResult != nil {
					total += e.Estimate(b.ToolResult.Output)
				}
			}
		}
	}
	return total
}

// Calibrate nudges the chars-per-token ratio toward the observed value.
// Exponential moving average keeps one weird prompt from skewing it.
func (e *TokenEstimator) Calibrate(chars, actualTokens int) {
	if chars <= 0 || actualTokens <= 0 {
		return
	}
	observed := float64(chars) / float64(actualTokens)
	if observed < 1 || observed > 16 {
		return
	}
	e.mu.Lock()
	e.ratio = 0.9*e.ratio + 0.1*observed
	e.mu.Unlock()
}

package agent

import (
	"strings"
	"testing"

	"github.com/nextlevelbuilder/keeper/internal/providers"
)

func TestEstimateDefaultRatio(t *testing.T) {
	e := NewTokenEstimator()
	if got := e.Estimate(strings.Repeat("a", 400)); got != 100 {
		t.Errorf("Estimate = %d, want 100", got)
	}
	if got := e.Estimate(""); got != 0 {
		t.Errorf("Estimate(empty) = %d, want 0", got)
	}
}

func TestCalibrateShiftsRatio(t *testing.T) {
	e := NewTokenEstimator()
	before := e.Estimate(strings.Repeat("a", 4000))

	// Observed: 4000 chars were really 2000 tokens (ratio 2). The EMA
	// moves toward it without jumping.
	e.Calibrate(4000, 2000)
	after := e.Estimate(strings.Repeat("a", 4000))
	if after <= before {
		t.Errorf("estimate did not grow after calibration: %d -> %d", before, after)
	}
	if after >= 2000 {
		t.Errorf("EMA jumped to the observation in one step: %d", after)
	}
}

func TestCalibrateIgnoresOutliers(t *testing.T) {
	e := NewTokenEstimator()
	// A wildly wrong observation (ratio 400) is discarded outright.
	e.Calibrate(400000, 1000)
	if got := e.Estimate(strings.Repeat("a", 400)); got != 100 {
		t.Errorf("ratio moved on an outlier observation: estimate = %d", got)
	}
}

func TestEstimateMessagesCountsToolBlocks(t *testing.T) {
	e := NewTokenEstimator()
	msgs := []providers.Message{
		providers.TextMessage("user", strings.Repeat("a", 400)),
		{Role: "tool", Content: []providers.Block{{
			Type:       providers.BlockToolResult,
			ToolResult: &providers.ToolResult{ID: "t1", Output: strings.Repeat("b", 400)},
		}}},
	}
	got := e.EstimateMessages(msgs)
	// Two ~100-token payloads plus per-message overhead.
	if got < 200 || got > 250 {
		t.Errorf("EstimateMessages = %d, want ~208", got)
	}
}

func TestTruncateAndRecall(t *testing.T) {
	c := NewRecallCache()
	e := NewTokenEstimator()

	short := "just a few lines\nnothing big"
	if got := c.Truncate(short, e); got != short {
		t.Errorf("short output must pass through, got %q", got)
	}

	var sb strings.Builder
	for i := 0; i < 500; i++ {
		sb.WriteString(strings.Repeat("x", 40))
		sb.WriteString("\n")
	}
	long := sb.String()

	out := c.Truncate(long, e)
	if len(out) >= len(long) {
		t.Fatal("long output was not truncated")
	}
	if !strings.Contains(out, "truncated") || !strings.Contains(out, "recall(") {
		t.Errorf("missing recall marker: %q", out[:200])
	}

	// The marker hash resolves to the full text.
	start := strings.Index(out, `recall("`) + len(`recall("`)
	end := strings.Index(out[start:], `"`)
	hash := out[start : start+end]

	full, ok := c.Get(hash)
	if !ok || full != long {
		t.Error("cached full output not retrievable by hash")
	}

	// Eviction: fill past capacity, the oldest entry goes away.
	for i := 0; i < recallCacheMax+5; i++ {
		c.put(strings.Repeat("y", i+1))
	}
	if _, ok := c.Get(hash); ok {
		t.Error("oldest entry survived eviction")
	}
}

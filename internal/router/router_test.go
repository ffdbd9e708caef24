package router

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nextlevelbuilder/keeper/internal/config"
	"github.com/nextlevelbuilder/keeper/internal/providers"
	"github.com/nextlevelbuilder/keeper/internal/usage"
)

type stubProvider struct{ name string }

func (s *stubProvider) Complete(ctx context.Context, req providers.CompletionRequest) (*providers.CompletionResponse, error) {
	return nil, errors.New("not implemented")
}

func (s *stubProvider) StreamComplete(ctx context.Context, req providers.CompletionRequest, onChunk func(providers.StreamChunk)) (*providers.CompletionResponse, error) {
	return nil, errors.New("not implemented")
}

func (s *stubProvider) DefaultModel() string { return "stub" }
func (s *stubProvider) Name() string         { return s.name }

type stubBudget struct{ status usage.BudgetStatus }

func (s *stubBudget) BudgetStatus() usage.BudgetStatus { return s.status }

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Router.Tiers = config.TierModels{
		Trivial:  []string{"groq/llama-3.1-8b-instant"},
		Simple:   []string{"groq/llama-3.3-70b-versatile", "openai/gpt-4o-mini"},
		Moderate: []string{"anthropic/claude-haiku-4-5"},
		Complex:  []string{"anthropic/claude-sonnet-4-5"},
	}
	return cfg
}

func testPool(names ...string) *providers.Pool {
	pool := providers.NewPool(nil)
	for _, n := range names {
		pool.Register(&stubProvider{name: n})
	}
	return pool
}

func TestRouteTrivialGoesCheap(t *testing.T) {
	r := New(testConfig(), testPool("groq", "openai", "anthropic"), &stubBudget{}, usage.NewPriceTable(nil))

	d, err := r.Route("hey", nil)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if d.Tier != TierTrivial || d.Provider != "groq" || d.Model != "llama-3.1-8b-instant" {
		t.Errorf("got %+v, want trivial groq/llama-3.1-8b-instant", d)
	}
	if d.BudgetWarning || d.Downshifted {
		t.Errorf("unexpected flags in %+v", d)
	}
}

func TestRouteComplexGoesCapable(t *testing.T) {
	r := New(testConfig(), testPool("groq", "openai", "anthropic"), &stubBudget{}, usage.NewPriceTable(nil))

	d, err := r.Route("help me design a system for syncing my notes across devices", nil)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if d.Tier != TierComplex || d.Provider != "anthropic" || d.Model != "claude-sonnet-4-5" {
		t.Errorf("got %+v, want complex anthropic/claude-sonnet-4-5", d)
	}
}

func TestRouteBudgetDownshift(t *testing.T) {
	// Enough headroom for the cheap tiers but not for sonnet pricing.
	budget := &stubBudget{status: usage.BudgetStatus{
		DailySpend:     4.995,
		DailyBudget:    5.0,
		IsDailyWarning: true,
	}}
	r := New(testConfig(), testPool("groq", "openai", "anthropic"), budget, usage.NewPriceTable(nil))

	d, err := r.Route("help me design a system for syncing my notes across devices", nil)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if !d.Downshifted {
		t.Errorf("expected a downshifted decision, got %+v", d)
	}
	if d.Tier == TierComplex {
		t.Errorf("expected a cheaper tier than complex, got %+v", d)
	}
	if !d.BudgetWarning {
		t.Errorf("expected budget warning flag, got %+v", d)
	}
}

func TestRouteBudgetExceededHardStop(t *testing.T) {
	budget := &stubBudget{status: usage.BudgetStatus{
		DailySpend:      5.0,
		DailyBudget:     5.0,
		IsDailyWarning:  true,
		IsDailyExceeded: true,
	}}
	r := New(testConfig(), testPool("groq", "openai", "anthropic"), budget, usage.NewPriceTable(nil))

	_, err := r.Route("hey", nil)
	if !errors.Is(err, ErrBudgetExceeded) {
		t.Fatalf("err = %v, want ErrBudgetExceeded", err)
	}
}

func TestRouteSkipsDownProvider(t *testing.T) {
	pool := testPool("groq", "openai", "anthropic")
	// Trip groq to Down.
	for i := 0; i < 3; i++ {
		pool.RecordFailure("groq")
	}
	r := New(testConfig(), pool, &stubBudget{}, usage.NewPriceTable(nil))

	d, err := r.Route("what is on my calendar for tomorrow afternoon", nil)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if d.Provider != "openai" || d.Model != "gpt-4o-mini" {
		t.Errorf("got %+v, want openai/gpt-4o-mini fallback", d)
	}
}

func TestRouteAllDownFallsThroughTiers(t *testing.T) {
	clockNow := time.Now()
	pool := providers.NewPool(func() time.Time { return clockNow })
	pool.Register(&stubProvider{name: "anthropic"})
	pool.Register(&stubProvider{name: "groq"})
	for i := 0; i < 3; i++ {
		pool.RecordFailure("anthropic")
	}
	r := New(testConfig(), pool, &stubBudget{}, usage.NewPriceTable(nil))

	// Complex and moderate both need anthropic (down); simple needs
	// openai (unregistered) after groq, so groq's simple entry serves.
	d, err := r.Route("help me design a system for task tracking", nil)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if d.Provider != "groq" {
		t.Errorf("got %+v, want groq fallback", d)
	}
	if !d.Downshifted {
		t.Errorf("expected downshift, got %+v", d)
	}
}

func TestRouteTier(t *testing.T) {
	r := New(testConfig(), testPool("groq"), &stubBudget{}, usage.NewPriceTable(nil))

	d, err := r.RouteTier(TierTrivial, "triage prompt")
	if err != nil {
		t.Fatalf("RouteTier: %v", err)
	}
	if d.Provider != "groq" {
		t.Errorf("got %+v, want groq", d)
	}
}

// Package router picks the model for a turn: a deterministic complexity
// classifier selects a tier, the budget gate may force the tier down, and
// the provider pool's health filters the candidate list.
package router

import (
	"errors"
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/keeper/internal/config"
	"github.com/nextlevelbuilder/keeper/internal/providers"
	"github.com/nextlevelbuilder/keeper/internal/usage"
)

// ErrBudgetExceeded is returned when even the cheapest tier would push
// spend over a hard limit.
var ErrBudgetExceeded = errors.New("budget exceeded")

// assumedOutputTokens sizes the cost estimate before the completion runs.
const assumedOutputTokens = 500

// Decision is the routing result for one turn.
type Decision struct {
	Tier          Tier
	Provider      string
	Model         string
	EstimatedCost float64
	// BudgetWarning is set when spend crossed the warning threshold so the
	// reply can mention it.
	BudgetWarning bool
	// Downshifted is set when the budget gate forced a cheaper tier than
	// the classifier picked.
	Downshifted bool
}

// BudgetChecker is the slice of the usage ledger the router needs.
type BudgetChecker interface {
	BudgetStatus() usage.BudgetStatus
}

// Router resolves tier → provider/model against live health and budget.
type Router struct {
	cfg     *config.Config
	pool    *providers.Pool
	ledger  BudgetChecker
	pricing *usage.PriceTable
}

func New(cfg *config.Config, pool *providers.Pool, ledger BudgetChecker, pricing *usage.PriceTable) *Router {
	return &Router{cfg: cfg, pool: pool, ledger: ledger, pricing: pricing}
}

// Route classifies the input and resolves a model, downshifting one tier
// per attempt while the budget is exceeded. Same input and same ledger
// state always produce the same decision.
func (r *Router) Route(input string, recentHistory []string) (Decision, error) {
	tier := Classify(input, recentHistory)
	return r.resolve(tier, input, recentHistory)
}

// RouteTier skips classification and resolves a fixed tier. Background
// callers (gardener, proactive triage) use this with their configured
// cheap models.
func (r *Router) RouteTier(tier Tier, input string) (Decision, error) {
	return r.resolve(tier, input, nil)
}

func (r *Router) resolve(tier Tier, input string, recentHistory []string) (Decision, error) {
	status := r.ledger.BudgetStatus()
	warning := status.IsDailyWarning || status.IsMonthlyWarning

	startTier := tier
	for {
		provider, model, err := r.pickCandidate(tier)
		if err != nil {
			// No healthy candidate at this tier; try the next cheaper one.
			next, ok := tier.Downshift()
			if !ok {
				return Decision{}, err
			}
			tier = next
			continue
		}

		est := r.estimateCost(model, input, recentHistory)

		// A hard limit already crossed, or one this call would cross,
		// forces the next cheaper tier.
		if overHardLimit(status, est) {
			next, ok := tier.Downshift()
			if !ok {
				return Decision{}, fmt.Errorf("router: tier %s: %w", startTier, ErrBudgetExceeded)
			}
			tier = next
			continue
		}

		return Decision{
			Tier:          tier,
			Provider:      provider,
			Model:         model,
			EstimatedCost: est,
			BudgetWarning: warning,
			Downshifted:   tier != startTier,
		}, nil
	}
}

// pickCandidate walks the tier's configured "provider/model" list in order
// and returns the first whose provider is registered and not in cooldown.
func (r *Router) pickCandidate(tier Tier) (provider, model string, err error) {
	candidates := r.cfg.Router.Tiers.TierList(string(tier))
	if len(candidates) == 0 {
		return "", "", fmt.Errorf("router: no models configured for tier %s: %w", tier, providers.ErrUnavailable)
	}
	for _, cand := range candidates {
		p, m, ok := SplitModelRef(cand)
		if !ok {
			continue
		}
		if r.pool.Get(p) == nil || !r.pool.Available(p) {
			continue
		}
		return p, m, nil
	}
	return "", "", fmt.Errorf("router: all providers down for tier %s: %w", tier, providers.ErrUnavailable)
}

func (r *Router) estimateCost(model, input string, recentHistory []string) float64 {
	in := TokenCount(input)
	for _, h := range recentHistory {
		in += TokenCount(h)
	}
	return r.pricing.Cost(model, in, assumedOutputTokens)
}

func overHardLimit(status usage.BudgetStatus, est float64) bool {
	if status.DailyBudget > 0 && status.DailySpend+est >= status.DailyBudget {
		return true
	}
	if status.MonthlyBudget > 0 && status.MonthlySpend+est >= status.MonthlyBudget {
		return true
	}
	return false
}

// SplitModelRef parses "provider/model" into its parts. Models may
// themselves contain slashes (openrouter style), so only the first slash
// splits.
func SplitModelRef(ref string) (provider, model string, ok bool) {
	i := strings.IndexByte(ref, '/')
	if i <= 0 || i == len(ref)-1 {
		return "", "", false
	}
	return ref[:i], ref[i+1:], true
}

package usage

import "log/slog"

// ModelPricing is per-million-token cost in USD.
type ModelPricing struct {
	InputPerMTok  float64
	OutputPerMTok float64
}

// defaultPricing covers the models the default tier lists route to.
// Config may extend or override it.
var defaultPricing = map[string]ModelPricing{
	"claude-opus-4-1":              {InputPerMTok: 15.0, OutputPerMTok: 75.0},
	"claude-sonnet-4-5":            {InputPerMTok: 3.0, OutputPerMTok: 15.0},
	"claude-sonnet-4-5-20250929":   {InputPerMTok: 3.0, OutputPerMTok: 15.0},
	"claude-haiku-4-5":             {InputPerMTok: 1.0, OutputPerMTok: 5.0},
	"gpt-4o":                       {InputPerMTok: 2.5, OutputPerMTok: 10.0},
	"gpt-4o-mini":                  {InputPerMTok: 0.15, OutputPerMTok: 0.6},
	"llama-3.3-70b-versatile":      {InputPerMTok: 0.59, OutputPerMTok: 0.79},
	"llama-3.1-8b-instant":         {InputPerMTok: 0.05, OutputPerMTok: 0.08},
	"text-embedding-3-small":       {InputPerMTok: 0.02, OutputPerMTok: 0},
	"deepseek-chat":                {InputPerMTok: 0.27, OutputPerMTok: 1.1},
}

// PriceTable resolves model → pricing with config overrides on top of the
// built-in table.
type PriceTable struct {
	models map[string]ModelPricing
}

func NewPriceTable(overrides map[string]ModelPricing) *PriceTable {
	models := make(map[string]ModelPricing, len(defaultPricing)+len(overrides))
	for k, v := range defaultPricing {
		models[k] = v
	}
	for k, v := range overrides {
		models[k] = v
	}
	return &PriceTable{models: models}
}

// Cost computes the USD cost of a completion. An unknown model is
// zero-cost and logged as such.
func (t *PriceTable) Cost(model string, inputTokens, outputTokens int) float64 {
	p, ok := t.models[model]
	if !ok {
		slog.Warn("usage: unknown model, recording zero cost", "model", model)
		return 0
	}
	return float64(inputTokens)/1e6*p.InputPerMTok + float64(outputTokens)/1e6*p.OutputPerMTok
}

// Lookup returns the pricing entry for a model, ok=false when unknown.
func (t *PriceTable) Lookup(model string) (ModelPricing, bool) {
	p, ok := t.models[model]
	return p, ok
}

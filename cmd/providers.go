package cmd

import (
	"log/slog"

	"github.com/nextlevelbuilder/keeper/internal/config"
	"github.com/nextlevelbuilder/keeper/internal/providers"
)

// Base URLs for the well-known OpenAI-compatible backends. A config
// base_url overrides these.
const (
	groqBaseURL       = "https://api.groq.com/openai/v1"
	openRouterBaseURL = "https://openrouter.ai/api/v1"
	deepSeekBaseURL   = "https://api.deepseek.com/v1"
)

func registerProviders(pool *providers.Pool, cfg *config.Config) {
	for name, spec := range cfg.Providers {
		if spec.APIKey == "" {
			slog.Debug("provider skipped: no API key", "provider", name)
			continue
		}

		switch name {
		case "anthropic":
			pool.Register(providers.NewAnthropicProvider(spec.APIKey,
				providers.WithAnthropicBaseURL(spec.BaseURL)))
		case "openai":
			pool.Register(providers.NewOpenAIProvider("openai", spec.APIKey,
				providers.WithOpenAIBaseURL(spec.BaseURL),
				providers.WithOpenAIModel("gpt-4o")))
		case "groq":
			pool.Register(providers.NewOpenAIProvider("groq", spec.APIKey,
				providers.WithOpenAIBaseURL(orDefault(spec.BaseURL, groqBaseURL)),
				providers.WithOpenAIModel("llama-3.3-70b-versatile")))
		case "openrouter":
			pool.Register(providers.NewOpenAIProvider("openrouter", spec.APIKey,
				providers.WithOpenAIBaseURL(orDefault(spec.BaseURL, openRouterBaseURL)),
				providers.WithOpenAIModel("anthropic/claude-sonnet-4-5")))
		case "deepseek":
			pool.Register(providers.NewOpenAIProvider("deepseek", spec.APIKey,
				providers.WithOpenAIBaseURL(orDefault(spec.BaseURL, deepSeekBaseURL)),
				providers.WithOpenAIModel("deepseek-chat")))
		default:
			// Unknown names need an explicit OpenAI-compatible endpoint.
			if spec.BaseURL == "" {
				slog.Warn("provider skipped: unknown name and no base_url", "provider", name)
				continue
			}
			pool.Register(providers.NewOpenAIProvider(name, spec.APIKey,
				providers.WithOpenAIBaseURL(spec.BaseURL)))
		}
		slog.Info("registered provider", "name", name)
	}
}

func orDefault(v, def string) string {
	if v != "" {
		return v
	}
	return def
}

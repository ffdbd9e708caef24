package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Providers: ProvidersConfig{},
		Router: RouterConfig{
			Tiers: TierModels{
				Trivial:  []string{"groq/llama-3.1-8b-instant"},
				Simple:   []string{"groq/llama-3.3-70b-versatile", "anthropic/claude-haiku-4-5"},
				Moderate: []string{"anthropic/claude-sonnet-4-5"},
				Complex:  []string{"anthropic/claude-sonnet-4-5", "anthropic/claude-opus-4-1"},
			},
		},
		Budget: BudgetConfig{
			WarningPct: 0.75,
		},
		Agent: AgentConfig{
			MaxIterations: 20,
			ToolTimeoutMs: 120_000,
			LLMTimeoutMs:  60_000,
			Workspace:     filepath.Join(home, ".keeper", "workspace"),
			SessionDir:    filepath.Join(home, ".keeper", "sessions"),
		},
		Memory: MemoryConfig{
			EmbedderName:        "local",
			EmbeddingModel:      "text-embedding-3-small",
			HotWindowSize:       5,
			MaxContextTokens:    100_000,
			RerankMaxCandidates: 20,
			DecayHalfLifeDays:   30,
			FusionMaxClusters:   5,
			ArchivalUtility:     0.1,
			ArchivalMinAgeDays:  14,
		},
		Gardener: GardenerConfig{
			LightTickMs: 300_000,
			DeepTickMs:  4_320_000,
		},
		Proactive: ProactiveConfig{
			CooldownMs:  21_600_000,
			DialBudgets: map[string]int{"conservative": 1, "moderate": 3, "eager": 6},
		},
		Gateway: GatewayConfig{
			Host:            "0.0.0.0",
			Port:            18890,
			MaxMessageChars: 32_000,
			RateLimitRPM:    20,
		},
		Database: DatabaseConfig{
			SQLitePath: filepath.Join(home, ".keeper", "keeper.db"),
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file yields defaults, not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	cfg.applyDefaults()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Secrets live in env only; env values take precedence over file values.
func (c *Config) applyEnvOverrides() {
	for name, spec := range c.Providers {
		key := "KEEPER_" + strings.ToUpper(strings.ReplaceAll(name, "-", "_")) + "_API_KEY"
		if v := os.Getenv(key); v != "" {
			spec.APIKey = v
			c.Providers[name] = spec
		}
	}

	// Well-known providers are usable without a config file entry.
	ensure := func(name, env string) {
		if v := os.Getenv(env); v != "" {
			spec := c.Providers[name]
			if spec.APIKey == "" {
				spec.APIKey = v
			}
			c.Providers[name] = spec
		}
	}
	ensure("anthropic", "KEEPER_ANTHROPIC_API_KEY")
	ensure("openai", "KEEPER_OPENAI_API_KEY")
	ensure("groq", "KEEPER_GROQ_API_KEY")
	ensure("openrouter", "KEEPER_OPENROUTER_API_KEY")

	if v := os.Getenv("KEEPER_POSTGRES_DSN"); v != "" {
		c.Database.PostgresDSN = v
	}
	if v := os.Getenv("KEEPER_GATEWAY_TOKEN"); v != "" {
		c.Gateway.Token = v
	}
	if v := os.Getenv("KEEPER_EMBEDDING_API_KEY"); v != "" {
		c.Memory.EmbeddingAPIKey = v
	}
}

// applyDefaults fills zero values the file may have cleared.
func (c *Config) applyDefaults() {
	if c.Budget.WarningPct <= 0 || c.Budget.WarningPct >= 1 {
		c.Budget.WarningPct = 0.75
	}
	if c.Agent.MaxIterations <= 0 {
		c.Agent.MaxIterations = 20
	}
	if c.Agent.ToolTimeoutMs <= 0 {
		c.Agent.ToolTimeoutMs = 120_000
	}
	if c.Agent.LLMTimeoutMs <= 0 {
		c.Agent.LLMTimeoutMs = 60_000
	}
	if c.Memory.HotWindowSize <= 0 {
		c.Memory.HotWindowSize = 5
	}
	if c.Memory.MaxContextTokens <= 0 {
		c.Memory.MaxContextTokens = 100_000
	}
	if c.Memory.RerankMaxCandidates <= 0 {
		c.Memory.RerankMaxCandidates = 20
	}
	if c.Memory.DecayHalfLifeDays <= 0 {
		c.Memory.DecayHalfLifeDays = 30
	}
	if c.Memory.FusionMaxClusters <= 0 {
		c.Memory.FusionMaxClusters = 5
	}
	if c.Memory.ArchivalUtility <= 0 {
		c.Memory.ArchivalUtility = 0.1
	}
	if c.Memory.ArchivalMinAgeDays <= 0 {
		c.Memory.ArchivalMinAgeDays = 14
	}
	if c.Gardener.LightTickMs <= 0 {
		c.Gardener.LightTickMs = 300_000
	}
	if c.Gardener.DeepTickMs <= 0 {
		c.Gardener.DeepTickMs = 4_320_000
	}
	if c.Proactive.CooldownMs <= 0 {
		c.Proactive.CooldownMs = 21_600_000
	}
	if len(c.Proactive.DialBudgets) == 0 {
		c.Proactive.DialBudgets = map[string]int{"conservative": 1, "moderate": 3, "eager": 6}
	}
}

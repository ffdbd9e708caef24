package config

import (
	"sync"
)

// Config is the root configuration for the Keeper runtime.
type Config struct {
	Providers ProvidersConfig `json:"providers"`
	Router    RouterConfig    `json:"router"`
	Budget    BudgetConfig    `json:"budget"`
	Agent     AgentConfig     `json:"agent"`
	Memory    MemoryConfig    `json:"memory"`
	Gardener  GardenerConfig  `json:"gardener"`
	Proactive ProactiveConfig `json:"proactive"`
	Gateway   GatewayConfig   `json:"gateway"`
	Database  DatabaseConfig  `json:"database,omitempty"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`

	// MCP maps server name → connection settings. Tools discovered on
	// these servers are bridged into the agent's registry.
	MCP map[string]*MCPServerConfig `json:"mcp,omitempty"`

	mu sync.RWMutex
}

// ProvidersConfig maps provider name → settings.
type ProvidersConfig map[string]ProviderSpec

// ProviderSpec configures one LLM backend.
// APIKey is never persisted to the config file — env only
// (KEEPER_<NAME>_API_KEY).
type ProviderSpec struct {
	APIKey  string   `json:"-"`
	BaseURL string   `json:"base_url,omitempty"`
	Models  []string `json:"models,omitempty"`
}

// RouterConfig holds per-tier candidate model lists.
// Each entry is "provider/model", cheapest capable first.
type RouterConfig struct {
	Tiers TierModels `json:"tiers"`
}

// TierModels lists candidate models per complexity tier.
type TierModels struct {
	Trivial  []string `json:"trivial,omitempty"`
	Simple   []string `json:"simple,omitempty"`
	Moderate []string `json:"moderate,omitempty"`
	Complex  []string `json:"complex,omitempty"`
}

// BudgetConfig caps LLM spend. Zero limits mean unlimited.
type BudgetConfig struct {
	DailyLimit   float64 `json:"daily_limit,omitempty"`   // USD
	MonthlyLimit float64 `json:"monthly_limit,omitempty"` // USD
	WarningPct   float64 `json:"warning_pct,omitempty"`   // default 0.75
}

// AgentConfig configures the tool-use loop.
type AgentConfig struct {
	MaxIterations int    `json:"max_iterations,omitempty"`  // default 20
	ToolTimeoutMs int    `json:"tool_timeout_ms,omitempty"` // default 120000
	LLMTimeoutMs  int    `json:"llm_timeout_ms,omitempty"`  // default 60000
	Workspace     string `json:"workspace,omitempty"`
	SessionDir    string `json:"session_dir,omitempty"`
}

// MemoryConfig configures the hybrid memory store.
type MemoryConfig struct {
	EmbedderName        string  `json:"embedder_name,omitempty"`     // "openai", "local" (default "local")
	EmbeddingModel      string  `json:"embedding_model,omitempty"`   // default "text-embedding-3-small"
	EmbeddingAPIBase    string  `json:"embedding_api_base,omitempty"`
	EmbeddingAPIKey     string  `json:"-"` // env KEEPER_EMBEDDING_API_KEY only
	HotWindowSize       int     `json:"hot_window_size,omitempty"`        // default 5
	MaxContextTokens    int     `json:"max_context_tokens,omitempty"`     // default 100000
	RerankMaxCandidates int     `json:"rerank_max_candidates,omitempty"`  // default 20
	RerankModel         string  `json:"rerank_model,omitempty"`           // cheap model "provider/model"
	DecayHalfLifeDays   float64 `json:"decay_half_life_days,omitempty"`   // default 30
	FusionMaxClusters   int     `json:"fusion_max_clusters,omitempty"`    // default 5 per run
	ArchivalUtility     float64 `json:"archival_utility_threshold,omitempty"` // default 0.1
	ArchivalMinAgeDays  int     `json:"archival_min_age_days,omitempty"`  // default 14
	ActivationNoise     float64 `json:"activation_noise,omitempty"`       // graph spread σ, 0 = deterministic
}

// GardenerConfig configures the background consolidation driver.
type GardenerConfig struct {
	LightTickMs     int  `json:"light_tick_ms,omitempty"` // default 300000 (~5 min)
	DeepTickMs      int  `json:"deep_tick_ms,omitempty"`  // default 4320000 (~70 min)
	DisableArchival bool `json:"disable_archival,omitempty"`
}

// ProactiveConfig configures the proactive evaluator.
type ProactiveConfig struct {
	CooldownMs  int            `json:"cooldown_ms,omitempty"` // default 21600000 (6 h)
	DialBudgets map[string]int `json:"dial_budgets,omitempty"`
	QuietHours  *QuietHours    `json:"quiet_hours,omitempty"`
	TriageModel string         `json:"triage_model,omitempty"` // "provider/model"
}

// QuietHours suppresses proactive sends inside a local-time window.
type QuietHours struct {
	Start int `json:"start"` // hour-of-day inclusive
	End   int `json:"end"`   // hour-of-day exclusive
}

// GatewayConfig configures the WebSocket/HTTP boundary.
type GatewayConfig struct {
	Host            string `json:"host,omitempty"`
	Port            int    `json:"port,omitempty"`
	Token           string `json:"-"` // env KEEPER_GATEWAY_TOKEN only
	MaxMessageChars int    `json:"max_message_chars,omitempty"`
	RateLimitRPM    int    `json:"rate_limit_rpm,omitempty"`
}

// DatabaseConfig selects the persistence backend.
// PostgresDSN is NEVER read from the config file (secret) — env
// KEEPER_POSTGRES_DSN only. Empty DSN means SQLite standalone mode.
type DatabaseConfig struct {
	PostgresDSN string `json:"-"`
	SQLitePath  string `json:"sqlite_path,omitempty"` // default ~/.keeper/keeper.db
}

// IsManagedMode reports whether sessions persist to Postgres.
func (c *Config) IsManagedMode() bool {
	return c.Database.PostgresDSN != ""
}

// MCPServerConfig describes one MCP server connection. stdio runs
// Command as a subprocess; sse and streamable-http dial URL.
type MCPServerConfig struct {
	Transport  string            `json:"transport"` // "stdio", "sse", "streamable-http"
	Command    string            `json:"command,omitempty"`
	Args       []string          `json:"args,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	URL        string            `json:"url,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	ToolPrefix string            `json:"tool_prefix,omitempty"` // prepended to every bridged tool name
	TimeoutSec int               `json:"timeout_sec,omitempty"` // per-call, default 60
	Disabled   bool              `json:"disabled,omitempty"`
}

// TelemetryConfig configures OpenTelemetry export for traces and spans.
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`
	Endpoint    string            `json:"endpoint,omitempty"` // e.g. "localhost:4317"
	Protocol    string            `json:"protocol,omitempty"` // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`
	ServiceName string            `json:"service_name,omitempty"` // default "keeper"
	Headers     map[string]string `json:"headers,omitempty"`
}

// ReplaceFrom copies all data fields from src into c, preserving c's mutex.
// Used by the hot-reload watcher so existing references keep working.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Providers = src.Providers
	c.Router = src.Router
	c.Budget = src.Budget
	c.Agent = src.Agent
	c.Memory = src.Memory
	c.Gardener = src.Gardener
	c.Proactive = src.Proactive
	c.Gateway = src.Gateway
	c.Database = src.Database
	c.Telemetry = src.Telemetry
	c.MCP = src.MCP
}

// TierList returns the candidate model list for a tier name.
func (t TierModels) TierList(tier string) []string {
	switch tier {
	case "trivial":
		return t.Trivial
	case "simple":
		return t.Simple
	case "moderate":
		return t.Moderate
	case "complex":
		return t.Complex
	}
	return nil
}

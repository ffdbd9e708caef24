package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"

	"github.com/nextlevelbuilder/keeper/internal/agent"
	"github.com/nextlevelbuilder/keeper/internal/behavior"
	"github.com/nextlevelbuilder/keeper/internal/bus"
	"github.com/nextlevelbuilder/keeper/internal/channels"
	"github.com/nextlevelbuilder/keeper/internal/config"
	"github.com/nextlevelbuilder/keeper/internal/gardener"
	"github.com/nextlevelbuilder/keeper/internal/goals"
	"github.com/nextlevelbuilder/keeper/internal/mcp"
	"github.com/nextlevelbuilder/keeper/internal/memory"
	"github.com/nextlevelbuilder/keeper/internal/proactive"
	"github.com/nextlevelbuilder/keeper/internal/providers"
	"github.com/nextlevelbuilder/keeper/internal/router"
	"github.com/nextlevelbuilder/keeper/internal/schedule"
	"github.com/nextlevelbuilder/keeper/internal/sessions"
	"github.com/nextlevelbuilder/keeper/internal/sessions/pg"
	"github.com/nextlevelbuilder/keeper/internal/tools"
	"github.com/nextlevelbuilder/keeper/internal/usage"
)

// runtime holds every wired component. serve runs all of it; chat runs
// the agent path plus the dispatcher.
type runtime struct {
	cfg  *config.Config
	db   *sql.DB
	pgDB *sql.DB // nil in standalone mode

	pool     *providers.Pool
	pricing  *usage.PriceTable
	ledger   *usage.Ledger
	router   *router.Router
	memstore *memory.Store
	sessions sessions.Store
	queue    *schedule.Queue
	tools    *tools.Registry
	mcp      *mcp.Manager
	builder  *agent.ContextBuilder
	agent    *agent.Agent

	behavior   *behavior.Store
	goals      *goals.Store
	gardener   *gardener.Gardener
	channels   *channels.Registry
	dispatcher *channels.Dispatcher
	bus        *bus.MessageBus
}

// buildRuntime wires the full component graph on an already-opened and
// migrated SQLite handle.
func buildRuntime(cfg *config.Config, db *sql.DB) (*runtime, error) {
	rt := &runtime{cfg: cfg, db: db}

	rt.pool = providers.NewPool(nil)
	registerProviders(rt.pool, cfg)

	rt.pricing = usage.NewPriceTable(nil)
	ledger, err := usage.NewLedger(db, rt.pricing, usage.Config{
		DailyLimit:   cfg.Budget.DailyLimit,
		MonthlyLimit: cfg.Budget.MonthlyLimit,
		WarningPct:   cfg.Budget.WarningPct,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("init ledger: %w", err)
	}
	rt.ledger = ledger
	rt.router = router.New(cfg, rt.pool, ledger, rt.pricing)

	embedder := buildEmbedder(cfg)
	rt.memstore = memory.NewStore(db, embedder, cfg.Memory, nil)
	if llm, model, ok := rt.cheapCompleter(cfg.Memory.RerankModel); ok {
		rt.memstore.SetLLM(llm, model)
	}

	if cfg.IsManagedMode() {
		pgDB, err := pg.OpenDB(cfg.Database.PostgresDSN)
		if err != nil {
			return nil, err
		}
		rt.pgDB = pgDB
		rt.sessions = pg.NewStore(pgDB, nil)
		slog.Info("sessions: managed mode (postgres)")
	} else {
		rt.sessions = sessions.NewSQLiteStore(db, nil)
	}

	rt.queue = schedule.NewQueue(db, nil)

	estimator := agent.NewTokenEstimator()
	rt.builder = agent.NewContextBuilder(rt.memstore, estimator,
		cfg.Memory.HotWindowSize, cfg.Memory.MaxContextTokens)
	if llm, model, ok := rt.cheapCompleter(cfg.Memory.RerankModel); ok {
		rt.builder.SetCompressor(llm, model)
	}

	workspace := cfg.Agent.Workspace
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	reg := tools.NewRegistry()
	reg.Register(tools.NewReadFileTool(workspace, true))
	reg.Register(tools.NewWriteFileTool(workspace, true))
	reg.Register(tools.NewListDirTool(workspace, true))
	reg.Register(tools.NewExecTool(workspace))
	reg.Register(tools.NewRemindTool(rt.queue, nil))
	reg.Register(tools.NewRememberTool(rt.memstore))
	reg.Register(tools.NewRecallTool(rt.memstore))
	reg.Register(agent.NewRecallTool(rt.builder.Recall()))
	rt.tools = reg
	rt.mcp = mcp.New(reg, cfg.MCP)

	rt.agent = agent.New(cfg, rt.router, rt.pool, rt.sessions, reg, ledger, rt.builder, estimator)

	// Behavior inference and proactive signal scans read the SQLite
	// tables directly; in managed mode they see only local state.
	rt.behavior = behavior.NewStore(db, nil)
	inferrer := behavior.NewInferrer(db, rt.behavior, embedder, nil)
	rt.goals = goals.NewStore(db, nil)

	eval := proactive.New(cfg, db, rt.queue, rt.behavior, rt.goals, nil)
	if llm, model, ok := rt.cheapCompleter(cfg.Proactive.TriageModel); ok {
		eval.SetLLM(llm, model)
	} else {
		slog.Warn("proactive: no triage model available, evaluation will only scan")
	}

	rt.gardener = gardener.New(cfg, rt.memstore, rt.sessions, rt.queue, ledger,
		rt.behavior, inferrer, rt.goals, eval, nil)
	if llm, model, ok := rt.cheapCompleter(cfg.Memory.RerankModel); ok {
		rt.gardener.SetLLM(llm, model)
	}
	rt.gardener.SetReaper(rt.agent)

	rt.channels = channels.NewRegistry()
	rt.channels.Register(channels.NewCLIChannel(os.Stdout))
	rt.dispatcher = channels.NewDispatcher(rt.queue, rt.channels)

	rt.bus = bus.NewMessageBus()
	return rt, nil
}

func buildEmbedder(cfg *config.Config) memory.Embedder {
	if cfg.Memory.EmbedderName == "openai" && cfg.Memory.EmbeddingAPIKey != "" {
		return memory.NewOpenAIEmbedder(cfg.Memory.EmbeddingAPIKey,
			cfg.Memory.EmbeddingAPIBase, cfg.Memory.EmbeddingModel)
	}
	return memory.NewLocalEmbedder()
}

// cheapCompleter resolves the preferred "provider/model" ref, falling
// back through the tier lists until one names a registered provider.
func (rt *runtime) cheapCompleter(preferred string) (memory.Completer, string, bool) {
	refs := make([]string, 0, 8)
	if preferred != "" {
		refs = append(refs, preferred)
	}
	refs = append(refs, rt.cfg.Router.Tiers.Trivial...)
	refs = append(refs, rt.cfg.Router.Tiers.Simple...)
	refs = append(refs, rt.cfg.Router.Tiers.Moderate...)

	for _, ref := range refs {
		provName, model, ok := router.SplitModelRef(ref)
		if !ok {
			continue
		}
		if p := rt.pool.Get(provName); p != nil {
			return p, model, true
		}
	}
	return nil, "", false
}

// handleInbound is the gateway → agent bridge: one live session per
// (channel, user) pair, created on first contact.
func (rt *runtime) handleInbound(ctx context.Context, msg bus.InboundMessage, onProgress bus.ProgressFunc) (string, error) {
	sessionID := sessions.SessionID(msg.Channel, msg.UserID)
	if _, err := rt.sessions.Get(sessionID); err != nil {
		if _, err := rt.sessions.Create(sessions.CreateOptions{
			ID:        sessionID,
			UserID:    msg.UserID,
			ChannelID: msg.Channel,
		}); err != nil {
			return "", fmt.Errorf("create session: %w", err)
		}
	}

	res, err := rt.agent.ProcessMessage(ctx, sessionID, msg.UserID, msg.Content, onProgress, nil)
	if err != nil {
		return "", err
	}
	if res.Queued {
		return "Got it — I'll fold that into the answer I'm working on.", nil
	}
	return res.Response, nil
}

// Close flushes buffered usage records and releases both databases.
func (rt *runtime) Close() {
	rt.mcp.Stop()
	if err := rt.ledger.Flush(); err != nil {
		slog.Warn("ledger flush on shutdown failed", "error", err)
	}
	if rt.pgDB != nil {
		rt.pgDB.Close()
	}
	rt.db.Close()
}

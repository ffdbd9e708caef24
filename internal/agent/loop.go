// Package agent runs the bounded tool-use loop: route, build context,
// call the model, execute tools, persist every turn, repeat until the
// model stops or the iteration budget runs out.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/keeper/internal/bus"
	"github.com/nextlevelbuilder/keeper/internal/config"
	"github.com/nextlevelbuilder/keeper/internal/providers"
	"github.com/nextlevelbuilder/keeper/internal/router"
	"github.com/nextlevelbuilder/keeper/internal/sessions"
	"github.com/nextlevelbuilder/keeper/internal/tools"
	"github.com/nextlevelbuilder/keeper/internal/usage"
)

// ErrIterationLimit means one invocation hit the LLM call budget. The
// session stays usable.
var ErrIterationLimit = errors.New("iteration limit reached")

const defaultMaxTokens = 4096

// Result is the outcome of one processMessage invocation.
type Result struct {
	Response   string          `json:"response"`
	Usage      providers.Usage `json:"usage"`
	Iterations int             `json:"iterations"`
	// Queued means the message was absorbed into an already-running
	// invocation for the same session; its answer arrives there.
	Queued bool `json:"queued,omitempty"`
}

// Agent orchestrates one conversation turn end to end.
type Agent struct {
	cfg       *config.Config
	router    *router.Router
	pool      *providers.Pool
	sessions  sessions.Store
	registry  *tools.Registry
	ledger    *usage.Ledger
	builder   *ContextBuilder
	estimator *TokenEstimator
	system    string

	mu   sync.Mutex
	live map[string]*invocation
}

// invocation is the per-session interrupt queue while a loop is running.
type invocation struct {
	startedAt time.Time

	mu      sync.Mutex
	pending []string
}

func (inv *invocation) enqueue(text string) {
	inv.mu.Lock()
	inv.pending = append(inv.pending, text)
	inv.mu.Unlock()
}

func (inv *invocation) drain() []string {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	out := inv.pending
	inv.pending = nil
	return out
}

func New(cfg *config.Config, rt *router.Router, pool *providers.Pool, sess sessions.Store,
	registry *tools.Registry, ledger *usage.Ledger, builder *ContextBuilder, estimator *TokenEstimator) *Agent {
	return &Agent{
		cfg:       cfg,
		router:    rt,
		pool:      pool,
		sessions:  sess,
		registry:  registry,
		ledger:    ledger,
		builder:   builder,
		estimator: estimator,
		system:    defaultSystemPrompt,
		live:      make(map[string]*invocation),
	}
}

const defaultSystemPrompt = `You are Keeper, a personal assistant with long-term memory.
Be concise and direct. Use tools when they help. Save durable facts about
the user with the remember tool.`

// SetSystemPrompt overrides the base system prompt.
func (a *Agent) SetSystemPrompt(p string) { a.system = p }

// ProcessMessage runs the loop for one user message. A message arriving
// while the same session's loop is running is queued into that loop and
// reported back as Queued.
func (a *Agent) ProcessMessage(ctx context.Context, sessionID, userID, text string,
	onProgress bus.ProgressFunc, shouldStop func() bool) (*Result, error) {

	if onProgress == nil {
		onProgress = func(bus.ProgressUpdate) {}
	}
	if shouldStop == nil {
		shouldStop = func() bool { return false }
	}

	a.mu.Lock()
	if inv, running := a.live[sessionID]; running {
		inv.enqueue(text)
		a.mu.Unlock()
		slog.Debug("agent: message queued into running loop", "session", sessionID)
		return &Result{Queued: true}, nil
	}
	inv := &invocation{startedAt: time.Now()}
	a.live[sessionID] = inv
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		// A reaped entry may already belong to a newer invocation.
		if a.live[sessionID] == inv {
			delete(a.live, sessionID)
		}
		a.mu.Unlock()
	}()

	if _, err := a.sessions.Append(sessionID, providers.TextMessage("user", text)); err != nil {
		return nil, fmt.Errorf("agent: persist user message: %w", err)
	}

	decision, err := a.route(sessionID, text)
	if err != nil {
		return nil, err
	}
	if decision.BudgetWarning {
		onProgress(bus.ProgressUpdate{Kind: bus.ProgressStatus, SessionID: sessionID,
			Text: "budget warning: spend is past the warning threshold"})
	}

	maxIterations := a.cfg.Agent.MaxIterations
	if maxIterations <= 0 {
		maxIterations = 20
	}

	result := &Result{}
	for iter := 1; iter <= maxIterations; iter++ {
		result.Iterations = iter

		// Interrupts land before the next model call so the transcript
		// keeps arrival order.
		for _, queued := range inv.drain() {
			if _, err := a.sessions.Append(sessionID, providers.TextMessage("user", queued)); err != nil {
				return result, fmt.Errorf("agent: persist queued message: %w", err)
			}
		}

		if shouldStop() {
			a.appendNote(sessionID, "(stopped by user)")
			return result, nil
		}

		history, err := a.sessions.History(sessionID)
		if err != nil {
			return result, fmt.Errorf("agent: load history: %w", err)
		}
		systemExtra, msgs := a.builder.Build(ctx, userID, history, text)

		onProgress(bus.ProgressUpdate{Kind: bus.ProgressThinking, SessionID: sessionID})

		resp, err := a.callLLM(ctx, decision, systemExtra, msgs)
		if err != nil {
			// One reroute attempt: the pool may have marked the provider
			// down, letting a sibling serve the retry.
			redecision, rerr := a.route(sessionID, text)
			if rerr == nil && (redecision.Provider != decision.Provider || redecision.Model != decision.Model) {
				decision = redecision
				resp, err = a.callLLM(ctx, decision, systemExtra, msgs)
			}
			if err != nil {
				a.appendNote(sessionID, fmt.Sprintf("(the model call failed: %v)", err))
				return result, fmt.Errorf("agent: llm call: %w", err)
			}
		}

		a.ledger.RecordCompletion(sessionID, decision.Model, string(decision.Tier),
			resp.Usage.InputTokens, resp.Usage.OutputTokens)
		a.calibrate(msgs, resp.Usage.InputTokens)
		result.Usage.Add(resp.Usage)

		if _, err := a.sessions.Append(sessionID, providers.Message{Role: "assistant", Content: resp.Content}); err != nil {
			return result, fmt.Errorf("agent: persist assistant message: %w", err)
		}

		switch resp.StopReason {
		case providers.StopEndTurn:
			result.Response = resp.Text()
			return result, nil

		case providers.StopMaxTokens:
			result.Response = resp.Text()
			a.appendNote(sessionID, "(response truncated: output token limit)")
			return result, nil

		case providers.StopToolUse:
			uses := resp.ToolUses()
			if len(uses) == 0 {
				result.Response = resp.Text()
				return result, nil
			}
			blocks := a.executeTools(ctx, sessionID, uses, onProgress, shouldStop)
			if _, err := a.sessions.Append(sessionID, providers.Message{Role: "tool", Content: blocks}); err != nil {
				return result, fmt.Errorf("agent: persist tool results: %w", err)
			}

		default:
			a.appendNote(sessionID, "(the model returned an error stop reason)")
			return result, fmt.Errorf("agent: model stopped with %q", resp.StopReason)
		}
	}

	a.appendNote(sessionID, fmt.Sprintf("(stopped after %d tool iterations without a final answer)", maxIterations))
	return result, ErrIterationLimit
}

// ReapStuck drops live-loop registrations older than olderThan. Every
// internal timeout bounds a healthy loop well under that, so a survivor
// means a tool ignored its kill signal; the goroutine is leaked, but new
// messages for the session start fresh invocations instead of queueing
// into a loop that will never drain them.
func (a *Agent) ReapStuck(olderThan time.Duration) int {
	cutoff := time.Now().Add(-olderThan)
	a.mu.Lock()
	defer a.mu.Unlock()

	reaped := 0
	for sessionID, inv := range a.live {
		if inv.startedAt.Before(cutoff) {
			delete(a.live, sessionID)
			reaped++
			slog.Warn("agent: reaped stuck loop", "session", sessionID, "age", time.Since(inv.startedAt))
		}
	}
	return reaped
}

func (a *Agent) route(sessionID, text string) (router.Decision, error) {
	recent := a.recentTexts(sessionID)
	decision, err := a.router.Route(text, recent)
	if err != nil {
		return router.Decision{}, fmt.Errorf("agent: route: %w", err)
	}
	slog.Debug("agent: routed", "session", sessionID, "tier", decision.Tier,
		"provider", decision.Provider, "model", decision.Model)
	return decision, nil
}

// recentTexts returns the last few message texts for the classifier.
func (a *Agent) recentTexts(sessionID string) []string {
	page, err := a.sessions.MessagesPaginated(sessionID, 6, 0)
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(page))
	for _, m := range page {
		if t := m.Message.Text(); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func (a *Agent) callLLM(ctx context.Context, decision router.Decision, systemExtra string, msgs []providers.Message) (*providers.CompletionResponse, error) {
	provider := a.pool.Get(decision.Provider)
	if provider == nil {
		return nil, fmt.Errorf("provider %s not registered: %w", decision.Provider, providers.ErrUnavailable)
	}

	timeout := time.Duration(a.cfg.Agent.LLMTimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	llmCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	system := a.system
	if systemExtra != "" {
		system += "\n\n" + systemExtra
	}

	resp, err := provider.Complete(llmCtx, providers.CompletionRequest{
		Model:     decision.Model,
		System:    system,
		Messages:  msgs,
		Tools:     a.registry.Definitions(),
		MaxTokens: defaultMaxTokens,
	})
	if err != nil {
		a.pool.RecordFailure(decision.Provider)
		return nil, err
	}
	a.pool.RecordSuccess(decision.Provider)
	return resp, nil
}

// executeTools runs one batch of tool calls. A batch of only pure tools
// runs concurrently; anything else runs serially in declared order.
// Results come back in declared order either way.
func (a *Agent) executeTools(ctx context.Context, sessionID string, uses []*providers.ToolUse,
	onProgress bus.ProgressFunc, shouldStop func() bool) []providers.Block {

	allPure := true
	for _, u := range uses {
		if !a.registry.IsPure(u.Name) {
			allPure = false
			break
		}
	}

	blocks := make([]providers.Block, len(uses))
	if allPure && len(uses) > 1 {
		var wg sync.WaitGroup
		for i, u := range uses {
			wg.Add(1)
			go func(i int, u *providers.ToolUse) {
				defer wg.Done()
				blocks[i] = a.executeOne(ctx, sessionID, u, onProgress)
			}(i, u)
		}
		wg.Wait()
		return blocks
	}

	for i, u := range uses {
		if shouldStop() {
			blocks[i] = toolResultBlock(u.ID, "skipped: stop requested", true)
			continue
		}
		blocks[i] = a.executeOne(ctx, sessionID, u, onProgress)
	}
	return blocks
}

func (a *Agent) executeOne(ctx context.Context, sessionID string, use *providers.ToolUse, onProgress bus.ProgressFunc) providers.Block {
	onProgress(bus.ProgressUpdate{Kind: bus.ProgressToolStart, SessionID: sessionID, Tool: use.Name, ToolID: use.ID})

	tool, ok := a.registry.Get(use.Name)
	if !ok {
		onProgress(bus.ProgressUpdate{Kind: bus.ProgressToolError, SessionID: sessionID, Tool: use.Name, ToolID: use.ID, Error: "unknown tool"})
		return toolResultBlock(use.ID, fmt.Sprintf("unknown tool %q", use.Name), true)
	}

	timeout := time.Duration(a.cfg.Agent.ToolTimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	toolCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res := tool.Execute(toolCtx, use.Input)
	if toolCtx.Err() == context.DeadlineExceeded {
		onProgress(bus.ProgressUpdate{Kind: bus.ProgressToolError, SessionID: sessionID, Tool: use.Name, ToolID: use.ID, Error: "timeout"})
		return toolResultBlock(use.ID, fmt.Sprintf("tool %s timed out after %s", use.Name, timeout), true)
	}
	if res == nil {
		res = tools.ErrorResult("tool returned no result")
	}
	if res.IsError {
		onProgress(bus.ProgressUpdate{Kind: bus.ProgressToolError, SessionID: sessionID, Tool: use.Name, ToolID: use.ID, Error: res.ForLLM})
	} else {
		onProgress(bus.ProgressUpdate{Kind: bus.ProgressToolComplete, SessionID: sessionID, Tool: use.Name, ToolID: use.ID})
	}

	output := a.builder.truncateOutput(res.ForLLM)
	return toolResultBlock(use.ID, output, res.IsError)
}

func toolResultBlock(id, output string, isError bool) providers.Block {
	return providers.Block{
		Type: providers.BlockToolResult,
		ToolResult: &providers.ToolResult{
			ID:      id,
			Output:  output,
			IsError: isError,
		},
	}
}

// appendNote persists a plain assistant-side note. Failures only log; the
// note is best-effort bookkeeping.
func (a *Agent) appendNote(sessionID, note string) {
	if _, err := a.sessions.Append(sessionID, providers.TextMessage("assistant", note)); err != nil {
		slog.Warn("agent: failed to append note", "session", sessionID, "error", err)
	}
}

// calibrate feeds the observed prompt size back into the estimator.
func (a *Agent) calibrate(msgs []providers.Message, actualInputTokens int) {
	if actualInputTokens <= 0 {
		return
	}
	chars := 0
	for _, m := range msgs {
		for _, b := range m.Content {
			chars += len(b.Text)
			if b.ToolResult != nil {
				chars += len(b.ToolResult.Output)
			}
		}
	}
	a.estimator.Calibrate(chars, actualInputTokens)
}

package pool

import (
	"context"
	"sync"
	"time"

	"github.com/ariaengine/aria/internal/providers"
	"github.com/ariaengine/aria/internal/store"
)

const (
	// DefaultContextLimit bounds the agent's in-memory conversation
	// context (AGENT_CONTEXT_LIMIT). Distinct from a session's
	// context_window, which applies to DB-backed history.
	DefaultContextLimit = 8

	// DefaultContextWindow is the outbound message window when the
	// caller gives none.
	DefaultContextWindow = 50

	maxTaskLabel = 200
	errorAfter   = 3
)

// ProcessOpts tunes one Process call.
type ProcessOpts struct {
	SystemPrompt  string
	Model         string // override; empty = agent default
	Temperature   float64
	MaxTokens     int
	ContextWindow int // outbound window; 0 = DefaultContextWindow
}

// Result is the outcome of one processed message.
type Result struct {
	Content      string               `json:"content"`
	Thinking     string               `json:"thinking,omitempty"`
	ToolCalls    []providers.ToolCall `json:"tool_calls,omitempty"`
	Model        string               `json:"model"`
	TokensInput  int                  `json:"tokens_input"`
	TokensOutput int                  `json:"tokens_output"`
	Cost         float64              `json:"cost"`
	LatencyMS    int64                `json:"latency_ms"`
}

// RuntimeAgent is the transient in-memory handle for one registered
// agent. Status transitions: idle ⇄ busy; busy → error after three
// consecutive failures; error → idle on success; any → disabled on
// terminate.
type RuntimeAgent struct {
	agents   store.AgentStore
	provider providers.Provider

	mu           sync.Mutex
	state        *store.AgentState
	context      []providers.Message
	contextLimit int
	cancel       context.CancelFunc
}

func newRuntimeAgent(state *store.AgentState, agents store.AgentStore, provider providers.Provider, contextLimit int) *RuntimeAgent {
	if contextLimit <= 0 {
		contextLimit = DefaultContextLimit
	}
	return &RuntimeAgent{
		agents:       agents,
		provider:     provider,
		state:        state,
		contextLimit: contextLimit,
	}
}

// State returns a copy of the agent's durable state.
func (ra *RuntimeAgent) State() store.AgentState {
	ra.mu.Lock()
	defer ra.mu.Unlock()
	return *ra.state
}

func (ra *RuntimeAgent) Status() string {
	ra.mu.Lock()
	defer ra.mu.Unlock()
	return ra.state.Status
}

func (ra *RuntimeAgent) Summary() AgentSummary {
	ra.mu.Lock()
	defer ra.mu.Unlock()
	return AgentSummary{
		AgentID:     ra.state.AgentID,
		DisplayName: ra.state.DisplayName,
		FocusType:   ra.state.FocusType,
		Status:      ra.state.Status,
		Score:       ra.state.PheromoneScore,
		Failures:    ra.state.ConsecutiveFailures,
		CurrentTask: ra.state.CurrentTask,
	}
}

// ResetContext drops the in-memory conversation.
func (ra *RuntimeAgent) ResetContext() {
	ra.mu.Lock()
	defer ra.mu.Unlock()
	ra.context = nil
}

func (ra *RuntimeAgent) cancelInFlight() {
	ra.mu.Lock()
	defer ra.mu.Unlock()
	if ra.cancel != nil {
		ra.cancel()
	}
	ra.state.Status = store.AgentDisabled
}

// Process runs one message through the agent: busy transition, context
// append, gateway call, failure bookkeeping.
func (ra *RuntimeAgent) Process(ctx context.Context, message string, opts ProcessOpts) (*Result, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ra.mu.Lock()
	if ra.state.Status == store.AgentDisabled {
		ra.mu.Unlock()
		return nil, store.ErrAgentDisabled
	}
	ra.state.Status = store.AgentBusy
	ra.state.CurrentTask = truncate(message, maxTaskLabel)
	ra.cancel = cancel
	ra.context = append(ra.context, providers.Message{Role: "user", Content: message})
	ra.trimContextLocked()
	outbound := ra.outboundLocked(opts)
	model := opts.Model
	if model == "" {
		model = ra.state.Model
	}
	agentID := ra.state.AgentID
	ra.mu.Unlock()

	_ = ra.agents.UpdateStatus(ctx, agentID, store.AgentBusy, ra.failures())
	_ = ra.agents.UpdateActivity(ctx, agentID, nil, truncate(message, maxTaskLabel))

	start := time.Now()
	resp, err := ra.provider.Complete(ctx, providers.ChatRequest{
		Messages:    outbound,
		Model:       model,
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
	})
	latency := time.Since(start).Milliseconds()

	if err != nil {
		ra.mu.Lock()
		ra.state.ConsecutiveFailures++
		if ra.state.ConsecutiveFailures >= errorAfter {
			ra.state.Status = store.AgentError
		} else {
			ra.state.Status = store.AgentIdle
		}
		ra.state.CurrentTask = ""
		ra.cancel = nil
		status, failures := ra.state.Status, ra.state.ConsecutiveFailures
		ra.mu.Unlock()

		_ = ra.agents.UpdateStatus(context.WithoutCancel(ctx), agentID, status, failures)
		return nil, err
	}

	now := time.Now().UTC()
	ra.mu.Lock()
	ra.context = append(ra.context, providers.Message{
		Role:      "assistant",
		Content:   resp.Content,
		ToolCalls: resp.ToolCalls,
	})
	ra.trimContextLocked()
	ra.state.ConsecutiveFailures = 0
	ra.state.Status = store.AgentIdle
	ra.state.CurrentTask = ""
	ra.state.LastActiveAt = &now
	ra.cancel = nil
	ra.mu.Unlock()

	_ = ra.agents.UpdateStatus(context.WithoutCancel(ctx), agentID, store.AgentIdle, 0)

	res := &Result{
		Content:   resp.Content,
		Thinking:  resp.Thinking,
		ToolCalls: resp.ToolCalls,
		Model:     resp.Model,
		LatencyMS: latency,
	}
	if res.Model == "" {
		res.Model = model
	}
	if resp.Usage != nil {
		res.TokensInput = resp.Usage.PromptTokens
		res.TokensOutput = resp.Usage.CompletionTokens
		res.Cost = resp.Usage.Cost
	} else {
		res.TokensInput = providers.EstimateTokens(message)
		res.TokensOutput = providers.EstimateTokens(resp.Content)
	}
	return res, nil
}

func (ra *RuntimeAgent) failures() int {
	ra.mu.Lock()
	defer ra.mu.Unlock()
	return ra.state.ConsecutiveFailures
}

// outboundLocked builds the message list for the gateway: optional
// system prompt plus the last window entries of the in-memory context.
func (ra *RuntimeAgent) outboundLocked(opts ProcessOpts) []providers.Message {
	window := opts.ContextWindow
	if window <= 0 {
		window = DefaultContextWindow
	}
	hist := ra.context
	if len(hist) > window {
		hist = hist[len(hist)-window:]
	}

	out := make([]providers.Message, 0, len(hist)+1)
	if opts.SystemPrompt != "" {
		out = append(out, providers.Message{Role: "system", Content: opts.SystemPrompt})
	}
	return append(out, hist...)
}

func (ra *RuntimeAgent) trimContextLocked() {
	if len(ra.context) > ra.contextLimit {
		ra.context = ra.context[len(ra.context)-ra.contextLimit:]
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

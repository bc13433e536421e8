// Package engine runs chat turns: context assembly, the LLM call with
// fallback, the tool loop, and persistence. Session CRUD and exports
// live here too.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ariaengine/aria/internal/guard"
	"github.com/ariaengine/aria/internal/providers"
	"github.com/ariaengine/aria/internal/router"
	"github.com/ariaengine/aria/internal/store"
	"github.com/ariaengine/aria/internal/tools"
)

const (
	maxToolIterations = 10
	toolFailureCap    = 3
	dedupWindow       = 5 * time.Second

	// DefaultContextBudget is the token budget handed to the assembler
	// when the model's window is unknown.
	DefaultContextBudget = 16_000
)

// SoulLoader supplies an agent's identity prompt. The second return is
// false when the agent has no soul file.
type SoulLoader interface {
	SystemPrompt(agentID string) (string, bool)
}

// Engine wires the chat turn path together.
type Engine struct {
	stores   *store.Stores
	provider providers.Provider
	router   *router.Router
	tools    *tools.Registry
	guard    *guard.Guard
	souls    SoulLoader // optional
	log      *slog.Logger

	contextBudget int
}

type EngineOption func(*Engine)

func WithSouls(s SoulLoader) EngineOption {
	return func(e *Engine) { e.souls = s }
}

func WithContextBudget(tokens int) EngineOption {
	return func(e *Engine) {
		if tokens > 0 {
			e.contextBudget = tokens
		}
	}
}

func New(stores *store.Stores, provider providers.Provider, rt *router.Router, reg *tools.Registry, g *guard.Guard, log *slog.Logger, opts ...EngineOption) *Engine {
	e := &Engine{
		stores:        stores,
		provider:      provider,
		router:        rt,
		tools:         reg,
		guard:         g,
		log:           log,
		contextBudget: DefaultContextBudget,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// TurnOptions tunes one message turn.
type TurnOptions struct {
	EnableThinking bool
	EnableTools    bool
}

// TurnResult is the outcome of one completed turn.
type TurnResult struct {
	MessageID    uuid.UUID         `json:"message_id"`
	Content      string            `json:"content"`
	Thinking     string            `json:"thinking,omitempty"`
	ToolCalls    []store.ToolCall  `json:"tool_calls,omitempty"`
	ToolResults  map[string]string `json:"tool_results,omitempty"`
	Model        string            `json:"model"`
	TokensInput  int               `json:"tokens_input"`
	TokensOutput int               `json:"tokens_output"`
	Cost         float64           `json:"cost"`
	LatencyMS    int64             `json:"latency_ms"`
	FinishReason string            `json:"finish_reason"`
	Iterations   int               `json:"iterations"`
}

// StreamEvents receives live progress during a streaming turn. Any
// field may be nil.
type StreamEvents struct {
	Content    func(delta string)
	Thinking   func(delta string)
	ToolCall   func(tc providers.ToolCall)
	ToolResult func(res *tools.Result)
}

// SendMessage runs one non-streaming turn.
func (e *Engine) SendMessage(ctx context.Context, sessionID uuid.UUID, content string, opts TurnOptions) (*TurnResult, error) {
	return e.turn(ctx, sessionID, content, opts, nil)
}

// StreamMessage runs one turn delivering chunks through ev as they
// arrive. The turn result is identical to SendMessage's.
func (e *Engine) StreamMessage(ctx context.Context, sessionID uuid.UUID, content string, opts TurnOptions, ev *StreamEvents) (*TurnResult, error) {
	if ev == nil {
		ev = &StreamEvents{}
	}
	return e.turn(ctx, sessionID, content, opts, ev)
}

// turn implements the full message turn. With ev != nil the LLM is
// streamed; otherwise Complete is used.
func (e *Engine) turn(ctx context.Context, sessionID uuid.UUID, content string, opts TurnOptions, ev *StreamEvents) (*TurnResult, error) {
	// Turns on one session are strictly serialized. Two connections to
	// the same session cannot interleave writes or deadlock the counter
	// update.
	unlock := e.guard.LockSession(sessionID)
	defer unlock()

	sess, err := e.stores.Sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status == store.SessionEnded {
		return nil, store.ErrSessionEnded
	}

	clean, err := e.guard.CheckMessage(ctx, sessionID, sess.AgentID, "user", content)
	if err != nil {
		return nil, err
	}

	dup, err := e.stores.Sessions.HasRecentDuplicate(ctx, sessionID, "user", clean, dedupWindow)
	if err != nil {
		return nil, err
	}
	if dup {
		return nil, store.ErrDuplicate
	}

	userMsg := &store.Message{SessionID: sessionID, Role: "user", Content: clean}
	if err := e.stores.Sessions.AddMessage(ctx, userMsg); err != nil {
		return nil, fmt.Errorf("persist user message: %w", err)
	}
	persisted := 1

	agent, err := e.stores.Agents.GetAgent(ctx, sess.AgentID)
	if err != nil && !errors.Is(err, store.ErrAgentNotFound) {
		return nil, err
	}

	chain := e.modelChain(ctx, sess, agent)
	systemPrompt := e.systemPrompt(sess, agent)

	var defs []providers.ToolDefinition
	if opts.EnableTools && e.tools != nil {
		var allow []string
		if agent != nil {
			allow = agent.Skills
		}
		defs = e.tools.Definitions(allow)
	}

	outbound, err := e.assembleOutbound(ctx, sess, systemPrompt)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	res := &TurnResult{ToolResults: make(map[string]string)}
	toolFailures := make(map[string]int)
	var lastMsgID uuid.UUID

	for res.Iterations < maxToolIterations {
		res.Iterations++

		resp, model, err := e.callWithFallback(ctx, chain, providers.ChatRequest{
			Messages:       outbound,
			Tools:          defs,
			Temperature:    sess.Temperature,
			MaxTokens:      sess.MaxTokens,
			EnableThinking: opts.EnableThinking,
		}, ev)
		if err != nil {
			return nil, err
		}

		res.Model = model
		res.Content = resp.Content
		res.Thinking = resp.Thinking
		res.FinishReason = resp.FinishReason
		if resp.Usage != nil {
			res.TokensInput += resp.Usage.PromptTokens
			res.TokensOutput += resp.Usage.CompletionTokens
			res.Cost += resp.Usage.Cost
		}

		if resp.FinishReason != "tool_calls" || len(resp.ToolCalls) == 0 {
			// Final answer: persist and stop.
			final := &store.Message{
				SessionID:    sessionID,
				Role:         "assistant",
				Content:      resp.Content,
				Thinking:     resp.Thinking,
				Model:        model,
				TokensInput:  usageIn(resp),
				TokensOutput: usageOut(resp),
				Cost:         usageCost(resp),
				LatencyMS:    time.Since(start).Milliseconds(),
			}
			if err := e.stores.Sessions.AddMessage(ctx, final); err != nil {
				return nil, fmt.Errorf("persist assistant message: %w", err)
			}
			persisted++
			lastMsgID = final.ID
			break
		}

		// Persist the intermediate assistant message before running any
		// tool, so results are never orphaned by a mid-loop crash.
		calls := toStoreCalls(resp.ToolCalls)
		res.ToolCalls = append(res.ToolCalls, calls...)
		interim := &store.Message{
			SessionID: sessionID,
			Role:      "assistant",
			Content:   resp.Content,
			Thinking:  resp.Thinking,
			ToolCalls: calls,
			Model:     model,
		}
		if err := e.stores.Sessions.AddMessage(ctx, interim); err != nil {
			return nil, fmt.Errorf("persist assistant tool message: %w", err)
		}
		persisted++
		lastMsgID = interim.ID
		outbound = append(outbound, providers.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		for _, tc := range resp.ToolCalls {
			if ev != nil && ev.ToolCall != nil {
				ev.ToolCall(tc)
			}
			var result *tools.Result
			if toolFailures[tc.Name] >= toolFailureCap {
				result = refusalResult(tc)
			} else {
				result = e.tools.Execute(ctx, tc)
				if !result.Success {
					toolFailures[tc.Name]++
				}
			}
			res.ToolResults[tc.ID] = result.Content

			toolMsg := &store.Message{
				SessionID:  sessionID,
				Role:       "tool",
				Content:    result.Content,
				ToolCallID: tc.ID,
				LatencyMS:  result.DurationMS,
			}
			if err := e.stores.Sessions.AddMessage(ctx, toolMsg); err != nil {
				return nil, fmt.Errorf("persist tool message: %w", err)
			}
			persisted++
			outbound = append(outbound, providers.Message{
				Role:       "tool",
				Content:    result.Content,
				ToolCallID: tc.ID,
			})
			if ev != nil && ev.ToolResult != nil {
				ev.ToolResult(result)
			}
		}
	}
	res.MessageID = lastMsgID
	res.LatencyMS = time.Since(start).Milliseconds()

	// Counters go in their own transaction: a deadlock here must never
	// roll back the persisted messages.
	if err := e.stores.Sessions.BumpCounters(ctx, sessionID, store.CounterUpdate{
		Messages: persisted,
		Tokens:   int64(res.TokensInput + res.TokensOutput),
		Cost:     res.Cost,
	}); err != nil {
		e.log.Warn("counter update failed", "session_id", sessionID, "error", err)
	}

	e.maybeAutoTitle(ctx, sess, clean)

	if e.router != nil {
		if err := e.router.UpdateScores(ctx, sess.AgentID, true, res.LatencyMS, res.Cost); err != nil {
			e.log.Warn("score update failed", "agent_id", sess.AgentID, "error", err)
		}
	}
	return res, nil
}

// assembleOutbound loads the session history (the just-persisted user
// message included), fits it to the token budget and repairs tool
// ordering.
func (e *Engine) assembleOutbound(ctx context.Context, sess *store.Session, systemPrompt string) ([]providers.Message, error) {
	window := sess.ContextWindow
	if window <= 0 {
		window = 50
	}
	history, err := e.stores.Sessions.GetMessages(ctx, sess.ID, window)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	reserve := sess.MaxTokens
	assembled := Assemble(history, e.contextBudget, reserve)

	out := make([]providers.Message, 0, len(assembled)+1)
	if systemPrompt != "" {
		out = append(out, providers.Message{Role: "system", Content: systemPrompt})
	}
	for _, m := range assembled {
		out = append(out, toWire(m))
	}
	return CleanToolSequence(out), nil
}

// modelChain is the ordered model list for this turn: the session's
// override first, then the router's fallback chain for the agent.
func (e *Engine) modelChain(ctx context.Context, sess *store.Session, agent *store.AgentState) []router.Fallback {
	var chain []router.Fallback
	if sess.Model != "" {
		chain = append(chain, router.Fallback{AgentID: sess.AgentID, Model: sess.Model})
	}
	if e.router != nil {
		fb, err := e.router.FallbackChain(ctx, sess.AgentID)
		if err != nil {
			e.log.Warn("fallback chain unavailable", "agent_id", sess.AgentID, "error", err)
		}
		for _, f := range fb {
			if sess.Model != "" && f.Model == sess.Model {
				continue
			}
			chain = append(chain, f)
		}
	}
	if len(chain) == 0 && agent != nil && agent.Model != "" {
		chain = append(chain, router.Fallback{AgentID: agent.AgentID, Model: agent.Model})
	}
	if len(chain) == 0 {
		chain = append(chain, router.Fallback{AgentID: sess.AgentID})
	}
	return chain
}

func (e *Engine) systemPrompt(sess *store.Session, agent *store.AgentState) string {
	if sess.SystemPrompt != "" {
		return sess.SystemPrompt
	}
	if e.souls != nil && agent != nil {
		if prompt, ok := e.souls.SystemPrompt(agent.AgentID); ok {
			return prompt
		}
	}
	return ""
}

// callWithFallback tries each model in the chain until one answers.
// With ev != nil the call streams; a stream that finishes on tool_calls
// without structured calls is retried with Complete to recover them.
func (e *Engine) callWithFallback(ctx context.Context, chain []router.Fallback, req providers.ChatRequest, ev *StreamEvents) (*providers.ChatResponse, string, error) {
	var lastErr error
	for _, fb := range chain {
		req.Model = fb.Model

		var resp *providers.ChatResponse
		var err error
		if ev != nil {
			resp, err = e.provider.Stream(ctx, req, func(c providers.StreamChunk) {
				if c.Content != "" && ev.Content != nil {
					ev.Content(c.Content)
				}
				if c.Thinking != "" && ev.Thinking != nil {
					ev.Thinking(c.Thinking)
				}
			})
			if err == nil && resp.FinishReason == "tool_calls" && len(resp.ToolCalls) == 0 {
				resp, err = e.provider.Complete(ctx, req)
			}
		} else {
			resp, err = e.provider.Complete(ctx, req)
		}
		if err == nil {
			return resp, fb.Model, nil
		}
		lastErr = err
		e.log.Warn("llm call failed, trying fallback",
			"model", fb.Model, "agent_id", fb.AgentID, "error", err)
		if ctx.Err() != nil {
			break
		}
	}
	if lastErr == nil {
		lastErr = errors.New("no model available")
	}
	return nil, "", fmt.Errorf("llm chain exhausted: %w", errors.Join(store.ErrLLMUnavailable, lastErr))
}

func refusalResult(tc providers.ToolCall) *tools.Result {
	return &tools.Result{
		ToolCallID: tc.ID,
		Name:       tc.Name,
		Content:    fmt.Sprintf(`{"error":"tool %s failed %d times this turn and is blocked; do not call it again"}`, tc.Name, toolFailureCap),
		Success:    false,
	}
}

func toStoreCalls(calls []providers.ToolCall) []store.ToolCall {
	out := make([]store.ToolCall, 0, len(calls))
	for _, tc := range calls {
		out = append(out, store.ToolCall{ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments})
	}
	return out
}

func usageIn(r *providers.ChatResponse) int {
	if r.Usage != nil {
		return r.Usage.PromptTokens
	}
	return 0
}

func usageOut(r *providers.ChatResponse) int {
	if r.Usage != nil {
		return r.Usage.CompletionTokens
	}
	return providers.EstimateTokens(r.Content)
}

func usageCost(r *providers.ChatResponse) float64 {
	if r.Usage != nil {
		return r.Usage.Cost
	}
	return 0
}

// Package providers adapts the external LLM gateway (a LiteLLM proxy or
// any OpenAI-compatible endpoint) behind a small interface: a blocking
// Complete and a chunked Stream. Model aliases resolve through a YAML
// catalog; a per-gateway circuit breaker sheds load after repeated
// failures.
package providers

import "context"

// Provider is the LLM gateway contract the engine depends on.
type Provider interface {
	// Complete sends messages and blocks for the full response.
	Complete(ctx context.Context, req ChatRequest) (*ChatResponse, error)

	// Stream sends messages and delivers chunks via onChunk as they
	// arrive, returning the assembled final response.
	Stream(ctx context.Context, req ChatRequest, onChunk func(StreamChunk)) (*ChatResponse, error)

	// Healthy reports whether the gateway answered its last health probe.
	Healthy(ctx context.Context) bool

	// Name identifies the gateway ("litellm").
	Name() string
}

// ChatRequest is the input for a Complete/Stream call.
type ChatRequest struct {
	Messages       []Message        `json:"messages"`
	Tools          []ToolDefinition `json:"tools,omitempty"`
	Model          string           `json:"model,omitempty"` // alias or provider model string
	Temperature    float64          `json:"temperature,omitempty"`
	MaxTokens      int              `json:"max_tokens,omitempty"`
	EnableThinking bool             `json:"enable_thinking,omitempty"`
}

// ChatResponse is the result from an LLM call. Thinking is present when
// the model exposed reasoning, either via reasoning_content or inline
// <think> tags (stripped from Content).
type ChatResponse struct {
	Content      string     `json:"content"`
	Thinking     string     `json:"thinking,omitempty"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	FinishReason string     `json:"finish_reason"` // "stop", "tool_calls", "length"
	Model        string     `json:"model,omitempty"`
	Usage        *Usage     `json:"usage,omitempty"`
}

// StreamChunk is one piece of a streaming response.
type StreamChunk struct {
	Content  string `json:"content,omitempty"`
	Thinking string `json:"thinking,omitempty"`
	Done     bool   `json:"done,omitempty"`
}

// Message is one conversation turn on the wire.
type Message struct {
	Role       string     `json:"role"` // system | user | assistant | tool
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"` // for role "tool"
}

// ToolCall is a tool invocation requested by the model. Arguments stays
// a raw JSON string; the tool registry parses it at dispatch time.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolDefinition is an OpenAI-style function tool schema.
type ToolDefinition struct {
	Type     string             `json:"type"` // "function"
	Function ToolFunctionSchema `json:"function"`
}

// ToolFunctionSchema describes one callable function.
type ToolFunctionSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Usage tracks token consumption for one call.
type Usage struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	Cost             float64 `json:"cost,omitempty"` // from x-litellm-response-cost when present
}

// EstimateTokens approximates the token count of a text when the gateway
// offers no counter: ceil(len/4), minimum 1.
func EstimateTokens(content string) int {
	n := (len(content) + 3) / 4
	if n < 1 {
		return 1
	}
	return n
}

package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// LiteLLM is the Provider implementation over a LiteLLM proxy (or any
// OpenAI-compatible endpoint). One instance carries one circuit breaker.
type LiteLLM struct {
	baseURL   string
	masterKey string
	catalog   *Catalog
	client    *http.Client
	breaker   breaker
	healthy   atomic.Bool
}

// NewLiteLLM builds a gateway client. baseURL comes from
// LITELLM_BASE_URL, masterKey from LITELLM_MASTER_KEY.
func NewLiteLLM(baseURL, masterKey string, catalog *Catalog) *LiteLLM {
	if catalog == nil {
		catalog = &Catalog{models: map[string]string{}, chain: defaultChain}
	}
	l := &LiteLLM{
		baseURL:   strings.TrimRight(baseURL, "/"),
		masterKey: masterKey,
		catalog:   catalog,
		client:    &http.Client{Timeout: 120 * time.Second},
	}
	l.healthy.Store(true)
	return l
}

func (l *LiteLLM) Name() string { return "litellm" }

// Catalog exposes the model catalog for fallback-chain resolution.
func (l *LiteLLM) Catalog() *Catalog { return l.catalog }

// Healthy probes GET /health with a short deadline and caches the
// outcome for the heartbeat subsystem.
func (l *LiteLLM) Healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.baseURL+"/health", nil)
	if err != nil {
		return l.healthy.Load()
	}
	if l.masterKey != "" {
		req.Header.Set("Authorization", "Bearer "+l.masterKey)
	}
	resp, err := l.client.Do(req)
	if err != nil {
		l.healthy.Store(false)
		return false
	}
	resp.Body.Close()
	ok := resp.StatusCode < 500
	l.healthy.Store(ok)
	return ok
}

// Complete sends the request and blocks for the full response.
func (l *LiteLLM) Complete(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	now := time.Now()
	if err := l.breaker.Allow(now); err != nil {
		return nil, err
	}

	respBody, err := l.doRequest(ctx, req, false)
	if err != nil {
		l.breaker.RecordFailure(time.Now())
		return nil, err
	}
	defer respBody.Close()

	var wire wireResponse
	if err := json.NewDecoder(respBody).Decode(&wire); err != nil {
		l.breaker.RecordFailure(time.Now())
		return nil, fmt.Errorf("litellm: decode response: %w", err)
	}

	l.breaker.RecordSuccess()
	return parseWireResponse(&wire), nil
}

// Stream sends the request and forwards SSE deltas through onChunk,
// returning the assembled response. Tool-call fragments are accumulated
// by index and joined when the stream ends.
func (l *LiteLLM) Stream(ctx context.Context, req ChatRequest, onChunk func(StreamChunk)) (*ChatResponse, error) {
	now := time.Now()
	if err := l.breaker.Allow(now); err != nil {
		return nil, err
	}

	respBody, err := l.doRequest(ctx, req, true)
	if err != nil {
		l.breaker.RecordFailure(time.Now())
		return nil, err
	}
	defer respBody.Close()

	result := &ChatResponse{FinishReason: "stop"}
	type accumulator struct {
		id, name, args string
	}
	accs := make(map[int]*accumulator)

	scanner := bufio.NewScanner(respBody)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var chunk wireStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if chunk.Model != "" {
			result.Model = chunk.Model
		}
		if chunk.Usage != nil {
			result.Usage = chunk.Usage.toUsage()
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		choice := chunk.Choices[0]
		if choice.Delta.ReasoningContent != "" {
			result.Thinking += choice.Delta.ReasoningContent
			if onChunk != nil {
				onChunk(StreamChunk{Thinking: choice.Delta.ReasoningContent})
			}
		}
		if choice.Delta.Content != "" {
			result.Content += choice.Delta.Content
			if onChunk != nil {
				onChunk(StreamChunk{Content: choice.Delta.Content})
			}
		}
		for _, tc := range choice.Delta.ToolCalls {
			acc, ok := accs[tc.Index]
			if !ok {
				acc = &accumulator{}
				accs[tc.Index] = acc
			}
			if tc.ID != "" {
				acc.id = tc.ID
			}
			if tc.Function.Name != "" {
				acc.name = strings.TrimSpace(tc.Function.Name)
			}
			acc.args += tc.Function.Arguments
		}
		if choice.FinishReason != "" {
			result.FinishReason = choice.FinishReason
		}
	}
	if err := scanner.Err(); err != nil {
		l.breaker.RecordFailure(time.Now())
		return nil, fmt.Errorf("litellm: stream read: %w", err)
	}

	for i := 0; i < len(accs); i++ {
		acc, ok := accs[i]
		if !ok {
			continue
		}
		result.ToolCalls = append(result.ToolCalls, ToolCall{
			ID:        acc.id,
			Name:      acc.name,
			Arguments: acc.args,
		})
	}
	if len(result.ToolCalls) > 0 {
		result.FinishReason = "tool_calls"
	}

	// Inline <think> reasoning ends up in Content for models that don't
	// use reasoning_content; move it over.
	if result.Thinking == "" {
		if clean, thinking := ExtractThinking(result.Content); thinking != "" {
			result.Content, result.Thinking = clean, thinking
		}
	}

	if onChunk != nil {
		onChunk(StreamChunk{Done: true})
	}

	l.breaker.RecordSuccess()
	return result, nil
}

func (l *LiteLLM) doRequest(ctx context.Context, req ChatRequest, stream bool) (io.ReadCloser, error) {
	data, err := json.Marshal(l.buildRequestBody(req, stream))
	if err != nil {
		return nil, fmt.Errorf("litellm: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, l.baseURL+"/chat/completions", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("litellm: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if l.masterKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+l.masterKey)
	}

	resp, err := l.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("litellm: request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, fmt.Errorf("litellm: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	return resp.Body, nil
}

func (l *LiteLLM) buildRequestBody(req ChatRequest, stream bool) map[string]any {
	msgs := make([]map[string]any, 0, len(req.Messages))
	for _, m := range req.Messages {
		msg := map[string]any{"role": m.Role}
		// Empty content on assistant tool-call messages is omitted; some
		// upstreams reject it.
		if m.Content != "" || len(m.ToolCalls) == 0 {
			msg["content"] = m.Content
		}
		if len(m.ToolCalls) > 0 {
			calls := make([]map[string]any, len(m.ToolCalls))
			for i, tc := range m.ToolCalls {
				calls[i] = map[string]any{
					"id":   tc.ID,
					"type": "function",
					"function": map[string]any{
						"name":      tc.Name,
						"arguments": tc.Arguments,
					},
				}
			}
			msg["tool_calls"] = calls
		}
		if m.ToolCallID != "" {
			msg["tool_call_id"] = m.ToolCallID
		}
		msgs = append(msgs, msg)
	}

	body := map[string]any{
		"model":    l.catalog.Resolve(req.Model),
		"messages": msgs,
		"stream":   stream,
	}
	if len(req.Tools) > 0 {
		body["tools"] = req.Tools
		body["tool_choice"] = "auto"
	}
	if stream {
		body["stream_options"] = map[string]any{"include_usage": true}
	}
	if req.MaxTokens > 0 {
		body["max_tokens"] = req.MaxTokens
	}
	if req.Temperature > 0 {
		body["temperature"] = req.Temperature
	}
	if req.EnableThinking {
		body["reasoning_effort"] = "medium"
	}
	return body
}

// --- wire types (OpenAI chat completions shape) ---

type wireResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content          string `json:"content"`
			ReasoningContent string `json:"reasoning_content"`
			ToolCalls        []struct {
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *wireUsage `json:"usage"`
}

type wireStreamChunk struct {
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content          string `json:"content"`
			ReasoningContent string `json:"reasoning_content"`
			ToolCalls        []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *wireUsage `json:"usage"`
}

type wireUsage struct {
	PromptTokens     int             `json:"prompt_tokens"`
	CompletionTokens int             `json:"completion_tokens"`
	TotalTokens      int             `json:"total_tokens"`
	Cost             json.RawMessage `json:"cost"` // LiteLLM extension, number or absent
}

func (u *wireUsage) toUsage() *Usage {
	out := &Usage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
	}
	if len(u.Cost) > 0 {
		if v, err := strconv.ParseFloat(string(u.Cost), 64); err == nil {
			out.Cost = v
		}
	}
	return out
}

func parseWireResponse(wire *wireResponse) *ChatResponse {
	result := &ChatResponse{FinishReason: "stop", Model: wire.Model}
	if len(wire.Choices) > 0 {
		choice := wire.Choices[0]
		result.Content = choice.Message.Content
		result.Thinking = choice.Message.ReasoningContent
		if choice.FinishReason != "" {
			result.FinishReason = choice.FinishReason
		}
		for _, tc := range choice.Message.ToolCalls {
			result.ToolCalls = append(result.ToolCalls, ToolCall{
				ID:        tc.ID,
				Name:      strings.TrimSpace(tc.Function.Name),
				Arguments: tc.Function.Arguments,
			})
		}
		if len(result.ToolCalls) > 0 {
			result.FinishReason = "tool_calls"
		}
	}
	if wire.Usage != nil {
		result.Usage = wire.Usage.toUsage()
	}
	if result.Thinking == "" {
		if clean, thinking := ExtractThinking(result.Content); thinking != "" {
			result.Content, result.Thinking = clean, thinking
		}
	}
	return result
}

package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ariaengine/aria/internal/store"
)

func TestExtractThinking(t *testing.T) {
	tests := []struct {
		name         string
		in           string
		wantClean    string
		wantThinking string
	}{
		{"no tags", "plain answer", "plain answer", ""},
		{"single tag", "<think>step 1</think>answer", "answer", "step 1"},
		{"multiline", "<think>a\nb</think>\nfinal", "final", "a\nb"},
		{"empty tag", "<think></think>done", "done", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clean, thinking := ExtractThinking(tt.in)
			if clean != tt.wantClean || thinking != tt.wantThinking {
				t.Errorf("ExtractThinking(%q) = (%q, %q), want (%q, %q)",
					tt.in, clean, thinking, tt.wantClean, tt.wantThinking)
			}
		})
	}
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	var b breaker
	now := time.Now()

	for i := 0; i < breakerThreshold-1; i++ {
		b.RecordFailure(now)
	}
	if err := b.Allow(now); err != nil {
		t.Fatalf("breaker open before threshold: %v", err)
	}

	b.RecordFailure(now)
	if err := b.Allow(now); !errors.Is(err, store.ErrCircuitOpen) {
		t.Errorf("breaker should reject after %d failures, got %v", breakerThreshold, err)
	}

	// Cooldown expiry closes the circuit.
	later := now.Add(breakerCooldown + time.Second)
	if err := b.Allow(later); err != nil {
		t.Errorf("breaker should close after cooldown, got %v", err)
	}
}

func TestBreakerSuccessResets(t *testing.T) {
	var b breaker
	now := time.Now()
	for i := 0; i < breakerThreshold; i++ {
		b.RecordFailure(now)
	}
	b.RecordSuccess()
	if err := b.Allow(now); err != nil {
		t.Errorf("success should close the breaker, got %v", err)
	}
}

func TestCompleteParsesToolCalls(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"model": "test-model",
			"choices": [{
				"message": {
					"content": "",
					"tool_calls": [{"id": "call_1", "function": {"name": "shell__run", "arguments": "{\"cmd\":\"ls\"}"}}]
				},
				"finish_reason": "tool_calls"
			}],
			"usage": {"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15}
		}`)
	}))
	defer srv.Close()

	l := NewLiteLLM(srv.URL, "test-key", nil)
	resp, err := l.Complete(context.Background(), ChatRequest{
		Messages: []Message{{Role: "user", Content: "list files"}},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.FinishReason != "tool_calls" {
		t.Errorf("finish_reason = %q, want tool_calls", resp.FinishReason)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Name != "shell__run" {
		t.Errorf("tool calls = %+v", resp.ToolCalls)
	}
	if resp.Usage == nil || resp.Usage.TotalTokens != 15 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestCompleteExtractsInlineThinking(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"choices":[{"message":{"content":"<think>hmm</think>the answer"},"finish_reason":"stop"}]}`)
	}))
	defer srv.Close()

	l := NewLiteLLM(srv.URL, "", nil)
	resp, err := l.Complete(context.Background(), ChatRequest{
		Messages: []Message{{Role: "user", Content: "q"}},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "the answer" || resp.Thinking != "hmm" {
		t.Errorf("content=%q thinking=%q", resp.Content, resp.Thinking)
	}
}

func TestStreamAssemblesChunks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"lo\"},\"finish_reason\":\"stop\"}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	l := NewLiteLLM(srv.URL, "", nil)
	var chunks []string
	resp, err := l.Stream(context.Background(), ChatRequest{
		Messages: []Message{{Role: "user", Content: "hi"}},
	}, func(c StreamChunk) {
		if c.Content != "" {
			chunks = append(chunks, c.Content)
		}
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if resp.Content != "Hello" {
		t.Errorf("assembled content = %q", resp.Content)
	}
	if len(chunks) != 2 {
		t.Errorf("got %d content chunks, want 2", len(chunks))
	}
}

func TestStreamAccumulatesToolCallFragments(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"tool_calls\":[{\"index\":0,\"id\":\"c1\",\"function\":{\"name\":\"web__search\",\"arguments\":\"{\\\"q\\\":\"}}]}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"tool_calls\":[{\"index\":0,\"function\":{\"arguments\":\"\\\"go\\\"}\"}}]},\"finish_reason\":\"tool_calls\"}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	l := NewLiteLLM(srv.URL, "", nil)
	resp, err := l.Stream(context.Background(), ChatRequest{
		Messages: []Message{{Role: "user", Content: "search"}},
	}, nil)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("tool calls = %+v", resp.ToolCalls)
	}
	tc := resp.ToolCalls[0]
	if tc.ID != "c1" || tc.Name != "web__search" || tc.Arguments != `{"q":"go"}` {
		t.Errorf("accumulated call = %+v", tc)
	}
	if resp.FinishReason != "tool_calls" {
		t.Errorf("finish_reason = %q", resp.FinishReason)
	}
}

func TestCompleteCircuitOpens(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer srv.Close()

	l := NewLiteLLM(srv.URL, "", nil)
	ctx := context.Background()
	req := ChatRequest{Messages: []Message{{Role: "user", Content: "x"}}}

	for i := 0; i < breakerThreshold; i++ {
		if _, err := l.Complete(ctx, req); err == nil {
			t.Fatal("expected error from failing upstream")
		}
	}
	_, err := l.Complete(ctx, req)
	if !errors.Is(err, store.ErrCircuitOpen) {
		t.Errorf("after %d failures err = %v, want ErrCircuitOpen", breakerThreshold, err)
	}
}

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"", 1},
		{"abc", 1},
		{"abcd", 1},
		{"abcde", 2},
		{"12345678", 2},
	}
	for _, tt := range tests {
		if got := EstimateTokens(tt.in); got != tt.want {
			t.Errorf("EstimateTokens(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

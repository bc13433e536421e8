// Package tools bridges the external skill registry and the LLM's
// function-calling surface. Tool names are "<skill>__<method>"; failures
// and timeouts come back as unsuccessful results with an error payload,
// never as errors — the model is expected to read them.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ariaengine/aria/internal/providers"
)

// DefaultTimeout bounds a single tool invocation.
const DefaultTimeout = 300 * time.Second

// MethodSchema describes one callable skill method, taken from the
// skill manifest.
type MethodSchema struct {
	Name        string
	Description string
	Parameters  map[string]any // JSON schema; nil = free-form object
}

// Skill is the external skill contract. Implementations live outside
// this module; tests and the doctor command use small local ones.
type Skill interface {
	Name() string
	Methods() []MethodSchema
	Invoke(ctx context.Context, method string, args map[string]any) (any, error)
}

// Registry adapts registered skills into LLM tool definitions and
// dispatches tool calls back to them.
type Registry struct {
	mu      sync.RWMutex
	skills  map[string]Skill
	timeout time.Duration
}

func NewRegistry(timeout time.Duration) *Registry {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Registry{
		skills:  make(map[string]Skill),
		timeout: timeout,
	}
}

func (r *Registry) Register(s Skill) {
	r.mu.Lock()
	r.skills[s.Name()] = s
	r.mu.Unlock()
}

// Definitions builds the OpenAI-style function schema list, optionally
// filtered by an agent's skill allowlist (nil = all, empty = none).
func (r *Registry) Definitions(allow []string) []providers.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var allowed map[string]bool
	if allow != nil {
		allowed = make(map[string]bool, len(allow))
		for _, a := range allow {
			allowed[a] = true
		}
	}

	names := make([]string, 0, len(r.skills))
	for name := range r.skills {
		if allowed != nil && !allowed[name] {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	var defs []providers.ToolDefinition
	for _, name := range names {
		s := r.skills[name]
		for _, m := range s.Methods() {
			params := m.Parameters
			if params == nil {
				params = map[string]any{"type": "object", "properties": map[string]any{}}
			}
			defs = append(defs, providers.ToolDefinition{
				Type: "function",
				Function: providers.ToolFunctionSchema{
					Name:        name + "__" + m.Name,
					Description: m.Description,
					Parameters:  params,
				},
			})
		}
	}
	return defs
}

// Result is one completed tool dispatch. Content is always a JSON
// string: the skill's output on success, {"error": …} otherwise.
type Result struct {
	ToolCallID string `json:"tool_call_id"`
	Name       string `json:"name"`
	Content    string `json:"content"`
	Success    bool   `json:"success"`
	DurationMS int64  `json:"duration_ms"`
}

func errorResult(call providers.ToolCall, started time.Time, msg string) *Result {
	content, _ := json.Marshal(map[string]string{"error": msg})
	return &Result{
		ToolCallID: call.ID,
		Name:       call.Name,
		Content:    string(content),
		Success:    false,
		DurationMS: time.Since(started).Milliseconds(),
	}
}

// Execute resolves "<skill>__<method>", parses the arguments, and
// invokes the skill under the registry timeout.
func (r *Registry) Execute(ctx context.Context, call providers.ToolCall) *Result {
	started := time.Now()

	skillName, method, ok := strings.Cut(call.Name, "__")
	if !ok {
		return errorResult(call, started, fmt.Sprintf("malformed tool name %q", call.Name))
	}

	r.mu.RLock()
	skill, found := r.skills[skillName]
	r.mu.RUnlock()
	if !found {
		return errorResult(call, started, fmt.Sprintf("skill %q not found", skillName))
	}

	// Models occasionally emit invalid JSON; wrap the raw text instead
	// of refusing the call.
	args := make(map[string]any)
	if call.Arguments != "" {
		if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
			args = map[string]any{"input": call.Arguments}
		}
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		v, err := skill.Invoke(ctx, method, args)
		done <- outcome{v, err}
	}()

	select {
	case <-ctx.Done():
		slog.Warn("tool timed out", "tool", call.Name, "timeout", r.timeout)
		return errorResult(call, started, fmt.Sprintf("tool %q timed out after %s", call.Name, r.timeout))
	case out := <-done:
		if out.err != nil {
			slog.Warn("tool failed", "tool", call.Name, "error", out.err)
			return errorResult(call, started, out.err.Error())
		}
		content, err := json.Marshal(out.value)
		if err != nil {
			return errorResult(call, started, fmt.Sprintf("unserializable tool output: %v", err))
		}
		return &Result{
			ToolCallID: call.ID,
			Name:       call.Name,
			Content:    string(content),
			Success:    true,
			DurationMS: time.Since(started).Milliseconds(),
		}
	}
}

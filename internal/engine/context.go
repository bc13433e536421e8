package engine

import (
	"sort"
	"strings"

	"github.com/ariaengine/aria/internal/providers"
	"github.com/ariaengine/aria/internal/store"
)

// MinRecent messages are always pinned, alongside system messages and
// the first user message (it anchors the topic).
const MinRecent = 4

const longContentChars = 200

var roleBase = map[string]int{
	"system":    100,
	"tool":      80,
	"user":      60,
	"assistant": 40,
}

// importance scores one message for context retention.
func importance(m *store.Message, idx, total int) int {
	score, ok := roleBase[m.Role]
	if !ok {
		score = 30
	}
	if len(m.ToolCalls) > 0 || m.ToolCallID != "" {
		score += 20
	}
	if len(m.Content) > longContentChars {
		score += 10
	}
	if total > 0 && idx >= total*3/4 {
		score += 15
	}
	return score
}

func messageTokens(m *store.Message) int {
	return providers.EstimateTokens(m.Content)
}

// Assemble truncates a message sequence to fit maxTokens−reserve,
// keeping pinned messages first and filling the rest by importance.
// The result preserves original order and is never empty when the input
// is not.
func Assemble(msgs []*store.Message, maxTokens, reserve int) []*store.Message {
	if len(msgs) == 0 {
		return nil
	}
	budget := maxTokens - reserve

	pinned := make(map[int]bool)
	firstUser := -1
	for i, m := range msgs {
		if m.Role == "system" {
			pinned[i] = true
		}
		if firstUser < 0 && m.Role == "user" {
			firstUser = i
			pinned[i] = true
		}
	}
	for i := len(msgs) - MinRecent; i < len(msgs); i++ {
		if i >= 0 {
			pinned[i] = true
		}
	}

	pinnedTokens := 0
	for i := range pinned {
		pinnedTokens += messageTokens(msgs[i])
	}

	var keep []int
	if pinnedTokens > budget {
		// Pinned alone blow the budget: keep them in order until it is
		// exhausted. At least one message always survives.
		used := 0
		for i, m := range msgs {
			if !pinned[i] {
				continue
			}
			if used >= budget && len(keep) > 0 {
				break
			}
			keep = append(keep, i)
			used += messageTokens(m)
		}
		return collect(msgs, keep)
	}

	for i := range pinned {
		keep = append(keep, i)
	}
	remaining := budget - pinnedTokens

	type cand struct {
		idx   int
		score int
		cost  int
	}
	var cands []cand
	for i, m := range msgs {
		if pinned[i] {
			continue
		}
		cands = append(cands, cand{i, importance(m, i, len(msgs)), messageTokens(m)})
	}
	sort.Slice(cands, func(a, b int) bool {
		if cands[a].score != cands[b].score {
			return cands[a].score > cands[b].score
		}
		return cands[a].idx > cands[b].idx // ties go to the more recent
	})
	for _, c := range cands {
		if c.cost > remaining {
			continue
		}
		keep = append(keep, c.idx)
		remaining -= c.cost
	}

	return collect(msgs, keep)
}

func collect(msgs []*store.Message, keep []int) []*store.Message {
	sort.Ints(keep)
	out := make([]*store.Message, 0, len(keep))
	for _, i := range keep {
		out = append(out, msgs[i])
	}
	return out
}

// CleanToolSequence repairs tool-call artifacts before the list goes to
// the LLM: orphan tool messages are dropped, tool results are reordered
// to follow their assistant message, assistant tool_calls without any
// result are stripped, and fully empty assistant messages disappear.
func CleanToolSequence(msgs []providers.Message) []providers.Message {
	resultIdx := make(map[string]int)
	for i, m := range msgs {
		if m.Role == "tool" && m.ToolCallID != "" {
			if _, ok := resultIdx[m.ToolCallID]; !ok {
				resultIdx[m.ToolCallID] = i
			}
		}
	}

	var out []providers.Message
	for _, m := range msgs {
		switch m.Role {
		case "tool":
			// Emitted after its assistant below; orphans never surface.
			continue
		case "assistant":
			if len(m.ToolCalls) > 0 {
				var calls []providers.ToolCall
				var results []providers.Message
				for _, tc := range m.ToolCalls {
					if j, ok := resultIdx[tc.ID]; ok {
						calls = append(calls, tc)
						results = append(results, msgs[j])
					}
				}
				m.ToolCalls = calls
				if len(calls) == 0 && strings.TrimSpace(m.Content) == "" {
					continue
				}
				out = append(out, m)
				out = append(out, results...)
				continue
			}
			if strings.TrimSpace(m.Content) == "" {
				continue
			}
		}
		out = append(out, m)
	}
	return out
}

// toWire converts a stored message into its gateway form.
func toWire(m *store.Message) providers.Message {
	w := providers.Message{
		Role:       m.Role,
		Content:    m.Content,
		ToolCallID: m.ToolCallID,
	}
	for _, tc := range m.ToolCalls {
		w.ToolCalls = append(w.ToolCalls, providers.ToolCall{
			ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments,
		})
	}
	return w
}

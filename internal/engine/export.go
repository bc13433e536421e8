package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/ariaengine/aria/internal/store"
)

// Export renders a session's history in the requested format:
// "jsonl" (one message object per line, session header first) or
// "markdown".
func (e *Engine) Export(ctx context.Context, id uuid.UUID, format string) ([]byte, string, error) {
	sess, msgs, err := e.ResumeSession(ctx, id)
	if err != nil {
		return nil, "", err
	}

	switch format {
	case "", "jsonl":
		data, err := exportJSONL(sess, msgs)
		return data, "application/jsonl", err
	case "markdown", "md":
		return exportMarkdown(sess, msgs), "text/markdown", nil
	default:
		return nil, "", fmt.Errorf("unsupported export format %q", format)
	}
}

func exportJSONL(sess *store.Session, msgs []*store.Message) ([]byte, error) {
	var b strings.Builder
	header, err := json.Marshal(sess)
	if err != nil {
		return nil, err
	}
	b.Write(header)
	b.WriteByte('\n')
	for _, m := range msgs {
		line, err := json.Marshal(m)
		if err != nil {
			return nil, err
		}
		b.Write(line)
		b.WriteByte('\n')
	}
	return []byte(b.String()), nil
}

func exportMarkdown(sess *store.Session, msgs []*store.Message) []byte {
	var b strings.Builder
	title := sess.Title
	if title == "" {
		title = sess.ID.String()
	}
	fmt.Fprintf(&b, "# %s\n\n", title)
	fmt.Fprintf(&b, "- Agent: %s\n- Type: %s\n- Created: %s\n- Messages: %d\n\n",
		sess.AgentID, sess.Type, sess.CreatedAt.Format("2006-01-02 15:04:05"), len(msgs))

	for _, m := range msgs {
		fmt.Fprintf(&b, "## %s — %s\n\n", strings.ToUpper(m.Role[:1])+m.Role[1:],
			m.CreatedAt.Format("2006-01-02 15:04:05"))
		if m.Thinking != "" {
			fmt.Fprintf(&b, "> %s\n\n", strings.ReplaceAll(m.Thinking, "\n", "\n> "))
		}
		if m.Content != "" {
			b.WriteString(m.Content)
			b.WriteString("\n\n")
		}
		for _, tc := range m.ToolCalls {
			fmt.Fprintf(&b, "**Tool call** `%s`\n\n```json\n%s\n```\n\n", tc.Name, tc.Arguments)
		}
	}
	return []byte(b.String())
}

package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ariaengine/aria/internal/store"
)

// Session defaults applied at creation.
const (
	DefaultTemperature   = 0.7
	DefaultMaxTokens     = 4096
	DefaultContextWindow = 50
)

// fallbackTitlePrefix marks auto-generated placeholder titles; real
// titles never start with it, which keeps re-titling idempotent.
const fallbackTitlePrefix = "Session "

// SessionParams describes a session to create.
type SessionParams struct {
	AgentID       string         `json:"agent_id"`
	Type          string         `json:"type,omitempty"`
	Title         string         `json:"title,omitempty"`
	Model         string         `json:"model,omitempty"`
	Temperature   *float64       `json:"temperature,omitempty"`
	MaxTokens     int            `json:"max_tokens,omitempty"`
	ContextWindow int            `json:"context_window,omitempty"`
	SystemPrompt  string         `json:"system_prompt,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// CreateSession validates the target agent and creates a session with
// defaults filled in.
func (e *Engine) CreateSession(ctx context.Context, p SessionParams) (*store.Session, error) {
	if p.AgentID == "" {
		return nil, fmt.Errorf("agent_id is required")
	}
	agent, err := e.stores.Agents.GetAgent(ctx, p.AgentID)
	if err != nil {
		return nil, err
	}
	if !agent.Enabled || agent.Status == store.AgentDisabled {
		return nil, store.ErrAgentDisabled
	}

	sess := &store.Session{
		AgentID:       p.AgentID,
		Type:          p.Type,
		Title:         p.Title,
		Model:         p.Model,
		Temperature:   DefaultTemperature,
		MaxTokens:     p.MaxTokens,
		ContextWindow: p.ContextWindow,
		SystemPrompt:  p.SystemPrompt,
		Status:        store.SessionActive,
		Metadata:      p.Metadata,
	}
	if p.Temperature != nil {
		sess.Temperature = *p.Temperature
	}
	if sess.Type == "" {
		sess.Type = store.SessionTypeChat
	}
	if sess.MaxTokens <= 0 {
		sess.MaxTokens = DefaultMaxTokens
	}
	if sess.ContextWindow <= 0 {
		sess.ContextWindow = DefaultContextWindow
	}

	if err := e.stores.Sessions.CreateSession(ctx, sess); err != nil {
		return nil, err
	}
	e.log.Info("session created", "session_id", sess.ID, "agent_id", sess.AgentID, "type", sess.Type)
	return sess, nil
}

// ResumeSession loads a session with its full message history.
func (e *Engine) ResumeSession(ctx context.Context, id uuid.UUID) (*store.Session, []*store.Message, error) {
	sess, err := e.stores.Sessions.GetSession(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	msgs, err := e.stores.Sessions.GetMessages(ctx, id, 0)
	if err != nil {
		return nil, nil, err
	}
	return sess, msgs, nil
}

func (e *Engine) GetSession(ctx context.Context, id uuid.UUID) (*store.Session, error) {
	return e.stores.Sessions.GetSession(ctx, id)
}

func (e *Engine) ListSessions(ctx context.Context, f store.SessionFilter) ([]*store.Session, int, error) {
	return e.stores.Sessions.ListSessions(ctx, f)
}

// EndSession marks the session ended; history stays readable.
func (e *Engine) EndSession(ctx context.Context, id uuid.UUID) error {
	return e.stores.Sessions.EndSession(ctx, id)
}

// ReactivateSession reopens an ended session (WebSocket reconnects).
func (e *Engine) ReactivateSession(ctx context.Context, id uuid.UUID) error {
	return e.stores.Sessions.ReactivateSession(ctx, id)
}

func (e *Engine) DeleteSession(ctx context.Context, id uuid.UUID) error {
	return e.stores.Sessions.DeleteSession(ctx, id)
}

// ArchiveSession physically moves the session and its messages to the
// archive tables.
func (e *Engine) ArchiveSession(ctx context.Context, id uuid.UUID) error {
	return e.stores.Sessions.ArchiveSession(ctx, id)
}

// Cleanup archives sessions idle longer than the given number of days.
func (e *Engine) Cleanup(ctx context.Context, days int, dryRun bool) ([]uuid.UUID, error) {
	if days <= 0 {
		days = 30
	}
	return e.stores.Sessions.PruneIdle(ctx, time.Duration(days)*24*time.Hour, dryRun)
}

// PurgeGhosts removes empty sessions past the idle threshold.
func (e *Engine) PurgeGhosts(ctx context.Context, olderThan time.Duration) (int, error) {
	return e.stores.Sessions.PurgeGhosts(ctx, olderThan)
}

func (e *Engine) Stats(ctx context.Context, agentID string) (*store.SessionStats, error) {
	return e.stores.Sessions.Stats(ctx, agentID)
}

// AutoTitle derives a session title from the first user message: first
// line, collapsed whitespace, capped at 80 chars. Empty input falls
// back to a timestamp placeholder.
func AutoTitle(content string, now time.Time) string {
	line := content
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	line = strings.Join(strings.Fields(line), " ")
	if line == "" {
		return fallbackTitlePrefix + now.Format("2006-01-02 15:04")
	}
	runes := []rune(line)
	if len(runes) > 80 {
		return string(runes[:80]) + "…"
	}
	return line
}

// maybeAutoTitle titles an untitled (or placeholder-titled) session
// from its first user message. Real titles are left alone.
func (e *Engine) maybeAutoTitle(ctx context.Context, sess *store.Session, firstContent string) {
	if sess.Title != "" && !strings.HasPrefix(sess.Title, fallbackTitlePrefix) {
		return
	}
	title := AutoTitle(firstContent, time.Now().UTC())
	if title == sess.Title {
		return
	}
	if err := e.stores.Sessions.SetTitle(ctx, sess.ID, title); err != nil {
		e.log.Warn("auto-title failed", "session_id", sess.ID, "error", err)
	}
}

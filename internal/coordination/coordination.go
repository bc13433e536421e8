// Package coordination runs multi-agent protocols over the agent pool:
// the structured Roundtable (fixed rounds, designated synthesizer) and
// the emergent Swarm (iterative voting until consensus). Both write
// their turns into a session and feed results back into routing scores.
package coordination

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ariaengine/aria/internal/pool"
	"github.com/ariaengine/aria/internal/router"
	"github.com/ariaengine/aria/internal/store"
)

const (
	DefaultAgentTimeout      = 60 * time.Second
	DefaultRoundtableTimeout = 300 * time.Second
	DefaultSwarmTimeout      = 600 * time.Second

	MaxRoundtableAgents = 10
	MaxRounds           = 10
	MaxSwarmAgents      = 12
	MaxIterations       = 10

	trailSnippet = 300
)

// Coordinator shares the plumbing between both protocols.
type Coordinator struct {
	pool     *pool.Pool
	router   *router.Router
	sessions store.SessionStore
	agents   store.AgentStore
	log      *slog.Logger
}

func New(p *pool.Pool, rt *router.Router, sessions store.SessionStore, agents store.AgentStore, log *slog.Logger) *Coordinator {
	return &Coordinator{pool: p, router: rt, sessions: sessions, agents: agents, log: log}
}

// contribution is one agent's outcome from a fan-out.
type contribution struct {
	agentID    string
	content    string
	durationMS int64
	timedOut   bool
	err        error
}

// fanOut runs the prompt through every agent concurrently, each under
// its own timeout, all under the parent deadline. A failing agent
// yields an error entry, never a failed batch.
func (c *Coordinator) fanOut(ctx context.Context, agentIDs []string, prompt string, agentTimeout time.Duration) []contribution {
	out := make([]contribution, len(agentIDs))
	var g errgroup.Group
	for i, id := range agentIDs {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, agentTimeout)
			defer cancel()

			start := time.Now()
			res, err := c.pool.ProcessWith(cctx, id, prompt, pool.ProcessOpts{})
			entry := contribution{agentID: id, durationMS: time.Since(start).Milliseconds()}
			switch {
			case err == nil:
				entry.content = res.Content
			case errors.Is(err, context.DeadlineExceeded):
				entry.timedOut = true
				entry.err = err
			default:
				entry.err = err
			}
			out[i] = entry
			return nil
		})
	}
	g.Wait()
	return out
}

// pheromone reads the agent's persisted score, cold start when absent.
func (c *Coordinator) pheromone(ctx context.Context, agentID string) float64 {
	a, err := c.agents.GetAgent(ctx, agentID)
	if err != nil {
		return 0.5
	}
	return a.PheromoneScore
}

// marker grades a pheromone weight for the stigmergy trail.
func marker(score float64) string {
	switch {
	case score > 0.7:
		return "★"
	case score > 0.4:
		return "●"
	default:
		return "○"
	}
}

// snippet truncates on a rune boundary so trail entries never carry a
// split multi-byte sequence into the next prompt.
func snippet(s string) string {
	s = strings.TrimSpace(s)
	runes := []rune(s)
	if len(runes) <= trailSnippet {
		return s
	}
	return string(runes[:trailSnippet]) + "…"
}

// persistTurn writes one coordination message, logging instead of
// failing: a lost turn record must not abort the protocol.
func (c *Coordinator) persistTurn(ctx context.Context, sessionID uuid.UUID, role, content string, meta map[string]any) {
	msg := &store.Message{
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		Metadata:  meta,
	}
	if err := c.sessions.AddMessage(ctx, msg); err != nil {
		c.log.Warn("coordination turn not persisted",
			"session_id", sessionID, "role", role, "error", err)
	}
}

// createSession opens the backing session for one protocol run.
func (c *Coordinator) createSession(ctx context.Context, sessionType, ownerID, topic string) (*store.Session, error) {
	sess := &store.Session{
		AgentID: ownerID,
		Type:    sessionType,
		Title:   snippetTitle(topic),
		Status:  store.SessionActive,
	}
	if err := c.sessions.CreateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("create %s session: %w", sessionType, err)
	}
	return sess, nil
}

func snippetTitle(topic string) string {
	topic = strings.Join(strings.Fields(topic), " ")
	runes := []rune(topic)
	if len(runes) > 80 {
		return string(runes[:80]) + "…"
	}
	return topic
}

// updateScores feeds one protocol run back into routing.
func (c *Coordinator) updateScores(ctx context.Context, agentID string, success bool, durations []int64) {
	if len(durations) == 0 {
		return
	}
	var sum int64
	for _, d := range durations {
		sum += d
	}
	if err := c.router.UpdateScores(ctx, agentID, success, sum/int64(len(durations)), 0); err != nil {
		c.log.Warn("score update failed", "agent_id", agentID, "error", err)
	}
}

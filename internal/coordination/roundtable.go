package coordination

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ariaengine/aria/internal/pool"
	"github.com/ariaengine/aria/internal/store"
)

// DiscussRequest configures one roundtable run.
type DiscussRequest struct {
	Topic         string        `json:"topic"`
	AgentIDs      []string      `json:"agent_ids"`
	Rounds        int           `json:"rounds,omitempty"`
	SynthesizerID string        `json:"synthesizer_id,omitempty"`
	AgentTimeout  time.Duration `json:"-"`
	TotalTimeout  time.Duration `json:"-"`
}

// Turn is one agent's contribution in one round.
type Turn struct {
	AgentID    string `json:"agent_id"`
	Round      int    `json:"round"`
	Content    string `json:"content"`
	DurationMS int64  `json:"duration_ms"`
	TimedOut   bool   `json:"timed_out,omitempty"`
	Failed     bool   `json:"failed,omitempty"`
}

// DiscussResult is a completed roundtable.
type DiscussResult struct {
	SessionID  uuid.UUID `json:"session_id"`
	Topic      string    `json:"topic"`
	Turns      []Turn    `json:"turns"`
	Synthesis  string    `json:"synthesis"`
	Rounds     int       `json:"rounds"`
	DurationMS int64     `json:"duration_ms"`
}

func (r *DiscussRequest) normalize() error {
	if strings.TrimSpace(r.Topic) == "" {
		return fmt.Errorf("topic is required")
	}
	if len(r.AgentIDs) < 2 || len(r.AgentIDs) > MaxRoundtableAgents {
		return fmt.Errorf("roundtable needs 2–%d agents, got %d", MaxRoundtableAgents, len(r.AgentIDs))
	}
	if r.Rounds <= 0 {
		r.Rounds = 3
	}
	if r.Rounds > MaxRounds {
		return fmt.Errorf("rounds capped at %d, got %d", MaxRounds, r.Rounds)
	}
	if r.SynthesizerID == "" {
		r.SynthesizerID = r.AgentIDs[0]
	}
	if r.AgentTimeout <= 0 {
		r.AgentTimeout = DefaultAgentTimeout
	}
	if r.TotalTimeout <= 0 {
		r.TotalTimeout = DefaultRoundtableTimeout
	}
	return nil
}

// roundPhase labels what the agents should be doing in round r.
func roundPhase(r int) string {
	switch {
	case r == 1:
		return "EXPLORE"
	case r == 2:
		return "WORK"
	default:
		return "VALIDATE"
	}
}

// Discuss runs the full roundtable: sequential rounds of parallel
// turns, then a synthesis by the designated agent. onTurn, when set,
// fires after every completed turn.
func (c *Coordinator) Discuss(ctx context.Context, req DiscussRequest, onTurn func(Turn)) (*DiscussResult, error) {
	if err := req.normalize(); err != nil {
		return nil, err
	}

	sess, err := c.createSession(ctx, store.SessionTypeRoundtable, req.SynthesizerID, req.Topic)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, req.TotalTimeout)
	defer cancel()

	start := time.Now()
	result := &DiscussResult{SessionID: sess.ID, Topic: req.Topic}
	perAgentDurations := make(map[string][]int64)

	for round := 1; round <= req.Rounds; round++ {
		if ctx.Err() != nil {
			break
		}
		result.Rounds = round

		prompt := c.roundPrompt(req, round, result.Turns)
		contribs := c.fanOut(ctx, req.AgentIDs, prompt, req.AgentTimeout)

		for _, contrib := range contribs {
			turn := Turn{
				AgentID:    contrib.agentID,
				Round:      round,
				Content:    contrib.content,
				DurationMS: contrib.durationMS,
			}
			switch {
			case contrib.timedOut:
				turn.TimedOut = true
				turn.Content = fmt.Sprintf("[%s timed out]", contrib.agentID)
			case contrib.err != nil:
				turn.Failed = true
				turn.Content = fmt.Sprintf("[%s error]", contrib.agentID)
			}
			result.Turns = append(result.Turns, turn)
			perAgentDurations[contrib.agentID] = append(perAgentDurations[contrib.agentID], contrib.durationMS)

			c.persistTurn(ctx, sess.ID, fmt.Sprintf("round-%d", round), turn.Content,
				map[string]any{"agent_id": turn.AgentID, "round": round})
			if onTurn != nil {
				onTurn(turn)
			}
		}
	}

	result.Synthesis = c.synthesize(ctx, sess.ID, req, result.Turns)
	result.DurationMS = time.Since(start).Milliseconds()

	// Feed the run back into routing. Persist-level failures are already
	// visible in the turn markers; participation itself counts.
	scoreCtx := context.WithoutCancel(ctx)
	for _, id := range req.AgentIDs {
		c.updateScores(scoreCtx, id, true, perAgentDurations[id])
	}

	if err := c.sessions.EndSession(scoreCtx, sess.ID); err != nil {
		c.log.Warn("roundtable session not closed", "session_id", sess.ID, "error", err)
	}
	c.log.Info("roundtable complete",
		"session_id", sess.ID, "rounds", result.Rounds,
		"turns", len(result.Turns), "duration_ms", result.DurationMS)
	return result, nil
}

// roundPrompt shows the topic, the phase, the participants and the
// trail of everything said so far.
func (c *Coordinator) roundPrompt(req DiscussRequest, round int, turns []Turn) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Roundtable discussion on: %s\n", req.Topic)
	fmt.Fprintf(&b, "Round %d of %d — phase: %s\n", round, req.Rounds, roundPhase(round))
	fmt.Fprintf(&b, "Participants: %s\n", strings.Join(req.AgentIDs, ", "))

	if len(turns) > 0 {
		b.WriteString("\nDiscussion so far:\n")
		for _, t := range turns {
			fmt.Fprintf(&b, "[%s, round %d]: %s\n", t.AgentID, t.Round, snippet(t.Content))
		}
	}

	switch roundPhase(round) {
	case "EXPLORE":
		b.WriteString("\nShare your initial perspective on the topic. Raise the questions that matter.")
	case "WORK":
		b.WriteString("\nBuild on the discussion so far. Develop concrete proposals.")
	default:
		b.WriteString("\nValidate or challenge the proposals above. Surface risks and gaps.")
	}
	return b.String()
}

// synthesize asks the synthesizer for the final word, falling back to a
// deterministic digest of the last round when it fails.
func (c *Coordinator) synthesize(ctx context.Context, sessionID uuid.UUID, req DiscussRequest, turns []Turn) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are synthesizing a roundtable on: %s\n\nAll contributions:\n", req.Topic)
	for _, t := range turns {
		fmt.Fprintf(&b, "[%s, round %d]: %s\n", t.AgentID, t.Round, snippet(t.Content))
	}
	b.WriteString("\nProduce a coherent, actionable synthesis. Highlight agreements, resolve conflicts, and state the recommended path.")

	synthesis := ""
	sctx := ctx
	if sctx.Err() != nil {
		sctx = context.WithoutCancel(ctx)
	}
	sctx, cancel := context.WithTimeout(sctx, req.AgentTimeout)
	defer cancel()

	res, err := c.pool.ProcessWith(sctx, req.SynthesizerID, b.String(), pool.ProcessOpts{})
	if err == nil {
		synthesis = res.Content
	} else {
		c.log.Warn("synthesizer failed, using fallback",
			"synthesizer", req.SynthesizerID, "error", err)
		synthesis = fallbackSynthesis(turns)
	}

	c.persistTurn(context.WithoutCancel(ctx), sessionID, "synthesis", synthesis,
		map[string]any{"agent_id": req.SynthesizerID})
	return synthesis
}

// fallbackSynthesis concatenates the final round under a banner when no
// model is available to synthesize.
func fallbackSynthesis(turns []Turn) string {
	lastRound := 0
	for _, t := range turns {
		if t.Round > lastRound {
			lastRound = t.Round
		}
	}
	var b strings.Builder
	b.WriteString("=== Synthesis unavailable; final round contributions ===\n")
	for _, t := range turns {
		if t.Round == lastRound {
			fmt.Fprintf(&b, "[%s]: %s\n", t.AgentID, t.Content)
		}
	}
	return b.String()
}

package coordination

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ariaengine/aria/internal/pool"
	"github.com/ariaengine/aria/internal/store"
)

// SwarmRequest configures one swarm run.
type SwarmRequest struct {
	Topic              string        `json:"topic"`
	AgentIDs           []string      `json:"agent_ids"`
	MaxIterations      int           `json:"max_iterations,omitempty"`
	ConsensusThreshold float64       `json:"consensus_threshold,omitempty"`
	AgentTimeout       time.Duration `json:"-"`
	TotalTimeout       time.Duration `json:"-"`
}

// Vote is one agent's contribution in one iteration.
type Vote struct {
	AgentID    string  `json:"agent_id"`
	Iteration  int     `json:"iteration"`
	Content    string  `json:"content"`
	Vote       string  `json:"vote"` // agree | disagree | extend | pivot
	Confidence float64 `json:"confidence"`
	DurationMS int64   `json:"duration_ms"`
	Failed     bool    `json:"failed,omitempty"`
}

// SwarmResult is a completed swarm run.
type SwarmResult struct {
	SessionID      uuid.UUID `json:"session_id"`
	Topic          string    `json:"topic"`
	Votes          []Vote    `json:"votes"`
	Consensus      string    `json:"consensus"`
	ConsensusScore float64   `json:"consensus_score"`
	Converged      bool      `json:"converged"`
	Iterations     int       `json:"iterations"`
	SynthesizerID  string    `json:"synthesizer_id"`
	DurationMS     int64     `json:"duration_ms"`
}

var (
	voteTagRe       = regexp.MustCompile(`(?i)\[VOTE:\s*(agree|disagree|extend|pivot)\s*\]`)
	confidenceTagRe = regexp.MustCompile(`(?i)\[CONFIDENCE:\s*([0-9]*\.?[0-9]+)\s*\]`)
)

var (
	agreeWords    = []string{"agree", "yes", "support", "correct", "right", "exactly", "absolutely"}
	disagreeWords = []string{"disagree", "no", "wrong", "oppose", "against", "incorrect", "however"}
)

func (r *SwarmRequest) normalize() error {
	if strings.TrimSpace(r.Topic) == "" {
		return fmt.Errorf("topic is required")
	}
	if len(r.AgentIDs) < 2 || len(r.AgentIDs) > MaxSwarmAgents {
		return fmt.Errorf("swarm needs 2–%d agents, got %d", MaxSwarmAgents, len(r.AgentIDs))
	}
	if r.MaxIterations <= 0 {
		r.MaxIterations = 5
	}
	if r.MaxIterations > MaxIterations {
		return fmt.Errorf("iterations capped at %d, got %d", MaxIterations, r.MaxIterations)
	}
	if r.ConsensusThreshold == 0 {
		r.ConsensusThreshold = 0.7
	}
	if r.ConsensusThreshold < 0.3 || r.ConsensusThreshold > 1.0 {
		return fmt.Errorf("consensus threshold must be in [0.3, 1.0], got %g", r.ConsensusThreshold)
	}
	if r.AgentTimeout <= 0 {
		r.AgentTimeout = DefaultAgentTimeout
	}
	if r.TotalTimeout <= 0 {
		r.TotalTimeout = DefaultSwarmTimeout
	}
	return nil
}

func swarmPhase(iteration, max int) string {
	switch {
	case iteration == 1:
		return "EXPLORE"
	case iteration == max:
		return "FINALIZE"
	default:
		return "CONVERGE"
	}
}

// Execute runs the swarm: parallel voting iterations until the
// consensus score crosses the threshold or iterations run out, then a
// consensus build by the highest-authority participant. onVote, when
// set, fires after every parsed vote.
func (c *Coordinator) Execute(ctx context.Context, req SwarmRequest, onVote func(Vote)) (*SwarmResult, error) {
	if err := req.normalize(); err != nil {
		return nil, err
	}

	sess, err := c.createSession(ctx, store.SessionTypeSwarm, req.AgentIDs[0], req.Topic)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, req.TotalTimeout)
	defer cancel()

	start := time.Now()
	result := &SwarmResult{SessionID: sess.ID, Topic: req.Topic}
	perAgentDurations := make(map[string][]int64)
	perAgentConfidence := make(map[string][]float64)

	for i := 1; i <= req.MaxIterations; i++ {
		if ctx.Err() != nil {
			break
		}
		result.Iterations = i

		prompt := c.swarmPrompt(ctx, req, i, result.Votes)
		contribs := c.fanOut(ctx, req.AgentIDs, prompt, req.AgentTimeout)

		var iterVotes []Vote
		for _, contrib := range contribs {
			v := Vote{AgentID: contrib.agentID, Iteration: i, DurationMS: contrib.durationMS}
			if contrib.err != nil {
				v.Failed = true
				v.Content = fmt.Sprintf("[%s unavailable]", contrib.agentID)
			} else {
				v.Content = contrib.content
				v.Vote, v.Confidence = parseVote(contrib.content)
				perAgentConfidence[contrib.agentID] = append(perAgentConfidence[contrib.agentID], v.Confidence)
				iterVotes = append(iterVotes, v)
			}
			perAgentDurations[contrib.agentID] = append(perAgentDurations[contrib.agentID], contrib.durationMS)
			result.Votes = append(result.Votes, v)

			c.persistTurn(ctx, sess.ID, fmt.Sprintf("swarm-%d", i), v.Content,
				map[string]any{"agent_id": v.AgentID, "vote": v.Vote, "confidence": v.Confidence})
			if onVote != nil {
				onVote(v)
			}
		}

		result.ConsensusScore = consensusScore(iterVotes)
		if result.ConsensusScore >= req.ConsensusThreshold {
			result.Converged = true
			break
		}
	}

	scoreCtx := context.WithoutCancel(ctx)
	result.SynthesizerID = c.pickSynthesizer(scoreCtx, req.AgentIDs, perAgentConfidence)
	result.Consensus = c.buildConsensus(ctx, sess.ID, req, result)
	result.DurationMS = time.Since(start).Milliseconds()

	for _, id := range req.AgentIDs {
		confs := perAgentConfidence[id]
		c.updateScores(scoreCtx, id, mean(confs) > 0.5, perAgentDurations[id])
	}

	if err := c.sessions.EndSession(scoreCtx, sess.ID); err != nil {
		c.log.Warn("swarm session not closed", "session_id", sess.ID, "error", err)
	}
	c.log.Info("swarm complete",
		"session_id", sess.ID, "iterations", result.Iterations,
		"converged", result.Converged, "consensus_score", result.ConsensusScore)
	return result, nil
}

// swarmPrompt renders the stigmergy trail: every prior vote sorted by
// its author's pheromone weight, strongest first, each graded with a
// marker.
func (c *Coordinator) swarmPrompt(ctx context.Context, req SwarmRequest, iteration int, votes []Vote) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Swarm deliberation on: %s\n", req.Topic)
	fmt.Fprintf(&b, "Iteration %d of %d — phase: %s\n", iteration, req.MaxIterations, swarmPhase(iteration, req.MaxIterations))

	if len(votes) > 0 {
		weights := make(map[string]float64, len(req.AgentIDs))
		for _, id := range req.AgentIDs {
			weights[id] = c.pheromone(ctx, id)
		}
		sorted := make([]Vote, len(votes))
		copy(sorted, votes)
		sort.SliceStable(sorted, func(a, b int) bool {
			return weights[sorted[a].AgentID] > weights[sorted[b].AgentID]
		})

		b.WriteString("\nTrail (strongest voices first):\n")
		for _, v := range sorted {
			fmt.Fprintf(&b, "%s [%s, iter %d, %s %.2f]: %s\n",
				marker(weights[v.AgentID]), v.AgentID, v.Iteration, v.Vote, v.Confidence, snippet(v.Content))
		}
	}

	b.WriteString("\nRespond with your position. You MUST end with " +
		"[VOTE: agree|disagree|extend|pivot] and [CONFIDENCE: 0.0-1.0].")
	return b.String()
}

// parseVote extracts the vote tags, falling back to a polarity-word
// heuristic with confidence clamped to [0.5, 0.9].
func parseVote(content string) (string, float64) {
	vote := ""
	if m := voteTagRe.FindStringSubmatch(content); m != nil {
		vote = strings.ToLower(m[1])
	}
	confidence := -1.0
	if m := confidenceTagRe.FindStringSubmatch(content); m != nil {
		if f, err := strconv.ParseFloat(m[1], 64); err == nil {
			confidence = clamp(f, 0, 1)
		}
	}
	if vote != "" && confidence >= 0 {
		return vote, confidence
	}

	lower := strings.ToLower(content)
	pos, neg := 0, 0
	for _, w := range agreeWords {
		pos += strings.Count(lower, w)
	}
	for _, w := range disagreeWords {
		neg += strings.Count(lower, w)
	}
	if vote == "" {
		switch {
		case pos > neg:
			vote = "agree"
		case neg > pos:
			vote = "disagree"
		default:
			vote = "extend"
		}
	}
	if confidence < 0 {
		diff := pos - neg
		if diff < 0 {
			diff = -diff
		}
		confidence = clamp(0.5+0.05*float64(diff), 0.5, 0.9)
	}
	return vote, confidence
}

// consensusScore measures one iteration's agreement: 60% majority
// fraction, 40% mean confidence of the majority voters. No votes at
// all scores zero.
func consensusScore(votes []Vote) float64 {
	if len(votes) == 0 {
		return 0
	}
	counts := make(map[string]int)
	for _, v := range votes {
		counts[v.Vote]++
	}
	majority, majorityCount := "", 0
	for vote, n := range counts {
		if n > majorityCount {
			majority, majorityCount = vote, n
		}
	}
	var confSum float64
	for _, v := range votes {
		if v.Vote == majority {
			confSum += v.Confidence
		}
	}
	majorityFraction := float64(majorityCount) / float64(len(votes))
	meanConfidence := confSum / float64(majorityCount)
	return 0.6*majorityFraction + 0.4*meanConfidence
}

// pickSynthesizer chooses the participant with the best combination of
// pheromone authority and demonstrated confidence.
func (c *Coordinator) pickSynthesizer(ctx context.Context, agentIDs []string, confidences map[string][]float64) string {
	best, bestScore := agentIDs[0], -1.0
	for _, id := range agentIDs {
		bestConf := 0.0
		for _, f := range confidences[id] {
			if f > bestConf {
				bestConf = f
			}
		}
		combined := 0.6*c.pheromone(ctx, id) + 0.4*bestConf
		if combined > bestScore {
			best, bestScore = id, combined
		}
	}
	return best
}

// buildConsensus has the synthesizer merge the trail, with a
// deterministic vote-distribution fallback.
func (c *Coordinator) buildConsensus(ctx context.Context, sessionID uuid.UUID, req SwarmRequest, result *SwarmResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Build the final consensus for: %s\n\nFull trail:\n", req.Topic)
	for _, v := range result.Votes {
		fmt.Fprintf(&b, "[%s, iter %d, %s %.2f]: %s\n", v.AgentID, v.Iteration, v.Vote, v.Confidence, snippet(v.Content))
	}
	b.WriteString("\nMerge the positions, weighting by the trail's authority markers. Note any remaining dissent explicitly.")

	sctx := ctx
	if sctx.Err() != nil {
		sctx = context.WithoutCancel(ctx)
	}
	sctx, cancel := context.WithTimeout(sctx, req.AgentTimeout)
	defer cancel()

	consensus := ""
	res, err := c.pool.ProcessWith(sctx, result.SynthesizerID, b.String(), pool.ProcessOpts{})
	if err == nil {
		consensus = res.Content
	} else {
		c.log.Warn("consensus builder failed, using fallback",
			"synthesizer", result.SynthesizerID, "error", err)
		consensus = fallbackConsensus(result)
	}

	c.persistTurn(context.WithoutCancel(ctx), sessionID, "consensus", consensus,
		map[string]any{"agent_id": result.SynthesizerID, "consensus_score": result.ConsensusScore})
	return consensus
}

// fallbackConsensus digests the final iteration: vote distribution plus
// the top snippets.
func fallbackConsensus(result *SwarmResult) string {
	counts := make(map[string]int)
	var lastIter []Vote
	for _, v := range result.Votes {
		if v.Iteration == result.Iterations && !v.Failed {
			counts[v.Vote]++
			lastIter = append(lastIter, v)
		}
	}

	var b strings.Builder
	b.WriteString("=== Consensus unavailable; final vote distribution ===\n")
	for _, vote := range []string{"agree", "disagree", "extend", "pivot"} {
		if counts[vote] > 0 {
			fmt.Fprintf(&b, "%s: %d\n", vote, counts[vote])
		}
	}
	sort.SliceStable(lastIter, func(a, b int) bool {
		return lastIter[a].Confidence > lastIter[b].Confidence
	})
	for i, v := range lastIter {
		if i >= 3 {
			break
		}
		fmt.Fprintf(&b, "[%s, %.2f]: %s\n", v.AgentID, v.Confidence, snippet(v.Content))
	}
	return b.String()
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}

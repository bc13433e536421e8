// Package router picks the agent for a message by combining pheromone,
// specialty, load, and recency signals, and feeds completed work back
// into the per-agent performance history.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/ariaengine/aria/internal/scoring"
	"github.com/ariaengine/aria/internal/store"
)

// Signal weights. Pheromone dominates: past performance is the best
// predictor the system has.
const (
	weightPheromone = 0.35
	weightSpecialty = 0.30
	weightLoad      = 0.20
	weightRecency   = 0.15
)

// maxRecords bounds the in-memory performance history per agent.
const maxRecords = 200

// recencyWindow is how many trailing records feed the recency signal.
const recencyWindow = 10

// speedFloorMS is the duration at which speed_score reaches zero.
const speedFloorMS = 30_000

// Router owns the per-agent performance ring buffers. The persisted
// pheromone_score on AgentState is always recomputed from these.
type Router struct {
	agents store.AgentStore

	mu      sync.RWMutex
	records map[string][]store.PerformanceRecord
}

func New(agents store.AgentStore) *Router {
	return &Router{
		agents:  agents,
		records: make(map[string][]store.PerformanceRecord),
	}
}

// Score is one candidate's breakdown, exposed for the metrics API.
type Score struct {
	AgentID   string  `json:"agent_id"`
	Pheromone float64 `json:"pheromone"`
	Specialty float64 `json:"specialty"`
	Load      float64 `json:"load"`
	Recency   float64 `json:"recency"`
	Combined  float64 `json:"combined"`
}

// Route picks the best agent for a message among the candidates.
// A single candidate short-circuits; an empty list is an error.
func (r *Router) Route(ctx context.Context, message string, candidates []string) (string, error) {
	switch len(candidates) {
	case 0:
		return "", store.ErrNoCandidates
	case 1:
		return candidates[0], nil
	}

	scores, err := r.ScoreCandidates(ctx, message, candidates)
	if err != nil {
		return "", err
	}

	best := scores[0]
	for _, s := range scores[1:] {
		if s.Combined > best.Combined {
			best = s
		}
	}
	slog.Debug("routed message",
		"agent", best.AgentID, "combined", best.Combined,
		"candidates", len(candidates))
	return best.AgentID, nil
}

// ScoreCandidates computes the full breakdown for every candidate.
// Unknown agents are scored at cold start with generalist specialty, so
// a stale candidate list degrades instead of failing the route.
func (r *Router) ScoreCandidates(ctx context.Context, message string, candidates []string) ([]Score, error) {
	scores := make([]Score, 0, len(candidates))
	for _, id := range candidates {
		s := Score{AgentID: id, Pheromone: scoring.ColdStart, Specialty: 0.3, Load: 1.0}

		if a, err := r.agents.GetAgent(ctx, id); err == nil && a != nil {
			s.Pheromone = a.PheromoneScore
			s.Specialty = scoring.SpecialtyMatch(message, a.FocusType)
			s.Load = scoring.LoadScore(a.Status, a.ConsecutiveFailures)
		} else if err != nil && ctx.Err() != nil {
			return nil, ctx.Err()
		}

		s.Recency = r.recency(id)
		s.Combined = weightPheromone*s.Pheromone +
			weightSpecialty*s.Specialty +
			weightLoad*s.Load +
			weightRecency*s.Recency
		scores = append(scores, s)
	}
	return scores, nil
}

// recency is the success fraction over the agent's last 10 records,
// 0.5 when there is no history.
func (r *Router) recency(agentID string) float64 {
	r.mu.RLock()
	recs := r.records[agentID]
	r.mu.RUnlock()

	if len(recs) == 0 {
		return 0.5
	}
	start := 0
	if len(recs) > recencyWindow {
		start = len(recs) - recencyWindow
	}
	window := recs[start:]
	ok := 0
	for _, rec := range window {
		if rec.Success {
			ok++
		}
	}
	return float64(ok) / float64(len(window))
}

// UpdateScores appends one performance record for the agent, trims the
// ring buffer, recomputes the pheromone score, and persists it.
func (r *Router) UpdateScores(ctx context.Context, agentID string, success bool, durationMS int64, tokenCost float64) error {
	rec := store.PerformanceRecord{
		Success:    success,
		SpeedScore: math.Max(0, 1-float64(durationMS)/speedFloorMS),
		CostScore:  math.Max(0, 1-math.Min(tokenCost, 1)),
		DurationMS: durationMS,
		CreatedAt:  time.Now().UTC(),
	}

	r.mu.Lock()
	recs := append(r.records[agentID], rec)
	if len(recs) > maxRecords {
		recs = recs[len(recs)-maxRecords:]
	}
	// Replace the slice reference so concurrent readers holding the old
	// snapshot stay consistent.
	r.records[agentID] = recs
	r.mu.Unlock()

	score := scoring.Pheromone(recs, time.Now().UTC())
	if err := r.agents.UpdateScore(ctx, agentID, score); err != nil {
		return fmt.Errorf("persist pheromone for %s: %w", agentID, err)
	}
	return nil
}

// Records returns a snapshot of the agent's performance history.
func (r *Router) Records(agentID string) []store.PerformanceRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]store.PerformanceRecord, len(r.records[agentID]))
	copy(out, r.records[agentID])
	return out
}

// Fallback is one (agent, model) pair in an LLM retry chain.
type Fallback struct {
	AgentID string `json:"agent_id"`
	Model   string `json:"model"`
}

// FallbackChain walks model → fallback_model → parent.model → … until a
// null parent or a cycle. Bad config can point parents at each other, so
// revisits terminate the walk.
func (r *Router) FallbackChain(ctx context.Context, agentID string) ([]Fallback, error) {
	var chain []Fallback
	visited := make(map[string]bool)

	for id := agentID; id != "" && !visited[id]; {
		visited[id] = true
		a, err := r.agents.GetAgent(ctx, id)
		if err != nil {
			if len(chain) > 0 {
				break
			}
			return nil, fmt.Errorf("fallback chain for %s: %w", agentID, err)
		}
		if a.Model != "" {
			chain = append(chain, Fallback{AgentID: a.AgentID, Model: a.Model})
		}
		if a.FallbackModel != "" && a.FallbackModel != a.Model {
			chain = append(chain, Fallback{AgentID: a.AgentID, Model: a.FallbackModel})
		}
		id = a.ParentAgentID
	}
	return chain, nil
}

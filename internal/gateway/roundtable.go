package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/ariaengine/aria/internal/bus"
	"github.com/ariaengine/aria/internal/coordination"
)

// coordInbound starts one live coordination run.
type coordInbound struct {
	Type string `json:"type"` // "start" | "ping"
	Mode string `json:"mode"` // "roundtable" | "swarm"

	Topic    string   `json:"topic"`
	AgentIDs []string `json:"agent_ids"`

	// Roundtable.
	Rounds        int    `json:"rounds,omitempty"`
	SynthesizerID string `json:"synthesizer_id,omitempty"`

	// Swarm.
	MaxIterations      int     `json:"max_iterations,omitempty"`
	ConsensusThreshold float64 `json:"consensus_threshold,omitempty"`

	AgentTimeoutSeconds int `json:"agent_timeout_seconds,omitempty"`
	TotalTimeoutSeconds int `json:"total_timeout_seconds,omitempty"`
}

// handleRoundtableWS runs coordination protocols with turn-by-turn
// delivery. One run at a time per connection; the socket stays open for
// follow-up runs after "done".
func (s *Server) handleRoundtableWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("ws upgrade failed", "error", err)
		return
	}
	c := newClient(conn, s.log)

	if !s.authorized(r) {
		c.closeWith(closeAuthFailure, "invalid api key")
		return
	}

	s.registerClient(c)
	defer s.unregisterClient(c)
	defer conn.Close()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var in coordInbound
		if err := json.Unmarshal(data, &in); err != nil {
			c.sendError("invalid JSON")
			continue
		}

		switch in.Type {
		case "ping":
			c.send(map[string]string{"type": "pong"})

		case "start":
			switch in.Mode {
			case "roundtable", "":
				s.runRoundtable(c, in)
			case "swarm":
				s.runSwarm(c, in)
			default:
				c.sendError("unknown mode: " + in.Mode)
			}

		default:
			c.sendError("unknown message type: " + in.Type)
		}
	}
}

// runRoundtable executes one discussion, streaming each turn as it
// lands. The run survives a client disconnect; turns keep persisting.
func (s *Server) runRoundtable(c *client, in coordInbound) {
	req := coordination.DiscussRequest{
		Topic:         in.Topic,
		AgentIDs:      in.AgentIDs,
		Rounds:        in.Rounds,
		SynthesizerID: in.SynthesizerID,
		AgentTimeout:  time.Duration(in.AgentTimeoutSeconds) * time.Second,
		TotalTimeout:  time.Duration(in.TotalTimeoutSeconds) * time.Second,
	}

	c.send(map[string]any{"type": "started", "mode": "roundtable", "topic": in.Topic})

	ctx := context.WithoutCancel(context.Background())
	result, err := s.coord.Discuss(ctx, req, func(turn coordination.Turn) {
		c.send(map[string]any{"type": "turn", "turn": turn})
		s.publish(bus.EventRoundtableTurn, turn)
	})
	if err != nil {
		c.sendError(err.Error())
		return
	}

	c.send(map[string]any{
		"type":        "synthesis",
		"session_id":  result.SessionID.String(),
		"synthesis":   result.Synthesis,
		"rounds":      result.Rounds,
		"duration_ms": result.DurationMS,
	})
	c.send(map[string]any{"type": "done", "result": result})
}

// runSwarm executes one swarm, streaming every vote.
func (s *Server) runSwarm(c *client, in coordInbound) {
	req := coordination.SwarmRequest{
		Topic:              in.Topic,
		AgentIDs:           in.AgentIDs,
		MaxIterations:      in.MaxIterations,
		ConsensusThreshold: in.ConsensusThreshold,
		AgentTimeout:       time.Duration(in.AgentTimeoutSeconds) * time.Second,
		TotalTimeout:       time.Duration(in.TotalTimeoutSeconds) * time.Second,
	}

	c.send(map[string]any{"type": "started", "mode": "swarm", "topic": in.Topic})

	ctx := context.WithoutCancel(context.Background())
	result, err := s.coord.Execute(ctx, req, func(v coordination.Vote) {
		c.send(map[string]any{"type": "vote", "vote": v})
		s.publish(bus.EventSwarmVote, v)
	})
	if err != nil {
		c.sendError(err.Error())
		return
	}

	c.send(map[string]any{
		"type":            "consensus",
		"session_id":      result.SessionID.String(),
		"consensus":       result.Consensus,
		"consensus_score": result.ConsensusScore,
		"converged":       result.Converged,
		"iterations":      result.Iterations,
		"duration_ms":     result.DurationMS,
	})
	c.send(map[string]any{"type": "done", "result": result})
}

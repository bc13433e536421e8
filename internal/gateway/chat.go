package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ariaengine/aria/internal/bus"
	"github.com/ariaengine/aria/internal/engine"
	"github.com/ariaengine/aria/internal/providers"
	"github.com/ariaengine/aria/internal/store"
	"github.com/ariaengine/aria/internal/tools"
)

// chatInbound is what a chat client may send.
type chatInbound struct {
	Type           string `json:"type"` // "message" | "ping"
	Content        string `json:"content,omitempty"`
	EnableThinking bool   `json:"enable_thinking,omitempty"`
	EnableTools    bool   `json:"enable_tools,omitempty"`
}

// handleChatWS streams one session over a WebSocket. Auth runs after
// the upgrade so the failure reaches the client as close code 4401
// instead of a bare HTTP error no browser client can read.
func (s *Server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	sessionID, err := uuid.Parse(r.PathValue("session_id"))
	if err != nil {
		http.Error(w, "invalid session id", http.StatusBadRequest)
		return
	}

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

	sess, err := s.sessions.GetSession(r.Context(), sessionID)
	if err != nil {
		c.sendError("session not found")
		c.closeWith(websocket.CloseNormalClosure, "")
		return
	}
	if sess.Status == store.SessionEnded {
		// Reconnecting to an ended session revives it rather than
		// forcing the client to recreate and lose history.
		if err := s.engine.ReactivateSession(r.Context(), sessionID); err != nil {
			c.sendError("session could not be reactivated")
			c.closeWith(websocket.CloseNormalClosure, "")
			return
		}
		s.log.Info("session reactivated on reconnect", "session_id", sessionID)
	}

	s.registerClient(c)
	defer s.unregisterClient(c)
	defer conn.Close()

	c.send(map[string]any{
		"type":       "connected",
		"session_id": sessionID.String(),
		"agent_id":   sess.AgentID,
	})

	// Keepalive. Clients that miss pongs may drop the socket; the read
	// loop below notices and returns.
	stopPing := make(chan struct{})
	defer close(stopPing)
	go func() {
		ticker := time.NewTicker(s.opts.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stopPing:
				return
			case <-ticker.C:
				c.send(map[string]string{"type": "pong"})
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var in chatInbound
		if err := json.Unmarshal(data, &in); err != nil {
			c.sendError("invalid JSON")
			continue
		}

		switch in.Type {
		case "ping":
			c.send(map[string]string{"type": "pong"})

		case "message":
			if in.Content == "" {
				c.sendError("content is required")
				continue
			}
			s.runTurn(c, sess, sessionID, in)

		default:
			c.sendError("unknown message type: " + in.Type)
		}
	}
}

// runTurn drives one streamed turn and forwards its events. The turn
// runs on a context detached from the request so a disconnect mid-turn
// lets the response finish and persist.
func (s *Server) runTurn(c *client, sess *store.Session, sessionID uuid.UUID, in chatInbound) {
	ctx := context.WithoutCancel(context.Background())

	c.send(map[string]string{"type": "stream_start"})
	s.publish(bus.EventRunStarted, bus.RunPayload{
		SessionID: sessionID.String(),
		AgentID:   sess.AgentID,
	})

	ev := &engine.StreamEvents{
		Content: func(delta string) {
			c.send(map[string]string{"type": "content", "delta": delta})
		},
		Thinking: func(delta string) {
			c.send(map[string]string{"type": "thinking", "delta": delta})
		},
		ToolCall: func(tc providers.ToolCall) {
			c.send(map[string]any{"type": "tool_call", "name": tc.Name, "id": tc.ID})
			s.publish(bus.EventRunToolCall, bus.RunPayload{
				SessionID: sessionID.String(), AgentID: sess.AgentID, Tool: tc.Name,
			})
		},
		ToolResult: func(res *tools.Result) {
			c.send(map[string]any{
				"type": "tool_result", "id": res.ToolCallID, "success": res.Success,
			})
			s.publish(bus.EventRunToolDone, bus.RunPayload{
				SessionID: sessionID.String(), AgentID: sess.AgentID, Tool: res.Name,
			})
		},
	}

	result, err := s.engine.StreamMessage(ctx, sessionID, in.Content, engine.TurnOptions{
		EnableThinking: in.EnableThinking,
		EnableTools:    in.EnableTools,
	}, ev)
	if err != nil {
		c.send(map[string]string{"type": "error", "message": err.Error()})
		s.publish(bus.EventRunFailed, bus.RunPayload{
			SessionID: sessionID.String(), AgentID: sess.AgentID, Error: err.Error(),
		})
		return
	}

	c.send(streamEndEvent(result))
	s.publish(bus.EventRunCompleted, bus.RunPayload{
		SessionID: sessionID.String(),
		AgentID:   sess.AgentID,
		Model:     result.Model,
	})
}

// streamEndEvent is the closing frame of one streamed turn.
func streamEndEvent(result *engine.TurnResult) map[string]any {
	return map[string]any{
		"type":          "stream_end",
		"message_id":    result.MessageID.String(),
		"model":         result.Model,
		"tokens_input":  result.TokensInput,
		"tokens_output": result.TokensOutput,
		"cost":          result.Cost,
		"latency_ms":    result.LatencyMS,
		"finish_reason": result.FinishReason,
	}
}

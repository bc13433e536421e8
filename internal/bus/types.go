// Package bus is the in-process event fabric. Engine, scheduler, and
// coordination publish here; the gateway relays to WebSocket clients.
package bus

// Event names.
const (
	EventRunStarted   = "run.started"
	EventRunChunk     = "run.chunk"
	EventRunToolCall  = "run.tool_call"
	EventRunToolDone  = "run.tool_result"
	EventRunCompleted = "run.completed"
	EventRunFailed    = "run.failed"

	EventAgentStatus = "agent.status"
	EventCronFired   = "cron.fired"
	EventCronDone    = "cron.finished"

	EventRoundtableTurn = "roundtable.turn"
	EventSwarmVote      = "swarm.vote"
	EventHealth         = "health"
)

// Event is one broadcast to every subscriber.
type Event struct {
	Name    string `json:"name"`
	Payload any    `json:"payload,omitempty"`
}

// RunPayload accompanies the run.* events.
type RunPayload struct {
	SessionID string `json:"session_id"`
	AgentID   string `json:"agent_id,omitempty"`
	Model     string `json:"model,omitempty"`
	Content   string `json:"content,omitempty"`
	Tool      string `json:"tool,omitempty"`
	Error     string `json:"error,omitempty"`
}

// AgentStatusPayload accompanies agent.status events.
type AgentStatusPayload struct {
	AgentID string `json:"agent_id"`
	Status  string `json:"status"`
}

// CronPayload accompanies cron.* events.
type CronPayload struct {
	JobID   string `json:"job_id"`
	Name    string `json:"name"`
	Status  string `json:"status,omitempty"`
	AgentID string `json:"agent_id,omitempty"`
}

// EventHandler handles a broadcast event.
type EventHandler func(Event)

// EventPublisher abstracts event broadcast and subscription so consumers
// never depend on the concrete MessageBus.
type EventPublisher interface {
	Subscribe(id string, handler EventHandler)
	Unsubscribe(id string)
	Broadcast(event Event)
}

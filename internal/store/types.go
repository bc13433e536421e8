package store

import (
	"time"

	"github.com/google/uuid"
)

// Session types.
const (
	SessionTypeChat       = "chat"
	SessionTypeRoundtable = "roundtable"
	SessionTypeSwarm      = "swarm"
	SessionTypeCron       = "cron"
)

// Session statuses.
const (
	SessionActive = "active"
	SessionEnded  = "ended"
)

// Agent statuses. Transitions: idle ⇄ busy, busy → error after 3
// consecutive failures, error → idle on success or reset, any → disabled
// on terminate.
const (
	AgentIdle       = "idle"
	AgentBusy       = "busy"
	AgentError      = "error"
	AgentDisabled   = "disabled"
	AgentTerminated = "terminated"
)

// Focus types for specialty matching. Empty = generalist.
const (
	FocusSocial   = "social"
	FocusDevops   = "devops"
	FocusAnalysis = "analysis"
	FocusCreative = "creative"
	FocusResearch = "research"
)

// Session is one conversation owned by an agent.
type Session struct {
	ID            uuid.UUID      `json:"id"`
	AgentID       string         `json:"agent_id"`
	Type          string         `json:"type"` // chat | roundtable | swarm | cron
	Title         string         `json:"title,omitempty"`
	Model         string         `json:"model,omitempty"` // override; empty = agent default
	Temperature   float64        `json:"temperature"`
	MaxTokens     int            `json:"max_tokens"`
	ContextWindow int            `json:"context_window"`
	SystemPrompt  string         `json:"system_prompt,omitempty"`
	Status        string         `json:"status"`
	MessageCount  int            `json:"message_count"`
	TotalTokens   int64          `json:"total_tokens"`
	TotalCost     float64        `json:"total_cost"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	EndedAt       *time.Time     `json:"ended_at,omitempty"`
}

// ToolCall is one tool invocation requested by the LLM.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"` // JSON string as the model produced it
}

// Message is one turn within a session. Coordination turns use roles
// "round-<N>", "swarm-<N>", "synthesis" and "consensus".
type Message struct {
	ID           uuid.UUID         `json:"id"`
	SessionID    uuid.UUID         `json:"session_id"`
	Role         string            `json:"role"`
	Content      string            `json:"content"`
	Thinking     string            `json:"thinking,omitempty"`
	ToolCalls    []ToolCall        `json:"tool_calls,omitempty"`
	ToolCallID   string            `json:"tool_call_id,omitempty"` // for role "tool"
	ToolResults  map[string]string `json:"tool_results,omitempty"` // by tool_call_id
	Model        string            `json:"model,omitempty"`
	TokensInput  int               `json:"tokens_input"`
	TokensOutput int               `json:"tokens_output"`
	Cost         float64           `json:"cost"`
	LatencyMS    int64             `json:"latency_ms"`
	Metadata     map[string]any    `json:"metadata,omitempty"`
	Embedding    []float32         `json:"-"` // optional, cross-session recall
	CreatedAt    time.Time         `json:"created_at"`
}

// AgentState is the durable record of a registered agent.
type AgentState struct {
	AgentID             string         `json:"agent_id"` // stable slug
	DisplayName         string         `json:"display_name"`
	AgentType           string         `json:"agent_type"`
	FocusType           string         `json:"focus_type,omitempty"` // empty = generalist
	Model               string         `json:"model"`
	FallbackModel       string         `json:"fallback_model,omitempty"`
	ParentAgentID       string         `json:"parent_agent_id,omitempty"`
	Enabled             bool           `json:"enabled"`
	Status              string         `json:"status"`
	PheromoneScore      float64        `json:"pheromone_score"` // [0,1], cold start 0.5
	ConsecutiveFailures int            `json:"consecutive_failures"`
	CurrentSessionID    *uuid.UUID     `json:"current_session_id,omitempty"`
	CurrentTask         string         `json:"current_task,omitempty"`
	LastActiveAt        *time.Time     `json:"last_active_at,omitempty"`
	Skills              []string       `json:"skills,omitempty"` // allowlist; nil = all
	Metadata            map[string]any `json:"metadata,omitempty"`
	CreatedAt           time.Time      `json:"created_at"`
	UpdatedAt           time.Time      `json:"updated_at"`
}

// PerformanceRecord is one routing observation. Kept in memory only,
// bounded at 200 per agent; the persisted pheromone_score is derived
// from these, never the other way round.
type PerformanceRecord struct {
	Success    bool
	SpeedScore float64 // [0,1], 1 = instant
	CostScore  float64 // [0,1], 1 = free
	DurationMS int64
	TaskType   string
	CreatedAt  time.Time
}

// Cron payload types.
const (
	PayloadPrompt   = "prompt"
	PayloadSkill    = "skill"
	PayloadPipeline = "pipeline"
)

// Cron session modes.
const (
	SessionModeIsolated   = "isolated"
	SessionModeShared     = "shared"
	SessionModePersistent = "persistent"
)

// CronJob is a scheduled dispatch through the agent pool.
type CronJob struct {
	ID           uuid.UUID  `json:"id"`
	Name         string     `json:"name"`
	Schedule     string     `json:"schedule"` // 5/6-field cron or "<N>{s|m|h}"
	AgentID      string     `json:"agent_id"`
	Enabled      bool       `json:"enabled"`
	PayloadType  string     `json:"payload_type"` // prompt | skill | pipeline
	Payload      string     `json:"payload"`      // opaque to the scheduler
	SessionMode  string     `json:"session_mode"` // isolated | shared | persistent
	MaxDuration  int        `json:"max_duration_seconds"` // 10–3600
	RetryCount   int        `json:"retry_count"`          // 0–5
	LastRunAt    *time.Time `json:"last_run_at,omitempty"`
	LastStatus   string     `json:"last_status,omitempty"`
	LastDuration int64      `json:"last_duration_ms"`
	LastError    string     `json:"last_error,omitempty"`
	NextRunAt    *time.Time `json:"next_run_at,omitempty"`
	RunCount     int        `json:"run_count"`
	SuccessCount int        `json:"success_count"`
	FailCount    int        `json:"fail_count"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// CronRun is one recorded job execution (history).
type CronRun struct {
	ID         uuid.UUID `json:"id"`
	JobID      uuid.UUID `json:"job_id"`
	Status     string    `json:"status"` // success | failed | timeout | skipped
	DurationMS int64     `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
}

// SessionStats summarizes the working tables for dashboards and metrics.
type SessionStats struct {
	Sessions      int            `json:"sessions"`
	Messages      int            `json:"messages"`
	ByType        map[string]int `json:"by_type"`
	ByStatus      map[string]int `json:"by_status"`
	TotalTokens   int64          `json:"total_tokens"`
	TotalCost     float64        `json:"total_cost"`
	ActiveAgents  int            `json:"active_agents"`
	OldestSession *time.Time     `json:"oldest_session,omitempty"`
}

// NewID returns a time-ordered UUID for new rows.
func NewID() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}

package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// SessionFilter narrows ListSessions.
type SessionFilter struct {
	AgentID string
	Type    string
	Status  string
	Search  string // trigram ILIKE over title and message content
	Since   *time.Time
	Until   *time.Time
	Limit   int
	Offset  int
}

// CounterUpdate is applied to a session in its own transaction, separate
// from message inserts, so a deadlock on the counter row never rolls back
// persisted messages.
type CounterUpdate struct {
	Messages int
	Tokens   int64
	Cost     float64
}

// SessionStore owns the durable copy of sessions and messages.
type SessionStore interface {
	CreateSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, id uuid.UUID) (*Session, error)
	ListSessions(ctx context.Context, f SessionFilter) ([]*Session, int, error)
	UpdateSession(ctx context.Context, s *Session) error
	SetTitle(ctx context.Context, id uuid.UUID, title string) error
	EndSession(ctx context.Context, id uuid.UUID) error
	ReactivateSession(ctx context.Context, id uuid.UUID) error
	DeleteSession(ctx context.Context, id uuid.UUID) error
	BumpCounters(ctx context.Context, id uuid.UUID, u CounterUpdate) error

	AddMessage(ctx context.Context, m *Message) error
	GetMessages(ctx context.Context, sessionID uuid.UUID, limit int) ([]*Message, error)
	CountMessages(ctx context.Context, sessionID uuid.UUID) (int, error)
	HasRecentDuplicate(ctx context.Context, sessionID uuid.UUID, role, content string, window time.Duration) (bool, error)

	// ArchiveSession copies the session row and all its messages to the
	// *_archive tables and deletes them from the working tables, in one
	// transaction.
	ArchiveSession(ctx context.Context, id uuid.UUID) error
	GetArchivedSession(ctx context.Context, id uuid.UUID) (*Session, []*Message, error)
	// PruneIdle archives every session idle longer than the cutoff.
	// With dryRun it only reports what would be archived.
	PruneIdle(ctx context.Context, idle time.Duration, dryRun bool) ([]uuid.UUID, error)
	// PurgeGhosts deletes sessions with zero messages older than the cutoff.
	PurgeGhosts(ctx context.Context, olderThan time.Duration) (int, error)

	// SemanticRecall searches messages across an agent's sessions by
	// embedding similarity. KeywordRecall is the fallback when the agent
	// has no embedded messages yet.
	SemanticRecall(ctx context.Context, agentID string, embedding []float32, limit int) ([]*Message, error)
	KeywordRecall(ctx context.Context, agentID string, keywords []string, limit int) ([]*Message, error)
	HasEmbeddings(ctx context.Context, agentID string) (bool, error)

	Stats(ctx context.Context, agentID string) (*SessionStats, error)
}

// AgentStore owns the durable AgentState rows.
type AgentStore interface {
	UpsertAgent(ctx context.Context, a *AgentState) error
	GetAgent(ctx context.Context, agentID string) (*AgentState, error)
	ListAgents(ctx context.Context) ([]*AgentState, error)
	UpdateStatus(ctx context.Context, agentID, status string, failures int) error
	UpdateActivity(ctx context.Context, agentID string, sessionID *uuid.UUID, task string) error
	UpdateScore(ctx context.Context, agentID string, score float64) error
	DeleteAgent(ctx context.Context, agentID string) error
}

// CronStore owns the durable CronJob rows and run history.
type CronStore interface {
	CreateJob(ctx context.Context, j *CronJob) error
	UpdateJob(ctx context.Context, j *CronJob) error
	GetJob(ctx context.Context, id uuid.UUID) (*CronJob, error)
	ListJobs(ctx context.Context, enabledOnly bool) ([]*CronJob, error)
	DeleteJob(ctx context.Context, id uuid.UUID) error
	// RecordRun persists one execution outcome and the derived job
	// counters (last_*, run_count, success/fail counts, next_run_at).
	RecordRun(ctx context.Context, run *CronRun, nextRunAt *time.Time) error
	History(ctx context.Context, jobID uuid.UUID, limit int) ([]*CronRun, error)
}

// Stores bundles every store behind one handle, built once at startup.
type Stores struct {
	Sessions SessionStore
	Agents   AgentStore
	Cron     CronStore
}

package pg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ariaengine/aria/internal/store"
)

// AgentStore implements store.AgentStore on Postgres.
type AgentStore struct {
	pool *pgxpool.Pool
}

func NewAgentStore(pool *pgxpool.Pool) *AgentStore {
	return &AgentStore{pool: pool}
}

const agentCols = `agent_id, display_name, agent_type, focus_type, model,
	fallback_model, parent_agent_id, enabled, status, pheromone_score,
	consecutive_failures, current_session_id, current_task, last_active_at,
	skills, metadata, created_at, updated_at`

func scanAgent(row pgx.Row) (*store.AgentState, error) {
	var a store.AgentState
	var skills, meta []byte
	err := row.Scan(&a.AgentID, &a.DisplayName, &a.AgentType, &a.FocusType,
		&a.Model, &a.FallbackModel, &a.ParentAgentID, &a.Enabled, &a.Status,
		&a.PheromoneScore, &a.ConsecutiveFailures, &a.CurrentSessionID,
		&a.CurrentTask, &a.LastActiveAt, &skills, &meta, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrAgentNotFound
		}
		return nil, err
	}
	if len(skills) > 0 {
		_ = json.Unmarshal(skills, &a.Skills)
	}
	if len(meta) > 0 {
		_ = json.Unmarshal(meta, &a.Metadata)
	}
	return &a, nil
}

func (st *AgentStore) UpsertAgent(ctx context.Context, a *store.AgentState) error {
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	if a.Status == "" {
		a.Status = store.AgentIdle
	}
	if a.PheromoneScore == 0 {
		a.PheromoneScore = 0.5
	}
	var skills, meta []byte
	if a.Skills != nil {
		skills, _ = json.Marshal(a.Skills)
	}
	if len(a.Metadata) > 0 {
		meta, _ = json.Marshal(a.Metadata)
	}

	_, err := st.pool.Exec(ctx, `
		INSERT INTO engine.agent_state (`+agentCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
		ON CONFLICT (agent_id) DO UPDATE SET
			display_name=$2, agent_type=$3, focus_type=$4, model=$5,
			fallback_model=$6, parent_agent_id=$7, enabled=$8, status=$9,
			skills=$15, metadata=$16, updated_at=$18`,
		a.AgentID, a.DisplayName, a.AgentType, a.FocusType, a.Model,
		a.FallbackModel, a.ParentAgentID, a.Enabled, a.Status,
		a.PheromoneScore, a.ConsecutiveFailures, a.CurrentSessionID,
		a.CurrentTask, a.LastActiveAt, skills, meta, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert agent %s: %w", a.AgentID, err)
	}
	return nil
}

func (st *AgentStore) GetAgent(ctx context.Context, agentID string) (*store.AgentState, error) {
	row := st.pool.QueryRow(ctx,
		`SELECT `+agentCols+` FROM engine.agent_state WHERE agent_id=$1`, agentID)
	return scanAgent(row)
}

func (st *AgentStore) ListAgents(ctx context.Context) ([]*store.AgentState, error) {
	rows, err := st.pool.Query(ctx,
		`SELECT `+agentCols+` FROM engine.agent_state ORDER BY agent_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*store.AgentState
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (st *AgentStore) UpdateStatus(ctx context.Context, agentID, status string, failures int) error {
	tag, err := st.pool.Exec(ctx, `
		UPDATE engine.agent_state
		SET status=$2, consecutive_failures=$3, updated_at=now()
		WHERE agent_id=$1`, agentID, status, failures)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrAgentNotFound
	}
	return nil
}

func (st *AgentStore) UpdateActivity(ctx context.Context, agentID string, sessionID *uuid.UUID, task string) error {
	_, err := st.pool.Exec(ctx, `
		UPDATE engine.agent_state
		SET current_session_id=$2, current_task=$3, last_active_at=now(), updated_at=now()
		WHERE agent_id=$1`, agentID, sessionID, task)
	return err
}

// UpdateScore persists a recomputed pheromone score atomically.
func (st *AgentStore) UpdateScore(ctx context.Context, agentID string, score float64) error {
	tag, err := st.pool.Exec(ctx, `
		UPDATE engine.agent_state SET pheromone_score=$2, updated_at=now()
		WHERE agent_id=$1`, agentID, score)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrAgentNotFound
	}
	return nil
}

func (st *AgentStore) DeleteAgent(ctx context.Context, agentID string) error {
	tag, err := st.pool.Exec(ctx,
		`DELETE FROM engine.agent_state WHERE agent_id=$1`, agentID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrAgentNotFound
	}
	return nil
}

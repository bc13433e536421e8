package pg

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ariaengine/aria/internal/store"
)

// CronStore implements store.CronStore on Postgres. Jobs survive
// restarts; the scheduler rehydrates from here on start.
type CronStore struct {
	pool *pgxpool.Pool
}

func NewCronStore(pool *pgxpool.Pool) *CronStore {
	return &CronStore{pool: pool}
}

const cronCols = `id, name, schedule, agent_id, enabled, payload_type, payload,
	session_mode, max_duration_seconds, retry_count, last_run_at, last_status,
	last_duration_ms, last_error, next_run_at, run_count, success_count,
	fail_count, created_at, updated_at`

func scanJob(row pgx.Row) (*store.CronJob, error) {
	var j store.CronJob
	err := row.Scan(&j.ID, &j.Name, &j.Schedule, &j.AgentID, &j.Enabled,
		&j.PayloadType, &j.Payload, &j.SessionMode, &j.MaxDuration,
		&j.RetryCount, &j.LastRunAt, &j.LastStatus, &j.LastDuration,
		&j.LastError, &j.NextRunAt, &j.RunCount, &j.SuccessCount,
		&j.FailCount, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrJobNotFound
		}
		return nil, err
	}
	return &j, nil
}

func (st *CronStore) CreateJob(ctx context.Context, j *store.CronJob) error {
	if j.ID == uuid.Nil {
		j.ID = store.NewID()
	}
	now := time.Now().UTC()
	j.CreatedAt = now
	j.UpdatedAt = now

	_, err := st.pool.Exec(ctx, `
		INSERT INTO engine.cron_jobs (`+cronCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)`,
		j.ID, j.Name, j.Schedule, j.AgentID, j.Enabled, j.PayloadType,
		j.Payload, j.SessionMode, j.MaxDuration, j.RetryCount, j.LastRunAt,
		j.LastStatus, j.LastDuration, j.LastError, j.NextRunAt, j.RunCount,
		j.SuccessCount, j.FailCount, j.CreatedAt, j.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create cron job: %w", err)
	}
	return nil
}

func (st *CronStore) UpdateJob(ctx context.Context, j *store.CronJob) error {
	j.UpdatedAt = time.Now().UTC()
	tag, err := st.pool.Exec(ctx, `
		UPDATE engine.cron_jobs SET
			name=$2, schedule=$3, agent_id=$4, enabled=$5, payload_type=$6,
			payload=$7, session_mode=$8, max_duration_seconds=$9,
			retry_count=$10, next_run_at=$11, updated_at=$12
		WHERE id=$1`,
		j.ID, j.Name, j.Schedule, j.AgentID, j.Enabled, j.PayloadType,
		j.Payload, j.SessionMode, j.MaxDuration, j.RetryCount, j.NextRunAt,
		j.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrJobNotFound
	}
	return nil
}

func (st *CronStore) GetJob(ctx context.Context, id uuid.UUID) (*store.CronJob, error) {
	row := st.pool.QueryRow(ctx,
		`SELECT `+cronCols+` FROM engine.cron_jobs WHERE id=$1`, id)
	return scanJob(row)
}

func (st *CronStore) ListJobs(ctx context.Context, enabledOnly bool) ([]*store.CronJob, error) {
	query := `SELECT ` + cronCols + ` FROM engine.cron_jobs`
	if enabledOnly {
		query += ` WHERE enabled`
	}
	query += ` ORDER BY name`

	rows, err := st.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*store.CronJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (st *CronStore) DeleteJob(ctx context.Context, id uuid.UUID) error {
	tag, err := st.pool.Exec(ctx, `DELETE FROM engine.cron_jobs WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrJobNotFound
	}
	return nil
}

// RecordRun persists one execution outcome and the derived job counters
// in a single transaction.
func (st *CronStore) RecordRun(ctx context.Context, run *store.CronRun, nextRunAt *time.Time) error {
	if run.ID == uuid.Nil {
		run.ID = store.NewID()
	}

	tx, err := st.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		INSERT INTO engine.cron_runs (id, job_id, status, duration_ms, error, started_at)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		run.ID, run.JobID, run.Status, run.DurationMS, run.Error, run.StartedAt); err != nil {
		return fmt.Errorf("record cron run: %w", err)
	}

	success := 0
	fail := 0
	switch run.Status {
	case "success":
		success = 1
	case "failed", "timeout":
		fail = 1
	}
	if _, err := tx.Exec(ctx, `
		UPDATE engine.cron_jobs SET
			last_run_at=$2, last_status=$3, last_duration_ms=$4, last_error=$5,
			next_run_at=$6, run_count=run_count+1,
			success_count=success_count+$7, fail_count=fail_count+$8,
			updated_at=now()
		WHERE id=$1`,
		run.JobID, run.StartedAt, run.Status, run.DurationMS, run.Error,
		nextRunAt, success, fail); err != nil {
		return fmt.Errorf("update cron job counters: %w", err)
	}
	return tx.Commit(ctx)
}

func (st *CronStore) History(ctx context.Context, jobID uuid.UUID, limit int) ([]*store.CronRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := st.pool.Query(ctx, `
		SELECT id, job_id, status, duration_ms, error, started_at
		FROM engine.cron_runs WHERE job_id=$1
		ORDER BY started_at DESC LIMIT $2`, jobID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*store.CronRun
	for rows.Next() {
		var r store.CronRun
		if err := rows.Scan(&r.ID, &r.JobID, &r.Status, &r.DurationMS, &r.Error, &r.StartedAt); err != nil {
			return nil, err
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

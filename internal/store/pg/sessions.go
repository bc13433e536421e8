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

// SessionStore implements store.SessionStore on Postgres.
type SessionStore struct {
	pool *pgxpool.Pool
}

func NewSessionStore(pool *pgxpool.Pool) *SessionStore {
	return &SessionStore{pool: pool}
}

const sessionCols = `id, agent_id, type, title, model, temperature, max_tokens,
	context_window, system_prompt, status, message_count, total_tokens,
	total_cost, metadata, created_at, updated_at, ended_at`

func scanSession(row pgx.Row) (*store.Session, error) {
	var s store.Session
	var meta []byte
	err := row.Scan(&s.ID, &s.AgentID, &s.Type, &s.Title, &s.Model,
		&s.Temperature, &s.MaxTokens, &s.ContextWindow, &s.SystemPrompt,
		&s.Status, &s.MessageCount, &s.TotalTokens, &s.TotalCost, &meta,
		&s.CreatedAt, &s.UpdatedAt, &s.EndedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrSessionNotFound
		}
		return nil, err
	}
	if len(meta) > 0 {
		_ = json.Unmarshal(meta, &s.Metadata)
	}
	return &s, nil
}

func (st *SessionStore) CreateSession(ctx context.Context, s *store.Session) error {
	if s.ID == uuid.Nil {
		s.ID = store.NewID()
	}
	now := time.Now().UTC()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = s.CreatedAt
	if s.Status == "" {
		s.Status = store.SessionActive
	}
	meta, _ := json.Marshal(s.Metadata)

	_, err := st.pool.Exec(ctx, `
		INSERT INTO engine.chat_sessions (`+sessionCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		s.ID, s.AgentID, s.Type, s.Title, s.Model, s.Temperature, s.MaxTokens,
		s.ContextWindow, s.SystemPrompt, s.Status, s.MessageCount,
		s.TotalTokens, s.TotalCost, meta, s.CreatedAt, s.UpdatedAt, s.EndedAt)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (st *SessionStore) GetSession(ctx context.Context, id uuid.UUID) (*store.Session, error) {
	row := st.pool.QueryRow(ctx,
		`SELECT `+sessionCols+` FROM engine.chat_sessions WHERE id = $1`, id)
	return scanSession(row)
}

func (st *SessionStore) ListSessions(ctx context.Context, f store.SessionFilter) ([]*store.Session, int, error) {
	where := "WHERE TRUE"
	args := []any{}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.AgentID != "" {
		where += " AND s.agent_id = " + arg(f.AgentID)
	}
	if f.Type != "" {
		where += " AND s.type = " + arg(f.Type)
	}
	if f.Status != "" {
		where += " AND s.status = " + arg(f.Status)
	}
	if f.Since != nil {
		where += " AND s.updated_at >= " + arg(*f.Since)
	}
	if f.Until != nil {
		where += " AND s.updated_at <= " + arg(*f.Until)
	}
	if f.Search != "" {
		// Trigram-backed ILIKE over titles and message content.
		p := arg("%" + f.Search + "%")
		where += ` AND (s.title ILIKE ` + p + ` OR EXISTS (
			SELECT 1 FROM engine.chat_messages m
			WHERE m.session_id = s.id AND m.content ILIKE ` + p + `))`
	}

	var total int
	if err := st.pool.QueryRow(ctx,
		`SELECT count(*) FROM engine.chat_sessions s `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count sessions: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + prefixCols("s", sessionCols) + ` FROM engine.chat_sessions s ` +
		where + ` ORDER BY s.updated_at DESC LIMIT ` + arg(limit) + ` OFFSET ` + arg(f.Offset)

	rows, err := st.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*store.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, s)
	}
	return out, total, rows.Err()
}

func (st *SessionStore) UpdateSession(ctx context.Context, s *store.Session) error {
	meta, _ := json.Marshal(s.Metadata)
	tag, err := st.pool.Exec(ctx, `
		UPDATE engine.chat_sessions SET
			title=$2, model=$3, temperature=$4, max_tokens=$5, context_window=$6,
			system_prompt=$7, status=$8, metadata=$9, updated_at=now()
		WHERE id=$1`,
		s.ID, s.Title, s.Model, s.Temperature, s.MaxTokens, s.ContextWindow,
		s.SystemPrompt, s.Status, meta)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrSessionNotFound
	}
	return nil
}

func (st *SessionStore) SetTitle(ctx context.Context, id uuid.UUID, title string) error {
	_, err := st.pool.Exec(ctx,
		`UPDATE engine.chat_sessions SET title=$2, updated_at=now() WHERE id=$1`, id, title)
	return err
}

func (st *SessionStore) EndSession(ctx context.Context, id uuid.UUID) error {
	tag, err := st.pool.Exec(ctx, `
		UPDATE engine.chat_sessions SET status=$2, ended_at=now(), updated_at=now()
		WHERE id=$1`, id, store.SessionEnded)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrSessionNotFound
	}
	return nil
}

func (st *SessionStore) ReactivateSession(ctx context.Context, id uuid.UUID) error {
	tag, err := st.pool.Exec(ctx, `
		UPDATE engine.chat_sessions SET status=$2, ended_at=NULL, updated_at=now()
		WHERE id=$1`, id, store.SessionActive)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrSessionNotFound
	}
	return nil
}

func (st *SessionStore) DeleteSession(ctx context.Context, id uuid.UUID) error {
	tx, err := st.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if _, err := tx.Exec(ctx, `DELETE FROM engine.chat_messages WHERE session_id=$1`, id); err != nil {
		return err
	}
	tag, err := tx.Exec(ctx, `DELETE FROM engine.chat_sessions WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrSessionNotFound
	}
	return tx.Commit(ctx)
}

// BumpCounters runs in its own implicit transaction, deliberately apart
// from message inserts (FK lock + row update in one tx deadlocks under
// concurrent turns).
func (st *SessionStore) BumpCounters(ctx context.Context, id uuid.UUID, u store.CounterUpdate) error {
	_, err := st.pool.Exec(ctx, `
		UPDATE engine.chat_sessions SET
			message_count = message_count + $2,
			total_tokens  = total_tokens + $3,
			total_cost    = total_cost + $4,
			updated_at    = now()
		WHERE id = $1`,
		id, u.Messages, u.Tokens, u.Cost)
	return err
}

// ArchiveSession copies the session and its messages into the archive
// tables and removes them from the working set, all in one transaction.
func (st *SessionStore) ArchiveSession(ctx context.Context, id uuid.UUID) error {
	tx, err := st.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		INSERT INTO engine.chat_sessions_archive
		SELECT * FROM engine.chat_sessions WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("archive session row: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrSessionNotFound
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO engine.chat_messages_archive
		SELECT * FROM engine.chat_messages WHERE session_id=$1`, id); err != nil {
		return fmt.Errorf("archive messages: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM engine.chat_messages WHERE session_id=$1`, id); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `DELETE FROM engine.chat_sessions WHERE id=$1`, id); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (st *SessionStore) GetArchivedSession(ctx context.Context, id uuid.UUID) (*store.Session, []*store.Message, error) {
	row := st.pool.QueryRow(ctx,
		`SELECT `+sessionCols+` FROM engine.chat_sessions_archive WHERE id=$1`, id)
	s, err := scanSession(row)
	if err != nil {
		return nil, nil, err
	}

	rows, err := st.pool.Query(ctx, `
		SELECT `+messageCols+` FROM engine.chat_messages_archive
		WHERE session_id=$1 ORDER BY created_at, id`, id)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var msgs []*store.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, nil, err
		}
		msgs = append(msgs, m)
	}
	return s, msgs, rows.Err()
}

func (st *SessionStore) PruneIdle(ctx context.Context, idle time.Duration, dryRun bool) ([]uuid.UUID, error) {
	cutoff := time.Now().UTC().Add(-idle)
	rows, err := st.pool.Query(ctx,
		`SELECT id FROM engine.chat_sessions WHERE updated_at < $1`, cutoff)
	if err != nil {
		return nil, err
	}
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if dryRun {
		return ids, nil
	}
	for _, id := range ids {
		if err := st.ArchiveSession(ctx, id); err != nil && !errors.Is(err, store.ErrSessionNotFound) {
			return ids, fmt.Errorf("prune session %s: %w", id, err)
		}
	}
	return ids, nil
}

func (st *SessionStore) PurgeGhosts(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	tag, err := st.pool.Exec(ctx, `
		DELETE FROM engine.chat_sessions s
		WHERE s.created_at < $1
		  AND NOT EXISTS (SELECT 1 FROM engine.chat_messages m WHERE m.session_id = s.id)`,
		cutoff)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (st *SessionStore) Stats(ctx context.Context, agentID string) (*store.SessionStats, error) {
	stats := &store.SessionStats{
		ByType:   make(map[string]int),
		ByStatus: make(map[string]int),
	}

	where := ""
	args := []any{}
	if agentID != "" {
		where = " WHERE agent_id = $1"
		args = append(args, agentID)
	}

	rows, err := st.pool.Query(ctx, `
		SELECT type, status, count(*), coalesce(sum(message_count),0),
		       coalesce(sum(total_tokens),0), coalesce(sum(total_cost),0),
		       min(created_at)
		FROM engine.chat_sessions`+where+`
		GROUP BY type, status`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var typ, status string
		var n, msgs int
		var tokens int64
		var cost float64
		var oldest *time.Time
		if err := rows.Scan(&typ, &status, &n, &msgs, &tokens, &cost, &oldest); err != nil {
			return nil, err
		}
		stats.Sessions += n
		stats.Messages += msgs
		stats.ByType[typ] += n
		stats.ByStatus[status] += n
		stats.TotalTokens += tokens
		stats.TotalCost += cost
		if oldest != nil && (stats.OldestSession == nil || oldest.Before(*stats.OldestSession)) {
			stats.OldestSession = oldest
		}
	}
	return stats, rows.Err()
}

// prefixCols rewrites "a, b, c" into "s.a, s.b, s.c" for joined queries.
func prefixCols(prefix, cols string) string {
	out := ""
	for i, c := range splitCols(cols) {
		if i > 0 {
			out += ", "
		}
		out += prefix + "." + c
	}
	return out
}

func splitCols(cols string) []string {
	var out []string
	field := ""
	for _, r := range cols {
		switch r {
		case ',':
			out = append(out, field)
			field = ""
		case ' ', '\n', '\t':
		default:
			field += string(r)
		}
	}
	if field != "" {
		out = append(out, field)
	}
	return out
}

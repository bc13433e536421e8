package pg

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ariaengine/aria/internal/store"
)

const messageCols = `id, session_id, role, content, thinking, tool_calls,
	tool_call_id, tool_results, model, tokens_input, tokens_output, cost,
	latency_ms, metadata, embedding, created_at`

func scanMessage(row pgx.Row) (*store.Message, error) {
	var m store.Message
	var toolCalls, toolResults, meta []byte
	var embedding *string
	err := row.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.Thinking,
		&toolCalls, &m.ToolCallID, &toolResults, &m.Model, &m.TokensInput,
		&m.TokensOutput, &m.Cost, &m.LatencyMS, &meta, &embedding, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	if len(toolCalls) > 0 {
		_ = json.Unmarshal(toolCalls, &m.ToolCalls)
	}
	if len(toolResults) > 0 {
		_ = json.Unmarshal(toolResults, &m.ToolResults)
	}
	if len(meta) > 0 {
		_ = json.Unmarshal(meta, &m.Metadata)
	}
	if embedding != nil {
		m.Embedding = parseVector(*embedding)
	}
	return &m, nil
}

func (st *SessionStore) AddMessage(ctx context.Context, m *store.Message) error {
	if m.ID == uuid.Nil {
		m.ID = store.NewID()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}

	var toolCalls, toolResults, meta []byte
	if len(m.ToolCalls) > 0 {
		toolCalls, _ = json.Marshal(m.ToolCalls)
	}
	if len(m.ToolResults) > 0 {
		toolResults, _ = json.Marshal(m.ToolResults)
	}
	if len(m.Metadata) > 0 {
		meta, _ = json.Marshal(m.Metadata)
	}
	var embedding *string
	if len(m.Embedding) > 0 {
		v := serializeVector(m.Embedding)
		embedding = &v
	}

	_, err := st.pool.Exec(ctx, `
		INSERT INTO engine.chat_messages (`+messageCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		m.ID, m.SessionID, m.Role, m.Content, m.Thinking, toolCalls,
		m.ToolCallID, toolResults, m.Model, m.TokensInput, m.TokensOutput,
		m.Cost, m.LatencyMS, meta, embedding, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("add message: %w", err)
	}
	return nil
}

// GetMessages returns the session's messages in time order. With a
// limit, the most recent N come back (still oldest-first).
func (st *SessionStore) GetMessages(ctx context.Context, sessionID uuid.UUID, limit int) ([]*store.Message, error) {
	query := `SELECT ` + messageCols + ` FROM engine.chat_messages
		WHERE session_id=$1 ORDER BY created_at, id`
	args := []any{sessionID}
	if limit > 0 {
		query = `SELECT ` + prefixCols("t", messageCols) + ` FROM (
			SELECT ` + messageCols + ` FROM engine.chat_messages
			WHERE session_id=$1 ORDER BY created_at DESC, id DESC LIMIT $2
		) t ORDER BY t.created_at, t.id`
		args = append(args, limit)
	}

	rows, err := st.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("get messages: %w", err)
	}
	defer rows.Close()

	var out []*store.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (st *SessionStore) CountMessages(ctx context.Context, sessionID uuid.UUID) (int, error) {
	var n int
	err := st.pool.QueryRow(ctx,
		`SELECT count(*) FROM engine.chat_messages WHERE session_id=$1`, sessionID).Scan(&n)
	return n, err
}

// HasRecentDuplicate backs the chat engine's dedup guard: an identical
// (session, role, content) within the window means a double submit.
func (st *SessionStore) HasRecentDuplicate(ctx context.Context, sessionID uuid.UUID, role, content string, window time.Duration) (bool, error) {
	var exists bool
	err := st.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM engine.chat_messages
			WHERE session_id=$1 AND role=$2 AND content=$3 AND created_at > $4
		)`, sessionID, role, content, time.Now().UTC().Add(-window)).Scan(&exists)
	return exists, err
}

func (st *SessionStore) HasEmbeddings(ctx context.Context, agentID string) (bool, error) {
	var exists bool
	err := st.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM engine.chat_messages m
			JOIN engine.chat_sessions s ON s.id = m.session_id
			WHERE s.agent_id=$1 AND m.embedding IS NOT NULL
		)`, agentID).Scan(&exists)
	return exists, err
}

// SemanticRecall finds an agent's most similar past messages by cosine
// distance. Tenant isolation is by agent_id filtering only.
func (st *SessionStore) SemanticRecall(ctx context.Context, agentID string, embedding []float32, limit int) ([]*store.Message, error) {
	if limit <= 0 {
		limit = 5
	}
	emb := serializeVector(embedding)
	rows, err := st.pool.Query(ctx, `
		SELECT `+prefixCols("m", messageCols)+`
		FROM engine.chat_messages m
		JOIN engine.chat_sessions s ON s.id = m.session_id
		WHERE s.agent_id=$1 AND m.embedding IS NOT NULL
		  AND 1 - (m.embedding <=> $2::vector) >= 0.3
		ORDER BY m.embedding <=> $2::vector
		LIMIT $3`, agentID, emb, limit)
	if err != nil {
		return nil, fmt.Errorf("semantic recall: %w", err)
	}
	defer rows.Close()
	return collectMessages(rows)
}

// KeywordRecall is the fallback when the agent has no embedded messages
// yet: ILIKE over up to five meaningful keywords.
func (st *SessionStore) KeywordRecall(ctx context.Context, agentID string, keywords []string, limit int) ([]*store.Message, error) {
	if limit <= 0 {
		limit = 5
	}
	if len(keywords) == 0 {
		return nil, nil
	}
	if len(keywords) > 5 {
		keywords = keywords[:5]
	}

	where := `s.agent_id=$1 AND (`
	args := []any{agentID}
	for i, kw := range keywords {
		if i > 0 {
			where += ` OR `
		}
		args = append(args, "%"+kw+"%")
		where += `m.content ILIKE $` + strconv.Itoa(len(args))
	}
	where += `)`
	args = append(args, limit)

	rows, err := st.pool.Query(ctx, `
		SELECT `+prefixCols("m", messageCols)+`
		FROM engine.chat_messages m
		JOIN engine.chat_sessions s ON s.id = m.session_id
		WHERE `+where+`
		ORDER BY m.created_at DESC
		LIMIT $`+strconv.Itoa(len(args)), args...)
	if err != nil {
		return nil, fmt.Errorf("keyword recall: %w", err)
	}
	defer rows.Close()
	return collectMessages(rows)
}

func collectMessages(rows pgx.Rows) ([]*store.Message, error) {
	var out []*store.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// serializeVector renders a pgvector literal: [0.1,0.2,…].
func serializeVector(v []float32) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(f), 'f', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}

func parseVector(s string) []float32 {
	s = strings.Trim(s, "[]")
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]float32, 0, len(parts))
	for _, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil
		}
		out = append(out, float32(f))
	}
	return out
}

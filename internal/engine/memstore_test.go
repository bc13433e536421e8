package engine

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ariaengine/aria/internal/store"
)

// memSessions is an in-memory store.SessionStore for tests.
type memSessions struct {
	mu        sync.Mutex
	sessions  map[uuid.UUID]*store.Session
	messages  map[uuid.UUID][]*store.Message
	archived  map[uuid.UUID]*store.Session
	archMsgs  map[uuid.UUID][]*store.Message
	embedders map[string]bool
}

func newMemSessions() *memSessions {
	return &memSessions{
		sessions:  make(map[uuid.UUID]*store.Session),
		messages:  make(map[uuid.UUID][]*store.Message),
		archived:  make(map[uuid.UUID]*store.Session),
		archMsgs:  make(map[uuid.UUID][]*store.Message),
		embedders: make(map[string]bool),
	}
}

func (m *memSessions) CreateSession(_ context.Context, s *store.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ID == uuid.Nil {
		s.ID = store.NewID()
	}
	now := time.Now().UTC()
	s.CreatedAt, s.UpdatedAt = now, now
	cp := *s
	m.sessions[s.ID] = &cp
	return nil
}

func (m *memSessions) GetSession(_ context.Context, id uuid.UUID) (*store.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, store.ErrSessionNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *memSessions) ListSessions(_ context.Context, f store.SessionFilter) ([]*store.Session, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.Session
	for _, s := range m.sessions {
		if f.AgentID != "" && s.AgentID != f.AgentID {
			continue
		}
		if f.Status != "" && s.Status != f.Status {
			continue
		}
		if f.Type != "" && s.Type != f.Type {
			continue
		}
		cp := *s
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, len(out), nil
}

func (m *memSessions) UpdateSession(_ context.Context, s *store.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; !ok {
		return store.ErrSessionNotFound
	}
	cp := *s
	cp.UpdatedAt = time.Now().UTC()
	m.sessions[s.ID] = &cp
	return nil
}

func (m *memSessions) SetTitle(_ context.Context, id uuid.UUID, title string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return store.ErrSessionNotFound
	}
	s.Title = title
	return nil
}

func (m *memSessions) EndSession(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return store.ErrSessionNotFound
	}
	now := time.Now().UTC()
	s.Status = store.SessionEnded
	s.EndedAt = &now
	return nil
}

func (m *memSessions) ReactivateSession(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return store.ErrSessionNotFound
	}
	s.Status = store.SessionActive
	s.EndedAt = nil
	return nil
}

func (m *memSessions) DeleteSession(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return store.ErrSessionNotFound
	}
	delete(m.sessions, id)
	delete(m.messages, id)
	return nil
}

func (m *memSessions) BumpCounters(_ context.Context, id uuid.UUID, u store.CounterUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return store.ErrSessionNotFound
	}
	s.MessageCount += u.Messages
	s.TotalTokens += u.Tokens
	s.TotalCost += u.Cost
	s.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *memSessions) AddMessage(_ context.Context, msg *store.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if msg.ID == uuid.Nil {
		msg.ID = store.NewID()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	cp := *msg
	m.messages[msg.SessionID] = append(m.messages[msg.SessionID], &cp)
	return nil
}

func (m *memSessions) GetMessages(_ context.Context, sessionID uuid.UUID, limit int) ([]*store.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := m.messages[sessionID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]*store.Message, 0, len(msgs))
	for _, msg := range msgs {
		cp := *msg
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memSessions) CountMessages(_ context.Context, sessionID uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.messages[sessionID]), nil
}

func (m *memSessions) HasRecentDuplicate(_ context.Context, sessionID uuid.UUID, role, content string, window time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().UTC().Add(-window)
	for _, msg := range m.messages[sessionID] {
		if msg.Role == role && msg.Content == content && msg.CreatedAt.After(cutoff) {
			return true, nil
		}
	}
	return false, nil
}

func (m *memSessions) ArchiveSession(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return store.ErrSessionNotFound
	}
	m.archived[id] = s
	m.archMsgs[id] = m.messages[id]
	delete(m.sessions, id)
	delete(m.messages, id)
	return nil
}

func (m *memSessions) GetArchivedSession(_ context.Context, id uuid.UUID) (*store.Session, []*store.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.archived[id]
	if !ok {
		return nil, nil, store.ErrSessionNotFound
	}
	return s, m.archMsgs[id], nil
}

func (m *memSessions) PruneIdle(ctx context.Context, idle time.Duration, dryRun bool) ([]uuid.UUID, error) {
	m.mu.Lock()
	cutoff := time.Now().UTC().Add(-idle)
	var ids []uuid.UUID
	for id, s := range m.sessions {
		if s.UpdatedAt.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()
	if dryRun {
		return ids, nil
	}
	for _, id := range ids {
		if err := m.ArchiveSession(ctx, id); err != nil {
			return ids, err
		}
	}
	return ids, nil
}

func (m *memSessions) PurgeGhosts(_ context.Context, olderThan time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().UTC().Add(-olderThan)
	n := 0
	for id, s := range m.sessions {
		if len(m.messages[id]) == 0 && s.CreatedAt.Before(cutoff) {
			delete(m.sessions, id)
			n++
		}
	}
	return n, nil
}

func (m *memSessions) SemanticRecall(context.Context, string, []float32, int) ([]*store.Message, error) {
	return nil, nil
}

func (m *memSessions) KeywordRecall(_ context.Context, agentID string, keywords []string, limit int) ([]*store.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.Message
	for sid, s := range m.sessions {
		if s.AgentID != agentID {
			continue
		}
		for _, msg := range m.messages[sid] {
			for _, kw := range keywords {
				if strings.Contains(strings.ToLower(msg.Content), strings.ToLower(kw)) {
					cp := *msg
					out = append(out, &cp)
					break
				}
			}
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memSessions) HasEmbeddings(_ context.Context, agentID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.embedders[agentID], nil
}

func (m *memSessions) Stats(_ context.Context, agentID string) (*store.SessionStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := &store.SessionStats{ByType: make(map[string]int), ByStatus: make(map[string]int)}
	for id, s := range m.sessions {
		if agentID != "" && s.AgentID != agentID {
			continue
		}
		st.Sessions++
		st.Messages += len(m.messages[id])
		st.ByType[s.Type]++
		st.ByStatus[s.Status]++
		st.TotalTokens += s.TotalTokens
		st.TotalCost += s.TotalCost
	}
	return st, nil
}

// memAgents is an in-memory store.AgentStore for tests.
type memAgents struct {
	mu     sync.Mutex
	agents map[string]*store.AgentState
}

func newMemAgents() *memAgents {
	return &memAgents{agents: make(map[string]*store.AgentState)}
}

func (m *memAgents) UpsertAgent(_ context.Context, a *store.AgentState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	m.agents[a.AgentID] = &cp
	return nil
}

func (m *memAgents) GetAgent(_ context.Context, id string) (*store.AgentState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	if !ok {
		return nil, store.ErrAgentNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *memAgents) ListAgents(_ context.Context) ([]*store.AgentState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*store.AgentState, 0, len(m.agents))
	for _, a := range m.agents {
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out, nil
}

func (m *memAgents) UpdateStatus(_ context.Context, id, status string, failures int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	if !ok {
		return store.ErrAgentNotFound
	}
	a.Status = status
	a.ConsecutiveFailures = failures
	return nil
}

func (m *memAgents) UpdateActivity(_ context.Context, id string, sessionID *uuid.UUID, task string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.agents[id]; ok {
		now := time.Now().UTC()
		a.CurrentSessionID = sessionID
		a.CurrentTask = task
		a.LastActiveAt = &now
	}
	return nil
}

func (m *memAgents) UpdateScore(_ context.Context, id string, score float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.agents[id]; ok {
		a.PheromoneScore = score
	}
	return nil
}

func (m *memAgents) DeleteAgent(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.agents, id)
	return nil
}

package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ariaengine/aria/internal/providers"
	"github.com/ariaengine/aria/internal/store"
)

type memAgentStore struct {
	mu     sync.Mutex
	agents map[string]*store.AgentState
}

func newMemAgentStore() *memAgentStore {
	return &memAgentStore{agents: make(map[string]*store.AgentState)}
}

func (m *memAgentStore) UpsertAgent(_ context.Context, a *store.AgentState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	m.agents[a.AgentID] = &cp
	return nil
}

func (m *memAgentStore) GetAgent(_ context.Context, id string) (*store.AgentState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	if !ok {
		return nil, store.ErrAgentNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *memAgentStore) ListAgents(_ context.Context) ([]*store.AgentState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*store.AgentState, 0, len(m.agents))
	for _, a := range m.agents {
		cp := *a
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memAgentStore) UpdateStatus(_ context.Context, id, status string, failures int) error {
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

func (m *memAgentStore) UpdateActivity(_ context.Context, id string, sessionID *uuid.UUID, task string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.agents[id]; ok {
		a.CurrentSessionID = sessionID
		a.CurrentTask = task
	}
	return nil
}

func (m *memAgentStore) UpdateScore(_ context.Context, id string, score float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.agents[id]; ok {
		a.PheromoneScore = score
	}
	return nil
}

func (m *memAgentStore) DeleteAgent(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.agents, id)
	return nil
}

type stubProvider struct {
	mu       sync.Mutex
	fail     bool
	delay    time.Duration
	calls    int
	inFlight atomic.Int64
	peak     atomic.Int64
}

func (s *stubProvider) Complete(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	s.mu.Lock()
	s.calls++
	fail := s.fail
	delay := s.delay
	s.mu.Unlock()

	cur := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		p := s.peak.Load()
		if cur <= p || s.peak.CompareAndSwap(p, cur) {
			break
		}
	}

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail {
		return nil, errors.New("upstream unavailable")
	}
	return &providers.ChatResponse{
		Content:      "ok",
		FinishReason: "stop",
		Model:        req.Model,
	}, nil
}

func (s *stubProvider) Stream(ctx context.Context, req providers.ChatRequest, onChunk func(providers.StreamChunk)) (*providers.ChatResponse, error) {
	return s.Complete(ctx, req)
}

func (s *stubProvider) Healthy(context.Context) bool { return true }
func (s *stubProvider) Name() string                 { return "stub" }

func newTestPool(t *testing.T, prov providers.Provider, opts ...Option) (*Pool, *memAgentStore) {
	t.Helper()
	agents := newMemAgentStore()
	p := New(agents, prov, slog.New(slog.DiscardHandler), opts...)
	return p, agents
}

func spawnN(t *testing.T, p *Pool, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := p.Spawn(context.Background(), &store.AgentState{
			AgentID: fmt.Sprintf("agent-%d", i),
			Model:   "local",
			Enabled: true,
		})
		if err != nil {
			t.Fatalf("spawn agent-%d: %v", i, err)
		}
	}
}

func TestSpawnCapAndDuplicates(t *testing.T) {
	p, _ := newTestPool(t, &stubProvider{}, WithMaxAgents(2))
	spawnN(t, p, 2)

	_, err := p.Spawn(context.Background(), &store.AgentState{AgentID: "overflow"})
	if !errors.Is(err, store.ErrPoolFull) {
		t.Fatalf("expected ErrPoolFull, got %v", err)
	}
	_, err = p.Spawn(context.Background(), &store.AgentState{AgentID: "agent-0"})
	if !errors.Is(err, store.ErrDuplicateAgent) {
		t.Fatalf("expected ErrDuplicateAgent, got %v", err)
	}
}

func TestProcessWithCapsConcurrency(t *testing.T) {
	prov := &stubProvider{delay: 20 * time.Millisecond}
	p, _ := newTestPool(t, prov)
	spawnN(t, p, 8)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		for j := 0; j < 3; j++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := p.ProcessWith(context.Background(), fmt.Sprintf("agent-%d", i), "hello", ProcessOpts{})
				if err != nil {
					t.Errorf("process: %v", err)
				}
			}(i)
		}
	}
	wg.Wait()

	if peak := prov.peak.Load(); peak > MaxConcurrent {
		t.Fatalf("observed %d concurrent gateway calls, cap is %d", peak, MaxConcurrent)
	}
	if st := p.Status(); st.PeakInFlight > MaxConcurrent {
		t.Fatalf("pool reported peak %d above cap", st.PeakInFlight)
	}
}

func TestProcessFailureStateMachine(t *testing.T) {
	prov := &stubProvider{fail: true}
	p, agents := newTestPool(t, prov)
	spawnN(t, p, 1)

	for i := 0; i < 2; i++ {
		if _, err := p.ProcessWith(context.Background(), "agent-0", "x", ProcessOpts{}); err == nil {
			t.Fatal("expected failure")
		}
		a, _ := agents.GetAgent(context.Background(), "agent-0")
		if a.Status != store.AgentIdle {
			t.Fatalf("after %d failures status = %q, want idle", i+1, a.Status)
		}
	}

	if _, err := p.ProcessWith(context.Background(), "agent-0", "x", ProcessOpts{}); err == nil {
		t.Fatal("expected failure")
	}
	a, _ := agents.GetAgent(context.Background(), "agent-0")
	if a.Status != store.AgentError {
		t.Fatalf("after 3 failures status = %q, want error", a.Status)
	}
	if a.ConsecutiveFailures != 3 {
		t.Fatalf("failures = %d, want 3", a.ConsecutiveFailures)
	}

	// Any success resets the machine.
	prov.mu.Lock()
	prov.fail = false
	prov.mu.Unlock()
	if _, err := p.ProcessWith(context.Background(), "agent-0", "x", ProcessOpts{}); err != nil {
		t.Fatalf("process after recovery: %v", err)
	}
	a, _ = agents.GetAgent(context.Background(), "agent-0")
	if a.Status != store.AgentIdle || a.ConsecutiveFailures != 0 {
		t.Fatalf("after recovery status = %q failures = %d", a.Status, a.ConsecutiveFailures)
	}
}

func TestTerminateDisablesAgent(t *testing.T) {
	p, agents := newTestPool(t, &stubProvider{})
	spawnN(t, p, 1)

	if err := p.Terminate(context.Background(), "agent-0"); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	if p.Get("agent-0") != nil {
		t.Fatal("handle still present after terminate")
	}
	a, _ := agents.GetAgent(context.Background(), "agent-0")
	if a.Status != store.AgentDisabled {
		t.Fatalf("status = %q, want disabled", a.Status)
	}
	if _, err := p.ProcessWith(context.Background(), "agent-0", "x", ProcessOpts{}); !errors.Is(err, store.ErrAgentNotFound) {
		t.Fatalf("expected ErrAgentNotFound, got %v", err)
	}
	if err := p.Terminate(context.Background(), "agent-0"); !errors.Is(err, store.ErrAgentNotFound) {
		t.Fatalf("double terminate: %v", err)
	}
}

func TestRunParallelCollectsPerSlotErrors(t *testing.T) {
	p, _ := newTestPool(t, &stubProvider{})
	spawnN(t, p, 2)

	results := p.RunParallel(context.Background(), []Task{
		{AgentID: "agent-0", Message: "a"},
		{AgentID: "missing", Message: "b"},
		{AgentID: "agent-1", Message: "c"},
	})
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	if results[0].Err != nil || results[2].Err != nil {
		t.Fatalf("healthy slots errored: %v / %v", results[0].Err, results[2].Err)
	}
	if !errors.Is(results[1].Err, store.ErrAgentNotFound) {
		t.Fatalf("slot 1 err = %v, want ErrAgentNotFound", results[1].Err)
	}
	if results[0].Result == nil || results[0].Result.Content != "ok" {
		t.Fatalf("slot 0 result = %+v", results[0].Result)
	}
}

func TestLoadAllSkipsTerminated(t *testing.T) {
	agents := newMemAgentStore()
	_ = agents.UpsertAgent(context.Background(), &store.AgentState{AgentID: "live", Status: store.AgentIdle})
	_ = agents.UpsertAgent(context.Background(), &store.AgentState{AgentID: "dead", Status: store.AgentTerminated})

	p := New(agents, &stubProvider{}, slog.New(slog.DiscardHandler))
	if err := p.LoadAll(context.Background()); err != nil {
		t.Fatalf("load all: %v", err)
	}
	if p.Get("live") == nil {
		t.Fatal("live agent missing from pool")
	}
	if p.Get("dead") != nil {
		t.Fatal("terminated agent rehydrated")
	}
}

func TestContextTrimmedToLimit(t *testing.T) {
	p, _ := newTestPool(t, &stubProvider{}, WithContextLimit(4))
	spawnN(t, p, 1)

	for i := 0; i < 10; i++ {
		if _, err := p.ProcessWith(context.Background(), "agent-0", fmt.Sprintf("msg %d", i), ProcessOpts{}); err != nil {
			t.Fatalf("process: %v", err)
		}
	}
	ra := p.Get("agent-0")
	ra.mu.Lock()
	n := len(ra.context)
	ra.mu.Unlock()
	if n > 4 {
		t.Fatalf("context holds %d entries, limit is 4", n)
	}
}

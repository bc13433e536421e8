// Package pool owns the runtime agent handles and bounds how many
// messages are processed concurrently. Durable agent state lives in the
// store; the pool keeps a transient RuntimeAgent per registered agent
// with a short in-memory conversation context.
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/ariaengine/aria/internal/providers"
	"github.com/ariaengine/aria/internal/store"
)

const (
	// MaxConcurrent bounds simultaneous ProcessWith executions.
	MaxConcurrent = 5

	// DefaultMaxAgents bounds how many runtime handles Spawn will admit.
	DefaultMaxAgents = 10
)

// Pool manages runtime agents behind a shared concurrency gate.
type Pool struct {
	agents   store.AgentStore
	provider providers.Provider
	log      *slog.Logger

	sem          chan struct{}
	maxAgents    int
	contextLimit int

	mu      sync.RWMutex
	handles map[string]*RuntimeAgent

	// inFlight/peak instrument the concurrency gate for status reporting.
	inFlight atomic.Int64
	peak     atomic.Int64
}

// Option tweaks pool construction.
type Option func(*Pool)

// WithMaxAgents overrides the spawn cap.
func WithMaxAgents(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.maxAgents = n
		}
	}
}

// WithContextLimit sets the in-memory context bound applied to agents
// spawned after this point (AGENT_CONTEXT_LIMIT).
func WithContextLimit(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.contextLimit = n
		}
	}
}

func New(agents store.AgentStore, provider providers.Provider, log *slog.Logger, opts ...Option) *Pool {
	p := &Pool{
		agents:       agents,
		provider:     provider,
		log:          log,
		sem:          make(chan struct{}, MaxConcurrent),
		maxAgents:    DefaultMaxAgents,
		contextLimit: DefaultContextLimit,
		handles:      make(map[string]*RuntimeAgent),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// LoadAll hydrates runtime handles from the persisted agent rows.
// Terminated agents are not rehydrated.
func (p *Pool) LoadAll(ctx context.Context) error {
	states, err := p.agents.ListAgents(ctx)
	if err != nil {
		return fmt.Errorf("load agents: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, st := range states {
		if st.Status == store.AgentTerminated {
			continue
		}
		p.handles[st.AgentID] = newRuntimeAgent(st, p.agents, p.provider, p.contextLimit)
	}
	p.log.Info("agent pool loaded", "agents", len(p.handles))
	return nil
}

// Spawn registers an agent and creates its runtime handle. Fails with
// ErrPoolFull at the handle cap and ErrDuplicateAgent on re-spawn.
func (p *Pool) Spawn(ctx context.Context, state *store.AgentState) (*RuntimeAgent, error) {
	p.mu.Lock()
	if _, ok := p.handles[state.AgentID]; ok {
		p.mu.Unlock()
		return nil, store.ErrDuplicateAgent
	}
	if len(p.handles) >= p.maxAgents {
		p.mu.Unlock()
		return nil, store.ErrPoolFull
	}
	// Reserve the slot before the store round trip so concurrent spawns
	// cannot overshoot the cap.
	ra := newRuntimeAgent(state, p.agents, p.provider, p.contextLimit)
	p.handles[state.AgentID] = ra
	p.mu.Unlock()

	if err := p.agents.UpsertAgent(ctx, state); err != nil {
		p.mu.Lock()
		delete(p.handles, state.AgentID)
		p.mu.Unlock()
		return nil, err
	}
	p.log.Info("agent spawned", "agent_id", state.AgentID, "focus", state.FocusType)
	return ra, nil
}

// Terminate cancels the agent's in-flight work, disables it durably and
// drops the handle.
func (p *Pool) Terminate(ctx context.Context, agentID string) error {
	p.mu.Lock()
	ra, ok := p.handles[agentID]
	if ok {
		delete(p.handles, agentID)
	}
	p.mu.Unlock()
	if !ok {
		return store.ErrAgentNotFound
	}

	ra.cancelInFlight()
	if err := p.agents.UpdateStatus(ctx, agentID, store.AgentDisabled, 0); err != nil {
		return err
	}
	p.log.Info("agent terminated", "agent_id", agentID)
	return nil
}

// Get returns the runtime handle or nil.
func (p *Pool) Get(agentID string) *RuntimeAgent {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.handles[agentID]
}

// AgentIDs lists the handles currently in the pool.
func (p *Pool) AgentIDs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.handles))
	for id := range p.handles {
		out = append(out, id)
	}
	return out
}

// ProcessWith runs one message through one agent under the pool-wide
// concurrency gate.
func (p *Pool) ProcessWith(ctx context.Context, agentID, message string, opts ProcessOpts) (*Result, error) {
	ra := p.Get(agentID)
	if ra == nil {
		return nil, store.ErrAgentNotFound
	}
	if ra.Status() == store.AgentDisabled {
		return nil, store.ErrAgentDisabled
	}

	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-p.sem }()

	cur := p.inFlight.Add(1)
	defer p.inFlight.Add(-1)
	for {
		peak := p.peak.Load()
		if cur <= peak || p.peak.CompareAndSwap(peak, cur) {
			break
		}
	}

	return ra.Process(ctx, message, opts)
}

// Task is one unit of parallel work.
type Task struct {
	AgentID string
	Message string
	Opts    ProcessOpts
}

// TaskResult pairs a task's outcome with its slot. Err is per-slot; a
// failing task never fails the batch.
type TaskResult struct {
	AgentID string
	Result  *Result
	Err     error
}

// RunParallel fans tasks out concurrently and collects results in task
// order.
func (p *Pool) RunParallel(ctx context.Context, tasks []Task) []TaskResult {
	results := make([]TaskResult, len(tasks))
	var wg sync.WaitGroup
	for i, t := range tasks {
		wg.Add(1)
		go func(i int, t Task) {
			defer wg.Done()
			res, err := p.ProcessWith(ctx, t.AgentID, t.Message, t.Opts)
			results[i] = TaskResult{AgentID: t.AgentID, Result: res, Err: err}
		}(i, t)
	}
	wg.Wait()
	return results
}

// AgentSummary is one agent's line in the pool status.
type AgentSummary struct {
	AgentID     string  `json:"agent_id"`
	DisplayName string  `json:"display_name"`
	FocusType   string  `json:"focus_type,omitempty"`
	Status      string  `json:"status"`
	Score       float64 `json:"pheromone_score"`
	Failures    int     `json:"consecutive_failures"`
	CurrentTask string  `json:"current_task,omitempty"`
}

// Status reports counts by status and a per-agent summary.
type Status struct {
	Agents       []AgentSummary `json:"agents"`
	ByStatus     map[string]int `json:"by_status"`
	InFlight     int            `json:"in_flight"`
	PeakInFlight int            `json:"peak_in_flight"`
	Capacity     int            `json:"capacity"`
}

func (p *Pool) Status() Status {
	p.mu.RLock()
	defer p.mu.RUnlock()

	st := Status{
		ByStatus:     make(map[string]int),
		InFlight:     int(p.inFlight.Load()),
		PeakInFlight: int(p.peak.Load()),
		Capacity:     MaxConcurrent,
	}
	for _, ra := range p.handles {
		s := ra.Summary()
		st.Agents = append(st.Agents, s)
		st.ByStatus[s.Status]++
	}
	return st
}

package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ariaengine/aria/internal/providers"
	"github.com/ariaengine/aria/internal/store"
)

const (
	// DefaultHeartbeat is the beat interval for ordinary agents; the
	// main agent beats faster.
	DefaultHeartbeat = 5 * time.Minute
	MainHeartbeat    = 30 * time.Second

	missedBeatsToError = 3
)

// Heartbeats keeps every registered agent's last_active_at fresh and
// flags agents whose beats stop landing.
type Heartbeats struct {
	agents   store.AgentStore
	provider providers.Provider
	log      *slog.Logger

	interval     time.Duration
	mainInterval time.Duration

	mu     sync.Mutex
	missed map[string]int

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

func NewHeartbeats(agents store.AgentStore, provider providers.Provider, log *slog.Logger) *Heartbeats {
	return &Heartbeats{
		agents:       agents,
		provider:     provider,
		log:          log,
		interval:     DefaultHeartbeat,
		mainInterval: MainHeartbeat,
		missed:       make(map[string]int),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// SetIntervals overrides the beat cadences (tests, config).
func (h *Heartbeats) SetIntervals(normal, main time.Duration) {
	if normal > 0 {
		h.interval = normal
	}
	if main > 0 {
		h.mainInterval = main
	}
}

func (h *Heartbeats) Start(ctx context.Context) {
	go h.loop(ctx)
}

func (h *Heartbeats) Stop() {
	h.once.Do(func() { close(h.stop) })
	<-h.done
}

func (h *Heartbeats) loop(ctx context.Context) {
	defer close(h.done)
	// Tick at the fastest cadence; per-agent due times derive from it.
	ticker := time.NewTicker(h.mainInterval)
	defer ticker.Stop()

	lastBeat := make(map[string]time.Time)
	for {
		select {
		case <-h.stop:
			return
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			agents, err := h.agents.ListAgents(ctx)
			if err != nil {
				h.log.Warn("heartbeat listing failed", "error", err)
				continue
			}
			for _, a := range agents {
				if !a.Enabled || a.Status == store.AgentTerminated {
					continue
				}
				interval := h.interval
				if a.AgentID == "main" {
					interval = h.mainInterval
				}
				if last, ok := lastBeat[a.AgentID]; ok && now.Sub(last) < interval {
					continue
				}
				lastBeat[a.AgentID] = now
				h.beat(ctx, a, interval)
			}
		}
	}
}

// beat refreshes one agent's liveness and escalates after three
// consecutive failures.
func (h *Heartbeats) beat(ctx context.Context, a *store.AgentState, interval time.Duration) {
	healthy := h.provider == nil || h.provider.Healthy(ctx)
	err := h.agents.UpdateActivity(ctx, a.AgentID, a.CurrentSessionID, a.CurrentTask)

	h.mu.Lock()
	if err != nil || !healthy {
		h.missed[a.AgentID]++
	} else {
		h.missed[a.AgentID] = 0
	}
	missed := h.missed[a.AgentID]
	h.mu.Unlock()

	if err != nil {
		h.log.Warn("heartbeat failed", "agent_id", a.AgentID, "error", err)
	}

	if missed >= missedBeatsToError && a.Status != store.AgentError {
		h.log.Warn("agent marked error after missed heartbeats",
			"agent_id", a.AgentID, "missed", missed)
		if uerr := h.agents.UpdateStatus(ctx, a.AgentID, store.AgentError, a.ConsecutiveFailures); uerr != nil {
			h.log.Warn("agent status not updated", "agent_id", a.AgentID, "error", uerr)
		}
	}
}

package router

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/ariaengine/aria/internal/store"
)

// fakeAgentStore is an in-memory store.AgentStore for router tests.
type fakeAgentStore struct {
	agents map[string]*store.AgentState
	scores map[string]float64
}

func newFakeAgentStore(agents ...*store.AgentState) *fakeAgentStore {
	f := &fakeAgentStore{
		agents: make(map[string]*store.AgentState),
		scores: make(map[string]float64),
	}
	for _, a := range agents {
		f.agents[a.AgentID] = a
	}
	return f
}

func (f *fakeAgentStore) UpsertAgent(_ context.Context, a *store.AgentState) error {
	f.agents[a.AgentID] = a
	return nil
}

func (f *fakeAgentStore) GetAgent(_ context.Context, id string) (*store.AgentState, error) {
	a, ok := f.agents[id]
	if !ok {
		return nil, store.ErrAgentNotFound
	}
	return a, nil
}

func (f *fakeAgentStore) ListAgents(_ context.Context) ([]*store.AgentState, error) {
	out := make([]*store.AgentState, 0, len(f.agents))
	for _, a := range f.agents {
		out = append(out, a)
	}
	return out, nil
}

func (f *fakeAgentStore) UpdateStatus(_ context.Context, id, status string, failures int) error {
	if a, ok := f.agents[id]; ok {
		a.Status = status
		a.ConsecutiveFailures = failures
	}
	return nil
}

func (f *fakeAgentStore) UpdateActivity(_ context.Context, id string, _ *uuid.UUID, _ string) error {
	return nil
}

func (f *fakeAgentStore) UpdateScore(_ context.Context, id string, score float64) error {
	f.scores[id] = score
	if a, ok := f.agents[id]; ok {
		a.PheromoneScore = score
	}
	return nil
}

func (f *fakeAgentStore) DeleteAgent(_ context.Context, id string) error {
	delete(f.agents, id)
	return nil
}

func coldAgent(id, focus string) *store.AgentState {
	return &store.AgentState{
		AgentID:        id,
		FocusType:      focus,
		Model:          "llama-local",
		Enabled:        true,
		Status:         store.AgentIdle,
		PheromoneScore: 0.5,
	}
}

func testFleet() *fakeAgentStore {
	return newFakeAgentStore(
		coldAgent("main", ""),
		coldAgent("aria-social", store.FocusSocial),
		coldAgent("aria-devops", store.FocusDevops),
		coldAgent("aria-analysis", store.FocusAnalysis),
		coldAgent("aria-creative", store.FocusCreative),
		coldAgent("aria-research", store.FocusResearch),
	)
}

func fleetIDs() []string {
	return []string{"main", "aria-social", "aria-devops", "aria-analysis", "aria-creative", "aria-research"}
}

func TestRouteBySpecialty(t *testing.T) {
	tests := []struct {
		name    string
		message string
		want    string
	}{
		{"devops", "Deploy the Docker container and monitor the CI build", "aria-devops"},
		{"research", "Research the latest papers on knowledge exploration", "aria-research"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New(testFleet())
			got, err := r.Route(context.Background(), tt.message, fleetIDs())
			if err != nil {
				t.Fatalf("Route: %v", err)
			}
			if got != tt.want {
				t.Errorf("Route(%q) = %q, want %q", tt.message, got, tt.want)
			}
		})
	}
}

func TestRouteSingleCandidate(t *testing.T) {
	r := New(testFleet())
	// Disabled or not, a lone candidate is returned as-is.
	got, err := r.Route(context.Background(), "anything", []string{"aria-social"})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if got != "aria-social" {
		t.Errorf("single candidate: got %q", got)
	}
}

func TestRouteEmptyCandidates(t *testing.T) {
	r := New(testFleet())
	_, err := r.Route(context.Background(), "anything", nil)
	if !errors.Is(err, store.ErrNoCandidates) {
		t.Errorf("empty candidates: err = %v, want ErrNoCandidates", err)
	}
}

func TestRouteNeverLeavesCandidateSet(t *testing.T) {
	r := New(testFleet())
	candidates := []string{"aria-social", "aria-creative"}
	got, err := r.Route(context.Background(), "deploy docker ci", candidates)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if got != "aria-social" && got != "aria-creative" {
		t.Errorf("Route returned %q, not in candidate set", got)
	}
}

func TestUpdateScoresRoundTrip(t *testing.T) {
	fs := testFleet()
	r := New(fs)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := r.UpdateScores(ctx, "aria-devops", true, 0, 0); err != nil {
			t.Fatalf("UpdateScores: %v", err)
		}
	}
	afterWins := fs.scores["aria-devops"]
	if afterWins <= 0.9 {
		t.Errorf("three perfect successes: score = %v, want > 0.9", afterWins)
	}

	for i := 0; i < 3; i++ {
		if err := r.UpdateScores(ctx, "aria-devops", false, speedFloorMS, 1); err != nil {
			t.Fatalf("UpdateScores: %v", err)
		}
	}
	afterLosses := fs.scores["aria-devops"]
	if afterLosses >= afterWins {
		t.Errorf("failures should lower score: %v -> %v", afterWins, afterLosses)
	}
	if afterLosses < 0 || afterLosses > 1 {
		t.Errorf("score out of bounds: %v", afterLosses)
	}
}

func TestUpdateScoresRingBufferTrim(t *testing.T) {
	r := New(testFleet())
	ctx := context.Background()
	for i := 0; i < maxRecords+50; i++ {
		if err := r.UpdateScores(ctx, "main", true, 1000, 0.1); err != nil {
			t.Fatalf("UpdateScores: %v", err)
		}
	}
	if n := len(r.Records("main")); n != maxRecords {
		t.Errorf("ring buffer holds %d records, want %d", n, maxRecords)
	}
}

func TestRecencyFeedsRouting(t *testing.T) {
	fs := testFleet()
	r := New(fs)
	ctx := context.Background()

	// A recent losing streak drags recency to 0 for aria-social.
	for i := 0; i < recencyWindow; i++ {
		if err := r.UpdateScores(ctx, "aria-social", false, speedFloorMS, 1); err != nil {
			t.Fatalf("UpdateScores: %v", err)
		}
	}
	got, err := r.Route(context.Background(), "no keywords here", []string{"aria-social", "main"})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if got != "main" {
		t.Errorf("losing streak should lose the route: got %q", got)
	}
}

func TestFallbackChain(t *testing.T) {
	parent := coldAgent("main", "")
	parent.Model = "paid-model"
	parent.FallbackModel = "free-model"
	child := coldAgent("aria-devops", store.FocusDevops)
	child.Model = "local-model"
	child.ParentAgentID = "main"

	r := New(newFakeAgentStore(parent, child))
	chain, err := r.FallbackChain(context.Background(), "aria-devops")
	if err != nil {
		t.Fatalf("FallbackChain: %v", err)
	}

	want := []Fallback{
		{AgentID: "aria-devops", Model: "local-model"},
		{AgentID: "main", Model: "paid-model"},
		{AgentID: "main", Model: "free-model"},
	}
	if len(chain) != len(want) {
		t.Fatalf("chain length %d, want %d (%v)", len(chain), len(want), chain)
	}
	for i := range want {
		if chain[i] != want[i] {
			t.Errorf("chain[%d] = %v, want %v", i, chain[i], want[i])
		}
	}
}

func TestFallbackChainCycle(t *testing.T) {
	a := coldAgent("a", "")
	a.ParentAgentID = "b"
	b := coldAgent("b", "")
	b.ParentAgentID = "a"

	r := New(newFakeAgentStore(a, b))
	chain, err := r.FallbackChain(context.Background(), "a")
	if err != nil {
		t.Fatalf("FallbackChain: %v", err)
	}
	if len(chain) != 2 {
		t.Errorf("cyclic parents: chain = %v, want one entry per agent", chain)
	}
}

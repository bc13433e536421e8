package coordination

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/ariaengine/aria/internal/pool"
	"github.com/ariaengine/aria/internal/providers"
	"github.com/ariaengine/aria/internal/router"
	"github.com/ariaengine/aria/internal/store"
)

// fakeSessions records what the coordinator persists. Unused interface
// methods panic via the embedded nil.
type fakeSessions struct {
	store.SessionStore
	mu       sync.Mutex
	sessions map[uuid.UUID]*store.Session
	messages map[uuid.UUID][]*store.Message
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{
		sessions: make(map[uuid.UUID]*store.Session),
		messages: make(map[uuid.UUID][]*store.Message),
	}
}

func (f *fakeSessions) CreateSession(_ context.Context, s *store.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s.ID = store.NewID()
	cp := *s
	f.sessions[s.ID] = &cp
	return nil
}

func (f *fakeSessions) AddMessage(_ context.Context, m *store.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m.ID = store.NewID()
	cp := *m
	f.messages[m.SessionID] = append(f.messages[m.SessionID], &cp)
	return nil
}

func (f *fakeSessions) EndSession(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sessions[id]; ok {
		s.Status = store.SessionEnded
	}
	return nil
}

func (f *fakeSessions) rolesFor(id uuid.UUID) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var roles []string
	for _, m := range f.messages[id] {
		roles = append(roles, m.Role)
	}
	return roles
}

type fakeAgents struct {
	mu     sync.Mutex
	agents map[string]*store.AgentState
}

func newFakeAgents() *fakeAgents {
	return &fakeAgents{agents: make(map[string]*store.AgentState)}
}

func (f *fakeAgents) UpsertAgent(_ context.Context, a *store.AgentState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *a
	f.agents[a.AgentID] = &cp
	return nil
}

func (f *fakeAgents) GetAgent(_ context.Context, id string) (*store.AgentState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.agents[id]
	if !ok {
		return nil, store.ErrAgentNotFound
	}
	cp := *a
	return &cp, nil
}

func (f *fakeAgents) ListAgents(context.Context) ([]*store.AgentState, error) { return nil, nil }

func (f *fakeAgents) UpdateStatus(_ context.Context, id, status string, failures int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if a, ok := f.agents[id]; ok {
		a.Status = status
		a.ConsecutiveFailures = failures
	}
	return nil
}

func (f *fakeAgents) UpdateActivity(context.Context, string, *uuid.UUID, string) error { return nil }

func (f *fakeAgents) UpdateScore(_ context.Context, id string, score float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if a, ok := f.agents[id]; ok {
		a.PheromoneScore = score
	}
	return nil
}

func (f *fakeAgents) DeleteAgent(context.Context, string) error { return nil }

// modelProvider answers by the requested model name, so each agent can
// behave differently.
type modelProvider struct {
	mu      sync.Mutex
	byModel map[string]func() (string, error)
}

func (p *modelProvider) Complete(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	p.mu.Lock()
	fn := p.byModel[req.Model]
	p.mu.Unlock()
	if fn == nil {
		return &providers.ChatResponse{Content: "default reply", FinishReason: "stop"}, nil
	}
	content, err := fn()
	if err != nil {
		return nil, err
	}
	if content == "SLOW" {
		select {
		case <-time.After(200 * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &providers.ChatResponse{Content: content, FinishReason: "stop"}, nil
}

func (p *modelProvider) Stream(ctx context.Context, req providers.ChatRequest, _ func(providers.StreamChunk)) (*providers.ChatResponse, error) {
	return p.Complete(ctx, req)
}

func (p *modelProvider) Healthy(context.Context) bool { return true }
func (p *modelProvider) Name() string                 { return "fake" }

type rig struct {
	coord    *Coordinator
	sessions *fakeSessions
	agents   *fakeAgents
	router   *router.Router
	provider *modelProvider
}

func newRig(t *testing.T, agentIDs []string, reply func() (string, error)) *rig {
	t.Helper()
	sessions := newFakeSessions()
	agents := newFakeAgents()
	prov := &modelProvider{byModel: make(map[string]func() (string, error))}
	log := slog.New(slog.DiscardHandler)

	p := pool.New(agents, prov, log, pool.WithMaxAgents(len(agentIDs)+1))
	for _, id := range agentIDs {
		model := "model-" + id
		prov.byModel[model] = reply
		if _, err := p.Spawn(context.Background(), &store.AgentState{
			AgentID: id, Model: model, Enabled: true, Status: store.AgentIdle,
			PheromoneScore: 0.5,
		}); err != nil {
			t.Fatalf("spawn %s: %v", id, err)
		}
	}

	rt := router.New(agents)
	return &rig{
		coord:    New(p, rt, sessions, agents, log),
		sessions: sessions,
		agents:   agents,
		router:   rt,
		provider: prov,
	}
}

func (r *rig) setReply(agentID string, fn func() (string, error)) {
	r.provider.mu.Lock()
	defer r.provider.mu.Unlock()
	r.provider.byModel["model-"+agentID] = fn
}

func say(content string) func() (string, error) {
	return func() (string, error) { return content, nil }
}

func TestRoundtableThreeByThree(t *testing.T) {
	agents := []string{"a1", "a2", "a3"}
	r := newRig(t, agents, say("caching by layer with short TTLs"))

	var turnEvents int
	res, err := r.coord.Discuss(context.Background(), DiscussRequest{
		Topic:         "Design a caching strategy",
		AgentIDs:      agents,
		Rounds:        3,
		SynthesizerID: "a1",
	}, func(Turn) { turnEvents++ })
	if err != nil {
		t.Fatalf("discuss: %v", err)
	}

	if len(res.Turns) != 9 {
		t.Fatalf("turn count = %d, want 9", len(res.Turns))
	}
	if turnEvents != 9 {
		t.Fatalf("onTurn fired %d times, want 9", turnEvents)
	}
	if res.Synthesis == "" {
		t.Fatal("empty synthesis")
	}
	if res.Rounds != 3 {
		t.Fatalf("rounds = %d", res.Rounds)
	}

	// One performance record per participant.
	for _, id := range agents {
		if n := len(r.router.Records(id)); n != 1 {
			t.Fatalf("%s has %d performance records, want 1", id, n)
		}
	}

	// Session holds 3 rounds of 3 turns plus the synthesis, and is ended.
	roles := r.sessions.rolesFor(res.SessionID)
	var rounds, synth int
	for _, role := range roles {
		if strings.HasPrefix(role, "round-") {
			rounds++
		}
		if role == "synthesis" {
			synth++
		}
	}
	if rounds != 9 || synth != 1 {
		t.Fatalf("persisted %d round turns and %d syntheses", rounds, synth)
	}
	r.sessions.mu.Lock()
	status := r.sessions.sessions[res.SessionID].Status
	r.sessions.mu.Unlock()
	if status != store.SessionEnded {
		t.Fatalf("session status = %q", status)
	}
}

func TestRoundtableSurvivesAgentTimeout(t *testing.T) {
	agents := []string{"fast", "slow"}
	r := newRig(t, agents, say("quick take"))
	r.setReply("slow", say("SLOW"))

	res, err := r.coord.Discuss(context.Background(), DiscussRequest{
		Topic:        "latency budget",
		AgentIDs:     agents,
		Rounds:       1,
		AgentTimeout: 30 * time.Millisecond,
	}, nil)
	if err != nil {
		t.Fatalf("discuss: %v", err)
	}
	if len(res.Turns) != 2 {
		t.Fatalf("turns = %d, want 2", len(res.Turns))
	}

	byAgent := make(map[string]Turn)
	for _, turn := range res.Turns {
		byAgent[turn.AgentID] = turn
	}
	if !byAgent["slow"].TimedOut || byAgent["slow"].Content != "[slow timed out]" {
		t.Fatalf("slow agent turn = %+v", byAgent["slow"])
	}
	if byAgent["fast"].TimedOut || byAgent["fast"].Content != "quick take" {
		t.Fatalf("fast agent turn = %+v", byAgent["fast"])
	}
}

func TestRoundtableSynthesizerFallback(t *testing.T) {
	agents := []string{"a1", "a2"}
	r := newRig(t, agents, say("position held"))

	res, err := r.coord.Discuss(context.Background(), DiscussRequest{
		Topic:         "topic",
		AgentIDs:      agents,
		Rounds:        1,
		SynthesizerID: "ghost", // not in the pool
	}, nil)
	if err != nil {
		t.Fatalf("discuss: %v", err)
	}
	if !strings.Contains(res.Synthesis, "Synthesis unavailable") {
		t.Fatalf("fallback synthesis missing banner: %q", res.Synthesis)
	}
	if !strings.Contains(res.Synthesis, "position held") {
		t.Fatalf("fallback synthesis lost the turns: %q", res.Synthesis)
	}
}

func TestRoundtableValidation(t *testing.T) {
	r := newRig(t, []string{"a1", "a2"}, say("x"))
	cases := []DiscussRequest{
		{Topic: "", AgentIDs: []string{"a1", "a2"}},
		{Topic: "t", AgentIDs: []string{"a1"}},
		{Topic: "t", AgentIDs: make([]string, MaxRoundtableAgents+1)},
		{Topic: "t", AgentIDs: []string{"a1", "a2"}, Rounds: MaxRounds + 1},
	}
	for i, req := range cases {
		if _, err := r.coord.Discuss(context.Background(), req, nil); err == nil {
			t.Errorf("case %d accepted", i)
		}
	}
}

func TestParseVote(t *testing.T) {
	tests := []struct {
		name     string
		in       string
		wantVote string
		wantConf float64
	}{
		{"explicit tags", "Ship it. [VOTE: agree] [CONFIDENCE: 0.9]", "agree", 0.9},
		{"case insensitive", "no way [vote: DISAGREE] [confidence: 0.35]", "disagree", 0.35},
		{"pivot", "new direction [VOTE: pivot] [CONFIDENCE: 1.0]", "pivot", 1.0},
		{"heuristic agree", "yes, I support this, it is correct", "agree", 0.65},
		{"heuristic disagree", "no, this is wrong, I oppose it", "disagree", 0.65},
		{"heuristic neutral", "let me add some nuance here", "extend", 0.5},
		{"confidence clamped high", "I agree agree agree agree agree agree agree agree agree agree", "agree", 0.9},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vote, conf := parseVote(tt.in)
			if vote != tt.wantVote {
				t.Errorf("vote = %q, want %q", vote, tt.wantVote)
			}
			if diff := conf - tt.wantConf; diff > 1e-9 || diff < -1e-9 {
				t.Errorf("confidence = %g, want %g", conf, tt.wantConf)
			}
		})
	}
}

func TestConsensusScore(t *testing.T) {
	unanimous := []Vote{
		{Vote: "agree", Confidence: 0.9},
		{Vote: "agree", Confidence: 0.9},
		{Vote: "agree", Confidence: 0.9},
	}
	if got := consensusScore(unanimous); got < 0.959 || got > 0.961 {
		t.Fatalf("unanimous score = %g, want 0.96", got)
	}

	split := []Vote{
		{Vote: "agree", Confidence: 0.8},
		{Vote: "agree", Confidence: 0.6},
		{Vote: "disagree", Confidence: 0.9},
	}
	// majority 2/3, mean majority confidence 0.7.
	if got := consensusScore(split); got < 0.679 || got > 0.681 {
		t.Fatalf("split score = %g, want 0.68", got)
	}

	if got := consensusScore(nil); got != 0 {
		t.Fatalf("empty score = %g, want 0", got)
	}
}

func TestSwarmConvergesFirstIteration(t *testing.T) {
	agents := []string{"s1", "s2", "s3"}
	r := newRig(t, agents, say("Ship it. [VOTE: agree] [CONFIDENCE: 0.9]"))

	var voteEvents int
	res, err := r.coord.Execute(context.Background(), SwarmRequest{
		Topic:              "Ship today?",
		AgentIDs:           agents,
		MaxIterations:      5,
		ConsensusThreshold: 0.7,
	}, func(Vote) { voteEvents++ })
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	if !res.Converged {
		t.Fatal("swarm did not converge")
	}
	if res.Iterations != 1 {
		t.Fatalf("iterations = %d, want 1", res.Iterations)
	}
	if res.ConsensusScore < 0.959 || res.ConsensusScore > 0.961 {
		t.Fatalf("consensus score = %g, want 0.96", res.ConsensusScore)
	}
	if voteEvents != 3 {
		t.Fatalf("onVote fired %d times, want 3", voteEvents)
	}
	if res.Consensus == "" {
		t.Fatal("empty consensus")
	}

	roles := r.sessions.rolesFor(res.SessionID)
	var swarmTurns, consensus int
	for _, role := range roles {
		if strings.HasPrefix(role, "swarm-") {
			swarmTurns++
		}
		if role == "consensus" {
			consensus++
		}
	}
	if swarmTurns != 3 || consensus != 1 {
		t.Fatalf("persisted %d swarm turns and %d consensus messages", swarmTurns, consensus)
	}
}

func TestSwarmAllAgentsFailing(t *testing.T) {
	agents := []string{"s1", "s2"}
	r := newRig(t, agents, func() (string, error) { return "", errors.New("agent down") })

	res, err := r.coord.Execute(context.Background(), SwarmRequest{
		Topic:         "doomed",
		AgentIDs:      agents,
		MaxIterations: 2,
	}, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Converged {
		t.Fatal("converged with zero votes")
	}
	if res.ConsensusScore != 0 {
		t.Fatalf("consensus score = %g, want 0", res.ConsensusScore)
	}
	if res.Iterations != 2 {
		t.Fatalf("iterations = %d, want 2", res.Iterations)
	}
	if !strings.Contains(res.Consensus, "Consensus unavailable") {
		t.Fatalf("fallback consensus missing: %q", res.Consensus)
	}
}

func TestSwarmSynthesizerByAuthority(t *testing.T) {
	agents := []string{"weak", "strong"}
	r := newRig(t, agents, say("fine [VOTE: extend] [CONFIDENCE: 0.6]"))
	_ = r.agents.UpsertAgent(context.Background(), &store.AgentState{
		AgentID: "weak", Model: "model-weak", Enabled: true, PheromoneScore: 0.2,
	})
	_ = r.agents.UpsertAgent(context.Background(), &store.AgentState{
		AgentID: "strong", Model: "model-strong", Enabled: true, PheromoneScore: 0.9,
	})

	res, err := r.coord.Execute(context.Background(), SwarmRequest{
		Topic:         "who leads",
		AgentIDs:      agents,
		MaxIterations: 1,
	}, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.SynthesizerID != "strong" {
		t.Fatalf("synthesizer = %q, want strong", res.SynthesizerID)
	}
}

func TestSwarmValidation(t *testing.T) {
	r := newRig(t, []string{"a", "b"}, say("x"))
	cases := []SwarmRequest{
		{Topic: "", AgentIDs: []string{"a", "b"}},
		{Topic: "t", AgentIDs: []string{"a"}},
		{Topic: "t", AgentIDs: make([]string, MaxSwarmAgents+1)},
		{Topic: "t", AgentIDs: []string{"a", "b"}, MaxIterations: MaxIterations + 1},
		{Topic: "t", AgentIDs: []string{"a", "b"}, ConsensusThreshold: 0.1},
		{Topic: "t", AgentIDs: []string{"a", "b"}, ConsensusThreshold: 1.5},
	}
	for i, req := range cases {
		if _, err := r.coord.Execute(context.Background(), req, nil); err == nil {
			t.Errorf("case %d accepted", i)
		}
	}
}

func TestSnippetKeepsRunesIntact(t *testing.T) {
	long := strings.Repeat("é", trailSnippet+20)
	got := snippet(long)
	if !utf8.ValidString(got) {
		t.Fatalf("snippet produced invalid UTF-8: %q", got[:20])
	}
	if want := strings.Repeat("é", trailSnippet) + "…"; got != want {
		t.Fatalf("snippet length = %d runes, want %d+ellipsis",
			len([]rune(got)), trailSnippet)
	}
	if short := snippet(" padded "); short != "padded" {
		t.Fatalf("snippet(%q) = %q", " padded ", short)
	}
}

func TestSnippetTitleKeepsRunesIntact(t *testing.T) {
	long := strings.Repeat("界", 100)
	got := snippetTitle(long)
	if !utf8.ValidString(got) {
		t.Fatal("title contains invalid UTF-8")
	}
	if want := strings.Repeat("界", 80) + "…"; got != want {
		t.Fatalf("title = %d runes", len([]rune(got)))
	}
}

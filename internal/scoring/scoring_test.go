package scoring

import (
	"testing"
	"time"

	"github.com/ariaengine/aria/internal/store"
)

func TestSpecialtyMatch(t *testing.T) {
	tests := []struct {
		name    string
		message string
		focus   string
		want    float64
	}{
		{"generalist", "deploy everything", "", 0.3},
		{"unknown focus", "deploy everything", "quantum", 0.3},
		{"no match", "hello there", store.FocusDevops, 0.1},
		{"one match", "please deploy it", store.FocusDevops, 0.6},
		{"two matches", "deploy the docker image", store.FocusDevops, 0.8},
		{"three matches", "deploy the docker container and monitor it", store.FocusDevops, 1.0},
		{"case insensitive", "DEPLOY the DOCKER container, MONITOR the CI", store.FocusDevops, 1.0},
		{"research", "research the latest papers on knowledge exploration", store.FocusResearch, 1.0},
		{"social single", "write a tweet", store.FocusSocial, 0.6},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SpecialtyMatch(tt.message, tt.focus); got != tt.want {
				t.Errorf("SpecialtyMatch(%q, %q) = %v, want %v", tt.message, tt.focus, got, tt.want)
			}
		})
	}
}

func TestLoadScore(t *testing.T) {
	tests := []struct {
		name     string
		status   string
		failures int
		want     float64
	}{
		{"disabled", store.AgentDisabled, 0, 0.0},
		{"error", store.AgentError, 0, 0.1},
		{"busy", store.AgentBusy, 0, 0.3},
		{"idle clean", store.AgentIdle, 0, 1.0},
		{"idle two failures", store.AgentIdle, 2, 0.8},
		{"idle floor", store.AgentIdle, 20, 0.2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := LoadScore(tt.status, tt.failures)
			if diff := got - tt.want; diff > 1e-9 || diff < -1e-9 {
				t.Errorf("LoadScore(%q, %d) = %v, want %v", tt.status, tt.failures, got, tt.want)
			}
		})
	}
}

func TestPheromoneColdStart(t *testing.T) {
	if got := Pheromone(nil, time.Now()); got != ColdStart {
		t.Errorf("Pheromone(nil) = %v, want %v", got, ColdStart)
	}
}

func TestPheromoneBounds(t *testing.T) {
	now := time.Now()
	perfect := []store.PerformanceRecord{
		{Success: true, SpeedScore: 1, CostScore: 1, CreatedAt: now},
		{Success: true, SpeedScore: 1, CostScore: 1, CreatedAt: now},
		{Success: true, SpeedScore: 1, CostScore: 1, CreatedAt: now},
	}
	score := Pheromone(perfect, now)
	if score <= 0.9 || score > 1 {
		t.Errorf("three perfect records: score = %v, want in (0.9, 1]", score)
	}

	worst := []store.PerformanceRecord{
		{Success: false, SpeedScore: 0, CostScore: 0, CreatedAt: now},
	}
	if got := Pheromone(worst, now); got != 0 {
		t.Errorf("worst record: score = %v, want 0", got)
	}

	mixed := append(perfect, worst...)
	if got := Pheromone(mixed, now); got < 0 || got > 1 {
		t.Errorf("mixed records out of bounds: %v", got)
	}
}

func TestPheromoneDecayFavorsRecent(t *testing.T) {
	now := time.Now()
	base := []store.PerformanceRecord{
		{Success: true, SpeedScore: 1, CostScore: 1, CreatedAt: now},
	}
	oldFailure := store.PerformanceRecord{
		Success: false, SpeedScore: 0, CostScore: 0,
		CreatedAt: now.AddDate(-1, 0, 0),
	}
	freshFailure := oldFailure
	freshFailure.CreatedAt = now

	withOld := Pheromone(append(append([]store.PerformanceRecord{}, base...), oldFailure), now)
	withFresh := Pheromone(append(append([]store.PerformanceRecord{}, base...), freshFailure), now)
	if withOld <= withFresh {
		t.Errorf("year-old failure should weigh less: old-biased %v, fresh-biased %v", withOld, withFresh)
	}
}

func TestPheromoneFutureRecordsClampToZeroAge(t *testing.T) {
	now := time.Now()
	future := []store.PerformanceRecord{
		{Success: true, SpeedScore: 1, CostScore: 1, CreatedAt: now.Add(48 * time.Hour)},
	}
	score := Pheromone(future, now)
	if score <= 0.9 {
		t.Errorf("future-dated record should carry full weight, got %v", score)
	}
}

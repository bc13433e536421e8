// Package scoring holds the pure routing-signal functions: specialty
// matching, load scoring, and the time-decayed pheromone mean. No I/O,
// no state — everything here is deterministic given its inputs.
package scoring

import (
	"math"
	"regexp"
	"time"

	"github.com/ariaengine/aria/internal/store"
)

// Decay is the pheromone weight multiplier per day of record age. 0.95
// gives roughly a 13-day half-life.
const Decay = 0.95

// ColdStart is the score for an agent with no records. Neutral on
// purpose: untested agents are not penalized.
const ColdStart = 0.5

var focusPatterns = map[string]*regexp.Regexp{
	store.FocusSocial:   regexp.MustCompile(`(?i)\b(social|post|tweet|community|engage|share|content)`),
	store.FocusAnalysis: regexp.MustCompile(`(?i)\b(analy(ze|sis)|metric|data|report|review|insight|trend|stat)`),
	store.FocusDevops:   regexp.MustCompile(`(?i)\b(deploy|docker|server|ci|cd|build|test|infra|monitor|debug)`),
	store.FocusCreative: regexp.MustCompile(`(?i)\b(creat(e)?|write|art|story|design|brand|visual|blog)`),
	store.FocusResearch: regexp.MustCompile(`(?i)\b(research|paper|study|learn|explore|investigate|knowledge)`),
}

// SpecialtyMatch scores how well a message matches an agent's focus type.
// Generalists (empty focus) and unknown focus types score 0.3.
func SpecialtyMatch(message, focusType string) float64 {
	if focusType == "" {
		return 0.3
	}
	re, ok := focusPatterns[focusType]
	if !ok {
		return 0.3
	}
	switch n := len(re.FindAllString(message, 4)); {
	case n == 0:
		return 0.1
	case n == 1:
		return 0.6
	case n == 2:
		return 0.8
	default:
		return 1.0
	}
}

// LoadScore scores an agent's availability from its runtime status.
func LoadScore(status string, consecutiveFailures int) float64 {
	switch status {
	case store.AgentDisabled:
		return 0.0
	case store.AgentError:
		return 0.1
	case store.AgentBusy:
		return 0.3
	}
	s := 1.0 - 0.1*float64(consecutiveFailures)
	if s < 0.2 {
		return 0.2
	}
	return s
}

// Pheromone computes the weight-normalized, time-decayed mean over the
// agent's performance records. Bounded in [0,1] by construction.
func Pheromone(records []store.PerformanceRecord, now time.Time) float64 {
	if len(records) == 0 {
		return ColdStart
	}
	var sum, weights float64
	for _, r := range records {
		s := 0.3*r.SpeedScore + 0.1*r.CostScore
		if r.Success {
			s += 0.6
		}
		// Whole days only, so records made today carry full weight.
		ageDays := math.Floor(now.Sub(r.CreatedAt).Hours() / 24)
		if ageDays < 0 {
			ageDays = 0
		}
		w := math.Pow(Decay, ageDays)
		sum += s * w
		weights += w
	}
	if weights == 0 {
		return ColdStart
	}
	return math.Min(1, math.Max(0, sum/weights))
}

package store

import "errors"

// Sentinel errors shared across the engine. Transport handlers map these
// to HTTP statuses; everything else is a 500.
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionEnded    = errors.New("session has ended")
	ErrSessionFull     = errors.New("session message limit reached")
	ErrAgentNotFound   = errors.New("agent not found")
	ErrAgentDisabled   = errors.New("agent is disabled")
	ErrDuplicateAgent  = errors.New("agent already registered")
	ErrPoolFull        = errors.New("agent pool is full")
	ErrNoCandidates    = errors.New("no candidate agents")
	ErrJobNotFound     = errors.New("cron job not found")
	ErrJobRunning      = errors.New("cron job already running")
	ErrInvalidSchedule = errors.New("invalid schedule expression")
	ErrCircuitOpen     = errors.New("llm circuit breaker open")
	ErrLLMUnavailable  = errors.New("llm gateway unavailable")
	ErrRateLimited     = errors.New("rate limit exceeded")
	ErrDuplicate       = errors.New("duplicate message")
)

// RateLimitError carries a retry hint for 429 responses.
type RateLimitError struct {
	Scope      string // "session" or "agent"
	RetryAfter int    // seconds
}

func (e *RateLimitError) Error() string { return "rate limit exceeded" }

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

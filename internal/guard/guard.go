// Package guard enforces the pre-flight rules for message insertion:
// role whitelist, content bounds, sanitization, injection detection
// (log-only), sliding-window rate limits, the session size cap and the
// per-session lock that serializes turns.
package guard

import (
	"context"
	"log/slog"
	"math"
	"regexp"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/ariaengine/aria/internal/store"
)

const (
	MaxContentLength = 100_000
	MaxSessionSize   = 500
	SessionPerMinute = 20
	SessionPerHour   = 200
	DefaultAgentRPM  = 15
	MainAgentRPM     = 30
)

var allowedRoles = map[string]bool{
	"user":      true,
	"assistant": true,
	"system":    true,
	"tool":      true,
	"function":  true,
}

// injectionPatterns flag likely prompt-injection attempts. Detection is
// log-only: the message still goes through.
var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ignore\s+(all\s+)?previous\s+instructions`),
	regexp.MustCompile(`(?i)disregard\s+(all\s+)?(prior|previous|above)`),
	regexp.MustCompile(`(?i)you\s+are\s+now\s+(a|an|in)\s`),
	regexp.MustCompile(`(?i)\bsystem\s*:\s`),
	regexp.MustCompile(`(?i)<\|?im_start\|?>`),
	regexp.MustCompile(`(?i)reveal\s+(your\s+)?(system\s+)?prompt`),
}

// Guard bundles the protection state for one process.
type Guard struct {
	sessions store.SessionStore
	log      *slog.Logger

	mu             sync.Mutex
	sessionWindows map[uuid.UUID]*window
	agentWindows   map[string]*window
	agentRPM       map[string]int

	locks sync.Map // uuid.UUID → *sync.Mutex
}

func New(sessions store.SessionStore, log *slog.Logger) *Guard {
	return &Guard{
		sessions:       sessions,
		log:            log,
		sessionWindows: make(map[uuid.UUID]*window),
		agentWindows:   make(map[string]*window),
		agentRPM:       map[string]int{"main": MainAgentRPM},
	}
}

// SetAgentLimit overrides one agent's per-minute allowance.
func (g *Guard) SetAgentLimit(agentID string, rpm int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.agentRPM[agentID] = rpm
}

// CheckMessage runs every pre-flight rule and returns the sanitized
// content. Callers persist only what this returns.
func (g *Guard) CheckMessage(ctx context.Context, sessionID uuid.UUID, agentID, role, content string) (string, error) {
	if !allowedRoles[role] {
		return "", &ValidationError{Field: "role", Reason: "role must be one of user, assistant, system, tool, function"}
	}

	clean := Sanitize(content)
	if n := len(clean); n < 1 || n > MaxContentLength {
		return "", &ValidationError{Field: "content", Reason: "content must be 1–100000 characters"}
	}

	for _, pat := range injectionPatterns {
		if pat.MatchString(clean) {
			g.log.Warn("security.injection_detected",
				"session_id", sessionID, "agent_id", agentID, "pattern", pat.String())
			break
		}
	}

	if err := g.checkRates(sessionID, agentID); err != nil {
		return "", err
	}

	count, err := g.sessions.CountMessages(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if count >= MaxSessionSize {
		return "", store.ErrSessionFull
	}
	return clean, nil
}

// Sanitize drops invalid UTF-8 bytes, strips control characters
// (keeping \n, \t, \r) and trims edge whitespace.
func Sanitize(content string) string {
	// Invalid bytes must go before the rune loop: ranging over a string
	// decodes them to U+FFFD, which would survive the rebuild.
	if !utf8.ValidString(content) {
		content = strings.ToValidUTF8(content, "")
	}
	var b strings.Builder
	b.Grow(len(content))
	for _, r := range content {
		if r < 0x20 && r != '\n' && r != '\t' && r != '\r' {
			continue
		}
		if r == 0x7f {
			continue
		}
		b.WriteRune(r)
	}
	return strings.TrimSpace(b.String())
}

func (g *Guard) checkRates(sessionID uuid.UUID, agentID string) error {
	now := time.Now()

	g.mu.Lock()
	defer g.mu.Unlock()

	sw := g.sessionWindows[sessionID]
	if sw == nil {
		sw = &window{}
		g.sessionWindows[sessionID] = sw
	}
	if retry, ok := sw.wouldExceed(now, time.Minute, SessionPerMinute); ok {
		return &store.RateLimitError{Scope: "session", RetryAfter: retrySeconds(retry)}
	}
	if retry, ok := sw.wouldExceed(now, time.Hour, SessionPerHour); ok {
		return &store.RateLimitError{Scope: "session", RetryAfter: retrySeconds(retry)}
	}

	rpm, ok := g.agentRPM[agentID]
	if !ok {
		rpm = DefaultAgentRPM
	}
	aw := g.agentWindows[agentID]
	if aw == nil {
		aw = &window{}
		g.agentWindows[agentID] = aw
	}
	if retry, ok := aw.wouldExceed(now, time.Minute, rpm); ok {
		return &store.RateLimitError{Scope: "agent", RetryAfter: retrySeconds(retry)}
	}

	sw.record(now)
	aw.record(now)
	return nil
}

// retrySeconds converts a retry hint to the whole seconds the 429
// contract promises, rounding up so clients never retry early.
func retrySeconds(d time.Duration) int {
	return int(math.Ceil(d.Seconds()))
}

// LockSession serializes turns within one session. The returned func
// releases the lock.
func (g *Guard) LockSession(id uuid.UUID) func() {
	v, _ := g.locks.LoadOrStore(id, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// window is a sliding-window hit log, pruned on use. One window serves
// multiple horizons; prune keeps the longest (an hour).
type window struct {
	hits []time.Time
}

func (w *window) record(now time.Time) {
	w.prune(now)
	w.hits = append(w.hits, now)
}

func (w *window) wouldExceed(now time.Time, span time.Duration, limit int) (time.Duration, bool) {
	w.prune(now)
	cutoff := now.Add(-span)
	n := 0
	oldest := now
	for _, h := range w.hits {
		if h.After(cutoff) {
			n++
			if h.Before(oldest) {
				oldest = h
			}
		}
	}
	if n < limit {
		return 0, false
	}
	retry := oldest.Add(span).Sub(now)
	if retry < time.Second {
		retry = time.Second
	}
	return retry, true
}

func (w *window) prune(now time.Time) {
	cutoff := now.Add(-time.Hour)
	i := 0
	for i < len(w.hits) && !w.hits[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.hits = append(w.hits[:0], w.hits[i:]...)
	}
}

// ValidationError reports a failed pre-flight check.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

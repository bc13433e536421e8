package providers

import (
	"sync"
	"time"

	"github.com/ariaengine/aria/internal/store"
)

// Circuit breaker thresholds: open after 5 consecutive failures, reject
// for 30 seconds, then let the next call probe the gateway.
const (
	breakerThreshold = 5
	breakerCooldown  = 30 * time.Second
)

// breaker is a per-gateway circuit breaker. State is gateway-local and
// never persisted.
type breaker struct {
	mu        sync.Mutex
	failures  int
	openUntil time.Time
}

// Allow reports whether a call may proceed. Cooldown expiry closes the
// circuit and resets the counter.
func (b *breaker) Allow(now time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.openUntil.IsZero() {
		return nil
	}
	if now.Before(b.openUntil) {
		return store.ErrCircuitOpen
	}
	b.openUntil = time.Time{}
	b.failures = 0
	return nil
}

func (b *breaker) RecordSuccess() {
	b.mu.Lock()
	b.failures = 0
	b.openUntil = time.Time{}
	b.mu.Unlock()
}

func (b *breaker) RecordFailure(now time.Time) {
	b.mu.Lock()
	b.failures++
	if b.failures >= breakerThreshold {
		b.openUntil = now.Add(breakerCooldown)
	}
	b.mu.Unlock()
}

// Open reports whether the circuit is currently rejecting calls.
func (b *breaker) Open(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.openUntil.IsZero() && now.Before(b.openUntil)
}

// Package soul loads per-agent persona files. Each agent may carry a
// markdown soul at <dir>/<agent_id>.md whose content becomes its system
// prompt; reads are cached with a short TTL so edits land without a
// restart.
package soul

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// DefaultTTL bounds how stale a cached soul may be.
const DefaultTTL = 60 * time.Second

type entry struct {
	prompt   string
	found    bool
	loadedAt time.Time
}

// Loader reads soul files from one directory.
type Loader struct {
	dir string
	ttl time.Duration
	log *slog.Logger

	mu    sync.Mutex
	cache map[string]*entry
}

func NewLoader(dir string, log *slog.Logger) *Loader {
	return &Loader{
		dir:   dir,
		ttl:   DefaultTTL,
		log:   log,
		cache: make(map[string]*entry),
	}
}

// SetTTL overrides the cache lifetime (tests).
func (l *Loader) SetTTL(ttl time.Duration) {
	if ttl > 0 {
		l.ttl = ttl
	}
}

// SystemPrompt returns the agent's soul content. The second return is
// false when the agent has no soul file.
func (l *Loader) SystemPrompt(agentID string) (string, bool) {
	if l.dir == "" || !validID(agentID) {
		return "", false
	}

	l.mu.Lock()
	if e, ok := l.cache[agentID]; ok && time.Since(e.loadedAt) < l.ttl {
		l.mu.Unlock()
		return e.prompt, e.found
	}
	l.mu.Unlock()

	e := l.load(agentID)

	l.mu.Lock()
	l.cache[agentID] = e
	l.mu.Unlock()
	return e.prompt, e.found
}

// Invalidate drops one agent's cached soul.
func (l *Loader) Invalidate(agentID string) {
	l.mu.Lock()
	delete(l.cache, agentID)
	l.mu.Unlock()
}

// InvalidateAll drops the whole cache.
func (l *Loader) InvalidateAll() {
	l.mu.Lock()
	l.cache = make(map[string]*entry)
	l.mu.Unlock()
}

func (l *Loader) load(agentID string) *entry {
	path := filepath.Join(l.dir, agentID+".md")
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			l.log.Warn("soul file unreadable", "agent_id", agentID, "error", err)
		}
		return &entry{loadedAt: time.Now()}
	}
	prompt := strings.TrimSpace(string(data))
	return &entry{prompt: prompt, found: prompt != "", loadedAt: time.Now()}
}

// validID rejects ids that could escape the soul directory.
func validID(id string) bool {
	if id == "" || id == "." || id == ".." {
		return false
	}
	return !strings.ContainsAny(id, `/\`)
}

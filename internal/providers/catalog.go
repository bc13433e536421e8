package providers

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// catalogFile is the on-disk YAML shape:
//
//	models:
//	  local: ollama/qwen2.5
//	  free: groq/llama-3.3-70b-versatile
//	  paid: anthropic/claude-sonnet-4-5
//	  fast: groq/llama-3.1-8b-instant
//	chain: [local, free, paid]
type catalogFile struct {
	Models map[string]string `yaml:"models"`
	Chain  []string          `yaml:"chain"`
}

// Catalog maps model aliases to provider model strings. Reloaded from
// disk on change via fsnotify, so model swaps need no restart.
type Catalog struct {
	path string

	mu     sync.RWMutex
	models map[string]string
	chain  []string

	watcher *fsnotify.Watcher
}

// defaultChain is used when the catalog file declares none.
var defaultChain = []string{"local", "free", "paid"}

// LoadCatalog reads the catalog file and starts watching it. A missing
// file yields an empty catalog (aliases pass through unchanged).
func LoadCatalog(path string) (*Catalog, error) {
	c := &Catalog{path: path, models: map[string]string{}, chain: defaultChain}
	if path == "" {
		return c, nil
	}
	if err := c.reload(); err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Warn("model catalog: watcher unavailable, hot reload disabled", "error", err)
		return c, nil
	}
	// Watch the directory: editors replace the file, which drops a watch
	// on the file itself.
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		slog.Warn("model catalog: watch failed, hot reload disabled", "error", err)
		return c, nil
	}
	c.watcher = w
	go c.watch()
	return c, nil
}

func (c *Catalog) watch() {
	for {
		select {
		case ev, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			if ev.Name != c.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := c.reload(); err != nil {
				slog.Warn("model catalog: reload failed", "error", err)
			} else {
				slog.Info("model catalog reloaded", "path", c.path)
			}
		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("model catalog: watch error", "error", err)
		}
	}
}

func (c *Catalog) reload() error {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return err
	}
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse model catalog: %w", err)
	}
	c.mu.Lock()
	if f.Models != nil {
		c.models = f.Models
	}
	if len(f.Chain) > 0 {
		c.chain = f.Chain
	}
	c.mu.Unlock()
	return nil
}

// Close stops the file watcher.
func (c *Catalog) Close() {
	if c.watcher != nil {
		c.watcher.Close()
	}
}

// Resolve maps an alias to its provider model string. Unknown aliases
// pass through unchanged so raw model strings keep working.
func (c *Catalog) Resolve(alias string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if m, ok := c.models[alias]; ok && m != "" {
		return m
	}
	return alias
}

// Chain returns the generic fallback chain (local → free → paid by
// default), resolved to provider model strings. Aliases without a
// catalog entry are skipped.
func (c *Catalog) Chain() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []string
	for _, alias := range c.chain {
		if m, ok := c.models[alias]; ok && m != "" {
			out = append(out, m)
		}
	}
	return out
}

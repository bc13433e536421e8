package providers

import (
	"os"
	"path/filepath"
	"testing"
)

func writeCatalog(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "models.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestCatalogResolve(t *testing.T) {
	path := writeCatalog(t, `
models:
  local: ollama/qwen2.5
  free: groq/llama-3.3-70b-versatile
  paid: anthropic/claude-sonnet-4-5
`)
	c, err := LoadCatalog(path)
	if err != nil {
		t.Fatalf("LoadCatalog: %v", err)
	}
	defer c.Close()

	if got := c.Resolve("local"); got != "ollama/qwen2.5" {
		t.Errorf("Resolve(local) = %q", got)
	}
	// Unknown aliases pass through so raw model strings keep working.
	if got := c.Resolve("gpt-4o"); got != "gpt-4o" {
		t.Errorf("Resolve(gpt-4o) = %q", got)
	}
}

func TestCatalogChain(t *testing.T) {
	path := writeCatalog(t, `
models:
  local: ollama/qwen2.5
  paid: anthropic/claude-sonnet-4-5
`)
	c, err := LoadCatalog(path)
	if err != nil {
		t.Fatalf("LoadCatalog: %v", err)
	}
	defer c.Close()

	// Default chain is local → free → paid; "free" has no entry and is skipped.
	chain := c.Chain()
	want := []string{"ollama/qwen2.5", "anthropic/claude-sonnet-4-5"}
	if len(chain) != len(want) {
		t.Fatalf("Chain() = %v, want %v", chain, want)
	}
	for i := range want {
		if chain[i] != want[i] {
			t.Errorf("Chain()[%d] = %q, want %q", i, chain[i], want[i])
		}
	}
}

func TestCatalogMissingFile(t *testing.T) {
	c, err := LoadCatalog(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("missing catalog should not error: %v", err)
	}
	defer c.Close()
	if got := c.Resolve("anything"); got != "anything" {
		t.Errorf("empty catalog should pass aliases through, got %q", got)
	}
}

// Package config holds the engine configuration: a JSON5 file overlaid
// with environment variables. Env vars win; secrets come from env only
// and are never written back to disk.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// Config is the root configuration for the Aria engine.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Database  DatabaseConfig  `json:"database,omitempty"`
	LiteLLM   LiteLLMConfig   `json:"litellm"`
	Agents    AgentsConfig    `json:"agents"`
	Souls     SoulsConfig     `json:"souls,omitempty"`
	Models    ModelsConfig    `json:"models,omitempty"`
	Heartbeat HeartbeatConfig `json:"heartbeat,omitempty"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
	Logging   LoggingConfig   `json:"logging,omitempty"`
	mu        sync.RWMutex
}

// ServerConfig configures the HTTP and WebSocket listener.
type ServerConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
	// APIKey and AdminKey come from env only (ARIA_API_KEY,
	// ARIA_ADMIN_KEY). Empty keys leave the API open; startup warns.
	APIKey   string `json:"-"`
	AdminKey string `json:"-"`
	// RequestsPerSecond caps the transport-level rate limiter.
	RequestsPerSecond float64 `json:"requests_per_second,omitempty"`
}

// DatabaseConfig configures Postgres. The DSN is a secret and is read
// from env DATABASE_URL only.
type DatabaseConfig struct {
	DSN           string `json:"-"`
	MigrationsDir string `json:"migrations_dir,omitempty"`
}

// LiteLLMConfig points at the LLM gateway. The master key comes from
// env LITELLM_MASTER_KEY only.
type LiteLLMConfig struct {
	BaseURL   string `json:"base_url"`
	MasterKey string `json:"-"`
}

// AgentsConfig carries pool sizing and per-session defaults.
type AgentsConfig struct {
	MaxAgents     int     `json:"max_agents,omitempty"`
	ContextLimit  int     `json:"context_limit,omitempty"` // in-memory turns per agent
	Model         string  `json:"model,omitempty"`
	Temperature   float64 `json:"temperature,omitempty"`
	MaxTokens     int     `json:"max_tokens,omitempty"`
	ContextWindow int     `json:"context_window,omitempty"`
}

// SoulsConfig points at the per-agent persona directory.
type SoulsConfig struct {
	Dir string `json:"dir,omitempty"`
}

// ModelsConfig points at the model alias catalog (YAML, hot-reloaded).
type ModelsConfig struct {
	CatalogPath string `json:"catalog_path,omitempty"`
}

// HeartbeatConfig tunes the agent liveness beats.
type HeartbeatConfig struct {
	Interval     Duration `json:"interval,omitempty"`
	MainInterval Duration `json:"main_interval,omitempty"`
}

// TelemetryConfig configures the optional OTLP trace exporter.
type TelemetryConfig struct {
	Endpoint    string `json:"endpoint,omitempty"`
	ServiceName string `json:"service_name,omitempty"`
}

// LoggingConfig selects log level and format.
type LoggingConfig struct {
	Level  string `json:"level,omitempty"`  // debug | info | warn | error
	Format string `json:"format,omitempty"` // text | json
}

// Duration unmarshals from "30s" style strings or raw nanoseconds.
type Duration time.Duration

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("bad duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*d = Duration(n)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

const secretMask = "***"

// MaskedCopy returns a deep copy with secret fields masked, safe to
// expose over the API.
func (c *Config) MaskedCopy() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	data, err := json.Marshal(c)
	if err != nil {
		return &Config{}
	}
	cp := Default()
	if err := json.Unmarshal(data, cp); err != nil {
		return &Config{}
	}
	// Secret fields carry json:"-" and do not survive the round trip;
	// mask them from the original.
	cp.Server.APIKey = masked(c.Server.APIKey)
	cp.Server.AdminKey = masked(c.Server.AdminKey)
	cp.Database.DSN = masked(c.Database.DSN)
	cp.LiteLLM.MasterKey = masked(c.LiteLLM.MasterKey)
	return cp
}

func masked(s string) string {
	if s == "" {
		return ""
	}
	return secretMask
}

// ExpandHome replaces a leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}

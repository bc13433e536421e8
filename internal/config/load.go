package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              8420,
			RequestsPerSecond: 50,
		},
		Database: DatabaseConfig{
			MigrationsDir: "migrations",
		},
		LiteLLM: LiteLLMConfig{
			BaseURL: "http://localhost:4000",
		},
		Agents: AgentsConfig{
			MaxAgents:     10,
			ContextLimit:  8,
			Model:         "local",
			Temperature:   0.7,
			MaxTokens:     4096,
			ContextWindow: 50,
		},
		Souls: SoulsConfig{
			Dir: "souls",
		},
		Models: ModelsConfig{
			CatalogPath: "models.yaml",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "aria",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars. A
// missing file is fine; env vars alone can configure the engine.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config. Env vars take
// precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	// Secrets live in env only.
	envStr("DATABASE_URL", &c.Database.DSN)
	envStr("LITELLM_MASTER_KEY", &c.LiteLLM.MasterKey)
	envStr("ARIA_API_KEY", &c.Server.APIKey)
	envStr("ARIA_ADMIN_KEY", &c.Server.AdminKey)

	envStr("LITELLM_BASE_URL", &c.LiteLLM.BaseURL)
	envStr("ARIA_HOST", &c.Server.Host)
	if v := os.Getenv("ARIA_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Server.Port = port
		}
	}

	if v := os.Getenv("AGENT_CONTEXT_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Agents.ContextLimit = n
		}
	}
	if v := os.Getenv("ARIA_MAX_AGENTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Agents.MaxAgents = n
		}
	}

	envStr("ARIA_SOULS_DIR", &c.Souls.Dir)
	envStr("ARIA_MODEL_CATALOG", &c.Models.CatalogPath)
	envStr("ARIA_MIGRATIONS_DIR", &c.Database.MigrationsDir)

	envStr("OTEL_EXPORTER_OTLP_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("ARIA_LOG_LEVEL", &c.Logging.Level)
	envStr("ARIA_LOG_FORMAT", &c.Logging.Format)
	if v := os.Getenv("ARIA_DEBUG"); v == "true" || v == "1" {
		c.Logging.Level = "debug"
	}
}

// Addr returns the host:port the server binds.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

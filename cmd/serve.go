package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ariaengine/aria/internal/bus"
	"github.com/ariaengine/aria/internal/config"
	"github.com/ariaengine/aria/internal/coordination"
	"github.com/ariaengine/aria/internal/engine"
	"github.com/ariaengine/aria/internal/gateway"
	"github.com/ariaengine/aria/internal/guard"
	"github.com/ariaengine/aria/internal/httpapi"
	"github.com/ariaengine/aria/internal/pool"
	"github.com/ariaengine/aria/internal/providers"
	"github.com/ariaengine/aria/internal/router"
	"github.com/ariaengine/aria/internal/scheduler"
	"github.com/ariaengine/aria/internal/soul"
	"github.com/ariaengine/aria/internal/store"
	"github.com/ariaengine/aria/internal/store/pg"
	"github.com/ariaengine/aria/internal/telemetry"
	"github.com/ariaengine/aria/internal/tools"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the engine and gateway",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

func setupLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Logging.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if verbose {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	log := slog.New(handler)
	slog.SetDefault(log)
	return log
}

func runServe() {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		slog.Error("config load failed", "error", err)
		os.Exit(1)
	}
	log := setupLogger(cfg)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTracing, err := telemetry.Init(ctx, cfg.Telemetry.ServiceName, cfg.Telemetry.Endpoint, log)
	if err != nil {
		log.Warn("tracing disabled", "error", err)
	} else {
		defer shutdownTracing(context.Background())
	}

	if cfg.Database.DSN == "" {
		log.Error("DATABASE_URL is not set")
		os.Exit(1)
	}
	db, err := pg.Open(ctx, cfg.Database.DSN)
	if err != nil {
		log.Error("database connect failed", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	stores := pg.NewStores(db)

	catalog, err := providers.LoadCatalog(config.ExpandHome(cfg.Models.CatalogPath))
	if err != nil {
		log.Warn("model catalog unavailable, aliases resolve verbatim",
			"path", cfg.Models.CatalogPath, "error", err)
	} else {
		defer catalog.Close()
	}

	provider := providers.NewLiteLLM(cfg.LiteLLM.BaseURL, cfg.LiteLLM.MasterKey, catalog)
	rt := router.New(stores.Agents)
	agentPool := pool.New(stores.Agents, provider, log, pool.WithMaxAgents(cfg.Agents.MaxAgents))

	seedMainAgent(ctx, stores.Agents, cfg, log)
	if err := agentPool.LoadAll(ctx); err != nil {
		log.Warn("agent reload failed", "error", err)
	}

	registry := tools.NewRegistry(0)
	g := guard.New(stores.Sessions, log)
	souls := soul.NewLoader(config.ExpandHome(cfg.Souls.Dir), log)

	eng := engine.New(stores, provider, rt, registry, g, log,
		engine.WithSouls(souls))

	coord := coordination.New(agentPool, rt, stores.Sessions, stores.Agents, log)

	sched := scheduler.New(stores.Cron, stores.Agents, agentPool, registry, log)
	sched.Start(ctx)
	defer sched.Stop()

	beats := scheduler.NewHeartbeats(stores.Agents, provider, log)
	beats.SetIntervals(cfg.Heartbeat.Interval.Std(), cfg.Heartbeat.MainInterval.Std())
	beats.Start(ctx)
	defer beats.Stop()

	events := bus.New()

	api := httpapi.New(eng, agentPool, rt, coord, sched, stores,
		cfg.Server.APIKey, cfg.Server.AdminKey, log)

	server := gateway.NewServer(gateway.Options{
		Addr:              cfg.Addr(),
		APIKey:            cfg.Server.APIKey,
		RequestsPerSecond: cfg.Server.RequestsPerSecond,
	}, eng, coord, stores.Sessions, api, events, log)

	log.Info("aria starting",
		"version", Version,
		"addr", cfg.Addr(),
		"agents", len(agentPool.AgentIDs()),
		"max_agents", cfg.Agents.MaxAgents,
	)

	if err := server.Start(ctx); err != nil {
		log.Error("gateway error", "error", err)
		os.Exit(1)
	}
	log.Info("shutdown complete")
}

// seedMainAgent guarantees the orchestrator agent exists. Every install
// gets a "main" agent on first boot; later boots leave it untouched.
func seedMainAgent(ctx context.Context, agents store.AgentStore, cfg *config.Config, log *slog.Logger) {
	if _, err := agents.GetAgent(ctx, "main"); err == nil {
		return
	}
	main := &store.AgentState{
		AgentID:        "main",
		DisplayName:    "Main",
		AgentType:      "orchestrator",
		Model:          cfg.Agents.Model,
		Enabled:        true,
		Status:         store.AgentIdle,
		PheromoneScore: 0.5,
	}
	if err := agents.UpsertAgent(ctx, main); err != nil {
		log.Warn("main agent not seeded", "error", err)
		return
	}
	log.Info("seeded main agent", "model", main.Model)
}

// Package httpapi exposes the engine over REST. Every response is JSON;
// errors use the `{detail: "..."}` envelope with sentinel errors mapped
// to HTTP statuses at this boundary.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/ariaengine/aria/internal/coordination"
	"github.com/ariaengine/aria/internal/engine"
	"github.com/ariaengine/aria/internal/guard"
	"github.com/ariaengine/aria/internal/pool"
	"github.com/ariaengine/aria/internal/router"
	"github.com/ariaengine/aria/internal/scheduler"
	"github.com/ariaengine/aria/internal/store"
)

// API bundles the REST handlers over the runtime's subsystems.
type API struct {
	engine *engine.Engine
	pool   *pool.Pool
	router *router.Router
	coord  *coordination.Coordinator
	sched  *scheduler.Scheduler
	stores *store.Stores
	log    *slog.Logger

	apiKey   string
	adminKey string

	jobs *asyncJobs
}

func New(eng *engine.Engine, p *pool.Pool, rt *router.Router, coord *coordination.Coordinator, sched *scheduler.Scheduler, stores *store.Stores, apiKey, adminKey string, log *slog.Logger) *API {
	if apiKey == "" {
		log.Warn("ARIA_API_KEY not set, API is open")
	}
	return &API{
		engine:   eng,
		pool:     p,
		router:   rt,
		coord:    coord,
		sched:    sched,
		stores:   stores,
		log:      log,
		apiKey:   apiKey,
		adminKey: adminKey,
		jobs:     newAsyncJobs(),
	}
}

// RegisterRoutes mounts every REST route on the mux.
func (a *API) RegisterRoutes(mux *http.ServeMux) {
	auth := a.auth
	admin := a.adminAuth

	// Chat sessions.
	mux.HandleFunc("POST /engine/chat/sessions", auth(a.handleCreateSession))
	mux.HandleFunc("GET /engine/chat/sessions", auth(a.handleListChatSessions))
	mux.HandleFunc("GET /engine/chat/sessions/{id}", auth(a.handleGetSession))
	mux.HandleFunc("POST /engine/chat/sessions/{id}/messages", auth(a.handleSendMessage))
	mux.HandleFunc("DELETE /engine/chat/sessions/{id}", auth(a.handleEndSession))
	mux.HandleFunc("GET /engine/chat/sessions/{id}/export", auth(a.handleExport))

	// Cross-type session management.
	mux.HandleFunc("GET /engine/sessions", auth(a.handleListSessions))
	mux.HandleFunc("POST /engine/sessions/{id}/archive", admin(a.handleArchive))
	mux.HandleFunc("POST /engine/sessions/cleanup", admin(a.handleCleanup))

	// Agents.
	mux.HandleFunc("GET /engine/agents", auth(a.handleAgents))
	mux.HandleFunc("GET /engine/agents/metrics", auth(a.handleAgentMetrics))
	mux.HandleFunc("GET /engine/agents/{id}", auth(a.handleAgent))
	mux.HandleFunc("GET /engine/agents/{id}/history", auth(a.handleAgentHistory))

	// Coordination.
	mux.HandleFunc("POST /engine/roundtable", auth(a.handleRoundtable))
	mux.HandleFunc("POST /engine/roundtable/async", auth(a.handleRoundtableAsync))
	mux.HandleFunc("GET /engine/roundtable/status/{key}", auth(a.handleAsyncStatus))
	mux.HandleFunc("POST /engine/roundtable/swarm", auth(a.handleSwarm))
	mux.HandleFunc("POST /engine/roundtable/swarm/async", auth(a.handleSwarmAsync))
	mux.HandleFunc("GET /engine/roundtable/{session_id}", auth(a.handleRoundtableDetail))
	mux.HandleFunc("GET /engine/roundtable/{session_id}/turns", auth(a.handleRoundtableTurns))

	// Cron.
	mux.HandleFunc("GET /engine/cron", auth(a.handleListJobs))
	mux.HandleFunc("POST /engine/cron", admin(a.handleCreateJob))
	mux.HandleFunc("GET /engine/cron/status", auth(a.handleCronStatus))
	mux.HandleFunc("GET /engine/cron/{job_id}", auth(a.handleGetJob))
	mux.HandleFunc("PUT /engine/cron/{job_id}", admin(a.handleUpdateJob))
	mux.HandleFunc("DELETE /engine/cron/{job_id}", admin(a.handleDeleteJob))
	mux.HandleFunc("POST /engine/cron/{job_id}/trigger", admin(a.handleTriggerJob))
	mux.HandleFunc("GET /engine/cron/{job_id}/history", auth(a.handleJobHistory))
}

// auth checks X-API-Key. An empty configured key fails open (dev mode;
// startup warned).
func (a *API) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if a.apiKey != "" {
			key := r.Header.Get("X-API-Key")
			if key != a.apiKey && (a.adminKey == "" || key != a.adminKey) {
				writeDetail(w, http.StatusUnauthorized, "invalid api key")
				return
			}
		}
		next(w, r)
	}
}

// adminAuth guards privileged routes with the admin key.
func (a *API) adminAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if a.adminKey != "" {
			if r.Header.Get("X-API-Key") != a.adminKey {
				writeDetail(w, http.StatusForbidden, "admin key required")
				return
			}
		} else if a.apiKey != "" {
			if r.Header.Get("X-API-Key") != a.apiKey {
				writeDetail(w, http.StatusUnauthorized, "invalid api key")
				return
			}
		}
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeDetail(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"detail": msg})
}

// writeErr maps sentinel errors to HTTP statuses; anything unmapped is
// a 500.
func (a *API) writeErr(w http.ResponseWriter, err error) {
	var rl *store.RateLimitError
	if errors.As(err, &rl) {
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"detail":      "rate limit exceeded (" + rl.Scope + ")",
			"retry_after": rl.RetryAfter,
		})
		return
	}
	var ve *guard.ValidationError
	if errors.As(err, &ve) {
		writeDetail(w, http.StatusBadRequest, ve.Error())
		return
	}

	switch {
	case errors.Is(err, store.ErrSessionNotFound),
		errors.Is(err, store.ErrAgentNotFound),
		errors.Is(err, store.ErrJobNotFound):
		writeDetail(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrInvalidSchedule),
		errors.Is(err, store.ErrNoCandidates):
		writeDetail(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrAgentDisabled):
		writeDetail(w, http.StatusForbidden, err.Error())
	case errors.Is(err, store.ErrDuplicateAgent),
		errors.Is(err, store.ErrDuplicate),
		errors.Is(err, store.ErrSessionEnded),
		errors.Is(err, store.ErrSessionFull),
		errors.Is(err, store.ErrJobRunning),
		errors.Is(err, store.ErrPoolFull):
		writeDetail(w, http.StatusConflict, err.Error())
	case errors.Is(err, store.ErrRateLimited):
		writeDetail(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, store.ErrLLMUnavailable),
		errors.Is(err, store.ErrCircuitOpen):
		writeDetail(w, http.StatusBadGateway, err.Error())
	default:
		a.log.Error("request failed", "error", err)
		writeDetail(w, http.StatusInternalServerError, err.Error())
	}
}

func queryInt(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func queryBool(r *http.Request, key string) bool {
	v := r.URL.Query().Get(key)
	return v == "true" || v == "1"
}

package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ariaengine/aria/internal/coordination"
	"github.com/ariaengine/aria/internal/store"
)

// asyncJob tracks one background roundtable or swarm run.
type asyncJob struct {
	Kind      string    `json:"kind"` // roundtable | swarm
	Status    string    `json:"status"`
	Result    any       `json:"result,omitempty"`
	Error     string    `json:"error,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

type asyncJobs struct {
	mu   sync.Mutex
	jobs map[string]*asyncJob
}

func newAsyncJobs() *asyncJobs {
	return &asyncJobs{jobs: make(map[string]*asyncJob)}
}

func (j *asyncJobs) start(kind string) string {
	j.mu.Lock()
	defer j.mu.Unlock()
	// Completed runs are kept for an hour for polling.
	for key, job := range j.jobs {
		if time.Since(job.StartedAt) > time.Hour {
			delete(j.jobs, key)
		}
	}
	key := store.NewID().String()
	j.jobs[key] = &asyncJob{Kind: kind, Status: "running", StartedAt: time.Now().UTC()}
	return key
}

func (j *asyncJobs) finish(key string, result any, err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	job, ok := j.jobs[key]
	if !ok {
		return
	}
	if err != nil {
		job.Status = "failed"
		job.Error = err.Error()
		return
	}
	job.Status = "completed"
	job.Result = result
}

func (j *asyncJobs) get(key string) (*asyncJob, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	job, ok := j.jobs[key]
	if !ok {
		return nil, false
	}
	cp := *job
	return &cp, true
}

// discussBody is DiscussRequest plus wire-friendly timeout fields.
type discussBody struct {
	coordination.DiscussRequest
	AgentTimeoutSeconds int `json:"agent_timeout_seconds,omitempty"`
	TotalTimeoutSeconds int `json:"total_timeout_seconds,omitempty"`
}

func (b *discussBody) request() coordination.DiscussRequest {
	req := b.DiscussRequest
	req.AgentTimeout = time.Duration(b.AgentTimeoutSeconds) * time.Second
	req.TotalTimeout = time.Duration(b.TotalTimeoutSeconds) * time.Second
	return req
}

type swarmBody struct {
	coordination.SwarmRequest
	AgentTimeoutSeconds int `json:"agent_timeout_seconds,omitempty"`
	TotalTimeoutSeconds int `json:"total_timeout_seconds,omitempty"`
}

func (b *swarmBody) request() coordination.SwarmRequest {
	req := b.SwarmRequest
	req.AgentTimeout = time.Duration(b.AgentTimeoutSeconds) * time.Second
	req.TotalTimeout = time.Duration(b.TotalTimeoutSeconds) * time.Second
	return req
}

func (a *API) handleRoundtable(w http.ResponseWriter, r *http.Request) {
	var body discussBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	result, err := a.coord.Discuss(r.Context(), body.request(), nil)
	if err != nil {
		if isCoordinationValidation(err) {
			writeDetail(w, http.StatusBadRequest, err.Error())
			return
		}
		a.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *API) handleRoundtableAsync(w http.ResponseWriter, r *http.Request) {
	var body discussBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	key := a.jobs.start("roundtable")
	go func() {
		result, err := a.coord.Discuss(context.Background(), body.request(), nil)
		a.jobs.finish(key, result, err)
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"key": key, "status": "running"})
}

func (a *API) handleSwarm(w http.ResponseWriter, r *http.Request) {
	var body swarmBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	result, err := a.coord.Execute(r.Context(), body.request(), nil)
	if err != nil {
		if isCoordinationValidation(err) {
			writeDetail(w, http.StatusBadRequest, err.Error())
			return
		}
		a.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *API) handleSwarmAsync(w http.ResponseWriter, r *http.Request) {
	var body swarmBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	key := a.jobs.start("swarm")
	go func() {
		result, err := a.coord.Execute(context.Background(), body.request(), nil)
		a.jobs.finish(key, result, err)
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"key": key, "status": "running"})
}

func (a *API) handleAsyncStatus(w http.ResponseWriter, r *http.Request) {
	job, ok := a.jobs.get(r.PathValue("key"))
	if !ok {
		writeDetail(w, http.StatusNotFound, "unknown job key")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (a *API) handleRoundtableDetail(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(r, "session_id")
	if !ok {
		writeDetail(w, http.StatusBadRequest, "invalid session id")
		return
	}
	sess, msgs, err := a.engine.ResumeSession(r.Context(), id)
	if err != nil {
		a.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session":  sess,
		"messages": msgs,
	})
}

func (a *API) handleRoundtableTurns(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(r, "session_id")
	if !ok {
		writeDetail(w, http.StatusBadRequest, "invalid session id")
		return
	}
	_, msgs, err := a.engine.ResumeSession(r.Context(), id)
	if err != nil {
		a.writeErr(w, err)
		return
	}
	var turns []*store.Message
	for _, m := range msgs {
		if strings.HasPrefix(m.Role, "round-") || strings.HasPrefix(m.Role, "swarm-") {
			turns = append(turns, m)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": id,
		"turns":      turns,
	})
}

// isCoordinationValidation reports whether the error is a request shape
// problem rather than a runtime failure. Coordination validations are
// plain errors; runtime failures come wrapped around sentinels.
func isCoordinationValidation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "required") ||
		strings.Contains(msg, "needs") ||
		strings.Contains(msg, "capped") ||
		strings.Contains(msg, "must be")
}

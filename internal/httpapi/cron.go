package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/ariaengine/aria/internal/store"
)

func pathJobID(r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("job_id"))
	return id, err == nil
}

func (a *API) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := a.sched.ListJobs(r.Context())
	if err != nil {
		a.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (a *API) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var job store.CronJob
	if err := json.NewDecoder(r.Body).Decode(&job); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if err := a.sched.AddJob(r.Context(), &job); err != nil {
		a.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (a *API) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, ok := pathJobID(r)
	if !ok {
		writeDetail(w, http.StatusBadRequest, "invalid job id")
		return
	}
	job, err := a.sched.GetJob(r.Context(), id)
	if err != nil {
		a.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (a *API) handleUpdateJob(w http.ResponseWriter, r *http.Request) {
	id, ok := pathJobID(r)
	if !ok {
		writeDetail(w, http.StatusBadRequest, "invalid job id")
		return
	}
	var job store.CronJob
	if err := json.NewDecoder(r.Body).Decode(&job); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	job.ID = id
	if err := a.sched.UpdateJob(r.Context(), &job); err != nil {
		a.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (a *API) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	id, ok := pathJobID(r)
	if !ok {
		writeDetail(w, http.StatusBadRequest, "invalid job id")
		return
	}
	if err := a.sched.RemoveJob(r.Context(), id); err != nil {
		a.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (a *API) handleTriggerJob(w http.ResponseWriter, r *http.Request) {
	id, ok := pathJobID(r)
	if !ok {
		writeDetail(w, http.StatusBadRequest, "invalid job id")
		return
	}
	if err := a.sched.TriggerNow(r.Context(), id); err != nil {
		a.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "triggered"})
}

func (a *API) handleJobHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := pathJobID(r)
	if !ok {
		writeDetail(w, http.StatusBadRequest, "invalid job id")
		return
	}
	limit := queryInt(r, "limit", 20)
	runs, err := a.sched.History(r.Context(), id, limit)
	if err != nil {
		a.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job_id": id, "runs": runs})
}

func (a *API) handleCronStatus(w http.ResponseWriter, r *http.Request) {
	jobs, err := a.sched.ListJobs(r.Context())
	if err != nil {
		a.writeErr(w, err)
		return
	}
	enabled := 0
	for _, j := range jobs {
		if j.Enabled {
			enabled++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":    len(jobs),
		"enabled": enabled,
		"running": a.sched.RunningCount(),
	})
}

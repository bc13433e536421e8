package httpapi

import (
	"net/http"
)

func (a *API) handleAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.pool.Status())
}

func (a *API) handleAgentMetrics(w http.ResponseWriter, r *http.Request) {
	agentID := r.URL.Query().Get("agent_id")
	stats, err := a.engine.Stats(r.Context(), agentID)
	if err != nil {
		a.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": stats,
		"pool":     a.pool.Status(),
	})
}

func (a *API) handleAgent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	agent, err := a.stores.Agents.GetAgent(r.Context(), id)
	if err != nil {
		a.writeErr(w, err)
		return
	}

	records := a.router.Records(id)
	var successes int
	for _, rec := range records {
		if rec.Success {
			successes++
		}
	}
	successRate := 0.0
	if len(records) > 0 {
		successRate = float64(successes) / float64(len(records))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"agent":        agent,
		"records":      len(records),
		"success_rate": successRate,
	})
}

func (a *API) handleAgentHistory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := a.stores.Agents.GetAgent(r.Context(), id); err != nil {
		a.writeErr(w, err)
		return
	}
	limit := queryInt(r, "limit", 50)
	records := a.router.Records(id)
	if limit > 0 && len(records) > limit {
		records = records[len(records)-limit:]
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"agent_id": id,
		"history":  records,
	})
}

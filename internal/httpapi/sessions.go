package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/ariaengine/aria/internal/engine"
	"github.com/ariaengine/aria/internal/store"
)

func pathUUID(r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue(name))
	return id, err == nil
}

func (a *API) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var p engine.SessionParams
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if p.AgentID == "" {
		writeDetail(w, http.StatusBadRequest, "agent_id is required")
		return
	}
	sess, err := a.engine.CreateSession(r.Context(), p)
	if err != nil {
		a.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (a *API) handleListChatSessions(w http.ResponseWriter, r *http.Request) {
	f := store.SessionFilter{
		AgentID: r.URL.Query().Get("agent_id"),
		Status:  r.URL.Query().Get("status"),
		Type:    store.SessionTypeChat,
		Limit:   queryInt(r, "limit", 50),
		Offset:  queryInt(r, "offset", 0),
	}
	sessions, total, err := a.engine.ListSessions(r.Context(), f)
	if err != nil {
		a.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": sessions,
		"total":    total,
		"limit":    f.Limit,
		"offset":   f.Offset,
	})
}

func (a *API) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(r, "id")
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

func (a *API) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(r, "id")
	if !ok {
		writeDetail(w, http.StatusBadRequest, "invalid session id")
		return
	}
	var req struct {
		Content        string `json:"content"`
		EnableThinking bool   `json:"enable_thinking"`
		EnableTools    bool   `json:"enable_tools"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	res, err := a.engine.SendMessage(r.Context(), id, req.Content, engine.TurnOptions{
		EnableThinking: req.EnableThinking,
		EnableTools:    req.EnableTools,
	})
	if err != nil {
		a.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(r, "id")
	if !ok {
		writeDetail(w, http.StatusBadRequest, "invalid session id")
		return
	}
	if err := a.engine.EndSession(r.Context(), id); err != nil {
		a.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ended"})
}

func (a *API) handleExport(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(r, "id")
	if !ok {
		writeDetail(w, http.StatusBadRequest, "invalid session id")
		return
	}
	format := r.URL.Query().Get("format")
	data, contentType, err := a.engine.Export(r.Context(), id, format)
	if err != nil {
		a.writeErr(w, err)
		return
	}
	ext := "jsonl"
	if format == "markdown" || format == "md" {
		ext = "md"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", `attachment; filename="session-`+id.String()+`.`+ext+`"`)
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (a *API) handleListSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.SessionFilter{
		AgentID: q.Get("agent_id"),
		Type:    q.Get("type"),
		Status:  q.Get("status"),
		Search:  q.Get("search"),
		Limit:   queryInt(r, "limit", 50),
		Offset:  queryInt(r, "offset", 0),
	}
	if v := q.Get("since"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			f.Since = &t
		}
	}
	if v := q.Get("until"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			f.Until = &t
		}
	}
	sessions, total, err := a.engine.ListSessions(r.Context(), f)
	if err != nil {
		a.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": sessions,
		"total":    total,
		"limit":    f.Limit,
		"offset":   f.Offset,
	})
}

func (a *API) handleArchive(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(r, "id")
	if !ok {
		writeDetail(w, http.StatusBadRequest, "invalid session id")
		return
	}
	if err := a.engine.ArchiveSession(r.Context(), id); err != nil {
		a.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "archived"})
}

func (a *API) handleCleanup(w http.ResponseWriter, r *http.Request) {
	days := queryInt(r, "days", 30)
	if days < 1 {
		writeDetail(w, http.StatusBadRequest, "days must be positive")
		return
	}
	dryRun := queryBool(r, "dry_run")
	ids, err := a.engine.Cleanup(r.Context(), days, dryRun)
	if err != nil {
		a.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"archived": len(ids),
		"sessions": ids,
		"dry_run":  dryRun,
	})
}

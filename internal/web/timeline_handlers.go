package web

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"storyloom/server/internal/models"
)

func (h *Handlers) SyncTimeline(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "id")
	force := r.URL.Query().Get("force") == "true"

	result, err := h.timeline.Sync(r.Context(), projectID, force)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	if h.hub != nil {
		h.hub.Broadcast(Event{
			Type:      "sync_completed",
			ProjectID: projectID,
			Payload:   result,
		})
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handlers) DetectConflicts(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "id")

	result, err := h.timeline.DetectConflicts(r.Context(), projectID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	if h.hub != nil && len(result.Created) > 0 {
		h.hub.Broadcast(Event{
			Type:      "conflicts_detected",
			ProjectID: projectID,
			Payload:   result,
		})
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handlers) TimelineEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.timeline.Events(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (h *Handlers) ListConflicts(w http.ResponseWriter, r *http.Request) {
	status := models.ConflictStatus(r.URL.Query().Get("status"))

	conflicts, err := h.timeline.ListConflicts(r.Context(), chi.URLParam(r, "id"), status)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conflicts)
}

type conflictNoteRequest struct {
	Note string `json:"note,omitempty"`
}

func (h *Handlers) ResolveConflict(w http.ResponseWriter, r *http.Request) {
	var req conflictNoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	c, err := h.timeline.Resolve(r.Context(), chi.URLParam(r, "id"), req.Note)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *Handlers) IgnoreConflict(w http.ResponseWriter, r *http.Request) {
	var req conflictNoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	c, err := h.timeline.Ignore(r.Context(), chi.URLParam(r, "id"), req.Note)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

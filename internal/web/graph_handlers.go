package web

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"storyloom/server/internal/consequence"
	"storyloom/server/internal/models"
)

type createEventRequest struct {
	SceneID         *string  `json:"scene_id,omitempty"`
	ChapterNumber   *int     `json:"chapter_number,omitempty"`
	SceneNumber     *int     `json:"scene_number,omitempty"`
	Title           string   `json:"title"`
	Description     string   `json:"description"`
	EventType       string   `json:"event_type"`
	Magnitude       float64  `json:"magnitude"`
	EmotionalImpact *float64 `json:"emotional_impact,omitempty"`
	Participants    []string `json:"participants,omitempty"`
	Causes          []string `json:"causes,omitempty"`
	Effects         []string `json:"effects,omitempty"`
}

func (h *Handlers) CreateEvent(w http.ResponseWriter, r *http.Request) {
	var req createEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Title == "" {
		writeError(w, http.StatusBadRequest, "title is required")
		return
	}

	event, err := h.graph.CreateEvent(r.Context(), consequence.CreateEventInput{
		ProjectID:       chi.URLParam(r, "id"),
		SceneID:         req.SceneID,
		ChapterNumber:   req.ChapterNumber,
		SceneNumber:     req.SceneNumber,
		Title:           req.Title,
		Description:     req.Description,
		EventType:       models.EventType(req.EventType),
		Magnitude:       req.Magnitude,
		EmotionalImpact: req.EmotionalImpact,
		Participants:    req.Participants,
		Causes:          req.Causes,
		Effects:         req.Effects,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, event)
}

func (h *Handlers) DeleteEvent(w http.ResponseWriter, r *http.Request) {
	deleted, err := h.graph.DeleteEvent(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	// deleted=false means the node had referencing consequences and was
	// soft-invalidated instead.
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": deleted})
}

type addLinkRequest struct {
	EffectID string `json:"effect_id"`
}

func (h *Handlers) AddLink(w http.ResponseWriter, r *http.Request) {
	var req addLinkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.EffectID == "" {
		writeError(w, http.StatusBadRequest, "effect_id is required")
		return
	}

	if err := h.graph.AddLink(r.Context(), chi.URLParam(r, "id"), req.EffectID); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"cause_id":  chi.URLParam(r, "id"),
		"effect_id": req.EffectID,
	})
}

type predictRequest struct {
	Context string `json:"context,omitempty"`
}

func (h *Handlers) PredictConsequences(w http.ResponseWriter, r *http.Request) {
	var req predictRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	predictions, err := h.graph.Predict(r.Context(), chi.URLParam(r, "id"), req.Context)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, predictions)
}

type consequenceStatusRequest struct {
	Status             string  `json:"status"`
	TargetEventID      *string `json:"target_event_id,omitempty"`
	InvalidationReason string  `json:"invalidation_reason,omitempty"`
}

func (h *Handlers) MarkConsequence(w http.ResponseWriter, r *http.Request) {
	var req consequenceStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	c, err := h.graph.Mark(r.Context(), chi.URLParam(r, "id"), consequence.MarkInput{
		Status:             models.ConsequenceStatus(req.Status),
		TargetEventID:      req.TargetEventID,
		InvalidationReason: req.InvalidationReason,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *Handlers) ActiveConsequences(w http.ResponseWriter, r *http.Request) {
	chapter, err := queryInt(r, "chapter")
	if err != nil {
		writeError(w, http.StatusBadRequest, "chapter must be an integer")
		return
	}

	active, err := h.graph.GetActive(r.Context(), chi.URLParam(r, "id"), chapter)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, active)
}

func (h *Handlers) GetGraph(w http.ResponseWriter, r *http.Request) {
	graph, err := h.graph.GetGraph(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, graph)
}

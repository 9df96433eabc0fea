package web

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"storyloom/server/internal/ledger"
	"storyloom/server/internal/models"
)

type detectPromisesRequest struct {
	Text    string `json:"text"`
	Chapter int    `json:"chapter"`
	Scene   *int   `json:"scene,omitempty"`
	Context string `json:"context,omitempty"`
}

func (h *Handlers) DetectPromises(w http.ResponseWriter, r *http.Request) {
	var req detectPromisesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Text == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	candidates, err := h.ledger.DetectPromises(r.Context(), req.Text, req.Chapter, req.Scene, req.Context)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"candidates": candidates})
}

type createPromiseRequest struct {
	Kind             string `json:"kind"`
	SetupChapter     int    `json:"setup_chapter"`
	SetupScene       *int   `json:"setup_scene,omitempty"`
	SetupDescription string `json:"setup_description"`
	PayoffRequired   string `json:"payoff_required"`
	PayoffDeadline   *int   `json:"payoff_deadline,omitempty"`
}

func (h *Handlers) CreatePromise(w http.ResponseWriter, r *http.Request) {
	var req createPromiseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.SetupDescription == "" || req.PayoffRequired == "" {
		writeError(w, http.StatusBadRequest, "setup_description and payoff_required are required")
		return
	}

	p, err := h.ledger.Create(r.Context(), ledger.CreateInput{
		ProjectID:        chi.URLParam(r, "id"),
		Kind:             models.PromiseKind(req.Kind),
		SetupChapter:     req.SetupChapter,
		SetupScene:       req.SetupScene,
		SetupDescription: req.SetupDescription,
		PayoffRequired:   req.PayoffRequired,
		PayoffDeadline:   req.PayoffDeadline,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// ListPromises serves a project's promises. Defaults to open ones;
// ?status= narrows to another state, ?status=all lifts the filter.
func (h *Handlers) ListPromises(w http.ResponseWriter, r *http.Request) {
	beforeChapter, err := queryInt(r, "before_chapter")
	if err != nil {
		writeError(w, http.StatusBadRequest, "before_chapter must be an integer")
		return
	}

	status := models.PromiseStatus(r.URL.Query().Get("status"))
	switch status {
	case "":
		status = models.PromiseOpen
	case "all":
		status = ""
	case models.PromiseOpen, models.PromiseFulfilled, models.PromiseAbandoned:
	default:
		writeError(w, http.StatusBadRequest, "unknown promise status")
		return
	}

	promises, err := h.ledger.List(r.Context(), chi.URLParam(r, "id"), status, beforeChapter)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, promises)
}

type validatePayoffRequest struct {
	PayoffText    string `json:"payoff_text"`
	PayoffChapter int    `json:"payoff_chapter"`
	PayoffScene   *int   `json:"payoff_scene,omitempty"`
}

func (h *Handlers) ValidatePayoff(w http.ResponseWriter, r *http.Request) {
	var req validatePayoffRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.PayoffText == "" {
		writeError(w, http.StatusBadRequest, "payoff_text is required")
		return
	}

	result, err := h.ledger.ValidatePayoff(r.Context(), chi.URLParam(r, "id"), req.PayoffText, req.PayoffChapter, req.PayoffScene)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type promiseStatusRequest struct {
	Status            string `json:"status"`
	PayoffChapter     *int   `json:"payoff_chapter,omitempty"`
	PayoffScene       *int   `json:"payoff_scene,omitempty"`
	PayoffDescription string `json:"payoff_description,omitempty"`
}

func (h *Handlers) TransitionPromise(w http.ResponseWriter, r *http.Request) {
	var req promiseStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	p, err := h.ledger.Transition(r.Context(), chi.URLParam(r, "id"), ledger.TransitionInput{
		Status:            models.PromiseStatus(req.Status),
		PayoffChapter:     req.PayoffChapter,
		PayoffScene:       req.PayoffScene,
		PayoffDescription: req.PayoffDescription,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handlers) LedgerReport(w http.ResponseWriter, r *http.Request) {
	chapter, err := queryInt(r, "chapter")
	if err != nil {
		writeError(w, http.StatusBadRequest, "chapter must be an integer")
		return
	}
	if chapter == nil {
		writeError(w, http.StatusBadRequest, "chapter is required")
		return
	}

	report, err := h.ledger.GetReport(r.Context(), chi.URLParam(r, "id"), *chapter)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

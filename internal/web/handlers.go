package web

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"storyloom/server/internal/analysis"
	"storyloom/server/internal/canon"
	"storyloom/server/internal/consequence"
	"storyloom/server/internal/ledger"
	"storyloom/server/internal/models"
	"storyloom/server/internal/storage"
	"storyloom/server/internal/timeline"
)

// WebSocket upgrader configuration
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for development
	},
}

type Handlers struct {
	store    storage.Store
	canon    *canon.Service
	ledger   *ledger.Service
	graph    *consequence.Service
	timeline *timeline.Service
	hub      *Hub
}

func NewHandlers(store storage.Store, canonSvc *canon.Service, ledgerSvc *ledger.Service, graphSvc *consequence.Service, timelineSvc *timeline.Service, hub *Hub) *Handlers {
	return &Handlers{
		store:    store,
		canon:    canonSvc,
		ledger:   ledgerSvc,
		graph:    graphSvc,
		timeline: timelineSvc,
		hub:      hub,
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeServiceError maps sentinel errors onto status codes.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, storage.ErrDuplicate):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, canon.ErrUnknownEntityType):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ledger.ErrInvalidTransition),
		errors.Is(err, consequence.ErrInvalidTransition),
		errors.Is(err, timeline.ErrConflictClosed):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, ledger.ErrInvariantViolation),
		errors.Is(err, consequence.ErrInvariantViolation),
		errors.Is(err, consequence.ErrCyclicCausality):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, analysis.ErrTimeout):
		writeError(w, http.StatusGatewayTimeout, err.Error())
	case errors.Is(err, analysis.ErrUnavailable):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// queryInt parses an optional integer query parameter.
func queryInt(r *http.Request, name string) (*int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "ok",
		"service":        "storyloom",
		"ws_clients":     h.hub.GetClientCount(),
		"dropped_events": h.hub.DroppedEvents(),
	})
}

// Project endpoints

type createProjectRequest struct {
	Title string `json:"title"`
}

func (h *Handlers) CreateProject(w http.ResponseWriter, r *http.Request) {
	var req createProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Title == "" {
		writeError(w, http.StatusBadRequest, "title is required")
		return
	}

	p := &models.Project{
		ID:     uuid.NewString(),
		Title:  req.Title,
		Status: "active",
	}
	if err := h.store.CreateProject(r.Context(), p); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (h *Handlers) GetProject(w http.ResponseWriter, r *http.Request) {
	p, err := h.store.GetProject(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// Canon entity endpoints

type entityRequest struct {
	Kind          string         `json:"kind"`
	Name          string         `json:"name"`
	Data          models.JSONMap `json:"data"`
	ChapterNumber *int           `json:"chapter_number,omitempty"`
	SceneNumber   *int           `json:"scene_number,omitempty"`
	CommitMessage string         `json:"commit_message,omitempty"`
}

func (h *Handlers) CreateEntity(w http.ResponseWriter, r *http.Request) {
	var req entityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	entity, err := h.canon.Create(r.Context(), canon.CreateInput{
		Kind:          req.Kind,
		ProjectID:     chi.URLParam(r, "id"),
		Name:          req.Name,
		Data:          req.Data,
		ChapterNumber: req.ChapterNumber,
		SceneNumber:   req.SceneNumber,
		CommitMessage: req.CommitMessage,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, entity)
}

func (h *Handlers) ListEntities(w http.ResponseWriter, r *http.Request) {
	entities, err := h.canon.List(r.Context(), chi.URLParam(r, "id"), r.URL.Query().Get("kind"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entities)
}

func (h *Handlers) GetEntity(w http.ResponseWriter, r *http.Request) {
	entity, err := h.canon.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entity)
}

type updateEntityRequest struct {
	Name          *string        `json:"name,omitempty"`
	Data          models.JSONMap `json:"data,omitempty"`
	ChapterNumber *int           `json:"chapter_number,omitempty"`
	SceneNumber   *int           `json:"scene_number,omitempty"`
	CommitMessage string         `json:"commit_message,omitempty"`
}

func (h *Handlers) UpdateEntity(w http.ResponseWriter, r *http.Request) {
	var req updateEntityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	entity, err := h.canon.Update(r.Context(), canon.UpdateInput{
		ID:            chi.URLParam(r, "id"),
		Name:          req.Name,
		Data:          req.Data,
		ChapterNumber: req.ChapterNumber,
		SceneNumber:   req.SceneNumber,
		CommitMessage: req.CommitMessage,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entity)
}

func (h *Handlers) DeleteEntity(w http.ResponseWriter, r *http.Request) {
	deleted, err := h.canon.Delete(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": deleted})
}

func (h *Handlers) GetEntityHistory(w http.ResponseWriter, r *http.Request) {
	versions, err := h.canon.History(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, versions)
}

func (h *Handlers) ValidateEntity(w http.ResponseWriter, r *http.Request) {
	result, err := h.canon.Validate(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// Subscribe upgrades the connection and registers the client for the
// project's sync/detect notifications.
func (h *Handlers) Subscribe(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "id")
	if _, err := h.store.GetProject(r.Context(), projectID); err != nil {
		writeServiceError(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	client := &Client{
		ID:        generateClientID(),
		ProjectID: projectID,
		Conn:      conn,
		Send:      make(chan []byte, 256),
		Hub:       h.hub,
	}
	h.hub.register <- client

	welcome, _ := json.Marshal(map[string]interface{}{
		"type":       "connected",
		"id":         client.ID,
		"project_id": projectID,
		"time":       time.Now().Unix(),
	})
	select {
	case client.Send <- welcome:
	default:
	}

	go client.readPump()
}

// generateClientID generates a unique client ID
func generateClientID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return hex.EncodeToString([]byte(time.Now().String()))[:16]
	}
	return hex.EncodeToString(b)
}

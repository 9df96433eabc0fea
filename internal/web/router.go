package web

import (
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// CORS middleware
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "*")
		w.Header().Set("Access-Control-Allow-Credentials", "true")
		w.Header().Set("Access-Control-Max-Age", "300")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func NewRouter(h *Handlers) *chi.Mux {
	r := chi.NewRouter()

	// Request logging middleware
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			log.Printf("REQUEST: %s %s", r.Method, r.URL.Path)
			next.ServeHTTP(w, r)
		})
	})

	r.Use(corsMiddleware)

	r.Get("/health", h.HealthCheck)
	r.Get("/ws/projects/{id}", h.Subscribe)

	r.Route("/api", func(r chi.Router) {
		r.Route("/projects", func(r chi.Router) {
			r.Post("/", h.CreateProject)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetProject)

				r.Post("/entities", h.CreateEntity)
				r.Get("/entities", h.ListEntities)

				r.Post("/promises", h.CreatePromise)
				r.Get("/promises", h.ListPromises)
				r.Post("/promises/detect", h.DetectPromises)
				r.Get("/ledger-report", h.LedgerReport)

				r.Post("/events", h.CreateEvent)
				r.Get("/graph", h.GetGraph)
				r.Get("/consequences/active", h.ActiveConsequences)

				r.Post("/timeline/sync", h.SyncTimeline)
				r.Post("/timeline/detect", h.DetectConflicts)
				r.Get("/timeline", h.TimelineEvents)
				r.Get("/conflicts", h.ListConflicts)
			})
		})

		r.Route("/entities/{id}", func(r chi.Router) {
			r.Get("/", h.GetEntity)
			r.Put("/", h.UpdateEntity)
			r.Delete("/", h.DeleteEntity)
			r.Get("/history", h.GetEntityHistory)
			r.Get("/validate", h.ValidateEntity)
		})

		r.Route("/promises/{id}", func(r chi.Router) {
			r.Post("/payoff", h.ValidatePayoff)
			r.Post("/status", h.TransitionPromise)
		})

		r.Route("/events/{id}", func(r chi.Router) {
			r.Post("/links", h.AddLink)
			r.Post("/consequences", h.PredictConsequences)
			r.Delete("/", h.DeleteEvent)
		})

		r.Post("/consequences/{id}/status", h.MarkConsequence)

		r.Route("/conflicts/{id}", func(r chi.Router) {
			r.Post("/resolve", h.ResolveConflict)
			r.Post("/ignore", h.IgnoreConflict)
		})
	})

	return r
}

package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/triadlabs/triad/internal/api/handlers"
	"github.com/triadlabs/triad/internal/api/middleware"
	"github.com/triadlabs/triad/internal/config"
)

// NewRouter creates the HTTP router with all API routes.
func NewRouter(cfg *config.Config, h *handlers.Handlers) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5))
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health & info
	r.Get("/health", healthHandler)
	r.Get("/version", versionHandler(cfg))

	// API v1
	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/rooms", func(r chi.Router) {
			r.Get("/", h.ListRooms)
			r.Route("/{room}", func(r chi.Router) {
				r.Post("/messages", h.PostMessage)
				r.Get("/history", h.RoomHistory)
				r.Get("/summary", h.RoomSummary)
				r.Get("/mode", h.GetMode)
				r.Put("/mode", h.SetMode)
			})
		})

		r.Route("/memory", func(r chi.Router) {
			r.Get("/", h.ListMemory)
			r.Route("/{topic}", func(r chi.Router) {
				r.Get("/", h.GetMemory)
				r.Put("/", h.PutMemory)
				r.Delete("/", h.DeleteMemory)
			})
		})

		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", h.ListTasks)
			r.Post("/", h.SubmitTask)
			r.Route("/{taskID}", func(r chi.Router) {
				r.Get("/", h.GetTask)
				r.Post("/cancel", h.CancelTask)
			})
		})

		r.Get("/workers", h.ListWorkers)
		r.Get("/status", h.SystemStatus)
	})

	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"service": "triad-core",
	})
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"version": cfg.Version,
		})
	}
}

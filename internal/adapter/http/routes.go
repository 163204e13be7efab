package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/Strob0t/crewflow/internal/middleware"
)

// Version is reported by GET /api/v1/.
const Version = "0.1.0"

// RouterConfig carries the server settings the router needs.
type RouterConfig struct {
	CORSOrigin string
	RunLimiter *middleware.RateLimiter // guards run and resume; nil = unlimited
	WS         http.HandlerFunc        // mounted at /ws when set
}

// NewRouter builds the instrumented API handler.
func NewRouter(cfg RouterConfig, h *Handlers) http.Handler {
	r := chi.NewRouter()
	r.Use(SecurityHeaders)
	if cfg.CORSOrigin != "" {
		r.Use(CORS(cfg.CORSOrigin))
	}
	r.Use(middleware.RequestID)
	r.Use(Logger)
	r.Use(chimw.Recoverer)

	MountRoutes(r, h, cfg.RunLimiter)
	if cfg.WS != nil {
		r.Get("/ws", cfg.WS)
	}
	return otelhttp.NewHandler(r, "crewflow.api")
}

// MountRoutes registers all API routes on the given chi router.
func MountRoutes(r chi.Router, h *Handlers, runLimiter *middleware.RateLimiter) {
	limit := func(next http.Handler) http.Handler { return next }
	if runLimiter != nil {
		limit = runLimiter.Handler
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"version": Version})
		})
		r.Get("/health", h.Health)

		// Configuration and mode detection
		r.Get("/config", h.EffectiveConfig)
		r.Post("/detect", h.DetectMode)

		// Cross-task memory search and the error pattern library
		r.Get("/discoveries/search", h.SearchDiscoveries)
		r.Post("/error-patterns", h.RecordErrorPattern)
		r.Post("/error-patterns/match", h.MatchError)

		// Tasks
		r.Get("/tasks", handleList(h.Workflow.List))
		r.Post("/tasks", h.CreateTask)
		r.Route("/tasks/{id}", func(r chi.Router) {
			r.Use(middleware.TaskID)

			r.Get("/", handleGet(h.Workflow.GetState, taskNotFound))
			r.Get("/resume-state", handleGet(h.Workflow.ResumeState, taskNotFound))
			r.Get("/config", h.TaskConfig)

			// Phase state machine
			r.Post("/transition", handleUpdate(h.bodyLimit(), h.transition, taskNotFound))
			r.Post("/phases/{phase}/complete", h.CompletePhase)
			r.Post("/checkpoint", handleUpdate(h.bodyLimit(), h.decide, taskNotFound))
			r.Post("/restart", handleAction(h.Workflow.Restart, taskNotFound))

			// Implementation loop
			r.Put("/progress", handleUpdate(h.bodyLimit(), h.setProgress, taskNotFound))
			r.Post("/steps/{n}/complete", h.CompleteStep)
			r.With(limit).Post("/run", h.RunTask)
			r.With(limit).Post("/resume", h.ResumeTask)

			// Concerns and links
			r.Get("/concerns", h.ListConcerns)
			r.Post("/concerns", handleUpdate(h.bodyLimit(), h.Workflow.AddConcern, taskNotFound))
			r.Post("/concerns/{concern}/address", h.AddressConcern)
			r.Get("/links", h.LinkedTasks)
			r.Post("/links", handleUpdate(h.bodyLimit(), h.linkTasks, taskNotFound))

			// Memory
			r.Get("/discoveries", h.ListDiscoveries)
			r.Post("/discoveries", h.SaveDiscovery)
			r.Post("/discoveries/flush", handleAction(h.Memory.Flush, taskNotFound))

			// Costs
			r.Get("/costs", handleGet(h.Costs.Summarize, taskNotFound))
			r.Post("/costs", h.RecordCost)
		})
	})
}

package api

import (
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/LeoCryptoFlow/aixin/internal/api/middleware"
	"github.com/LeoCryptoFlow/aixin/internal/handlers"
)

// maxBodyBytes bounds request bodies; task payloads are the largest.
const maxBodyBytes = 64 * 1024

// NewRouter creates and configures the HTTP router. Rate limiting is
// installed only when deps carries a Redis store.
func NewRouter(logger zerolog.Logger, deps handlers.Deps, rl middleware.RateLimiterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Metrics middleware (first to capture all requests)
	r.Use(middleware.Metrics)

	// Security middleware (order matters!)
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.MaxBodySize(maxBodyBytes))
	r.Use(middleware.ValidateRequest)

	// Standard middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger(logger))
	r.Use(chimw.Recoverer)

	// Rate limiting
	if deps.Redis != nil {
		limiter := middleware.NewRateLimiter(deps.Redis.Client(), logger, rl)
		r.Use(limiter.Middleware)
	}

	// CORS - allow all origins (agents call from anywhere)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", middleware.HeaderAgent, middleware.HeaderPassword},
		ExposedHeaders:   []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	h := handlers.NewHandler(deps)
	auth := middleware.NewAuthMiddleware(deps.Registry)

	// Metrics endpoint (for Prometheus scraping)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/health", h.Health)

	r.Route("/api", func(r chi.Router) {
		r.Get("/", h.Root)

		r.Route("/agents", func(r chi.Router) {
			r.Post("/", h.Register)
			r.Get("/", h.SearchAgents)
			r.Get("/{ax_id}", h.GetAgent)
			r.Put("/{ax_id}", h.UpdateAgent)
			r.Post("/{ax_id}/rate", h.RateAgent)
			r.Get("/{ax_id}/groups", h.AgentGroups)
		})
		r.Get("/market", h.Market)
		r.Get("/portal/stats", h.PortalStats)

		r.Route("/contacts", func(r chi.Router) {
			r.Post("/request", h.RequestContact)
			r.Post("/accept", h.AcceptContact)
			r.Post("/reject", h.RejectContact)
			r.Delete("/", h.RemoveContact)
			r.Get("/{ax_id}/friends", h.Friends)
			r.Get("/{ax_id}/pending", h.PendingContacts)
			r.Get("/{ax_id}/requests", h.PendingContacts)
		})

		r.Get("/conversations/{ax_id}", h.Conversations)

		r.Route("/messages", func(r chi.Router) {
			r.Post("/", h.SendMessage)
			r.Post("/read", h.MarkRead)
			r.Get("/{ax_id}/unread", h.Unread)
			r.Get("/{ax_id}/{peer}", h.History)
		})

		r.Route("/groups", func(r chi.Router) {
			r.Post("/", h.CreateGroup)
			r.Get("/{id}", h.GetGroup)
			r.Post("/{id}/members", h.AddMember)
			r.Delete("/{id}/members/{ax_id}", h.RemoveMember)
			r.Post("/{id}/messages", h.SendGroupMessage)
			r.Get("/{id}/messages", h.GroupHistory)
		})

		r.Route("/tasks", func(r chi.Router) {
			r.Post("/", h.DelegateTask)
			r.Get("/received/{ax_id}", h.ReceivedTasks)
			r.Get("/sent/{ax_id}", h.SentTasks)
			r.Get("/{id}", h.GetTask)
			r.Post("/{id}/accept", h.AcceptTask)
			r.Post("/{id}/complete", h.CompleteTask)
			r.Post("/{id}/reject", h.RejectTask)
		})

		// Authenticated routes (require credential headers)
		r.Group(func(r chi.Router) {
			r.Use(auth.RequireAuth)
			r.Get("/ws", h.Connect)
		})
	})

	return r
}

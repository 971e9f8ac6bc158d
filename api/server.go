/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logging:    zap request log (logging.Middleware)
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the shop frontend

ROUTE GROUPS:
  /api/customers/*      Preview, close, balance, close history
  /api/close-events/*   Close event detail and late gift entry
  /api/rewards/*        Tracking, history, delivery
  /api/admin/*          Balance audit
  /healthz              Liveness and store ping

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/agrimart/season-ledger/logging"
)

// Options configures the router.
type Options struct {
	AllowedOrigins []string
	Logger         *zap.Logger
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts Options) *chi.Mux {
	log := opts.Logger
	if log == nil {
		log = h.Logger
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(logging.Middleware(log))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-Id"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.Healthz)

	r.Route("/api", func(r chi.Router) {
		r.Route("/customers/{customerID}", func(r chi.Router) {
			r.Get("/accumulation", h.GetAccumulation)
			r.Get("/close-events", h.ListCustomerCloseEvents)
			r.Get("/seasons/{seasonID}/preview", h.PreviewClose)
			r.Post("/seasons/{seasonID}/close", h.CloseSeason)
		})

		r.Route("/close-events/{eventID}", func(r chi.Router) {
			r.Get("/", h.GetCloseEvent)
			r.Post("/rewards", h.AttachRewards)
		})

		r.Route("/rewards", func(r chi.Router) {
			r.Get("/tracking", h.Tracking)
			r.Get("/history", h.History)
			r.Post("/{rewardID}/deliver", h.DeliverReward)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Post("/audit", h.RunAudit)
		})
	})

	return r
}

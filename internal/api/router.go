/**
 * @description
 * HTTP router setup for the settlement service using go-chi/chi.
 */
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/quattrex/settlement-service/internal/app"
)

// NewRouter creates a new Chi router and registers settlement routes.
func NewRouter(h *Handler, jwtSecret, internalKey string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Internal-API-Key"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("Settlement service is healthy"))
	})

	r.Route("/internal", func(r chi.Router) {
		r.Use(InternalAuthMiddleware(internalKey))
		r.Post("/notifications", h.handleIngestNotification)
		r.Post("/notifications/{id}/rematch", h.handleRematchNotification)
		r.Post("/payouts", h.handleCreatePayout)
		r.Post("/payouts/{id}/distribute", h.handleDistributePayout)
		r.Get("/stats", h.handleStats)
	})

	r.Group(func(r chi.Router) {
		r.Use(TraderAuthMiddleware(jwtSecret))
		r.With(h.traderRateLimit(app.ScopeNotification)).Post("/notifications", h.handleTraderNotification)
		r.With(h.traderRateLimit(app.ScopeClaim)).Post("/payouts/{id}/claim", h.handleClaimPayout)
		r.Post("/payouts/{id}/confirm", h.handleConfirmPayout)
		r.Post("/payouts/{id}/cancel", h.handleCancelPayout)
	})

	return r
}

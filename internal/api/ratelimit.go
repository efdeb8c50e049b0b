package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/quattrex/settlement-service/internal/app"
)

// RateLimiter is implemented by app.TraderRateLimiter.
type RateLimiter interface {
	Allow(ctx context.Context, scope app.RateScope, traderID uuid.UUID) (app.RateDecision, error)
}

// SetRateLimiter enables per-trader budgets on claim and device ingestion.
func (h *Handler) SetRateLimiter(limiter RateLimiter) {
	h.limiter = limiter
}

// traderRateLimit must run after TraderAuthMiddleware. Limiter failures let
// the request through.
func (h *Handler) traderRateLimit(scope app.RateScope) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			traderID, ok := TraderFromContext(r.Context())
			if h.limiter == nil || !ok {
				next.ServeHTTP(w, r)
				return
			}

			decision, err := h.limiter.Allow(r.Context(), scope, traderID)
			if err != nil {
				h.logger.Warn("rate limiter unavailable", "scope", scope, "trader_id", traderID, "error", err)
				next.ServeHTTP(w, r)
				return
			}
			if !decision.Allowed {
				w.Header().Set("Retry-After", strconv.Itoa(decision.RetryAfterSeconds()))
				respondWithError(w, http.StatusTooManyRequests, "Too many requests")
				return
			}
			if decision.Limit > 0 {
				w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
			}
			next.ServeHTTP(w, r)
		})
	}
}

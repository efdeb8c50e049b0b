/**
 * @description
 * HTTP handlers for notification ingestion and the payout lifecycle.
 *
 * @dependencies
 * - internal/app: notification and payout services
 * - internal/store, internal/payout, internal/ledger: error values mapped to status codes
 */
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/quattrex/settlement-service/internal/app"
	"github.com/quattrex/settlement-service/internal/domain"
	"github.com/quattrex/settlement-service/internal/ledger"
	"github.com/quattrex/settlement-service/internal/payout"
	"github.com/quattrex/settlement-service/internal/store"
)

// NotificationIngester is implemented by app.NotificationService.
type NotificationIngester interface {
	Ingest(ctx context.Context, in domain.IncomingNotification) (app.IngestResult, error)
	Rematch(ctx context.Context, notificationID uuid.UUID) (app.IngestResult, error)
}

// PayoutOperations is implemented by app.PayoutService.
type PayoutOperations interface {
	CreatePayout(ctx context.Context, np domain.NewPayout) (app.CreatedPayout, error)
	Distribute(ctx context.Context, payoutID uuid.UUID) (payout.Distribution, error)
	Stats(ctx context.Context) (domain.PayoutStats, error)
	Claim(ctx context.Context, traderID, payoutID uuid.UUID) (domain.Payout, error)
	Confirm(ctx context.Context, traderID, payoutID uuid.UUID) (domain.Payout, error)
	Cancel(ctx context.Context, traderID, payoutID uuid.UUID, reason string) (domain.Payout, error)
}

// Handler holds the dependencies for HTTP handlers.
type Handler struct {
	notifications NotificationIngester
	payouts       PayoutOperations
	logger        *slog.Logger
	limiter       RateLimiter
}

// NewHandler creates a new Handler.
func NewHandler(notifications NotificationIngester, payouts PayoutOperations, logger *slog.Logger) *Handler {
	return &Handler{notifications: notifications, payouts: payouts, logger: logger}
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) handleIngestNotification(w http.ResponseWriter, r *http.Request) {
	var in domain.IncomingNotification
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	h.ingest(w, r, in)
}

// handleTraderNotification accepts notifications straight from a trader's
// device; the trader id always comes from the token.
func (h *Handler) handleTraderNotification(w http.ResponseWriter, r *http.Request) {
	traderID, ok := TraderFromContext(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "Trader ID not found in context")
		return
	}
	var in domain.IncomingNotification
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	in.TraderID = traderID
	h.ingest(w, r, in)
}

func (h *Handler) ingest(w http.ResponseWriter, r *http.Request, in domain.IncomingNotification) {
	result, err := h.notifications.Ingest(r.Context(), in)
	if errors.Is(err, app.ErrDuplicateNotification) {
		respondWithJSON(w, http.StatusOK, result)
		return
	}
	if err != nil {
		h.respondWithServiceError(w, "ingest notification", err)
		return
	}
	respondWithJSON(w, http.StatusOK, result)
}

func (h *Handler) handleRematchNotification(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r)
	if !ok {
		return
	}
	result, err := h.notifications.Rematch(r.Context(), id)
	if err != nil {
		h.respondWithServiceError(w, "rematch notification", err)
		return
	}
	respondWithJSON(w, http.StatusOK, result)
}

func (h *Handler) handleCreatePayout(w http.ResponseWriter, r *http.Request) {
	var np domain.NewPayout
	if err := json.NewDecoder(r.Body).Decode(&np); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	created, err := h.payouts.CreatePayout(r.Context(), np)
	if err != nil {
		h.respondWithServiceError(w, "create payout", err)
		return
	}
	respondWithJSON(w, http.StatusCreated, created)
}

func (h *Handler) handleDistributePayout(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r)
	if !ok {
		return
	}
	result, err := h.payouts.Distribute(r.Context(), id)
	if err != nil {
		h.respondWithServiceError(w, "distribute payout", err)
		return
	}
	respondWithJSON(w, http.StatusOK, result)
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.payouts.Stats(r.Context())
	if err != nil {
		h.respondWithServiceError(w, "payout stats", err)
		return
	}
	respondWithJSON(w, http.StatusOK, stats)
}

func (h *Handler) handleClaimPayout(w http.ResponseWriter, r *http.Request) {
	h.traderAction(w, r, "claim payout", func(ctx context.Context, traderID, payoutID uuid.UUID) (domain.Payout, error) {
		return h.payouts.Claim(ctx, traderID, payoutID)
	})
}

func (h *Handler) handleConfirmPayout(w http.ResponseWriter, r *http.Request) {
	h.traderAction(w, r, "confirm payout", func(ctx context.Context, traderID, payoutID uuid.UUID) (domain.Payout, error) {
		return h.payouts.Confirm(ctx, traderID, payoutID)
	})
}

func (h *Handler) handleCancelPayout(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	// The body is optional.
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	h.traderAction(w, r, "cancel payout", func(ctx context.Context, traderID, payoutID uuid.UUID) (domain.Payout, error) {
		return h.payouts.Cancel(ctx, traderID, payoutID, req.Reason)
	})
}

func (h *Handler) traderAction(w http.ResponseWriter, r *http.Request, op string, action func(ctx context.Context, traderID, payoutID uuid.UUID) (domain.Payout, error)) {
	traderID, ok := TraderFromContext(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "Trader ID not found in context")
		return
	}
	payoutID, ok := pathUUID(w, r)
	if !ok {
		return
	}
	p, err := action(r.Context(), traderID, payoutID)
	if err != nil {
		h.respondWithServiceError(w, op, err)
		return
	}
	respondWithJSON(w, http.StatusOK, p)
}

func pathUUID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid id")
		return uuid.Nil, false
	}
	return id, true
}

// statusForError maps service errors onto HTTP status codes.
func statusForError(err error) int {
	switch {
	case errors.Is(err, app.ErrInvalidNotification), errors.Is(err, app.ErrInvalidPayout):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrPayoutNotFound), errors.Is(err, store.ErrNotificationNotFound),
		errors.Is(err, store.ErrTraderNotFound), errors.Is(err, store.ErrTransactionNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrNotPayoutHolder):
		return http.StatusForbidden
	case errors.Is(err, store.ErrStaleTransition), errors.Is(err, store.ErrDuplicateRecord):
		return http.StatusConflict
	case errors.Is(err, payout.ErrNotEligible), errors.Is(err, ledger.ErrInsufficientFunds),
		errors.Is(err, store.ErrCapacityReached), errors.Is(err, store.ErrTraderIneligible):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) respondWithServiceError(w http.ResponseWriter, op string, err error) {
	status := statusForError(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", "operation", op, "error", err)
		respondWithError(w, status, "Internal server error")
		return
	}
	respondWithError(w, status, err.Error())
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}

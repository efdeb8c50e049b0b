package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/quattrex/settlement-service/internal/domain"
	"github.com/quattrex/settlement-service/internal/payout"
	"github.com/quattrex/settlement-service/internal/store"
)

var ErrInvalidPayout = errors.New("invalid payout request")

// PayoutRepository is the storage used directly by the payout service.
type PayoutRepository interface {
	CreatePayout(ctx context.Context, p domain.Payout) error
	GetPayout(ctx context.Context, id uuid.UUID) (domain.Payout, error)
	PayoutStats(ctx context.Context, since time.Time) (domain.PayoutStats, error)
}

// PayoutDistributor assigns a pooled payout.
type PayoutDistributor interface {
	Distribute(ctx context.Context, payoutID uuid.UUID, now time.Time) (payout.Distribution, error)
}

// TraderActions are the transitions a trader drives.
type TraderActions interface {
	Claim(ctx context.Context, traderID, payoutID uuid.UUID, now time.Time) (domain.Payout, error)
	Confirm(ctx context.Context, traderID, payoutID uuid.UUID, now time.Time) (domain.Payout, error)
	Cancel(ctx context.Context, traderID, payoutID uuid.UUID, reason string, now time.Time) (domain.Payout, error)
}

// CreatedPayout is the stored payout together with the first distribution attempt.
type CreatedPayout struct {
	Payout       domain.Payout       `json:"payout"`
	Distribution payout.Distribution `json:"distribution"`
}

// PayoutService creates payouts and fronts the distributor and trader actions.
type PayoutService struct {
	repo        PayoutRepository
	distributor PayoutDistributor
	actions     TraderActions
	poolWindow  time.Duration
	logger      *slog.Logger
	now         func() time.Time
}

func NewPayoutService(repo PayoutRepository, distributor PayoutDistributor, actions TraderActions, poolWindow time.Duration, logger *slog.Logger) *PayoutService {
	return &PayoutService{
		repo:        repo,
		distributor: distributor,
		actions:     actions,
		poolWindow:  poolWindow,
		logger:      logger,
		now:         time.Now,
	}
}

func validateNewPayout(np domain.NewPayout) error {
	switch {
	case np.MerchantID == uuid.Nil:
		return fmt.Errorf("%w: merchant_id is required", ErrInvalidPayout)
	case !np.Amount.IsPositive():
		return fmt.Errorf("%w: amount must be positive", ErrInvalidPayout)
	case np.AmountSettlement.IsNegative():
		return fmt.Errorf("%w: amount_settlement must not be negative", ErrInvalidPayout)
	case strings.TrimSpace(np.Destination) == "":
		return fmt.Errorf("%w: destination is required", ErrInvalidPayout)
	case np.AcceptanceWindowSeconds < 0:
		return fmt.Errorf("%w: acceptance_window_seconds must not be negative", ErrInvalidPayout)
	}
	return nil
}

// CreatePayout puts a payout into the pool and tries to distribute it once.
// A failed first distribution is logged; the sweeper backlog retries it.
func (s *PayoutService) CreatePayout(ctx context.Context, np domain.NewPayout) (CreatedPayout, error) {
	if err := validateNewPayout(np); err != nil {
		return CreatedPayout{}, err
	}

	now := s.now().UTC()
	id := np.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	p := domain.Payout{
		ID:                id,
		MerchantID:        np.MerchantID,
		Amount:            np.Amount,
		AmountSettlement:  np.AmountSettlement,
		Destination:       strings.TrimSpace(np.Destination),
		BankIdentity:      strings.ToUpper(strings.TrimSpace(np.BankIdentity)),
		Status:            domain.PayoutPool,
		PreviousTraderIDs: []uuid.UUID{},
		AcceptanceWindow:  time.Duration(np.AcceptanceWindowSeconds) * time.Second,
		CreatedAt:         now,
		PooledAt:          now,
		ExpiresAt:         now.Add(s.poolWindow),
	}
	if err := s.repo.CreatePayout(ctx, p); err != nil {
		return CreatedPayout{}, fmt.Errorf("create payout: %w", err)
	}
	s.logger.Info("payout pooled", "payout_id", p.ID, "merchant_id", p.MerchantID, "amount", p.Amount.String())

	result, err := s.distributor.Distribute(ctx, p.ID, now)
	if err != nil {
		s.logger.Error("initial distribution failed; left in pool", "payout_id", p.ID, "error", err)
		return CreatedPayout{Payout: p, Distribution: payout.Distribution{Outcome: payout.NoEligibleTrader, Reason: "distribution deferred"}}, nil
	}
	if result.Outcome == payout.Assigned {
		if fresh, err := s.repo.GetPayout(ctx, p.ID); err == nil {
			p = fresh
		} else {
			s.logger.Warn("failed to reload assigned payout", "payout_id", p.ID, "error", err)
		}
	}
	return CreatedPayout{Payout: p, Distribution: result}, nil
}

// Distribute runs one distribution attempt for an existing payout.
func (s *PayoutService) Distribute(ctx context.Context, payoutID uuid.UUID) (payout.Distribution, error) {
	return s.distributor.Distribute(ctx, payoutID, s.now().UTC())
}

// Stats summarises payouts; unmatched notifications count from midnight UTC.
func (s *PayoutService) Stats(ctx context.Context) (domain.PayoutStats, error) {
	now := s.now().UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return s.repo.PayoutStats(ctx, midnight)
}

func (s *PayoutService) Claim(ctx context.Context, traderID, payoutID uuid.UUID) (domain.Payout, error) {
	return s.actions.Claim(ctx, traderID, payoutID, s.now().UTC())
}

func (s *PayoutService) Confirm(ctx context.Context, traderID, payoutID uuid.UUID) (domain.Payout, error) {
	return s.actions.Confirm(ctx, traderID, payoutID, s.now().UTC())
}

func (s *PayoutService) Cancel(ctx context.Context, traderID, payoutID uuid.UUID, reason string) (domain.Payout, error) {
	return s.actions.Cancel(ctx, traderID, payoutID, reason, s.now().UTC())
}

// HandlePayoutRequested consumes payout.requested messages.
func (s *PayoutService) HandlePayoutRequested(body []byte) bool {
	var np domain.NewPayout
	if err := json.Unmarshal(body, &np); err != nil {
		s.logger.Error("failed to unmarshal payout request", "error", err)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	_, err := s.CreatePayout(ctx, np)
	switch {
	case err == nil:
		return true
	case errors.Is(err, ErrInvalidPayout):
		s.logger.Warn("invalid payout request dropped", "merchant_id", np.MerchantID, "error", err)
		return true
	case errors.Is(err, store.ErrDuplicateRecord):
		s.logger.Info("payout request already processed", "payout_id", np.ID)
		return true
	default:
		s.logger.Error("payout request failed; requeuing", "merchant_id", np.MerchantID, "error", err)
		return false
	}
}

/**
 * @description
 * The payout distributor assigns a pooled payout to one eligible trader.
 *
 * @notes
 * - The eligibility filter runs on a snapshot. The repository re-checks the
 *   decisive conditions (status, previous holders, capacity, available
 *   balance) inside the transaction that freezes the amount, so a stale
 *   snapshot only costs a retry with the next candidate.
 * - NoEligibleTrader and Declined are expected outcomes, not errors.
 */

package payout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/quattrex/settlement-service/internal/domain"
	"github.com/quattrex/settlement-service/internal/ledger"
	"github.com/quattrex/settlement-service/internal/store"
	"github.com/shopspring/decimal"
)

// Repository is the storage used by the distributor, lifecycle actions and sweeper.
type Repository interface {
	GetPayout(ctx context.Context, id uuid.UUID) (domain.Payout, error)
	ListCandidateTraders(ctx context.Context, merchantID uuid.UUID) ([]domain.TraderAccount, error)
	GetTraderForMerchant(ctx context.Context, traderID, merchantID uuid.UUID) (domain.TraderAccount, error)
	AssignPayout(ctx context.Context, a store.Assignment) error
	MarkDistributionAttempt(ctx context.Context, payoutID uuid.UUID, at time.Time) error

	ConfirmPayout(ctx context.Context, payoutID, traderID uuid.UUID, at time.Time) (domain.Payout, error)
	CancelPayout(ctx context.Context, payoutID, traderID uuid.UUID, reason string, at time.Time) (domain.Payout, error)

	ListTimedOutAssignments(ctx context.Context, now time.Time, limit int) ([]domain.Payout, error)
	ReclaimPayout(ctx context.Context, rc store.Reclaim) (domain.Payout, error)
	ListUnclaimedExpired(ctx context.Context, now time.Time, limit int) ([]domain.Payout, error)
	ExpirePayout(ctx context.Context, payoutID uuid.UUID, at time.Time) error
	ListPushDue(ctx context.Context, expiredBefore time.Time, limit int) ([]domain.Payout, error)
	MarkPushSent(ctx context.Context, payoutID uuid.UUID) (bool, error)
	ListPushRecipients(ctx context.Context, merchantID uuid.UUID) ([]domain.Device, error)
	ListBacklog(ctx context.Context, pooledBefore time.Time, limit int) ([]domain.Payout, error)
}

// EventPublisher receives payout status transitions.
type EventPublisher interface {
	PublishPayoutEvent(ctx context.Context, routingKey string, event domain.PayoutEvent) error
}

// Policy holds the tunables shared by the distributor and sweeper.
type Policy struct {
	MinDeposit              decimal.Decimal
	DefaultAcceptanceWindow time.Duration
	PoolWindow              time.Duration
	PushDelay               time.Duration
	BacklogDwell            time.Duration
	BacklogBatchSize        int
	SweepLimit              int
}

// Outcome of a distribution attempt.
type Outcome string

const (
	Assigned         Outcome = "assigned"
	NoEligibleTrader Outcome = "no_eligible_trader"
	Declined         Outcome = "declined"
)

// Distribution describes what Distribute did.
type Distribution struct {
	Outcome  Outcome    `json:"outcome"`
	TraderID *uuid.UUID `json:"trader_id,omitempty"`
	Reason   string     `json:"reason,omitempty"`
	Eligible int        `json:"eligible"`
}

// Distributor assigns pool payouts to traders.
type Distributor struct {
	repo     Repository
	strategy Strategy
	events   EventPublisher
	policy   Policy
	logger   *slog.Logger
}

// NewDistributor creates a distributor. A nil strategy selects
// LeastRecentlyAssigned; a nil publisher disables events.
func NewDistributor(repo Repository, strategy Strategy, events EventPublisher, policy Policy, logger *slog.Logger) *Distributor {
	if strategy == nil {
		strategy = LeastRecentlyAssigned{}
	}
	return &Distributor{repo: repo, strategy: strategy, events: events, policy: policy, logger: logger}
}

// Distribute tries to assign the payout. Calling it on a payout that is no
// longer pooled, or that was never assigned and has reached expires_at, is
// Declined and has no effect.
func (d *Distributor) Distribute(ctx context.Context, payoutID uuid.UUID, now time.Time) (Distribution, error) {
	p, err := d.repo.GetPayout(ctx, payoutID)
	if err != nil {
		return Distribution{}, fmt.Errorf("load payout: %w", err)
	}
	if p.Status != domain.PayoutPool {
		return Distribution{Outcome: Declined, Reason: fmt.Sprintf("payout is %s", p.Status)}, nil
	}
	if p.PoolWindowElapsed(now) {
		return Distribution{Outcome: Declined, Reason: "pool window elapsed"}, nil
	}

	traders, err := d.repo.ListCandidateTraders(ctx, p.MerchantID)
	if err != nil {
		return Distribution{}, fmt.Errorf("list candidate traders: %w", err)
	}
	eligible := FilterEligible(traders, p, d.policy.MinDeposit)

	for _, t := range d.strategy.Order(eligible, now) {
		err := d.assign(ctx, p, t, now)
		switch {
		case err == nil:
			traderID := t.ID
			return Distribution{Outcome: Assigned, TraderID: &traderID, Eligible: len(eligible)}, nil
		case errors.Is(err, store.ErrStaleTransition), errors.Is(err, store.ErrPayoutNotFound):
			return Distribution{Outcome: Declined, Reason: "payout left the pool", Eligible: len(eligible)}, nil
		case errors.Is(err, ledger.ErrInsufficientFunds),
			errors.Is(err, store.ErrCapacityReached),
			errors.Is(err, store.ErrTraderIneligible),
			errors.Is(err, store.ErrTraderNotFound):
			d.logger.Info("assignment declined by trader state; trying next trader",
				"payout_id", p.ID, "trader_id", t.ID, "error", err)
			continue
		default:
			return Distribution{}, err
		}
	}

	if err := d.repo.MarkDistributionAttempt(ctx, p.ID, now); err != nil {
		d.logger.Warn("failed to record distribution attempt", "payout_id", p.ID, "error", err)
	}
	return Distribution{Outcome: NoEligibleTrader, Eligible: len(eligible)}, nil
}

func (d *Distributor) assign(ctx context.Context, p domain.Payout, t domain.TraderAccount, now time.Time) error {
	window := AcceptanceWindow(p, t, d.policy.DefaultAcceptanceWindow)
	err := d.repo.AssignPayout(ctx, store.Assignment{
		PayoutID:   p.ID,
		TraderID:   t.ID,
		AssignedAt: now,
		ExpiresAt:  now.Add(window),
	})
	if err != nil {
		return err
	}

	traderID := t.ID
	d.logger.Info("payout assigned", "payout_id", p.ID, "trader_id", t.ID, "amount", p.Amount.String(), "window", window.String())
	publish(ctx, d.events, d.logger, domain.EventPayoutAssigned, domain.PayoutEvent{
		PayoutID:   p.ID,
		MerchantID: p.MerchantID,
		TraderID:   &traderID,
		Status:     domain.PayoutAssigned,
		Amount:     p.Amount,
		Timestamp:  now,
	})
	return nil
}

func publish(ctx context.Context, events EventPublisher, logger *slog.Logger, routingKey string, event domain.PayoutEvent) {
	if events == nil {
		return
	}
	if err := events.PublishPayoutEvent(ctx, routingKey, event); err != nil {
		logger.Warn("failed to publish payout event", "routing_key", routingKey, "payout_id", event.PayoutID, "error", err)
	}
}

package payout

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/quattrex/settlement-service/internal/domain"
	"github.com/quattrex/settlement-service/internal/store"
)

// Lifecycle carries out the trader-initiated transitions: claiming a pool
// payout, confirming it and cancelling it.
type Lifecycle struct {
	repo        Repository
	distributor *Distributor
	events      EventPublisher
	logger      *slog.Logger
}

// NewLifecycle wires trader actions to the distributor's assignment path.
func NewLifecycle(repo Repository, distributor *Distributor, events EventPublisher, logger *slog.Logger) *Lifecycle {
	return &Lifecycle{repo: repo, distributor: distributor, events: events, logger: logger}
}

// Claim assigns a pool payout to the requesting trader if the trader is eligible.
func (l *Lifecycle) Claim(ctx context.Context, traderID, payoutID uuid.UUID, now time.Time) (domain.Payout, error) {
	p, err := l.repo.GetPayout(ctx, payoutID)
	if err != nil {
		return domain.Payout{}, err
	}
	if p.Status != domain.PayoutPool {
		return domain.Payout{}, fmt.Errorf("%w: payout is %s", store.ErrStaleTransition, p.Status)
	}
	if p.PoolWindowElapsed(now) {
		return domain.Payout{}, fmt.Errorf("%w: pool window elapsed", store.ErrStaleTransition)
	}

	t, err := l.repo.GetTraderForMerchant(ctx, traderID, p.MerchantID)
	if err != nil {
		return domain.Payout{}, err
	}
	if err := CheckEligibility(t, p, l.distributor.policy.MinDeposit); err != nil {
		return domain.Payout{}, err
	}
	if err := l.distributor.assign(ctx, p, t, now); err != nil {
		return domain.Payout{}, err
	}
	return l.repo.GetPayout(ctx, payoutID)
}

// Confirm marks the payout executed; the frozen amount leaves the trader and
// the settlement amount is credited.
func (l *Lifecycle) Confirm(ctx context.Context, traderID, payoutID uuid.UUID, now time.Time) (domain.Payout, error) {
	p, err := l.repo.ConfirmPayout(ctx, payoutID, traderID, now)
	if err != nil {
		return domain.Payout{}, err
	}
	l.logger.Info("payout confirmed", "payout_id", p.ID, "trader_id", traderID, "amount", p.Amount.String())
	publish(ctx, l.events, l.logger, domain.EventPayoutConfirmed, domain.PayoutEvent{
		PayoutID:   p.ID,
		MerchantID: p.MerchantID,
		TraderID:   &traderID,
		Status:     domain.PayoutConfirmed,
		Amount:     p.Amount,
		Timestamp:  now,
	})
	return p, nil
}

// Cancel releases the payout terminally and unfreezes the amount.
func (l *Lifecycle) Cancel(ctx context.Context, traderID, payoutID uuid.UUID, reason string, now time.Time) (domain.Payout, error) {
	reason = strings.TrimSpace(reason)
	p, err := l.repo.CancelPayout(ctx, payoutID, traderID, reason, now)
	if err != nil {
		return domain.Payout{}, err
	}
	l.logger.Info("payout cancelled", "payout_id", p.ID, "trader_id", traderID, "reason", reason)
	publish(ctx, l.events, l.logger, domain.EventPayoutCancelled, domain.PayoutEvent{
		PayoutID:   p.ID,
		MerchantID: p.MerchantID,
		TraderID:   &traderID,
		Status:     domain.PayoutCancelled,
		Amount:     p.Amount,
		Reason:     reason,
		Timestamp:  now,
	})
	return p, nil
}

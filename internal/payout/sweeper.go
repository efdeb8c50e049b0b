/**
 * @description
 * The sweeper is the periodic pass over persisted payout state. It holds no
 * memory between ticks: every decision is recomputed from expires_at,
 * expired_at, pooled_at and push_sent, so a restart loses nothing.
 *
 * @notes
 * - Passes run in order: reclaim, expire, push, backlog. A failing query
 *   aborts only its own pass, and a failing item is skipped.
 * - Every transition is a compare-and-swap in the repository, so two
 *   overlapping ticks, or a tick racing a trader's confirm, cannot both
 *   apply a balance effect.
 */

package payout

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/quattrex/settlement-service/internal/domain"
	"github.com/quattrex/settlement-service/internal/store"
)

// Pass names used in reports and logs.
const (
	PassReclaim = "reclaim"
	PassExpire  = "expire"
	PassPush    = "push"
	PassBacklog = "backlog"
)

// PushNotifier delivers a push to one device; delivery is fire-and-forget.
type PushNotifier interface {
	SendPush(ctx context.Context, msg domain.PushMessage) error
}

// SweepReport summarises one tick.
type SweepReport struct {
	Reclaimed     int               `json:"reclaimed"`
	Expired       int               `json:"expired"`
	PushesSent    int               `json:"pushes_sent"`
	Redistributed int               `json:"redistributed"`
	StillPooled   int               `json:"still_pooled"`
	ItemFailures  int               `json:"item_failures"`
	PassErrors    map[string]string `json:"pass_errors,omitempty"`
}

func (r *SweepReport) passFailed(pass string, err error) {
	if r.PassErrors == nil {
		r.PassErrors = make(map[string]string)
	}
	r.PassErrors[pass] = err.Error()
}

// Sweeper reclaims, expires, notifies and redistributes.
type Sweeper struct {
	repo        Repository
	distributor *Distributor
	events      EventPublisher
	push        PushNotifier
	policy      Policy
	logger      *slog.Logger
}

// NewSweeper creates a sweeper. A nil notifier disables the push pass.
func NewSweeper(repo Repository, distributor *Distributor, events EventPublisher, push PushNotifier, policy Policy, logger *slog.Logger) *Sweeper {
	if policy.SweepLimit <= 0 {
		policy.SweepLimit = 500
	}
	if policy.BacklogBatchSize <= 0 {
		policy.BacklogBatchSize = 50
	}
	return &Sweeper{repo: repo, distributor: distributor, events: events, push: push, policy: policy, logger: logger}
}

// Tick runs all passes against the given clock reading.
func (s *Sweeper) Tick(ctx context.Context, now time.Time) SweepReport {
	var report SweepReport

	passes := []struct {
		name string
		run  func(context.Context, time.Time, *SweepReport) error
	}{
		{PassReclaim, s.reclaimTimedOut},
		{PassExpire, s.expireUnclaimed},
		{PassPush, s.dispatchPushes},
		{PassBacklog, s.redistributeBacklog},
	}
	for _, pass := range passes {
		if err := ctx.Err(); err != nil {
			report.passFailed(pass.name, err)
			continue
		}
		if err := pass.run(ctx, now, &report); err != nil {
			s.logger.Error("sweep pass aborted", "pass", pass.name, "error", err)
			report.passFailed(pass.name, err)
		}
	}
	return report
}

func (s *Sweeper) reclaimTimedOut(ctx context.Context, now time.Time, report *SweepReport) error {
	due, err := s.repo.ListTimedOutAssignments(ctx, now, s.policy.SweepLimit)
	if err != nil {
		return err
	}
	for _, p := range due {
		if p.TraderID == nil {
			continue
		}
		traderID := *p.TraderID
		reclaimed, err := s.repo.ReclaimPayout(ctx, store.Reclaim{
			PayoutID:  p.ID,
			TraderID:  traderID,
			Now:       now,
			ExpiresAt: now.Add(AcceptanceWindow(p, domain.TraderAccount{}, s.policy.DefaultAcceptanceWindow)),
		})
		if errors.Is(err, store.ErrStaleTransition) {
			// Confirmed or cancelled between listing and reclaiming.
			continue
		}
		if err != nil {
			s.logger.Error("failed to reclaim payout", "payout_id", p.ID, "trader_id", traderID, "error", err)
			report.ItemFailures++
			continue
		}
		report.Reclaimed++
		s.logger.Info("payout reclaimed after timeout", "payout_id", p.ID, "trader_id", traderID)
		publish(ctx, s.events, s.logger, domain.EventPayoutReclaimed, domain.PayoutEvent{
			PayoutID:   reclaimed.ID,
			MerchantID: reclaimed.MerchantID,
			TraderID:   &traderID,
			Status:     domain.PayoutPool,
			Amount:     reclaimed.Amount,
			Reason:     "acceptance window elapsed",
			Timestamp:  now,
		})
	}
	return nil
}

func (s *Sweeper) expireUnclaimed(ctx context.Context, now time.Time, report *SweepReport) error {
	due, err := s.repo.ListUnclaimedExpired(ctx, now, s.policy.SweepLimit)
	if err != nil {
		return err
	}
	for _, p := range due {
		err := s.repo.ExpirePayout(ctx, p.ID, now)
		if errors.Is(err, store.ErrStaleTransition) {
			continue
		}
		if err != nil {
			s.logger.Error("failed to expire payout", "payout_id", p.ID, "error", err)
			report.ItemFailures++
			continue
		}
		report.Expired++
		publish(ctx, s.events, s.logger, domain.EventPayoutExpired, domain.PayoutEvent{
			PayoutID:   p.ID,
			MerchantID: p.MerchantID,
			Status:     domain.PayoutExpired,
			Amount:     p.Amount,
			Timestamp:  now,
		})
	}
	return nil
}

// dispatchPushes claims the sent flag before delivering, so a push is sent
// at most once even when ticks overlap.
func (s *Sweeper) dispatchPushes(ctx context.Context, now time.Time, report *SweepReport) error {
	if s.push == nil {
		return nil
	}
	due, err := s.repo.ListPushDue(ctx, now.Add(-s.policy.PushDelay), s.policy.SweepLimit)
	if err != nil {
		return err
	}
	for _, p := range due {
		devices, err := s.repo.ListPushRecipients(ctx, p.MerchantID)
		if err != nil {
			s.logger.Error("failed to list push recipients", "payout_id", p.ID, "error", err)
			report.ItemFailures++
			continue
		}
		claimed, err := s.repo.MarkPushSent(ctx, p.ID)
		if err != nil {
			s.logger.Error("failed to claim push dispatch", "payout_id", p.ID, "error", err)
			report.ItemFailures++
			continue
		}
		if !claimed {
			continue
		}
		for _, device := range devices {
			if device.Emulated {
				continue
			}
			msg := domain.PushMessage{
				DeviceID:  device.ID,
				TraderID:  device.TraderID,
				PushToken: device.PushToken,
				PayoutID:  p.ID,
				Amount:    p.Amount,
				Kind:      domain.EventPushPayoutExpired,
				Timestamp: now,
			}
			if err := s.push.SendPush(ctx, msg); err != nil {
				s.logger.Warn("push delivery failed", "payout_id", p.ID, "device_id", device.ID, "error", err)
			}
		}
		report.PushesSent++
	}
	return nil
}

func (s *Sweeper) redistributeBacklog(ctx context.Context, now time.Time, report *SweepReport) error {
	waiting, err := s.repo.ListBacklog(ctx, now.Add(-s.policy.BacklogDwell), s.policy.BacklogBatchSize)
	if err != nil {
		return err
	}
	for _, p := range waiting {
		result, err := s.distributor.Distribute(ctx, p.ID, now)
		if err != nil {
			s.logger.Error("backlog distribution failed", "payout_id", p.ID, "error", err)
			report.ItemFailures++
			continue
		}
		switch result.Outcome {
		case Assigned:
			report.Redistributed++
		case NoEligibleTrader:
			report.StillPooled++
		}
	}
	return nil
}

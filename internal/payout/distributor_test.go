package payout

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/quattrex/settlement-service/internal/domain"
	"github.com/quattrex/settlement-service/internal/store"
)

func TestDistribute_AssignsAndFreezes(t *testing.T) {
	repo := newMemoryRepo()
	merchant := uuid.New()
	traderID := repo.addTrader(merchant, "60000")
	payoutID := repo.addPayout(merchant, "50000", testNow, testPolicy.PoolWindow)
	e := newEngine(repo)

	result, err := e.distributor.Distribute(context.Background(), payoutID, testNow)
	if err != nil {
		t.Fatalf("Distribute returned error: %v", err)
	}
	if result.Outcome != Assigned || *result.TraderID != traderID {
		t.Fatalf("expected assignment to %s, got %+v", traderID, result)
	}

	trader := repo.trader(traderID)
	if !trader.FiatAvailable.Equal(dec("10000")) || !trader.FiatFrozen.Equal(dec("50000")) {
		t.Fatalf("unexpected balance after assignment: available %s frozen %s", trader.FiatAvailable, trader.FiatFrozen)
	}
	p := repo.payout(payoutID)
	if p.Status != domain.PayoutAssigned || !p.ExpiresAt.Equal(testNow.Add(testPolicy.DefaultAcceptanceWindow)) {
		t.Fatalf("unexpected payout after assignment: %+v", p)
	}
	if e.events.count(domain.EventPayoutAssigned) != 1 {
		t.Fatal("expected one payout.assigned event")
	}
	repo.assertFrozenInvariant(t)
}

func TestDistribute_SecondCallIsDeclinedWithoutDoubleFreeze(t *testing.T) {
	repo := newMemoryRepo()
	merchant := uuid.New()
	a := repo.addTrader(merchant, "60000")
	b := repo.addTrader(merchant, "60000")
	payoutID := repo.addPayout(merchant, "50000", testNow, testPolicy.PoolWindow)
	e := newEngine(repo)

	if _, err := e.distributor.Distribute(context.Background(), payoutID, testNow); err != nil {
		t.Fatalf("first Distribute: %v", err)
	}
	result, err := e.distributor.Distribute(context.Background(), payoutID, testNow.Add(time.Second))
	if err != nil {
		t.Fatalf("second Distribute: %v", err)
	}
	if result.Outcome != Declined {
		t.Fatalf("expected Declined, got %+v", result)
	}

	if total := repo.trader(a).FiatFrozen.Add(repo.trader(b).FiatFrozen); !total.Equal(dec("50000")) {
		t.Fatalf("expected 50000 frozen in total, got %s", total)
	}
	if e.events.count(domain.EventPayoutAssigned) != 1 {
		t.Fatal("expected exactly one assignment event")
	}
	repo.assertFrozenInvariant(t)
}

func TestDistribute_DeclinesNeverAssignedPayoutPastPoolWindow(t *testing.T) {
	repo := newMemoryRepo()
	merchant := uuid.New()
	traderID := repo.addTrader(merchant, "60000")
	payoutID := repo.addPayout(merchant, "50000", testNow, testPolicy.PoolWindow)
	e := newEngine(repo)

	cases := []struct {
		name string
		at   time.Time
	}{
		{name: "at expiry", at: testNow.Add(testPolicy.PoolWindow)},
		{name: "an hour later", at: testNow.Add(testPolicy.PoolWindow + time.Hour)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			result, err := e.distributor.Distribute(context.Background(), payoutID, tc.at)
			if err != nil {
				t.Fatalf("Distribute returned error: %v", err)
			}
			if result.Outcome != Declined {
				t.Fatalf("expected Declined, got %+v", result)
			}
			err = repo.AssignPayout(context.Background(), store.Assignment{
				PayoutID:   payoutID,
				TraderID:   traderID,
				AssignedAt: tc.at,
				ExpiresAt:  tc.at.Add(testPolicy.DefaultAcceptanceWindow),
			})
			if !errors.Is(err, store.ErrStaleTransition) {
				t.Fatalf("expected the assignment guard to refuse, got %v", err)
			}
		})
	}

	if p := repo.payout(payoutID); p.Status != domain.PayoutPool || p.TraderID != nil {
		t.Fatalf("payout must stay pooled for the expire pass, got %+v", p)
	}
	if !repo.trader(traderID).FiatFrozen.IsZero() {
		t.Fatal("nothing may be frozen")
	}
	if e.events.count(domain.EventPayoutAssigned) != 0 {
		t.Fatal("expected no assignment event")
	}
}

func TestDistribute_NoEligibleTraderRecordsAttempt(t *testing.T) {
	repo := newMemoryRepo()
	merchant := uuid.New()
	repo.addTrader(merchant, "100")
	repo.addTrader(merchant, "90000", banned())
	repo.addTrader(merchant, "90000", trafficOff())
	repo.addTrader(merchant, "90000", withDeposit("10"))
	repo.addTrader(uuid.New(), "90000")
	payoutID := repo.addPayout(merchant, "50000", testNow, testPolicy.PoolWindow)
	e := newEngine(repo)

	result, err := e.distributor.Distribute(context.Background(), payoutID, testNow)
	if err != nil {
		t.Fatalf("Distribute returned error: %v", err)
	}
	if result.Outcome != NoEligibleTrader || result.Eligible != 0 {
		t.Fatalf("expected NoEligibleTrader, got %+v", result)
	}
	if repo.payout(payoutID).Status != domain.PayoutPool {
		t.Fatal("payout must stay pooled")
	}
	if at, ok := repo.attempts[payoutID]; !ok || !at.Equal(testNow) {
		t.Fatal("expected the distribution attempt to be recorded")
	}
}

func TestDistribute_FallsThroughWhenBalanceMovedUnderneath(t *testing.T) {
	repo := newMemoryRepo()
	merchant := uuid.New()
	first := repo.addTrader(merchant, "60000")
	second := repo.addTrader(merchant, "60000")
	payoutID := repo.addPayout(merchant, "50000", testNow, testPolicy.PoolWindow)

	// The least-recent strategy orders never-assigned traders by id.
	order := LeastRecentlyAssigned{}.Order([]domain.TraderAccount{repo.trader(first), repo.trader(second)}, testNow)
	drained, survivor := order[0].ID, order[1].ID
	repo.beforeAssign = func(a store.Assignment) {
		if a.TraderID == drained {
			repo.mu.Lock()
			repo.traders[drained].FiatAvailable = dec("10")
			repo.mu.Unlock()
		}
	}
	e := newEngine(repo)

	result, err := e.distributor.Distribute(context.Background(), payoutID, testNow)
	if err != nil {
		t.Fatalf("Distribute returned error: %v", err)
	}
	if result.Outcome != Assigned || *result.TraderID != survivor {
		t.Fatalf("expected fallback to %s, got %+v", survivor, result)
	}
	if !repo.trader(drained).FiatFrozen.IsZero() {
		t.Fatal("drained trader must not have a frozen amount")
	}
	repo.assertFrozenInvariant(t)
}

func TestDistribute_RespectsConcurrencyCap(t *testing.T) {
	repo := newMemoryRepo()
	merchant := uuid.New()
	traderID := repo.addTrader(merchant, "100000", withCap(1))
	first := repo.addPayout(merchant, "1000", testNow, testPolicy.PoolWindow)
	second := repo.addPayout(merchant, "1000", testNow, testPolicy.PoolWindow)
	e := newEngine(repo)

	if r, err := e.distributor.Distribute(context.Background(), first, testNow); err != nil || r.Outcome != Assigned {
		t.Fatalf("first Distribute: %+v %v", r, err)
	}
	r, err := e.distributor.Distribute(context.Background(), second, testNow)
	if err != nil {
		t.Fatalf("second Distribute: %v", err)
	}
	if r.Outcome != NoEligibleTrader {
		t.Fatalf("expected cap to block trader %s, got %+v", traderID, r)
	}
}

func TestDistribute_UsesTraderAcceptanceWindow(t *testing.T) {
	repo := newMemoryRepo()
	merchant := uuid.New()
	repo.addTrader(merchant, "5000", withWindow(5*time.Minute))
	payoutID := repo.addPayout(merchant, "1000", testNow, testPolicy.PoolWindow)
	e := newEngine(repo)

	if _, err := e.distributor.Distribute(context.Background(), payoutID, testNow); err != nil {
		t.Fatalf("Distribute: %v", err)
	}
	if got := repo.payout(payoutID).ExpiresAt; !got.Equal(testNow.Add(5 * time.Minute)) {
		t.Fatalf("expected trader window, got expiry %s", got)
	}
}

func TestDistribute_UnknownPayout(t *testing.T) {
	e := newEngine(newMemoryRepo())
	if _, err := e.distributor.Distribute(context.Background(), uuid.New(), testNow); !errors.Is(err, store.ErrPayoutNotFound) {
		t.Fatalf("expected ErrPayoutNotFound, got %v", err)
	}
}

func TestDistribute_PropagatesUnexpectedStorageErrors(t *testing.T) {
	repo := newMemoryRepo()
	merchant := uuid.New()
	repo.addTrader(merchant, "5000")
	payoutID := repo.addPayout(merchant, "1000", testNow, testPolicy.PoolWindow)
	boom := errors.New("connection reset")
	repo.errs["AssignPayout"] = boom
	e := newEngine(repo)

	if _, err := e.distributor.Distribute(context.Background(), payoutID, testNow); !errors.Is(err, boom) {
		t.Fatalf("expected storage error, got %v", err)
	}
}

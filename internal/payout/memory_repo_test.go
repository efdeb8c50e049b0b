package payout

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/quattrex/settlement-service/internal/domain"
	"github.com/quattrex/settlement-service/internal/ledger"
	"github.com/quattrex/settlement-service/internal/store"
	"github.com/shopspring/decimal"
)

// memoryRepo mirrors the conditional writes of the PostgreSQL repository so
// lifecycle scenarios can run without a database.
type memoryRepo struct {
	mu         sync.Mutex
	payouts    map[uuid.UUID]domain.Payout
	traders    map[uuid.UUID]*domain.TraderAccount
	agreements map[uuid.UUID]map[uuid.UUID]bool
	devices    []domain.Device
	attempts   map[uuid.UUID]time.Time
	errs       map[string]error
	// beforeAssign runs inside AssignPayout before any check, outside the lock.
	beforeAssign func(a store.Assignment)
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		payouts:    make(map[uuid.UUID]domain.Payout),
		traders:    make(map[uuid.UUID]*domain.TraderAccount),
		agreements: make(map[uuid.UUID]map[uuid.UUID]bool),
		attempts:   make(map[uuid.UUID]time.Time),
		errs:       make(map[string]error),
	}
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type traderOption func(*domain.TraderAccount)

func withCap(n int) traderOption { return func(t *domain.TraderAccount) { t.MaxConcurrentPayouts = n } }
func withDeposit(s string) traderOption {
	return func(t *domain.TraderAccount) { t.Deposit = dec(s) }
}
func banned() traderOption         { return func(t *domain.TraderAccount) { t.Banned = true } }
func trafficOff() traderOption     { return func(t *domain.TraderAccount) { t.TrafficEnabled = false } }
func withWindow(d time.Duration) traderOption {
	return func(t *domain.TraderAccount) { t.AcceptanceWindow = d }
}

func (r *memoryRepo) addTrader(merchantID uuid.UUID, fiat string, opts ...traderOption) uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := &domain.TraderAccount{
		ID:                   uuid.New(),
		FiatAvailable:        dec(fiat),
		Deposit:              dec("1000"),
		MaxConcurrentPayouts: 3,
		TrafficEnabled:       true,
	}
	for _, opt := range opts {
		opt(t)
	}
	r.traders[t.ID] = t
	r.agreements[t.ID] = map[uuid.UUID]bool{merchantID: true}
	return t.ID
}

func (r *memoryRepo) addDevice(traderID uuid.UUID, lastActive time.Time, emulated bool) uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()
	d := domain.Device{ID: uuid.New(), TraderID: traderID, PushToken: "tok-" + traderID.String()[:8], Emulated: emulated, LastActiveAt: lastActive}
	r.devices = append(r.devices, d)
	return d.ID
}

func (r *memoryRepo) addPayout(merchantID uuid.UUID, amount string, now time.Time, poolWindow time.Duration) uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := domain.Payout{
		ID:                uuid.New(),
		MerchantID:        merchantID,
		Amount:            dec(amount),
		AmountSettlement:  dec(amount).Div(dec("100")),
		Destination:       "2202200000001234",
		BankIdentity:      "SBERBANK",
		Status:            domain.PayoutPool,
		PreviousTraderIDs: []uuid.UUID{},
		CreatedAt:         now,
		PooledAt:          now,
		ExpiresAt:         now.Add(poolWindow),
	}
	r.payouts[p.ID] = p
	return p.ID
}

func (r *memoryRepo) trader(id uuid.UUID) domain.TraderAccount {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.traders[id]
}

func (r *memoryRepo) payout(id uuid.UUID) domain.Payout {
	r.mu.Lock()
	defer r.mu.Unlock()
	return clonePayout(r.payouts[id])
}

func clonePayout(p domain.Payout) domain.Payout {
	p.PreviousTraderIDs = append([]uuid.UUID{}, p.PreviousTraderIDs...)
	return p
}

func (r *memoryRepo) assignedCountLocked(traderID uuid.UUID) int {
	n := 0
	for _, p := range r.payouts {
		if p.Status == domain.PayoutAssigned && p.TraderID != nil && *p.TraderID == traderID {
			n++
		}
	}
	return n
}

// assertFrozenInvariant checks frozen == sum of assigned payout amounts for every trader.
func (r *memoryRepo) assertFrozenInvariant(t *testing.T) {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, trader := range r.traders {
		sum := decimal.Zero
		for _, p := range r.payouts {
			if p.Status == domain.PayoutAssigned && p.TraderID != nil && *p.TraderID == id {
				sum = sum.Add(p.Amount)
			}
		}
		if !trader.FiatFrozen.Equal(sum) {
			t.Fatalf("trader %s: frozen %s != assigned sum %s", id, trader.FiatFrozen, sum)
		}
	}
}

func (r *memoryRepo) fail(method string) error {
	return r.errs[method]
}

func (r *memoryRepo) GetPayout(ctx context.Context, id uuid.UUID) (domain.Payout, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fail("GetPayout"); err != nil {
		return domain.Payout{}, err
	}
	p, ok := r.payouts[id]
	if !ok {
		return domain.Payout{}, store.ErrPayoutNotFound
	}
	return clonePayout(p), nil
}

func (r *memoryRepo) snapshotLocked(t *domain.TraderAccount, merchantID uuid.UUID) domain.TraderAccount {
	out := *t
	out.AssignedPayouts = r.assignedCountLocked(t.ID)
	out.ActiveAgreement = r.agreements[t.ID][merchantID]
	return out
}

func (r *memoryRepo) ListCandidateTraders(ctx context.Context, merchantID uuid.UUID) ([]domain.TraderAccount, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fail("ListCandidateTraders"); err != nil {
		return nil, err
	}
	var out []domain.TraderAccount
	for _, t := range r.traders {
		if t.Banned || !t.TrafficEnabled || !r.agreements[t.ID][merchantID] {
			continue
		}
		out = append(out, r.snapshotLocked(t, merchantID))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out, nil
}

func (r *memoryRepo) GetTraderForMerchant(ctx context.Context, traderID, merchantID uuid.UUID) (domain.TraderAccount, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.traders[traderID]
	if !ok {
		return domain.TraderAccount{}, store.ErrTraderNotFound
	}
	return r.snapshotLocked(t, merchantID), nil
}

func (r *memoryRepo) AssignPayout(ctx context.Context, a store.Assignment) error {
	if r.beforeAssign != nil {
		r.beforeAssign(a)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fail("AssignPayout"); err != nil {
		return err
	}
	t, ok := r.traders[a.TraderID]
	if !ok {
		return store.ErrTraderNotFound
	}
	if t.Banned || !t.TrafficEnabled {
		return store.ErrTraderIneligible
	}
	if r.assignedCountLocked(t.ID) >= t.MaxConcurrentPayouts {
		return store.ErrCapacityReached
	}
	p, ok := r.payouts[a.PayoutID]
	if !ok || p.Status != domain.PayoutPool || p.PreviouslyAssignedTo(a.TraderID) || p.PoolWindowElapsed(a.AssignedAt) {
		return store.ErrStaleTransition
	}
	bal, err := ledger.Balance{Available: t.FiatAvailable, Frozen: t.FiatFrozen}.Freeze(p.Amount)
	if err != nil {
		return err
	}
	t.FiatAvailable, t.FiatFrozen = bal.Available, bal.Frozen
	assignedAt := a.AssignedAt
	t.LastAssignedAt = &assignedAt

	traderID := a.TraderID
	p.Status = domain.PayoutAssigned
	p.TraderID = &traderID
	p.AssignedAt = &assignedAt
	p.ExpiresAt = a.ExpiresAt
	r.payouts[p.ID] = p
	return nil
}

func (r *memoryRepo) MarkDistributionAttempt(ctx context.Context, payoutID uuid.UUID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts[payoutID] = at
	return nil
}

func (r *memoryRepo) holderMismatchLocked(payoutID, traderID uuid.UUID) error {
	p, ok := r.payouts[payoutID]
	if !ok {
		return store.ErrPayoutNotFound
	}
	if p.Status == domain.PayoutAssigned && (p.TraderID == nil || *p.TraderID != traderID) {
		return store.ErrNotPayoutHolder
	}
	return fmt.Errorf("%w: payout is %s", store.ErrStaleTransition, p.Status)
}

func (r *memoryRepo) ConfirmPayout(ctx context.Context, payoutID, traderID uuid.UUID, at time.Time) (domain.Payout, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.payouts[payoutID]
	if !ok || p.Status != domain.PayoutAssigned || p.TraderID == nil || *p.TraderID != traderID {
		return domain.Payout{}, r.holderMismatchLocked(payoutID, traderID)
	}
	t := r.traders[traderID]
	fiat, err := ledger.Balance{Available: t.FiatAvailable, Frozen: t.FiatFrozen}.Debit(p.Amount)
	if err != nil {
		return domain.Payout{}, err
	}
	settlement := ledger.Balance{Available: t.SettlementAvailable, Frozen: t.SettlementFrozen}
	if p.AmountSettlement.IsPositive() {
		if settlement, err = settlement.Credit(p.AmountSettlement); err != nil {
			return domain.Payout{}, err
		}
	}
	t.FiatAvailable, t.FiatFrozen = fiat.Available, fiat.Frozen
	t.SettlementAvailable, t.SettlementFrozen = settlement.Available, settlement.Frozen

	p.Status = domain.PayoutConfirmed
	p.ConfirmedAt = &at
	r.payouts[p.ID] = p
	return clonePayout(p), nil
}

func (r *memoryRepo) CancelPayout(ctx context.Context, payoutID, traderID uuid.UUID, reason string, at time.Time) (domain.Payout, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.payouts[payoutID]
	if !ok || p.Status != domain.PayoutAssigned || p.TraderID == nil || *p.TraderID != traderID {
		return domain.Payout{}, r.holderMismatchLocked(payoutID, traderID)
	}
	t := r.traders[traderID]
	fiat, err := ledger.Balance{Available: t.FiatAvailable, Frozen: t.FiatFrozen}.Unfreeze(p.Amount)
	if err != nil {
		return domain.Payout{}, err
	}
	t.FiatAvailable, t.FiatFrozen = fiat.Available, fiat.Frozen

	p.Status = domain.PayoutCancelled
	p.CancelledAt = &at
	p.CancelReason = reason
	r.payouts[p.ID] = p
	return clonePayout(p), nil
}

func (r *memoryRepo) selectLocked(match func(domain.Payout) bool, key func(domain.Payout) time.Time, limit int) []domain.Payout {
	var out []domain.Payout
	for _, p := range r.payouts {
		if match(p) {
			out = append(out, clonePayout(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return key(out[i]).Before(key(out[j])) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (r *memoryRepo) ListTimedOutAssignments(ctx context.Context, now time.Time, limit int) ([]domain.Payout, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fail("ListTimedOutAssignments"); err != nil {
		return nil, err
	}
	return r.selectLocked(func(p domain.Payout) bool {
		return p.Status == domain.PayoutAssigned && !p.ExpiresAt.After(now)
	}, func(p domain.Payout) time.Time { return p.ExpiresAt }, limit), nil
}

func (r *memoryRepo) ReclaimPayout(ctx context.Context, rc store.Reclaim) (domain.Payout, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fail("ReclaimPayout"); err != nil {
		return domain.Payout{}, err
	}
	p, ok := r.payouts[rc.PayoutID]
	if !ok || p.Status != domain.PayoutAssigned || p.TraderID == nil || *p.TraderID != rc.TraderID || p.ExpiresAt.After(rc.Now) {
		return domain.Payout{}, store.ErrStaleTransition
	}
	t := r.traders[rc.TraderID]
	fiat, err := ledger.Balance{Available: t.FiatAvailable, Frozen: t.FiatFrozen}.Unfreeze(p.Amount)
	if err != nil {
		return domain.Payout{}, err
	}
	t.FiatAvailable, t.FiatFrozen = fiat.Available, fiat.Frozen

	p.Status = domain.PayoutPool
	p.TraderID = nil
	p.AssignedAt = nil
	p.PreviousTraderIDs = append(append([]uuid.UUID{}, p.PreviousTraderIDs...), rc.TraderID)
	p.PooledAt = rc.Now
	p.ExpiresAt = rc.ExpiresAt
	r.payouts[p.ID] = p
	return clonePayout(p), nil
}

func (r *memoryRepo) ListUnclaimedExpired(ctx context.Context, now time.Time, limit int) ([]domain.Payout, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fail("ListUnclaimedExpired"); err != nil {
		return nil, err
	}
	return r.selectLocked(func(p domain.Payout) bool {
		return p.Status == domain.PayoutPool && !p.ExpiresAt.After(now) && len(p.PreviousTraderIDs) == 0
	}, func(p domain.Payout) time.Time { return p.ExpiresAt }, limit), nil
}

func (r *memoryRepo) ExpirePayout(ctx context.Context, payoutID uuid.UUID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.payouts[payoutID]
	if !ok || p.Status != domain.PayoutPool || p.ExpiresAt.After(at) || len(p.PreviousTraderIDs) != 0 {
		return store.ErrStaleTransition
	}
	p.Status = domain.PayoutExpired
	p.ExpiredAt = &at
	r.payouts[p.ID] = p
	return nil
}

func (r *memoryRepo) ListPushDue(ctx context.Context, expiredBefore time.Time, limit int) ([]domain.Payout, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fail("ListPushDue"); err != nil {
		return nil, err
	}
	return r.selectLocked(func(p domain.Payout) bool {
		return p.Status == domain.PayoutExpired && !p.PushSent && p.ExpiredAt != nil && !p.ExpiredAt.After(expiredBefore)
	}, func(p domain.Payout) time.Time { return *p.ExpiredAt }, limit), nil
}

func (r *memoryRepo) MarkPushSent(ctx context.Context, payoutID uuid.UUID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.payouts[payoutID]
	if !ok || p.Status != domain.PayoutExpired || p.PushSent {
		return false, nil
	}
	p.PushSent = true
	r.payouts[p.ID] = p
	return true, nil
}

func (r *memoryRepo) ListPushRecipients(ctx context.Context, merchantID uuid.UUID) ([]domain.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	latest := make(map[uuid.UUID]domain.Device)
	for _, d := range r.devices {
		t, ok := r.traders[d.TraderID]
		if !ok || t.Banned || d.Emulated || d.PushToken == "" || !r.agreements[d.TraderID][merchantID] {
			continue
		}
		if cur, seen := latest[d.TraderID]; !seen || d.LastActiveAt.After(cur.LastActiveAt) {
			latest[d.TraderID] = d
		}
	}
	out := make([]domain.Device, 0, len(latest))
	for _, d := range latest {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TraderID.String() < out[j].TraderID.String() })
	return out, nil
}

func (r *memoryRepo) ListBacklog(ctx context.Context, pooledBefore time.Time, limit int) ([]domain.Payout, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fail("ListBacklog"); err != nil {
		return nil, err
	}
	return r.selectLocked(func(p domain.Payout) bool {
		return p.Status == domain.PayoutPool && !p.PooledAt.After(pooledBefore)
	}, func(p domain.Payout) time.Time {
		if at, ok := r.attempts[p.ID]; ok {
			return at
		}
		return p.PooledAt
	}, limit), nil
}

type eventRecorder struct {
	mu     sync.Mutex
	keys   []string
	events []domain.PayoutEvent
}

func (e *eventRecorder) PublishPayoutEvent(ctx context.Context, routingKey string, event domain.PayoutEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.keys = append(e.keys, routingKey)
	e.events = append(e.events, event)
	return nil
}

func (e *eventRecorder) count(routingKey string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, k := range e.keys {
		if k == routingKey {
			n++
		}
	}
	return n
}

type pushRecorder struct {
	mu   sync.Mutex
	sent []domain.PushMessage
}

func (p *pushRecorder) SendPush(ctx context.Context, msg domain.PushMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, msg)
	return nil
}

var (
	testNow    = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	testPolicy = Policy{
		MinDeposit:              dec("500"),
		DefaultAcceptanceWindow: 15 * time.Minute,
		PoolWindow:              30 * time.Minute,
		PushDelay:               time.Minute,
		BacklogDwell:            30 * time.Second,
		BacklogBatchSize:        50,
		SweepLimit:              500,
	}
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type engine struct {
	repo        *memoryRepo
	events      *eventRecorder
	push        *pushRecorder
	distributor *Distributor
	lifecycle   *Lifecycle
	sweeper     *Sweeper
}

func newEngine(repo *memoryRepo) *engine {
	events := &eventRecorder{}
	push := &pushRecorder{}
	logger := discardLogger()
	distributor := NewDistributor(repo, LeastRecentlyAssigned{}, events, testPolicy, logger)
	return &engine{
		repo:        repo,
		events:      events,
		push:        push,
		distributor: distributor,
		lifecycle:   NewLifecycle(repo, distributor, events, logger),
		sweeper:     NewSweeper(repo, distributor, events, push, testPolicy, logger),
	}
}

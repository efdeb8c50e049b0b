package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/quattrex/settlement-service/internal/domain"
	"github.com/quattrex/settlement-service/internal/ledger"
)

const payoutColumns = `id, merchant_id, amount, amount_settlement, destination, bank_identity, status,
	trader_id, previous_trader_ids::text[], acceptance_window_seconds, push_sent, cancel_reason,
	created_at, pooled_at, expires_at, assigned_at, confirmed_at, cancelled_at, expired_at`

const traderColumns = `t.id, t.fiat_available, t.fiat_frozen, t.settlement_available, t.settlement_frozen,
	t.deposit, t.max_concurrent_payouts, t.traffic_enabled, t.banned, t.acceptance_window_seconds,
	t.last_assigned_at,
	(SELECT COUNT(*) FROM payouts p WHERE p.trader_id = t.id AND p.status = 'assigned')`

type scanner interface {
	Scan(dest ...any) error
}

func scanPayout(row scanner) (domain.Payout, error) {
	var (
		p             domain.Payout
		status        string
		previous      []string
		windowSeconds int
	)
	err := row.Scan(
		&p.ID, &p.MerchantID, &p.Amount, &p.AmountSettlement, &p.Destination, &p.BankIdentity, &status,
		&p.TraderID, &previous, &windowSeconds, &p.PushSent, &p.CancelReason,
		&p.CreatedAt, &p.PooledAt, &p.ExpiresAt, &p.AssignedAt, &p.ConfirmedAt, &p.CancelledAt, &p.ExpiredAt,
	)
	if err != nil {
		return domain.Payout{}, err
	}
	p.Status = domain.PayoutStatus(status)
	p.AcceptanceWindow = time.Duration(windowSeconds) * time.Second
	p.PreviousTraderIDs = make([]uuid.UUID, 0, len(previous))
	for _, raw := range previous {
		id, err := uuid.Parse(raw)
		if err != nil {
			return domain.Payout{}, fmt.Errorf("payout %s: invalid previous trader id %q: %w", p.ID, raw, err)
		}
		p.PreviousTraderIDs = append(p.PreviousTraderIDs, id)
	}
	return p, nil
}

func scanTrader(row scanner, agreement *bool) (domain.TraderAccount, error) {
	var (
		t             domain.TraderAccount
		windowSeconds int
		assigned      int64
	)
	dest := []any{
		&t.ID, &t.FiatAvailable, &t.FiatFrozen, &t.SettlementAvailable, &t.SettlementFrozen,
		&t.Deposit, &t.MaxConcurrentPayouts, &t.TrafficEnabled, &t.Banned, &windowSeconds,
		&t.LastAssignedAt, &assigned,
	}
	if agreement != nil {
		dest = append(dest, agreement)
	}
	if err := row.Scan(dest...); err != nil {
		return domain.TraderAccount{}, err
	}
	t.AcceptanceWindow = time.Duration(windowSeconds) * time.Second
	t.AssignedPayouts = int(assigned)
	return t, nil
}

func (r *PostgresRepository) queryPayouts(ctx context.Context, query string, args ...any) ([]domain.Payout, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Payout
	for rows.Next() {
		p, err := scanPayout(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// CreatePayout inserts a payout as given; callers set status and timestamps.
func (r *PostgresRepository) CreatePayout(ctx context.Context, p domain.Payout) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO payouts (id, merchant_id, amount, amount_settlement, destination, bank_identity, status,
		                     acceptance_window_seconds, created_at, pooled_at, expires_at)
		VALUES ($1, $2, $3::numeric, $4::numeric, $5, $6, $7, $8, $9, $10, $11)
	`, p.ID, p.MerchantID, p.Amount.String(), p.AmountSettlement.String(), p.Destination, p.BankIdentity,
		string(p.Status), int(p.AcceptanceWindow/time.Second), p.CreatedAt, p.PooledAt, p.ExpiresAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateRecord
		}
		return err
	}
	return nil
}

// GetPayout loads one payout.
func (r *PostgresRepository) GetPayout(ctx context.Context, id uuid.UUID) (domain.Payout, error) {
	p, err := scanPayout(r.db.QueryRow(ctx, `SELECT `+payoutColumns+` FROM payouts WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Payout{}, ErrPayoutNotFound
		}
		return domain.Payout{}, err
	}
	return p, nil
}

// ListCandidateTraders returns traders holding an active agreement with the
// merchant that are not banned and have traffic enabled. The distributor
// applies the remaining eligibility checks.
func (r *PostgresRepository) ListCandidateTraders(ctx context.Context, merchantID uuid.UUID) ([]domain.TraderAccount, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+traderColumns+`
		FROM traders t
		JOIN merchant_agreements ma ON ma.trader_id = t.id AND ma.merchant_id = $1 AND ma.active
		WHERE NOT t.banned AND t.traffic_enabled
	`, merchantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.TraderAccount
	for rows.Next() {
		t, err := scanTrader(rows, nil)
		if err != nil {
			return nil, err
		}
		t.ActiveAgreement = true
		out = append(out, t)
	}
	return out, rows.Err()
}

// GetTraderForMerchant loads a trader and whether it has an active agreement
// with the merchant.
func (r *PostgresRepository) GetTraderForMerchant(ctx context.Context, traderID, merchantID uuid.UUID) (domain.TraderAccount, error) {
	var agreement bool
	t, err := scanTrader(r.db.QueryRow(ctx, `
		SELECT `+traderColumns+`,
		       EXISTS (SELECT 1 FROM merchant_agreements ma WHERE ma.trader_id = t.id AND ma.merchant_id = $2 AND ma.active)
		FROM traders t
		WHERE t.id = $1
	`, traderID, merchantID), &agreement)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.TraderAccount{}, ErrTraderNotFound
		}
		return domain.TraderAccount{}, err
	}
	t.ActiveAgreement = agreement
	return t, nil
}

// lockTrader takes the row lock every balance-changing transaction acquires
// first, so trader-then-payout is the only lock order.
func lockTrader(ctx context.Context, tx pgx.Tx, traderID uuid.UUID) (banned, trafficEnabled bool, maxConcurrent int, err error) {
	err = tx.QueryRow(ctx, `
		SELECT banned, traffic_enabled, max_concurrent_payouts FROM traders WHERE id = $1 FOR UPDATE
	`, traderID).Scan(&banned, &trafficEnabled, &maxConcurrent)
	if errors.Is(err, pgx.ErrNoRows) {
		err = ErrTraderNotFound
	}
	return
}

// AssignPayout moves a pool payout to the trader and freezes its amount in
// one transaction. Any failure leaves both rows untouched. A payout that was
// never assigned is only assignable while expires_at is in the future.
func (r *PostgresRepository) AssignPayout(ctx context.Context, a Assignment) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	banned, trafficEnabled, maxConcurrent, err := lockTrader(ctx, tx, a.TraderID)
	if err != nil {
		return err
	}
	if banned || !trafficEnabled {
		return ErrTraderIneligible
	}

	var assigned int
	if err := tx.QueryRow(ctx, `
		SELECT COUNT(*) FROM payouts WHERE trader_id = $1 AND status = 'assigned'
	`, a.TraderID).Scan(&assigned); err != nil {
		return err
	}
	if assigned >= maxConcurrent {
		return ErrCapacityReached
	}

	p, err := scanPayout(tx.QueryRow(ctx, `
		UPDATE payouts
		SET status = 'assigned', trader_id = $2, assigned_at = $3, expires_at = $4, updated_at = NOW()
		WHERE id = $1 AND status = 'pool' AND NOT ($2 = ANY(previous_trader_ids))
			AND (expires_at > $3 OR cardinality(previous_trader_ids) > 0)
		RETURNING `+payoutColumns, a.PayoutID, a.TraderID, a.AssignedAt, a.ExpiresAt))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrStaleTransition
		}
		return err
	}

	if err := ledger.Freeze(ctx, tx, a.TraderID, domain.UnitFiat, p.Amount); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, `UPDATE traders SET last_assigned_at = $2 WHERE id = $1`, a.TraderID, a.AssignedAt); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// holderMismatch explains why a conditional update on an assigned payout
// affected nothing.
func (r *PostgresRepository) holderMismatch(ctx context.Context, tx pgx.Tx, payoutID, traderID uuid.UUID) error {
	var (
		status string
		holder *uuid.UUID
	)
	err := tx.QueryRow(ctx, `SELECT status, trader_id FROM payouts WHERE id = $1`, payoutID).Scan(&status, &holder)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrPayoutNotFound
		}
		return err
	}
	if status == string(domain.PayoutAssigned) && (holder == nil || *holder != traderID) {
		return ErrNotPayoutHolder
	}
	return fmt.Errorf("%w: payout is %s", ErrStaleTransition, status)
}

// ConfirmPayout completes an assignment: frozen fiat is debited and the
// settlement amount credited, together with the status change.
func (r *PostgresRepository) ConfirmPayout(ctx context.Context, payoutID, traderID uuid.UUID, at time.Time) (domain.Payout, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return domain.Payout{}, err
	}
	defer tx.Rollback(ctx)

	if _, _, _, err := lockTrader(ctx, tx, traderID); err != nil {
		return domain.Payout{}, err
	}

	p, err := scanPayout(tx.QueryRow(ctx, `
		UPDATE payouts
		SET status = 'confirmed', confirmed_at = $3, updated_at = NOW()
		WHERE id = $1 AND status = 'assigned' AND trader_id = $2
		RETURNING `+payoutColumns, payoutID, traderID, at))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Payout{}, r.holderMismatch(ctx, tx, payoutID, traderID)
		}
		return domain.Payout{}, err
	}

	if err := ledger.Debit(ctx, tx, traderID, domain.UnitFiat, p.Amount); err != nil {
		return domain.Payout{}, err
	}
	if p.AmountSettlement.IsPositive() {
		if err := ledger.Credit(ctx, tx, traderID, domain.UnitSettlement, p.AmountSettlement); err != nil {
			return domain.Payout{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.Payout{}, err
	}
	return p, nil
}

// CancelPayout ends an assignment at the trader's request and releases the
// frozen amount.
func (r *PostgresRepository) CancelPayout(ctx context.Context, payoutID, traderID uuid.UUID, reason string, at time.Time) (domain.Payout, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return domain.Payout{}, err
	}
	defer tx.Rollback(ctx)

	if _, _, _, err := lockTrader(ctx, tx, traderID); err != nil {
		return domain.Payout{}, err
	}

	p, err := scanPayout(tx.QueryRow(ctx, `
		UPDATE payouts
		SET status = 'cancelled', cancelled_at = $3, cancel_reason = $4, updated_at = NOW()
		WHERE id = $1 AND status = 'assigned' AND trader_id = $2
		RETURNING `+payoutColumns, payoutID, traderID, at, reason))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Payout{}, r.holderMismatch(ctx, tx, payoutID, traderID)
		}
		return domain.Payout{}, err
	}

	if err := ledger.Unfreeze(ctx, tx, traderID, domain.UnitFiat, p.Amount); err != nil {
		return domain.Payout{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.Payout{}, err
	}
	return p, nil
}

// ListTimedOutAssignments returns assigned payouts whose window has passed.
func (r *PostgresRepository) ListTimedOutAssignments(ctx context.Context, now time.Time, limit int) ([]domain.Payout, error) {
	return r.queryPayouts(ctx, `
		SELECT `+payoutColumns+` FROM payouts
		WHERE status = 'assigned' AND expires_at <= $1
		ORDER BY expires_at ASC
		LIMIT $2
	`, now, limit)
}

// ReclaimPayout returns a timed-out assignment to the pool, remembers the
// trader and releases the frozen amount.
func (r *PostgresRepository) ReclaimPayout(ctx context.Context, rc Reclaim) (domain.Payout, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return domain.Payout{}, err
	}
	defer tx.Rollback(ctx)

	if _, _, _, err := lockTrader(ctx, tx, rc.TraderID); err != nil {
		return domain.Payout{}, err
	}

	p, err := scanPayout(tx.QueryRow(ctx, `
		UPDATE payouts
		SET status = 'pool',
		    trader_id = NULL,
		    assigned_at = NULL,
		    previous_trader_ids = array_append(previous_trader_ids, $2),
		    pooled_at = $3,
		    expires_at = $4,
		    updated_at = NOW()
		WHERE id = $1 AND status = 'assigned' AND trader_id = $2 AND expires_at <= $3
		RETURNING `+payoutColumns, rc.PayoutID, rc.TraderID, rc.Now, rc.ExpiresAt))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Payout{}, ErrStaleTransition
		}
		return domain.Payout{}, err
	}

	if err := ledger.Unfreeze(ctx, tx, rc.TraderID, domain.UnitFiat, p.Amount); err != nil {
		return domain.Payout{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.Payout{}, err
	}
	return p, nil
}

// ListUnclaimedExpired returns pool payouts past their window that were
// never assigned to anyone.
func (r *PostgresRepository) ListUnclaimedExpired(ctx context.Context, now time.Time, limit int) ([]domain.Payout, error) {
	return r.queryPayouts(ctx, `
		SELECT `+payoutColumns+` FROM payouts
		WHERE status = 'pool' AND expires_at <= $1 AND cardinality(previous_trader_ids) = 0
		ORDER BY expires_at ASC
		LIMIT $2
	`, now, limit)
}

// ExpirePayout moves a never-assigned pool payout to expired.
func (r *PostgresRepository) ExpirePayout(ctx context.Context, payoutID uuid.UUID, at time.Time) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE payouts
		SET status = 'expired', expired_at = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'pool' AND expires_at <= $2 AND cardinality(previous_trader_ids) = 0
	`, payoutID, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleTransition
	}
	return nil
}

// ListPushDue returns expired payouts whose push delay has elapsed and for
// which no push was sent yet.
func (r *PostgresRepository) ListPushDue(ctx context.Context, expiredBefore time.Time, limit int) ([]domain.Payout, error) {
	return r.queryPayouts(ctx, `
		SELECT `+payoutColumns+` FROM payouts
		WHERE status = 'expired' AND NOT push_sent AND expired_at <= $1
		ORDER BY expired_at ASC
		LIMIT $2
	`, expiredBefore, limit)
}

// MarkPushSent claims the push for a payout. Only one caller ever gets true.
func (r *PostgresRepository) MarkPushSent(ctx context.Context, payoutID uuid.UUID) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE payouts SET push_sent = TRUE, updated_at = NOW()
		WHERE id = $1 AND status = 'expired' AND NOT push_sent
	`, payoutID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ListPushRecipients returns, per trader with an active agreement with the
// merchant, that trader's most recently active real device.
func (r *PostgresRepository) ListPushRecipients(ctx context.Context, merchantID uuid.UUID) ([]domain.Device, error) {
	rows, err := r.db.Query(ctx, `
		SELECT DISTINCT ON (d.trader_id) d.id, d.trader_id, d.push_token, d.emulated, d.last_active_at
		FROM devices d
		JOIN merchant_agreements ma ON ma.trader_id = d.trader_id AND ma.merchant_id = $1 AND ma.active
		JOIN traders t ON t.id = d.trader_id AND NOT t.banned
		WHERE NOT d.emulated AND d.push_token <> ''
		ORDER BY d.trader_id, d.last_active_at DESC
	`, merchantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Device
	for rows.Next() {
		var d domain.Device
		if err := rows.Scan(&d.ID, &d.TraderID, &d.PushToken, &d.Emulated, &d.LastActiveAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ListBacklog returns pool payouts that have waited since before
// pooledBefore, least recently attempted first.
func (r *PostgresRepository) ListBacklog(ctx context.Context, pooledBefore time.Time, limit int) ([]domain.Payout, error) {
	return r.queryPayouts(ctx, `
		SELECT `+payoutColumns+` FROM payouts
		WHERE status = 'pool' AND pooled_at <= $1
		ORDER BY COALESCE(last_distribution_at, pooled_at) ASC, pooled_at ASC
		LIMIT $2
	`, pooledBefore, limit)
}

// MarkDistributionAttempt records an unsuccessful distribution so the
// backlog pass rotates through waiting payouts.
func (r *PostgresRepository) MarkDistributionAttempt(ctx context.Context, payoutID uuid.UUID, at time.Time) error {
	_, err := r.db.Exec(ctx, `
		UPDATE payouts SET last_distribution_at = $2 WHERE id = $1 AND status = 'pool'
	`, payoutID, at)
	return err
}

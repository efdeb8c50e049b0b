/**
 * @description
 * Balance ledger operations. Every change to a trader's balance goes through
 * one of four primitives: Freeze, Unfreeze, Debit and Credit.
 *
 * The package offers the same primitives twice: as pure arithmetic on a
 * Balance value, which the payout eligibility filter applies to trader
 * snapshots, and as conditional UPDATE statements executed inside the
 * caller's database transaction so that the balance change commits or rolls
 * back together with the status change it belongs to.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5/pgconn: Command tags for rows-affected checks.
 * - github.com/shopspring/decimal: Exact money arithmetic.
 */

package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/quattrex/settlement-service/internal/domain"
	"github.com/shopspring/decimal"
)

var (
	ErrInsufficientFunds = errors.New("insufficient available balance")
	ErrFrozenUnderflow   = errors.New("frozen balance lower than amount")
	ErrNonPositiveAmount = errors.New("amount must be positive")
	ErrUnknownUnit       = errors.New("unknown balance unit")
	ErrTraderNotFound    = errors.New("trader not found")
)

// Balance is an available/frozen pair in one unit.
type Balance struct {
	Available decimal.Decimal
	Frozen    decimal.Decimal
}

// Total is available plus frozen. None of the primitives except Debit and
// Credit change it.
func (b Balance) Total() decimal.Decimal {
	return b.Available.Add(b.Frozen)
}

// Freeze moves amount from available to frozen.
func (b Balance) Freeze(amount decimal.Decimal) (Balance, error) {
	if !amount.IsPositive() {
		return b, ErrNonPositiveAmount
	}
	if b.Available.LessThan(amount) {
		return b, ErrInsufficientFunds
	}
	return Balance{Available: b.Available.Sub(amount), Frozen: b.Frozen.Add(amount)}, nil
}

// Unfreeze moves amount from frozen back to available.
func (b Balance) Unfreeze(amount decimal.Decimal) (Balance, error) {
	if !amount.IsPositive() {
		return b, ErrNonPositiveAmount
	}
	if b.Frozen.LessThan(amount) {
		return b, ErrFrozenUnderflow
	}
	return Balance{Available: b.Available.Add(amount), Frozen: b.Frozen.Sub(amount)}, nil
}

// Debit removes amount from frozen; the money has left the trader.
func (b Balance) Debit(amount decimal.Decimal) (Balance, error) {
	if !amount.IsPositive() {
		return b, ErrNonPositiveAmount
	}
	if b.Frozen.LessThan(amount) {
		return b, ErrFrozenUnderflow
	}
	return Balance{Available: b.Available, Frozen: b.Frozen.Sub(amount)}, nil
}

// Credit adds amount to available.
func (b Balance) Credit(amount decimal.Decimal) (Balance, error) {
	if !amount.IsPositive() {
		return b, ErrNonPositiveAmount
	}
	return Balance{Available: b.Available.Add(amount), Frozen: b.Frozen}, nil
}

// Querier is satisfied by pgx.Tx, *pgxpool.Pool and *pgx.Conn.
type Querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

type columns struct {
	available string
	frozen    string
}

func columnsFor(unit domain.Unit) (columns, error) {
	switch unit {
	case domain.UnitFiat:
		return columns{available: "fiat_available", frozen: "fiat_frozen"}, nil
	case domain.UnitSettlement:
		return columns{available: "settlement_available", frozen: "settlement_frozen"}, nil
	default:
		return columns{}, fmt.Errorf("%w: %q", ErrUnknownUnit, unit)
	}
}

// Freeze reserves amount on the trader's row. It affects no row, and returns
// ErrInsufficientFunds, when the available balance is short.
func Freeze(ctx context.Context, q Querier, traderID uuid.UUID, unit domain.Unit, amount decimal.Decimal) error {
	cols, err := columnsFor(unit)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`
		UPDATE traders
		SET %[1]s = %[1]s - $2::numeric, %[2]s = %[2]s + $2::numeric, updated_at = NOW()
		WHERE id = $1 AND %[1]s >= $2::numeric
	`, cols.available, cols.frozen)
	return execGuarded(ctx, q, query, traderID, amount, ErrInsufficientFunds)
}

// Unfreeze releases a reservation back to available.
func Unfreeze(ctx context.Context, q Querier, traderID uuid.UUID, unit domain.Unit, amount decimal.Decimal) error {
	cols, err := columnsFor(unit)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`
		UPDATE traders
		SET %[1]s = %[1]s + $2::numeric, %[2]s = %[2]s - $2::numeric, updated_at = NOW()
		WHERE id = $1 AND %[2]s >= $2::numeric
	`, cols.available, cols.frozen)
	return execGuarded(ctx, q, query, traderID, amount, ErrFrozenUnderflow)
}

// Debit consumes a reservation.
func Debit(ctx context.Context, q Querier, traderID uuid.UUID, unit domain.Unit, amount decimal.Decimal) error {
	cols, err := columnsFor(unit)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`
		UPDATE traders
		SET %[1]s = %[1]s - $2::numeric, updated_at = NOW()
		WHERE id = $1 AND %[1]s >= $2::numeric
	`, cols.frozen)
	return execGuarded(ctx, q, query, traderID, amount, ErrFrozenUnderflow)
}

// Credit adds to the available balance.
func Credit(ctx context.Context, q Querier, traderID uuid.UUID, unit domain.Unit, amount decimal.Decimal) error {
	cols, err := columnsFor(unit)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`
		UPDATE traders
		SET %[1]s = %[1]s + $2::numeric, updated_at = NOW()
		WHERE id = $1
	`, cols.available)
	return execGuarded(ctx, q, query, traderID, amount, ErrTraderNotFound)
}

func execGuarded(ctx context.Context, q Querier, query string, traderID uuid.UUID, amount decimal.Decimal, miss error) error {
	if !amount.IsPositive() {
		return ErrNonPositiveAmount
	}
	tag, err := q.Exec(ctx, query, traderID, amount.String())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return miss
	}
	return nil
}

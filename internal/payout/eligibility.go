package payout

import (
	"errors"
	"fmt"
	"time"

	"github.com/quattrex/settlement-service/internal/domain"
	"github.com/quattrex/settlement-service/internal/ledger"
	"github.com/shopspring/decimal"
)

// ErrNotEligible is wrapped by every eligibility failure.
var ErrNotEligible = errors.New("trader not eligible for payout")

var (
	ErrTraderBanned        = fmt.Errorf("%w: trader is banned", ErrNotEligible)
	ErrTrafficDisabled     = fmt.Errorf("%w: traffic disabled", ErrNotEligible)
	ErrInsufficientBalance = fmt.Errorf("%w: available balance below payout amount", ErrNotEligible)
	ErrDepositBelowMinimum = fmt.Errorf("%w: deposit below minimum", ErrNotEligible)
	ErrCapacityExhausted   = fmt.Errorf("%w: concurrent payout cap reached", ErrNotEligible)
	ErrNoAgreement         = fmt.Errorf("%w: no active agreement with merchant", ErrNotEligible)
	ErrPreviouslyAssigned  = fmt.Errorf("%w: trader already released this payout", ErrNotEligible)
)

// CheckEligibility returns nil when the trader may take the payout.
func CheckEligibility(t domain.TraderAccount, p domain.Payout, minDeposit decimal.Decimal) error {
	switch {
	case t.Banned:
		return ErrTraderBanned
	case !t.TrafficEnabled:
		return ErrTrafficDisabled
	}
	if err := checkFreeze(t, p.Amount); err != nil {
		return err
	}
	switch {
	case t.Deposit.LessThan(minDeposit):
		return ErrDepositBelowMinimum
	case t.AssignedPayouts >= t.MaxConcurrentPayouts:
		return ErrCapacityExhausted
	case !t.ActiveAgreement:
		return ErrNoAgreement
	case p.PreviouslyAssignedTo(t.ID):
		return ErrPreviouslyAssigned
	}
	return nil
}

// checkFreeze runs the ledger's freeze rule against the trader's fiat
// snapshot.
func checkFreeze(t domain.TraderAccount, amount decimal.Decimal) error {
	_, err := ledger.Balance{Available: t.FiatAvailable, Frozen: t.FiatFrozen}.Freeze(amount)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return ErrInsufficientBalance
	default:
		return fmt.Errorf("%w: %w", ErrNotEligible, err)
	}
}

// FilterEligible keeps the traders that pass CheckEligibility.
func FilterEligible(traders []domain.TraderAccount, p domain.Payout, minDeposit decimal.Decimal) []domain.TraderAccount {
	out := make([]domain.TraderAccount, 0, len(traders))
	for _, t := range traders {
		if CheckEligibility(t, p, minDeposit) == nil {
			out = append(out, t)
		}
	}
	return out
}

// AcceptanceWindow picks the payout's own window, then the trader's, then
// the fallback.
func AcceptanceWindow(p domain.Payout, t domain.TraderAccount, fallback time.Duration) time.Duration {
	if p.AcceptanceWindow > 0 {
		return p.AcceptanceWindow
	}
	if t.AcceptanceWindow > 0 {
		return t.AcceptanceWindow
	}
	return fallback
}

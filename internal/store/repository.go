/**
 * @description
 * Shared store types: sentinel errors and the parameter structs passed to
 * the conditional-write operations of the PostgreSQL repository.
 */

package store

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrPayoutNotFound       = errors.New("payout not found")
	ErrTraderNotFound       = errors.New("trader not found")
	ErrTransactionNotFound  = errors.New("transaction not found")
	ErrNotificationNotFound = errors.New("notification not found")
	// ErrStaleTransition is returned when a compare-and-swap found the row in
	// a different state than the caller expected.
	ErrStaleTransition  = errors.New("record changed state concurrently")
	ErrNotPayoutHolder  = errors.New("payout is assigned to another trader")
	ErrCapacityReached  = errors.New("trader reached concurrent payout cap")
	ErrTraderIneligible = errors.New("trader is banned or has traffic disabled")
	ErrDuplicateRecord  = errors.New("record already exists")
)

// CandidateQuery selects pending incoming transactions for the matcher.
// An empty BankIdentity disables bank filtering. Target is the parsed amount
// used to rank candidates by closeness.
type CandidateQuery struct {
	TraderID     uuid.UUID
	Target       decimal.Decimal
	MinAmount    decimal.Decimal
	MaxAmount    decimal.Decimal
	BankIdentity string
}

// Assignment moves a pool payout to a trader and freezes its amount.
type Assignment struct {
	PayoutID   uuid.UUID
	TraderID   uuid.UUID
	AssignedAt time.Time
	ExpiresAt  time.Time
}

// Reclaim returns a timed-out assignment to the pool.
type Reclaim struct {
	PayoutID  uuid.UUID
	TraderID  uuid.UUID
	Now       time.Time
	ExpiresAt time.Time
}

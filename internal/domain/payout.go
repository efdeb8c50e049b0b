package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PayoutStatus is a state of the payout lifecycle.
type PayoutStatus string

const (
	PayoutPool      PayoutStatus = "pool"
	PayoutAssigned  PayoutStatus = "assigned"
	PayoutConfirmed PayoutStatus = "confirmed"
	PayoutCancelled PayoutStatus = "cancelled"
	PayoutExpired   PayoutStatus = "expired"
)

// Terminal reports whether no further transition is possible.
func (s PayoutStatus) Terminal() bool {
	return s == PayoutConfirmed || s == PayoutCancelled || s == PayoutExpired
}

// Payout is a withdrawal job executed by a trader.
type Payout struct {
	ID         uuid.UUID `json:"id"`
	MerchantID uuid.UUID `json:"merchant_id"`
	// Amount is in the reference fiat unit and is what gets frozen.
	Amount decimal.Decimal `json:"amount"`
	// AmountSettlement is credited to the trader on confirmation.
	AmountSettlement  decimal.Decimal `json:"amount_settlement"`
	Destination       string          `json:"destination"`
	BankIdentity      string          `json:"bank_identity"`
	Status            PayoutStatus    `json:"status"`
	TraderID          *uuid.UUID      `json:"trader_id,omitempty"`
	PreviousTraderIDs []uuid.UUID     `json:"previous_trader_ids"`
	AcceptanceWindow  time.Duration   `json:"acceptance_window"`
	PushSent          bool            `json:"push_sent"`
	CancelReason      string          `json:"cancel_reason,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	PooledAt          time.Time       `json:"pooled_at"`
	ExpiresAt         time.Time       `json:"expires_at"`
	AssignedAt        *time.Time      `json:"assigned_at,omitempty"`
	ConfirmedAt       *time.Time      `json:"confirmed_at,omitempty"`
	CancelledAt       *time.Time      `json:"cancelled_at,omitempty"`
	ExpiredAt         *time.Time      `json:"expired_at,omitempty"`
}

// PreviouslyAssignedTo reports whether the trader already held this payout.
func (p Payout) PreviouslyAssignedTo(traderID uuid.UUID) bool {
	for _, id := range p.PreviousTraderIDs {
		if id == traderID {
			return true
		}
	}
	return false
}

// PoolWindowElapsed reports whether a never-assigned pool payout has reached
// expires_at. Such a payout may only move to expired.
func (p Payout) PoolWindowElapsed(now time.Time) bool {
	return p.Status == PayoutPool && len(p.PreviousTraderIDs) == 0 && !p.ExpiresAt.After(now)
}

// NewPayout is the request to put a payout into the pool.
type NewPayout struct {
	// ID is optional; a caller-supplied id makes redelivered requests idempotent.
	ID               uuid.UUID       `json:"id"`
	MerchantID       uuid.UUID       `json:"merchant_id"`
	Amount           decimal.Decimal `json:"amount"`
	AmountSettlement decimal.Decimal `json:"amount_settlement"`
	Destination      string          `json:"destination"`
	BankIdentity     string          `json:"bank_identity"`
	// AcceptanceWindowSeconds overrides the trader and default windows when positive.
	AcceptanceWindowSeconds int `json:"acceptance_window_seconds,omitempty"`
}

// PayoutStats is the read-only summary exposed to administrators.
type PayoutStats struct {
	ByStatus             map[PayoutStatus]int64 `json:"by_status"`
	FrozenFiat           decimal.Decimal        `json:"frozen_fiat"`
	AwaitingTransactions int64                  `json:"awaiting_transactions"`
	UnmatchedToday       int64                  `json:"unmatched_notifications_24h"`
}

package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Unit is a balance denomination held by a trader.
type Unit string

const (
	UnitFiat       Unit = "fiat"
	UnitSettlement Unit = "settlement"
)

// TraderAccount carries the balances, limits and flags the distributor
// evaluates. AssignedPayouts and ActiveAgreement are computed per query.
type TraderAccount struct {
	ID                   uuid.UUID       `json:"id"`
	FiatAvailable        decimal.Decimal `json:"fiat_available"`
	FiatFrozen           decimal.Decimal `json:"fiat_frozen"`
	SettlementAvailable  decimal.Decimal `json:"settlement_available"`
	SettlementFrozen     decimal.Decimal `json:"settlement_frozen"`
	Deposit              decimal.Decimal `json:"deposit"`
	MaxConcurrentPayouts int             `json:"max_concurrent_payouts"`
	AssignedPayouts      int             `json:"assigned_payouts"`
	TrafficEnabled       bool            `json:"traffic_enabled"`
	Banned               bool            `json:"banned"`
	AcceptanceWindow     time.Duration   `json:"acceptance_window"`
	LastAssignedAt       *time.Time      `json:"last_assigned_at,omitempty"`
	ActiveAgreement      bool            `json:"active_agreement"`
}

// Device is a trader's phone running the notification relay app.
type Device struct {
	ID           uuid.UUID `json:"id"`
	TraderID     uuid.UUID `json:"trader_id"`
	PushToken    string    `json:"push_token"`
	Emulated     bool      `json:"emulated"`
	LastActiveAt time.Time `json:"last_active_at"`
}

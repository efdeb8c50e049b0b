package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TransactionDirection distinguishes money flowing to or from a trader.
type TransactionDirection string

const (
	DirectionIncoming TransactionDirection = "incoming"
	DirectionOutgoing TransactionDirection = "outgoing"
)

// TransactionStatus values for pending transactions.
type TransactionStatus string

const (
	TransactionAwaiting  TransactionStatus = "awaiting"
	TransactionMatched   TransactionStatus = "matched"
	TransactionExpired   TransactionStatus = "expired"
	TransactionCancelled TransactionStatus = "cancelled"
)

// PendingTransaction is an expected incoming payment routed to one of a
// trader's receiving accounts.
type PendingTransaction struct {
	ID                    uuid.UUID            `json:"id"`
	TraderID              uuid.UUID            `json:"trader_id"`
	Direction             TransactionDirection `json:"direction"`
	Status                TransactionStatus    `json:"status"`
	Amount                decimal.Decimal      `json:"amount"`
	ReceivingAccountID    uuid.UUID            `json:"receiving_account_id"`
	ReceivingBankIdentity string               `json:"receiving_bank_identity"`
	CreatedAt             time.Time            `json:"created_at"`
	MatchedNotificationID *uuid.UUID           `json:"matched_notification_id,omitempty"`
	MatchedAt             *time.Time           `json:"matched_at,omitempty"`
}

// ReceivingAccount is a trader-owned bank account or card that payers send to.
type ReceivingAccount struct {
	ID            uuid.UUID `json:"id"`
	TraderID      uuid.UUID `json:"trader_id"`
	BankIdentity  string    `json:"bank_identity"`
	AccountSuffix string    `json:"account_suffix"`
}

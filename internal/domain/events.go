package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Routing keys published on the events exchange.
const (
	EventTransactionMatched = "transaction.matched"
	EventPayoutAssigned     = "payout.assigned"
	EventPayoutReclaimed    = "payout.reclaimed"
	EventPayoutConfirmed    = "payout.confirmed"
	EventPayoutCancelled    = "payout.cancelled"
	EventPayoutExpired      = "payout.expired"
	EventPushPayoutExpired  = "push.payout.expired"

	EventNotificationReceived = "notification.received"
	EventPayoutRequested      = "payout.requested"
)

// TransactionMatchedEvent tells the settlement component which notification
// settled which transaction.
type TransactionMatchedEvent struct {
	TransactionID  uuid.UUID       `json:"transaction_id"`
	TraderID       uuid.UUID       `json:"trader_id"`
	NotificationID uuid.UUID       `json:"notification_id"`
	Amount         decimal.Decimal `json:"amount"`
	ParsedAmount   decimal.Decimal `json:"parsed_amount"`
	BankIdentity   string          `json:"bank_identity,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
}

// PayoutEvent is published on every payout status transition.
type PayoutEvent struct {
	PayoutID   uuid.UUID       `json:"payout_id"`
	MerchantID uuid.UUID       `json:"merchant_id"`
	TraderID   *uuid.UUID      `json:"trader_id,omitempty"`
	Status     PayoutStatus    `json:"status"`
	Amount     decimal.Decimal `json:"amount"`
	Reason     string          `json:"reason,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// PushMessage is handed to the push transport for one device.
type PushMessage struct {
	DeviceID  uuid.UUID       `json:"device_id"`
	TraderID  uuid.UUID       `json:"trader_id"`
	PushToken string          `json:"push_token"`
	PayoutID  uuid.UUID       `json:"payout_id"`
	Amount    decimal.Decimal `json:"amount"`
	Kind      string          `json:"kind"`
	Timestamp time.Time       `json:"timestamp"`
}

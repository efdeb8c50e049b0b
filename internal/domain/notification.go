/**
 * @description
 * Domain models for bank notifications and the tagged result produced by the
 * notification parser.
 *
 * @notes
 * - ParseResult is a closed sum type: only ParsedNotification and NoMatch
 *   implement it, so a parsed amount can never be silently zero.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ParseResult is the outcome of parsing one notification text.
type ParseResult interface {
	isParseResult()
}

// ParsedNotification is produced when a rule extracted a positive amount.
type ParsedNotification struct {
	Amount        decimal.Decimal  `json:"amount"`
	Balance       *decimal.Decimal `json:"balance,omitempty"`
	AccountSuffix string           `json:"account_suffix,omitempty"`
	Sender        string           `json:"sender,omitempty"`
	// BankIdentity is empty when only the generic rule fired.
	BankIdentity string `json:"bank_identity,omitempty"`
	Rule         string `json:"rule"`
}

// NoMatch is produced when no rule extracted a positive amount.
type NoMatch struct {
	Reason string `json:"reason"`
}

func (ParsedNotification) isParseResult() {}
func (NoMatch) isParseResult()            {}

// NotificationStatus tracks what happened to an ingested notification.
type NotificationStatus string

const (
	NotificationReceived  NotificationStatus = "received"
	NotificationUnparsed  NotificationStatus = "unparsed"
	NotificationUnmatched NotificationStatus = "unmatched"
	NotificationMatched   NotificationStatus = "matched"
)

// IncomingNotification is what the ingestion boundary hands to the pipeline.
type IncomingNotification struct {
	ID          uuid.UUID  `json:"id"`
	TraderID    uuid.UUID  `json:"trader_id"`
	DeviceID    *uuid.UUID `json:"device_id,omitempty"`
	PackageName string     `json:"package_name"`
	Title       string     `json:"title,omitempty"`
	Text        string     `json:"text"`
	PostedAt    time.Time  `json:"posted_at"`
}

// Notification is the audit record kept for every ingested notification.
type Notification struct {
	ID                   uuid.UUID          `json:"id"`
	TraderID             uuid.UUID          `json:"trader_id"`
	DeviceID             *uuid.UUID         `json:"device_id,omitempty"`
	PackageName          string             `json:"package_name"`
	Title                string             `json:"title,omitempty"`
	Text                 string             `json:"text"`
	PostedAt             time.Time          `json:"posted_at"`
	ReceivedAt           time.Time          `json:"received_at"`
	Status               NotificationStatus `json:"status"`
	Rule                 string             `json:"rule,omitempty"`
	BankIdentity         string             `json:"bank_identity,omitempty"`
	Amount               *decimal.Decimal   `json:"amount,omitempty"`
	MatchedTransactionID *uuid.UUID         `json:"matched_transaction_id,omitempty"`
}

// NotificationOutcome is the result written back onto a notification record.
type NotificationOutcome struct {
	Status               NotificationStatus
	Rule                 string
	BankIdentity         string
	Amount               *decimal.Decimal
	MatchedTransactionID *uuid.UUID
}

/**
 * @description
 * The transaction matcher resolves a parsed notification to exactly one of
 * the owning trader's awaiting incoming transactions.
 *
 * @notes
 * - Candidates are ranked by a total order: closest amount, then most recently
 *   created, then highest id. Two concurrent notifications for the same
 *   trader therefore always agree on the preferred candidate, and the
 *   compare-and-swap on the transaction status decides who gets it.
 * - The instant-payment identity, and the empty identity of the generic
 *   rule, disable bank filtering.
 */

package matcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/quattrex/settlement-service/internal/domain"
	"github.com/quattrex/settlement-service/internal/store"
	"github.com/shopspring/decimal"
)

// Repository is the storage the matcher needs.
type Repository interface {
	ListMatchCandidates(ctx context.Context, q store.CandidateQuery) ([]domain.PendingTransaction, error)
	MarkTransactionMatched(ctx context.Context, transactionID, notificationID uuid.UUID, at time.Time) error
}

// Publisher receives the event emitted for every successful match.
type Publisher interface {
	PublishTransactionMatched(ctx context.Context, event domain.TransactionMatchedEvent) error
}

// WildcardPolicy decides whether an identity bypasses bank filtering.
// *rules.Table satisfies it.
type WildcardPolicy interface {
	IsWildcard(identity string) bool
}

// Outcome of a match attempt.
type Outcome string

const (
	Found    Outcome = "found"
	NotFound Outcome = "not_found"
)

// Result is a business outcome; NotFound is not an error.
type Result struct {
	Outcome     Outcome                    `json:"outcome"`
	Transaction *domain.PendingTransaction `json:"transaction,omitempty"`
	Candidates  int                        `json:"candidates"`
	Reason      string                     `json:"reason,omitempty"`
}

// Matcher is safe for concurrent use.
type Matcher struct {
	repo      Repository
	events    Publisher
	wildcards WildcardPolicy
	tolerance decimal.Decimal
	logger    *slog.Logger
	now       func() time.Time
}

// New creates a matcher. A nil publisher disables events; a negative
// tolerance is treated as zero.
func New(repo Repository, events Publisher, wildcards WildcardPolicy, tolerance decimal.Decimal, logger *slog.Logger) *Matcher {
	if tolerance.IsNegative() {
		tolerance = decimal.Zero
	}
	return &Matcher{
		repo:      repo,
		events:    events,
		wildcards: wildcards,
		tolerance: tolerance,
		logger:    logger,
		now:       time.Now,
	}
}

// Match finds and claims the transaction settled by the notification.
func (m *Matcher) Match(ctx context.Context, traderID, notificationID uuid.UUID, parsed domain.ParsedNotification) (Result, error) {
	if !parsed.Amount.IsPositive() {
		return Result{Outcome: NotFound, Reason: "non-positive amount"}, nil
	}

	bankFilter := ""
	if !m.wildcards.IsWildcard(parsed.BankIdentity) {
		bankFilter = parsed.BankIdentity
	}

	candidates, err := m.repo.ListMatchCandidates(ctx, store.CandidateQuery{
		TraderID:     traderID,
		Target:       parsed.Amount,
		MinAmount:    parsed.Amount.Sub(m.tolerance),
		MaxAmount:    parsed.Amount.Add(m.tolerance),
		BankIdentity: bankFilter,
	})
	if err != nil {
		return Result{}, fmt.Errorf("list match candidates: %w", err)
	}

	candidates = Filter(candidates, traderID, parsed.Amount, m.tolerance, bankFilter)
	if len(candidates) == 0 {
		return Result{Outcome: NotFound, Reason: "no awaiting transaction within tolerance"}, nil
	}
	Rank(candidates, parsed.Amount)

	now := m.now()
	for i := range candidates {
		candidate := candidates[i]
		err := m.repo.MarkTransactionMatched(ctx, candidate.ID, notificationID, now)
		if errors.Is(err, store.ErrStaleTransition) {
			m.logger.Info("match candidate taken concurrently; trying next",
				"transaction_id", candidate.ID, "notification_id", notificationID)
			continue
		}
		if err != nil {
			return Result{}, fmt.Errorf("mark transaction matched: %w", err)
		}

		candidate.Status = domain.TransactionMatched
		candidate.MatchedNotificationID = &notificationID
		candidate.MatchedAt = &now
		m.publish(ctx, candidate, notificationID, parsed, now)

		return Result{Outcome: Found, Transaction: &candidate, Candidates: len(candidates)}, nil
	}

	return Result{Outcome: NotFound, Candidates: len(candidates), Reason: "all candidates were matched concurrently"}, nil
}

func (m *Matcher) publish(ctx context.Context, tx domain.PendingTransaction, notificationID uuid.UUID, parsed domain.ParsedNotification, at time.Time) {
	if m.events == nil {
		return
	}
	event := domain.TransactionMatchedEvent{
		TransactionID:  tx.ID,
		TraderID:       tx.TraderID,
		NotificationID: notificationID,
		Amount:         tx.Amount,
		ParsedAmount:   parsed.Amount,
		BankIdentity:   parsed.BankIdentity,
		Timestamp:      at,
	}
	if err := m.events.PublishTransactionMatched(ctx, event); err != nil {
		m.logger.Warn("failed to publish transaction matched event",
			"transaction_id", tx.ID, "notification_id", notificationID, "error", err)
	}
}

// Filter keeps only transactions the matcher may settle. Storage applies the
// same constraints; this guards against a repository that does not.
func Filter(candidates []domain.PendingTransaction, traderID uuid.UUID, amount, tolerance decimal.Decimal, bankFilter string) []domain.PendingTransaction {
	out := candidates[:0:0]
	for _, c := range candidates {
		if c.TraderID != traderID ||
			c.Direction != domain.DirectionIncoming ||
			c.Status != domain.TransactionAwaiting {
			continue
		}
		if c.Amount.Sub(amount).Abs().GreaterThan(tolerance) {
			continue
		}
		if bankFilter != "" && !strings.EqualFold(c.ReceivingBankIdentity, bankFilter) {
			continue
		}
		out = append(out, c)
	}
	return out
}

// Rank sorts candidates best first: smallest amount difference, then newest,
// then highest id.
func Rank(candidates []domain.PendingTransaction, amount decimal.Decimal) {
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		da, db := a.Amount.Sub(amount).Abs(), b.Amount.Sub(amount).Abs()
		if c := da.Cmp(db); c != 0 {
			return c < 0
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return bytes.Compare(a.ID[:], b.ID[:]) > 0
	})
}

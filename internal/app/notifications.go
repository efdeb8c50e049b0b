/**
 * @description
 * Ingestion pipeline for bank notifications: de-duplicate, record an audit
 * row, parse, match, and write the outcome back.
 *
 * @notes
 * - A notification whose matching failed on infrastructure stays "received"
 *   and is picked up again on redelivery or by Rematch.
 * - Redis is optional. Without it the audit row's primary key is the only
 *   guard against duplicates.
 */

package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/quattrex/settlement-service/internal/domain"
	"github.com/quattrex/settlement-service/internal/matcher"
	"github.com/quattrex/settlement-service/internal/store"
)

var (
	ErrDuplicateNotification = errors.New("duplicate notification")
	ErrInvalidNotification   = errors.New("invalid notification")
)

// NotificationRepository stores the notification audit trail.
type NotificationRepository interface {
	CreateNotification(ctx context.Context, n domain.Notification) error
	UpdateNotificationOutcome(ctx context.Context, id uuid.UUID, o domain.NotificationOutcome) error
	GetNotification(ctx context.Context, id uuid.UUID) (domain.Notification, error)
}

// NotificationParser turns notification text into a parse result.
type NotificationParser interface {
	Parse(text string) domain.ParseResult
}

// TransactionMatcher claims the pending transaction a notification settles.
type TransactionMatcher interface {
	Match(ctx context.Context, traderID, notificationID uuid.UUID, parsed domain.ParsedNotification) (matcher.Result, error)
}

// IngestResult is returned to the device and recorded on the audit row.
type IngestResult struct {
	NotificationID uuid.UUID                  `json:"notification_id"`
	Status         domain.NotificationStatus  `json:"status"`
	Parsed         *domain.ParsedNotification `json:"parsed,omitempty"`
	TransactionID  *uuid.UUID                 `json:"transaction_id,omitempty"`
	Reason         string                     `json:"reason,omitempty"`
	Duplicate      bool                       `json:"duplicate,omitempty"`
}

// NotificationService runs the ingestion pipeline.
type NotificationService struct {
	repo    NotificationRepository
	parser  NotificationParser
	matcher TransactionMatcher
	dedupe  Deduper
	logger  *slog.Logger
	now     func() time.Time
}

// NewNotificationService wires the pipeline. dedupe may be nil.
func NewNotificationService(repo NotificationRepository, parser NotificationParser, matcher TransactionMatcher, dedupe Deduper, logger *slog.Logger) *NotificationService {
	return &NotificationService{
		repo:    repo,
		parser:  parser,
		matcher: matcher,
		dedupe:  dedupe,
		logger:  logger,
		now:     time.Now,
	}
}

// Ingest processes one notification end to end.
func (s *NotificationService) Ingest(ctx context.Context, in domain.IncomingNotification) (IngestResult, error) {
	if in.TraderID == uuid.Nil {
		return IngestResult{}, fmt.Errorf("%w: trader_id is required", ErrInvalidNotification)
	}
	if strings.TrimSpace(in.Text) == "" {
		return IngestResult{}, fmt.Errorf("%w: text is required", ErrInvalidNotification)
	}

	// The key covers what the device sent, before any defaults are filled in.
	key := fingerprint(in)
	now := s.now().UTC()
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	if in.PostedAt.IsZero() {
		in.PostedAt = now
	}

	if s.dedupe != nil {
		first, err := s.dedupe.Claim(ctx, key)
		if err != nil {
			s.logger.Warn("notification dedupe unavailable; continuing", "notification_id", in.ID, "error", err)
		} else if !first {
			s.logger.Info("duplicate notification dropped", "notification_id", in.ID, "trader_id", in.TraderID)
			return IngestResult{NotificationID: in.ID, Duplicate: true}, ErrDuplicateNotification
		}
	}

	n := domain.Notification{
		ID:          in.ID,
		TraderID:    in.TraderID,
		DeviceID:    in.DeviceID,
		PackageName: in.PackageName,
		Title:       in.Title,
		Text:        in.Text,
		PostedAt:    in.PostedAt,
		ReceivedAt:  now,
		Status:      domain.NotificationReceived,
	}
	if err := s.repo.CreateNotification(ctx, n); err != nil {
		if !errors.Is(err, store.ErrDuplicateRecord) {
			s.release(ctx, key)
			return IngestResult{}, fmt.Errorf("record notification: %w", err)
		}
		existing, getErr := s.repo.GetNotification(ctx, in.ID)
		if getErr != nil {
			return IngestResult{}, fmt.Errorf("load existing notification: %w", getErr)
		}
		if existing.TraderID != in.TraderID {
			s.release(ctx, key)
			s.logger.Warn("notification id reused across traders", "notification_id", in.ID, "trader_id", in.TraderID)
			return IngestResult{}, fmt.Errorf("%w: notification id already in use", store.ErrDuplicateRecord)
		}
		if existing.Status != domain.NotificationReceived {
			return IngestResult{NotificationID: in.ID, Status: existing.Status, TransactionID: existing.MatchedTransactionID, Duplicate: true}, ErrDuplicateNotification
		}
		// A previous attempt stored the row but never finished.
		n = existing
	}

	result, err := s.process(ctx, n)
	if err != nil {
		s.release(ctx, key)
		return IngestResult{}, err
	}
	return result, nil
}

// Rematch re-runs parsing and matching for a stored notification. A matched
// notification returns its transaction unchanged.
func (s *NotificationService) Rematch(ctx context.Context, notificationID uuid.UUID) (IngestResult, error) {
	n, err := s.repo.GetNotification(ctx, notificationID)
	if err != nil {
		return IngestResult{}, err
	}
	if n.Status == domain.NotificationMatched {
		return IngestResult{NotificationID: n.ID, Status: n.Status, TransactionID: n.MatchedTransactionID}, nil
	}
	return s.process(ctx, n)
}

func (s *NotificationService) process(ctx context.Context, n domain.Notification) (IngestResult, error) {
	result := IngestResult{NotificationID: n.ID}

	var outcome domain.NotificationOutcome
	switch parsed := s.parser.Parse(n.Text).(type) {
	case domain.NoMatch:
		outcome.Status = domain.NotificationUnparsed
		result.Reason = parsed.Reason
		s.logger.Info("notification not parsed", "notification_id", n.ID, "trader_id", n.TraderID, "reason", parsed.Reason)

	case domain.ParsedNotification:
		result.Parsed = &parsed
		amount := parsed.Amount
		outcome.Rule = parsed.Rule
		outcome.BankIdentity = parsed.BankIdentity
		outcome.Amount = &amount

		match, err := s.matcher.Match(ctx, n.TraderID, n.ID, parsed)
		if err != nil {
			return IngestResult{}, fmt.Errorf("match notification %s: %w", n.ID, err)
		}
		if match.Outcome == matcher.Found {
			txID := match.Transaction.ID
			outcome.Status = domain.NotificationMatched
			outcome.MatchedTransactionID = &txID
			result.TransactionID = &txID
			s.logger.Info("notification matched", "notification_id", n.ID, "transaction_id", txID, "amount", parsed.Amount.String(), "rule", parsed.Rule)
		} else {
			outcome.Status = domain.NotificationUnmatched
			result.Reason = match.Reason
			s.logger.Info("notification unmatched", "notification_id", n.ID, "trader_id", n.TraderID, "amount", parsed.Amount.String(), "reason", match.Reason)
		}

	default:
		return IngestResult{}, fmt.Errorf("unexpected parse result %T", parsed)
	}

	if err := s.repo.UpdateNotificationOutcome(ctx, n.ID, outcome); err != nil {
		return IngestResult{}, fmt.Errorf("record notification outcome: %w", err)
	}
	result.Status = outcome.Status
	return result, nil
}

func (s *NotificationService) release(ctx context.Context, key string) {
	if s.dedupe == nil {
		return
	}
	if err := s.dedupe.Release(ctx, key); err != nil {
		s.logger.Warn("failed to release dedupe key", "error", err)
	}
}

// HandleMessage consumes notification.received messages. Malformed and
// duplicate messages are acknowledged; infrastructure failures requeue.
func (s *NotificationService) HandleMessage(body []byte) bool {
	var in domain.IncomingNotification
	if err := json.Unmarshal(body, &in); err != nil {
		s.logger.Error("failed to unmarshal notification payload", "error", err)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	_, err := s.Ingest(ctx, in)
	switch {
	case err == nil, errors.Is(err, ErrDuplicateNotification):
		return true
	case errors.Is(err, ErrInvalidNotification):
		s.logger.Warn("invalid notification dropped", "notification_id", in.ID, "error", err)
		return true
	default:
		s.logger.Error("notification ingestion failed; requeuing", "notification_id", in.ID, "error", err)
		return false
	}
}

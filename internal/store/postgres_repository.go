/**
 * @description
 * PostgreSQL implementation of the settlement store: notifications, pending
 * transactions and read-only statistics. Payout and trader operations live in
 * postgres_payouts.go.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL driver and pool.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/quattrex/settlement-service/internal/domain"
)

// PostgresRepository is the only component that talks to the database.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// ListMatchCandidates returns awaiting incoming transactions of one trader
// within [MinAmount, MaxAmount], joined with their receiving account's bank.
func (r *PostgresRepository) ListMatchCandidates(ctx context.Context, q CandidateQuery) ([]domain.PendingTransaction, error) {
	query := `
		SELECT t.id, t.trader_id, t.direction, t.status, t.amount, t.receiving_account_id,
		       ra.bank_identity, t.created_at, t.matched_notification_id, t.matched_at
		FROM transactions t
		JOIN receiving_accounts ra ON ra.id = t.receiving_account_id
		WHERE t.trader_id = $1
		  AND t.direction = 'incoming'
		  AND t.status = 'awaiting'
		  AND t.amount BETWEEN $2::numeric AND $3::numeric
		  AND ($4::text = '' OR UPPER(ra.bank_identity) = UPPER($4::text))
		ORDER BY ABS(t.amount - $5::numeric) ASC, t.created_at DESC, t.id DESC
	`
	rows, err := r.db.Query(ctx, query, q.TraderID, q.MinAmount.String(), q.MaxAmount.String(), q.BankIdentity, q.Target.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.PendingTransaction
	for rows.Next() {
		var (
			tx        domain.PendingTransaction
			direction string
			status    string
		)
		if err := rows.Scan(
			&tx.ID, &tx.TraderID, &direction, &status, &tx.Amount, &tx.ReceivingAccountID,
			&tx.ReceivingBankIdentity, &tx.CreatedAt, &tx.MatchedNotificationID, &tx.MatchedAt,
		); err != nil {
			return nil, err
		}
		tx.Direction = domain.TransactionDirection(direction)
		tx.Status = domain.TransactionStatus(status)
		out = append(out, tx)
	}
	return out, rows.Err()
}

// MarkTransactionMatched flips awaiting to matched. Losing the race to
// another notification yields ErrStaleTransition.
func (r *PostgresRepository) MarkTransactionMatched(ctx context.Context, transactionID, notificationID uuid.UUID, at time.Time) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE transactions
		SET status = 'matched', matched_notification_id = $2, matched_at = $3
		WHERE id = $1 AND status = 'awaiting'
	`, transactionID, notificationID, at)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: notification %s already settled a transaction", ErrStaleTransition, notificationID)
		}
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleTransition
	}
	return nil
}

// CreateNotification stores the audit row for an ingested notification.
func (r *PostgresRepository) CreateNotification(ctx context.Context, n domain.Notification) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO notifications (id, trader_id, device_id, package_name, title, text, posted_at, received_at, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, n.ID, n.TraderID, n.DeviceID, n.PackageName, n.Title, n.Text, n.PostedAt, n.ReceivedAt, string(n.Status))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateRecord
		}
		return err
	}
	return nil
}

// UpdateNotificationOutcome records the parse and match result.
func (r *PostgresRepository) UpdateNotificationOutcome(ctx context.Context, id uuid.UUID, o domain.NotificationOutcome) error {
	var amount *string
	if o.Amount != nil {
		s := o.Amount.String()
		amount = &s
	}
	tag, err := r.db.Exec(ctx, `
		UPDATE notifications
		SET status = $2, rule = $3, bank_identity = $4, amount = $5::numeric, matched_transaction_id = $6
		WHERE id = $1
	`, id, string(o.Status), o.Rule, o.BankIdentity, amount, o.MatchedTransactionID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotificationNotFound
	}
	return nil
}

// GetNotification loads one notification audit row.
func (r *PostgresRepository) GetNotification(ctx context.Context, id uuid.UUID) (domain.Notification, error) {
	var (
		n      domain.Notification
		status string
	)
	err := r.db.QueryRow(ctx, `
		SELECT id, trader_id, device_id, package_name, title, text, posted_at, received_at,
		       status, rule, bank_identity, amount, matched_transaction_id
		FROM notifications WHERE id = $1
	`, id).Scan(
		&n.ID, &n.TraderID, &n.DeviceID, &n.PackageName, &n.Title, &n.Text, &n.PostedAt, &n.ReceivedAt,
		&status, &n.Rule, &n.BankIdentity, &n.Amount, &n.MatchedTransactionID,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Notification{}, ErrNotificationNotFound
		}
		return domain.Notification{}, err
	}
	n.Status = domain.NotificationStatus(status)
	return n, nil
}

// PayoutStats summarises payouts, frozen balances and matching backlog.
func (r *PostgresRepository) PayoutStats(ctx context.Context, since time.Time) (domain.PayoutStats, error) {
	stats := domain.PayoutStats{ByStatus: make(map[domain.PayoutStatus]int64)}

	rows, err := r.db.Query(ctx, `SELECT status, COUNT(*) FROM payouts GROUP BY status`)
	if err != nil {
		return stats, err
	}
	for rows.Next() {
		var (
			status string
			count  int64
		)
		if err := rows.Scan(&status, &count); err != nil {
			rows.Close()
			return stats, err
		}
		stats.ByStatus[domain.PayoutStatus(status)] = count
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return stats, err
	}

	err = r.db.QueryRow(ctx, `
		SELECT
			(SELECT COALESCE(SUM(fiat_frozen), 0) FROM traders),
			(SELECT COUNT(*) FROM transactions WHERE status = 'awaiting' AND direction = 'incoming'),
			(SELECT COUNT(*) FROM notifications WHERE status IN ('unparsed', 'unmatched') AND received_at >= $1)
	`, since).Scan(&stats.FrozenFiat, &stats.AwaitingTransactions, &stats.UnmatchedToday)
	if err != nil {
		return stats, err
	}
	return stats, nil
}

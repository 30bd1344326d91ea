/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * It contains all SQL for the `payments`, `escrows`, `withdrawals` and
 * `bank_recipients` tables.
 *
 * Status mutations are written as conditional UPDATEs guarded by the expected
 * current status. The row count tells the caller whether the transition
 * applied, which makes replayed webhooks and racing user actions converge
 * instead of clobbering each other.
 *
 * @dependencies
 * - context, errors, time: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
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
	"github.com/popcorn150/GHOST-sub000/internal/domain"
)

var (
	ErrPaymentNotFound       = errors.New("payment not found")
	ErrEscrowNotFound        = errors.New("escrow not found")
	ErrWithdrawalNotFound    = errors.New("withdrawal not found")
	ErrBankRecipientNotFound = errors.New("bank recipient not found")
	ErrDuplicateReference    = errors.New("payment reference already exists")
	ErrWithdrawalInFlight    = errors.New("withdrawal already in flight for escrow")
)

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// CreatePaymentWithEscrow inserts the payment and its escrow in one
// transaction. A duplicate reference reports ErrDuplicateReference so webhook
// replays can treat creation as already converged.
func (r *PostgresRepository) CreatePaymentWithEscrow(ctx context.Context, payment *domain.Payment, escrow *domain.Escrow) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin create payment tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO payments (reference, buyer_id, seller_id, account_id, item_description, amount, currency, method, status, paid_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now())`,
		payment.Reference, payment.BuyerID, payment.SellerID, payment.AccountID, payment.ItemDescription,
		payment.Amount, payment.Currency, payment.Method, payment.Status, payment.PaidAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateReference
		}
		return fmt.Errorf("insert payment: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO escrows (reference, buyer_id, seller_id, amount, currency, status, buyer_confirmed, seller_withdrawn, auto_release_at, admin_notes, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, false, false, $7, '', now(), now())`,
		escrow.Reference, escrow.BuyerID, escrow.SellerID, escrow.Amount, escrow.Currency, escrow.Status, escrow.AutoReleaseAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateReference
		}
		return fmt.Errorf("insert escrow: %w", err)
	}

	return tx.Commit(ctx)
}

// FindPaymentByReference retrieves a payment by its processor reference.
func (r *PostgresRepository) FindPaymentByReference(ctx context.Context, reference string) (*domain.Payment, error) {
	var p domain.Payment
	query := `
		SELECT reference, buyer_id, seller_id, account_id, item_description, amount, currency, method, status, failure_reason, created_at, paid_at
		FROM payments WHERE reference = $1`
	err := r.db.QueryRow(ctx, query, reference).Scan(
		&p.Reference, &p.BuyerID, &p.SellerID, &p.AccountID, &p.ItemDescription,
		&p.Amount, &p.Currency, &p.Method, &p.Status, &p.FailureReason, &p.CreatedAt, &p.PaidAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrPaymentNotFound
		}
		return nil, err
	}
	return &p, nil
}

// FindEscrowByReference retrieves an escrow by its payment reference.
func (r *PostgresRepository) FindEscrowByReference(ctx context.Context, reference string) (*domain.Escrow, error) {
	var e domain.Escrow
	query := `
		SELECT reference, buyer_id, seller_id, amount, currency, status, buyer_confirmed, seller_withdrawn,
		       auto_release_at, cancel_request_by, cancellation_reviewed_by_admin, admin_notes, created_at, updated_at
		FROM escrows WHERE reference = $1`
	err := r.db.QueryRow(ctx, query, reference).Scan(
		&e.Reference, &e.BuyerID, &e.SellerID, &e.Amount, &e.Currency, &e.Status, &e.BuyerConfirmed, &e.SellerWithdrawn,
		&e.AutoReleaseAt, &e.CancelRequestBy, &e.CancellationReviewedByAdmin, &e.AdminNotes, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrEscrowNotFound
		}
		return nil, err
	}
	return &e, nil
}

// UpdatePaymentStatus advances a payment's status, guarded by the expected
// current statuses. Returns false when the guard did not match.
func (r *PostgresRepository) UpdatePaymentStatus(ctx context.Context, reference string, fromStatuses []string, toStatus string, failureReason *string, paidAt *time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE payments
		SET status = $1,
		    failure_reason = COALESCE($2, failure_reason),
		    paid_at = COALESCE($3, paid_at)
		WHERE reference = $4 AND status = ANY($5)`,
		toStatus, failureReason, paidAt, reference, fromStatuses,
	)
	if err != nil {
		return false, fmt.Errorf("update payment status: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// UpdateEscrow applies a partial, guarded update to an escrow record.
func (r *PostgresRepository) UpdateEscrow(ctx context.Context, reference string, fromStatuses []string, params UpdateEscrowParams) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE escrows
		SET status = COALESCE($1, status),
		    buyer_confirmed = COALESCE($2, buyer_confirmed),
		    seller_withdrawn = COALESCE($3, seller_withdrawn),
		    admin_notes = COALESCE($4, admin_notes),
		    cancel_request_by = COALESCE($5, cancel_request_by),
		    cancellation_reviewed_by_admin = COALESCE($6, cancellation_reviewed_by_admin),
		    updated_at = now()
		WHERE reference = $7 AND status = ANY($8)`,
		params.Status, params.BuyerConfirmed, params.SellerWithdrawn,
		params.AdminNotes, params.CancelRequestBy, params.CancellationReviewedByAdmin,
		reference, fromStatuses,
	)
	if err != nil {
		return false, fmt.Errorf("update escrow: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// FindAutoReleasableEscrows lists escrows still awaiting buyer feedback whose
// auto-release window has lapsed.
func (r *PostgresRepository) FindAutoReleasableEscrows(ctx context.Context, cutoff time.Time, limit int) ([]domain.Escrow, error) {
	rows, err := r.db.Query(ctx, `
		SELECT reference, buyer_id, seller_id, amount, currency, status, buyer_confirmed, seller_withdrawn,
		       auto_release_at, cancel_request_by, cancellation_reviewed_by_admin, admin_notes, created_at, updated_at
		FROM escrows
		WHERE status = $1 AND auto_release_at IS NOT NULL AND auto_release_at <= $2
		ORDER BY auto_release_at
		LIMIT $3`,
		domain.EscrowStatusAwaitingFeedback, cutoff, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query auto-releasable escrows: %w", err)
	}
	defer rows.Close()

	var escrows []domain.Escrow
	for rows.Next() {
		var e domain.Escrow
		if err := rows.Scan(
			&e.Reference, &e.BuyerID, &e.SellerID, &e.Amount, &e.Currency, &e.Status, &e.BuyerConfirmed, &e.SellerWithdrawn,
			&e.AutoReleaseAt, &e.CancelRequestBy, &e.CancellationReviewedByAdmin, &e.AdminNotes, &e.CreatedAt, &e.UpdatedAt,
		); err != nil {
			return nil, err
		}
		escrows = append(escrows, e)
	}
	return escrows, rows.Err()
}

// CreateWithdrawal inserts a new payout attempt. A partial unique index on
// withdrawals(escrow_reference) WHERE status IN ('pending', 'paid') makes the
// insert the claim on the escrow: a second attempt while one is pending or
// paid reports ErrWithdrawalInFlight instead of inserting, so concurrent
// requests cannot both reach the transfer API. Failed attempts do not hold
// the claim and can be retried.
func (r *PostgresRepository) CreateWithdrawal(ctx context.Context, withdrawal *domain.Withdrawal) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO withdrawals (id, escrow_reference, seller_id, transfer_reference, status, payment_ref, notes, processed_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())`,
		withdrawal.ID, withdrawal.EscrowReference, withdrawal.SellerID, withdrawal.TransferReference,
		withdrawal.Status, withdrawal.PaymentRef, withdrawal.Notes, withdrawal.ProcessedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrWithdrawalInFlight
		}
		return fmt.Errorf("insert withdrawal: %w", err)
	}
	return nil
}

// FindWithdrawalByTransferReference looks a withdrawal up by the reference we
// handed to the processor. This is the idempotency key for transfer webhooks.
func (r *PostgresRepository) FindWithdrawalByTransferReference(ctx context.Context, transferReference string) (*domain.Withdrawal, error) {
	var w domain.Withdrawal
	query := `
		SELECT id, escrow_reference, seller_id, transfer_reference, status, payment_ref, notes, processed_at, created_at
		FROM withdrawals WHERE transfer_reference = $1`
	err := r.db.QueryRow(ctx, query, transferReference).Scan(
		&w.ID, &w.EscrowReference, &w.SellerID, &w.TransferReference, &w.Status, &w.PaymentRef, &w.Notes, &w.ProcessedAt, &w.CreatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrWithdrawalNotFound
		}
		return nil, err
	}
	return &w, nil
}

// UpdateWithdrawalStatus finalizes a payout attempt, guarded by the expected
// current statuses. Terminal states stamp processed_at.
func (r *PostgresRepository) UpdateWithdrawalStatus(ctx context.Context, id uuid.UUID, fromStatuses []string, toStatus string, paymentRef *string, notes *string) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE withdrawals
		SET status = $1,
		    payment_ref = COALESCE($2, payment_ref),
		    notes = COALESCE($3, notes),
		    processed_at = CASE WHEN $1 IN ('paid', 'failed') THEN now() ELSE processed_at END
		WHERE id = $4 AND status = ANY($5)`,
		toStatus, paymentRef, notes, id, fromStatuses,
	)
	if err != nil {
		return false, fmt.Errorf("update withdrawal status: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// HasPaidWithdrawal reports whether any withdrawal for the escrow already
// settled. A partial unique index on (escrow_reference) WHERE status='paid'
// backs this at the database level.
func (r *PostgresRepository) HasPaidWithdrawal(ctx context.Context, escrowReference string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM withdrawals WHERE escrow_reference = $1 AND status = 'paid')`,
		escrowReference,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("query paid withdrawal: %w", err)
	}
	return exists, nil
}

// FindBankRecipientByUserID retrieves a seller's registered payout account.
func (r *PostgresRepository) FindBankRecipientByUserID(ctx context.Context, userID uuid.UUID) (*domain.BankRecipient, error) {
	var b domain.BankRecipient
	query := `
		SELECT user_id, full_name, bank_account_number, bank_code, processor_recipient_code, created_at, updated_at
		FROM bank_recipients WHERE user_id = $1`
	err := r.db.QueryRow(ctx, query, userID).Scan(
		&b.UserID, &b.FullName, &b.BankAccountNumber, &b.BankCode, &b.ProcessorRecipientCode, &b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrBankRecipientNotFound
		}
		return nil, err
	}
	return &b, nil
}

// UpsertBankRecipient creates or replaces a seller's payout account details.
func (r *PostgresRepository) UpsertBankRecipient(ctx context.Context, recipient *domain.BankRecipient) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO bank_recipients (user_id, full_name, bank_account_number, bank_code, processor_recipient_code, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, now(), now())
		ON CONFLICT (user_id) DO UPDATE
		SET full_name = EXCLUDED.full_name,
		    bank_account_number = EXCLUDED.bank_account_number,
		    bank_code = EXCLUDED.bank_code,
		    processor_recipient_code = EXCLUDED.processor_recipient_code,
		    updated_at = now()`,
		recipient.UserID, recipient.FullName, recipient.BankAccountNumber, recipient.BankCode, recipient.ProcessorRecipientCode,
	)
	if err != nil {
		return fmt.Errorf("upsert bank recipient: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

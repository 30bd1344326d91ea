/**
 * @description
 * This file defines the `Repository` interface, the contract for all data access
 * the escrow service needs. Keeping the interface separate from the PostgreSQL
 * implementation decouples the ledger logic from the database and lets tests
 * substitute lightweight stubs.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - github.com/google/uuid: For user and withdrawal identifiers.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/popcorn150/GHOST-sub000/internal/domain"
)

// UpdateEscrowParams carries the mutable escrow fields. Nil pointers leave the
// column untouched, mirroring a partial UPDATE.
type UpdateEscrowParams struct {
	Status                      *string
	BuyerConfirmed              *bool
	SellerWithdrawn             *bool
	AdminNotes                  *string
	CancelRequestBy             *string
	CancellationReviewedByAdmin *bool
}

// Repository defines the set of methods for interacting with the database.
// All status mutations are conditional on the record's current status: the
// boolean result reports whether the guarded update applied, which is how
// concurrent webhook redelivery and user actions are serialized per record.
type Repository interface {
	// Payment and escrow records. The pair is created atomically and shares
	// the processor reference as its key.
	CreatePaymentWithEscrow(ctx context.Context, payment *domain.Payment, escrow *domain.Escrow) error
	FindPaymentByReference(ctx context.Context, reference string) (*domain.Payment, error)
	FindEscrowByReference(ctx context.Context, reference string) (*domain.Escrow, error)
	UpdatePaymentStatus(ctx context.Context, reference string, fromStatuses []string, toStatus string, failureReason *string, paidAt *time.Time) (bool, error)
	UpdateEscrow(ctx context.Context, reference string, fromStatuses []string, params UpdateEscrowParams) (bool, error)
	FindAutoReleasableEscrows(ctx context.Context, cutoff time.Time, limit int) ([]domain.Escrow, error)

	// Withdrawals. CreateWithdrawal doubles as the per-escrow claim: it
	// reports ErrWithdrawalInFlight while another attempt for the same escrow
	// is pending or paid.
	CreateWithdrawal(ctx context.Context, withdrawal *domain.Withdrawal) error
	FindWithdrawalByTransferReference(ctx context.Context, transferReference string) (*domain.Withdrawal, error)
	UpdateWithdrawalStatus(ctx context.Context, id uuid.UUID, fromStatuses []string, toStatus string, paymentRef *string, notes *string) (bool, error)
	HasPaidWithdrawal(ctx context.Context, escrowReference string) (bool, error)

	// Seller bank details.
	FindBankRecipientByUserID(ctx context.Context, userID uuid.UUID) (*domain.BankRecipient, error)
	UpsertBankRecipient(ctx context.Context, recipient *domain.BankRecipient) error
}

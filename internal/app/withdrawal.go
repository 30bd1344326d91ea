/**
 * @description
 * Seller payout flow: registering bank details as a Paystack transfer
 * recipient, initiating withdrawals against confirmed escrows, and reconciling
 * transfer webhooks — including the rollback that reopens an escrow when a
 * payout fails after the synchronous API call reported success.
 *
 * @dependencies
 * - internal/domain, internal/store: Domain models and data access.
 * - pkg/paystackclient: Transfer recipient and payout API calls.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/popcorn150/GHOST-sub000/internal/domain"
	"github.com/popcorn150/GHOST-sub000/internal/store"
	"github.com/popcorn150/GHOST-sub000/pkg/rabbitmq"
)

var (
	// ErrNoBankDetails means the seller has not registered a payout account
	// yet. Surfaced to the client as an actionable 422, never a generic
	// failure.
	ErrNoBankDetails = errors.New("no bank details on file")
	// ErrInvalidBankDetails rejects incomplete bank registration requests.
	ErrInvalidBankDetails = errors.New("full name, account number and bank code are required")
)

// RegisterBankDetails creates (or refreshes) the seller's Paystack transfer
// recipient and stores the bank details alongside the recipient handle.
func (s *Service) RegisterBankDetails(ctx context.Context, req domain.BankDetailsRequest) (*domain.BankRecipient, error) {
	if strings.TrimSpace(req.FullName) == "" || strings.TrimSpace(req.BankAccountNumber) == "" || strings.TrimSpace(req.BankCode) == "" {
		return nil, ErrInvalidBankDetails
	}

	resp, err := s.paystackClient.CreateTransferRecipient(ctx, req.FullName, req.BankAccountNumber, req.BankCode)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProvider, err)
	}
	if !resp.Status || resp.Data.RecipientCode == "" {
		return nil, fmt.Errorf("%w: recipient creation rejected: %s", ErrProvider, resp.Message)
	}

	recipient := &domain.BankRecipient{
		UserID:                 req.UserID,
		FullName:               req.FullName,
		BankAccountNumber:      req.BankAccountNumber,
		BankCode:               req.BankCode,
		ProcessorRecipientCode: resp.Data.RecipientCode,
	}
	if err := s.repo.UpsertBankRecipient(ctx, recipient); err != nil {
		return nil, fmt.Errorf("failed to save bank recipient: %w", err)
	}
	log.Printf("level=info component=payouts op=register_bank user_id=%s recipient_code=%s", req.UserID, resp.Data.RecipientCode)
	return recipient, nil
}

// ensureRecipient loads the seller's stored recipient handle. The bank details
// check happens before any money movement is attempted.
func (s *Service) ensureRecipient(ctx context.Context, sellerID uuid.UUID) (*domain.BankRecipient, error) {
	recipient, err := s.repo.FindBankRecipientByUserID(ctx, sellerID)
	if err != nil {
		if errors.Is(err, store.ErrBankRecipientNotFound) {
			return nil, ErrNoBankDetails
		}
		return nil, err
	}
	if recipient.ProcessorRecipientCode == "" {
		return nil, ErrNoBankDetails
	}
	return recipient, nil
}

// ProcessWithdrawal pays out the seller's share of a buyer-confirmed escrow.
// The withdrawal insert is the claim on the escrow: the store rejects it while
// another attempt is pending or paid, so concurrent requests that both pass
// the status checks still reach the transfer API at most once. The record is
// written before the transfer call so a crash between the two leaves an
// auditable pending row, and the transfer reference is caller-generated so a
// retried call cannot double-pay.
func (s *Service) ProcessWithdrawal(ctx context.Context, req domain.WithdrawRequest) (*domain.Withdrawal, error) {
	escrow, err := s.repo.FindEscrowByReference(ctx, req.EscrowReference)
	if err != nil {
		return nil, err
	}
	if req.UserID != escrow.SellerID {
		return nil, ErrNotParticipant
	}
	if escrow.Status != domain.EscrowStatusBuyerConfirmed {
		return nil, fmt.Errorf("%w: escrow %s is %s, not %s", ErrInvalidStateTransition, escrow.Reference, escrow.Status, domain.EscrowStatusBuyerConfirmed)
	}
	alreadyPaid, err := s.repo.HasPaidWithdrawal(ctx, escrow.Reference)
	if err != nil {
		return nil, err
	}
	if alreadyPaid {
		return nil, fmt.Errorf("%w: escrow %s has already been withdrawn", ErrInvalidStateTransition, escrow.Reference)
	}

	recipient, err := s.ensureRecipient(ctx, escrow.SellerID)
	if err != nil {
		return nil, err
	}

	withdrawal := &domain.Withdrawal{
		ID:                uuid.New(),
		EscrowReference:   escrow.Reference,
		SellerID:          escrow.SellerID,
		TransferReference: fmt.Sprintf("wd_%s", uuid.NewString()),
		Status:            domain.WithdrawalStatusPending,
	}
	if err := s.repo.CreateWithdrawal(ctx, withdrawal); err != nil {
		if errors.Is(err, store.ErrWithdrawalInFlight) {
			return nil, fmt.Errorf("%w: escrow %s already has a withdrawal in flight", ErrInvalidStateTransition, escrow.Reference)
		}
		return nil, fmt.Errorf("failed to create withdrawal: %w", err)
	}
	log.Printf("level=info component=payouts op=withdraw reference=%s transfer_reference=%s amount=%d seller_id=%s", escrow.Reference, withdrawal.TransferReference, escrow.Amount, escrow.SellerID)

	reason := fmt.Sprintf("Escrow payout for %s", escrow.Reference)
	resp, err := s.paystackClient.InitiateTransfer(ctx, escrow.Amount, recipient.ProcessorRecipientCode, withdrawal.TransferReference, reason)
	if err != nil {
		notes := err.Error()
		if _, uErr := s.repo.UpdateWithdrawalStatus(ctx, withdrawal.ID,
			[]string{domain.WithdrawalStatusPending}, domain.WithdrawalStatusFailed, nil, &notes); uErr != nil {
			log.Printf("level=error component=payouts op=withdraw transfer_reference=%s msg=\"failed to mark withdrawal failed\" err=%v", withdrawal.TransferReference, uErr)
		}
		return nil, fmt.Errorf("%w: %v", ErrProvider, err)
	}

	withdrawal.PaymentRef = &resp.Data.TransferCode
	if resp.Status && resp.Data.Status == "success" {
		// Settled synchronously; the webhook redelivery will find nothing in
		// pending and no-op.
		if err := s.settleWithdrawal(ctx, withdrawal, resp.Data.TransferCode, "settled synchronously"); err != nil {
			return nil, err
		}
		withdrawal.Status = domain.WithdrawalStatusPaid
		return withdrawal, nil
	}

	// Transfer accepted but not settled; record the transfer code and let the
	// webhook decide the final state.
	if _, err := s.repo.UpdateWithdrawalStatus(ctx, withdrawal.ID,
		[]string{domain.WithdrawalStatusPending}, domain.WithdrawalStatusPending, &resp.Data.TransferCode, nil); err != nil {
		log.Printf("level=warn component=payouts op=withdraw transfer_reference=%s msg=\"failed to record transfer code\" err=%v", withdrawal.TransferReference, err)
	}
	log.Printf("level=info component=payouts op=withdraw transfer_reference=%s transfer_code=%s provider_status=%s msg=\"awaiting transfer webhook\"", withdrawal.TransferReference, resp.Data.TransferCode, resp.Data.Status)
	return withdrawal, nil
}

// ReconcileTransfer applies a verified transfer webhook to the withdrawal and
// its escrow. transfer.success settles; transfer.failed and transfer.reversed
// roll the escrow back from released to buyer_confirmed so the seller can
// retry after fixing their bank details. All paths are idempotent.
func (s *Service) ReconcileTransfer(ctx context.Context, event domain.NormalizedEvent) error {
	withdrawal, err := s.repo.FindWithdrawalByTransferReference(ctx, event.Reference)
	if err != nil {
		if errors.Is(err, store.ErrWithdrawalNotFound) {
			// Not one of ours (or a replay after cleanup). Acknowledge.
			log.Printf("level=warn component=payouts op=reconcile_transfer transfer_reference=%s msg=\"no matching withdrawal; ignoring\"", event.Reference)
			return nil
		}
		return err
	}

	switch event.Kind {
	case domain.EventTransferSuccess:
		return s.settleWithdrawal(ctx, withdrawal, deref(withdrawal.PaymentRef), "settled by transfer webhook")

	case domain.EventTransferFailed, domain.EventTransferReversed:
		notes := fmt.Sprintf("transfer %s: %s", strings.TrimPrefix(event.Kind, "transfer."), event.Status)
		applied, err := s.repo.UpdateWithdrawalStatus(ctx, withdrawal.ID,
			[]string{domain.WithdrawalStatusPending, domain.WithdrawalStatusPaid},
			domain.WithdrawalStatusFailed, nil, &notes)
		if err != nil {
			return err
		}
		if !applied {
			return nil
		}
		log.Printf("level=warn component=payouts op=reconcile_transfer reference=%s transfer_reference=%s withdrawal_status_to=%s kind=%s", withdrawal.EscrowReference, event.Reference, domain.WithdrawalStatusFailed, event.Kind)

		// Reopen the escrow so a corrected payout can be attempted.
		withdrawn := false
		rolledBack, err := s.repo.UpdateEscrow(ctx, withdrawal.EscrowReference,
			[]string{domain.EscrowStatusReleased},
			store.UpdateEscrowParams{
				Status:          ptr(domain.EscrowStatusBuyerConfirmed),
				SellerWithdrawn: &withdrawn,
			})
		if err != nil {
			log.Printf("level=error component=payouts op=reconcile_transfer reference=%s msg=\"escrow rollback failed\" err=%v", withdrawal.EscrowReference, err)
		} else if rolledBack {
			log.Printf("level=info component=payouts op=reconcile_transfer reference=%s escrow_status_from=%s escrow_status_to=%s msg=\"escrow reopened after failed payout\"", withdrawal.EscrowReference, domain.EscrowStatusReleased, domain.EscrowStatusBuyerConfirmed)
		}
		s.notifyWithdrawal(ctx, "withdrawal.failed", withdrawal, domain.WithdrawalStatusFailed, notes)
		return nil

	default:
		log.Printf("level=info component=payouts op=reconcile_transfer transfer_reference=%s kind=%s msg=\"unhandled event kind; ignoring\"", event.Reference, event.Kind)
		return nil
	}
}

// settleWithdrawal marks a withdrawal paid and the escrow released with the
// seller's funds withdrawn. Guarded on pending so a webhook redelivered after
// synchronous settlement credits nothing twice.
func (s *Service) settleWithdrawal(ctx context.Context, withdrawal *domain.Withdrawal, transferCode, note string) error {
	var paymentRef *string
	if transferCode != "" {
		paymentRef = &transferCode
	}
	applied, err := s.repo.UpdateWithdrawalStatus(ctx, withdrawal.ID,
		[]string{domain.WithdrawalStatusPending}, domain.WithdrawalStatusPaid, paymentRef, &note)
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}
	log.Printf("level=info component=payouts op=settle reference=%s transfer_reference=%s withdrawal_status_to=%s", withdrawal.EscrowReference, withdrawal.TransferReference, domain.WithdrawalStatusPaid)

	withdrawn := true
	confirmed := true
	released, err := s.repo.UpdateEscrow(ctx, withdrawal.EscrowReference,
		[]string{domain.EscrowStatusBuyerConfirmed, domain.EscrowStatusReleased},
		store.UpdateEscrowParams{
			Status:          ptr(domain.EscrowStatusReleased),
			BuyerConfirmed:  &confirmed,
			SellerWithdrawn: &withdrawn,
		})
	if err != nil {
		log.Printf("level=error component=payouts op=settle reference=%s msg=\"escrow release failed\" err=%v", withdrawal.EscrowReference, err)
	} else if released {
		log.Printf("level=info component=payouts op=settle reference=%s escrow_status_to=%s seller_withdrawn=true", withdrawal.EscrowReference, domain.EscrowStatusReleased)
	}
	s.notifyWithdrawal(ctx, "withdrawal.paid", withdrawal, domain.WithdrawalStatusPaid, note)
	return nil
}

func (s *Service) notifyWithdrawal(ctx context.Context, routingKey string, withdrawal *domain.Withdrawal, status, reason string) {
	if s.eventProducer == nil {
		return
	}
	amount := int64(0)
	if escrow, err := s.repo.FindEscrowByReference(ctx, withdrawal.EscrowReference); err == nil {
		amount = escrow.Amount
	}
	err := s.eventProducer.Publish(ctx, rabbitmq.NotificationExchange, routingKey, domain.WithdrawalNotification{
		EscrowReference:   withdrawal.EscrowReference,
		SellerID:          withdrawal.SellerID,
		TransferReference: withdrawal.TransferReference,
		Status:            status,
		Amount:            amount,
		Reason:            reason,
		OccurredAt:        time.Now().UTC(),
	})
	if err != nil {
		log.Printf("level=warn component=notifier routing_key=%s transfer_reference=%s msg=\"publish failed; continuing\" err=%v", routingKey, withdrawal.TransferReference, err)
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

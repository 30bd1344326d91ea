/**
 * @description
 * This file contains the core business logic for the escrow service. The
 * `Service` struct owns the escrow state machine and orchestrates the two
 * payment providers, the database repository, and the notification producer.
 *
 * Key features:
 * - Creates authorization holds (Stripe, manual capture) and custody records
 *   (Paystack, verified server-side before anything is written).
 * - Applies every escrow state transition through guarded conditional updates,
 *   so replayed webhooks and racing user actions converge instead of racing.
 * - Logs before/after status on every financial mutation for audit.
 * - Publishes notification events fire-and-forget; email failure never rolls
 *   back a financial transition.
 *
 * @dependencies
 * - context, errors, fmt, log, time: Standard Go libraries.
 * - internal/domain, internal/store: For domain models and data access.
 * - pkg/stripeclient, pkg/paystackclient, pkg/rabbitmq: External collaborators.
 */

package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	stripe "github.com/stripe/stripe-go/v79"

	"github.com/popcorn150/GHOST-sub000/internal/domain"
	"github.com/popcorn150/GHOST-sub000/internal/store"
	"github.com/popcorn150/GHOST-sub000/pkg/paystackclient"
	"github.com/popcorn150/GHOST-sub000/pkg/rabbitmq"
)

var (
	// ErrInvalidAmount rejects holds for non-positive amounts.
	ErrInvalidAmount = errors.New("amount must be greater than zero")
	// ErrInvalidCurrency rejects holds without a currency code.
	ErrInvalidCurrency = errors.New("currency is required")
	// ErrInvalidStateTransition is returned when a user-initiated action is not
	// legal from the record's current state. Webhook-driven transitions never
	// return it; they no-op instead so redeliveries stay safe.
	ErrInvalidStateTransition = errors.New("invalid state transition")
	// ErrProvider wraps upstream processor failures. The upstream message is
	// preserved verbatim in the wrapped error text.
	ErrProvider = errors.New("payment provider error")
	// ErrChargeNotVerified means the provider's own verify endpoint did not
	// confirm the charge; no escrow is created for it.
	ErrChargeNotVerified = errors.New("charge could not be verified")
	// ErrNotParticipant rejects callers who are neither buyer nor seller of
	// the escrow they are acting on.
	ErrNotParticipant = errors.New("caller is not a participant in this escrow")
)

// StripeProvider is the slice of the Stripe client the service needs.
type StripeProvider interface {
	CreateEscrowHold(ctx context.Context, amount int64, currency, description string) (*stripe.PaymentIntent, error)
	CapturePaymentIntent(ctx context.Context, paymentIntentID string) (*stripe.PaymentIntent, error)
	CancelPaymentIntent(ctx context.Context, paymentIntentID, reason string) (*stripe.PaymentIntent, error)
	RefundPaymentIntent(ctx context.Context, paymentIntentID string) (*stripe.Refund, error)
}

// PaystackProvider is the slice of the Paystack client the service needs.
type PaystackProvider interface {
	VerifyTransaction(ctx context.Context, reference string) (*paystackclient.VerifyTransactionResponse, error)
	CreateTransferRecipient(ctx context.Context, name, accountNumber, bankCode string) (*paystackclient.CreateRecipientResponse, error)
	InitiateTransfer(ctx context.Context, amount int64, recipientCode, reference, reason string) (*paystackclient.InitiateTransferResponse, error)
	CreateRefund(ctx context.Context, transactionReference, reason string) (*paystackclient.RefundResponse, error)
}

// Service provides the core business logic for the escrow lifecycle.
type Service struct {
	repo              store.Repository
	stripeClient      StripeProvider
	paystackClient    PaystackProvider
	eventProducer     rabbitmq.Publisher
	feePolicy         FeePolicy
	autoReleaseWindow time.Duration
	platformBaseURL   string
}

// NewService creates a new escrow service instance.
func NewService(repo store.Repository, stripeClient StripeProvider, paystackClient PaystackProvider, producer rabbitmq.Publisher, feePolicy FeePolicy, autoReleaseWindow time.Duration) *Service {
	return &Service{
		repo:              repo,
		stripeClient:      stripeClient,
		paystackClient:    paystackClient,
		eventProducer:     producer,
		feePolicy:         feePolicy,
		autoReleaseWindow: autoReleaseWindow,
	}
}

// SetPlatformBaseURL configures the public base URL used to build the escrow
// links embedded in notification payloads.
func (s *Service) SetPlatformBaseURL(baseURL string) {
	s.platformBaseURL = strings.TrimSuffix(strings.TrimSpace(baseURL), "/")
}

// CreatePaymentIntent starts a Stripe escrow hold: funds are authorized but
// not captured, and the Payment/Escrow pair is created atomically.
func (s *Service) CreatePaymentIntent(ctx context.Context, req domain.CreatePaymentIntentRequest) (*domain.CreatePaymentIntentResponse, error) {
	if req.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	currency := strings.ToLower(strings.TrimSpace(req.Currency))
	if currency == "" {
		return nil, ErrInvalidCurrency
	}

	pi, err := s.stripeClient.CreateEscrowHold(ctx, req.Amount, currency, req.ItemDescription)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProvider, err)
	}

	autoReleaseAt := time.Now().UTC().Add(s.autoReleaseWindow)
	payment := &domain.Payment{
		Reference:       pi.ID,
		BuyerID:         req.BuyerID,
		SellerID:        req.SellerID,
		AccountID:       req.AccountID,
		ItemDescription: req.ItemDescription,
		Amount:          req.Amount,
		Currency:        currency,
		Method:          domain.MethodStripe,
		Status:          domain.PaymentStatusRequiresCapture,
	}
	escrow := &domain.Escrow{
		Reference:     pi.ID,
		BuyerID:       req.BuyerID,
		SellerID:      req.SellerID,
		Amount:        s.feePolicy.NetAmount(req.Amount, currency),
		Currency:      currency,
		Status:        domain.EscrowStatusAwaitingFeedback,
		AutoReleaseAt: &autoReleaseAt,
	}
	if err := s.repo.CreatePaymentWithEscrow(ctx, payment, escrow); err != nil {
		return nil, fmt.Errorf("failed to persist payment/escrow pair: %w", err)
	}

	log.Printf("level=info component=ledger op=create_hold reference=%s method=stripe amount=%d currency=%s net=%d", pi.ID, req.Amount, currency, escrow.Amount)
	s.notifyEscrow(ctx, "escrow.created", escrow, "", escrow.Status, "")

	return &domain.CreatePaymentIntentResponse{
		PaymentIntentID: pi.ID,
		ClientSecret:    pi.ClientSecret,
	}, nil
}

// chargeMetadata is the marketplace context carried in the Paystack checkout
// metadata. The webhook payload echoes whatever the client sent, so it is only
// read back after the charge has been re-verified server-side.
type chargeMetadata struct {
	BuyerID     uuid.UUID `json:"buyer_id"`
	SellerID    uuid.UUID `json:"seller_id"`
	AccountID   string    `json:"account_id"`
	Description string    `json:"description"`
}

// HandleChargeSuccess is the custodial provider's counterpart to
// CreatePaymentIntent. It runs only after webhook signature verification, and
// re-verifies the charge against Paystack's verify endpoint before the
// Payment/Escrow pair is created: a forged callback cannot mint an escrow.
// Redelivered events converge on the already-created pair.
func (s *Service) HandleChargeSuccess(ctx context.Context, reference string) error {
	verified, err := s.paystackClient.VerifyTransaction(ctx, reference)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProvider, err)
	}
	if !verified.Status || verified.Data.Status != "success" {
		log.Printf("level=warn component=ledger op=charge_success reference=%s msg=\"verification did not confirm charge\" provider_status=%q", reference, verified.Data.Status)
		return ErrChargeNotVerified
	}

	var meta chargeMetadata
	if len(verified.Data.Metadata) > 0 {
		if err := json.Unmarshal(verified.Data.Metadata, &meta); err != nil {
			return fmt.Errorf("%w: malformed charge metadata: %v", ErrChargeNotVerified, err)
		}
	}
	if meta.BuyerID == uuid.Nil || meta.SellerID == uuid.Nil {
		return fmt.Errorf("%w: charge metadata missing buyer/seller", ErrChargeNotVerified)
	}

	paidAt := time.Now().UTC()
	if t, err := time.Parse(time.RFC3339, verified.Data.PaidAt); err == nil {
		paidAt = t
	}
	autoReleaseAt := paidAt.Add(s.autoReleaseWindow)
	currency := strings.ToLower(verified.Data.Currency)

	payment := &domain.Payment{
		Reference:       reference,
		BuyerID:         meta.BuyerID,
		SellerID:        meta.SellerID,
		AccountID:       meta.AccountID,
		ItemDescription: meta.Description,
		Amount:          verified.Data.Amount,
		Currency:        currency,
		Method:          domain.MethodPaystack,
		Status:          domain.PaymentStatusSucceeded,
		PaidAt:          &paidAt,
	}
	escrow := &domain.Escrow{
		Reference:     reference,
		BuyerID:       meta.BuyerID,
		SellerID:      meta.SellerID,
		Amount:        s.feePolicy.NetAmount(verified.Data.Amount, currency),
		Currency:      currency,
		Status:        domain.EscrowStatusAwaitingFeedback,
		AutoReleaseAt: &autoReleaseAt,
	}
	if err := s.repo.CreatePaymentWithEscrow(ctx, payment, escrow); err != nil {
		if errors.Is(err, store.ErrDuplicateReference) {
			log.Printf("level=info component=ledger op=charge_success reference=%s msg=\"replayed delivery; pair already exists\"", reference)
			return nil
		}
		return fmt.Errorf("failed to persist payment/escrow pair: %w", err)
	}

	log.Printf("level=info component=ledger op=charge_success reference=%s method=paystack amount=%d currency=%s net=%d", reference, verified.Data.Amount, currency, escrow.Amount)
	s.notifyEscrow(ctx, "escrow.created", escrow, "", escrow.Status, "")
	return nil
}

// ReleaseEscrow captures a held Stripe payment and releases the escrow to the
// seller. Only legal while the payment is in requires_capture.
func (s *Service) ReleaseEscrow(ctx context.Context, paymentIntentID string, callerID uuid.UUID) error {
	payment, err := s.repo.FindPaymentByReference(ctx, paymentIntentID)
	if err != nil {
		return err
	}
	if callerID != payment.BuyerID && callerID != payment.SellerID {
		return ErrNotParticipant
	}
	if payment.Status != domain.PaymentStatusRequiresCapture {
		return fmt.Errorf("%w: payment %s is %s, not %s", ErrInvalidStateTransition, paymentIntentID, payment.Status, domain.PaymentStatusRequiresCapture)
	}

	if _, err := s.stripeClient.CapturePaymentIntent(ctx, paymentIntentID); err != nil {
		return fmt.Errorf("%w: %v", ErrProvider, err)
	}

	now := time.Now().UTC()
	applied, err := s.repo.UpdatePaymentStatus(ctx, paymentIntentID,
		[]string{domain.PaymentStatusRequiresCapture}, domain.PaymentStatusSucceeded, nil, &now)
	if err != nil {
		return err
	}
	if !applied {
		// Another actor finished the capture between our check and update.
		return fmt.Errorf("%w: payment %s already finalized", ErrInvalidStateTransition, paymentIntentID)
	}
	log.Printf("level=info component=ledger op=capture reference=%s payment_status_from=%s payment_status_to=%s", paymentIntentID, domain.PaymentStatusRequiresCapture, domain.PaymentStatusSucceeded)

	s.transitionEscrow(ctx, paymentIntentID,
		[]string{domain.EscrowStatusAwaitingFeedback, domain.EscrowStatusBuyerConfirmed, domain.EscrowStatusHolding},
		domain.EscrowStatusReleased, "escrow.released", "capture")
	return nil
}

// CancelEscrow releases an uncaptured hold, or refunds an already-captured
// charge, depending on the payment's current state. Any other state is not
// cancellable.
func (s *Service) CancelEscrow(ctx context.Context, paymentIntentID string, callerID uuid.UUID, reason string) (string, error) {
	payment, err := s.repo.FindPaymentByReference(ctx, paymentIntentID)
	if err != nil {
		return "", err
	}
	if callerID != payment.BuyerID && callerID != payment.SellerID {
		return "", ErrNotParticipant
	}

	requestedBy := domain.CancelRequestBySeller
	if callerID == payment.BuyerID {
		requestedBy = domain.CancelRequestByBuyer
	}

	switch payment.Status {
	case domain.PaymentStatusRequiresCapture:
		if _, err := s.stripeClient.CancelPaymentIntent(ctx, paymentIntentID, reason); err != nil {
			return "", fmt.Errorf("%w: %v", ErrProvider, err)
		}
		applied, err := s.repo.UpdatePaymentStatus(ctx, paymentIntentID,
			[]string{domain.PaymentStatusRequiresCapture}, domain.PaymentStatusCancelled, &reason, nil)
		if err != nil {
			return "", err
		}
		if !applied {
			return "", fmt.Errorf("%w: payment %s already finalized", ErrInvalidStateTransition, paymentIntentID)
		}
		log.Printf("level=info component=ledger op=cancel reference=%s payment_status_from=%s payment_status_to=%s reason=%q", paymentIntentID, payment.Status, domain.PaymentStatusCancelled, reason)
		s.cancelEscrowRecord(ctx, paymentIntentID, domain.EscrowStatusCancelled, "escrow.cancelled", requestedBy, reason)
		return domain.EscrowStatusCancelled, nil

	case domain.PaymentStatusSucceeded:
		// Once the escrow is released the seller's funds are (or are about to
		// be) paid out; refunding the buyer on top would pay both sides.
		escrow, err := s.repo.FindEscrowByReference(ctx, paymentIntentID)
		if err != nil {
			return "", err
		}
		if escrow.Status == domain.EscrowStatusReleased || escrow.SellerWithdrawn {
			return "", fmt.Errorf("%w: escrow %s is already released to the seller and cannot be refunded", ErrInvalidStateTransition, paymentIntentID)
		}
		if err := s.refundPayment(ctx, payment, reason); err != nil {
			return "", err
		}
		applied, err := s.repo.UpdatePaymentStatus(ctx, paymentIntentID,
			[]string{domain.PaymentStatusSucceeded}, domain.PaymentStatusRefunded, &reason, nil)
		if err != nil {
			return "", err
		}
		if !applied {
			return "", fmt.Errorf("%w: payment %s already finalized", ErrInvalidStateTransition, paymentIntentID)
		}
		log.Printf("level=info component=ledger op=refund reference=%s payment_status_from=%s payment_status_to=%s reason=%q", paymentIntentID, payment.Status, domain.PaymentStatusRefunded, reason)
		s.cancelEscrowRecord(ctx, paymentIntentID, domain.EscrowStatusRefunded, "escrow.refunded", requestedBy, reason)
		return domain.EscrowStatusRefunded, nil

	default:
		return "", fmt.Errorf("%w: payment %s is %s and cannot be cancelled", ErrInvalidStateTransition, paymentIntentID, payment.Status)
	}
}

func (s *Service) refundPayment(ctx context.Context, payment *domain.Payment, reason string) error {
	var err error
	switch payment.Method {
	case domain.MethodStripe:
		_, err = s.stripeClient.RefundPaymentIntent(ctx, payment.Reference)
	case domain.MethodPaystack:
		_, err = s.paystackClient.CreateRefund(ctx, payment.Reference, reason)
	default:
		return fmt.Errorf("unknown payment method %q", payment.Method)
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProvider, err)
	}
	return nil
}

// ConfirmReceipt records the buyer's confirmation that the purchased account
// was delivered. For a Stripe hold this performs the capture; for a custodied
// Paystack charge it advances the escrow to buyer_confirmed, or parks it in
// holding for admin review when the buyer raised concerns.
func (s *Service) ConfirmReceipt(ctx context.Context, req domain.ConfirmReceiptRequest) (string, error) {
	payment, err := s.repo.FindPaymentByReference(ctx, req.EscrowReference)
	if err != nil {
		return "", err
	}
	if req.UserID != payment.BuyerID {
		return "", ErrNotParticipant
	}

	// Concerns park the escrow for admin review before any funds move,
	// regardless of provider: a hold must not be captured while the buyer is
	// flagging a problem.
	if strings.TrimSpace(req.Concerns) != "" {
		notes := strings.TrimSpace(req.Concerns)
		applied, err := s.repo.UpdateEscrow(ctx, req.EscrowReference,
			[]string{domain.EscrowStatusAwaitingFeedback},
			store.UpdateEscrowParams{
				Status:     ptr(domain.EscrowStatusHolding),
				AdminNotes: &notes,
			})
		if err != nil {
			return "", err
		}
		if applied {
			log.Printf("level=info component=ledger op=confirm_receipt reference=%s escrow_status_from=%s escrow_status_to=%s msg=\"buyer raised concerns\"", req.EscrowReference, domain.EscrowStatusAwaitingFeedback, domain.EscrowStatusHolding)
			s.notifyEscrowByReference(ctx, "escrow.holding", req.EscrowReference, domain.EscrowStatusAwaitingFeedback, notes)
		}
		return s.currentEscrowStatus(ctx, req.EscrowReference)
	}

	if payment.Method == domain.MethodStripe && payment.Status == domain.PaymentStatusRequiresCapture {
		if err := s.ReleaseEscrow(ctx, req.EscrowReference, req.UserID); err != nil {
			return "", err
		}
		return domain.EscrowStatusReleased, nil
	}

	confirmed := true
	applied, err := s.repo.UpdateEscrow(ctx, req.EscrowReference,
		[]string{domain.EscrowStatusAwaitingFeedback},
		store.UpdateEscrowParams{
			Status:         ptr(domain.EscrowStatusBuyerConfirmed),
			BuyerConfirmed: &confirmed,
		})
	if err != nil {
		return "", err
	}
	if applied {
		log.Printf("level=info component=ledger op=confirm_receipt reference=%s escrow_status_from=%s escrow_status_to=%s", req.EscrowReference, domain.EscrowStatusAwaitingFeedback, domain.EscrowStatusBuyerConfirmed)
		s.notifyEscrowByReference(ctx, "escrow.buyer_confirmed", req.EscrowReference, domain.EscrowStatusAwaitingFeedback, "")
	}
	// Repeated confirmations are a no-op, not an error.
	return s.currentEscrowStatus(ctx, req.EscrowReference)
}

// ResolveHold is the admin action that moves a held escrow back into the main
// flow (buyer_confirmed) or into dispute.
func (s *Service) ResolveHold(ctx context.Context, escrowReference, resolution, adminNotes string) (string, error) {
	var target, routingKey string
	switch resolution {
	case domain.HoldResolutionConfirm:
		target, routingKey = domain.EscrowStatusBuyerConfirmed, "escrow.buyer_confirmed"
	case domain.HoldResolutionDispute:
		target, routingKey = domain.EscrowStatusDisputed, "escrow.disputed"
	default:
		return "", fmt.Errorf("%w: unknown resolution %q", ErrInvalidStateTransition, resolution)
	}

	params := store.UpdateEscrowParams{Status: &target}
	if strings.TrimSpace(adminNotes) != "" {
		notes := strings.TrimSpace(adminNotes)
		params.AdminNotes = &notes
	}
	applied, err := s.repo.UpdateEscrow(ctx, escrowReference, []string{domain.EscrowStatusHolding}, params)
	if err != nil {
		return "", err
	}
	if applied {
		log.Printf("level=info component=ledger op=resolve_hold reference=%s escrow_status_from=%s escrow_status_to=%s", escrowReference, domain.EscrowStatusHolding, target)
		s.notifyEscrowByReference(ctx, routingKey, escrowReference, domain.EscrowStatusHolding, adminNotes)
	}
	return s.currentEscrowStatus(ctx, escrowReference)
}

// AutoReleaseDue sweeps escrows whose buyer-protection window has lapsed from
// awaiting_feedback to buyer_confirmed. Invoked by the external scheduler via
// an internal endpoint; there is no in-process timer.
func (s *Service) AutoReleaseDue(ctx context.Context) (int, error) {
	escrows, err := s.repo.FindAutoReleasableEscrows(ctx, time.Now().UTC(), 100)
	if err != nil {
		return 0, err
	}

	confirmed := true
	released := 0
	for _, escrow := range escrows {
		applied, err := s.repo.UpdateEscrow(ctx, escrow.Reference,
			[]string{domain.EscrowStatusAwaitingFeedback},
			store.UpdateEscrowParams{
				Status:         ptr(domain.EscrowStatusBuyerConfirmed),
				BuyerConfirmed: &confirmed,
			})
		if err != nil {
			log.Printf("level=error component=ledger op=auto_release reference=%s err=%v", escrow.Reference, err)
			continue
		}
		if !applied {
			continue
		}
		released++
		log.Printf("level=info component=ledger op=auto_release reference=%s escrow_status_from=%s escrow_status_to=%s", escrow.Reference, domain.EscrowStatusAwaitingFeedback, domain.EscrowStatusBuyerConfirmed)
		s.notifyEscrow(ctx, "escrow.buyer_confirmed", &escrow, domain.EscrowStatusAwaitingFeedback, domain.EscrowStatusBuyerConfirmed, "auto_release")
	}
	return released, nil
}

// ApplyChargeEvent reconciles a verified, normalized charge event from either
// provider against the ledger. Every branch is a guarded update: a replayed or
// out-of-date event finds no row in the required source state and no-ops.
func (s *Service) ApplyChargeEvent(ctx context.Context, event domain.NormalizedEvent) error {
	now := time.Now().UTC()

	switch event.Kind {
	case domain.EventChargeSucceeded:
		applied, err := s.repo.UpdatePaymentStatus(ctx, event.Reference,
			[]string{domain.PaymentStatusPendingVerification, domain.PaymentStatusRequiresCapture},
			domain.PaymentStatusSucceeded, nil, &now)
		if err != nil {
			return err
		}
		if applied {
			log.Printf("level=info component=ledger op=webhook_charge reference=%s kind=%s payment_status_to=%s", event.Reference, event.Kind, domain.PaymentStatusSucceeded)
			s.transitionEscrow(ctx, event.Reference,
				[]string{domain.EscrowStatusAwaitingFeedback, domain.EscrowStatusBuyerConfirmed, domain.EscrowStatusHolding},
				domain.EscrowStatusReleased, "escrow.released", "charge succeeded")
		}
		return nil

	case domain.EventChargeFailed:
		reason := event.Status
		applied, err := s.repo.UpdatePaymentStatus(ctx, event.Reference,
			[]string{domain.PaymentStatusPendingVerification, domain.PaymentStatusRequiresCapture},
			domain.PaymentStatusFailed, &reason, nil)
		if err != nil {
			return err
		}
		if applied {
			log.Printf("level=warn component=ledger op=webhook_charge reference=%s kind=%s payment_status_to=%s", event.Reference, event.Kind, domain.PaymentStatusFailed)
			s.transitionEscrow(ctx, event.Reference,
				[]string{domain.EscrowStatusPendingVerification, domain.EscrowStatusAwaitingFeedback},
				domain.EscrowStatusFailed, "escrow.failed", "charge failed")
		}
		return nil

	case domain.EventChargeCancelled:
		reason := "cancelled at provider"
		applied, err := s.repo.UpdatePaymentStatus(ctx, event.Reference,
			[]string{domain.PaymentStatusRequiresCapture},
			domain.PaymentStatusCancelled, &reason, nil)
		if err != nil {
			return err
		}
		if applied {
			log.Printf("level=info component=ledger op=webhook_charge reference=%s kind=%s payment_status_to=%s", event.Reference, event.Kind, domain.PaymentStatusCancelled)
			s.transitionEscrow(ctx, event.Reference,
				[]string{domain.EscrowStatusAwaitingFeedback, domain.EscrowStatusBuyerConfirmed, domain.EscrowStatusHolding},
				domain.EscrowStatusCancelled, "escrow.cancelled", "cancelled at provider")
		}
		return nil

	case domain.EventChargeRefunded:
		reason := "refunded at provider"
		applied, err := s.repo.UpdatePaymentStatus(ctx, event.Reference,
			[]string{domain.PaymentStatusSucceeded},
			domain.PaymentStatusRefunded, &reason, nil)
		if err != nil {
			return err
		}
		if applied {
			log.Printf("level=info component=ledger op=webhook_charge reference=%s kind=%s payment_status_to=%s", event.Reference, event.Kind, domain.PaymentStatusRefunded)
			// A released escrow is terminal: the seller already has the funds,
			// so a late refund event must not claw the escrow back.
			s.transitionEscrow(ctx, event.Reference,
				[]string{domain.EscrowStatusAwaitingFeedback, domain.EscrowStatusBuyerConfirmed, domain.EscrowStatusHolding},
				domain.EscrowStatusRefunded, "escrow.refunded", "refunded at provider")
		}
		return nil

	default:
		log.Printf("level=info component=ledger op=webhook_charge reference=%s kind=%s msg=\"unhandled event kind; ignoring\"", event.Reference, event.Kind)
		return nil
	}
}

// GetPaymentStatus returns the combined payment/escrow read model.
func (s *Service) GetPaymentStatus(ctx context.Context, reference string) (*domain.PaymentStatusView, error) {
	payment, err := s.repo.FindPaymentByReference(ctx, reference)
	if err != nil {
		return nil, err
	}
	escrowStatus := ""
	if escrow, err := s.repo.FindEscrowByReference(ctx, reference); err == nil {
		escrowStatus = escrow.Status
	}
	return &domain.PaymentStatusView{
		ID:            payment.Reference,
		Status:        payment.Status,
		EscrowStatus:  escrowStatus,
		Amount:        payment.Amount,
		Currency:      payment.Currency,
		PaymentMethod: payment.Method,
		Created:       payment.CreatedAt,
	}, nil
}

// transitionEscrow applies a guarded escrow status change and notifies on
// success. Guard misses are silent; the caller already logged its own action.
func (s *Service) transitionEscrow(ctx context.Context, reference string, from []string, to, routingKey, reason string) {
	applied, err := s.repo.UpdateEscrow(ctx, reference, from, store.UpdateEscrowParams{Status: &to})
	if err != nil {
		log.Printf("level=error component=ledger op=escrow_transition reference=%s escrow_status_to=%s err=%v", reference, to, err)
		return
	}
	if !applied {
		return
	}
	log.Printf("level=info component=ledger op=escrow_transition reference=%s escrow_status_from=%v escrow_status_to=%s reason=%q", reference, from, to, reason)
	s.notifyEscrowByReference(ctx, routingKey, reference, "", reason)
}

func (s *Service) cancelEscrowRecord(ctx context.Context, reference, target, routingKey, requestedBy, reason string) {
	reviewed := requestedBy == domain.CancelRequestByAdmin
	params := store.UpdateEscrowParams{
		Status:                      &target,
		CancelRequestBy:             &requestedBy,
		CancellationReviewedByAdmin: &reviewed,
	}
	if strings.TrimSpace(reason) != "" {
		notes := strings.TrimSpace(reason)
		params.AdminNotes = &notes
	}
	applied, err := s.repo.UpdateEscrow(ctx, reference,
		[]string{domain.EscrowStatusAwaitingFeedback, domain.EscrowStatusBuyerConfirmed, domain.EscrowStatusHolding},
		params)
	if err != nil {
		log.Printf("level=error component=ledger op=cancel_escrow reference=%s err=%v", reference, err)
		return
	}
	if applied {
		log.Printf("level=info component=ledger op=cancel_escrow reference=%s escrow_status_to=%s requested_by=%s", reference, target, requestedBy)
		s.notifyEscrowByReference(ctx, routingKey, reference, "", reason)
	}
}

func (s *Service) currentEscrowStatus(ctx context.Context, reference string) (string, error) {
	escrow, err := s.repo.FindEscrowByReference(ctx, reference)
	if err != nil {
		return "", err
	}
	return escrow.Status, nil
}

// notifyEscrowByReference loads the escrow and publishes a notification.
// Lookup or publish failures are logged and swallowed: notification is
// fire-and-forget and must never undo a financial transition.
func (s *Service) notifyEscrowByReference(ctx context.Context, routingKey, reference, prevStatus, reason string) {
	escrow, err := s.repo.FindEscrowByReference(ctx, reference)
	if err != nil {
		log.Printf("level=warn component=notifier routing_key=%s reference=%s msg=\"escrow lookup failed; notification skipped\" err=%v", routingKey, reference, err)
		return
	}
	s.notifyEscrow(ctx, routingKey, escrow, prevStatus, escrow.Status, reason)
}

func (s *Service) notifyEscrow(ctx context.Context, routingKey string, escrow *domain.Escrow, prevStatus, newStatus, reason string) {
	if s.eventProducer == nil {
		return
	}
	var link string
	if s.platformBaseURL != "" {
		link = fmt.Sprintf("%s/escrow/%s", s.platformBaseURL, escrow.Reference)
	}
	err := s.eventProducer.Publish(ctx, rabbitmq.NotificationExchange, routingKey, domain.EscrowNotification{
		Reference:  escrow.Reference,
		BuyerID:    escrow.BuyerID,
		SellerID:   escrow.SellerID,
		Status:     newStatus,
		PrevStatus: prevStatus,
		Amount:     escrow.Amount,
		Currency:   escrow.Currency,
		Reason:     reason,
		Link:       link,
		OccurredAt: time.Now().UTC(),
	})
	if err != nil {
		log.Printf("level=warn component=notifier routing_key=%s reference=%s msg=\"publish failed; continuing\" err=%v", routingKey, escrow.Reference, err)
	}
}

func ptr(s string) *string {
	return &s
}

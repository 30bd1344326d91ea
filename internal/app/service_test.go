package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	stripe "github.com/stripe/stripe-go/v79"

	"github.com/popcorn150/GHOST-sub000/internal/domain"
	"github.com/popcorn150/GHOST-sub000/internal/store"
	"github.com/popcorn150/GHOST-sub000/pkg/paystackclient"
)

// memoryRepo is an in-memory Repository with the same guarded-update
// semantics as the Postgres implementation.
type memoryRepo struct {
	store.Repository

	payments    map[string]*domain.Payment
	escrows     map[string]*domain.Escrow
	withdrawals map[uuid.UUID]*domain.Withdrawal
	recipients  map[uuid.UUID]*domain.BankRecipient
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		payments:    make(map[string]*domain.Payment),
		escrows:     make(map[string]*domain.Escrow),
		withdrawals: make(map[uuid.UUID]*domain.Withdrawal),
		recipients:  make(map[uuid.UUID]*domain.BankRecipient),
	}
}

func (m *memoryRepo) CreatePaymentWithEscrow(ctx context.Context, payment *domain.Payment, escrow *domain.Escrow) error {
	if _, exists := m.payments[payment.Reference]; exists {
		return store.ErrDuplicateReference
	}
	p := *payment
	e := *escrow
	m.payments[payment.Reference] = &p
	m.escrows[escrow.Reference] = &e
	return nil
}

func (m *memoryRepo) FindPaymentByReference(ctx context.Context, reference string) (*domain.Payment, error) {
	payment, ok := m.payments[reference]
	if !ok {
		return nil, store.ErrPaymentNotFound
	}
	copied := *payment
	return &copied, nil
}

func (m *memoryRepo) FindEscrowByReference(ctx context.Context, reference string) (*domain.Escrow, error) {
	escrow, ok := m.escrows[reference]
	if !ok {
		return nil, store.ErrEscrowNotFound
	}
	copied := *escrow
	return &copied, nil
}

func (m *memoryRepo) UpdatePaymentStatus(ctx context.Context, reference string, fromStatuses []string, toStatus string, failureReason *string, paidAt *time.Time) (bool, error) {
	payment, ok := m.payments[reference]
	if !ok || !contains(fromStatuses, payment.Status) {
		return false, nil
	}
	payment.Status = toStatus
	if failureReason != nil {
		payment.FailureReason = failureReason
	}
	if paidAt != nil {
		payment.PaidAt = paidAt
	}
	return true, nil
}

func (m *memoryRepo) UpdateEscrow(ctx context.Context, reference string, fromStatuses []string, params store.UpdateEscrowParams) (bool, error) {
	escrow, ok := m.escrows[reference]
	if !ok || !contains(fromStatuses, escrow.Status) {
		return false, nil
	}
	if params.Status != nil {
		escrow.Status = *params.Status
	}
	if params.BuyerConfirmed != nil {
		escrow.BuyerConfirmed = *params.BuyerConfirmed
	}
	if params.SellerWithdrawn != nil {
		escrow.SellerWithdrawn = *params.SellerWithdrawn
	}
	if params.AdminNotes != nil {
		escrow.AdminNotes = *params.AdminNotes
	}
	if params.CancelRequestBy != nil {
		escrow.CancelRequestBy = params.CancelRequestBy
	}
	if params.CancellationReviewedByAdmin != nil {
		escrow.CancellationReviewedByAdmin = *params.CancellationReviewedByAdmin
	}
	escrow.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (m *memoryRepo) FindAutoReleasableEscrows(ctx context.Context, cutoff time.Time, limit int) ([]domain.Escrow, error) {
	var due []domain.Escrow
	for _, escrow := range m.escrows {
		if escrow.Status == domain.EscrowStatusAwaitingFeedback && escrow.AutoReleaseAt != nil && escrow.AutoReleaseAt.Before(cutoff) {
			due = append(due, *escrow)
		}
	}
	return due, nil
}

func (m *memoryRepo) CreateWithdrawal(ctx context.Context, withdrawal *domain.Withdrawal) error {
	for _, existing := range m.withdrawals {
		if existing.EscrowReference == withdrawal.EscrowReference &&
			(existing.Status == domain.WithdrawalStatusPending || existing.Status == domain.WithdrawalStatusPaid) {
			return store.ErrWithdrawalInFlight
		}
	}
	copied := *withdrawal
	m.withdrawals[withdrawal.ID] = &copied
	return nil
}

func (m *memoryRepo) FindWithdrawalByTransferReference(ctx context.Context, transferReference string) (*domain.Withdrawal, error) {
	for _, withdrawal := range m.withdrawals {
		if withdrawal.TransferReference == transferReference {
			copied := *withdrawal
			return &copied, nil
		}
	}
	return nil, store.ErrWithdrawalNotFound
}

func (m *memoryRepo) UpdateWithdrawalStatus(ctx context.Context, id uuid.UUID, fromStatuses []string, toStatus string, paymentRef *string, notes *string) (bool, error) {
	withdrawal, ok := m.withdrawals[id]
	if !ok || !contains(fromStatuses, withdrawal.Status) {
		return false, nil
	}
	withdrawal.Status = toStatus
	if paymentRef != nil {
		withdrawal.PaymentRef = paymentRef
	}
	if notes != nil {
		withdrawal.Notes = notes
	}
	return true, nil
}

func (m *memoryRepo) HasPaidWithdrawal(ctx context.Context, escrowReference string) (bool, error) {
	for _, withdrawal := range m.withdrawals {
		if withdrawal.EscrowReference == escrowReference && withdrawal.Status == domain.WithdrawalStatusPaid {
			return true, nil
		}
	}
	return false, nil
}

func (m *memoryRepo) FindBankRecipientByUserID(ctx context.Context, userID uuid.UUID) (*domain.BankRecipient, error) {
	recipient, ok := m.recipients[userID]
	if !ok {
		return nil, store.ErrBankRecipientNotFound
	}
	copied := *recipient
	return &copied, nil
}

func (m *memoryRepo) UpsertBankRecipient(ctx context.Context, recipient *domain.BankRecipient) error {
	copied := *recipient
	m.recipients[recipient.UserID] = &copied
	return nil
}

func contains(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

// stripeStub records calls to the Stripe provider.
type stripeStub struct {
	createCalls  int
	captureCalls int
	cancelCalls  int
	refundCalls  int
	failCapture  bool
}

func (s *stripeStub) CreateEscrowHold(ctx context.Context, amount int64, currency, description string) (*stripe.PaymentIntent, error) {
	s.createCalls++
	return &stripe.PaymentIntent{ID: fmt.Sprintf("pi_test_%d", s.createCalls), ClientSecret: "cs_test_secret"}, nil
}

func (s *stripeStub) CapturePaymentIntent(ctx context.Context, paymentIntentID string) (*stripe.PaymentIntent, error) {
	s.captureCalls++
	if s.failCapture {
		return nil, errors.New("capture declined")
	}
	return &stripe.PaymentIntent{ID: paymentIntentID}, nil
}

func (s *stripeStub) CancelPaymentIntent(ctx context.Context, paymentIntentID, reason string) (*stripe.PaymentIntent, error) {
	s.cancelCalls++
	return &stripe.PaymentIntent{ID: paymentIntentID}, nil
}

func (s *stripeStub) RefundPaymentIntent(ctx context.Context, paymentIntentID string) (*stripe.Refund, error) {
	s.refundCalls++
	return &stripe.Refund{ID: "re_test"}, nil
}

// paystackStub records calls to the Paystack provider.
type paystackStub struct {
	verifyCalls    int
	verifyStatus   string
	verifyAmount   int64
	verifyMetadata map[string]any
	recipientCalls int
	transferCalls  int
	transferStatus string
	transferErr    error
	refundCalls    int
}

func (p *paystackStub) VerifyTransaction(ctx context.Context, reference string) (*paystackclient.VerifyTransactionResponse, error) {
	p.verifyCalls++
	resp := &paystackclient.VerifyTransactionResponse{Status: true}
	resp.Data.Reference = reference
	resp.Data.Status = p.verifyStatus
	resp.Data.Amount = p.verifyAmount
	resp.Data.Currency = "NGN"
	resp.Data.PaidAt = time.Now().UTC().Format(time.RFC3339)
	if p.verifyMetadata != nil {
		raw, _ := json.Marshal(p.verifyMetadata)
		resp.Data.Metadata = raw
	}
	return resp, nil
}

func (p *paystackStub) CreateTransferRecipient(ctx context.Context, name, accountNumber, bankCode string) (*paystackclient.CreateRecipientResponse, error) {
	p.recipientCalls++
	resp := &paystackclient.CreateRecipientResponse{Status: true}
	resp.Data.RecipientCode = "RCP_test"
	resp.Data.Active = true
	return resp, nil
}

func (p *paystackStub) InitiateTransfer(ctx context.Context, amount int64, recipientCode, reference, reason string) (*paystackclient.InitiateTransferResponse, error) {
	p.transferCalls++
	if p.transferErr != nil {
		return nil, p.transferErr
	}
	resp := &paystackclient.InitiateTransferResponse{Status: true}
	resp.Data.TransferCode = "TRF_test"
	resp.Data.Status = p.transferStatus
	resp.Data.Reference = reference
	resp.Data.Amount = amount
	return resp, nil
}

func (p *paystackStub) CreateRefund(ctx context.Context, transactionReference, reason string) (*paystackclient.RefundResponse, error) {
	p.refundCalls++
	resp := &paystackclient.RefundResponse{Status: true}
	resp.Data.Status = "processed"
	return resp, nil
}

// nopPublisher swallows notifications.
type nopPublisher struct{}

func (nopPublisher) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	return nil
}
func (nopPublisher) Close() {}

func newTestService(repo *memoryRepo, stripeClient *stripeStub, paystackClient *paystackStub) *Service {
	return NewService(repo, stripeClient, paystackClient, nopPublisher{}, DefaultFeePolicy(), 12*time.Hour)
}

func TestCreatePaymentIntent_CreatesHoldAndEscrowPair(t *testing.T) {
	repo := newMemoryRepo()
	stripeClient := &stripeStub{}
	svc := newTestService(repo, stripeClient, &paystackStub{})

	buyerID, sellerID := uuid.New(), uuid.New()
	resp, err := svc.CreatePaymentIntent(context.Background(), domain.CreatePaymentIntentRequest{
		Amount:          5_000,
		Currency:        "USD",
		BuyerID:         buyerID,
		SellerID:        sellerID,
		AccountID:       "acct_42",
		ItemDescription: "Level 90 account",
	})
	if err != nil {
		t.Fatalf("CreatePaymentIntent returned error: %v", err)
	}
	if resp.ClientSecret == "" {
		t.Fatal("expected a client secret for the checkout frontend")
	}

	payment := repo.payments[resp.PaymentIntentID]
	if payment == nil || payment.Status != domain.PaymentStatusRequiresCapture {
		t.Fatalf("expected payment in requires_capture, got %+v", payment)
	}
	escrow := repo.escrows[resp.PaymentIntentID]
	if escrow == nil || escrow.Status != domain.EscrowStatusAwaitingFeedback {
		t.Fatalf("expected escrow in awaiting_feedback, got %+v", escrow)
	}
	if escrow.Amount != 5_000 {
		t.Fatalf("expected USD net amount to equal gross, got %d", escrow.Amount)
	}
	if escrow.AutoReleaseAt == nil {
		t.Fatal("expected auto-release deadline to be set")
	}
}

func TestCreatePaymentIntent_RejectsNonPositiveAmount(t *testing.T) {
	stripeClient := &stripeStub{}
	svc := newTestService(newMemoryRepo(), stripeClient, &paystackStub{})

	_, err := svc.CreatePaymentIntent(context.Background(), domain.CreatePaymentIntentRequest{
		Amount: 0, Currency: "usd", BuyerID: uuid.New(), SellerID: uuid.New(),
	})
	if !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if stripeClient.createCalls != 0 {
		t.Fatal("expected no provider call for an invalid amount")
	}
}

func TestReleaseEscrow_CapturesAndReleases(t *testing.T) {
	repo := newMemoryRepo()
	stripeClient := &stripeStub{}
	svc := newTestService(repo, stripeClient, &paystackStub{})

	buyerID := uuid.New()
	resp, err := svc.CreatePaymentIntent(context.Background(), domain.CreatePaymentIntentRequest{
		Amount: 10_000, Currency: "usd", BuyerID: buyerID, SellerID: uuid.New(),
	})
	if err != nil {
		t.Fatalf("setup failed: %v", err)
	}

	if err := svc.ReleaseEscrow(context.Background(), resp.PaymentIntentID, buyerID); err != nil {
		t.Fatalf("ReleaseEscrow returned error: %v", err)
	}
	if stripeClient.captureCalls != 1 {
		t.Fatalf("expected exactly one capture call, got %d", stripeClient.captureCalls)
	}
	if got := repo.payments[resp.PaymentIntentID].Status; got != domain.PaymentStatusSucceeded {
		t.Fatalf("expected payment succeeded, got %s", got)
	}
	if got := repo.escrows[resp.PaymentIntentID].Status; got != domain.EscrowStatusReleased {
		t.Fatalf("expected escrow released, got %s", got)
	}
}

func TestReleaseEscrow_DoubleCaptureFails(t *testing.T) {
	repo := newMemoryRepo()
	stripeClient := &stripeStub{}
	svc := newTestService(repo, stripeClient, &paystackStub{})

	buyerID := uuid.New()
	resp, err := svc.CreatePaymentIntent(context.Background(), domain.CreatePaymentIntentRequest{
		Amount: 10_000, Currency: "usd", BuyerID: buyerID, SellerID: uuid.New(),
	})
	if err != nil {
		t.Fatalf("setup failed: %v", err)
	}

	if err := svc.ReleaseEscrow(context.Background(), resp.PaymentIntentID, buyerID); err != nil {
		t.Fatalf("first release failed: %v", err)
	}
	err = svc.ReleaseEscrow(context.Background(), resp.PaymentIntentID, buyerID)
	if !errors.Is(err, ErrInvalidStateTransition) {
		t.Fatalf("expected ErrInvalidStateTransition on second capture, got %v", err)
	}
	if stripeClient.captureCalls != 1 {
		t.Fatalf("expected only one capture call, got %d", stripeClient.captureCalls)
	}
}

func TestReleaseEscrow_RejectsNonParticipant(t *testing.T) {
	repo := newMemoryRepo()
	stripeClient := &stripeStub{}
	svc := newTestService(repo, stripeClient, &paystackStub{})

	resp, err := svc.CreatePaymentIntent(context.Background(), domain.CreatePaymentIntentRequest{
		Amount: 10_000, Currency: "usd", BuyerID: uuid.New(), SellerID: uuid.New(),
	})
	if err != nil {
		t.Fatalf("setup failed: %v", err)
	}

	err = svc.ReleaseEscrow(context.Background(), resp.PaymentIntentID, uuid.New())
	if !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("expected ErrNotParticipant, got %v", err)
	}
	if stripeClient.captureCalls != 0 {
		t.Fatal("expected no capture call for a non-participant")
	}
}

func TestCancelEscrow_VoidsUncapturedHold(t *testing.T) {
	repo := newMemoryRepo()
	stripeClient := &stripeStub{}
	svc := newTestService(repo, stripeClient, &paystackStub{})

	buyerID := uuid.New()
	resp, err := svc.CreatePaymentIntent(context.Background(), domain.CreatePaymentIntentRequest{
		Amount: 10_000, Currency: "usd", BuyerID: buyerID, SellerID: uuid.New(),
	})
	if err != nil {
		t.Fatalf("setup failed: %v", err)
	}

	outcome, err := svc.CancelEscrow(context.Background(), resp.PaymentIntentID, buyerID, "changed my mind")
	if err != nil {
		t.Fatalf("CancelEscrow returned error: %v", err)
	}
	if outcome != domain.EscrowStatusCancelled {
		t.Fatalf("expected cancelled outcome, got %s", outcome)
	}
	if stripeClient.cancelCalls != 1 || stripeClient.refundCalls != 0 {
		t.Fatalf("expected a void and no refund, got cancel=%d refund=%d", stripeClient.cancelCalls, stripeClient.refundCalls)
	}
	escrow := repo.escrows[resp.PaymentIntentID]
	if escrow.Status != domain.EscrowStatusCancelled {
		t.Fatalf("expected escrow cancelled, got %s", escrow.Status)
	}
	if escrow.CancelRequestBy == nil || *escrow.CancelRequestBy != domain.CancelRequestByBuyer {
		t.Fatalf("expected cancel_request_by=buyer, got %v", escrow.CancelRequestBy)
	}
}

func TestCancelEscrow_RefundsCapturedCharge(t *testing.T) {
	repo := newMemoryRepo()
	paystackClient := &paystackStub{verifyStatus: "success", verifyAmount: 200_000,
		verifyMetadata: map[string]any{"buyer_id": uuid.New(), "seller_id": uuid.New()}}
	svc := newTestService(repo, &stripeStub{}, paystackClient)

	if err := svc.HandleChargeSuccess(context.Background(), "ref_charge_1"); err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	buyerID := repo.payments["ref_charge_1"].BuyerID

	outcome, err := svc.CancelEscrow(context.Background(), "ref_charge_1", buyerID, "account not delivered")
	if err != nil {
		t.Fatalf("CancelEscrow returned error: %v", err)
	}
	if outcome != domain.EscrowStatusRefunded {
		t.Fatalf("expected refunded outcome, got %s", outcome)
	}
	if paystackClient.refundCalls != 1 {
		t.Fatalf("expected one Paystack refund call, got %d", paystackClient.refundCalls)
	}
	if got := repo.payments["ref_charge_1"].Status; got != domain.PaymentStatusRefunded {
		t.Fatalf("expected payment refunded, got %s", got)
	}
}

func TestCancelEscrow_RejectsRefundAfterSellerPayout(t *testing.T) {
	repo := newMemoryRepo()
	paystackClient := &paystackStub{transferStatus: "success"}
	svc := newTestService(repo, &stripeStub{}, paystackClient)

	sellerID := uuid.New()
	ref := seedConfirmedEscrow(t, repo, sellerID)
	seedRecipient(repo, sellerID)

	if _, err := svc.ProcessWithdrawal(context.Background(), domain.WithdrawRequest{
		EscrowReference: ref, UserID: sellerID,
	}); err != nil {
		t.Fatalf("setup failed: %v", err)
	}

	buyerID := repo.payments[ref].BuyerID
	_, err := svc.CancelEscrow(context.Background(), ref, buyerID, "want my money back")
	if !errors.Is(err, ErrInvalidStateTransition) {
		t.Fatalf("expected ErrInvalidStateTransition after payout, got %v", err)
	}
	if paystackClient.refundCalls != 0 {
		t.Fatalf("expected no refund call after payout, got %d", paystackClient.refundCalls)
	}
	escrow := repo.escrows[ref]
	if escrow.Status != domain.EscrowStatusReleased || !escrow.SellerWithdrawn {
		t.Fatalf("expected escrow to stay released with seller_withdrawn, got %s/%t", escrow.Status, escrow.SellerWithdrawn)
	}
	if got := repo.payments[ref].Status; got != domain.PaymentStatusSucceeded {
		t.Fatalf("expected payment to stay succeeded, got %s", got)
	}
}

func TestApplyChargeEvent_LateRefundLeavesReleasedEscrow(t *testing.T) {
	repo := newMemoryRepo()
	paystackClient := &paystackStub{transferStatus: "success"}
	svc := newTestService(repo, &stripeStub{}, paystackClient)

	sellerID := uuid.New()
	ref := seedConfirmedEscrow(t, repo, sellerID)
	seedRecipient(repo, sellerID)

	if _, err := svc.ProcessWithdrawal(context.Background(), domain.WithdrawRequest{
		EscrowReference: ref, UserID: sellerID,
	}); err != nil {
		t.Fatalf("setup failed: %v", err)
	}

	err := svc.ApplyChargeEvent(context.Background(), domain.NormalizedEvent{
		Kind: domain.EventChargeRefunded, Reference: ref, Status: "processed",
	})
	if err != nil {
		t.Fatalf("ApplyChargeEvent returned error: %v", err)
	}
	escrow := repo.escrows[ref]
	if escrow.Status != domain.EscrowStatusReleased || !escrow.SellerWithdrawn {
		t.Fatalf("expected released escrow untouched by late refund, got %s/%t", escrow.Status, escrow.SellerWithdrawn)
	}
}

func TestHandleChargeSuccess_ReplayConverges(t *testing.T) {
	repo := newMemoryRepo()
	paystackClient := &paystackStub{verifyStatus: "success", verifyAmount: 150_000,
		verifyMetadata: map[string]any{"buyer_id": uuid.New(), "seller_id": uuid.New()}}
	svc := newTestService(repo, &stripeStub{}, paystackClient)

	if err := svc.HandleChargeSuccess(context.Background(), "ref_replay"); err != nil {
		t.Fatalf("first delivery failed: %v", err)
	}
	if err := svc.HandleChargeSuccess(context.Background(), "ref_replay"); err != nil {
		t.Fatalf("expected replayed delivery to converge, got %v", err)
	}
	if len(repo.escrows) != 1 {
		t.Fatalf("expected exactly one escrow, got %d", len(repo.escrows))
	}
	escrow := repo.escrows["ref_replay"]
	if escrow.Status != domain.EscrowStatusAwaitingFeedback {
		t.Fatalf("expected awaiting_feedback, got %s", escrow.Status)
	}
	// 150,000 NGN is at/above the tier threshold: 10% platform cut.
	if escrow.Amount != 135_000 {
		t.Fatalf("expected 135000 net, got %d", escrow.Amount)
	}
}

func TestHandleChargeSuccess_UnverifiedChargeRejected(t *testing.T) {
	repo := newMemoryRepo()
	paystackClient := &paystackStub{verifyStatus: "abandoned", verifyAmount: 10_000}
	svc := newTestService(repo, &stripeStub{}, paystackClient)

	err := svc.HandleChargeSuccess(context.Background(), "ref_forged")
	if !errors.Is(err, ErrChargeNotVerified) {
		t.Fatalf("expected ErrChargeNotVerified, got %v", err)
	}
	if len(repo.escrows) != 0 {
		t.Fatal("expected no escrow for an unverified charge")
	}
}

func TestConfirmReceipt_ConcernsRouteToHolding(t *testing.T) {
	repo := newMemoryRepo()
	buyerID := uuid.New()
	paystackClient := &paystackStub{verifyStatus: "success", verifyAmount: 80_000,
		verifyMetadata: map[string]any{"buyer_id": buyerID, "seller_id": uuid.New()}}
	svc := newTestService(repo, &stripeStub{}, paystackClient)

	if err := svc.HandleChargeSuccess(context.Background(), "ref_concerns"); err != nil {
		t.Fatalf("setup failed: %v", err)
	}

	status, err := svc.ConfirmReceipt(context.Background(), domain.ConfirmReceiptRequest{
		EscrowReference: "ref_concerns",
		UserID:          buyerID,
		Concerns:        "login credentials were changed after handover",
	})
	if err != nil {
		t.Fatalf("ConfirmReceipt returned error: %v", err)
	}
	if status != domain.EscrowStatusHolding {
		t.Fatalf("expected holding, got %s", status)
	}
	if repo.escrows["ref_concerns"].AdminNotes == "" {
		t.Fatal("expected the buyer's concerns recorded as admin notes")
	}
}

func TestConfirmReceipt_CleanConfirmationAdvances(t *testing.T) {
	repo := newMemoryRepo()
	buyerID := uuid.New()
	paystackClient := &paystackStub{verifyStatus: "success", verifyAmount: 80_000,
		verifyMetadata: map[string]any{"buyer_id": buyerID, "seller_id": uuid.New()}}
	svc := newTestService(repo, &stripeStub{}, paystackClient)

	if err := svc.HandleChargeSuccess(context.Background(), "ref_confirm"); err != nil {
		t.Fatalf("setup failed: %v", err)
	}

	status, err := svc.ConfirmReceipt(context.Background(), domain.ConfirmReceiptRequest{
		EscrowReference: "ref_confirm",
		UserID:          buyerID,
	})
	if err != nil {
		t.Fatalf("ConfirmReceipt returned error: %v", err)
	}
	if status != domain.EscrowStatusBuyerConfirmed {
		t.Fatalf("expected buyer_confirmed, got %s", status)
	}

	// Repeated confirmation is a no-op, not an error.
	status, err = svc.ConfirmReceipt(context.Background(), domain.ConfirmReceiptRequest{
		EscrowReference: "ref_confirm",
		UserID:          buyerID,
	})
	if err != nil {
		t.Fatalf("repeated ConfirmReceipt returned error: %v", err)
	}
	if status != domain.EscrowStatusBuyerConfirmed {
		t.Fatalf("expected repeated confirmation to stay buyer_confirmed, got %s", status)
	}
}

func TestConfirmReceipt_StripeConcernsParkWithoutCapture(t *testing.T) {
	repo := newMemoryRepo()
	stripeClient := &stripeStub{}
	svc := newTestService(repo, stripeClient, &paystackStub{})

	buyerID := uuid.New()
	resp, err := svc.CreatePaymentIntent(context.Background(), domain.CreatePaymentIntentRequest{
		Amount: 10_000, Currency: "usd", BuyerID: buyerID, SellerID: uuid.New(),
	})
	if err != nil {
		t.Fatalf("setup failed: %v", err)
	}

	status, err := svc.ConfirmReceipt(context.Background(), domain.ConfirmReceiptRequest{
		EscrowReference: resp.PaymentIntentID,
		UserID:          buyerID,
		Concerns:        "account recovery email still points at the seller",
	})
	if err != nil {
		t.Fatalf("ConfirmReceipt returned error: %v", err)
	}
	if status != domain.EscrowStatusHolding {
		t.Fatalf("expected holding, got %s", status)
	}
	if stripeClient.captureCalls != 0 {
		t.Fatalf("expected no capture while concerns are open, got %d calls", stripeClient.captureCalls)
	}
	if got := repo.payments[resp.PaymentIntentID].Status; got != domain.PaymentStatusRequiresCapture {
		t.Fatalf("expected hold to remain uncaptured, got %s", got)
	}
}

func TestConfirmReceipt_StripeHoldDelegatesToCapture(t *testing.T) {
	repo := newMemoryRepo()
	stripeClient := &stripeStub{}
	svc := newTestService(repo, stripeClient, &paystackStub{})

	buyerID := uuid.New()
	resp, err := svc.CreatePaymentIntent(context.Background(), domain.CreatePaymentIntentRequest{
		Amount: 10_000, Currency: "usd", BuyerID: buyerID, SellerID: uuid.New(),
	})
	if err != nil {
		t.Fatalf("setup failed: %v", err)
	}

	status, err := svc.ConfirmReceipt(context.Background(), domain.ConfirmReceiptRequest{
		EscrowReference: resp.PaymentIntentID,
		UserID:          buyerID,
	})
	if err != nil {
		t.Fatalf("ConfirmReceipt returned error: %v", err)
	}
	if status != domain.EscrowStatusReleased {
		t.Fatalf("expected released, got %s", status)
	}
	if stripeClient.captureCalls != 1 {
		t.Fatalf("expected confirmation to capture the hold, got %d calls", stripeClient.captureCalls)
	}
}

func TestResolveHold_ConfirmAndDispute(t *testing.T) {
	repo := newMemoryRepo()
	buyerID := uuid.New()
	paystackClient := &paystackStub{verifyStatus: "success", verifyAmount: 80_000,
		verifyMetadata: map[string]any{"buyer_id": buyerID, "seller_id": uuid.New()}}
	svc := newTestService(repo, &stripeStub{}, paystackClient)

	for i, tc := range []struct {
		resolution string
		want       string
	}{
		{domain.HoldResolutionConfirm, domain.EscrowStatusBuyerConfirmed},
		{domain.HoldResolutionDispute, domain.EscrowStatusDisputed},
	} {
		ref := fmt.Sprintf("ref_hold_%d", i)
		if err := svc.HandleChargeSuccess(context.Background(), ref); err != nil {
			t.Fatalf("setup failed: %v", err)
		}
		if _, err := svc.ConfirmReceipt(context.Background(), domain.ConfirmReceiptRequest{
			EscrowReference: ref, UserID: buyerID, Concerns: "needs review",
		}); err != nil {
			t.Fatalf("setup failed: %v", err)
		}

		status, err := svc.ResolveHold(context.Background(), ref, tc.resolution, "reviewed")
		if err != nil {
			t.Fatalf("ResolveHold(%s) returned error: %v", tc.resolution, err)
		}
		if status != tc.want {
			t.Fatalf("expected %s, got %s", tc.want, status)
		}
	}
}

func TestAutoReleaseDue_SweepsLapsedEscrows(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, &stripeStub{}, &paystackStub{})

	past := time.Now().UTC().Add(-time.Hour)
	future := time.Now().UTC().Add(time.Hour)
	repo.escrows["ref_due"] = &domain.Escrow{
		Reference: "ref_due", BuyerID: uuid.New(), SellerID: uuid.New(),
		Status: domain.EscrowStatusAwaitingFeedback, AutoReleaseAt: &past,
	}
	repo.escrows["ref_not_due"] = &domain.Escrow{
		Reference: "ref_not_due", BuyerID: uuid.New(), SellerID: uuid.New(),
		Status: domain.EscrowStatusAwaitingFeedback, AutoReleaseAt: &future,
	}

	released, err := svc.AutoReleaseDue(context.Background())
	if err != nil {
		t.Fatalf("AutoReleaseDue returned error: %v", err)
	}
	if released != 1 {
		t.Fatalf("expected 1 escrow released, got %d", released)
	}
	if got := repo.escrows["ref_due"].Status; got != domain.EscrowStatusBuyerConfirmed {
		t.Fatalf("expected lapsed escrow in buyer_confirmed, got %s", got)
	}
	if got := repo.escrows["ref_not_due"].Status; got != domain.EscrowStatusAwaitingFeedback {
		t.Fatalf("expected undue escrow untouched, got %s", got)
	}
}

func TestApplyChargeEvent_StaleEventNoOps(t *testing.T) {
	repo := newMemoryRepo()
	stripeClient := &stripeStub{}
	svc := newTestService(repo, stripeClient, &paystackStub{})

	buyerID := uuid.New()
	resp, err := svc.CreatePaymentIntent(context.Background(), domain.CreatePaymentIntentRequest{
		Amount: 10_000, Currency: "usd", BuyerID: buyerID, SellerID: uuid.New(),
	})
	if err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	if err := svc.ReleaseEscrow(context.Background(), resp.PaymentIntentID, buyerID); err != nil {
		t.Fatalf("setup failed: %v", err)
	}

	// A late cancellation event for an already-captured payment must change nothing.
	err = svc.ApplyChargeEvent(context.Background(), domain.NormalizedEvent{
		Kind: domain.EventChargeCancelled, Reference: resp.PaymentIntentID,
	})
	if err != nil {
		t.Fatalf("ApplyChargeEvent returned error: %v", err)
	}
	if got := repo.payments[resp.PaymentIntentID].Status; got != domain.PaymentStatusSucceeded {
		t.Fatalf("expected payment to remain succeeded, got %s", got)
	}
	if got := repo.escrows[resp.PaymentIntentID].Status; got != domain.EscrowStatusReleased {
		t.Fatalf("expected escrow to remain released, got %s", got)
	}
}

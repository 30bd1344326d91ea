/**
 * @description
 * This file defines the core domain models for the escrow service: the Payment,
 * Escrow and Withdrawal records that drive the buyer/seller lifecycle, plus the
 * BankRecipient details a seller must register before a payout can be attempted.
 *
 * @notes
 * - A Payment and its Escrow share the processor-assigned reference as their key
 *   (Stripe PaymentIntent id or Paystack transaction reference), so webhook
 *   redeliveries always converge on the same pair of records.
 * - Amounts are stored as `int64` in the smallest currency unit (kobo/cents),
 *   which avoids floating-point inaccuracies with financial data.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// PaymentMethod identifies which processor holds the buyer's funds.
const (
	MethodStripe   = "stripe"
	MethodPaystack = "paystack"
)

// Payment statuses. A payment only ever advances forward; the single
// permitted regression target is `failed`.
const (
	PaymentStatusPendingVerification = "pending_verification"
	PaymentStatusRequiresCapture     = "requires_capture"
	PaymentStatusSucceeded           = "succeeded"
	PaymentStatusFailed              = "failed"
	PaymentStatusCancelled           = "cancelled"
	PaymentStatusRefunded            = "refunded"
)

// Escrow statuses, the states of the §release lifecycle. `released` is terminal.
const (
	EscrowStatusPendingVerification = "pending_verification"
	EscrowStatusAwaitingFeedback    = "awaiting_feedback"
	EscrowStatusHolding             = "holding"
	EscrowStatusBuyerConfirmed      = "buyer_confirmed"
	EscrowStatusReleased            = "released"
	EscrowStatusDisputed            = "disputed"
	EscrowStatusRefunded            = "refunded"
	EscrowStatusCancelled           = "cancelled"
	EscrowStatusFailed              = "failed"
)

// Withdrawal statuses. The transfer webhook is the source of truth for the
// final state; the synchronous API response may only pre-empt it with `paid`.
const (
	WithdrawalStatusPending = "pending"
	WithdrawalStatusPaid    = "paid"
	WithdrawalStatusFailed  = "failed"
)

// Cancellation requesters recorded on an escrow.
const (
	CancelRequestByBuyer  = "buyer"
	CancelRequestBySeller = "seller"
	CancelRequestByAdmin  = "admin"
)

// Admin resolutions for an escrow sitting in `holding`.
const (
	HoldResolutionConfirm = "confirm"
	HoldResolutionDispute = "dispute"
)

// Payment is the record of one buyer checkout attempt. The Reference is the
// processor-assigned id and doubles as the record key. Amount and Currency are
// immutable after creation.
type Payment struct {
	Reference       string     `json:"reference"`
	BuyerID         uuid.UUID  `json:"buyer_id"`
	SellerID        uuid.UUID  `json:"seller_id"`
	AccountID       string     `json:"account_id"`
	ItemDescription string     `json:"item_description"`
	Amount          int64      `json:"amount"` // gross, in minor units
	Currency        string     `json:"currency"`
	Method          string     `json:"method"` // 'stripe' | 'paystack'
	Status          string     `json:"status"`
	FailureReason   *string    `json:"failure_reason,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	PaidAt          *time.Time `json:"paid_at,omitempty"`
}

// Escrow drives the buyer/seller interaction for exactly one Payment. Its
// Reference equals the Payment's. Amount is the net amount after the platform
// cut, computed once at creation and never recomputed.
type Escrow struct {
	Reference                   string     `json:"reference"`
	BuyerID                     uuid.UUID  `json:"buyer_id"`
	SellerID                    uuid.UUID  `json:"seller_id"`
	Amount                      int64      `json:"amount"` // net, in minor units
	Currency                    string     `json:"currency"`
	Status                      string     `json:"status"`
	BuyerConfirmed              bool       `json:"buyer_confirmed"`
	SellerWithdrawn             bool       `json:"seller_withdrawn"`
	AutoReleaseAt               *time.Time `json:"auto_release_at,omitempty"`
	CancelRequestBy             *string    `json:"cancel_request_by,omitempty"`
	CancellationReviewedByAdmin bool       `json:"cancellation_reviewed_by_admin"`
	AdminNotes                  string     `json:"admin_notes,omitempty"`
	CreatedAt                   time.Time  `json:"created_at"`
	UpdatedAt                   time.Time  `json:"updated_at"`
}

// Withdrawal is one payout attempt against an escrow. At most one withdrawal
// per escrow ever reaches `paid`.
type Withdrawal struct {
	ID                uuid.UUID  `json:"id"`
	EscrowReference   string     `json:"escrow_reference"`
	SellerID          uuid.UUID  `json:"seller_id"`
	TransferReference string     `json:"transfer_reference"`
	Status            string     `json:"status"`
	PaymentRef        *string    `json:"payment_ref,omitempty"` // processor transfer code
	Notes             *string    `json:"notes,omitempty"`
	ProcessedAt       *time.Time `json:"processed_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
}

// BankRecipient holds a seller's payout destination and the processor-side
// recipient handle created for it. Required before any withdrawal.
type BankRecipient struct {
	UserID                 uuid.UUID `json:"user_id"`
	FullName               string    `json:"full_name"`
	BankAccountNumber      string    `json:"bank_account_number"`
	BankCode               string    `json:"bank_code"`
	ProcessorRecipientCode string    `json:"processor_recipient_code"`
	CreatedAt              time.Time `json:"created_at"`
	UpdatedAt              time.Time `json:"updated_at"`
}

// CreatePaymentIntentRequest is the DTO for starting a Stripe escrow hold.
type CreatePaymentIntentRequest struct {
	Amount          int64     `json:"amount"` // in minor units
	Currency        string    `json:"currency"`
	BuyerID         uuid.UUID `json:"buyerId"`
	SellerID        uuid.UUID `json:"sellerId"`
	AccountID       string    `json:"accountId"`
	ItemDescription string    `json:"description"`
}

// CreatePaymentIntentResponse mirrors what the checkout frontend needs to
// finish the card flow.
type CreatePaymentIntentResponse struct {
	PaymentIntentID string `json:"paymentIntentId"`
	ClientSecret    string `json:"clientSecret"`
}

// ConfirmReceiptRequest is the buyer's confirmation that the purchased
// account was delivered. Concerns, when present, route the escrow to the
// `holding` state for admin review instead of `buyer_confirmed`.
type ConfirmReceiptRequest struct {
	EscrowReference string    `json:"escrowId"`
	UserID          uuid.UUID `json:"userId"`
	Concerns        string    `json:"concerns,omitempty"`
}

// BankDetailsRequest registers a seller's payout account.
type BankDetailsRequest struct {
	FullName          string    `json:"fullName"`
	BankAccountNumber string    `json:"bankAccountNumber"`
	BankCode          string    `json:"bankCode"`
	UserID            uuid.UUID `json:"userId"`
}

// WithdrawRequest asks for the seller's share of a confirmed escrow.
type WithdrawRequest struct {
	EscrowReference string    `json:"escrowId"`
	UserID          uuid.UUID `json:"userId"`
}

// PaymentStatusView is the read model returned by GET /api/payment/{id}.
type PaymentStatusView struct {
	ID            string    `json:"id"`
	Status        string    `json:"status"`
	EscrowStatus  string    `json:"escrowStatus"`
	Amount        int64     `json:"amount"`
	Currency      string    `json:"currency"`
	PaymentMethod string    `json:"paymentMethod"`
	Created       time.Time `json:"created"`
}

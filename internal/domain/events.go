/**
 * @description
 * Event types crossing the service boundary: the normalized form of verified
 * processor webhooks, and the payloads published to RabbitMQ for the
 * notification worker.
 *
 * @notes
 * - Webhook payloads from the two processors are loosely typed and differently
 *   shaped. They are normalized into NormalizedEvent at the verification
 *   boundary so the ledger never branches on provider identity.
 */

package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Normalized event kinds, provider-neutral.
const (
	EventChargeSucceeded  = "charge.succeeded"
	EventChargeFailed     = "charge.failed"
	EventChargeCancelled  = "charge.cancelled"
	EventChargeRefunded   = "charge.refunded"
	EventTransferSuccess  = "transfer.success"
	EventTransferFailed   = "transfer.failed"
	EventTransferReversed = "transfer.reversed"
)

// NormalizedEvent is the provider-neutral form of a verified webhook event.
// Reference is the processor id of the underlying payment or transfer and is
// the idempotency key for every handler downstream.
type NormalizedEvent struct {
	Kind      string          `json:"kind"`
	Reference string          `json:"reference"`
	Status    string          `json:"status"`
	Raw       json.RawMessage `json:"raw"`
}

// PaystackWebhookEvent is the envelope Paystack posts to the webhook endpoint.
type PaystackWebhookEvent struct {
	Event string `json:"event"`
	Data  struct {
		ID          int64  `json:"id"`
		Reference   string `json:"reference"`
		Status      string `json:"status"`
		Amount      int64  `json:"amount"`
		Currency    string `json:"currency"`
		Reason      string `json:"reason"`
		TransferRef string `json:"transfer_code"`
	} `json:"data"`
}

// EscrowNotification is published to the notification exchange on every
// escrow state transition. The email worker consumes it; delivery is
// at-least-once and decoupled from the ledger.
type EscrowNotification struct {
	Reference  string    `json:"reference"`
	BuyerID    uuid.UUID `json:"buyer_id"`
	SellerID   uuid.UUID `json:"seller_id"`
	Status     string    `json:"status"`
	PrevStatus string    `json:"prev_status"`
	Amount     int64     `json:"amount"`
	Currency   string    `json:"currency"`
	Reason     string    `json:"reason,omitempty"`
	Link       string    `json:"link,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// WithdrawalNotification is published when a payout settles or fails.
type WithdrawalNotification struct {
	EscrowReference   string    `json:"escrow_reference"`
	SellerID          uuid.UUID `json:"seller_id"`
	TransferReference string    `json:"transfer_reference"`
	Status            string    `json:"status"`
	Amount            int64     `json:"amount"`
	Reason            string    `json:"reason,omitempty"`
	OccurredAt        time.Time `json:"occurred_at"`
}

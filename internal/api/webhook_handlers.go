/**
 * @description
 * This file contains the HTTP handlers for processing incoming webhooks from
 * the two payment processors. They are the entry point for every asynchronous
 * settlement signal the ledger reconciles against.
 *
 * Key features:
 * - Security: Stripe deliveries go through the SDK's timestamped signature
 *   check; Paystack deliveries are verified with HMAC-SHA512 over the raw
 *   body, compared in constant time. Nothing touches the payload before its
 *   signature is verified.
 * - Dedup: verified events pass a Redis seen-marker before reaching the
 *   ledger; the ledger's guarded updates remain the real idempotency layer.
 *   A failed delivery releases its marker so the processor's retry is
 *   processed rather than ignored as a duplicate.
 * - Acknowledgement: events the ledger cannot apply because the record has
 *   already moved on are acknowledged with 200 so the processor stops
 *   redelivering them.
 *
 * @dependencies
 * - crypto/hmac, crypto/sha512, encoding/hex: For Paystack signature validation.
 * - github.com/stripe/stripe-go/v79: Stripe event types.
 * - The service's internal packages for the ledger and domain models.
 */

package api

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"

	stripe "github.com/stripe/stripe-go/v79"

	"github.com/popcorn150/GHOST-sub000/internal/app"
	"github.com/popcorn150/GHOST-sub000/internal/domain"
)

// StripeWebhookVerifier verifies a Stripe delivery's signature and
// deserializes the event.
type StripeWebhookVerifier interface {
	ConstructWebhookEvent(payload []byte, signatureHeader string) (stripe.Event, error)
}

// EventDeduper claims webhook event ids so redeliveries can short-circuit.
// Forget releases a claim when processing fails, so the processor's retry
// still reaches the ledger.
type EventDeduper interface {
	MarkSeen(ctx context.Context, provider, eventID string) bool
	Forget(ctx context.Context, provider, eventID string)
}

// WebhookHandlers processes incoming webhooks from Stripe and Paystack.
type WebhookHandlers struct {
	service        *app.Service
	stripeVerifier StripeWebhookVerifier
	paystackSecret string
	deduper        EventDeduper
}

// NewWebhookHandlers creates a new handler set for the webhook endpoints.
func NewWebhookHandlers(service *app.Service, stripeVerifier StripeWebhookVerifier, paystackSecret string, deduper EventDeduper) *WebhookHandlers {
	return &WebhookHandlers{
		service:        service,
		stripeVerifier: stripeVerifier,
		paystackSecret: paystackSecret,
		deduper:        deduper,
	}
}

// StripeWebhookHandler handles POST /api/webhook.
func (h *WebhookHandlers) StripeWebhookHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "Cannot read request body", http.StatusBadRequest)
		return
	}

	event, err := h.stripeVerifier.ConstructWebhookEvent(body, r.Header.Get("Stripe-Signature"))
	if err != nil {
		log.Printf("level=warn component=webhook provider=stripe outcome=reject reason=bad_signature err=%v", err)
		http.Error(w, "Invalid signature", http.StatusBadRequest)
		return
	}

	if h.deduper != nil && !h.deduper.MarkSeen(r.Context(), "stripe", event.ID) {
		log.Printf("level=info component=webhook provider=stripe event_id=%s msg=\"duplicate delivery ignored\"", event.ID)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("Duplicate event ignored"))
		return
	}

	normalized, ok := normalizeStripeEvent(event)
	if !ok {
		log.Printf("level=info component=webhook provider=stripe event_id=%s type=%s msg=\"unhandled event type\"", event.ID, event.Type)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("Webhook received"))
		return
	}

	log.Printf("level=info component=webhook provider=stripe event_id=%s type=%s reference=%s", event.ID, event.Type, normalized.Reference)
	if err := h.service.ApplyChargeEvent(r.Context(), normalized); err != nil {
		log.Printf("level=error component=webhook provider=stripe event_id=%s reference=%s err=%v", event.ID, normalized.Reference, err)
		// Release the dedup claim so the retry Stripe sends after this 500
		// is not swallowed as a duplicate.
		if h.deduper != nil {
			h.deduper.Forget(r.Context(), "stripe", event.ID)
		}
		http.Error(w, "Internal server error during event processing", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Webhook received"))
}

// normalizeStripeEvent maps the Stripe event types the ledger cares about onto
// provider-neutral events keyed by the PaymentIntent id.
func normalizeStripeEvent(event stripe.Event) (domain.NormalizedEvent, bool) {
	var kind string
	switch event.Type {
	case "payment_intent.succeeded":
		kind = domain.EventChargeSucceeded
	case "payment_intent.payment_failed":
		kind = domain.EventChargeFailed
	case "payment_intent.canceled":
		kind = domain.EventChargeCancelled
	case "charge.refunded":
		kind = domain.EventChargeRefunded
	default:
		return domain.NormalizedEvent{}, false
	}

	var object struct {
		ID            string `json:"id"`
		Status        string `json:"status"`
		PaymentIntent string `json:"payment_intent"`
	}
	if err := json.Unmarshal(event.Data.Raw, &object); err != nil {
		return domain.NormalizedEvent{}, false
	}

	reference := object.ID
	if event.Type == "charge.refunded" {
		reference = object.PaymentIntent
	}
	if reference == "" {
		return domain.NormalizedEvent{}, false
	}

	return domain.NormalizedEvent{
		Kind:      kind,
		Reference: reference,
		Status:    object.Status,
		Raw:       event.Data.Raw,
	}, true
}

// PaystackWebhookHandler handles POST /api/webhook/paystack.
func (h *WebhookHandlers) PaystackWebhookHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "Cannot read request body", http.StatusBadRequest)
		return
	}

	if !h.isValidPaystackSignature(r.Header.Get("x-paystack-signature"), body) {
		log.Printf("level=warn component=webhook provider=paystack outcome=reject reason=bad_signature")
		http.Error(w, "Invalid signature", http.StatusForbidden)
		return
	}

	var event domain.PaystackWebhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		http.Error(w, "Invalid JSON payload", http.StatusBadRequest)
		return
	}
	if event.Event == "" || event.Data.Reference == "" {
		http.Error(w, "Missing event or reference", http.StatusBadRequest)
		return
	}

	// Paystack sends no event id, so the dedup key is event type + reference.
	dedupKey := fmt.Sprintf("%s:%s", event.Event, event.Data.Reference)
	if h.deduper != nil && !h.deduper.MarkSeen(r.Context(), "paystack", dedupKey) {
		log.Printf("level=info component=webhook provider=paystack event=%s reference=%s msg=\"duplicate delivery ignored\"", event.Event, event.Data.Reference)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("Duplicate event ignored"))
		return
	}

	log.Printf("level=info component=webhook provider=paystack event=%s reference=%s", event.Event, event.Data.Reference)

	switch event.Event {
	case "charge.success":
		err = h.service.HandleChargeSuccess(r.Context(), event.Data.Reference)
	case "transfer.success":
		err = h.service.ReconcileTransfer(r.Context(), domain.NormalizedEvent{
			Kind:      domain.EventTransferSuccess,
			Reference: event.Data.Reference,
			Status:    event.Data.Status,
			Raw:       body,
		})
	case "transfer.failed":
		err = h.service.ReconcileTransfer(r.Context(), domain.NormalizedEvent{
			Kind:      domain.EventTransferFailed,
			Reference: event.Data.Reference,
			Status:    event.Data.Reason,
			Raw:       body,
		})
	case "transfer.reversed":
		err = h.service.ReconcileTransfer(r.Context(), domain.NormalizedEvent{
			Kind:      domain.EventTransferReversed,
			Reference: event.Data.Reference,
			Status:    event.Data.Reason,
			Raw:       body,
		})
	case "refund.processed":
		err = h.service.ApplyChargeEvent(r.Context(), domain.NormalizedEvent{
			Kind:      domain.EventChargeRefunded,
			Reference: event.Data.Reference,
			Status:    event.Data.Status,
			Raw:       body,
		})
	default:
		log.Printf("level=info component=webhook provider=paystack event=%s msg=\"unhandled event type\"", event.Event)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("Webhook received"))
		return
	}

	if err != nil {
		log.Printf("level=error component=webhook provider=paystack event=%s reference=%s err=%v", event.Event, event.Data.Reference, err)
		// Release the dedup claim so Paystack's retry after this 500 is not
		// swallowed as a duplicate.
		if h.deduper != nil {
			h.deduper.Forget(r.Context(), "paystack", dedupKey)
		}
		http.Error(w, "Internal server error during event processing", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Webhook received"))
}

// isValidPaystackSignature checks the hex-encoded HMAC-SHA512 of the raw body
// against the x-paystack-signature header in constant time.
func (h *WebhookHandlers) isValidPaystackSignature(signatureHeader string, body []byte) bool {
	if h.paystackSecret == "" {
		log.Println("Warning: PAYSTACK_WEBHOOK_SECRET is not set. Rejecting webhook.")
		return false
	}
	if signatureHeader == "" {
		return false
	}

	mac := hmac.New(sha512.New, []byte(h.paystackSecret))
	mac.Write(body)
	expected := mac.Sum(nil)

	provided, err := hex.DecodeString(signatureHeader)
	if err != nil {
		return false
	}
	return hmac.Equal(provided, expected)
}

/**
 * @description
 * This package wraps the official Stripe SDK for the manual-capture side of the
 * escrow lifecycle: creating an authorization that holds the buyer's funds
 * without capturing them, capturing it when the escrow releases, voiding it on
 * cancellation, refunding captured charges, and verifying webhook signatures.
 *
 * @dependencies
 * - github.com/stripe/stripe-go/v79: The official Stripe Go SDK.
 */
package stripeclient

import (
	"context"
	"fmt"

	stripe "github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/client"
	"github.com/stripe/stripe-go/v79/webhook"
)

// Client wraps the Stripe SDK client with the escrow-specific calls.
type Client struct {
	api           *client.API
	webhookSecret string
}

// NewClient creates a new Stripe client.
func NewClient(secretKey, webhookSecret string) *Client {
	api := &client.API{}
	api.Init(secretKey, nil)
	return &Client{api: api, webhookSecret: webhookSecret}
}

// CreateEscrowHold creates a manual-capture PaymentIntent tagged as an escrow
// hold. Funds are authorized but not moved until an explicit capture.
func (c *Client) CreateEscrowHold(ctx context.Context, amount int64, currency, description string) (*stripe.PaymentIntent, error) {
	params := &stripe.PaymentIntentParams{
		Params:        stripe.Params{Context: ctx},
		Amount:        stripe.Int64(amount),
		Currency:      stripe.String(currency),
		Description:   stripe.String(description),
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.AddMetadata("escrow", "true")
	params.AddMetadata("release_status", "pending")

	pi, err := c.api.PaymentIntents.New(params)
	if err != nil {
		return nil, fmt.Errorf("stripe create payment intent: %w", err)
	}
	return pi, nil
}

// CapturePaymentIntent captures a previously authorized hold, moving the funds.
func (c *Client) CapturePaymentIntent(ctx context.Context, paymentIntentID string) (*stripe.PaymentIntent, error) {
	params := &stripe.PaymentIntentCaptureParams{
		Params: stripe.Params{Context: ctx},
	}
	pi, err := c.api.PaymentIntents.Capture(paymentIntentID, params)
	if err != nil {
		return nil, fmt.Errorf("stripe capture payment intent: %w", err)
	}
	return pi, nil
}

// CancelPaymentIntent releases an uncaptured hold back to the buyer.
func (c *Client) CancelPaymentIntent(ctx context.Context, paymentIntentID, reason string) (*stripe.PaymentIntent, error) {
	params := &stripe.PaymentIntentCancelParams{
		Params:             stripe.Params{Context: ctx},
		CancellationReason: stripe.String("requested_by_customer"),
	}
	pi, err := c.api.PaymentIntents.Cancel(paymentIntentID, params)
	if err != nil {
		return nil, fmt.Errorf("stripe cancel payment intent: %w", err)
	}
	_ = reason // recorded on the escrow; Stripe only accepts its own enum
	return pi, nil
}

// RefundPaymentIntent reverses a captured charge.
func (c *Client) RefundPaymentIntent(ctx context.Context, paymentIntentID string) (*stripe.Refund, error) {
	params := &stripe.RefundParams{
		Params:        stripe.Params{Context: ctx},
		PaymentIntent: stripe.String(paymentIntentID),
	}
	refund, err := c.api.Refunds.New(params)
	if err != nil {
		return nil, fmt.Errorf("stripe refund: %w", err)
	}
	return refund, nil
}

// ConstructWebhookEvent verifies the timestamped HMAC signature Stripe sends
// with each webhook delivery and deserializes the event. Verification happens
// before anything else touches the payload.
func (c *Client) ConstructWebhookEvent(payload []byte, signatureHeader string) (stripe.Event, error) {
	return webhook.ConstructEvent(payload, signatureHeader, c.webhookSecret)
}

/**
 * @description
 * This package provides a client for the Paystack API, the custodial payment
 * provider. It encapsulates authenticated HTTP requests for the three calls the
 * escrow lifecycle needs: server-side transaction verification, transfer
 * recipient creation, and payout transfer initiation, plus refunds for
 * admin-cancelled purchases.
 *
 * @dependencies
 * - bytes, context, encoding/json, fmt, net/http, time: Standard Go libraries.
 */
package paystackclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"time"
)

const DefaultBaseURL = "https://api.paystack.co"

// Client is a client for the Paystack API.
type Client struct {
	BaseURL    string
	SecretKey  string
	HTTPClient *http.Client
}

// NewClient creates a new Paystack API client.
func NewClient(baseURL, secretKey string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		BaseURL:   baseURL,
		SecretKey: secretKey,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// VerifyTransactionResponse is the envelope returned by the verify endpoint.
type VerifyTransactionResponse struct {
	Status  bool   `json:"status"`
	Message string `json:"message"`
	Data    struct {
		ID        int64           `json:"id"`
		Status    string          `json:"status"` // "success" | "failed" | "abandoned"
		Reference string          `json:"reference"`
		Amount    int64           `json:"amount"` // in kobo
		Currency  string          `json:"currency"`
		PaidAt    string          `json:"paid_at"`
		Customer  struct {
			Email string `json:"email"`
		} `json:"customer"`
		Metadata json.RawMessage `json:"metadata"`
	} `json:"data"`
}

// CreateRecipientRequest is the payload for creating a transfer recipient.
type CreateRecipientRequest struct {
	Type          string `json:"type"` // "nuban"
	Name          string `json:"name"`
	AccountNumber string `json:"account_number"`
	BankCode      string `json:"bank_code"`
	Currency      string `json:"currency"`
}

// CreateRecipientResponse carries the recipient handle needed for transfers.
type CreateRecipientResponse struct {
	Status  bool   `json:"status"`
	Message string `json:"message"`
	Data    struct {
		RecipientCode string `json:"recipient_code"`
		Active        bool   `json:"active"`
	} `json:"data"`
}

// InitiateTransferRequest is the payload for a payout transfer.
type InitiateTransferRequest struct {
	Source    string `json:"source"` // "balance"
	Amount    int64  `json:"amount"` // in kobo
	Recipient string `json:"recipient"`
	Reference string `json:"reference"`
	Reason    string `json:"reason"`
}

// InitiateTransferResponse is the synchronous transfer result. The transfer
// webhook remains the source of truth for final settlement.
type InitiateTransferResponse struct {
	Status  bool   `json:"status"`
	Message string `json:"message"`
	Data    struct {
		TransferCode string `json:"transfer_code"`
		Status       string `json:"status"` // "success" | "pending" | "otp"
		Reference    string `json:"reference"`
		Amount       int64  `json:"amount"`
	} `json:"data"`
}

// RefundResponse is returned when reversing a captured charge.
type RefundResponse struct {
	Status  bool   `json:"status"`
	Message string `json:"message"`
	Data    struct {
		ID     int64  `json:"id"`
		Status string `json:"status"`
	} `json:"data"`
}

// ErrorResponse represents an error from the Paystack API.
type ErrorResponse struct {
	StatusCode int    `json:"-"`
	Status     bool   `json:"status"`
	Message    string `json:"message"`
}

func (e *ErrorResponse) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("paystack api error: %s", e.Message)
	}
	return fmt.Sprintf("paystack api error: status %d", e.StatusCode)
}

// VerifyTransaction re-verifies a charge server-side. Webhook handlers must
// never trust a client-reported status, so this call gates escrow creation.
func (c *Client) VerifyTransaction(ctx context.Context, reference string) (*VerifyTransactionResponse, error) {
	var resp VerifyTransactionResponse
	endpoint := fmt.Sprintf("/transaction/verify/%s", url.PathEscape(reference))
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CreateTransferRecipient registers a seller's bank account with Paystack and
// returns the recipient handle used for payouts.
func (c *Client) CreateTransferRecipient(ctx context.Context, name, accountNumber, bankCode string) (*CreateRecipientResponse, error) {
	req := CreateRecipientRequest{
		Type:          "nuban",
		Name:          name,
		AccountNumber: accountNumber,
		BankCode:      bankCode,
		Currency:      "NGN",
	}
	var resp CreateRecipientResponse
	if err := c.do(ctx, http.MethodPost, "/transferrecipient", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// InitiateTransfer starts a payout to a previously created recipient. The
// reference is caller-generated; Paystack dedupes on it, which makes retries
// of this call safe.
func (c *Client) InitiateTransfer(ctx context.Context, amount int64, recipientCode, reference, reason string) (*InitiateTransferResponse, error) {
	req := InitiateTransferRequest{
		Source:    "balance",
		Amount:    amount,
		Recipient: recipientCode,
		Reference: reference,
		Reason:    reason,
	}
	var resp InitiateTransferResponse
	if err := c.do(ctx, http.MethodPost, "/transfer", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CreateRefund reverses a captured charge identified by its transaction reference.
func (c *Client) CreateRefund(ctx context.Context, transactionReference, reason string) (*RefundResponse, error) {
	req := map[string]string{
		"transaction":   transactionReference,
		"merchant_note": reason,
	}
	var resp RefundResponse
	if err := c.do(ctx, http.MethodPost, "/refund", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// do executes one authenticated request and decodes the response envelope.
func (c *Client) do(ctx context.Context, method, endpoint string, payload, target interface{}) error {
	var bodyReader io.Reader
	if payload != nil {
		body, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal paystack request: %w", err)
		}
		bodyReader = bytes.NewBuffer(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+endpoint, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create paystack request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.SecretKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute paystack request: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read paystack response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errResp := &ErrorResponse{StatusCode: resp.StatusCode}
		if err := json.Unmarshal(bodyBytes, errResp); err != nil {
			log.Printf("level=warn component=paystack_client endpoint=%s status=%d msg=\"non-2xx response (unparsable error body)\"", endpoint, resp.StatusCode)
			return fmt.Errorf("paystack request failed (status %d)", resp.StatusCode)
		}
		log.Printf("level=warn component=paystack_client endpoint=%s status=%d message=%q", endpoint, resp.StatusCode, errResp.Message)
		return errResp
	}

	if err := json.Unmarshal(bodyBytes, target); err != nil {
		return fmt.Errorf("failed to decode paystack response: %w", err)
	}
	return nil
}

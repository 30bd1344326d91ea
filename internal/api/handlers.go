/**
 * @description
 * This file contains the HTTP handlers for the escrow service's API endpoints.
 * Handlers are responsible for parsing incoming requests, calling the
 * appropriate methods on the application service, and writing the HTTP
 * response. They act as the bridge between the web layer and the ledger logic.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - internal/app, internal/domain, internal/store: For service logic, models, and custom errors.
 */

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/popcorn150/GHOST-sub000/internal/app"
	"github.com/popcorn150/GHOST-sub000/internal/domain"
	"github.com/popcorn150/GHOST-sub000/internal/store"
)

// EscrowHandlers holds the application service that handlers will use.
type EscrowHandlers struct {
	service *app.Service
}

// NewEscrowHandlers creates a new instance of EscrowHandlers.
func NewEscrowHandlers(service *app.Service) *EscrowHandlers {
	return &EscrowHandlers{service: service}
}

// CreatePaymentIntentHandler starts a Stripe escrow hold for a purchase.
func (h *EscrowHandlers) CreatePaymentIntentHandler(w http.ResponseWriter, r *http.Request) {
	buyerID, ok := GetAuthUserID(r.Context())
	if !ok {
		http.Error(w, "Could not get user ID from context", http.StatusInternalServerError)
		return
	}

	var req domain.CreatePaymentIntentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Printf("level=warn component=api endpoint=create_payment_intent outcome=reject reason=invalid_json err=%v", err)
		http.Error(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	// The authenticated caller is the buyer regardless of what the body says.
	req.BuyerID = buyerID

	resp, err := h.service.CreatePaymentIntent(r.Context(), req)
	if err != nil {
		log.Printf("level=warn component=api endpoint=create_payment_intent outcome=failed buyer_id=%s err=%v", buyerID, err)
		h.handleServiceError(w, err)
		return
	}

	log.Printf("level=info component=api endpoint=create_payment_intent outcome=accepted buyer_id=%s reference=%s", buyerID, resp.PaymentIntentID)
	h.writeJSON(w, http.StatusCreated, resp)
}

// ReleaseEscrowHandler captures a held payment, releasing it to the seller.
func (h *EscrowHandlers) ReleaseEscrowHandler(w http.ResponseWriter, r *http.Request) {
	callerID, ok := GetAuthUserID(r.Context())
	if !ok {
		http.Error(w, "Could not get user ID from context", http.StatusInternalServerError)
		return
	}

	var req struct {
		PaymentIntentID string `json:"paymentIntentId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PaymentIntentID == "" {
		http.Error(w, "paymentIntentId is required", http.StatusBadRequest)
		return
	}

	if err := h.service.ReleaseEscrow(r.Context(), req.PaymentIntentID, callerID); err != nil {
		log.Printf("level=warn component=api endpoint=release_escrow outcome=failed reference=%s caller_id=%s err=%v", req.PaymentIntentID, callerID, err)
		h.handleServiceError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{
		"status":  "released",
		"message": "Escrow released and payment captured",
	})
}

// CancelEscrowHandler voids an uncaptured hold or refunds a captured charge.
func (h *EscrowHandlers) CancelEscrowHandler(w http.ResponseWriter, r *http.Request) {
	callerID, ok := GetAuthUserID(r.Context())
	if !ok {
		http.Error(w, "Could not get user ID from context", http.StatusInternalServerError)
		return
	}

	var req struct {
		PaymentIntentID string `json:"paymentIntentId"`
		Reason          string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PaymentIntentID == "" {
		http.Error(w, "paymentIntentId is required", http.StatusBadRequest)
		return
	}

	outcome, err := h.service.CancelEscrow(r.Context(), req.PaymentIntentID, callerID, req.Reason)
	if err != nil {
		log.Printf("level=warn component=api endpoint=cancel_escrow outcome=failed reference=%s caller_id=%s err=%v", req.PaymentIntentID, callerID, err)
		h.handleServiceError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"status": outcome})
}

// ConfirmReceiptHandler records the buyer's delivery confirmation.
func (h *EscrowHandlers) ConfirmReceiptHandler(w http.ResponseWriter, r *http.Request) {
	callerID, ok := GetAuthUserID(r.Context())
	if !ok {
		http.Error(w, "Could not get user ID from context", http.StatusInternalServerError)
		return
	}

	var req domain.ConfirmReceiptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.EscrowReference == "" {
		http.Error(w, "escrowId is required", http.StatusBadRequest)
		return
	}
	req.UserID = callerID

	status, err := h.service.ConfirmReceipt(r.Context(), req)
	if err != nil {
		log.Printf("level=warn component=api endpoint=confirm_receipt outcome=failed reference=%s caller_id=%s err=%v", req.EscrowReference, callerID, err)
		h.handleServiceError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"escrowStatus": status})
}

// GetPaymentStatusHandler returns the combined payment/escrow read model.
func (h *EscrowHandlers) GetPaymentStatusHandler(w http.ResponseWriter, r *http.Request) {
	reference := chi.URLParam(r, "id")
	if reference == "" {
		http.Error(w, "payment id is required", http.StatusBadRequest)
		return
	}

	view, err := h.service.GetPaymentStatus(r.Context(), reference)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, view)
}

// BankDetailsHandler registers the seller's payout account.
func (h *EscrowHandlers) BankDetailsHandler(w http.ResponseWriter, r *http.Request) {
	callerID, ok := GetAuthUserID(r.Context())
	if !ok {
		http.Error(w, "Could not get user ID from context", http.StatusInternalServerError)
		return
	}

	var req domain.BankDetailsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	req.UserID = callerID

	recipient, err := h.service.RegisterBankDetails(r.Context(), req)
	if err != nil {
		log.Printf("level=warn component=api endpoint=bank_details outcome=failed user_id=%s err=%v", callerID, err)
		h.handleServiceError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{
		"status":        "saved",
		"recipientCode": recipient.ProcessorRecipientCode,
	})
}

// WithdrawHandler pays out the seller's share of a confirmed escrow.
func (h *EscrowHandlers) WithdrawHandler(w http.ResponseWriter, r *http.Request) {
	callerID, ok := GetAuthUserID(r.Context())
	if !ok {
		http.Error(w, "Could not get user ID from context", http.StatusInternalServerError)
		return
	}

	var req domain.WithdrawRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.EscrowReference == "" {
		http.Error(w, "escrowId is required", http.StatusBadRequest)
		return
	}
	req.UserID = callerID

	withdrawal, err := h.service.ProcessWithdrawal(r.Context(), req)
	if err != nil {
		log.Printf("level=warn component=api endpoint=withdraw outcome=failed reference=%s caller_id=%s err=%v", req.EscrowReference, callerID, err)
		h.handleServiceError(w, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, map[string]string{
		"status":            withdrawal.Status,
		"transferReference": withdrawal.TransferReference,
	})
}

// AutoReleaseHandler is the internal endpoint the external scheduler sweeps.
func (h *EscrowHandlers) AutoReleaseHandler(w http.ResponseWriter, r *http.Request) {
	released, err := h.service.AutoReleaseDue(r.Context())
	if err != nil {
		log.Printf("level=error component=api endpoint=auto_release outcome=failed err=%v", err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]int{"released": released})
}

// ResolveHoldHandler is the internal admin endpoint for escrows in holding.
func (h *EscrowHandlers) ResolveHoldHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		EscrowReference string `json:"escrowId"`
		Resolution      string `json:"resolution"`
		AdminNotes      string `json:"adminNotes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.EscrowReference == "" {
		http.Error(w, "escrowId is required", http.StatusBadRequest)
		return
	}

	status, err := h.service.ResolveHold(r.Context(), req.EscrowReference, req.Resolution, req.AdminNotes)
	if err != nil {
		log.Printf("level=warn component=api endpoint=resolve_hold outcome=failed reference=%s err=%v", req.EscrowReference, err)
		h.handleServiceError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"escrowStatus": status})
}

// handleServiceError maps service-layer sentinels onto HTTP status codes.
func (h *EscrowHandlers) handleServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrPaymentNotFound),
		errors.Is(err, store.ErrEscrowNotFound),
		errors.Is(err, store.ErrWithdrawalNotFound):
		h.writeError(w, http.StatusNotFound, "Not found")
	case errors.Is(err, app.ErrNotParticipant):
		h.writeError(w, http.StatusForbidden, "You are not a participant in this escrow")
	case errors.Is(err, app.ErrNoBankDetails):
		h.writeJSON(w, http.StatusUnprocessableEntity, map[string]string{
			"error": "Bank details are required before withdrawing",
			"code":  "no_bank_details",
		})
	case errors.Is(err, app.ErrInvalidAmount),
		errors.Is(err, app.ErrInvalidCurrency),
		errors.Is(err, app.ErrInvalidBankDetails),
		errors.Is(err, app.ErrInvalidStateTransition),
		errors.Is(err, app.ErrChargeNotVerified):
		h.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, app.ErrProvider):
		h.writeError(w, http.StatusBadGateway, err.Error())
	default:
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

// writeJSON is a helper for writing JSON responses.
func (h *EscrowHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func (h *EscrowHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

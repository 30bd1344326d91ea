package api

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	stripe "github.com/stripe/stripe-go/v79"

	"github.com/popcorn150/GHOST-sub000/internal/app"
	"github.com/popcorn150/GHOST-sub000/internal/domain"
	"github.com/popcorn150/GHOST-sub000/internal/store"
)

const testPaystackSecret = "sk_test_webhook_secret"

// guardRepo fails the test if the ledger is touched at all.
type guardRepo struct {
	store.Repository
	t *testing.T
}

func (g *guardRepo) FindPaymentByReference(ctx context.Context, reference string) (*domain.Payment, error) {
	g.t.Fatal("ledger must not be touched before signature verification")
	return nil, nil
}

func (g *guardRepo) FindWithdrawalByTransferReference(ctx context.Context, transferReference string) (*domain.Withdrawal, error) {
	g.t.Fatal("ledger must not be touched before signature verification")
	return nil, nil
}

func (g *guardRepo) CreatePaymentWithEscrow(ctx context.Context, payment *domain.Payment, escrow *domain.Escrow) error {
	g.t.Fatal("ledger must not be touched before signature verification")
	return nil
}

// missingWithdrawalRepo answers every transfer lookup with not-found.
type missingWithdrawalRepo struct {
	store.Repository
	lookups int
}

func (m *missingWithdrawalRepo) FindWithdrawalByTransferReference(ctx context.Context, transferReference string) (*domain.Withdrawal, error) {
	m.lookups++
	return nil, store.ErrWithdrawalNotFound
}

// unstableWithdrawalRepo fails its first transfer lookup, then answers
// not-found like a repo with no matching withdrawal.
type unstableWithdrawalRepo struct {
	store.Repository
	lookups int
}

func (m *unstableWithdrawalRepo) FindWithdrawalByTransferReference(ctx context.Context, transferReference string) (*domain.Withdrawal, error) {
	m.lookups++
	if m.lookups == 1 {
		return nil, errors.New("connection reset by peer")
	}
	return nil, store.ErrWithdrawalNotFound
}

// memoryDeduper is an in-memory EventDeduper with the claim/release semantics
// of the Redis one.
type memoryDeduper struct {
	seen    map[string]bool
	forgets int
}

func newMemoryDeduper() *memoryDeduper {
	return &memoryDeduper{seen: make(map[string]bool)}
}

func (d *memoryDeduper) MarkSeen(ctx context.Context, provider, eventID string) bool {
	key := provider + ":" + eventID
	if d.seen[key] {
		return false
	}
	d.seen[key] = true
	return true
}

func (d *memoryDeduper) Forget(ctx context.Context, provider, eventID string) {
	delete(d.seen, provider+":"+eventID)
	d.forgets++
}

// errVerifier rejects every Stripe signature.
type errVerifier struct{}

func (errVerifier) ConstructWebhookEvent(payload []byte, signatureHeader string) (stripe.Event, error) {
	return stripe.Event{}, errors.New("signature mismatch")
}

func newWebhookTestService(repo store.Repository) *app.Service {
	return app.NewService(repo, nil, nil, nil, app.DefaultFeePolicy(), 12*time.Hour)
}

func signPaystack(secret string, body []byte) string {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestPaystackWebhook_RejectsTamperedBody(t *testing.T) {
	svc := newWebhookTestService(&guardRepo{t: t})
	handler := NewWebhookHandlers(svc, nil, testPaystackSecret, nil)

	body := []byte(`{"event":"charge.success","data":{"reference":"ref_1","status":"success"}}`)
	signature := signPaystack(testPaystackSecret, body)

	// Flip one byte after signing.
	tampered := bytes.Replace(body, []byte(`ref_1`), []byte(`ref_2`), 1)

	req := httptest.NewRequest(http.MethodPost, "/api/webhook/paystack", bytes.NewReader(tampered))
	req.Header.Set("x-paystack-signature", signature)
	rec := httptest.NewRecorder()

	handler.PaystackWebhookHandler(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for tampered body, got %d", rec.Code)
	}
}

func TestPaystackWebhook_RejectsMissingSignature(t *testing.T) {
	svc := newWebhookTestService(&guardRepo{t: t})
	handler := NewWebhookHandlers(svc, nil, testPaystackSecret, nil)

	body := []byte(`{"event":"charge.success","data":{"reference":"ref_1","status":"success"}}`)
	req := httptest.NewRequest(http.MethodPost, "/api/webhook/paystack", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	handler.PaystackWebhookHandler(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for missing signature, got %d", rec.Code)
	}
}

func TestPaystackWebhook_RejectsGarbageSignature(t *testing.T) {
	svc := newWebhookTestService(&guardRepo{t: t})
	handler := NewWebhookHandlers(svc, nil, testPaystackSecret, nil)

	body := []byte(`{"event":"charge.success","data":{"reference":"ref_1","status":"success"}}`)
	req := httptest.NewRequest(http.MethodPost, "/api/webhook/paystack", bytes.NewReader(body))
	req.Header.Set("x-paystack-signature", "not-even-hex")
	rec := httptest.NewRecorder()

	handler.PaystackWebhookHandler(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for malformed signature, got %d", rec.Code)
	}
}

func TestPaystackWebhook_ValidSignatureReachesLedger(t *testing.T) {
	repo := &missingWithdrawalRepo{}
	svc := newWebhookTestService(repo)
	handler := NewWebhookHandlers(svc, nil, testPaystackSecret, nil)

	body := []byte(`{"event":"transfer.success","data":{"reference":"wd_unknown","status":"success"}}`)
	req := httptest.NewRequest(http.MethodPost, "/api/webhook/paystack", bytes.NewReader(body))
	req.Header.Set("x-paystack-signature", signPaystack(testPaystackSecret, body))
	rec := httptest.NewRecorder()

	handler.PaystackWebhookHandler(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for a valid signature, got %d", rec.Code)
	}
	if repo.lookups != 1 {
		t.Fatalf("expected one ledger lookup, got %d", repo.lookups)
	}
}

func TestPaystackWebhook_UnknownEventAcknowledged(t *testing.T) {
	svc := newWebhookTestService(&guardRepo{t: t})
	handler := NewWebhookHandlers(svc, nil, testPaystackSecret, nil)

	body := []byte(`{"event":"subscription.create","data":{"reference":"ref_sub","status":"active"}}`)
	req := httptest.NewRequest(http.MethodPost, "/api/webhook/paystack", bytes.NewReader(body))
	req.Header.Set("x-paystack-signature", signPaystack(testPaystackSecret, body))
	rec := httptest.NewRecorder()

	handler.PaystackWebhookHandler(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for an unhandled event type, got %d", rec.Code)
	}
}

func TestPaystackWebhook_FailedDeliveryRetryReachesLedger(t *testing.T) {
	repo := &unstableWithdrawalRepo{}
	svc := newWebhookTestService(repo)
	deduper := newMemoryDeduper()
	handler := NewWebhookHandlers(svc, nil, testPaystackSecret, deduper)

	body := []byte(`{"event":"transfer.success","data":{"reference":"wd_retry","status":"success"}}`)
	deliver := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/webhook/paystack", bytes.NewReader(body))
		req.Header.Set("x-paystack-signature", signPaystack(testPaystackSecret, body))
		rec := httptest.NewRecorder()
		handler.PaystackWebhookHandler(rec, req)
		return rec
	}

	if rec := deliver(); rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 on the transient ledger failure, got %d", rec.Code)
	}
	if deduper.forgets != 1 {
		t.Fatalf("expected the dedup claim released after the failure, got %d releases", deduper.forgets)
	}

	// The processor retries the same delivery; it must reach the ledger.
	if rec := deliver(); rec.Code != http.StatusOK {
		t.Fatalf("expected the retry to be processed, got %d", rec.Code)
	}
	if repo.lookups != 2 {
		t.Fatalf("expected the retry to reach the ledger, got %d lookups", repo.lookups)
	}

	// A redelivery after success short-circuits on the marker.
	if rec := deliver(); rec.Code != http.StatusOK {
		t.Fatalf("expected the duplicate acknowledged, got %d", rec.Code)
	}
	if repo.lookups != 2 {
		t.Fatalf("expected the duplicate not to reach the ledger, got %d lookups", repo.lookups)
	}
}

func TestStripeWebhook_RejectsBadSignature(t *testing.T) {
	svc := newWebhookTestService(&guardRepo{t: t})
	handler := NewWebhookHandlers(svc, errVerifier{}, testPaystackSecret, nil)

	body := []byte(`{"id":"evt_1","type":"payment_intent.succeeded"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/webhook", bytes.NewReader(body))
	req.Header.Set("Stripe-Signature", "t=0,v1=bogus")
	rec := httptest.NewRecorder()

	handler.StripeWebhookHandler(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a bad Stripe signature, got %d", rec.Code)
	}
}

package services

import (
	"context"
	"log"
	"math"
	"time"

	"github.com/kanisapp/mpesapay-gobackend/internal/models"
	"github.com/kanisapp/mpesapay-gobackend/internal/store"
)

// PushGateway is the slice of the provider client the payment service needs.
type PushGateway interface {
	SubmitPushPayment(ctx context.Context, phone string, amount float64, accountReference string) (*PushSubmission, error)
}

// PaymentService drives push-payment initiation and callback reconciliation.
// It holds no mutable state of its own; all coordination between the
// initiator, the callback receiver and the poller goes through the store.
type PaymentService struct {
	gateway PushGateway
	store   store.Store
	audit   store.AuditSink
}

func NewPaymentService(gateway PushGateway, st store.Store, audit store.AuditSink) *PaymentService {
	return &PaymentService{gateway: gateway, store: st, audit: audit}
}

// InitiateSTKPush validates the caller's input, submits the push request and
// persists the pending attempt. This is the point where a real-world charge
// may be initiated on the payer's device; callers must not retry a failed
// call automatically, only on explicit user action.
func (s *PaymentService) InitiateSTKPush(ctx context.Context, phone string, amount float64, accountReference string) (*models.PaymentAttempt, error) {
	if phone == "" {
		return nil, &ValidationError{Field: "phone", Reason: "is required"}
	}
	if amount < 1 {
		return nil, &ValidationError{Field: "amount", Reason: "must be at least 1"}
	}
	// The provider charges whole units; truncating here would let the audit
	// row and the real-world charge diverge.
	if amount != math.Trunc(amount) {
		return nil, &ValidationError{Field: "amount", Reason: "must be a whole number"}
	}
	msisdn, err := NormalizePhone(phone)
	if err != nil {
		return nil, err
	}
	if accountReference == "" {
		accountReference = "Payment"
	}

	submission, err := s.gateway.SubmitPushPayment(ctx, msisdn, amount, accountReference)
	if err != nil {
		log.Printf("STK push submission failed for %s: %v", msisdn, err)
		return nil, err
	}

	now := time.Now().UTC()
	attempt := &models.PaymentAttempt{
		CheckoutRequestID: submission.CheckoutRequestID,
		MerchantRequestID: submission.MerchantRequestID,
		Phone:             msisdn,
		Amount:            amount,
		AccountReference:  accountReference,
		CreatedAt:         now,
	}
	if err := s.store.CreateAttempt(ctx, attempt); err != nil {
		// The push is already in flight; the attempt row is audit-only, so
		// losing it does not invalidate the checkout id we hand back.
		log.Printf("Failed to persist payment attempt %s: %v", submission.CheckoutRequestID, err)
	}

	// Insert-only: if the provider's callback already landed for this
	// checkout id, its terminal outcome stays untouched.
	pending := &models.TransactionOutcome{
		CheckoutRequestID: submission.CheckoutRequestID,
		MerchantRequestID: submission.MerchantRequestID,
		ResultCode:        -1,
		ResultDesc:        "Awaiting provider callback",
		Status:            models.StatusPending,
		UpdatedAt:         now,
	}
	if err := s.store.EnsurePendingOutcome(ctx, pending); err != nil {
		log.Printf("Failed to ensure pending outcome %s: %v", submission.CheckoutRequestID, err)
	}

	log.Printf("STK push accepted: checkout_request_id=%s merchant_request_id=%s", submission.CheckoutRequestID, submission.MerchantRequestID)
	return attempt, nil
}

// ProcessCallback normalizes an inbound webhook body and idempotently
// upserts the outcome. Malformed payloads go to the audit sink and are
// reported via *MalformedCallbackError; the HTTP handler still acknowledges
// the provider so it does not retry an unprocessable payload.
func (s *PaymentService) ProcessCallback(ctx context.Context, raw []byte) error {
	result, err := NormalizeCallback(raw)
	if err != nil {
		log.Printf("Malformed callback payload: %v", err)
		s.audit.RecordMalformedCallback(ctx, raw, err.Error())
		return err
	}
	return s.recordResult(ctx, result)
}

// recordResult writes the provider's result through the upsert. Safe to run
// any number of times and concurrently for the same checkout id: all
// deliveries carry the same final result, so last write wins converges.
func (s *PaymentService) recordResult(ctx context.Context, result *CallbackResult) error {
	outcome := &models.TransactionOutcome{
		CheckoutRequestID: result.CheckoutRequestID,
		MerchantRequestID: result.MerchantRequestID,
		ResultCode:        result.ResultCode,
		ResultDesc:        result.ResultDesc,
		IsSuccessful:      result.ResultCode == 0,
		Status:            models.StatusFromResultCode(result.ResultCode),
		ReceiptNumber:     result.ReceiptNumber(),
		Metadata:          result.Metadata,
		UpdatedAt:         time.Now().UTC(),
	}
	if err := s.store.UpsertOutcome(ctx, outcome); err != nil {
		log.Printf("Failed to upsert outcome %s: %v", result.CheckoutRequestID, err)
		return err
	}
	log.Printf("Recorded outcome: checkout_request_id=%s status=%s result_code=%d", outcome.CheckoutRequestID, outcome.Status, outcome.ResultCode)
	return nil
}

// GetOutcome is the direct store lookup behind the status endpoint.
func (s *PaymentService) GetOutcome(ctx context.Context, checkoutRequestID string) (*models.TransactionOutcome, error) {
	return s.store.GetOutcome(ctx, checkoutRequestID)
}

// ListOutcomes returns recent outcomes for the audit/list surface.
func (s *PaymentService) ListOutcomes(ctx context.Context, status string, limit int64) ([]models.TransactionOutcome, error) {
	if status != "" {
		switch status {
		case models.StatusPending, models.StatusSuccessful, models.StatusInsufficientBalance,
			models.StatusUserCancelled, models.StatusInvalidInitiator, models.StatusFailed:
		default:
			return nil, &ValidationError{Field: "status", Reason: "unknown status filter"}
		}
	}
	return s.store.ListOutcomes(ctx, status, limit)
}

package models

import (
	"time"
)

// Transaction statuses. pending is the only non-terminal status; once a
// terminal status is recorded it is not expected to change.
const (
	StatusPending             = "pending"
	StatusSuccessful          = "successful"
	StatusInsufficientBalance = "insufficient_balance"
	StatusUserCancelled       = "user_cancelled"
	StatusInvalidInitiator    = "invalid_initiator"
	StatusFailed              = "failed"
)

// PaymentAttempt is the audit record written when the provider accepts an
// STK push request. It is keyed by the provider-issued CheckoutRequestID.
type PaymentAttempt struct {
	CheckoutRequestID string    `bson:"_id" json:"checkout_request_id"`
	MerchantRequestID string    `bson:"merchant_request_id" json:"merchant_request_id"`
	Phone             string    `bson:"phone" json:"phone"`
	Amount            float64   `bson:"amount" json:"amount"`
	AccountReference  string    `bson:"account_reference" json:"account_reference"`
	CreatedAt         time.Time `bson:"created_at" json:"created_at"`
}

// TransactionOutcome is the reconciliation row for one STK push attempt.
// It is created by whichever of the initiator and the callback receiver acts
// first for a given CheckoutRequestID and converges to the provider's final
// result under repeated callback delivery.
type TransactionOutcome struct {
	CheckoutRequestID string                 `bson:"_id" json:"checkout_request_id"`
	MerchantRequestID string                 `bson:"merchant_request_id" json:"merchant_request_id"`
	ResultCode        int                    `bson:"result_code" json:"result_code"`
	ResultDesc        string                 `bson:"result_desc" json:"result_desc"`
	IsSuccessful      bool                   `bson:"is_successful" json:"is_successful"`
	Status            string                 `bson:"status" json:"status"`
	ReceiptNumber     string                 `bson:"receipt_number,omitempty" json:"receipt_number,omitempty"`
	Metadata          map[string]interface{} `bson:"metadata,omitempty" json:"metadata,omitempty"`
	UpdatedAt         time.Time              `bson:"updated_at" json:"updated_at"`
}

// IsTerminal reports whether the outcome has reached a final status.
func (o *TransactionOutcome) IsTerminal() bool {
	return o.Status != StatusPending
}

// StatusFromResultCode maps the provider's result code to a transaction
// status. Code 0 is the only success; unrecognized codes are failed.
func StatusFromResultCode(code int) string {
	switch code {
	case 0:
		return StatusSuccessful
	case 1:
		return StatusInsufficientBalance
	case 1032:
		return StatusUserCancelled
	case 2001:
		return StatusInvalidInitiator
	default:
		return StatusFailed
	}
}

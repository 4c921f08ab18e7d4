package store

import (
	"context"
	"errors"
	"time"

	"github.com/kanisapp/mpesapay-gobackend/internal/models"
)

// ErrNotFound is returned by lookups that find neither a pending nor a
// terminal row for the requested checkout id.
var ErrNotFound = errors.New("transaction not found")

// Store is the durable keyed storage shared by the payment initiator, the
// callback receiver and the status poller. It is the only coordination point
// between them, so both write operations must be safe under concurrent
// invocation for the same checkout id.
type Store interface {
	// CreateAttempt persists the audit record for an accepted push request.
	CreateAttempt(ctx context.Context, attempt *models.PaymentAttempt) error

	// GetAttempt returns the attempt row or ErrNotFound.
	GetAttempt(ctx context.Context, checkoutRequestID string) (*models.PaymentAttempt, error)

	// EnsurePendingOutcome inserts a pending outcome row if and only if no
	// row exists for the checkout id. A terminal row written by a callback
	// that raced ahead of the initiator is left untouched.
	EnsurePendingOutcome(ctx context.Context, outcome *models.TransactionOutcome) error

	// UpsertOutcome inserts or overwrites the outcome row for the checkout
	// id, bumping UpdatedAt. Last write wins; repeated delivery of the same
	// payload converges to the same row.
	UpsertOutcome(ctx context.Context, outcome *models.TransactionOutcome) error

	// GetOutcome returns the outcome row or ErrNotFound.
	GetOutcome(ctx context.Context, checkoutRequestID string) (*models.TransactionOutcome, error)

	// ListOutcomes returns recent outcomes, newest first, optionally
	// filtered by status.
	ListOutcomes(ctx context.Context, status string, limit int64) ([]models.TransactionOutcome, error)

	// ListPendingOutcomes returns pending rows last touched before the
	// cutoff, for the reconciliation sweep.
	ListPendingOutcomes(ctx context.Context, olderThan time.Time) ([]models.TransactionOutcome, error)
}

// MalformedCallback is an audit record for an inbound webhook body that
// could not be processed. The raw payload is kept for later investigation.
type MalformedCallback struct {
	ID         string    `bson:"_id" json:"id"`
	RawPayload string    `bson:"raw_payload" json:"raw_payload"`
	Reason     string    `bson:"reason" json:"reason"`
	ReceivedAt time.Time `bson:"received_at" json:"received_at"`
}

// AuditSink records callback payloads that failed to parse. Recording must
// never block acknowledging the provider, so implementations log and swallow
// their own failures.
type AuditSink interface {
	RecordMalformedCallback(ctx context.Context, rawPayload []byte, reason string)
}

package store

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/kanisapp/mpesapay-gobackend/internal/models"
)

// Connect opens a MongoDB client for the given URI and verifies the
// connection with a ping.
func Connect(ctx context.Context, uri string) (*mongo.Client, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect to mongodb: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}

	return client, nil
}

// MongoStore implements Store and AuditSink over MongoDB. The checkout
// request id is the document _id, so uniqueness-by-key is enforced by the
// collection itself.
type MongoStore struct {
	attempts  *mongo.Collection
	outcomes  *mongo.Collection
	malformed *mongo.Collection
}

func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{
		attempts:  db.Collection("payment_attempts"),
		outcomes:  db.Collection("transaction_outcomes"),
		malformed: db.Collection("callback_errors"),
	}
}

// EnsureIndexes creates the secondary indexes used by list queries and the
// reconciliation sweep.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.outcomes.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "updated_at", Value: 1}}},
		{Keys: bson.D{{Key: "updated_at", Value: -1}}},
	})
	if err != nil {
		return fmt.Errorf("create outcome indexes: %w", err)
	}
	_, err = s.attempts.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "phone", Value: 1}, {Key: "created_at", Value: -1}}},
	})
	if err != nil {
		return fmt.Errorf("create attempt indexes: %w", err)
	}
	return nil
}

func (s *MongoStore) CreateAttempt(ctx context.Context, attempt *models.PaymentAttempt) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if _, err := s.attempts.InsertOne(ctx, attempt); err != nil {
		return fmt.Errorf("insert payment attempt %s: %w", attempt.CheckoutRequestID, err)
	}
	return nil
}

func (s *MongoStore) GetAttempt(ctx context.Context, checkoutRequestID string) (*models.PaymentAttempt, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var attempt models.PaymentAttempt
	err := s.attempts.FindOne(ctx, bson.M{"_id": checkoutRequestID}).Decode(&attempt)
	if err == mongo.ErrNoDocuments {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetch payment attempt %s: %w", checkoutRequestID, err)
	}
	return &attempt, nil
}

func (s *MongoStore) EnsurePendingOutcome(ctx context.Context, outcome *models.TransactionOutcome) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	// $setOnInsert with upsert writes the pending row only when no row
	// exists yet, so a terminal outcome from an earlier callback survives.
	update := bson.M{
		"$setOnInsert": bson.M{
			"merchant_request_id": outcome.MerchantRequestID,
			"result_code":         outcome.ResultCode,
			"result_desc":         outcome.ResultDesc,
			"is_successful":       outcome.IsSuccessful,
			"status":              outcome.Status,
			"updated_at":          outcome.UpdatedAt,
		},
	}
	_, err := s.outcomes.UpdateOne(ctx, bson.M{"_id": outcome.CheckoutRequestID}, update, options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("ensure pending outcome %s: %w", outcome.CheckoutRequestID, err)
	}
	return nil
}

func (s *MongoStore) UpsertOutcome(ctx context.Context, outcome *models.TransactionOutcome) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	update := bson.M{
		"$set": bson.M{
			"merchant_request_id": outcome.MerchantRequestID,
			"result_code":         outcome.ResultCode,
			"result_desc":         outcome.ResultDesc,
			"is_successful":       outcome.IsSuccessful,
			"status":              outcome.Status,
			"receipt_number":      outcome.ReceiptNumber,
			"metadata":            outcome.Metadata,
			"updated_at":          outcome.UpdatedAt,
		},
	}
	_, err := s.outcomes.UpdateOne(ctx, bson.M{"_id": outcome.CheckoutRequestID}, update, options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("upsert outcome %s: %w", outcome.CheckoutRequestID, err)
	}
	return nil
}

func (s *MongoStore) GetOutcome(ctx context.Context, checkoutRequestID string) (*models.TransactionOutcome, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var outcome models.TransactionOutcome
	err := s.outcomes.FindOne(ctx, bson.M{"_id": checkoutRequestID}).Decode(&outcome)
	if err == mongo.ErrNoDocuments {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetch outcome %s: %w", checkoutRequestID, err)
	}
	return &outcome, nil
}

func (s *MongoStore) ListOutcomes(ctx context.Context, status string, limit int64) ([]models.TransactionOutcome, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	query := bson.M{}
	if status != "" {
		query["status"] = status
	}

	opts := options.Find().SetSort(bson.M{"updated_at": -1})
	if limit > 0 {
		opts = opts.SetLimit(limit)
	}
	cur, err := s.outcomes.Find(ctx, query, opts)
	if err != nil {
		return nil, fmt.Errorf("list outcomes: %w", err)
	}
	defer cur.Close(ctx)

	var outcomes []models.TransactionOutcome
	if err := cur.All(ctx, &outcomes); err != nil {
		return nil, fmt.Errorf("decode outcomes: %w", err)
	}
	return outcomes, nil
}

func (s *MongoStore) ListPendingOutcomes(ctx context.Context, olderThan time.Time) ([]models.TransactionOutcome, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	query := bson.M{
		"status":     models.StatusPending,
		"updated_at": bson.M{"$lt": olderThan},
	}
	cur, err := s.outcomes.Find(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list pending outcomes: %w", err)
	}
	defer cur.Close(ctx)

	var outcomes []models.TransactionOutcome
	if err := cur.All(ctx, &outcomes); err != nil {
		return nil, fmt.Errorf("decode pending outcomes: %w", err)
	}
	return outcomes, nil
}

// RecordMalformedCallback stores the raw payload for later investigation.
// Failures are logged, not returned: the webhook handler must acknowledge
// the provider regardless.
func (s *MongoStore) RecordMalformedCallback(ctx context.Context, rawPayload []byte, reason string) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rec := MalformedCallback{
		ID:         uuid.NewString(),
		RawPayload: string(rawPayload),
		Reason:     reason,
		ReceivedAt: time.Now().UTC(),
	}
	if _, err := s.malformed.InsertOne(ctx, rec); err != nil {
		log.Printf("Failed to record malformed callback: %v", err)
	}
}

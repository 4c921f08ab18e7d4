package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kanisapp/mpesapay-gobackend/internal/models"
)

// MemoryStore is a mutex-guarded in-memory Store and AuditSink with the same
// upsert semantics as MongoStore. It backs tests and can serve as an
// ephemeral backend.
type MemoryStore struct {
	mu        sync.RWMutex
	attempts  map[string]models.PaymentAttempt
	outcomes  map[string]models.TransactionOutcome
	malformed []MalformedCallback
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		attempts: make(map[string]models.PaymentAttempt),
		outcomes: make(map[string]models.TransactionOutcome),
	}
}

func (s *MemoryStore) CreateAttempt(ctx context.Context, attempt *models.PaymentAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts[attempt.CheckoutRequestID] = *attempt
	return nil
}

func (s *MemoryStore) GetAttempt(ctx context.Context, checkoutRequestID string) (*models.PaymentAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	attempt, ok := s.attempts[checkoutRequestID]
	if !ok {
		return nil, ErrNotFound
	}
	return &attempt, nil
}

func (s *MemoryStore) EnsurePendingOutcome(ctx context.Context, outcome *models.TransactionOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.outcomes[outcome.CheckoutRequestID]; ok {
		return nil
	}
	s.outcomes[outcome.CheckoutRequestID] = *outcome
	return nil
}

func (s *MemoryStore) UpsertOutcome(ctx context.Context, outcome *models.TransactionOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes[outcome.CheckoutRequestID] = *outcome
	return nil
}

func (s *MemoryStore) GetOutcome(ctx context.Context, checkoutRequestID string) (*models.TransactionOutcome, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	outcome, ok := s.outcomes[checkoutRequestID]
	if !ok {
		return nil, ErrNotFound
	}
	return &outcome, nil
}

func (s *MemoryStore) ListOutcomes(ctx context.Context, status string, limit int64) ([]models.TransactionOutcome, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var outcomes []models.TransactionOutcome
	for _, o := range s.outcomes {
		if status != "" && o.Status != status {
			continue
		}
		outcomes = append(outcomes, o)
	}
	sort.Slice(outcomes, func(i, j int) bool {
		return outcomes[i].UpdatedAt.After(outcomes[j].UpdatedAt)
	})
	if limit > 0 && int64(len(outcomes)) > limit {
		outcomes = outcomes[:limit]
	}
	return outcomes, nil
}

func (s *MemoryStore) ListPendingOutcomes(ctx context.Context, olderThan time.Time) ([]models.TransactionOutcome, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var outcomes []models.TransactionOutcome
	for _, o := range s.outcomes {
		if o.Status == models.StatusPending && o.UpdatedAt.Before(olderThan) {
			outcomes = append(outcomes, o)
		}
	}
	return outcomes, nil
}

func (s *MemoryStore) RecordMalformedCallback(ctx context.Context, rawPayload []byte, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.malformed = append(s.malformed, MalformedCallback{
		ID:         uuid.NewString(),
		RawPayload: string(rawPayload),
		Reason:     reason,
		ReceivedAt: time.Now().UTC(),
	})
}

// MalformedCallbacks returns a copy of the recorded audit entries.
func (s *MemoryStore) MalformedCallbacks() []MalformedCallback {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]MalformedCallback, len(s.malformed))
	copy(out, s.malformed)
	return out
}

package services

import (
	"context"
	"log"
	"time"

	"github.com/kanisapp/mpesapay-gobackend/internal/store"
)

// PushStatusQuerier is the slice of the provider client the sweeper needs.
type PushStatusQuerier interface {
	QueryPushStatus(ctx context.Context, checkoutRequestID string) (*PushQueryResult, error)
}

// Sweeper is the background reconciliation loop for rows whose callback
// never landed: it periodically re-checks all pending outcomes older than a
// minimum age against the provider's status query API and records any
// terminal result through the same idempotent upsert the callback receiver
// uses.
type Sweeper struct {
	store    store.Store
	gateway  PushStatusQuerier
	payments *PaymentService
	interval time.Duration
	minAge   time.Duration
}

func NewSweeper(st store.Store, gateway PushStatusQuerier, payments *PaymentService, interval, minAge time.Duration) *Sweeper {
	return &Sweeper{store: st, gateway: gateway, payments: payments, interval: interval, minAge: minAge}
}

// Run loops until the context is cancelled. Intended to be started as a
// goroutine from main.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	log.Printf("Reconciliation sweep running every %s for pending rows older than %s", s.interval, s.minAge)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-s.minAge)
	pending, err := s.store.ListPendingOutcomes(ctx, cutoff)
	if err != nil {
		log.Printf("Sweep: failed to list pending outcomes: %v", err)
		return
	}
	for _, outcome := range pending {
		result, err := s.gateway.QueryPushStatus(ctx, outcome.CheckoutRequestID)
		if err != nil {
			// The query API errors while the prompt is still open; leave the
			// row pending for the next sweep.
			log.Printf("Sweep: status query failed for %s: %v", outcome.CheckoutRequestID, err)
			continue
		}
		err = s.payments.recordResult(ctx, &CallbackResult{
			CheckoutRequestID: result.CheckoutRequestID,
			MerchantRequestID: result.MerchantRequestID,
			ResultCode:        result.ResultCode,
			ResultDesc:        result.ResultDesc,
		})
		if err != nil {
			log.Printf("Sweep: failed to record outcome %s: %v", outcome.CheckoutRequestID, err)
		}
	}
}

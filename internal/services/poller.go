package services

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/kanisapp/mpesapay-gobackend/internal/models"
	"github.com/kanisapp/mpesapay-gobackend/internal/store"
)

// PollerConfig tunes the bounded wait for a terminal outcome. The defaults
// track how long a payer typically takes to respond to the handset prompt.
type PollerConfig struct {
	// InitialDelay is waited before the first store check; checking
	// immediately is almost always wasted work.
	InitialDelay time.Duration
	// RetryInterval is waited between checks.
	RetryInterval time.Duration
	// MaxRetries is the number of additional checks after the first, so the
	// store is read at most 1+MaxRetries times.
	MaxRetries int
}

func DefaultPollerConfig() PollerConfig {
	return PollerConfig{
		InitialDelay:  10 * time.Second,
		RetryInterval: 5 * time.Second,
		MaxRetries:    2,
	}
}

// StatusPoller waits for the callback receiver to land a terminal outcome in
// the store. It is purely observational: it never cancels or rolls back the
// underlying payment, and it communicates with the callback receiver only
// through the store.
type StatusPoller struct {
	store store.Store
	cfg   PollerConfig
}

func NewStatusPoller(st store.Store, cfg PollerConfig) *StatusPoller {
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = time.Second
	}
	return &StatusPoller{store: st, cfg: cfg}
}

// AwaitOutcome polls the store until a terminal outcome appears or the retry
// budget runs out. A terminal outcome returns immediately. Exhaustion is a
// soft timeout: whatever the final read saw is returned (possibly nil)
// together with *StillProcessingError carrying the checkout id, never a hard
// failure, since money may already have moved.
func (p *StatusPoller) AwaitOutcome(ctx context.Context, checkoutRequestID string) (*models.TransactionOutcome, error) {
	delay := p.cfg.InitialDelay

	var last *models.TransactionOutcome
	for attempt := 0; attempt <= p.cfg.MaxRetries; attempt++ {
		if err := sleepCtx(ctx, delay); err != nil {
			return last, err
		}
		delay = p.cfg.RetryInterval

		outcome, err := p.store.GetOutcome(ctx, checkoutRequestID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return last, err
		}
		if outcome != nil {
			last = outcome
			if outcome.IsTerminal() {
				log.Printf("Terminal outcome after %d check(s): checkout_request_id=%s status=%s", attempt+1, checkoutRequestID, outcome.Status)
				return outcome, nil
			}
		}
	}

	log.Printf("Retry budget exhausted, still processing: checkout_request_id=%s", checkoutRequestID)
	return last, &StillProcessingError{CheckoutRequestID: checkoutRequestID}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

package purchase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"paywallBack/internal/models"
)

// Processor drives purchase events through verification and finalization.
// It owns the only two pieces of dedup state in the subsystem: the set of
// transaction ids currently being verified, and the id of the last finalized
// transaction. Both are mutated exclusively inside process().
type Processor struct {
	store   Store
	backend Backend
	cfg     Config
	logger  Logger

	// OnSuccess is invoked once per verified, non-suppressed transaction.
	// The host uses it to journal the transaction and refresh
	// entitlement-dependent state. finalized reports whether the store
	// acknowledgement went through; a false value means the journal re-drive
	// loop still has bookkeeping to catch up on.
	OnSuccess func(ev models.PurchaseEvent, finalized bool)
	// OnFailure receives classified terminal failures from the asynchronous
	// event path. User cancellations are swallowed and never reach it.
	OnFailure func(err *Error)

	mu            sync.Mutex
	inFlight      map[string]struct{}
	lastProcessed string
}

// NewProcessor constructs a Processor instance.
func NewProcessor(store Store, backend Backend, cfg Config, logger Logger) *Processor {
	return &Processor{
		store:    store,
		backend:  backend,
		cfg:      cfg,
		logger:   logger,
		inFlight: make(map[string]struct{}),
	}
}

// PurchaseUpdated implements Listener for store purchase-update events.
func (p *Processor) PurchaseUpdated(ev models.PurchaseEvent) {
	if err := p.Process(context.Background(), ev); err != nil {
		p.fail(asPurchaseError(err))
	}
}

// PurchaseFailed implements Listener for store purchase-error events.
// Cancellation is swallowed here, at the lowest layer.
func (p *Processor) PurchaseFailed(f StoreFailure) {
	cat := Classify(f.Code)
	if cat == CategoryUserCancelled {
		p.logger.Infof("purchase: user cancelled tx=%s", f.TransactionID)
		return
	}
	p.fail(&Error{Category: cat, Code: f.Code, Message: f.Message})
}

// Process runs one purchase event through the state machine.
func (p *Processor) Process(ctx context.Context, ev models.PurchaseEvent) error {
	return p.process(ctx, ev, false)
}

// ProcessCleanup finalizes a leftover purchase from a previous session. The
// purchase is verified and finalized as usual but the success callback is
// suppressed: it is not a new purchase.
func (p *Processor) ProcessCleanup(ctx context.Context, ev models.PurchaseEvent) error {
	return p.process(ctx, ev, true)
}

func (p *Processor) process(ctx context.Context, ev models.PurchaseEvent, cleanup bool) error {
	if strings.TrimSpace(ev.TransactionID) == "" {
		return &Error{Category: CategoryConfiguration, Message: "transaction id is required"}
	}

	p.mu.Lock()
	if _, busy := p.inFlight[ev.TransactionID]; busy || ev.TransactionID == p.lastProcessed {
		p.mu.Unlock()
		p.logger.Infof("purchase: skip duplicate event tx=%s", ev.TransactionID)
		return nil
	}
	p.inFlight[ev.TransactionID] = struct{}{}
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		delete(p.inFlight, ev.TransactionID)
		p.mu.Unlock()
	}()

	res, err := p.verify(ctx, ev, p.backend.VerifyPurchase)
	if err != nil {
		return err
	}
	if !res.Valid {
		return &Error{
			Category: CategoryVerificationFailed,
			Message:  fmt.Sprintf("backend rejected transaction %s", ev.TransactionID),
		}
	}

	finalized := p.finalize(ctx, ev)

	p.mu.Lock()
	p.lastProcessed = ev.TransactionID
	p.mu.Unlock()

	if !cleanup && p.OnSuccess != nil {
		p.OnSuccess(ev, finalized)
	}
	return nil
}

// Redrive re-runs verification and finalization for an existing purchase,
// bypassing the duplicate gate and the success callback. Restores and the
// journal re-drive loop use it: re-verifying an already processed
// transaction is intentional there. The returned bool reports whether the
// store acknowledgement succeeded this time.
func (p *Processor) Redrive(ctx context.Context, ev models.PurchaseEvent) (bool, error) {
	if strings.TrimSpace(ev.TransactionID) == "" {
		return false, &Error{Category: CategoryConfiguration, Message: "transaction id is required"}
	}
	res, err := p.verify(ctx, ev, p.backend.RestorePurchase)
	if err != nil {
		return false, err
	}
	if !res.Valid {
		return false, &Error{
			Category: CategoryVerificationFailed,
			Message:  fmt.Sprintf("backend rejected restored transaction %s", ev.TransactionID),
		}
	}
	return p.finalize(ctx, ev), nil
}

// verify calls the backend with a per-attempt timeout, retrying transient
// connectivity failures a fixed number of times with a fixed delay.
func (p *Processor) verify(ctx context.Context, ev models.PurchaseEvent, call func(context.Context, models.PurchaseEvent) (models.VerificationResult, error)) (models.VerificationResult, error) {
	var lastErr error
	for attempt := 1; attempt <= p.cfg.VerifyAttempts; attempt++ {
		vctx, cancel := context.WithTimeout(ctx, p.cfg.VerifyTimeout)
		res, err := call(vctx, ev)
		cancel()
		if err == nil {
			return res, nil
		}
		lastErr = err
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return models.VerificationResult{}, &Error{
				Category: CategoryTimeout,
				Message:  fmt.Sprintf("verification timed out for tx %s", ev.TransactionID),
				Err:      err,
			}
		}
		if !Transient(err) {
			break
		}
		p.logger.Errorf("purchase: transient verify failure tx=%s attempt=%d/%d: %v", ev.TransactionID, attempt, p.cfg.VerifyAttempts, err)
		if attempt == p.cfg.VerifyAttempts {
			break
		}
		select {
		case <-time.After(p.cfg.RetryDelay):
		case <-ctx.Done():
			return models.VerificationResult{}, &Error{
				Category: CategoryTimeout,
				Message:  fmt.Sprintf("verification cancelled for tx %s", ev.TransactionID),
				Err:      ctx.Err(),
			}
		}
	}

	cat := CategoryUnknown
	if Transient(lastErr) {
		cat = CategoryNetwork
	}
	return models.VerificationResult{}, &Error{
		Category: cat,
		Message:  fmt.Sprintf("verification failed for tx %s", ev.TransactionID),
		Err:      lastErr,
	}
}

// finalize acknowledges the purchase with the store and reports whether that
// succeeded. The purchase is already proven valid at this point, so a failure
// here is bookkeeping to catch up on later, never a reason to revert.
func (p *Processor) finalize(ctx context.Context, ev models.PurchaseEvent) bool {
	if err := p.store.Finalize(ctx, ev); err != nil {
		p.logger.Errorf("purchase: finalize tx=%s: %v", ev.TransactionID, err)
		return false
	}
	return true
}

func (p *Processor) fail(err *Error) {
	p.logger.Errorf("purchase: %v", err)
	if p.OnFailure != nil {
		p.OnFailure(err)
	}
}

func asPurchaseError(err error) *Error {
	var perr *Error
	if errors.As(err, &perr) {
		return perr
	}
	return &Error{Category: CategoryUnknown, Message: err.Error(), Err: err}
}

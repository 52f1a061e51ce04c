package purchase

import (
	"context"

	"paywallBack/internal/models"
)

// Restorer re-drives previously purchased transactions through verification
// and finalization. Restore is user-invoked and intentional, so it does not
// route through the processor's duplicate gate and does not fire the
// success callback per item.
type Restorer struct {
	store     Store
	processor *Processor
	logger    Logger
}

// NewRestorer constructs a Restorer instance.
func NewRestorer(store Store, processor *Processor, logger Logger) *Restorer {
	return &Restorer{store: store, processor: processor, logger: logger}
}

// Restore enumerates the purchases the store knows about and re-verifies
// each one, continuing past individual failures. An empty store is a
// successful restore of nothing, not an error.
func (r *Restorer) Restore(ctx context.Context) (models.RestoreSummary, error) {
	purchases, err := r.store.ListPurchases(ctx)
	if err != nil {
		return models.RestoreSummary{}, &Error{Category: CategoryStoreUnavailable, Message: "list existing purchases", Err: err}
	}
	if len(purchases) == 0 {
		return models.RestoreSummary{}, nil
	}

	var summary models.RestoreSummary
	for _, ev := range purchases {
		if _, err := r.processor.Redrive(ctx, ev); err != nil {
			r.logger.Errorf("purchase: restore tx=%s: %v", ev.TransactionID, err)
			summary.Failed++
			continue
		}
		summary.Succeeded++
	}
	r.logger.Infof("purchase: restore finished restored=%d failed=%d", summary.Succeeded, summary.Failed)
	return summary, nil
}

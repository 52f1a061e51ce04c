package main

import (
	"context"
	"time"

	"paywallBack/internal/models"
)

const (
	pendingCleanerInterval = 1 * time.Hour
	pendingCleanerTimeout  = 5 * time.Minute
	pendingCleanerBatch    = 100
)

// startPendingCleaner re-drives journaled transactions that were verified but
// never finalized, for example when the process died between the two steps.
func (app *application) startPendingCleaner() {
	go func() {
		ticker := time.NewTicker(pendingCleanerInterval)
		defer ticker.Stop()

		app.cleanPendingOnce()
		for range ticker.C {
			app.cleanPendingOnce()
		}
	}()
}

func (app *application) cleanPendingOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), pendingCleanerTimeout)
	defer cancel()

	records, err := app.txRepo.ListUnfinalized(ctx, pendingCleanerBatch)
	if err != nil {
		app.errorLog.Printf("pending cleaner: list unfinalized: %v", err)
		return
	}
	if len(records) == 0 {
		return
	}
	app.infoLog.Printf("pending cleaner: re-driving %d transactions", len(records))

	for _, rec := range records {
		p, ok := app.pipelines[rec.Platform]
		if !ok {
			app.errorLog.Printf("pending cleaner: tx=%s has unconfigured platform %q", rec.TransactionID, rec.Platform)
			continue
		}
		ev := models.PurchaseEvent{
			TransactionID: rec.TransactionID,
			ProductID:     rec.ProductID,
			Receipt:       []byte(rec.Raw),
			OrderID:       rec.OrderID,
			PurchasedAt:   rec.CreatedAt,
		}
		finalized, err := p.processor.Redrive(ctx, ev)
		if err != nil {
			app.errorLog.Printf("pending cleaner: redrive tx=%s: %v", rec.TransactionID, err)
			continue
		}
		if !finalized {
			// Acknowledgement failed again; the next pass retries.
			continue
		}
		if err := app.txRepo.MarkFinalized(ctx, rec.TransactionID); err != nil {
			app.errorLog.Printf("pending cleaner: mark finalized tx=%s: %v", rec.TransactionID, err)
		}
	}
}

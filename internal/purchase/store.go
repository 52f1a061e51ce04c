package purchase

import (
	"context"

	"paywallBack/internal/models"
)

// PurchaseRequest describes one purchase initiation handed to a store adapter.
type PurchaseRequest struct {
	ProductID string
	// OfferTokens carries the current Play offer identifiers; the Play adapter
	// falls back to a legacy request when the list is empty.
	OfferTokens []string
	// DeferFinalize keeps the store from auto-finishing the transaction at
	// request time. Finalization happens only after backend verification.
	DeferFinalize bool
}

// StoreFailure is a store-reported purchase error event.
type StoreFailure struct {
	Code          string
	Message       string
	TransactionID string
}

// Listener receives asynchronous purchase lifecycle events from a store
// adapter. Exactly one listener is subscribed per connection.
type Listener interface {
	PurchaseUpdated(ev models.PurchaseEvent)
	PurchaseFailed(f StoreFailure)
}

// Store abstracts the platform commerce service. Two implementations exist:
// appstore.Store (StoreKit) and playstore.Store (Play Billing). The quirk
// hooks FlushFailedCache and PendingFinalize are no-ops on the platform that
// does not need them, which keeps the connection and processor logic free of
// platform conditionals.
type Store interface {
	Platform() models.Platform
	Connect(ctx context.Context) error
	Disconnect() error
	LoadProducts(ctx context.Context, ids []string) ([]models.Product, error)
	RequestPurchase(ctx context.Context, req PurchaseRequest) error
	ListPurchases(ctx context.Context) ([]models.PurchaseEvent, error)
	Finalize(ctx context.Context, ev models.PurchaseEvent) error
	// FlushFailedCache clears store-cached failed-but-pending purchases. Play
	// keeps those around and redelivers them; clearing is best effort.
	FlushFailedCache(ctx context.Context) error
	// PendingFinalize returns purchases from a previous session the store still
	// considers unacknowledged. They are finalized without user-facing success
	// handling.
	PendingFinalize(ctx context.Context) ([]models.PurchaseEvent, error)
	Subscribe(l Listener)
	Unsubscribe()
}

// Backend is the verification authority consulted before any entitlement is
// granted. No purchase is finalized without a valid verdict from it.
type Backend interface {
	VerifyPurchase(ctx context.Context, ev models.PurchaseEvent) (models.VerificationResult, error)
	RestorePurchase(ctx context.Context, ev models.PurchaseEvent) (models.VerificationResult, error)
}

// Logger is the minimal logger interface required by this package.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

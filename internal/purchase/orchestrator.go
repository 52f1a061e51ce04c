package purchase

import (
	"context"
	"fmt"

	"paywallBack/internal/models"
)

// Orchestrator is the public entry point for initiating purchases. It makes
// sure the store connection and the product catalog are ready, then issues
// the platform purchase request. The request is accepted, not completed:
// the outcome arrives later through the processor's event path.
type Orchestrator struct {
	store   Store
	conn    *Connection
	catalog *Catalog
	cfg     Config
	logger  Logger
}

// NewOrchestrator constructs an Orchestrator instance.
func NewOrchestrator(store Store, conn *Connection, catalog *Catalog, cfg Config, logger Logger) *Orchestrator {
	return &Orchestrator{store: store, conn: conn, catalog: catalog, cfg: cfg, logger: logger}
}

// Purchase initiates a purchase for the given tier. A nil error means the
// store accepted the request; it does not mean the purchase completed.
func (o *Orchestrator) Purchase(ctx context.Context, tier models.SubscriptionTier) (models.Product, error) {
	if !o.conn.Ready() {
		if err := o.conn.Connect(ctx); err != nil {
			return models.Product{}, &Error{Category: CategoryStoreUnavailable, Message: "store connection is not ready", Err: err}
		}
	}
	if !o.catalog.Loaded() {
		if _, err := o.catalog.Load(ctx, o.cfg.ProductIDs()); err != nil {
			return models.Product{}, err
		}
	}

	product, ok := o.catalog.ByTier(tier)
	if !ok {
		return models.Product{}, &Error{
			Category: CategoryProductUnavailable,
			Message:  fmt.Sprintf("no product available for tier %s", tier),
		}
	}

	req := PurchaseRequest{
		ProductID:   product.ProductID,
		OfferTokens: product.OfferTokens,
		// Never auto-finish at request time: finalization happens only after
		// the backend has verified the transaction.
		DeferFinalize: true,
	}
	if err := o.store.RequestPurchase(ctx, req); err != nil {
		return models.Product{}, &Error{Category: CategoryStoreUnavailable, Message: "purchase request rejected", Err: err}
	}

	o.logger.Infof("purchase: initiated tier=%s product=%s platform=%s", tier, product.ProductID, o.store.Platform())
	return product, nil
}

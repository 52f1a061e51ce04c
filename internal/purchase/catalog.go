package purchase

import (
	"context"
	"errors"
	"sync"
	"time"

	"paywallBack/internal/models"
)

// Catalog loads purchasable product definitions from the store and caches
// them for the session. Products are read-only after a successful load.
type Catalog struct {
	store  Store
	cfg    Config
	logger Logger

	mu       sync.Mutex
	products map[string]models.Product
	loaded   bool
}

// NewCatalog constructs a Catalog instance.
func NewCatalog(store Store, cfg Config, logger Logger) *Catalog {
	return &Catalog{store: store, cfg: cfg, logger: logger}
}

// Loaded reports whether a product load has succeeded this session.
func (c *Catalog) Loaded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loaded
}

// Load fetches product definitions with bounded retry. A store response with
// zero products is a failure, not an empty success: callers must not offer a
// paywall with nothing behind it.
func (c *Catalog) Load(ctx context.Context, ids []string) ([]models.Product, error) {
	var lastErr error
	for attempt := 1; attempt <= c.cfg.CatalogAttempts; attempt++ {
		products, err := c.store.LoadProducts(ctx, ids)
		if err == nil && len(products) == 0 {
			err = errors.New("store returned no products")
		}
		if err == nil {
			c.mu.Lock()
			c.products = make(map[string]models.Product, len(products))
			for _, pr := range products {
				c.products[pr.ProductID] = pr
			}
			c.loaded = true
			c.mu.Unlock()
			return products, nil
		}
		lastErr = err
		c.logger.Errorf("purchase: load products attempt %d/%d: %v", attempt, c.cfg.CatalogAttempts, err)
		if attempt == c.cfg.CatalogAttempts {
			break
		}
		select {
		case <-time.After(c.cfg.CatalogRetryDelay):
		case <-ctx.Done():
			return nil, &Error{Category: CategoryTimeout, Message: "product load cancelled", Err: ctx.Err()}
		}
	}
	return nil, &Error{Category: CategoryProductUnavailable, Message: "product load attempts exhausted", Err: lastErr}
}

// ByTier resolves the configured product id for a tier to a loaded product.
func (c *Catalog) ByTier(tier models.SubscriptionTier) (models.Product, bool) {
	id, ok := c.cfg.Products[tier]
	if !ok {
		return models.Product{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	pr, ok := c.products[id]
	return pr, ok
}

// Products returns a snapshot of the loaded catalog.
func (c *Catalog) Products() []models.Product {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.Product, 0, len(c.products))
	for _, pr := range c.products {
		out = append(out, pr)
	}
	return out
}

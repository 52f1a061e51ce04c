package purchase

import (
	"context"
	"errors"
	"testing"

	"paywallBack/internal/models"
)

func testProducts() []models.Product {
	return []models.Product{
		{ProductID: "sub.monthly", Platform: models.PlatformPlayStore, PriceDisplay: "1 990 ₸"},
		{ProductID: "sub.yearly", Platform: models.PlatformPlayStore, PriceDisplay: "14 990 ₸"},
	}
}

func TestCatalogLoad(t *testing.T) {
	store := &stubStore{products: testProducts()}
	cat := NewCatalog(store, testConfig(), testLogger{})

	products, err := cat.Load(context.Background(), []string{"sub.monthly", "sub.yearly"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(products) != 2 {
		t.Fatalf("expected 2 products, got %d", len(products))
	}
	if !cat.Loaded() {
		t.Fatal("catalog must report loaded after success")
	}
	pr, ok := cat.ByTier(models.TierYearly)
	if !ok || pr.ProductID != "sub.yearly" {
		t.Fatalf("ByTier(yearly) = %+v, %v", pr, ok)
	}
}

func TestCatalogLoadRetriesEmptyResponse(t *testing.T) {
	store := &stubStore{products: testProducts(), emptyLoads: 2}
	cat := NewCatalog(store, testConfig(), testLogger{})

	if _, err := cat.Load(context.Background(), []string{"sub.monthly"}); err != nil {
		t.Fatalf("Load: %v", err)
	}
	store.mu.Lock()
	calls := store.loadCalls
	store.mu.Unlock()
	if calls != 3 {
		t.Fatalf("expected 3 load attempts, got %d", calls)
	}
}

func TestCatalogLoadExhausted(t *testing.T) {
	store := &stubStore{loadResults: []error{
		errors.New("store closed"),
		errors.New("store closed"),
		errors.New("store closed"),
	}}
	cat := NewCatalog(store, testConfig(), testLogger{})

	_, err := cat.Load(context.Background(), []string{"sub.monthly"})
	var perr *Error
	if !errors.As(err, &perr) || perr.Category != CategoryProductUnavailable {
		t.Fatalf("expected product_unavailable after exhaustion, got %v", err)
	}
	store.mu.Lock()
	calls := store.loadCalls
	store.mu.Unlock()
	if calls != 3 {
		t.Fatalf("expected exactly 3 load attempts, got %d", calls)
	}
	if cat.Loaded() {
		t.Fatal("catalog must not report loaded after exhaustion")
	}
}

func TestCatalogByTierUnknownProduct(t *testing.T) {
	store := &stubStore{products: testProducts()[:1]}
	cat := NewCatalog(store, testConfig(), testLogger{})
	if _, err := cat.Load(context.Background(), []string{"sub.monthly"}); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, ok := cat.ByTier(models.TierYearly); ok {
		t.Fatal("ByTier must miss when the store never returned the product")
	}
}

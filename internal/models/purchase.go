package models

import (
	"fmt"
	"strings"
	"time"
)

// Platform identifies the commerce store variant the mobile client runs against.
type Platform string

const (
	PlatformAppStore  Platform = "app_store"
	PlatformPlayStore Platform = "play_store"
)

// ParsePlatform normalizes client-provided platform names.
func ParsePlatform(s string) (Platform, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "app_store", "appstore", "ios":
		return PlatformAppStore, nil
	case "play_store", "playstore", "android":
		return PlatformPlayStore, nil
	default:
		return "", fmt.Errorf("unsupported platform: %s", s)
	}
}

// SubscriptionTier is a paid tier the app sells.
type SubscriptionTier string

const (
	TierMonthly SubscriptionTier = "monthly"
	TierYearly  SubscriptionTier = "yearly"
)

func ParseSubscriptionTier(s string) (SubscriptionTier, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "monthly":
		return TierMonthly, nil
	case "yearly", "annual":
		return TierYearly, nil
	default:
		return "", fmt.Errorf("unsupported subscription tier: %s", s)
	}
}

// Product is an immutable purchasable descriptor loaded from the store.
type Product struct {
	ProductID    string   `json:"product_id"`
	Platform     Platform `json:"platform"`
	PriceDisplay string   `json:"price_display"`
	// OfferTokens are the current Play offer identifiers for the product;
	// empty on the App Store and for legacy Play products.
	OfferTokens []string `json:"offer_tokens,omitempty"`
}

// PurchaseEvent is one purchase lifecycle event delivered by a store.
// It is consumed by the transaction processor and not retained afterwards.
type PurchaseEvent struct {
	TransactionID string
	ProductID     string
	// Receipt holds the opaque proof of purchase: a signed StoreKit payload
	// or a Play purchase token.
	Receipt     []byte
	OrderID     string
	PurchasedAt time.Time
}

// VerificationResult is the backend authority's verdict for one purchase.
type VerificationResult struct {
	Valid bool
}

// RestoreSummary reports the outcome of re-driving existing purchases.
type RestoreSummary struct {
	Succeeded int `json:"restored"`
	Failed    int `json:"failed"`
}

// PurchaseRecord is a journaled transaction row.
type PurchaseRecord struct {
	TransactionID string
	UserID        int
	ProductID     string
	Platform      Platform
	OrderID       string
	Raw           string
	Finalized     bool
	CreatedAt     time.Time
}

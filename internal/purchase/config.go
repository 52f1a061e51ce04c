package purchase

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"paywallBack/internal/models"
)

const (
	defaultConnectTimeout    = 15 * time.Second
	defaultVerifyTimeout     = 30 * time.Second
	defaultVerifyAttempts    = 3
	defaultRetryDelay        = 2 * time.Second
	defaultCatalogAttempts   = 3
	defaultCatalogRetryDelay = 2 * time.Second
)

// Config holds runtime configuration for the purchase module.
type Config struct {
	ConnectTimeout    time.Duration
	VerifyTimeout     time.Duration
	VerifyAttempts    int
	RetryDelay        time.Duration
	CatalogAttempts   int
	CatalogRetryDelay time.Duration
	// Products maps each sellable tier to the active product id for the
	// configured platform. Exactly one id per tier; the mapping is
	// configuration, not behavior.
	Products map[models.SubscriptionTier]string
}

// LoadConfig reads purchase configuration from environment variables and
// applies defaults.
func LoadConfig() (Config, error) {
	cfg := Config{
		ConnectTimeout:    defaultConnectTimeout,
		VerifyTimeout:     defaultVerifyTimeout,
		VerifyAttempts:    defaultVerifyAttempts,
		RetryDelay:        defaultRetryDelay,
		CatalogAttempts:   defaultCatalogAttempts,
		CatalogRetryDelay: defaultCatalogRetryDelay,
		Products:          make(map[models.SubscriptionTier]string),
	}

	if d, err := readSecondsEnv("PURCHASE_CONNECT_TIMEOUT_SECONDS"); err != nil {
		return Config{}, fmt.Errorf("parse PURCHASE_CONNECT_TIMEOUT_SECONDS: %w", err)
	} else if d != nil {
		cfg.ConnectTimeout = *d
	}

	if d, err := readSecondsEnv("PURCHASE_VERIFY_TIMEOUT_SECONDS"); err != nil {
		return Config{}, fmt.Errorf("parse PURCHASE_VERIFY_TIMEOUT_SECONDS: %w", err)
	} else if d != nil {
		cfg.VerifyTimeout = *d
	}

	if d, err := readSecondsEnv("PURCHASE_RETRY_DELAY_SECONDS"); err != nil {
		return Config{}, fmt.Errorf("parse PURCHASE_RETRY_DELAY_SECONDS: %w", err)
	} else if d != nil {
		cfg.RetryDelay = *d
		cfg.CatalogRetryDelay = *d
	}

	if v := os.Getenv("PURCHASE_VERIFY_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("parse PURCHASE_VERIFY_ATTEMPTS: %w", err)
		}
		cfg.VerifyAttempts = n
	}

	if id := os.Getenv("IAP_PRODUCT_MONTHLY"); id != "" {
		cfg.Products[models.TierMonthly] = id
	}
	if id := os.Getenv("IAP_PRODUCT_YEARLY"); id != "" {
		cfg.Products[models.TierYearly] = id
	}
	if len(cfg.Products) == 0 {
		return Config{}, fmt.Errorf("IAP_PRODUCT_MONTHLY / IAP_PRODUCT_YEARLY are not configured")
	}

	if cfg.VerifyAttempts <= 0 {
		return Config{}, fmt.Errorf("PURCHASE_VERIFY_ATTEMPTS must be positive")
	}
	if cfg.ConnectTimeout <= 0 || cfg.VerifyTimeout <= 0 {
		return Config{}, fmt.Errorf("purchase timeouts must be positive")
	}

	return cfg, nil
}

// ProductIDs returns the configured product ids in stable tier order.
func (c Config) ProductIDs() []string {
	ids := make([]string, 0, len(c.Products))
	for _, tier := range []models.SubscriptionTier{models.TierMonthly, models.TierYearly} {
		if id, ok := c.Products[tier]; ok {
			ids = append(ids, id)
		}
	}
	return ids
}

func readSecondsEnv(name string) (*time.Duration, error) {
	val := os.Getenv(name)
	if val == "" {
		return nil, nil
	}
	secs, err := strconv.Atoi(val)
	if err != nil {
		return nil, err
	}
	d := time.Duration(secs) * time.Second
	return &d, nil
}

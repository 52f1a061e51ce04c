package purchase

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

// Category is the stable semantic classification of a purchase failure.
type Category string

const (
	CategoryUserCancelled      Category = "user_cancelled"
	CategoryNetwork            Category = "network"
	CategoryTimeout            Category = "timeout"
	CategoryStoreUnavailable   Category = "store_unavailable"
	CategoryProductUnavailable Category = "product_unavailable"
	CategoryAlreadyOwned       Category = "already_owned"
	CategoryBillingUnavailable Category = "billing_unavailable"
	CategoryConfiguration      Category = "configuration"
	CategoryVerificationFailed Category = "verification_failed"
	CategoryUnknown            Category = "unknown"
)

// Error is a classified purchase failure surfaced to callers. The category
// drives retry policy and user-facing presentation; the wrapped error keeps
// the original cause for logs.
type Error struct {
	Category Category
	Code     string
	Message  string
	Err      error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Category)
	}
	if e.Err != nil {
		return fmt.Sprintf("purchase: %s: %v", msg, e.Err)
	}
	return "purchase: " + msg
}

func (e *Error) Unwrap() error { return e.Err }

// Classify maps a store-reported error code onto a semantic category.
// Codes cover both StoreKit and Play Billing spellings.
func Classify(code string) Category {
	switch strings.ToUpper(strings.TrimSpace(code)) {
	case "E_USER_CANCELLED", "USER_CANCELED", "USER_CANCELLED", "PURCHASE_CANCELLED":
		return CategoryUserCancelled
	case "E_NETWORK_ERROR", "NETWORK_ERROR", "SERVICE_DISCONNECTED", "SERVICE_TIMEOUT":
		return CategoryNetwork
	case "E_SERVICE_ERROR", "SERVICE_UNAVAILABLE", "STORE_PROBLEM":
		return CategoryStoreUnavailable
	case "E_ITEM_UNAVAILABLE", "ITEM_UNAVAILABLE", "PRODUCT_NOT_FOUND":
		return CategoryProductUnavailable
	case "E_ALREADY_OWNED", "ITEM_ALREADY_OWNED":
		return CategoryAlreadyOwned
	case "E_BILLING_UNAVAILABLE", "BILLING_UNAVAILABLE":
		return CategoryBillingUnavailable
	case "E_DEVELOPER_ERROR", "DEVELOPER_ERROR", "FEATURE_NOT_SUPPORTED":
		return CategoryConfiguration
	default:
		return CategoryUnknown
	}
}

// Transient reports whether a backend call failed with a connectivity problem
// worth retrying. Deadline and cancellation errors are final for the attempt,
// not transient.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}

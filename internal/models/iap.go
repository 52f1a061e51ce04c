package models

// AppleTransaction contains decoded transaction fields from Apple's JWS payload.
type AppleTransaction struct {
	TransactionID         string `json:"transactionId"`
	OriginalTransactionID string `json:"originalTransactionId"`
	ProductID             string `json:"productId"`
	BundleID              string `json:"bundleId"`
	Environment           string `json:"environment"`
	PurchaseDate          int64  `json:"purchaseDate"`
	Raw                   string `json:"-"`
}

// AppleNotification wraps the App Store server notification payload (after
// signature verification).
type AppleNotification struct {
	NotificationType string `json:"notificationType"`
	Subtype          string `json:"subtype,omitempty"`
	Data             struct {
		AppAppleID            int64  `json:"appAppleId,omitempty"`
		BundleID              string `json:"bundleId,omitempty"`
		Environment           string `json:"environment"`
		SignedTransactionInfo string `json:"signedTransactionInfo,omitempty"`
		SignedRenewalInfo     string `json:"signedRenewalInfo,omitempty"`
		Status                string `json:"status,omitempty"`
	} `json:"data"`
	Version    string `json:"version"`
	SignedDate int64  `json:"signedDate"`
	Raw        string `json:"-"`
}

// GooglePurchase is the normalized view of a Play purchase after a
// subscriptions.get lookup.
type GooglePurchase struct {
	ProductID     string
	PurchaseToken string
	OrderID       string
	PackageName   string

	ExpiryTimeMillis int64
	StartTimeMillis  int64
	PaymentState     *int64
	AutoRenewing     bool
	Acknowledged     bool

	// "ACTIVE" | "EXPIRED" | "PENDING" | "CANCELED" | "UNKNOWN"
	Status string

	Raw string
}

// GoogleRTDNEnvelope is the Pub/Sub push wrapper around a real-time developer
// notification.
type GoogleRTDNEnvelope struct {
	Message struct {
		Data      string `json:"data"`
		MessageID string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// GoogleDeveloperNotification is the decoded RTDN payload.
type GoogleDeveloperNotification struct {
	Version         string `json:"version"`
	PackageName     string `json:"packageName"`
	EventTimeMillis string `json:"eventTimeMillis"`

	SubscriptionNotification *struct {
		Version          string `json:"version"`
		NotificationType int    `json:"notificationType"`
		PurchaseToken    string `json:"purchaseToken"`
		SubscriptionID   string `json:"subscriptionId"`
	} `json:"subscriptionNotification,omitempty"`

	VoidedPurchaseNotification *struct {
		PurchaseToken string `json:"purchaseToken"`
		OrderID       string `json:"orderId"`
		ProductType   int    `json:"productType"`
	} `json:"voidedPurchaseNotification,omitempty"`
}

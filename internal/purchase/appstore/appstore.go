package appstore

import (
	"context"
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt"

	"paywallBack/internal/models"
	"paywallBack/internal/purchase"
)

const (
	prodBase    = "https://api.storekit.itunes.apple.com"
	sandboxBase = "https://api.storekit-sandbox.itunes.apple.com"
	jwksURL     = "https://apple.com/.well-known/appstoreconnect/keys"
)

// Config carries App Store Server API credentials.
type Config struct {
	IssuerID   string
	BundleID   string
	KeyID      string
	PrivateKey string

	// Optional: force sandbox ("sandbox") or production ("production").
	Environment string
	HTTPClient  *http.Client

	// PriceDisplay maps product ids to the localized price string shown on
	// the paywall. StoreKit resolves prices on the device; the server side
	// only mirrors what marketing configured.
	PriceDisplay map[string]string
}

// Store is the App Store adapter. Purchase traffic reaches it through
// App Store server notifications: events that arrive while no listener is
// subscribed are queued and surface later as leftover finalization work.
type Store struct {
	issuerID string
	bundleID string
	keyID    string
	key      *ecdsa.PrivateKey

	defaultEnv string
	client     *http.Client
	prices     map[string]string
	logger     purchase.Logger

	jwksMu     sync.Mutex
	jwks       *jose.JSONWebKeySet
	jwksExpiry time.Time

	mu        sync.Mutex
	connected bool
	listener  purchase.Listener
	queued    []models.PurchaseEvent
	seen      map[string]models.PurchaseEvent
	finalized map[string]bool
}

// New constructs the App Store adapter.
func New(cfg Config, logger purchase.Logger) (*Store, error) {
	if strings.TrimSpace(cfg.IssuerID) == "" || strings.TrimSpace(cfg.KeyID) == "" || strings.TrimSpace(cfg.PrivateKey) == "" {
		return nil, fmt.Errorf("app store: issuer_id, key_id and private_key are required")
	}
	key, err := jwt.ParseECPrivateKeyFromPEM([]byte(cfg.PrivateKey))
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	env := strings.ToLower(strings.TrimSpace(cfg.Environment))
	if env != "sandbox" {
		env = "production"
	}
	return &Store{
		issuerID:   strings.TrimSpace(cfg.IssuerID),
		bundleID:   strings.TrimSpace(cfg.BundleID),
		keyID:      strings.TrimSpace(cfg.KeyID),
		key:        key,
		defaultEnv: env,
		client:     client,
		prices:     cfg.PriceDisplay,
		logger:     logger,
		seen:       make(map[string]models.PurchaseEvent),
		finalized:  make(map[string]bool),
	}, nil
}

func (s *Store) Platform() models.Platform { return models.PlatformAppStore }

// Connect proves the credentials work: it signs an API token and warms the
// JWKS cache used for notification verification.
func (s *Store) Connect(ctx context.Context) error {
	if _, err := s.signedToken(); err != nil {
		return fmt.Errorf("sign api token: %w", err)
	}
	if _, err := s.fetchJWKS(ctx); err != nil {
		return fmt.Errorf("fetch apple jwks: %w", err)
	}
	s.mu.Lock()
	s.connected = true
	s.mu.Unlock()
	return nil
}

func (s *Store) Disconnect() error {
	s.mu.Lock()
	s.connected = false
	s.mu.Unlock()
	return nil
}

// LoadProducts resolves the configured product ids. The App Store exposes no
// server-side product metadata endpoint, so the adapter answers from its own
// price configuration and rejects ids it knows nothing about.
func (s *Store) LoadProducts(ctx context.Context, ids []string) ([]models.Product, error) {
	s.mu.Lock()
	connected := s.connected
	s.mu.Unlock()
	if !connected {
		return nil, errors.New("app store: not connected")
	}
	products := make([]models.Product, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		price, ok := s.prices[id]
		if !ok {
			s.logger.Errorf("[APP STORE] no price configured for product %s", id)
			continue
		}
		products = append(products, models.Product{
			ProductID:    id,
			Platform:     models.PlatformAppStore,
			PriceDisplay: price,
		})
	}
	return products, nil
}

// RequestPurchase validates the product and records the intent. The actual
// StoreKit flow runs on the device; its outcome comes back through a server
// notification.
func (s *Store) RequestPurchase(ctx context.Context, req purchase.PurchaseRequest) error {
	if strings.TrimSpace(req.ProductID) == "" {
		return errors.New("app store: product id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return errors.New("app store: not connected")
	}
	s.logger.Infof("[APP STORE] purchase requested product=%s", req.ProductID)
	return nil
}

// ListPurchases returns every transaction observed this session, refreshed
// against the App Store Server API so restores never trust stale local state.
func (s *Store) ListPurchases(ctx context.Context) ([]models.PurchaseEvent, error) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.seen))
	for id := range s.seen {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	events := make([]models.PurchaseEvent, 0, len(ids))
	for _, id := range ids {
		ev, err := s.FetchTransaction(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("refresh transaction %s: %w", id, err)
		}
		events = append(events, ev)
	}
	return events, nil
}

// Finalize marks a transaction finished on our side. The device calls
// StoreKit's finish itself; the server only keeps the acknowledgement record.
func (s *Store) Finalize(ctx context.Context, ev models.PurchaseEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finalized[ev.TransactionID] = true
	s.logger.Infof("[APP STORE] finalized tx=%s product=%s", ev.TransactionID, ev.ProductID)
	return nil
}

// FlushFailedCache is a Play quirk; the App Store has no failed-purchase cache.
func (s *Store) FlushFailedCache(ctx context.Context) error { return nil }

// PendingFinalize drains transactions that arrived while no listener was
// subscribed, typically notifications delivered between sessions.
func (s *Store) PendingFinalize(ctx context.Context) ([]models.PurchaseEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pending := s.queued
	s.queued = nil
	return pending, nil
}

func (s *Store) Subscribe(l purchase.Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listener = l
}

func (s *Store) Unsubscribe() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listener = nil
}

// HandleNotification ingests one App Store server notification: verifies the
// JWS envelope, decodes the transaction and routes it to the listener, or
// queues it when nobody is subscribed.
func (s *Store) HandleNotification(ctx context.Context, signedPayload string) error {
	notif, err := s.parseNotification(ctx, signedPayload)
	if err != nil {
		return err
	}

	switch notif.NotificationType {
	case "EXPIRED", "REVOKE", "REFUND":
		s.deliverFailure(purchase.StoreFailure{
			Code:    notif.NotificationType,
			Message: fmt.Sprintf("subscription %s", strings.ToLower(notif.NotificationType)),
		})
		return nil
	case "DID_FAIL_TO_RENEW":
		s.deliverFailure(purchase.StoreFailure{
			Code:    "E_BILLING_UNAVAILABLE",
			Message: "renewal failed: billing issue",
		})
		return nil
	}

	if notif.Data.SignedTransactionInfo == "" {
		s.logger.Infof("[APP STORE] notification %s without transaction info", notif.NotificationType)
		return nil
	}
	txn, err := s.decodeSignedTransaction(ctx, notif.Data.SignedTransactionInfo)
	if err != nil {
		return fmt.Errorf("decode transaction: %w", err)
	}
	s.deliver(eventFromTransaction(txn))
	return nil
}

// FetchTransaction fetches signedTransactionInfo for one transaction id from
// the App Store Server API, validates its signature and returns the event.
func (s *Store) FetchTransaction(ctx context.Context, transactionID string) (models.PurchaseEvent, error) {
	if strings.TrimSpace(transactionID) == "" {
		return models.PurchaseEvent{}, errors.New("transaction id is required")
	}
	signed, err := s.fetchSignedTransaction(ctx, transactionID, s.defaultEnv)
	if err != nil {
		return models.PurchaseEvent{}, err
	}
	txn, err := s.decodeSignedTransaction(ctx, signed)
	if err != nil {
		return models.PurchaseEvent{}, err
	}
	if txn.TransactionID == "" {
		txn.TransactionID = transactionID
	}
	if txn.TransactionID != transactionID {
		return models.PurchaseEvent{}, fmt.Errorf("transaction id mismatch: expected %s got %s", transactionID, txn.TransactionID)
	}
	return eventFromTransaction(txn), nil
}

func (s *Store) deliver(ev models.PurchaseEvent) {
	s.mu.Lock()
	s.seen[ev.TransactionID] = ev
	l := s.listener
	if l == nil {
		s.queued = append(s.queued, ev)
	}
	s.mu.Unlock()
	if l != nil {
		l.PurchaseUpdated(ev)
	}
}

func (s *Store) deliverFailure(f purchase.StoreFailure) {
	s.mu.Lock()
	l := s.listener
	s.mu.Unlock()
	if l != nil {
		l.PurchaseFailed(f)
	} else {
		s.logger.Errorf("[APP STORE] dropped failure event code=%s: no listener", f.Code)
	}
}

func eventFromTransaction(txn models.AppleTransaction) models.PurchaseEvent {
	return models.PurchaseEvent{
		TransactionID: txn.TransactionID,
		ProductID:     txn.ProductID,
		Receipt:       []byte(txn.Raw),
		OrderID:       txn.OriginalTransactionID,
		PurchasedAt:   time.UnixMilli(txn.PurchaseDate),
	}
}

func (s *Store) parseNotification(ctx context.Context, signedPayload string) (models.AppleNotification, error) {
	data, err := s.verifyJWS(ctx, signedPayload)
	if err != nil {
		return models.AppleNotification{}, err
	}
	var notif models.AppleNotification
	if err := json.Unmarshal(data, &notif); err != nil {
		return models.AppleNotification{}, err
	}
	notif.Raw = signedPayload
	if s.bundleID != "" && notif.Data.BundleID != "" && notif.Data.BundleID != s.bundleID {
		return models.AppleNotification{}, fmt.Errorf("bundle id mismatch: %s", notif.Data.BundleID)
	}
	return notif, nil
}

func (s *Store) decodeSignedTransaction(ctx context.Context, signedInfo string) (models.AppleTransaction, error) {
	payload, err := s.verifyJWS(ctx, signedInfo)
	if err != nil {
		return models.AppleTransaction{}, err
	}
	var txn models.AppleTransaction
	if err := json.Unmarshal(payload, &txn); err != nil {
		return models.AppleTransaction{}, err
	}
	txn.Raw = signedInfo
	if s.bundleID != "" && txn.BundleID != "" && txn.BundleID != s.bundleID {
		return models.AppleTransaction{}, fmt.Errorf("bundle id mismatch: %s", txn.BundleID)
	}
	return txn, nil
}

func (s *Store) fetchSignedTransaction(ctx context.Context, transactionID, env string) (string, error) {
	token, err := s.signedToken()
	if err != nil {
		return "", err
	}

	base := prodBase
	if env == "sandbox" {
		base = sandboxBase
	}
	url := fmt.Sprintf("%s/inApps/v1/transactions/%s", base, transactionID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("apple api %s: %s (%s)", env, resp.Status, strings.TrimSpace(string(body)))
	}

	var body struct {
		SignedTransactionInfo string `json:"signedTransactionInfo"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", err
	}
	if strings.TrimSpace(body.SignedTransactionInfo) == "" {
		return "", errors.New("empty signedTransactionInfo")
	}
	return body.SignedTransactionInfo, nil
}

func (s *Store) signedToken() (string, error) {
	now := time.Now().UTC()
	claims := jwt.MapClaims{
		"iss": s.issuerID,
		"iat": now.Unix(),
		"exp": now.Add(10 * time.Minute).Unix(),
		"aud": "appstoreconnect-v1",
	}
	if s.bundleID != "" {
		claims["bid"] = s.bundleID
	}
	t := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	t.Header["kid"] = s.keyID
	return t.SignedString(s.key)
}

func (s *Store) verifyJWS(ctx context.Context, token string) ([]byte, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("empty signed payload")
	}

	jws, err := jose.ParseSigned(token, []jose.SignatureAlgorithm{jose.ES256})
	if err != nil {
		return nil, err
	}
	if len(jws.Signatures) == 0 {
		return nil, errors.New("missing signature")
	}
	sig := jws.Signatures[0]

	// Server notifications carry an x5c chain; API responses reference a JWKS
	// key by id.
	if payload, err := s.verifyWithX5C(jws, sig.Header); err == nil {
		return payload, nil
	} else if !errors.Is(err, jose.ErrMissingX5cHeader) {
		return nil, err
	}

	key, err := s.lookupKey(ctx, sig.Header.KeyID)
	if err != nil {
		return nil, err
	}
	return jws.Verify(&key)
}

func (s *Store) verifyWithX5C(jws *jose.JSONWebSignature, header jose.Header) ([]byte, error) {
	roots, err := x509.SystemCertPool()
	if err != nil || roots == nil {
		roots = x509.NewCertPool()
	}
	opts := x509.VerifyOptions{
		Roots:       roots,
		CurrentTime: time.Now(),
	}
	chains, err := header.Certificates(opts)
	if err != nil {
		return nil, err
	}
	if len(chains) == 0 || len(chains[0]) == 0 {
		return nil, errors.New("apple jws: empty certificate chain")
	}
	leaf := chains[0][0]
	if leaf.PublicKey == nil {
		return nil, errors.New("apple jws: certificate missing public key")
	}
	return jws.Verify(leaf.PublicKey)
}

func (s *Store) lookupKey(ctx context.Context, kid string) (jose.JSONWebKey, error) {
	set, err := s.fetchJWKS(ctx)
	if err != nil {
		return jose.JSONWebKey{}, err
	}
	keys := set.Key(kid)
	if len(keys) == 0 {
		return jose.JSONWebKey{}, fmt.Errorf("apple jwk not found: %s", kid)
	}
	return keys[0], nil
}

func (s *Store) fetchJWKS(ctx context.Context) (*jose.JSONWebKeySet, error) {
	s.jwksMu.Lock()
	defer s.jwksMu.Unlock()

	if s.jwks != nil && time.Until(s.jwksExpiry) > 5*time.Minute {
		return s.jwks, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, jwksURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("apple jwks: %s (%s)", resp.Status, strings.TrimSpace(string(body)))
	}

	var set jose.JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return nil, err
	}
	s.jwks = &set
	s.jwksExpiry = time.Now().Add(30 * time.Minute)
	return s.jwks, nil
}

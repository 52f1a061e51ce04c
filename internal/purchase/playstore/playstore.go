package playstore

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	androidpublisher "google.golang.org/api/androidpublisher/v3"
	"google.golang.org/api/option"

	"paywallBack/internal/models"
	"paywallBack/internal/purchase"
)

// Config carries Play publisher API credentials.
type Config struct {
	PackageName        string
	ServiceAccountJSON string
}

// publisherAPI is the slice of the androidpublisher surface the adapter uses,
// extracted so tests can stub the Google backend.
type publisherAPI interface {
	GetSubscriptionPurchase(ctx context.Context, subscriptionID, token string) (*androidpublisher.SubscriptionPurchase, error)
	AcknowledgeSubscription(ctx context.Context, subscriptionID, token string) error
	GetSubscription(ctx context.Context, productID string) (*androidpublisher.Subscription, error)
	ListVoidedPurchases(ctx context.Context) ([]*androidpublisher.VoidedPurchase, error)
}

// Store is the Play Billing adapter. Purchase traffic reaches it through
// real-time developer notifications pushed over Pub/Sub.
type Store struct {
	cfg    Config
	logger purchase.Logger

	mu        sync.Mutex
	api       publisherAPI
	listener  purchase.Listener
	queued    []models.PurchaseEvent
	seen      map[string]string // purchase token -> subscription id
	voided    map[string]bool
	finalized map[string]bool
}

// New constructs the Play Store adapter. The publisher API client is built
// lazily in Connect so construction never needs network access.
func New(cfg Config, logger purchase.Logger) (*Store, error) {
	cfg.PackageName = strings.TrimSpace(cfg.PackageName)
	if cfg.PackageName == "" {
		return nil, errors.New("GOOGLE_PLAY_PACKAGE_NAME is empty")
	}
	if strings.TrimSpace(cfg.ServiceAccountJSON) == "" {
		return nil, errors.New("GOOGLE_PLAY_SERVICE_ACCOUNT_JSON is empty")
	}
	return &Store{
		cfg:       cfg,
		logger:    logger,
		seen:      make(map[string]string),
		voided:    make(map[string]bool),
		finalized: make(map[string]bool),
	}, nil
}

func (s *Store) Platform() models.Platform { return models.PlatformPlayStore }

// Connect authenticates against the publisher API.
func (s *Store) Connect(ctx context.Context) error {
	s.mu.Lock()
	api := s.api
	s.mu.Unlock()
	if api != nil {
		return nil
	}

	svc, err := androidpublisher.NewService(ctx,
		option.WithCredentialsJSON([]byte(s.cfg.ServiceAccountJSON)),
		option.WithScopes(androidpublisher.AndroidpublisherScope),
	)
	if err != nil {
		return fmt.Errorf("androidpublisher.NewService: %w", err)
	}

	s.mu.Lock()
	s.api = &googleAPI{svc: svc, packageName: s.cfg.PackageName}
	s.mu.Unlock()
	return nil
}

func (s *Store) Disconnect() error {
	s.mu.Lock()
	s.api = nil
	s.mu.Unlock()
	return nil
}

// LoadProducts fetches subscription definitions from the publisher API.
func (s *Store) LoadProducts(ctx context.Context, ids []string) ([]models.Product, error) {
	api, err := s.connectedAPI()
	if err != nil {
		return nil, err
	}
	products := make([]models.Product, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		sub, err := api.GetSubscription(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("monetization.subscriptions.get %s: %w", id, err)
		}
		products = append(products, productFromSubscription(id, sub))
	}
	return products, nil
}

// RequestPurchase validates the product and records the intent. The billing
// flow itself runs on the device; the outcome comes back as an RTDN.
func (s *Store) RequestPurchase(ctx context.Context, req purchase.PurchaseRequest) error {
	if strings.TrimSpace(req.ProductID) == "" {
		return errors.New("play store: product id is required")
	}
	if _, err := s.connectedAPI(); err != nil {
		return err
	}
	if len(req.OfferTokens) == 0 {
		s.logger.Infof("[PLAY] purchase requested product=%s (legacy, no offers)", req.ProductID)
		return nil
	}
	s.logger.Infof("[PLAY] purchase requested product=%s offers=%d", req.ProductID, len(req.OfferTokens))
	return nil
}

// ListPurchases refreshes every purchase token observed this session against
// subscriptions.get and returns the still-valid ones.
func (s *Store) ListPurchases(ctx context.Context) ([]models.PurchaseEvent, error) {
	api, err := s.connectedAPI()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	tokens := make(map[string]string, len(s.seen))
	for token, subID := range s.seen {
		if !s.voided[token] {
			tokens[token] = subID
		}
	}
	s.mu.Unlock()

	events := make([]models.PurchaseEvent, 0, len(tokens))
	for token, subID := range tokens {
		gp, err := s.lookup(ctx, api, subID, token)
		if err != nil {
			return nil, err
		}
		if gp.Status == "EXPIRED" {
			continue
		}
		events = append(events, eventFromGooglePurchase(gp))
	}
	return events, nil
}

// Finalize acknowledges the subscription purchase. Play revokes unacknowledged
// purchases after three days, so this is the Play spelling of "finish".
func (s *Store) Finalize(ctx context.Context, ev models.PurchaseEvent) error {
	api, err := s.connectedAPI()
	if err != nil {
		return err
	}
	token := string(ev.Receipt)
	if strings.TrimSpace(ev.ProductID) == "" || strings.TrimSpace(token) == "" {
		return errors.New("play store: product id and purchase token are required")
	}
	if err := api.AcknowledgeSubscription(ctx, ev.ProductID, token); err != nil {
		return fmt.Errorf("google subscriptions.acknowledge: %w", err)
	}
	s.mu.Lock()
	s.finalized[token] = true
	s.mu.Unlock()
	return nil
}

// FlushFailedCache drops queued events whose purchase was voided since they
// were cached. Play redelivers failed-but-pending purchases; voided ones must
// not resurface as entitlements.
func (s *Store) FlushFailedCache(ctx context.Context) error {
	api, err := s.connectedAPI()
	if err != nil {
		return err
	}
	voided, err := api.ListVoidedPurchases(ctx)
	if err != nil {
		return fmt.Errorf("google voidedpurchases.list: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range voided {
		s.voided[v.PurchaseToken] = true
	}
	if len(s.queued) == 0 {
		return nil
	}
	kept := s.queued[:0]
	for _, ev := range s.queued {
		if s.voided[string(ev.Receipt)] {
			s.logger.Infof("[PLAY] dropped voided cached purchase order=%s", ev.OrderID)
			continue
		}
		kept = append(kept, ev)
	}
	s.queued = kept
	return nil
}

// PendingFinalize drains events that arrived while no listener was subscribed.
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

// RTDN subscription notification types.
const (
	rtdnRecovered = 1
	rtdnRenewed   = 2
	rtdnCanceled  = 3
	rtdnPurchased = 4
	rtdnOnHold    = 5
	rtdnRestarted = 7
	rtdnRevoked   = 12
	rtdnExpired   = 13
)

// HandleRTDN ingests one real-time developer notification pushed by Pub/Sub.
func (s *Store) HandleRTDN(ctx context.Context, envelope models.GoogleRTDNEnvelope) error {
	raw, err := base64.StdEncoding.DecodeString(envelope.Message.Data)
	if err != nil {
		return fmt.Errorf("decode rtdn data: %w", err)
	}
	var notif models.GoogleDeveloperNotification
	if err := json.Unmarshal(raw, &notif); err != nil {
		return fmt.Errorf("unmarshal rtdn: %w", err)
	}
	if notif.PackageName != "" && notif.PackageName != s.cfg.PackageName {
		return fmt.Errorf("package name mismatch: %s", notif.PackageName)
	}

	if vn := notif.VoidedPurchaseNotification; vn != nil {
		s.mu.Lock()
		s.voided[vn.PurchaseToken] = true
		s.mu.Unlock()
		s.logger.Infof("[PLAY] voided purchase order=%s", vn.OrderID)
		return nil
	}

	sn := notif.SubscriptionNotification
	if sn == nil {
		s.logger.Infof("[PLAY] rtdn without subscription payload")
		return nil
	}

	switch sn.NotificationType {
	case rtdnPurchased, rtdnRenewed, rtdnRecovered, rtdnRestarted:
		api, err := s.connectedAPI()
		if err != nil {
			return err
		}
		gp, err := s.lookup(ctx, api, sn.SubscriptionID, sn.PurchaseToken)
		if err != nil {
			return err
		}
		if gp.Status == "PENDING" {
			s.logger.Infof("[PLAY] pending purchase order=%s, waiting for payment", gp.OrderID)
			return nil
		}
		s.deliver(eventFromGooglePurchase(gp))
	case rtdnExpired, rtdnRevoked:
		s.deliverFailure(purchase.StoreFailure{
			Code:    "E_ALREADY_OWNED",
			Message: fmt.Sprintf("subscription ended (rtdn type %d)", sn.NotificationType),
		})
	case rtdnCanceled, rtdnOnHold:
		s.logger.Infof("[PLAY] subscription state change type=%d sub=%s", sn.NotificationType, sn.SubscriptionID)
	default:
		s.logger.Infof("[PLAY] ignored rtdn type=%d", sn.NotificationType)
	}
	return nil
}

func (s *Store) connectedAPI() (publisherAPI, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.api == nil {
		return nil, errors.New("play store: not connected")
	}
	return s.api, nil
}

func (s *Store) lookup(ctx context.Context, api publisherAPI, subscriptionID, token string) (models.GooglePurchase, error) {
	subscriptionID = strings.TrimSpace(subscriptionID)
	token = strings.TrimSpace(token)
	if subscriptionID == "" || token == "" {
		return models.GooglePurchase{}, errors.New("subscription_id and purchase_token are required")
	}
	resp, err := api.GetSubscriptionPurchase(ctx, subscriptionID, token)
	if err != nil {
		return models.GooglePurchase{}, fmt.Errorf("google subscriptions.get: %w", err)
	}

	raw, _ := json.Marshal(resp)
	nowMillis := time.Now().UnixMilli()

	status := "UNKNOWN"
	if int64PtrEq(resp.PaymentState, 0) {
		status = "PENDING"
	} else if resp.ExpiryTimeMillis > 0 && resp.ExpiryTimeMillis > nowMillis {
		status = "ACTIVE"
		if !resp.AutoRenewing {
			status = "CANCELED"
		}
	} else if resp.ExpiryTimeMillis > 0 && resp.ExpiryTimeMillis <= nowMillis {
		status = "EXPIRED"
	}

	s.mu.Lock()
	s.seen[token] = subscriptionID
	s.mu.Unlock()

	return models.GooglePurchase{
		ProductID:        subscriptionID,
		PurchaseToken:    token,
		OrderID:          resp.OrderId,
		PackageName:      s.cfg.PackageName,
		ExpiryTimeMillis: resp.ExpiryTimeMillis,
		StartTimeMillis:  resp.StartTimeMillis,
		PaymentState:     resp.PaymentState,
		AutoRenewing:     resp.AutoRenewing,
		Acknowledged:     resp.AcknowledgementState == 1,
		Status:           status,
		Raw:              string(raw),
	}, nil
}

func (s *Store) deliver(ev models.PurchaseEvent) {
	s.mu.Lock()
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
		s.logger.Errorf("[PLAY] dropped failure event code=%s: no listener", f.Code)
	}
}

func eventFromGooglePurchase(gp models.GooglePurchase) models.PurchaseEvent {
	txID := gp.OrderID
	if txID == "" {
		txID = gp.PurchaseToken
	}
	return models.PurchaseEvent{
		TransactionID: txID,
		ProductID:     gp.ProductID,
		Receipt:       []byte(gp.PurchaseToken),
		OrderID:       gp.OrderID,
		PurchasedAt:   time.UnixMilli(gp.StartTimeMillis),
	}
}

func productFromSubscription(id string, sub *androidpublisher.Subscription) models.Product {
	product := models.Product{
		ProductID: id,
		Platform:  models.PlatformPlayStore,
	}
	for _, bp := range sub.BasePlans {
		if bp.State != "ACTIVE" {
			continue
		}
		product.OfferTokens = append(product.OfferTokens, bp.BasePlanId)
		if product.PriceDisplay == "" {
			for _, rc := range bp.RegionalConfigs {
				if rc.Price != nil {
					product.PriceDisplay = fmt.Sprintf("%d %s", rc.Price.Units, rc.Price.CurrencyCode)
					break
				}
			}
		}
	}
	return product
}

func int64PtrEq(v *int64, want int64) bool {
	return v != nil && *v == want
}

// googleAPI is the production publisherAPI implementation.
type googleAPI struct {
	svc         *androidpublisher.Service
	packageName string
}

func (g *googleAPI) GetSubscriptionPurchase(ctx context.Context, subscriptionID, token string) (*androidpublisher.SubscriptionPurchase, error) {
	return g.svc.Purchases.Subscriptions.Get(g.packageName, subscriptionID, token).Context(ctx).Do()
}

func (g *googleAPI) AcknowledgeSubscription(ctx context.Context, subscriptionID, token string) error {
	req := &androidpublisher.SubscriptionPurchasesAcknowledgeRequest{}
	return g.svc.Purchases.Subscriptions.Acknowledge(g.packageName, subscriptionID, token, req).Context(ctx).Do()
}

func (g *googleAPI) GetSubscription(ctx context.Context, productID string) (*androidpublisher.Subscription, error) {
	return g.svc.Monetization.Subscriptions.Get(g.packageName, productID).Context(ctx).Do()
}

func (g *googleAPI) ListVoidedPurchases(ctx context.Context) ([]*androidpublisher.VoidedPurchase, error) {
	resp, err := g.svc.Purchases.Voidedpurchases.List(g.packageName).Context(ctx).Do()
	if err != nil {
		return nil, err
	}
	return resp.VoidedPurchases, nil
}

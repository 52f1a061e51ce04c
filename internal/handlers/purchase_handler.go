package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"paywallBack/internal/models"
	"paywallBack/internal/purchase"
)

// PurchasePipeline bundles the purchase components built for one store
// platform.
type PurchasePipeline struct {
	Orchestrator *purchase.Orchestrator
	Restorer     *purchase.Restorer
	Connection   *purchase.Connection
	Catalog      *purchase.Catalog
	Config       purchase.Config
}

// TransactionJournal is the slice of the transaction repository the HTTP
// layer needs.
type TransactionJournal interface {
	Claim(ctx context.Context, rec models.PurchaseRecord) error
	ListByUser(ctx context.Context, userID int) ([]models.PurchaseRecord, error)
}

// PurchaseHandler exposes the purchase subsystem over HTTP: initiation,
// claim, restore, and the product catalog for the paywall screen. One
// pipeline is wired per configured store platform.
type PurchaseHandler struct {
	Pipelines map[models.Platform]*PurchasePipeline
	Repo      TransactionJournal
}

func NewPurchaseHandler(pipelines map[models.Platform]*PurchasePipeline, repo TransactionJournal) *PurchaseHandler {
	return &PurchaseHandler{Pipelines: pipelines, Repo: repo}
}

func (h *PurchaseHandler) pipeline(raw string) (*PurchasePipeline, error) {
	platform, err := models.ParsePlatform(raw)
	if err != nil {
		return nil, err
	}
	p, ok := h.Pipelines[platform]
	if !ok {
		return nil, errors.New("platform is not configured: " + string(platform))
	}
	return p, nil
}

// InitiatePurchase handles POST /subscriptions/purchase.
func (h *PurchaseHandler) InitiatePurchase(w http.ResponseWriter, r *http.Request) {
	userID, _ := r.Context().Value("user_id").(int)
	if userID == 0 {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req struct {
		Platform string `json:"platform"`
		Tier     string `json:"tier"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body: "+err.Error(), http.StatusBadRequest)
		return
	}
	tier, err := models.ParseSubscriptionTier(req.Tier)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	p, err := h.pipeline(req.Platform)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	product, err := p.Orchestrator.Purchase(r.Context(), tier)
	if err != nil {
		writePurchaseError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  "initiated",
		"product": product,
	})
}

// ClaimPurchase handles POST /subscriptions/claim. The mobile client calls it
// as soon as the store sheet completes, binding the store transaction to the
// authenticated user so the webhook-side event can be attributed to them.
func (h *PurchaseHandler) ClaimPurchase(w http.ResponseWriter, r *http.Request) {
	userID, _ := r.Context().Value("user_id").(int)
	if userID == 0 {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req struct {
		Platform      string `json:"platform"`
		TransactionID string `json:"transaction_id"`
		OrderID       string `json:"order_id"`
		ProductID     string `json:"product_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body: "+err.Error(), http.StatusBadRequest)
		return
	}
	req.TransactionID = strings.TrimSpace(req.TransactionID)
	if req.TransactionID == "" {
		http.Error(w, "transaction_id is required", http.StatusBadRequest)
		return
	}
	platform, err := models.ParsePlatform(req.Platform)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if _, ok := h.Pipelines[platform]; !ok {
		http.Error(w, "platform is not configured: "+string(platform), http.StatusBadRequest)
		return
	}

	rec := models.PurchaseRecord{
		TransactionID: req.TransactionID,
		UserID:        userID,
		ProductID:     req.ProductID,
		Platform:      platform,
		OrderID:       req.OrderID,
	}
	if err := h.Repo.Claim(r.Context(), rec); err != nil {
		http.Error(w, "claim transaction: "+err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "claimed"})
}

// RestorePurchases handles POST /subscriptions/restore.
func (h *PurchaseHandler) RestorePurchases(w http.ResponseWriter, r *http.Request) {
	userID, _ := r.Context().Value("user_id").(int)
	if userID == 0 {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req struct {
		Platform string `json:"platform"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body: "+err.Error(), http.StatusBadRequest)
		return
	}
	p, err := h.pipeline(req.Platform)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if !p.Connection.Ready() {
		if err := p.Connection.Connect(r.Context()); err != nil {
			writePurchaseError(w, err)
			return
		}
	}
	summary, err := p.Restorer.Restore(r.Context())
	if err != nil {
		writePurchaseError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"restored":   summary.Succeeded,
		"failed":     summary.Failed,
		"restore_id": uuid.NewString(),
	})
}

// ListProducts handles GET /subscriptions/products?platform=...
func (h *PurchaseHandler) ListProducts(w http.ResponseWriter, r *http.Request) {
	p, err := h.pipeline(r.URL.Query().Get("platform"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if !p.Connection.Ready() {
		if err := p.Connection.Connect(r.Context()); err != nil {
			writePurchaseError(w, err)
			return
		}
	}
	if !p.Catalog.Loaded() {
		if _, err := p.Catalog.Load(r.Context(), p.Config.ProductIDs()); err != nil {
			writePurchaseError(w, err)
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"products": p.Catalog.Products(),
	})
}

// ListTransactions handles GET /subscriptions/transactions and returns the
// caller's journaled purchases.
func (h *PurchaseHandler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	userID, _ := r.Context().Value("user_id").(int)
	if userID == 0 {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	records, err := h.Repo.ListByUser(r.Context(), userID)
	if err != nil {
		http.Error(w, "list transactions: "+err.Error(), http.StatusInternalServerError)
		return
	}

	type item struct {
		TransactionID string          `json:"transaction_id"`
		ProductID     string          `json:"product_id"`
		Platform      models.Platform `json:"platform"`
		OrderID       string          `json:"order_id,omitempty"`
		Finalized     bool            `json:"finalized"`
		CreatedAt     string          `json:"created_at"`
	}
	out := make([]item, 0, len(records))
	for _, rec := range records {
		out = append(out, item{
			TransactionID: rec.TransactionID,
			ProductID:     rec.ProductID,
			Platform:      rec.Platform,
			OrderID:       rec.OrderID,
			Finalized:     rec.Finalized,
			CreatedAt:     rec.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"),
		})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"transactions": out})
}

// writePurchaseError translates a classified purchase failure into an HTTP
// response the mobile client can branch on.
func writePurchaseError(w http.ResponseWriter, err error) {
	var perr *purchase.Error
	if !errors.As(err, &perr) {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	status := http.StatusInternalServerError
	switch perr.Category {
	case purchase.CategoryUserCancelled:
		status = http.StatusOK
	case purchase.CategoryProductUnavailable, purchase.CategoryConfiguration:
		status = http.StatusBadRequest
	case purchase.CategoryAlreadyOwned:
		status = http.StatusConflict
	case purchase.CategoryVerificationFailed:
		status = http.StatusUnprocessableEntity
	case purchase.CategoryTimeout:
		status = http.StatusGatewayTimeout
	case purchase.CategoryStoreUnavailable, purchase.CategoryNetwork, purchase.CategoryBillingUnavailable:
		status = http.StatusBadGateway
	}

	retryable := false
	switch perr.Category {
	case purchase.CategoryNetwork, purchase.CategoryTimeout, purchase.CategoryStoreUnavailable, purchase.CategoryBillingUnavailable:
		retryable = true
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error":     perr.Category,
		"message":   perr.Message,
		"code":      perr.Code,
		"retryable": retryable,
	})
}

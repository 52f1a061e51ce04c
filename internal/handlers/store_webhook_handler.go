package handlers

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log"
	"net/http"

	"paywallBack/internal/models"
	"paywallBack/internal/purchase/appstore"
	"paywallBack/internal/purchase/playstore"
	"paywallBack/internal/repositories"
)

// StoreWebhookHandler ingests store-to-server purchase notifications and
// feeds them to the matching store adapter. Redeliveries are absorbed by the
// dedup cache before they reach the adapters.
type StoreWebhookHandler struct {
	Apple *appstore.Store
	Play  *playstore.Store
	Dedup *repositories.DedupCache
}

func NewStoreWebhookHandler(apple *appstore.Store, play *playstore.Store, dedup *repositories.DedupCache) *StoreWebhookHandler {
	return &StoreWebhookHandler{Apple: apple, Play: play, Dedup: dedup}
}

// AppleNotifications handles POST /iap/apple/notifications (App Store server
// notifications V2).
func (h *StoreWebhookHandler) AppleNotifications(w http.ResponseWriter, r *http.Request) {
	if h.Apple == nil {
		http.Error(w, "app store is not configured", http.StatusNotImplemented)
		return
	}

	var req struct {
		SignedPayload string `json:"signedPayload"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.SignedPayload == "" {
		http.Error(w, "signedPayload is required", http.StatusBadRequest)
		return
	}

	// Apple sends no delivery id; the payload hash stands in for one.
	sum := sha256.Sum256([]byte(req.SignedPayload))
	deliveryID := hex.EncodeToString(sum[:])

	seen, err := h.Dedup.Seen(r.Context(), "apple", deliveryID)
	if err != nil {
		log.Printf("[WEBHOOK] apple dedup check: %v", err)
	} else if seen {
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "duplicate"})
		return
	}

	if err := h.Apple.HandleNotification(r.Context(), req.SignedPayload); err != nil {
		// Let Apple redeliver once the mark is gone.
		if ferr := h.Dedup.Forget(r.Context(), "apple", deliveryID); ferr != nil {
			log.Printf("[WEBHOOK] apple dedup forget: %v", ferr)
		}
		http.Error(w, "handle notification: "+err.Error(), http.StatusBadRequest)
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// GoogleRTDN handles POST /iap/google/rtdn (Pub/Sub push with a real-time
// developer notification).
func (h *StoreWebhookHandler) GoogleRTDN(w http.ResponseWriter, r *http.Request) {
	if h.Play == nil {
		http.Error(w, "play store is not configured", http.StatusNotImplemented)
		return
	}

	var envelope models.GoogleRTDNEnvelope
	if err := json.NewDecoder(r.Body).Decode(&envelope); err != nil {
		http.Error(w, "invalid body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if envelope.Message.Data == "" {
		http.Error(w, "message data is required", http.StatusBadRequest)
		return
	}

	seen, err := h.Dedup.Seen(r.Context(), "google", envelope.Message.MessageID)
	if err != nil {
		log.Printf("[WEBHOOK] google dedup check: %v", err)
	} else if seen {
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "duplicate"})
		return
	}

	if err := h.Play.HandleRTDN(r.Context(), envelope); err != nil {
		if ferr := h.Dedup.Forget(r.Context(), "google", envelope.Message.MessageID); ferr != nil {
			log.Printf("[WEBHOOK] google dedup forget: %v", ferr)
		}
		// Pub/Sub retries on non-2xx.
		http.Error(w, "handle rtdn: "+err.Error(), http.StatusInternalServerError)
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

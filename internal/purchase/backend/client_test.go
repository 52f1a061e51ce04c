package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"paywallBack/internal/models"
)

func testEvent() models.PurchaseEvent {
	return models.PurchaseEvent{
		TransactionID: "T1",
		ProductID:     "sub.monthly",
		Receipt:       []byte("token-T1"),
		OrderID:       "GPA.1234",
		PurchasedAt:   time.Now(),
	}
}

func TestVerifyPurchase_PlayPayload(t *testing.T) {
	var gotPath string
	var gotBody map[string]interface{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if auth := r.Header.Get("Authorization"); auth != "Bearer key-1" {
			t.Errorf("authorization header mismatch: %q", auth)
		}
		if r.Header.Get("X-Request-ID") == "" {
			t.Error("missing request id header")
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"success": true}`))
	}))
	defer ts.Close()

	c := NewClient(ts.Client(), ts.URL, "key-1", models.PlatformPlayStore)
	res, err := c.VerifyPurchase(context.Background(), testEvent())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Valid {
		t.Fatal("expected valid result")
	}
	if gotPath != "/subscriptions/verify/play-store" {
		t.Errorf("path mismatch: %q", gotPath)
	}
	if gotBody["purchase_token"] != "token-T1" {
		t.Errorf("purchase token mismatch: %v", gotBody["purchase_token"])
	}
	if gotBody["order_id"] != "GPA.1234" {
		t.Errorf("order id mismatch: %v", gotBody["order_id"])
	}
}

func TestVerifyPurchase_AppStorePayload(t *testing.T) {
	var gotPath string
	var gotBody map[string]interface{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.Write([]byte(`{"success": true}`))
	}))
	defer ts.Close()

	c := NewClient(ts.Client(), ts.URL, "key-1", models.PlatformAppStore)
	if _, err := c.VerifyPurchase(context.Background(), testEvent()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotPath != "/subscriptions/verify/app-store" {
		t.Errorf("path mismatch: %q", gotPath)
	}
	if gotBody["transaction_id"] != "T1" {
		t.Errorf("transaction id mismatch: %v", gotBody["transaction_id"])
	}
	if s, _ := gotBody["receipt_data"].(string); !strings.HasPrefix(s, "dG9rZW4") {
		t.Errorf("receipt data not base64 encoded: %q", s)
	}
}

func TestVerifyPurchase_RejectedIsVerdictNotError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"success": false, "message": "expired"}`))
	}))
	defer ts.Close()

	c := NewClient(ts.Client(), ts.URL, "key-1", models.PlatformPlayStore)
	res, err := c.VerifyPurchase(context.Background(), testEvent())
	if err != nil {
		t.Fatalf("rejection must not be an error: %v", err)
	}
	if res.Valid {
		t.Fatal("expected invalid result")
	}
}

func TestVerifyPurchase_ServerErrorIsError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer ts.Close()

	c := NewClient(ts.Client(), ts.URL, "key-1", models.PlatformPlayStore)
	if _, err := c.VerifyPurchase(context.Background(), testEvent()); err == nil {
		t.Fatal("expected error on 5xx")
	}
}

func TestRestorePurchase_AppStoreUsesRestoreEndpoint(t *testing.T) {
	var gotPath string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Write([]byte(`{"success": true}`))
	}))
	defer ts.Close()

	c := NewClient(ts.Client(), ts.URL, "key-1", models.PlatformAppStore)
	if _, err := c.RestorePurchase(context.Background(), testEvent()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotPath != "/subscriptions/restore/app-store" {
		t.Errorf("path mismatch: %q", gotPath)
	}
}

func TestRestorePurchase_PlayDelegatesToVerify(t *testing.T) {
	var gotPath string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Write([]byte(`{"success": true}`))
	}))
	defer ts.Close()

	c := NewClient(ts.Client(), ts.URL, "key-1", models.PlatformPlayStore)
	if _, err := c.RestorePurchase(context.Background(), testEvent()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotPath != "/subscriptions/verify/play-store" {
		t.Errorf("path mismatch: %q", gotPath)
	}
}

package handlers

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"

	"firebase.google.com/go/messaging"
)

// FCMHandler delivers purchase push notifications and manages device tokens.
type FCMHandler struct {
	Client *messaging.Client
	DB     *sql.DB
}

type Token struct {
	UserId int    `json:"user_id"`
	Token  string `json:"token"`
}

func NewFCMHandler(client *messaging.Client, db *sql.DB) *FCMHandler {
	return &FCMHandler{Client: client, DB: db}
}

// NotifyPurchase pushes a subscription-activated notification to every device
// the user registered. Send failures are logged per token, never fatal: the
// purchase is already applied.
func (h *FCMHandler) NotifyPurchase(ctx context.Context, userID int, title, body, productID string) {
	if h.Client == nil {
		return
	}
	tokens, err := h.tokensByUserID(userID)
	if err != nil {
		log.Printf("[FCM] fetch tokens user=%d: %v", userID, err)
		return
	}
	for _, token := range tokens {
		if err := h.send(ctx, token, title, body, productID); err != nil {
			log.Printf("[FCM] send to token %s: %v", token, err)
		}
	}
}

func (h *FCMHandler) send(ctx context.Context, token, title, body, productID string) error {
	message := &messaging.Message{
		Token: token,
		Notification: &messaging.Notification{
			Title: title,
			Body:  body,
		},
		Data: map[string]string{
			"type":       "subscription",
			"product_id": productID,
		},
		Android: &messaging.AndroidConfig{
			Priority: "high",
			Notification: &messaging.AndroidNotification{
				ChannelID: "high_priority_channel",
			},
		},
		APNS: &messaging.APNSConfig{
			Headers: map[string]string{
				"apns-priority": "10",
			},
			Payload: &messaging.APNSPayload{
				Aps: &messaging.Aps{
					Alert: &messaging.ApsAlert{
						Title: title,
						Body:  body,
					},
					Sound: "default",
				},
			},
		},
	}

	_, err := h.Client.Send(ctx, message)
	return err
}

func (h *FCMHandler) tokensByUserID(userID int) ([]string, error) {
	if h.DB == nil {
		return nil, fmt.Errorf("database connection is not initialized")
	}

	rows, err := h.DB.Query("SELECT token FROM notify_tokens WHERE user_id = ?", userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tokens []string
	for rows.Next() {
		var token string
		if err := rows.Scan(&token); err != nil {
			return nil, err
		}
		tokens = append(tokens, token)
	}
	return tokens, rows.Err()
}

// CreateToken handles POST /notify_tokens.
func (h *FCMHandler) CreateToken(w http.ResponseWriter, r *http.Request) {
	var newToken Token
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&newToken); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if newToken.UserId == 0 || newToken.Token == "" {
		http.Error(w, "user_id and token are required", http.StatusBadRequest)
		return
	}

	if _, err := h.DB.Exec(`INSERT INTO notify_tokens (user_id, token) VALUES (?, ?)`, newToken.UserId, newToken.Token); err != nil {
		http.Error(w, "failed to save token", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

// DeleteToken handles DELETE /notify_tokens/:token.
func (h *FCMHandler) DeleteToken(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get(":token")
	if token == "" {
		http.Error(w, "token is required", http.StatusBadRequest)
		return
	}

	if _, err := h.DB.Exec(`DELETE FROM notify_tokens WHERE token = ?`, token); err != nil {
		http.Error(w, "failed to delete token", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

package main

import (
	"net/http"

	"github.com/bmizerany/pat"
	"github.com/justinas/alice"
)

func (app *application) routes() http.Handler {
	standardMiddleware := alice.New(app.recoverPanic, app.logRequest, secureHeaders, makeResponseJSON)
	authMiddleware := standardMiddleware.Append(app.JWTMiddleware)

	mux := pat.New()

	// Subscriptions
	mux.Post("/subscriptions/purchase", authMiddleware.ThenFunc(app.purchaseHandler.InitiatePurchase))
	mux.Post("/subscriptions/claim", authMiddleware.ThenFunc(app.purchaseHandler.ClaimPurchase))
	mux.Post("/subscriptions/restore", authMiddleware.ThenFunc(app.purchaseHandler.RestorePurchases))
	mux.Get("/subscriptions/products", standardMiddleware.ThenFunc(app.purchaseHandler.ListProducts))
	mux.Get("/subscriptions/transactions", authMiddleware.ThenFunc(app.purchaseHandler.ListTransactions))

	// Store webhooks: Apple Server Notifications V2 and Play RTDN push
	mux.Post("/iap/apple/notifications", standardMiddleware.ThenFunc(app.webhookHandler.AppleNotifications))
	mux.Post("/iap/google/rtdn", standardMiddleware.ThenFunc(app.webhookHandler.GoogleRTDN))

	// Push tokens
	mux.Post("/notify_tokens", authMiddleware.ThenFunc(app.fcmHandler.CreateToken))
	mux.Del("/notify_tokens/:token", authMiddleware.ThenFunc(app.fcmHandler.DeleteToken))

	// Entitlement push channel
	mux.Get("/ws", http.HandlerFunc(app.WebSocketHandler))

	mux.Get("/health", standardMiddleware.ThenFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"ok"}`))
	}))

	return mux
}

package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"time"

	firebase "firebase.google.com/go"
	"firebase.google.com/go/messaging"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"google.golang.org/api/option"

	"paywallBack/internal/handlers"
	"paywallBack/internal/models"
	"paywallBack/internal/purchase"
	"paywallBack/internal/purchase/appstore"
	"paywallBack/internal/purchase/backend"
	"paywallBack/internal/purchase/playstore"
	"paywallBack/internal/repositories"
)

// pipeline is the full purchase stack for one store platform.
type pipeline struct {
	platform  models.Platform
	store     purchase.Store
	processor *purchase.Processor
	handler   *handlers.PurchasePipeline
}

type application struct {
	errorLog *log.Logger
	infoLog  *log.Logger
	db       *sql.DB
	rdb      *redis.Client

	wsManager *WebSocketManager
	pipelines map[models.Platform]*pipeline

	txRepo          *repositories.TransactionRepository
	purchaseHandler *handlers.PurchaseHandler
	webhookHandler  *handlers.StoreWebhookHandler
	fcmHandler      *handlers.FCMHandler
}

type appLogger struct {
	infoLog  *log.Logger
	errorLog *log.Logger
}

func (l appLogger) Infof(format string, args ...interface{})  { l.infoLog.Printf(format, args...) }
func (l appLogger) Errorf(format string, args ...interface{}) { l.errorLog.Printf(format, args...) }

func initializeApp(db *sql.DB, rdb *redis.Client, errorLog, infoLog *log.Logger) (*application, error) {
	cfg, err := purchase.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load purchase config: %w", err)
	}
	logger := appLogger{infoLog: infoLog, errorLog: errorLog}

	txRepo := repositories.NewTransactionRepository(db)
	dedup := repositories.NewDedupCache(rdb, time.Hour)

	fcmClient, err := newMessagingClient()
	if err != nil {
		errorLog.Printf("firebase messaging disabled: %v", err)
	}
	fcmHandler := handlers.NewFCMHandler(fcmClient, db)

	app := &application{
		errorLog:   errorLog,
		infoLog:    infoLog,
		db:         db,
		rdb:        rdb,
		wsManager:  NewWebSocketManager(),
		pipelines:  make(map[models.Platform]*pipeline),
		txRepo:     txRepo,
		fcmHandler: fcmHandler,
	}

	var appleStore *appstore.Store
	if os.Getenv("APPLE_IAP_KEY_ID") != "" {
		appleStore, err = appstore.New(appstore.Config{
			IssuerID:     os.Getenv("APPLE_IAP_ISSUER_ID"),
			BundleID:     os.Getenv("APPLE_IAP_BUNDLE_ID"),
			KeyID:        os.Getenv("APPLE_IAP_KEY_ID"),
			PrivateKey:   os.Getenv("APPLE_IAP_PRIVATE_KEY"),
			Environment:  os.Getenv("APPLE_IAP_ENVIRONMENT"),
			PriceDisplay: applePriceDisplay(cfg),
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("app store adapter: %w", err)
		}
		app.addPipeline(appleStore, cfg, logger)
	}

	var playStore *playstore.Store
	if os.Getenv("GOOGLE_PLAY_PACKAGE_NAME") != "" {
		playStore, err = playstore.New(playstore.Config{
			PackageName:        os.Getenv("GOOGLE_PLAY_PACKAGE_NAME"),
			ServiceAccountJSON: os.Getenv("GOOGLE_PLAY_SERVICE_ACCOUNT_JSON"),
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("play store adapter: %w", err)
		}
		app.addPipeline(playStore, cfg, logger)
	}

	if len(app.pipelines) == 0 {
		return nil, fmt.Errorf("no store platform configured")
	}

	handlerPipelines := make(map[models.Platform]*handlers.PurchasePipeline, len(app.pipelines))
	for platform, p := range app.pipelines {
		handlerPipelines[platform] = p.handler
	}
	app.purchaseHandler = handlers.NewPurchaseHandler(handlerPipelines, txRepo)
	app.webhookHandler = handlers.NewStoreWebhookHandler(appleStore, playStore, dedup)

	return app, nil
}

func (app *application) addPipeline(store purchase.Store, cfg purchase.Config, logger appLogger) {
	verifier := backend.NewClient(nil, os.Getenv("VERIFY_API_URL"), os.Getenv("VERIFY_API_KEY"), store.Platform())

	processor := purchase.NewProcessor(store, verifier, cfg, logger)
	processor.OnSuccess = app.purchaseApplied(store.Platform())
	processor.OnFailure = func(err *purchase.Error) {
		app.errorLog.Printf("purchase failed platform=%s category=%s: %v", store.Platform(), err.Category, err)
	}

	conn := purchase.NewConnection(store, processor, cfg, logger)
	catalog := purchase.NewCatalog(store, cfg, logger)

	app.pipelines[store.Platform()] = &pipeline{
		platform:  store.Platform(),
		store:     store,
		processor: processor,
		handler: &handlers.PurchasePipeline{
			Orchestrator: purchase.NewOrchestrator(store, conn, catalog, cfg, logger),
			Restorer:     purchase.NewRestorer(store, processor, logger),
			Connection:   conn,
			Catalog:      catalog,
			Config:       cfg,
		},
	}
}

// purchaseApplied is the success fan-out: journal the transaction, then tell
// the user's devices about the fresh entitlement. The owner comes from the
// claim the client filed at purchase time, or from the order id on renewals.
func (app *application) purchaseApplied(platform models.Platform) func(models.PurchaseEvent, bool) {
	return func(ev models.PurchaseEvent, finalized bool) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		// Redeliveries that outlived the dedup cache stop at the journal.
		if done, err := app.txRepo.IsProcessed(ctx, ev.TransactionID); err == nil && done {
			app.infoLog.Printf("purchase tx=%s already journaled, skipping fan-out", ev.TransactionID)
			return
		}

		userID := 0
		if uid, err := app.txRepo.GetOwner(ctx, ev.TransactionID); err == nil && uid != 0 {
			userID = uid
		} else if uid, err := app.txRepo.GetOwnerByOrderID(ctx, ev.OrderID); err == nil {
			// Renewals carry a fresh transaction id but keep the order id.
			userID = uid
		}

		rec := models.PurchaseRecord{
			TransactionID: ev.TransactionID,
			UserID:        userID,
			ProductID:     ev.ProductID,
			Platform:      platform,
			OrderID:       ev.OrderID,
			Raw:           string(ev.Receipt),
			Finalized:     finalized,
		}
		if err := app.txRepo.Save(ctx, rec); err != nil {
			app.errorLog.Printf("journal purchase tx=%s: %v", ev.TransactionID, err)
		}

		if userID == 0 {
			app.infoLog.Printf("purchase applied tx=%s, owner not claimed yet", ev.TransactionID)
			return
		}
		app.fcmHandler.NotifyPurchase(ctx, userID, "Subscription activated", "Your subscription is now active", ev.ProductID)
		app.wsManager.NotifyUser(userID, wsEvent{
			Type:          "entitlements_updated",
			ProductID:     ev.ProductID,
			TransactionID: ev.TransactionID,
		})
	}
}

func applePriceDisplay(cfg purchase.Config) map[string]string {
	prices := make(map[string]string)
	if id, ok := cfg.Products[models.TierMonthly]; ok {
		if p := os.Getenv("APPSTORE_PRICE_MONTHLY"); p != "" {
			prices[id] = p
		}
	}
	if id, ok := cfg.Products[models.TierYearly]; ok {
		if p := os.Getenv("APPSTORE_PRICE_YEARLY"); p != "" {
			prices[id] = p
		}
	}
	return prices
}

func newMessagingClient() (*messaging.Client, error) {
	creds := os.Getenv("FIREBASE_CREDENTIALS_JSON")
	if creds == "" {
		return nil, fmt.Errorf("FIREBASE_CREDENTIALS_JSON is not set")
	}
	ctx := context.Background()
	fb, err := firebase.NewApp(ctx, nil, option.WithCredentialsJSON([]byte(creds)))
	if err != nil {
		return nil, fmt.Errorf("firebase.NewApp: %w", err)
	}
	return fb.Messaging(ctx)
}

func openDB(driver, dsn string) (*sql.DB, error) {
	if driver == "" {
		driver = "mysql"
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		log.Printf("Failed to open DB: %v", err)
		return nil, err
	}
	if err = db.Ping(); err != nil {
		log.Printf("Failed to ping DB: %v", err)
		return nil, err
	}
	db.SetMaxIdleConns(35)
	log.Println("Successfully connected to database")
	return db, nil
}

func openRedis(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/sefapay/sefapay/handler"
	"github.com/sefapay/sefapay/infra/cache"
	"github.com/sefapay/sefapay/infra/config"
	"github.com/sefapay/sefapay/infra/conn"
	"github.com/sefapay/sefapay/infra/logger"
	"github.com/sefapay/sefapay/infra/opensearch"
	"github.com/sefapay/sefapay/router"
	"github.com/sefapay/sefapay/service"
	"github.com/sefapay/sefapay/store"
)

// webhookRetryInterval is how often the due-webhook sweep runs.
const webhookRetryInterval = time.Minute

var openSearchLogger *opensearch.Logger

func init() {
	// Load Env
	if err := godotenv.Load(".env"); err != nil {
		log.Printf("No .env file loaded: %v", err)
	}
	// init conf
	_ = config.App()

	// Initialize OpenSearch client and logger
	cfg := config.GetAppConfig()
	if cfg.EnableLogging {
		osClient, err := opensearch.NewClient(cfg)
		if err != nil {
			log.Printf("Failed to initialize OpenSearch client: %v", err)
			log.Println("Continuing without OpenSearch logging...")
		} else {
			openSearchLogger = opensearch.NewLogger(osClient)
			log.Println("OpenSearch logging initialized successfully")
		}
	} else {
		log.Println("OpenSearch logging is disabled")
	}

	logger.InitGlobalLogger(openSearchLogger)
}

func main() {
	cfg := config.GetAppConfig()

	// Database
	db, err := conn.Connect()
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	if err := store.InitSchema(db); err != nil {
		log.Fatalf("Failed to initialize schema: %v", err)
	}

	// Cache: Redis in production, in-memory fallback
	var cacheStore cache.Store
	if redisStore, err := cache.NewRedisStore(cfg.RedisURL); err != nil {
		log.Printf("Redis unavailable (%v), using in-memory cache", err)
		cacheStore = cache.NewMemoryStore(10000)
	} else {
		cacheStore = redisStore
	}
	defer cacheStore.Close()

	// Provider credential storage: SQLite when CONFIG_STORAGE_PATH points at
	// a file, otherwise the main Postgres database.
	var configStorage config.ConfigStorage
	if path := config.GetEnv("CONFIG_STORAGE_PATH", ""); path != "" {
		configStorage, err = config.NewSQLiteStorage(path)
	} else {
		configStorage, err = config.NewPostgresStorage(db)
	}
	if err != nil {
		log.Fatalf("Failed to initialize config storage: %v", err)
	}
	defer configStorage.Close()
	providerConfig := config.NewProviderConfig(configStorage, config.App().SecretKey)

	// Stores
	transactions := store.NewTransactionStore(db)
	webhookEvents := store.NewWebhookStore(db)
	merchants := store.NewMerchantStore(db)
	audits := store.NewAuditStore(db)

	// Services
	paymentService := service.NewPaymentService(transactions, audits, providerConfig)
	webhookService := service.NewWebhookService(webhookEvents, transactions, paymentService, providerConfig)
	authService := service.NewAuthService(merchants)

	// Handlers
	validate := config.App().Validator
	deps := router.Deps{
		Payment:       handler.NewPaymentHandler(paymentService, validate),
		Webhook:       handler.NewWebhookHandler(webhookService),
		Auth:          handler.NewAuthHandler(authService, validate),
		Config:        handler.NewConfigHandler(providerConfig, paymentService, audits),
		Health:        handler.NewHealthHandler(db, cacheStore),
		Authenticator: authService,
		Cache:         cacheStore,
		OSLogger:      openSearchLogger,
	}

	r := router.New(deps)

	// Create a context that listens for interrupt and terminate signals
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Background sweep for webhook retries
	go func() {
		ticker := time.NewTicker(webhookRetryInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				if n, err := webhookService.RetryDue(ctx, now, 100); err != nil {
					logger.Error("webhook retry sweep failed", err)
				} else if n > 0 {
					logger.Info("webhook retry sweep processed events", logger.LogContext{
						Fields: map[string]any{"count": n},
					})
				}
			}
		}
	}()

	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Port),
		Handler:           r,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		err := server.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			log.Fatal(err.Error())
		}
	}()

	log.Println("API is running on", cfg.Port)

	// Block until a signal is received
	<-ctx.Done()

	log.Println("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}
}

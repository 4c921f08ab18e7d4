package main

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"

	"github.com/kanisapp/mpesapay-gobackend/internal/config"
	"github.com/kanisapp/mpesapay-gobackend/internal/handlers"
	"github.com/kanisapp/mpesapay-gobackend/internal/services"
	"github.com/kanisapp/mpesapay-gobackend/internal/store"
)

func main() {
	// Load .env
	if err := godotenv.Load(".env"); err != nil {
		log.Printf("Warning: Error loading .env: %s", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	// Connect to MongoDB
	ctx := context.Background()
	client, err := store.Connect(ctx, cfg.MongoURI)
	if err != nil {
		log.Fatalf("Failed to connect to MongoDB: %v", err)
	}
	defer func() {
		disconnectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := client.Disconnect(disconnectCtx); err != nil {
			log.Printf("Error disconnecting from MongoDB: %v", err)
		}
	}()
	log.Println("Successfully connected to MongoDB")

	mongoStore := store.NewMongoStore(client.Database(cfg.Database))
	if err := mongoStore.EnsureIndexes(ctx); err != nil {
		log.Printf("Warning: failed to create indexes: %v", err)
	}

	// Initialize services and handlers
	daraja := services.NewDarajaClient(cfg.Daraja)
	paymentService := services.NewPaymentService(daraja, mongoStore, mongoStore)
	poller := services.NewStatusPoller(mongoStore, services.PollerConfig{
		InitialDelay:  cfg.PollInitialDelay,
		RetryInterval: cfg.PollRetryInterval,
		MaxRetries:    cfg.PollMaxRetries,
	})
	paymentHandler := handlers.NewPaymentHandler(paymentService, poller, []byte(cfg.JWTSecret))

	// Background reconciliation sweep for pending rows whose callback never
	// landed. Off unless SWEEP_INTERVAL is set.
	if cfg.SweepInterval > 0 {
		sweeper := services.NewSweeper(mongoStore, daraja, paymentService, cfg.SweepInterval, cfg.SweepMinAge)
		go sweeper.Run(ctx)
	}

	// Set up router
	router := mux.NewRouter()
	router.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods("GET", "HEAD")

	router.HandleFunc("/api/payment/stkpush", paymentHandler.InitiatePayment).Methods("POST")
	router.HandleFunc("/api/payment/callback", paymentHandler.Callback).Methods("POST")
	router.HandleFunc("/api/payments", paymentHandler.ListOutcomes).Methods("GET")
	router.HandleFunc("/api/payment/{checkoutRequestID}/status", paymentHandler.GetOutcome).Methods("GET")
	router.HandleFunc("/api/payment/{checkoutRequestID}/await", paymentHandler.AwaitOutcome).Methods("GET")

	// The await endpoint holds the request for the whole poll budget, so the
	// write timeout must outlast it.
	pollBudget := cfg.PollInitialDelay + time.Duration(cfg.PollMaxRetries)*cfg.PollRetryInterval
	server := &http.Server{
		Addr:         "0.0.0.0:" + cfg.Port,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: pollBudget + 15*time.Second,
	}
	log.Printf("Server running on port %s", cfg.Port)
	log.Fatal(server.ListenAndServe())
}

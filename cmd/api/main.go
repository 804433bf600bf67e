package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/plateful/plateful-backend/internal/modules/delivery"
	"github.com/plateful/plateful-backend/internal/modules/order"
	"github.com/plateful/plateful-backend/internal/modules/payment"
	"github.com/plateful/plateful-backend/internal/modules/refund"
	"github.com/plateful/plateful-backend/internal/platform/cache"
	"github.com/plateful/plateful-backend/internal/platform/events"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file, using process environment")
	}

	db, err := sql.Open("postgres", os.Getenv("DATABASE_URL"))
	if err != nil {
		log.Fatal(err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		log.Fatal(err)
	}
	fmt.Println("Successfully connected to the database!")

	// ── Router ──────────────────────────────────────────────
	router := chi.NewRouter()
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)
	router.Use(middleware.RequestID)

	// ── Platform: events & webhook dedupe ───────────────────
	var publisher events.Publisher = events.Nop()
	if amqpURL := os.Getenv("RABBITMQ_URL"); amqpURL != "" {
		p, err := events.NewAMQPPublisher(amqpURL, envOr("RABBITMQ_EXCHANGE", "plateful.events"))
		if err != nil {
			log.Fatalf("rabbitmq: %v", err)
		}
		defer p.Close()
		publisher = p
	}

	var dedupe cache.IdempotencyStore = cache.Nop()
	if redisAddr := os.Getenv("REDIS_ADDR"); redisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     redisAddr,
			Password: os.Getenv("REDIS_PASSWORD"),
		})
		dedupe = cache.NewRedisIdempotencyStore(rdb, envDuration("WEBHOOK_DEDUPE_TTL", 24*time.Hour))
	}

	// ── Order lifecycle ─────────────────────────────────────
	orderRepo := order.NewPostgresRepository(db)

	stripeGateway := payment.NewStripeGateway(
		envOr("STRIPE_BASE_URL", "https://api.stripe.com"),
		os.Getenv("STRIPE_SECRET_KEY"),
		envDuration("STRIPE_TIMEOUT", 10*time.Second),
	)
	refundRepo := refund.NewPostgresRepository(db)
	refundService := refund.NewService(refundRepo, orderRepo, stripeGateway, publisher)

	orderService := order.NewService(orderRepo, publisher, refundService)
	order.NewHandler(orderService).RegisterRoutes(router)
	refund.NewHandler(refundService).RegisterRoutes(router)

	// ── Payment correlation ─────────────────────────────────
	paymentService := payment.NewService(orderRepo)
	payment.NewHandler(paymentService).RegisterRoutes(router)

	// ── Delivery networks ───────────────────────────────────
	gatewayTimeout := envDuration("DELIVERY_GATEWAY_TIMEOUT", 10*time.Second)
	gateways := delivery.Registry{
		order.ProviderUber: delivery.NewUberGateway(
			envOr("UBER_BASE_URL", "https://api.uber.com"),
			os.Getenv("UBER_API_TOKEN"),
			gatewayTimeout,
		),
		order.ProviderDoorDash: delivery.NewDoorDashGateway(
			envOr("DOORDASH_BASE_URL", "https://openapi.doordash.com"),
			os.Getenv("DOORDASH_API_TOKEN"),
			gatewayTimeout,
		),
	}
	deliveryService := delivery.NewService(orderService, orderRepo, gateways, dedupe,
		envDuration("DELIVERY_STALE_SLA", 10*time.Minute))
	delivery.NewHandler(deliveryService).RegisterRoutes(router)

	// Reconciliation sweep for deliveries whose webhooks went missing.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go deliveryService.RunReconciler(ctx, envDuration("RECONCILE_INTERVAL", 5*time.Minute))

	// ── Start Server ─────────────────────────────────────────
	port := os.Getenv("APP_PORT")
	if port == "" {
		port = "8080"
	}
	fmt.Printf("Plateful API server starting on :%s\n", port)
	log.Fatal(http.ListenAndServe(":"+port, router))
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}

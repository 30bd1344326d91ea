/**
 * @description
 * This is the main entry point for the escrow service. It is responsible for
 * initializing all components of the service, including configuration, database
 * connection, payment processor clients, the message broker, the repository,
 * the core application service, and the HTTP server. It wires everything
 * together and starts the service.
 *
 * @dependencies
 * - log, net/http: Standard Go libraries for logging and HTTP server functionality.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/stripeclient, pkg/paystackclient: Payment processor clients.
 * - pkg/rabbitmq: Client for RabbitMQ.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/popcorn150/GHOST-sub000/internal/api"
	"github.com/popcorn150/GHOST-sub000/internal/app"
	"github.com/popcorn150/GHOST-sub000/internal/config"
	"github.com/popcorn150/GHOST-sub000/internal/store"
	"github.com/popcorn150/GHOST-sub000/pkg/paystackclient"
	rmrabbit "github.com/popcorn150/GHOST-sub000/pkg/rabbitmq"
	"github.com/popcorn150/GHOST-sub000/pkg/stripeclient"
)

func main() {
	// Load application configuration from environment variables.
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if strings.TrimSpace(cfg.JWTSecret) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"jwt secret must be configured\" env=JWT_SECRET")
	}
	if strings.TrimSpace(cfg.InternalAPIKey) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"internal api key must be configured\" env=INTERNAL_API_KEY")
	}
	if strings.TrimSpace(cfg.StripeSecretKey) == "" || strings.TrimSpace(cfg.PaystackSecretKey) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"both processor keys must be configured\" envs=STRIPE_SECRET_KEY,PAYSTACK_SECRET_KEY")
	}

	log.Printf("level=info component=bootstrap msg=\"starting escrow-service\" port=%s", cfg.ServerPort)

	// Establish a connection pool to the PostgreSQL database.
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}

	poolConfig.MaxConns = 100
	poolConfig.MinConns = 20
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	// Disable prepared statement caching to prevent conflicts
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
	}
	defer dbpool.Close()
	log.Println("level=info component=bootstrap msg=\"database connected\"")

	// Initialize the RabbitMQ producer to publish notification events.
	// This service only needs to publish, so we use a producer.
	var producer rmrabbit.Publisher
	rabbitProducer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
		producer = &rmrabbit.EventProducerFallback{}
	} else {
		defer rabbitProducer.Close()
		producer = rabbitProducer
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}

	// Initialize the payment processor clients.
	stripeClient := stripeclient.NewClient(cfg.StripeSecretKey, cfg.StripeWebhookKey)
	paystackClient := paystackclient.NewClient(cfg.PaystackAPIBase, cfg.PaystackSecretKey)

	// Redis backs the webhook dedup markers. Missing Redis degrades to the
	// ledger's guarded updates alone, it never blocks startup.
	var deduper *app.RedisEventDeduper
	if strings.TrimSpace(cfg.RedisURL) == "" {
		log.Println("level=warn component=bootstrap msg=\"redis url missing; webhook dedup disabled\" env=REDIS_URL")
	} else {
		redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
		if parseErr != nil {
			log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; webhook dedup disabled\" err=%v", parseErr)
		} else {
			redisClient := redis.NewClient(redisOptions)
			pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancelPing()
			if pingErr := redisClient.Ping(pingCtx).Err(); pingErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis ping failed; webhook dedup disabled\" err=%v", pingErr)
				redisClient.Close()
			} else {
				defer redisClient.Close()
				deduper = app.NewRedisEventDeduper(redisClient, "ghost:webhook_seen", time.Duration(cfg.WebhookDedupTTLMinutes)*time.Minute)
				log.Println("level=info component=bootstrap msg=\"redis connected\"")
			}
		}
	}

	// Initialize the data access layer (repository).
	repository := store.NewPostgresRepository(dbpool)

	// Initialize the core application service with its dependencies.
	feePolicy := app.FeePolicy{
		DefaultPercent:   cfg.FeeDefaultPercent,
		NGNLowPercent:    cfg.FeeNGNLowPercent,
		NGNHighPercent:   cfg.FeeNGNHighPercent,
		NGNTierThreshold: cfg.FeeNGNTierThreshold,
	}
	escrowService := app.NewService(
		repository,
		stripeClient,
		paystackClient,
		producer,
		feePolicy,
		time.Duration(cfg.AutoReleaseHours)*time.Hour,
	)
	escrowService.SetPlatformBaseURL(cfg.PlatformBaseURL)

	// Initialize the API handlers.
	escrowHandlers := api.NewEscrowHandlers(escrowService)
	webhookHandlers := api.NewWebhookHandlers(escrowService, stripeClient, cfg.PaystackWebhook, deduper)

	// Set up the HTTP router.
	router := api.EscrowRoutes(escrowHandlers, webhookHandlers, cfg.JWTSecret, cfg.InternalAPIKey)

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)

	server := &http.Server{
		Addr:    serverAddr,
		Handler: router,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("level=fatal component=http msg=\"server stopped unexpectedly\" err=%v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("level=info component=http msg=\"shutdown started\"")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}

	log.Println("level=info component=http msg=\"shutdown complete\"")
}

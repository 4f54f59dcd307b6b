/**
 * @description
 * This is the main entry point for the billing service. It loads configuration, wires
 * the Postgres repository, payment gateway clients, workflow engine, Telegram bot and
 * event producer into the billing service, schedules subscription expiry and starts
 * the HTTP server with graceful shutdown.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: Router the billing routes are mounted on.
 * - github.com/jackc/pgx/v5/pgxpool: Postgres connection pool.
 * - github.com/joho/godotenv: Loads a local .env file during development.
 * - github.com/redis/go-redis/v9: Backs the shared rate limiter.
 */
package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/aiciti/billing-service/internal/api"
	"github.com/aiciti/billing-service/internal/app"
	"github.com/aiciti/billing-service/internal/catalog"
	"github.com/aiciti/billing-service/internal/config"
	"github.com/aiciti/billing-service/internal/store"
	"github.com/aiciti/billing-service/pkg/lavaclient"
	"github.com/aiciti/billing-service/pkg/n8nclient"
	"github.com/aiciti/billing-service/pkg/prodamus"
	"github.com/aiciti/billing-service/pkg/rabbitmq"
	"github.com/aiciti/billing-service/pkg/telegram"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("level=info component=bootstrap msg=\"no .env file found, using environment variables\"")
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"cannot load config\" err=%v", err)
	}

	// Database
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"unable to parse database config\" err=%v", err)
	}
	if cfg.DatabaseMaxConns > 0 {
		poolConfig.MaxConns = cfg.DatabaseMaxConns
	}
	poolConfig.MinConns = 1
	poolConfig.MaxConnIdleTime = 5 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute
	// Transaction-mode poolers (Supabase) do not support prepared statements.
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"unable to connect to database\" err=%v", err)
	}
	defer dbpool.Close()
	log.Println("level=info component=bootstrap msg=\"database connection established\"")

	// Events
	var events rabbitmq.Publisher = &rabbitmq.EventProducerFallback{}
	if strings.TrimSpace(cfg.RabbitMQURL) != "" {
		producer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL, cfg.BillingEventsExchange)
		if err != nil {
			log.Printf("level=warn component=bootstrap msg=\"rabbitmq unavailable, billing events disabled\" err=%v", err)
		} else {
			events = producer
			log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
		}
	}
	defer events.Close()

	// Catalog
	cat := catalog.Default()
	if strings.TrimSpace(cfg.CatalogPath) != "" {
		cat, err = catalog.LoadFile(cfg.CatalogPath)
		if err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"unable to load catalog\" path=%s err=%v", cfg.CatalogPath, err)
		}
	}
	cat.ApplyOffers(nil, map[string]string{
		"pro":   cfg.LavaOfferSubPro,
		"elite": cfg.LavaOfferSubBusiness,
	})

	// Outbound clients
	gateway := lavaclient.NewClient(cfg.LavaAPIBaseURL, cfg.LavaAPIKey)
	payform := prodamus.NewClient(cfg.ProdamusPayformURL, cfg.ProdamusSecretKey)
	engine := n8nclient.NewClient(cfg.N8NAPIURL, cfg.N8NAPIKey)
	bot, err := telegram.NewClient(cfg.TelegramBotToken, cfg.TelegramAPIURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"unable to create telegram client\" err=%v", err)
	}

	if !gateway.Configured() {
		log.Println("level=warn component=bootstrap msg=\"LAVA_API_KEY is not set, lava invoices disabled\"")
	}
	if !bot.Configured() {
		log.Println("level=warn component=bootstrap msg=\"TELEGRAM_BOT_TOKEN is not set, notifications disabled\"")
	}
	if cfg.RefundWebhookSecret == "" {
		log.Println("level=warn component=bootstrap msg=\"REFUND_WEBHOOK_SECRET is not set, refund endpoint is unauthenticated\"")
	}
	if cfg.SupabaseJWTSecret == "" {
		log.Println("level=warn component=bootstrap msg=\"SUPABASE_JWT_SECRET is not set, invoice routes are unauthenticated\"")
	}

	repo := store.NewPostgresRepository(dbpool)
	svc := app.NewService(repo, cat, gateway, payform, engine, bot, events, app.Settings{
		DefaultOfferID:             cfg.LavaOfferID,
		DefaultBuyerEmail:          cfg.DefaultBuyerEmail,
		PaymentSuccessURL:          cfg.PaymentSuccessURL,
		SubscriptionSuccessURL:     cfg.SubscriptionSuccessURL,
		LavaWebhookSecret:          cfg.LavaWebhookSecret,
		LavaWebhookAPIKey:          cfg.LavaWebhookAPIKey,
		ProdamusSecretKey:          cfg.ProdamusSecretKey,
		ProdamusNotificationURL:    cfg.ProdamusNotificationURL,
		ProdamusSuccessURL:         cfg.ProdamusSuccessURL,
		ProdamusReturnURL:          cfg.ProdamusReturnURL,
		CarouselWebhookURL:         cfg.N8NCarouselWebhookURL,
		RefundSecret:               cfg.RefundWebhookSecret,
		RefundDefaultAmount:        cfg.RefundDefaultAmount,
		ReferralBonusPercent:       cfg.ReferralBonusPercent,
		AdminChatIDs:               cfg.AdminChatIDs,
		MiniAppURL:                 cfg.MiniAppURL,
		ReceiptBannerURL:           cfg.ReceiptBannerURL,
		SupportContact:             cfg.SupportContact,
		InvoiceRateLimitPerMinute:  cfg.InvoiceRateLimitPerMinute,
		QuizLeadRateLimitPerMinute: cfg.QuizLeadRateLimitPerMinute,
	})

	// Rate limiting
	var redisClient *redis.Client
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Printf("level=warn component=bootstrap msg=\"invalid REDIS_URL, rate limiting disabled\" err=%v", err)
		} else {
			redisClient = redis.NewClient(redisOpts)
			pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
			err = redisClient.Ping(pingCtx).Err()
			cancelPing()
			if err != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis ping failed, rate limiting disabled\" err=%v", err)
				_ = redisClient.Close()
				redisClient = nil
			} else {
				svc.SetRateLimiter(app.NewRedisRateLimiter(redisClient, cfg.RedisRateLimitPrefix))
				log.Println("level=info component=bootstrap msg=\"redis rate limiter enabled\"")
			}
		}
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	// Subscription expiry
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	scheduler := app.NewScheduler(app.NewJobs(repo, events, logger, cfg), logger, cfg)
	scheduler.Start()

	handlers := api.NewBillingHandlers(svc)
	r := chi.NewRouter()
	r.Mount("/", api.BillingRoutes(handlers, cfg.SupabaseJWTSecret))

	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("level=info component=bootstrap msg=\"billing service starting\" port=%s", cfg.ServerPort)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("level=fatal component=bootstrap msg=\"could not start server\" err=%v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("level=info component=bootstrap msg=\"shutting down server\"")

	<-scheduler.Stop().Done()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=bootstrap msg=\"server forced to shutdown\" err=%v", err)
	}
	log.Println("level=info component=bootstrap msg=\"server exited\"")
}

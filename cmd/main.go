/**
 * @description
 * Entry point for the settlement service. It serves the ingestion and payout
 * HTTP API, consumes ingestion events from RabbitMQ, and runs the payout
 * sweeper on a cron schedule.
 *
 * @dependencies
 * - github.com/joho/godotenv: For loading .env files during local development.
 * - github.com/redis/go-redis/v9: Optional notification de-duplication and trader rate limits.
 */
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/quattrex/settlement-service/internal/api"
	"github.com/quattrex/settlement-service/internal/app"
	"github.com/quattrex/settlement-service/internal/config"
	"github.com/quattrex/settlement-service/internal/domain"
	"github.com/quattrex/settlement-service/internal/matcher"
	"github.com/quattrex/settlement-service/internal/parser"
	"github.com/quattrex/settlement-service/internal/rules"
	"github.com/quattrex/settlement-service/internal/store"
	"github.com/quattrex/settlement-service/pkg/rabbitmq"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		logger.Info("no .env file found, using environment variables")
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	dbpool, err := store.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
	if err != nil {
		logger.Error("unable to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbpool.Close()
	logger.Info("database connection established")

	if err := store.Migrate(ctx, dbpool); err != nil {
		logger.Error("failed to apply schema", "error", err)
		os.Exit(1)
	}
	repository := store.NewPostgresRepository(dbpool)

	var redisClient *redis.Client
	var dedupe app.Deduper
	if cfg.RedisURL != "" {
		if client, err := connectRedis(ctx, cfg.RedisURL); err == nil {
			redisClient = client
			defer redisClient.Close()
			dedupe = app.NewRedisDeduper(redisClient, "", cfg.DedupeTTL())
			logger.Info("redis connection established")
		} else {
			logger.Warn("redis unavailable, de-duplication limited to the database and rate limiting disabled", "error", err)
		}
	}

	table, err := rules.LoadFile(cfg.RulesFile)
	if err != nil {
		logger.Error("failed to load parsing rules", "error", err)
		os.Exit(1)
	}
	logger.Info("parsing rules loaded", "version", table.Version(), "rules", table.Len())

	var publisher rabbitmq.Publisher = &rabbitmq.EventProducerFallback{Logger: logger}
	if cfg.RabbitMQURL != "" {
		if producer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL, cfg.EventsExchange, logger); err == nil {
			publisher = producer
			defer producer.Close()
		} else {
			logger.Warn("failed to connect to RabbitMQ, using fallback publisher", "error", err)
		}
	}
	bus := app.NewEventBus(publisher)

	tolerance, err := cfg.Tolerance()
	if err != nil {
		logger.Error("invalid match tolerance", "error", err)
		os.Exit(1)
	}
	txMatcher := matcher.New(repository, bus, table, tolerance, logger)
	notifications := app.NewNotificationService(repository, parser.New(table), txMatcher, dedupe, logger)

	engine, err := app.NewPayoutEngine(repository, bus, cfg, logger)
	if err != nil {
		logger.Error("failed to build payout engine", "error", err)
		os.Exit(1)
	}
	payouts := app.NewPayoutService(repository, engine.Distributor, engine.Lifecycle, cfg.PoolWindow(), logger)

	if cfg.RabbitMQURL != "" {
		consumer, err := rabbitmq.NewConsumer(cfg.RabbitMQURL, logger)
		if err != nil {
			logger.Warn("failed to create RabbitMQ consumer, queue ingestion disabled", "error", err)
		} else {
			defer consumer.Close()
			bindings := map[string]rabbitmq.Handler{
				domain.EventNotificationReceived: notifications.HandleMessage,
				domain.EventPayoutRequested:      payouts.HandlePayoutRequested,
			}
			if err := consumer.ConsumeWithBindings(cfg.EventsExchange, cfg.IngestQueue, bindings); err != nil {
				logger.Error("failed to start consuming", "queue", cfg.IngestQueue, "error", err)
				os.Exit(1)
			}
			logger.Info("consuming ingestion events", "queue", cfg.IngestQueue)
		}
	}

	jobs := app.NewJobs(engine.Sweeper, 0, logger)
	scheduler := app.NewScheduler(jobs, cfg.SweepSchedule, logger)
	if err := scheduler.Start(); err != nil {
		logger.Error("failed to start scheduler", "schedule", cfg.SweepSchedule, "error", err)
		os.Exit(1)
	}
	logger.Info("scheduler started", "schedule", cfg.SweepSchedule)

	handler := api.NewHandler(notifications, payouts, logger)
	if redisClient != nil {
		handler.SetRateLimiter(app.NewTraderRateLimiter(redisClient, cfg.RedisRateLimitPrefix, time.Minute, app.TraderRateLimits{
			app.ScopeClaim:        cfg.ClaimRateLimitPerMinute,
			app.ScopeNotification: cfg.NotificationRateLimitPerMinute,
		}))
	}
	router := api.NewRouter(handler, cfg.JWTSecret, cfg.InternalAPIKey)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.ServerPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("starting server", "port", cfg.ServerPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	<-sigCh
	logger.Info("shutdown signal received, gracefully shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
	}

	stopCtx := scheduler.Stop()
	select {
	case <-stopCtx.Done():
		logger.Info("scheduler stopped gracefully")
	case <-shutdownCtx.Done():
		logger.Warn("scheduler did not stop before the shutdown deadline")
	}

	logger.Info("server stopped")
}

func connectRedis(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}

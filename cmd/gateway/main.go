package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/saleflow/internal/analytics"
	"github.com/lalithlochan/saleflow/internal/api"
	"github.com/lalithlochan/saleflow/internal/circuitbreaker"
	"github.com/lalithlochan/saleflow/internal/config"
	"github.com/lalithlochan/saleflow/internal/db"
	"github.com/lalithlochan/saleflow/internal/events"
	"github.com/lalithlochan/saleflow/internal/ledger"
	"github.com/lalithlochan/saleflow/internal/metrics"
	"github.com/lalithlochan/saleflow/internal/notify"
	"github.com/lalithlochan/saleflow/internal/observ"
	"github.com/lalithlochan/saleflow/internal/reconcile"
	"github.com/lalithlochan/saleflow/internal/redis"
	"github.com/lalithlochan/saleflow/internal/txn"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// contactSource bridges the preferences table to the channel senders.
type contactSource struct {
	repo *db.NotificationRepo
}

func (c *contactSource) GetContact(ctx context.Context, userID uuid.UUID) (*notify.Contact, error) {
	email, phone, pushToken, err := c.repo.GetContact(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &notify.Contact{Email: email, Phone: phone, PushToken: pushToken}, nil
}

func run() error {
	// Load config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Setup logger
	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting saleflow gateway",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
	)

	// Initialize database connection
	ctx := context.Background()
	dbConfig := db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}

	database, err := db.New(ctx, dbConfig, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	// Repositories
	txRepo := db.NewTransactionRepo(database, logger)
	notifRepo := db.NewNotificationRepo(database, logger)
	contacts := &contactSource{repo: notifRepo}

	// Redis for idempotency, rate limiting, and the analytics cache
	redisConfig := redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}

	redisClient, err := redis.New(ctx, redisConfig, logger)
	if err != nil {
		logger.Warn("redis unavailable, idempotency and caching disabled",
			zap.Error(err),
			zap.String("host", cfg.RedisHost),
		)
		redisClient = nil
	}

	var idempotencyService *redis.IdempotencyService
	var rateLimiter *redis.RateLimiter
	if redisClient != nil {
		idempotencyService = redis.NewIdempotencyService(redisClient, logger)
		rateLimiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Limit:  cfg.RateLimit,
			Window: cfg.RateLimitWindow,
		})
		defer redisClient.Close()
	}

	// State change broadcast
	var publisher events.Publisher = events.NopPublisher{}
	if cfg.EventsQueueURL != "" {
		sqsPublisher, err := events.NewSQSPublisher(ctx, events.SQSConfig{
			Region:   cfg.AWSRegion,
			QueueURL: cfg.EventsQueueURL,
		}, logger)
		if err != nil {
			logger.Warn("sqs publisher unavailable, state changes will not be broadcast",
				zap.Error(err),
			)
		} else {
			publisher = sqsPublisher
		}
	}

	// Channel senders, each behind its own circuit breaker
	var senders []notify.ChannelSender

	sesSender, err := notify.NewSESSender(ctx, notify.SESConfig{
		Region:    cfg.AWSRegion,
		FromEmail: cfg.SESFromEmail,
	}, contacts, logger)
	if err != nil {
		logger.Warn("SES sender unavailable, email notifications disabled", zap.Error(err))
	} else {
		breaker := circuitbreaker.New(circuitbreaker.DefaultConfig("email"), logger)
		senders = append(senders, circuitbreaker.NewProtectedSender(sesSender, breaker, logger))
	}

	snsSender, err := notify.NewSNSSender(ctx, notify.SNSConfig{
		Region: cfg.SNSRegion,
	}, contacts, logger)
	if err != nil {
		logger.Warn("SNS sender unavailable, SMS notifications disabled", zap.Error(err))
	} else {
		breaker := circuitbreaker.New(circuitbreaker.DefaultConfig("sms"), logger)
		senders = append(senders, circuitbreaker.NewProtectedSender(snsSender, breaker, logger))
	}

	if cfg.PushGatewayURL != "" {
		pushSender := notify.NewPushSender(notify.PushConfig{
			GatewayURL: cfg.PushGatewayURL,
			Timeout:    cfg.PushTimeout,
		}, contacts, logger)
		breaker := circuitbreaker.New(circuitbreaker.DefaultConfig("push"), logger)
		senders = append(senders, circuitbreaker.NewProtectedSender(pushSender, breaker, logger))
	} else {
		logger.Warn("push gateway not configured, push notifications logged only")
		senders = append(senders, notify.NewLogSender(db.ChannelPush, logger))
	}

	// Controllers
	txController := txn.New(txRepo, publisher, txn.Config{
		MaxProcessingAttempts: cfg.MaxProcessingAttempts,
	}, logger)

	notifController := notify.New(notifRepo, publisher, notify.Config{
		MaxAttempts:       cfg.DeliveryMaxAttempts,
		BackoffMultiplier: cfg.BackoffMultiplier,
	}, logger, senders...)

	// Ledger reader behind a circuit breaker
	ledgerClient := ledger.NewClient(ledger.ClientConfig{
		RPCURL:  cfg.LedgerRPCURL,
		Timeout: cfg.LedgerTimeout,
	}, logger)
	ledgerBreaker := circuitbreaker.New(circuitbreaker.DefaultConfig("ledger"), logger)
	reader := circuitbreaker.NewProtectedReader(ledgerClient, ledgerBreaker, logger)

	// Background reconciliation
	job := reconcile.New(txRepo, notifRepo, txController, notifController, reader, reconcile.Config{
		Interval:      cfg.ReconcileInterval,
		BatchSize:     cfg.ReconcileBatchSize,
		Retention:     cfg.Retention,
		LedgerTimeout: cfg.LedgerTimeout,
	}, logger)

	jobCtx, jobCancel := context.WithCancel(context.Background())
	defer jobCancel()

	go job.Start(jobCtx)
	logger.Info("reconciliation job started",
		zap.Duration("interval", cfg.ReconcileInterval),
	)

	// Purchase event watcher
	if cfg.SaleContractAddress != "" {
		watcher := ledger.NewWatcher(ledgerClient, ledger.WatcherConfig{
			ContractAddress: cfg.SaleContractAddress,
		}, txController.HandlePurchaseEvent, logger)
		go watcher.Start(jobCtx)
		logger.Info("purchase event watcher started",
			zap.String("contract", cfg.SaleContractAddress),
		)
	}

	// Analytics
	analyticsSvc := analytics.New(database, redisClient, 0, logger)

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// Custom logging middleware
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration_ms", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	})

	// API routes
	handler := api.NewHandler(logger, txController, txRepo, notifController, notifRepo, analyticsSvc, idempotencyService)
	r.Group(func(r chi.Router) {
		r.Use(api.RateLimitMiddleware(rateLimiter, logger, api.UserKeyFunc))
		handler.Routes(r)
	})

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := database.Health(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("database unreachable"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	// Prometheus metrics endpoint
	r.Handle("/metrics", metrics.Handler())

	// Setup HTTP server
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	// Listen for shutdown signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	// Block until we receive a signal or server error
	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		// Stop background loops before draining requests
		jobCancel()

		// Give outstanding requests 10 seconds to complete
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		logger.Info("server stopped gracefully")
	}

	return nil
}

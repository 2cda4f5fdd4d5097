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
	"go.uber.org/zap"

	"github.com/karimbenali/billetcore/internal/api"
	"github.com/karimbenali/billetcore/internal/clients"
	"github.com/karimbenali/billetcore/internal/config"
	"github.com/karimbenali/billetcore/internal/db"
	"github.com/karimbenali/billetcore/internal/generation"
	"github.com/karimbenali/billetcore/internal/metrics"
	"github.com/karimbenali/billetcore/internal/migrate"
	"github.com/karimbenali/billetcore/internal/notification"
	"github.com/karimbenali/billetcore/internal/observ"
	"github.com/karimbenali/billetcore/internal/queue"
	"github.com/karimbenali/billetcore/internal/redis"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting billetcore gateway",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
	)

	ctx := context.Background()

	// Schema bootstrap runs before the pool opens: the server must never
	// serve traffic against a half-migrated database.
	targetDB := db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}
	adminDB := db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBAdminUser,
		Password: cfg.DBAdminPassword,
		Database: cfg.DBAdminDatabase,
		SSLMode:  cfg.DBSSLMode,
	}

	err = migrate.Run(ctx, migrate.Config{
		AdminDSN:      adminDB.DSN(),
		TargetDSN:     targetDB.DSN(),
		DatabaseName:  cfg.DBName,
		MigrationsDir: cfg.MigrationsDir,
		SeedsDir:      cfg.SeedsDir,
	}, logger)
	if err != nil {
		return fmt.Errorf("database bootstrap failed: %w", err)
	}

	database, err := db.New(ctx, targetDB, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	jobRepo := db.NewRepository(database, logger)
	notifRepo := db.NewNotificationRepository(database, logger)

	redisClient, err := redis.New(ctx, redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	defer redisClient.Close()

	queues := queue.NewClient(redisClient, logger)

	notifier := clients.NewNotifierClient(clients.Config{
		BaseURL: cfg.NotifierBaseURL,
		APIKey:  cfg.NotifierAPIKey,
		Timeout: cfg.NotifierTimeout,
	}, logger)
	scan := clients.NewScanClient(clients.Config{
		BaseURL: cfg.ScanBaseURL,
		APIKey:  cfg.ScanAPIKey,
		Timeout: cfg.ScanTimeout,
	}, logger)
	payment := clients.NewPaymentClient(clients.Config{
		BaseURL: cfg.PaymentBaseURL,
		APIKey:  cfg.PaymentAPIKey,
		Timeout: cfg.PaymentTimeout,
	}, logger)

	notifOrch := notification.NewOrchestrator(notifRepo, queues, notification.Config{
		SendQueue:         cfg.NotificationQueue,
		ResultQueue:       cfg.NotificationResultQueue,
		ResultConcurrency: cfg.NotificationConcurrency,
	}, logger)

	jobOrch := generation.NewOrchestrator(jobRepo, queues, generation.Config{
		BatchSize:       cfg.BatchSize,
		GenerationQueue: cfg.GenerationQueue,
		ResultQueue:     cfg.GenerationResultQueue,
	}, logger)

	reconciler := generation.NewReconciler(jobRepo, queues, notifOrch, generation.ReconcilerConfig{
		ResultQueue: cfg.GenerationResultQueue,
		Concurrency: cfg.ResultConcurrency,
	}, logger)

	reconciler.Start()
	notifOrch.StartResultConsumer()
	logger.Info("queue consumers started",
		zap.String("result_queue", cfg.GenerationResultQueue),
		zap.String("notification_result_queue", cfg.NotificationResultQueue),
	)

	handler := api.NewHandler(jobOrch, database, []api.BreakerStats{
		notifier.Breaker(), scan.Breaker(), payment.Breaker(),
	}, logger)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

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

	r.Route("/api/v1", func(r chi.Router) {
		handler.Routes(r)
	})
	r.Get("/health", handler.Health)
	r.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		drainCtx, cancel := context.WithTimeout(context.Background(), cfg.DrainTimeout)
		defer cancel()

		if err := srv.Shutdown(drainCtx); err != nil {
			srv.Close()
			logger.Error("http drain failed", zap.Error(err))
		}

		// Consumers drain after the HTTP surface: no new submissions can
		// arrive while in-flight reconciliations finish.
		if err := reconciler.Stop(drainCtx); err != nil {
			logger.Error("reconciler drain failed", zap.Error(err))
		}
		if err := notifOrch.StopResultConsumer(drainCtx); err != nil {
			logger.Error("notification consumer drain failed", zap.Error(err))
		}

		logger.Info("server stopped gracefully")
	}

	return nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/remindr/internal/api"
	"github.com/lalithlochan/remindr/internal/circuitbreaker"
	"github.com/lalithlochan/remindr/internal/config"
	"github.com/lalithlochan/remindr/internal/db"
	"github.com/lalithlochan/remindr/internal/mail"
	"github.com/lalithlochan/remindr/internal/metrics"
	"github.com/lalithlochan/remindr/internal/observ"
	"github.com/lalithlochan/remindr/internal/redis"
	"github.com/lalithlochan/remindr/internal/scheduler"
	"github.com/lalithlochan/remindr/internal/sns"
	"github.com/lalithlochan/remindr/internal/sqs"
	"github.com/lalithlochan/remindr/internal/worker"
)

// jobStore is satisfied by both db.Repository and db.MemoryStore
type jobStore interface {
	worker.Store
	scheduler.Store
	api.JobReader
	mail.SettingsSource
}

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

	logger.Info("starting remindr dispatcher",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
		zap.String("store", cfg.StoreBackend),
		zap.String("mail_backend", cfg.MailBackend),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	checks := map[string]api.HealthCheck{}

	// Job store
	var store jobStore
	switch cfg.StoreBackend {
	case config.StoreMemory:
		logger.Warn("using in-memory job store, jobs do not survive a restart")
		store = db.NewMemoryStore(cfg.DispatchClaimTimeout)
	default:
		database, err := db.New(ctx, db.Config{
			Host:            cfg.DBHost,
			Port:            cfg.DBPort,
			User:            cfg.DBUser,
			Password:        cfg.DBPassword,
			Database:        cfg.DBName,
			SSLMode:         cfg.DBSSLMode,
			ApplicationName: "remindr-dispatcher",
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer database.Close()

		store = db.NewRepository(database, cfg.DispatchClaimTimeout, logger)
		checks["postgres"] = database.Health
		go reportPoolStats(ctx, database)
	}

	// Redis backs idempotency keys and rate limiting; both are optional
	var (
		idempotency *redis.Idempotency
		limiter     api.Limiter
	)
	if cfg.RedisURL != "" || cfg.RedisHost != "" {
		redisClient, err := redis.New(ctx, redis.Config{
			URL:      cfg.RedisURL,
			Host:     cfg.RedisHost,
			Port:     cfg.RedisPort,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}, logger)
		if err != nil {
			logger.Warn("redis unavailable, idempotency and rate limiting disabled",
				zap.Error(err),
				zap.String("host", cfg.RedisHost),
			)
		} else {
			defer redisClient.Close()
			idempotency = redis.NewIdempotency(redisClient, redis.IdempotencyTTL, logger)
			limiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
				Limit:  cfg.RateLimit,
				Window: cfg.RateLimitWindow,
			})
			checks["redis"] = redisClient.Ping
		}
	}

	// Mail transport: settings resolver, then circuit breaker
	var sesClient mail.SESAPI
	if cfg.MailBackend == mail.BackendSES {
		client, err := mail.NewSESClient(ctx, cfg.AWSRegion)
		if err != nil {
			return fmt.Errorf("failed to create SES client: %w", err)
		}
		sesClient = client
	}

	factory, err := mail.NewFactory(cfg.MailBackend, sesClient, logger)
	if err != nil {
		return err
	}

	mailer := mail.NewMailer(store, factory, mail.MailerConfig{
		Backend: cfg.MailBackend,
		Override: mail.Settings{
			Host:        cfg.SMTPHost,
			Port:        cfg.SMTPPort,
			Username:    cfg.SMTPUsername,
			Password:    cfg.SMTPPassword,
			FromAddress: cfg.FromAddress(),
			FromName:    cfg.MailFromName,
			TestMode:    cfg.MailTestMode,
			TestAddress: cfg.MailTestAddress,
		},
		SendTimeout: cfg.MailSendTimeout,
	}, logger)

	if err := mailer.Verify(ctx); err != nil {
		// Not fatal: the mailer verifies again before the first send
		logger.Warn("mail transport verification failed", zap.Error(err))
	}

	breakerCfg := circuitbreaker.DefaultConfig(cfg.MailBackend)
	breakerCfg.OnStateChange = func(name string, from, to circuitbreaker.State) {
		metrics.SetCircuitState(name, int(to))
	}
	breaker := circuitbreaker.New(breakerCfg, logger)
	transport := circuitbreaker.NewProtectedTransport(mailer, breaker, logger)

	// Dispatcher
	dispatcher, err := worker.New(store, transport, worker.Config{
		PollInterval: cfg.DispatchInterval,
		BatchSize:    cfg.DispatchBatchSize,
		MaxAttempts:  cfg.DispatchMaxAttempts,
		Concurrency:  cfg.DispatchConcurrency,
		SendTimeout:  cfg.DispatchSendTimeout(),
		ClaimTimeout: cfg.DispatchClaimTimeout,
		WorkerID:     cfg.WorkerID,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to create dispatcher: %w", err)
	}

	if cfg.AlertTopicARN != "" {
		alerter, err := sns.NewAlerter(ctx, sns.Config{
			Region:   cfg.AWSRegion,
			TopicARN: cfg.AlertTopicARN,
			Endpoint: cfg.AWSEndpoint,
		}, logger)
		if err != nil {
			logger.Warn("sns alerter unavailable, failed jobs will only be logged", zap.Error(err))
		} else {
			dispatcher.SetFailureReporter(alerter)
		}
	}

	// Schedule generation
	generator := scheduler.NewGenerator(store, scheduler.Config{
		DefaultTimeZone: cfg.EventTimeZone,
		LinkBase:        cfg.EventLinkBase,
	}, logger)
	generator.OnJobCreated(func(kind db.Kind) {
		metrics.RecordJobScheduled(string(kind))
	})

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		dispatcher.Start(ctx)
	}()

	if cfg.IntakeQueueURL != "" {
		sqsCfg := sqs.Config{
			Region:   cfg.AWSRegion,
			QueueURL: cfg.IntakeQueueURL,
			Endpoint: cfg.AWSEndpoint,
		}
		client, err := sqs.NewClient(ctx, sqsCfg)
		if err != nil {
			logger.Warn("sqs intake unavailable", zap.Error(err))
		} else {
			consumer := sqs.NewConsumer(client, generator, sqsCfg, logger)
			wg.Add(1)
			go func() {
				defer wg.Done()
				consumer.Start(ctx)
			}()
		}
	}

	// HTTP surface
	var handler *api.Handler
	if idempotency != nil {
		handler = api.NewHandlerWithIdempotency(logger, generator, store, idempotency)
	} else {
		handler = api.NewHandler(logger, generator, store)
	}

	srv := &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.Port),
		Handler: api.NewRouter(handler, api.RouterConfig{
			Limiter: limiter,
			Health:  api.HealthHandler(checks, breaker),
		}, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrors <- err
		}
	}()

	var runErr error
	select {
	case err := <-serverErrors:
		runErr = fmt.Errorf("server error: %w", err)
		stop()
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		_ = srv.Close()
		logger.Error("graceful shutdown failed", zap.Error(err))
	}

	// Claimed jobs finish before the store closes
	wg.Wait()
	logger.Info("dispatcher stopped gracefully")

	return runErr
}

func reportPoolStats(ctx context.Context, database *db.DB) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.SetDBConnections(int(database.Pool().Stat().AcquiredConns()))
		}
	}
}

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

	"deposit-hold-service/config"
	"deposit-hold-service/internal/adapter/gateway"
	httpHandler "deposit-hold-service/internal/adapter/http/handler"
	"deposit-hold-service/internal/adapter/storage"
	"deposit-hold-service/internal/adapter/storage/memory"
	redisStorage "deposit-hold-service/internal/adapter/storage/redis"
	"deposit-hold-service/internal/core/domain"
	"deposit-hold-service/internal/core/ports"
	"deposit-hold-service/internal/service"
	"deposit-hold-service/pkg/logger"

	"golang.org/x/time/rate"
)

func main() {
	// Load configuration
	cfg, err := config.Load(os.Getenv("DHS_CONFIG_FILE"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New(cfg.Log.Level, cfg.Log.Pretty)

	log.Info().
		Str("mode", cfg.Server.Mode).
		Int("port", cfg.Server.Port).
		Str("storage", cfg.Storage.Backend).
		Str("gateway", cfg.Gateway.Mode).
		Msg("Starting Deposit Hold Service")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Storage backend
	store, err := storage.Open(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open storage")
	}
	defer store.Close()

	var healthCheckers []ports.HealthChecker
	if store.Health != nil {
		healthCheckers = append(healthCheckers, store.Health)
	}

	// Webhook lock and processed-event cache: Redis when shared across
	// instances, in-process otherwise
	var (
		locker ports.EventLocker         = memory.NewEventLocker()
		cache  ports.ProcessedEventCache = memory.NewProcessedCache()
	)
	if cfg.Redis.Enabled {
		rdb, err := redisStorage.NewClient(ctx, cfg.Redis, log)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to Redis")
		}
		defer rdb.Close()
		log.Info().Msg("Redis connected")

		locker = redisStorage.NewEventLocker(rdb)
		cache = redisStorage.NewProcessedCache(rdb)
		healthCheckers = append(healthCheckers, redisStorage.NewHealthCheck(rdb))
	}

	// Core services
	gw := gateway.New(cfg.Gateway, log)
	policy := service.NewVerificationPolicy(cfg.Verification.DefaultAmount, cfg.Verification.Amounts)
	depositSvc := service.NewDepositService(store.Deposits, gw, policy, cfg.Scheduler.LeaseTTL, log)

	retryQueue := service.NewRetryQueue(store.RetryTasks, service.RetryQueueConfig{
		Interval:  cfg.Retry.Interval,
		BatchSize: cfg.Retry.BatchSize,
		ClaimTTL:  cfg.Retry.ClaimTTL,
		Policy: service.BackoffPolicy{
			BaseDelay:   cfg.Retry.BaseDelay,
			MaxDelay:    cfg.Retry.MaxDelay,
			MaxAttempts: cfg.Retry.MaxAttempts,
			Jitter:      cfg.Retry.Jitter,
		},
	}, log)

	scheduler := service.NewReauthScheduler(store.Deposits, depositSvc, retryQueue, service.ReauthSchedulerConfig{
		Interval:        cfg.Scheduler.Interval,
		ReauthThreshold: cfg.Scheduler.ReauthThreshold,
		BatchSize:       cfg.Scheduler.BatchSize,
		RateLimit:       rate.Limit(cfg.Gateway.RateLimitRPS),
		RateBurst:       cfg.Gateway.RateLimitBurst,
		AttemptTimeout:  cfg.Scheduler.LeaseTTL,
	}, log)

	verifier := service.NewHMACSignatureVerifier(cfg.Webhook.Secret, cfg.Webhook.Tolerance)
	webhookSvc := service.NewWebhookService(verifier, depositSvc, store.Events, cache, locker, retryQueue,
		service.WebhookConfig{
			ProcessingTimeout: cfg.Webhook.ProcessingTimeout,
			DedupRetention:    cfg.Webhook.DedupRetention,
			LockTTL:           cfg.Webhook.LockTTL,
		}, log)

	retryQueue.RegisterHandler(domain.RetryKindWebhookEvent, webhookSvc.HandleRetryTask)
	retryQueue.RegisterHandler(domain.RetryKindReauthorization, scheduler.HandleRetryTask)
	retryQueue.OnDeadLetter(domain.RetryKindReauthorization, scheduler.HandleDeadLetter)
	retryQueue.SetMaintenance(webhookSvc.PruneProcessed)

	var schedulerStats service.SchedulerStatsSource
	if cfg.Scheduler.Enabled {
		schedulerStats = scheduler
	}
	statusSvc := service.NewStatusService(schedulerStats, retryQueue)

	var tokenSvc ports.TokenService
	if cfg.Auth.JWTSecret != "" {
		tokenSvc = service.NewJWTTokenService(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	} else {
		log.Warn().Msg("auth.jwt_secret not set, /api/v1 is unauthenticated")
	}

	// Setup Gin router with all routes
	router := httpHandler.SetupRouter(httpHandler.RouterDeps{
		DepositSvc:      depositSvc,
		WebhookSvc:      webhookSvc,
		StatusSvc:       statusSvc,
		DeadLetters:     retryQueue,
		TokenSvc:        tokenSvc,
		HealthCheckers:  healthCheckers,
		SignatureHeader: cfg.Webhook.SignatureHeader,
		MaxBodyBytes:    cfg.Server.MaxBodyBytes,
		Mode:            cfg.Server.Mode,
		Logger:          log,
	})

	// Background workers stop with ctx
	var workers sync.WaitGroup
	if cfg.Scheduler.Enabled {
		workers.Add(1)
		go func() {
			defer workers.Done()
			scheduler.Start(ctx)
		}()
	}
	if cfg.Retry.Enabled {
		workers.Add(1)
		go func() {
			defer workers.Done()
			retryQueue.Start(ctx)
		}()
	}

	// HTTP Server with graceful shutdown
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("HTTP server failed")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	workers.Wait()

	log.Info().Msg("Server exited")
}

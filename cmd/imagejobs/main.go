// Package main запускает HTTP-сервер сервиса заданий обработки изображений.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/imagejobs/internal/billing"
	"github.com/mmeshcher/imagejobs/internal/config"
	"github.com/mmeshcher/imagejobs/internal/events"
	"github.com/mmeshcher/imagejobs/internal/handler"
	"github.com/mmeshcher/imagejobs/internal/ledger"
	"github.com/mmeshcher/imagejobs/internal/middleware"
	"github.com/mmeshcher/imagejobs/internal/origin"
	"github.com/mmeshcher/imagejobs/internal/provider"
	"github.com/mmeshcher/imagejobs/internal/ratelimit"
	"github.com/mmeshcher/imagejobs/internal/reconciler"
	"github.com/mmeshcher/imagejobs/internal/repository"
	"github.com/mmeshcher/imagejobs/internal/resilient"
	"github.com/mmeshcher/imagejobs/internal/service"
	"github.com/mmeshcher/imagejobs/internal/storage"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repo, err := repository.Open(cfg.DatabaseURI)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}

	caller := resilient.New(resilient.Standard)

	providerClient, err := provider.NewClient(provider.Config{
		BaseURL:      cfg.ProviderAddress,
		APIKey:       cfg.ProviderAPIKey,
		RPS:          cfg.ProviderRPS,
		SubmitPreset: cfg.ProviderSubmitPreset,
	}, caller, logger)
	if err != nil {
		sugar.Fatalw("provider client initialization error", "error", err.Error())
	}

	memLimiter := ratelimit.NewMemory()
	memLimiter.Start(ctx)
	defer memLimiter.Stop()

	var limiter ratelimit.Limiter = memLimiter
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		limiter = ratelimit.NewRedis(rdb, memLimiter, logger)
		sugar.Infow("using redis rate limiter", "addr", cfg.RedisAddr)
	}

	var publisher events.Publisher = events.Nop{}
	if cfg.AMQPURL != "" {
		amqpPublisher, err := events.DialAMQP(cfg.AMQPURL, cfg.AMQPExchange, logger)
		if err != nil {
			sugar.Fatalw("amqp initialization error", "error", err.Error())
		}
		defer amqpPublisher.Close()
		publisher = amqpPublisher
	}

	rec := reconciler.New(repo, providerClient, publisher, logger, reconciler.Config{
		ReconcileInterval: cfg.ReconcileInterval,
		StaleAfter:        cfg.StaleAfter,
	})

	var ledgerOpts []ledger.Option
	if cfg.ProvisionUsers {
		ledgerOpts = append(ledgerOpts, ledger.WithUserProvisioning())
	}

	deps := service.Deps{
		Repo:       repo,
		Credits:    ledger.New(repo, logger, ledgerOpts...),
		Provider:   providerClient,
		Reconciler: rec,
		Logger:     logger,
	}

	if cfg.S3.Bucket != "" {
		presigner, err := storage.NewPresigner(ctx, storage.Config{
			Bucket:       cfg.S3.Bucket,
			Region:       cfg.S3.Region,
			AccessKey:    cfg.S3.AccessKey,
			SecretKey:    cfg.S3.SecretKey,
			BaseEndpoint: cfg.S3.Endpoint,
		})
		if err != nil {
			sugar.Fatalw("storage initialization error", "error", err.Error())
		}
		deps.Uploads = presigner
	}

	if cfg.BillingAddress != "" {
		deps.Checkout = billing.NewChain(logger,
			billing.NewPortalStrategy(cfg.BillingAddress, cfg.BillingAPIKey, cfg.BillingReturnURL, caller),
			billing.NewCheckoutStrategy(cfg.BillingAddress, cfg.BillingAPIKey, cfg.BillingReturnURL, caller),
		)
	}

	svc := service.NewService(deps)
	defer svc.Close()

	h := handler.NewHandler(svc, logger, handler.Config{
		Identity: middleware.NewIdentityMiddleware(cfg.JWTSecret),
		Guard:    origin.NewGuard(cfg.AllowedOrigins),
		Limiter:  limiter,
		Quotas:   cfg.Quotas,
	})

	server := &http.Server{
		Addr:              cfg.RunAddress,
		Handler:           h.SetupRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	// Фоновая сверка открытых заданий и снятие зависших
	g.Go(func() error {
		rec.Start(ctx)
		<-ctx.Done()
		rec.Stop()
		return nil
	})

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting imagejobs server", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}

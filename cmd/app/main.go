// File: cmd/app/main.go
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"ai-saas-billing/internal/config"
	port "ai-saas-billing/internal/domain/ports/adapter"
	payAdapters "ai-saas-billing/internal/infra/adapters/payment"
	pg "ai-saas-billing/internal/infra/db/postgres"
	"ai-saas-billing/internal/infra/logging"
	"ai-saas-billing/internal/infra/metrics"
	red "ai-saas-billing/internal/infra/redis"
	"ai-saas-billing/internal/infra/sched"
	"ai-saas-billing/internal/infra/web"
	"ai-saas-billing/internal/usecase"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ---- CLI flags ----
	cfgPath := flag.String("config", "config.yaml", "path to YAML config file")
	devMode := flag.Bool("dev", false, "enable developer mode (console logs, relaxed sampling)")
	flag.Parse()

	cfg, err := config.LoadConfig(*cfgPath, *devMode)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := logging.New(cfg.Log, cfg.Runtime.Dev)
	if cfg.Runtime.Dev {
		logger.Warn().Msg("developer mode enabled")
	}

	metrics.MustRegister()

	// ---- Postgres ----
	pool, err := pg.NewPgxPool(ctx, cfg.Database.URL, cfg.Database.PoolSize)
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres connect failed")
	}
	defer pool.Close()

	// ---- Redis (optional: spend locking) ----
	var locker usecase.Locker
	if cfg.Redis.URL != "" {
		redisClient, err := red.NewClient(ctx, &cfg.Redis)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis connect failed")
		}
		defer redisClient.Close()
		locker = red.NewLocker(redisClient)
	} else {
		logger.Warn().Msg("redis.url not set; spend serialization relies on row locks only")
	}

	// ---- Repositories ----
	txManager := pg.NewTxManager(pool)
	creditRepo := pg.NewCreditRepo(pool)
	paymentRepo := pg.NewPaymentRepo(pool)
	userRepo := pg.NewUserRepo(pool)

	// ---- Catalog & use cases ----
	catalog := config.NewCatalog(cfg.Plans, cfg.Packages)
	creditUC := usecase.NewCreditUseCase(creditRepo, txManager, locker, cfg.Redis.LockTTL, logger)
	reconcileUC := usecase.NewReconcileUseCase(paymentRepo, creditUC, catalog, txManager, logger)

	// ---- Payment adapters ----
	// The configured provider is always constructed, so missing credentials
	// fail startup with ErrMissingCredentials instead of an unknown-provider
	// error later.
	var stripeAdapter *payAdapters.StripeAdapter
	if cfg.Payment.Provider == "stripe" || cfg.Payment.Stripe.SecretKey != "" {
		stripeAdapter, err = payAdapters.NewStripeAdapter(cfg.Payment.Stripe, catalog, userRepo, paymentRepo, reconcileUC, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("stripe adapter init failed")
		}
	}
	var creemAdapter *payAdapters.CreemAdapter
	if cfg.Payment.Provider == "creem" || cfg.Payment.Creem.APIKey != "" {
		creemAdapter, err = payAdapters.NewCreemAdapter(cfg.Payment.Creem, catalog, paymentRepo, reconcileUC, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("creem adapter init failed")
		}
	}

	adapters := make([]port.PaymentProvider, 0, 2)
	if stripeAdapter != nil {
		adapters = append(adapters, stripeAdapter)
	}
	if creemAdapter != nil {
		adapters = append(adapters, creemAdapter)
	}
	paymentSvc, err := usecase.NewPaymentService(cfg.Payment.Provider, adapters...)
	if err != nil {
		logger.Fatal().Err(err).Str("provider", cfg.Payment.Provider).Msg("payment provider selection failed")
	}
	logger.Info().Str("provider", paymentSvc.Provider()).Msg("payment provider active")

	// ---- Expiry auditor ----
	auditor := sched.NewExpiryAuditor(cfg.Scheduler.ExpiryAuditInterval, creditUC, logger)
	go func() { _ = auditor.Run(ctx) }()

	// ---- HTTP server ----
	server := web.NewServer(cfg, paymentSvc, creditUC, logger)
	go func() {
		if err := server.Start(); err != nil {
			logger.Error().Err(err).Msg("http server error")
			cancel()
		}
	}()

	// ---- Graceful shutdown ----
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigc:
		logger.Info().Msg("shutdown requested")
	case <-ctx.Done():
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown error")
	}
}

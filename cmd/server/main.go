package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/makkenzo/activation-platform/internal/codegen"
	"github.com/makkenzo/activation-platform/internal/config"
	"github.com/makkenzo/activation-platform/internal/gateway"
	"github.com/makkenzo/activation-platform/internal/handler"
	"github.com/makkenzo/activation-platform/internal/metrics"
	"github.com/makkenzo/activation-platform/internal/service"
	"github.com/makkenzo/activation-platform/internal/storage/postgres"
	"github.com/makkenzo/activation-platform/internal/storage/redis"
	"github.com/makkenzo/activation-platform/internal/worker"
	"github.com/makkenzo/activation-platform/pkg/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "./configs/config.dev.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	appLogger, err := logger.NewZapLogger(logger.Options{
		Level:   cfg.Log.Level,
		Format:  cfg.Log.Format,
		Service: cfg.Log.Service,
	})
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer appLogger.Sync()

	sugarLogger := appLogger.Sugar()

	sugarLogger.Info("Starting application...")
	sugarLogger.Infof("Log level set to: %s", cfg.Log.Level)

	appCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dbPool, err := postgres.NewPgxPool(appCtx, &cfg.Database, appLogger)
	if err != nil {
		sugarLogger.Fatalf("Failed to connect to PostgreSQL: %v", err)
	}
	defer dbPool.Close()

	redisClient, err := redis.NewRedisClient(appCtx, &cfg.Redis, appLogger)
	if err != nil {
		sugarLogger.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	appMetrics := metrics.New(registry)

	txManager := postgres.NewTxManager(dbPool, appLogger)
	codeRepo := postgres.NewActivationRepository(dbPool, appLogger)
	paymentRepo := postgres.NewPaymentRepository(dbPool, appLogger)

	gatewaySettings, err := gateway.SettingsFromConfig(cfg.Payments)
	if err != nil {
		sugarLogger.Fatalf("Invalid payment gateway configuration: %v", err)
	}
	gateways, err := gateway.NewManager(gateway.DefaultRegistry(), gatewaySettings, cfg.Payments.Timeout, appMetrics, appLogger)
	if err != nil {
		sugarLogger.Fatalf("Failed to initialize payment gateways: %v", err)
	}
	sugarLogger.Infof("Payment methods enabled: %v", gateways.Methods())

	ledgerService := service.NewLedgerService(codeRepo, txManager, codegen.New(cfg.Codes.SaltKey), cfg.Codes, appMetrics, appLogger)
	bindingService := service.NewBindingService(codeRepo, txManager, cfg.Binding, cfg.Codes.Prefix, appMetrics, appLogger)
	settlementService := service.NewSettlementService(ledgerService, codeRepo, paymentRepo, txManager, gateways, cfg.Payments, appMetrics, appLogger)
	settlementService.AddListener(service.NewPaymentAuditListener(appLogger))

	adminAuth, err := service.NewAdminAuthService(appCtx, cfg.Admin, appLogger)
	if err != nil {
		sugarLogger.Fatalf("Failed to initialize admin authentication: %v", err)
	}

	router := handler.NewRouter(handler.RouterDeps{
		Activation: handler.NewActivationHandler(ledgerService, appLogger),
		Binding:    handler.NewBindingHandler(bindingService, appLogger),
		Payment:    handler.NewPaymentHandler(settlementService, appLogger),
		Webhook:    handler.NewWebhookHandler(settlementService, gateways, appLogger),
		Unified:    handler.NewUnifiedHandler(ledgerService, bindingService, appLogger),
		Health:     handler.NewHealthHandler(postgres.Ping(dbPool), redis.Ping(redisClient), appLogger),

		AdminAuth:      adminAuth,
		AttemptLimiter: redis.NewAttemptLimiter(redisClient, cfg.Security.MaxActivationAttempts, cfg.Security.AttemptWindow, appLogger),
		RateLimiter:    redis.NewRateLimiter(redisClient, cfg.Security.RateLimitPerMinute, appLogger),
		Gatherer:       registry,

		AllowOrigins: cfg.Server.AllowOrigins,
		Logger:       appLogger,
	})

	g, groupCtx := errgroup.WithContext(appCtx)

	httpServer := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	g.Go(func() error {
		sugarLogger.Infof("HTTP server listening on port %s", cfg.Server.Port)

		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			sugarLogger.Errorf("HTTP server ListenAndServe error: %v", err)
			return fmt.Errorf("http server failed: %w", err)
		}
		sugarLogger.Info("HTTP server stopped listening.")
		return nil
	})

	g.Go(func() error {
		<-groupCtx.Done()
		sugarLogger.Info("Shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownPeriod)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			sugarLogger.Errorf("HTTP server graceful shutdown failed: %v", err)
			return fmt.Errorf("http server shutdown error: %w", err)
		}
		sugarLogger.Info("HTTP server shutdown complete.")
		return nil
	})

	if cfg.Worker.Enabled {
		g.Go(func() error {
			jobs := worker.Jobs{Expirer: ledgerService, Reconciler: settlementService}
			if err := worker.RunWorkers(groupCtx, cfg, jobs, appLogger); err != nil {
				appLogger.Error("Asynq worker failed", zap.Error(err))
				return fmt.Errorf("asynq worker error: %w", err)
			}
			sugarLogger.Info("Asynq workers finished gracefully.")
			return nil
		})
	}

	sugarLogger.Info("Application started. Waiting for interrupt signal (Ctrl+C) or component error...")

	waitErr := g.Wait()

	sugarLogger.Info("Shutdown sequence finished.")

	if waitErr != nil {
		if errors.Is(waitErr, context.Canceled) {
			sugarLogger.Info("Shutdown reason: Context canceled (likely due to OS signal).")
		} else {
			sugarLogger.Errorf("Application shutdown finished with unexpected error: %v", waitErr)
		}
	} else {
		sugarLogger.Info("Application shutdown successfully (all components finished without errors).")
	}

	sugarLogger.Info("Application exiting now.")
}

// Package main запускает HTTP-сервер движка заказов, кредитов и расчётов.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/pharmaledger/internal/config"
	"github.com/mmeshcher/pharmaledger/internal/gateway"
	"github.com/mmeshcher/pharmaledger/internal/handler"
	"github.com/mmeshcher/pharmaledger/internal/idempotency"
	"github.com/mmeshcher/pharmaledger/internal/inventory"
	"github.com/mmeshcher/pharmaledger/internal/logger"
	"github.com/mmeshcher/pharmaledger/internal/middleware"
	"github.com/mmeshcher/pharmaledger/internal/money"
	"github.com/mmeshcher/pharmaledger/internal/repository"
	"github.com/mmeshcher/pharmaledger/internal/service"
)

func main() {
	bootstrap, _ := zap.NewProduction()

	cfg, err := config.Parse()
	if err != nil {
		bootstrap.Sugar().Fatalw("configuration error", "error", err.Error())
	}

	log := logger.New(cfg.LogLevel, cfg.LogFormat)
	defer log.Sync()

	sugar := log.Sugar()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var store repository.Store
	if cfg.DatabaseURI != "" {
		repo, err := repository.NewPostgresRepository(cfg.DatabaseURI)
		if err != nil {
			sugar.Fatalw("database initialization error", "error", err.Error())
		}
		store = repo
	} else {
		sugar.Warn("DATABASE_URI is empty, using in-memory storage")
		store = repository.NewMemoryStore()
	}

	var inv service.Inventory = inventory.Noop{}
	if cfg.InventoryServiceAddress != "" {
		inv = inventory.NewClient(cfg.InventoryServiceAddress, log)
	}

	var callbacks interface {
		service.IdempotencyStore
		Close() error
	}
	if cfg.RedisAddress != "" {
		rs, err := idempotency.NewRedisStore(ctx, cfg.RedisAddress, cfg.RedisPassword, 0)
		if err != nil {
			sugar.Fatalw("redis initialization error", "error", err.Error())
		}
		callbacks = rs
	} else {
		callbacks = idempotency.NewMemoryStore()
	}
	defer callbacks.Close()

	gw, err := gateway.NewMercadoPago(cfg.MercadoPagoAccessToken, cfg.PaymentGatewaySandbox, log)
	if err != nil {
		sugar.Fatalw("payment gateway initialization error", "error", err.Error())
	}

	svc := service.NewService(store, inv, gw, callbacks, log, service.Options{
		Currency:        money.Currency(cfg.Currency),
		Sandbox:         gw.Sandbox(),
		NotificationURL: cfg.PaymentNotificationURL,
		SessionExpiry:   cfg.SessionExpiry,
	})
	defer svc.Close()

	if cfg.JWTSecret == "" {
		sugar.Warn("JWT_SECRET is not set, tokens are signed with a random key and expire on restart")
	}
	if cfg.PaymentCallbackToken == "" {
		sugar.Warn("PAYMENT_CALLBACK_TOKEN is not set, payment callbacks are rejected")
	}

	authMiddleware := middleware.NewAuthMiddleware(cfg.JWTSecret)
	h := handler.NewHandler(svc, log, authMiddleware, cfg.PaymentCallbackToken)

	server := &http.Server{
		Addr:              cfg.RunAddress,
		Handler:           h.SetupRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		svc.StartSessionExpiry(ctx)
		return nil
	})

	g.Go(func() error {
		sugar.Infow("starting pharmaledger server",
			"addr", cfg.RunAddress,
			"currency", cfg.Currency,
			"sandbox", gw.Sandbox(),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

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

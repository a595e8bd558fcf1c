// Package main запускает HTTP-сервер учёта доставок воды.
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

	"github.com/mmeshcher/water-ledger/internal/config"
	"github.com/mmeshcher/water-ledger/internal/handler"
	"github.com/mmeshcher/water-ledger/internal/metrics"
	"github.com/mmeshcher/water-ledger/internal/middleware"
	"github.com/mmeshcher/water-ledger/internal/repository"
	"github.com/mmeshcher/water-ledger/internal/service"
	"github.com/mmeshcher/water-ledger/internal/swipeguard"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	repo, err := repository.NewPostgresRepository(cfg.DatabaseURI)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}

	m := metrics.New("waterledger")

	opts := []service.Option{
		service.WithMetrics(m),
		service.WithDefaultTruckType(cfg.DefaultTruckTypeID),
	}

	if cfg.RedisURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		client, err := swipeguard.Connect(ctx, cfg.RedisURL)
		cancel()
		if err != nil {
			sugar.Fatalw("redis initialization error", "error", err.Error())
		}
		guard := swipeguard.New(client, cfg.SwipeCooldown)
		defer guard.Close()

		opts = append(opts, service.WithSwipeGuard(guard))
		sugar.Infow("card swipe debounce enabled", "cooldown", cfg.SwipeCooldown)
	}

	svc := service.NewService(repo, opts...)
	defer svc.Close()

	if cfg.JWTSecret == "" {
		sugar.Warn("JWT secret is not set, tokens will not survive a restart")
	}
	authMiddleware := middleware.NewAuthMiddleware(cfg.JWTSecret, svc)

	h := handler.NewHandler(svc, logger, authMiddleware,
		handler.WithMetrics(m),
		handler.WithDeviceKey(cfg.DeviceKey),
		handler.WithHealthCheck(repo.Ping),
	)

	r := h.SetupRouter()

	server := &http.Server{
		Addr:              cfg.RunAddress,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		sugar.Infow("starting water ledger server", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка сервера)
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
		sugar.Errorw("application terminated with error", "error", err)
	}
}

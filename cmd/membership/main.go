// Package main запускает HTTP-сервер сервиса членства.
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

	"github.com/mmeshcher/membership-system/internal/config"
	"github.com/mmeshcher/membership-system/internal/handler"
	"github.com/mmeshcher/membership-system/internal/middleware"
	"github.com/mmeshcher/membership-system/internal/notify"
	"github.com/mmeshcher/membership-system/internal/repository"
	"github.com/mmeshcher/membership-system/internal/service"
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
	defer repo.Close()

	dispatcher := notify.NewDispatcher(cfg.NotifierAddress, logger)

	ledger := service.NewLedger(repo, logger, cfg.WelcomeBonusHours)
	seats := service.NewSeatPool(repo, dispatcher, logger)
	lifecycle := service.NewLifecycle(repo, dispatcher, logger)

	authMiddleware := middleware.NewAuthMiddleware(cfg.AuthSecret)
	h := handler.NewHandler(ledger, seats, lifecycle, logger, authMiddleware)

	r := h.SetupRouter()

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Запуск рассылки уведомлений
	g.Go(func() error {
		dispatcher.Run(ctx)
		return nil
	})

	// Запуск фоновой сверки журнала кредитов
	g.Go(func() error {
		ledger.RunAudit(ctx)
		return nil
	})

	// Запуск фоновой сверки занятости мест
	g.Go(func() error {
		seats.RunOccupancySweep(ctx)
		return nil
	})

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting membership server", "addr", cfg.RunAddress)
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

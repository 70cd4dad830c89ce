// Package main запускает HTTP-сервер сервиса счетов.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/petmarket-invoicing/internal/catalog"
	"github.com/mmeshcher/petmarket-invoicing/internal/config"
	"github.com/mmeshcher/petmarket-invoicing/internal/handler"
	"github.com/mmeshcher/petmarket-invoicing/internal/invoice"
	"github.com/mmeshcher/petmarket-invoicing/internal/middleware"
	"github.com/mmeshcher/petmarket-invoicing/internal/repository"
	"github.com/mmeshcher/petmarket-invoicing/internal/sequence"
	"github.com/mmeshcher/petmarket-invoicing/internal/service"
	"github.com/mmeshcher/petmarket-invoicing/internal/validation"
)

const (
	auditLockKey = "lock:invoicer:fallback-audit"
	auditLockTTL = 30 * time.Second
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

	var rdb *redis.Client
	if cfg.RedisAddress != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddress})
		defer rdb.Close()

		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			sugar.Warnw("redis is not reachable yet", "addr", cfg.RedisAddress, "error", err.Error())
		}
		cancel()
	}

	var counters sequence.CounterStore = repo
	if cfg.SequenceBackend == config.SequenceBackendRedis {
		counters = sequence.NewRedisCounter(rdb)
	}

	var prices invoice.Catalog = repo
	if cfg.CatalogAddress != "" {
		prices = catalog.NewClient(cfg.CatalogAddress)
	}

	assembler := invoice.NewAssembler(
		sequence.NewAllocator(counters),
		prices,
		repo,
		validation.New(cfg.PhoneRegion),
		logger.Named("invoice"),
	)

	opts := []service.Option{service.WithAuditInterval(cfg.AuditInterval)}
	if rdb != nil {
		opts = append(opts, service.WithAuditLock(
			service.NewRedisAuditLock(redislock.New(rdb), auditLockKey, auditLockTTL)))
	}

	svc := service.NewService(repo, assembler, logger.Named("service"), opts...)
	defer svc.Close()

	authMiddleware := middleware.NewAuthMiddleware(cfg.AuthSecret)
	h := handler.NewHandler(svc, logger, authMiddleware)

	server := &http.Server{
		Addr:              cfg.RunAddress,
		Handler:           h.SetupRouter(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		svc.StartFallbackAudit(ctx)
		return nil
	})

	g.Go(func() error {
		sugar.Infow("starting invoicer server",
			"addr", cfg.RunAddress,
			"sequence_backend", cfg.SequenceBackend,
			"external_catalog", cfg.CatalogAddress != "")
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

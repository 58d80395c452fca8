// tradecore is the simulated-market trading service. It owns the order
// book of record in Postgres, settles trades against the holdings ledger,
// and projects the resting book into Redis for reads.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/simetra/tradecore/api"
	"github.com/simetra/tradecore/internal/book"
	"github.com/simetra/tradecore/internal/bookcache"
	"github.com/simetra/tradecore/internal/config"
	"github.com/simetra/tradecore/internal/database"
	"github.com/simetra/tradecore/internal/engine"
	"github.com/simetra/tradecore/internal/events"
	"github.com/simetra/tradecore/internal/ledger"
	"github.com/simetra/tradecore/internal/market"
	"github.com/simetra/tradecore/internal/reconcile"
	"github.com/simetra/tradecore/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "tradecore: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// .env is a local-development convenience; absence is fine.
	_ = godotenv.Load()

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log, err := logger.NewLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Sync()

	log.Info("starting tradecore",
		zap.String("log_level", cfg.LogLevel),
		zap.Int("port", cfg.Server.Port))

	db, err := database.NewPostgresDB(cfg.Database.DSN,
		cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns, cfg.Database.ConnMaxLifetime)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := database.AutoMigrate(db); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	ledgerSvc := ledger.NewService(log, db)
	marketSvc := market.NewService(log, db)
	orderStore := book.NewOrderStore(log, db)
	tradeStore := book.NewTradeStore(log, db)

	var cache bookcache.BookCache
	redisClient, err := database.NewRedisClient(cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		// The cache is a projection; trading can run on the in-process
		// fallback while Redis is down.
		log.Warn("redis unavailable, using in-process book cache", zap.Error(err))
		cache = bookcache.NewMemoryCache()
	} else {
		cache = bookcache.NewRedisCache(log, redisClient)
	}

	reconciler := reconcile.NewWorker(log, orderStore, cache, cfg.Cache.RebuildQueue)

	engineOpts := []engine.Option{
		engine.WithRebuildScheduler(reconciler),
		engine.WithCacheRetry(cfg.Cache.MaxRetries, cfg.Cache.RetryBackoff),
	}

	var publisher *events.KafkaPublisher
	if len(cfg.Kafka.Brokers) > 0 {
		publisher = events.NewKafkaPublisher(log, cfg.Kafka.Brokers, cfg.Kafka.TradeTopic)
		defer publisher.Close()
		engineOpts = append(engineOpts, engine.WithTradePublisher(publisher))
	}

	matchingEngine := engine.NewService(log, db, ledgerSvc, marketSvc,
		orderStore, tradeStore, cache, engineOpts...)

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reconciler.Start(rootCtx)
	defer reconciler.Stop()

	// The cache is empty or stale on boot; rehydrate it from the store
	// before accepting traffic.
	if err := reconciler.RebuildAll(rootCtx); err != nil {
		return fmt.Errorf("failed to rebuild book cache: %w", err)
	}

	server := api.NewServer(log, matchingEngine, marketSvc, ledgerSvc,
		cache, tradeStore, orderStore, reconciler)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      server.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("http server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	case sig := <-sigCh:
		log.Info("shutting down", zap.String("signal", sig.String()))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down http server: %w", err)
	}

	log.Info("shutdown complete")
	return nil
}

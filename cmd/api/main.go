package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/ariefcatur/go-order-pipeline/internal/admin"
	"github.com/ariefcatur/go-order-pipeline/internal/checkout"
	"github.com/ariefcatur/go-order-pipeline/internal/clock"
	"github.com/ariefcatur/go-order-pipeline/internal/config"
	"github.com/ariefcatur/go-order-pipeline/internal/httpx"
	"github.com/ariefcatur/go-order-pipeline/internal/inventory"
	kafkax "github.com/ariefcatur/go-order-pipeline/internal/kafka"
	"github.com/ariefcatur/go-order-pipeline/internal/logging"
	"github.com/ariefcatur/go-order-pipeline/internal/notify"
	"github.com/ariefcatur/go-order-pipeline/internal/orders"
	"github.com/ariefcatur/go-order-pipeline/internal/payment"
	"github.com/ariefcatur/go-order-pipeline/internal/redisx"
	"github.com/ariefcatur/go-order-pipeline/internal/storage"
	"github.com/ariefcatur/go-order-pipeline/internal/sweeper"
	"github.com/ariefcatur/go-order-pipeline/internal/tracing"
	"github.com/ariefcatur/go-order-pipeline/internal/txn"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

const sweepLockKey int64 = 801234600

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := logging.New(cfg.ServiceName, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("api stopped", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, cfg.ServiceName, cfg.OTLPEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(sctx)
	}()

	backend, err := storage.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer backend.Close()
	store := backend.Store

	clk := clock.NewSystem()
	runner := txn.NewRunner(cfg.ConsistencyMode, store, logger)
	ledger := inventory.NewLedger(store, store, clk, logger)

	var (
		observers orders.Observers
		idem      checkout.Idempotency
		cache     httpx.StatusCache
		sink      payment.Sink
		locker    = backend.Locker(sweepLockKey)
	)

	if cfg.RedisAddr != "" {
		rdb, err := redisx.New(ctx, cfg.RedisAddr)
		if err != nil {
			return err
		}
		defer rdb.Close()
		statusCache := redisx.NewStatusCache(rdb, logger)
		observers = append(observers, statusCache)
		cache = statusCache
		idem = redisx.NewIdempotency(rdb)
		locker = redisx.NewLock(rdb, "sweeper", cfg.SweepInterval, logger)
	}

	if len(cfg.KafkaBrokers) > 0 {
		events := kafkax.NewProducer(cfg.KafkaBrokers, cfg.TopicOrderEvents, 1024, logger)
		events.Start()
		defer events.Close()
		observers = append(observers, kafkax.NewEventPublisher(events, cfg.ServiceName, clk, logger))

		confirmations := kafkax.NewProducer(cfg.KafkaBrokers, cfg.TopicOrderConfirmation, 256, logger)
		confirmations.Start()
		defer confirmations.Close()
		sink = notify.NewKafkaSink(confirmations, cfg.ServiceName, clk)
	}

	checkouts := checkout.NewService(checkout.Deps{
		Runner:    runner,
		Ledger:    ledger,
		Products:  store,
		Orders:    store,
		Carts:     store,
		Idem:      idem,
		Observers: observers,
		Clock:     clk,
		Window:    cfg.ReservationWindow,
		Logger:    logger,
	})
	payments := payment.NewService(payment.Deps{
		Runner:     runner,
		Ledger:     ledger,
		Orders:     store,
		Payments:   store,
		Recipients: store,
		Gateway:    payment.NewSimulator(cfg.PaymentSuccessRate, 0),
		Sink:       sink,
		Observers:  observers,
		Clock:      clk,
		Logger:     logger,
	})

	router := httpx.NewRouter()
	oh := &httpx.OrdersHandler{
		Checkouts: checkouts,
		Payments:  payments,
		Statuses:  admin.NewService(runner, store, ledger, observers, clk, logger),
		Orders:    store,
		Catalog:   ledger,
		Cache:     cache,
		Logger:    logger,
	}
	oh.Register(router)

	if cfg.SweeperEnabled {
		sw := sweeper.New(sweeper.Deps{
			Runner:    runner,
			Orders:    store,
			Ledger:    ledger,
			Observers: observers,
			Locker:    locker,
			Clock:     clk,
			Logger:    logger,
		}, sweeper.Config{Interval: cfg.SweepInterval, BatchSize: cfg.SweepBatchSize})
		if err := sw.Start(ctx); err != nil {
			return err
		}
		defer sw.Stop()

		if runner.Mode() == txn.ModeCAS {
			rc := sweeper.NewReconciler(sweeper.ReconcilerDeps{
				Runner:   runner,
				Orders:   store,
				Payments: store,
				Ledger:   ledger,
				Clock:    clk,
				Logger:   logger,
			}, sweeper.ReconcilerConfig{
				Interval:    cfg.ReconcileInterval,
				BatchSize:   cfg.SweepBatchSize,
				GracePeriod: cfg.ReconcileGrace,
			})
			if err := rc.Start(ctx); err != nil {
				return err
			}
			defer rc.Stop()
		}
	}

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP listening",
			zap.String("addr", cfg.HTTPAddr),
			zap.String("storage", cfg.Storage),
			zap.String("consistency_mode", string(runner.Mode())),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}
	logger.Info("shutting down")

	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(sctx)
}

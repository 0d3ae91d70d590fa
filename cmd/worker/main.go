package main

import (
	"context"
	"log"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/ariefcatur/go-order-pipeline/internal/clock"
	"github.com/ariefcatur/go-order-pipeline/internal/config"
	"github.com/ariefcatur/go-order-pipeline/internal/inventory"
	kafkax "github.com/ariefcatur/go-order-pipeline/internal/kafka"
	"github.com/ariefcatur/go-order-pipeline/internal/logging"
	"github.com/ariefcatur/go-order-pipeline/internal/notify"
	"github.com/ariefcatur/go-order-pipeline/internal/orders"
	"github.com/ariefcatur/go-order-pipeline/internal/redisx"
	"github.com/ariefcatur/go-order-pipeline/internal/storage"
	"github.com/ariefcatur/go-order-pipeline/internal/sweeper"
	"github.com/ariefcatur/go-order-pipeline/internal/tracing"
	"github.com/ariefcatur/go-order-pipeline/internal/txn"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

const (
	sweepLockKey     int64 = 801234600
	reconcileLockKey int64 = 801234601
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	cfg.ServiceName += "-worker"
	logger, err := logging.New(cfg.ServiceName, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("worker stopped", zap.Error(err))
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

	if cfg.Storage == "memory" {
		logger.Warn("worker started on in-memory storage; it only sees its own process state")
	}
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
		observers     orders.Observers
		dedup         notify.Deduper
		sweepLock     = backend.Locker(sweepLockKey)
		reconcileLock = backend.Locker(reconcileLockKey)
	)

	if cfg.RedisAddr != "" {
		rdb, err := redisx.New(ctx, cfg.RedisAddr)
		if err != nil {
			return err
		}
		defer rdb.Close()
		observers = append(observers, redisx.NewStatusCache(rdb, logger))
		dedup = redisx.NewDedup(rdb, cfg.ServiceName)
		sweepLock = redisx.NewLock(rdb, "sweeper", cfg.SweepInterval, logger)
		reconcileLock = redisx.NewLock(rdb, "reconciler", cfg.ReconcileInterval, logger)
	}

	var wg sync.WaitGroup
	if len(cfg.KafkaBrokers) > 0 {
		events := kafkax.NewProducer(cfg.KafkaBrokers, cfg.TopicOrderEvents, 1024, logger)
		events.Start()
		defer events.Close()
		observers = append(observers, kafkax.NewEventPublisher(events, cfg.ServiceName, clk, logger))

		deliverer := notify.NewDeliverer(notify.LogMailer{Logger: logger.Named("mailer")}, dedup, logger)
		cons := kafkax.NewConsumer(cfg.KafkaBrokers, cfg.ConsumerGroup, cfg.TopicOrderConfirmation, cfg.NotifyWorkers, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			logger.Info("notification consumer started",
				zap.String("group", cfg.ConsumerGroup),
				zap.String("topic", cfg.TopicOrderConfirmation),
				zap.Int("workers", cfg.NotifyWorkers),
			)
			if err := cons.Start(ctx, deliverer.Handle); err != nil {
				logger.Error("notification consumer exited", zap.Error(err))
				stop()
			}
		}()
	}

	sw := sweeper.New(sweeper.Deps{
		Runner:    runner,
		Orders:    store,
		Ledger:    ledger,
		Observers: observers,
		Locker:    sweepLock,
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
			Locker:   reconcileLock,
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

	logger.Info("worker running",
		zap.Duration("sweep_interval", cfg.SweepInterval),
		zap.String("consistency_mode", string(runner.Mode())),
	)
	<-ctx.Done()
	logger.Info("shutting down worker")
	wg.Wait()
	return nil
}

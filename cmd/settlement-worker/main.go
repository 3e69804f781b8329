package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/radieske/updown-settlement/internal/realtime"
	"github.com/radieske/updown-settlement/internal/settlement-worker/consumer"
	"github.com/radieske/updown-settlement/internal/settlement-worker/settlement"
	"github.com/radieske/updown-settlement/internal/shared/cache"
	"github.com/radieske/updown-settlement/internal/shared/config"
	"github.com/radieske/updown-settlement/internal/shared/db"
	"github.com/radieske/updown-settlement/internal/shared/kafka"
	"github.com/radieske/updown-settlement/internal/shared/lock"
	"github.com/radieske/updown-settlement/internal/shared/logger"
	"github.com/radieske/updown-settlement/internal/shared/metrics"
	"github.com/radieske/updown-settlement/internal/store/postgres"
	"github.com/radieske/updown-settlement/internal/wager-service/placement"
	"github.com/radieske/updown-settlement/internal/wallet-service/ledger"
)

const consumerGroup = "settlement-worker"

func main() {
	cfg := config.Load()
	if cfg.ServiceName == "" {
		cfg.ServiceName = "settlement-worker"
	}
	log, err := logger.New(cfg.ServiceName, cfg.Env, cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pg, err := db.ConnectPostgres(cfg.PostgresDSN)
	if err != nil {
		log.Fatal("pg connect", zap.Error(err))
	}
	defer pg.Close()
	store := postgres.New(pg).WithTimeout(cfg.StoreTimeout)
	if cfg.RunMigrations {
		if err := store.Migrate(ctx, log); err != nil {
			log.Fatal("migrate", zap.Error(err))
		}
	}

	rdb, err := cache.ConnectRedis(cfg.RedisAddr)
	if err != nil {
		log.Fatal("redis connect", zap.Error(err))
	}
	defer rdb.Close()

	m := metrics.New(prometheus.DefaultRegisterer)
	locks := lock.NewManager(rdb, log, m)
	led := ledger.New(store, cfg.PayoutRatio, log)

	notifier := realtime.NewRedisNotifier(rdb, cfg.RealtimeChannelPrefix, log, m)
	batcher := realtime.NewBatcher(notifier, cfg.NotifyBatchWindow, log)
	defer batcher.Flush(context.Background())

	router := &consumer.Router{
		Placer: placement.New(store, led, locks, batcher, placement.Config{
			MaxPending:   cfg.MaxPendingPerSession,
			MinStake:     cfg.MinStake,
			LockTTL:      cfg.LockTTL,
			LockAttempts: cfg.LockMaxAttempts,
			LockBackoff:  cfg.LockBackoff,
		}, log, m),
		Settler: settlement.NewProcessor(store, led, locks, batcher, cfg.LockTTL, log, m),
		Log:     log,
	}

	// Um worker por tópico, cada um com sua DLQ
	newWorker := func(topic, dlqTopic string) (*consumer.Worker, func()) {
		reader := kafka.NewReader(cfg.KafkaBrokers, topic, consumerGroup)
		dlq := kafka.NewWriter(cfg.KafkaBrokers, dlqTopic)
		w := &consumer.Worker{
			Log:     log.With(zap.String("topic", topic)),
			Topic:   topic,
			Source:  reader,
			DLQ:     dlq,
			Locks:   locks,
			Handler: router,
			LockTTL: cfg.LockTTL,
			Retries: 3,
			OnResult: func(result string) {
				m.Queue(topic, result)
			},
		}
		return w, func() {
			_ = reader.Close()
			_ = dlq.Close()
		}
	}
	placeWorker, closePlace := newWorker(cfg.TopicPlaceWager, cfg.TopicPlaceWagerDLQ)
	defer closePlace()
	settleWorker, closeSettle := newWorker(cfg.TopicSettleSession, cfg.TopicSettleSessionDLQ)
	defer closeSettle()

	// Servidor HTTP para métricas Prometheus e healthcheck
	metricsSrv := metrics.StartMetricsServer(cfg.MetricsPort, metrics.All(
		store.Ping,
		func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
	))
	defer metricsSrv.Close()

	log.Info("settlement-worker started",
		zap.String("place_topic", cfg.TopicPlaceWager),
		zap.String("settle_topic", cfg.TopicSettleSession),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return placeWorker.Run(gctx) })
	g.Go(func() error { return settleWorker.Run(gctx) })
	if err := g.Wait(); err != nil {
		log.Error("settlement-worker stopped", zap.Error(err))
		return
	}
	log.Info("settlement-worker stopped")
}

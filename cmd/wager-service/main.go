package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/radieske/updown-settlement/internal/realtime"
	"github.com/radieske/updown-settlement/internal/session"
	"github.com/radieske/updown-settlement/internal/shared/cache"
	"github.com/radieske/updown-settlement/internal/shared/config"
	"github.com/radieske/updown-settlement/internal/shared/db"
	"github.com/radieske/updown-settlement/internal/shared/httpx"
	"github.com/radieske/updown-settlement/internal/shared/kafka"
	"github.com/radieske/updown-settlement/internal/shared/lock"
	"github.com/radieske/updown-settlement/internal/shared/logger"
	"github.com/radieske/updown-settlement/internal/shared/metrics"
	"github.com/radieske/updown-settlement/internal/store/postgres"
	whttp "github.com/radieske/updown-settlement/internal/wager-service/http"
	"github.com/radieske/updown-settlement/internal/wager-service/placement"
	"github.com/radieske/updown-settlement/internal/wager-service/producer"
	"github.com/radieske/updown-settlement/internal/wallet-service/ledger"
)

func main() {
	cfg := config.Load()
	if cfg.ServiceName == "" {
		cfg.ServiceName = "wager-service"
	}

	log, err := logger.New(cfg.ServiceName, cfg.Env, cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Postgres: ledger, apostas e sessões
	pg, err := db.ConnectPostgres(cfg.PostgresDSN)
	if err != nil {
		log.Fatal("postgres connect", zap.Error(err))
	}
	defer pg.Close()
	store := postgres.New(pg).WithTimeout(cfg.StoreTimeout)
	if cfg.RunMigrations {
		if err := store.Migrate(ctx, log); err != nil {
			log.Fatal("migrate", zap.Error(err))
		}
	}

	// Redis: locks distribuídos e pub/sub de tempo real
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

	// Kafka: comandos placeWager (caminho assíncrono) e settleSession (transição inline)
	placeWriter := kafka.NewWriter(cfg.KafkaBrokers, cfg.TopicPlaceWager)
	defer placeWriter.Close()
	settleWriter := kafka.NewWriter(cfg.KafkaBrokers, cfg.TopicSettleSession)
	defer settleWriter.Close()

	machine := session.NewMachine(store, locks, session.NewKafkaDispatcher(settleWriter), batcher, cfg.LockTTL, log, m)
	placer := placement.New(store, led, locks, batcher, placement.Config{
		MaxPending:   cfg.MaxPendingPerSession,
		MinStake:     cfg.MinStake,
		LockTTL:      cfg.LockTTL,
		LockAttempts: cfg.LockMaxAttempts,
		LockBackoff:  cfg.LockBackoff,
	}, log, m)
	// aposta numa sessão vencida dispara a transição na hora
	placer.OnExpired(func(ctx context.Context, sessionID string) {
		if _, err := machine.Advance(ctx, sessionID, session.DriverRequest); err != nil {
			log.Warn("inline session advance failed", zap.String("session_id", sessionID), zap.Error(err))
		}
	})

	api := whttp.NewServer(log, placer, machine, store, producer.NewKafkaPublisher(placeWriter))
	apiSrv := &http.Server{Addr: ":" + cfg.HTTPPort, Handler: api.Router()}
	metricsSrv := &http.Server{Addr: ":" + cfg.MetricsPort, Handler: metrics.Handler(metrics.All(
		store.Ping,
		func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
	))}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return httpx.Serve(gctx, apiSrv, log) })
	g.Go(func() error { return httpx.Serve(gctx, metricsSrv, log) })

	log.Info("wager-service started", zap.String("http", apiSrv.Addr), zap.String("metrics", metricsSrv.Addr))
	if err := g.Wait(); err != nil {
		log.Error("wager-service stopped", zap.Error(err))
	}
	machine.StopTimers()
}

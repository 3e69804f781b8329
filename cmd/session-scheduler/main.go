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
	"github.com/radieske/updown-settlement/internal/session"
	"github.com/radieske/updown-settlement/internal/shared/cache"
	"github.com/radieske/updown-settlement/internal/shared/config"
	"github.com/radieske/updown-settlement/internal/shared/db"
	"github.com/radieske/updown-settlement/internal/shared/kafka"
	"github.com/radieske/updown-settlement/internal/shared/lock"
	"github.com/radieske/updown-settlement/internal/shared/logger"
	"github.com/radieske/updown-settlement/internal/shared/metrics"
	"github.com/radieske/updown-settlement/internal/store/postgres"
)

func main() {
	cfg := config.Load()
	if cfg.ServiceName == "" {
		cfg.ServiceName = "session-scheduler"
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
	notifier := realtime.NewRedisNotifier(rdb, cfg.RealtimeChannelPrefix, log, m)

	// Sessões que entram em RESOLVING viram comandos settleSession
	settleWriter := kafka.NewWriter(cfg.KafkaBrokers, cfg.TopicSettleSession)
	defer settleWriter.Close()

	machine := session.NewMachine(store, locks, session.NewKafkaDispatcher(settleWriter), notifier, cfg.LockTTL, log, m)
	scheduler := session.NewScheduler(store, locks, session.RandomOutcome{}, cfg.SessionDuration, cfg.SessionsAhead, cfg.LockTTL, log, m)
	poller := session.NewPoller(machine, scheduler, store, session.PollerConfig{
		Interval: cfg.PollInterval,
		Timers:   true,
	}, log)

	metricsSrv := metrics.StartMetricsServer(cfg.MetricsPort, metrics.All(
		store.Ping,
		func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
	))
	defer metricsSrv.Close()

	log.Info("session-scheduler started",
		zap.Duration("session_duration", cfg.SessionDuration),
		zap.Int("sessions_ahead", cfg.SessionsAhead),
		zap.Duration("poll_interval", cfg.PollInterval),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return poller.Run(gctx) })
	if err := g.Wait(); err != nil {
		log.Error("session-scheduler stopped", zap.Error(err))
	}
}

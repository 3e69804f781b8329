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
	"github.com/radieske/updown-settlement/internal/shared/cache"
	"github.com/radieske/updown-settlement/internal/shared/config"
	"github.com/radieske/updown-settlement/internal/shared/db"
	"github.com/radieske/updown-settlement/internal/shared/httpx"
	"github.com/radieske/updown-settlement/internal/shared/logger"
	"github.com/radieske/updown-settlement/internal/shared/metrics"
	"github.com/radieske/updown-settlement/internal/store/postgres"
	"github.com/radieske/updown-settlement/internal/wallet-service/ledger"
)

func main() {
	cfg := config.Load()
	if cfg.ServiceName == "" {
		cfg.ServiceName = "realtime-service"
	}
	log, err := logger.New(cfg.ServiceName, cfg.Env, cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Postgres só para o snapshot de saldo na conexão/reconexão
	pg, err := db.ConnectPostgres(cfg.PostgresDSN)
	if err != nil {
		log.Fatal("pg connect", zap.Error(err))
	}
	defer pg.Close()
	store := postgres.New(pg).WithTimeout(cfg.StoreTimeout)
	led := ledger.New(store, cfg.PayoutRatio, log)

	rdb, err := cache.ConnectRedis(cfg.RedisAddr)
	if err != nil {
		log.Fatal("redis connect", zap.Error(err))
	}
	defer rdb.Close()

	m := metrics.New(prometheus.DefaultRegisterer)

	// CheckOrigin liberado: o gateway já aplica CORS
	hub := realtime.NewHub(led.Snapshot, func(*http.Request) bool { return true }, log, m)
	defer hub.Close()
	sub := realtime.NewSubscriber(rdb, cfg.RealtimeChannelPrefix, hub, log)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", hub.HandleWS) // ?userId=...
	apiSrv := &http.Server{Addr: ":" + cfg.HTTPPort, Handler: mux}
	metricsSrv := &http.Server{Addr: ":" + cfg.MetricsPort, Handler: metrics.Handler(metrics.All(
		store.Ping,
		func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
	))}

	log.Info("realtime-service started", zap.String("ws", apiSrv.Addr), zap.String("channel_prefix", cfg.RealtimeChannelPrefix))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sub.Run(gctx) })
	g.Go(func() error { return httpx.Serve(gctx, apiSrv, log) })
	g.Go(func() error { return httpx.Serve(gctx, metricsSrv, log) })
	if err := g.Wait(); err != nil {
		log.Error("realtime-service stopped", zap.Error(err))
	}
}

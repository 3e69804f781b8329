package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/radieske/updown-settlement/internal/shared/config"
	"github.com/radieske/updown-settlement/internal/shared/db"
	"github.com/radieske/updown-settlement/internal/shared/httpx"
	"github.com/radieske/updown-settlement/internal/shared/logger"
	"github.com/radieske/updown-settlement/internal/shared/metrics"
	"github.com/radieske/updown-settlement/internal/store/postgres"
	whttp "github.com/radieske/updown-settlement/internal/wallet-service/http"
	"github.com/radieske/updown-settlement/internal/wallet-service/ledger"
)

func main() {
	cfg := config.Load()
	if cfg.ServiceName == "" {
		cfg.ServiceName = "wallet-service"
	}

	// Inicializa logger estruturado
	log, err := logger.New(cfg.ServiceName, cfg.Env, cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer log.Sync()
	log.Info("starting service", zap.String("service", cfg.ServiceName), zap.String("env", cfg.Env))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Conexão com Postgres para leitura e provisionamento do ledger
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

	api := whttp.NewServer(log, ledger.New(store, cfg.PayoutRatio, log))

	// Servidor HTTP público (API de wallet)
	apiSrv := &http.Server{
		Addr:    ":" + cfg.HTTPPort, // ex: 8082
		Handler: api.Router(),
	}
	// Servidor de métricas e health check
	metricsSrv := &http.Server{Addr: ":" + cfg.MetricsPort, Handler: metrics.Handler(store.Ping)} // ex: 9098

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return httpx.Serve(gctx, apiSrv, log) })
	g.Go(func() error { return httpx.Serve(gctx, metricsSrv, log) })
	if err := g.Wait(); err != nil {
		log.Error("wallet-service stopped", zap.Error(err))
	}
}

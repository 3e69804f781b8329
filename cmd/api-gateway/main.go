package main

import (
	"context"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/radieske/updown-settlement/internal/shared/config"
	"github.com/radieske/updown-settlement/internal/shared/httpx"
	"github.com/radieske/updown-settlement/internal/shared/logger"
	"github.com/radieske/updown-settlement/internal/shared/metrics"
)

func rp(log *zap.Logger, to string) *httputil.ReverseProxy {
	u, err := url.Parse(to)
	if err != nil {
		log.Fatal("invalid upstream url", zap.String("url", to), zap.Error(err))
	}
	return httputil.NewSingleHostReverseProxy(u)
}

func main() {
	cfg := config.Load()
	if cfg.ServiceName == "" {
		cfg.ServiceName = "api-gateway"
	}
	log, err := logger.New(cfg.ServiceName, cfg.Env, cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	wager := rp(log, cfg.WagerURL)
	wallet := rp(log, cfg.WalletURL)
	rt := rp(log, cfg.RealtimeURL) // ReverseProxy repassa o upgrade de websocket

	srv := &http.Server{Addr: ":" + cfg.HTTPPort, Handler: httpx.WithCORS(routes(wager, wallet, rt))}
	metricsSrv := &http.Server{Addr: ":" + cfg.MetricsPort, Handler: metrics.Handler(nil)}

	log.Info("api-gateway listening", zap.String("addr", srv.Addr),
		zap.String("wager", cfg.WagerURL), zap.String("wallet", cfg.WalletURL), zap.String("realtime", cfg.RealtimeURL))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return httpx.Serve(gctx, srv, log) })
	g.Go(func() error { return httpx.Serve(gctx, metricsSrv, log) })
	if err := g.Wait(); err != nil {
		log.Fatal("gateway failed", zap.Error(err))
	}
}

// routes mapeia o prefixo público /api para os serviços internos
func routes(wager, wallet, rt http.Handler) http.Handler {
	mux := http.NewServeMux()

	// apostas e sessões (ex.: /api/wagers -> wager-service /wagers)
	mux.Handle("/api/wagers", http.StripPrefix("/api", wager))
	mux.Handle("/api/wagers/", http.StripPrefix("/api", wager))
	mux.Handle("/api/sessions/", http.StripPrefix("/api", wager))

	// wallet (ex.: /api/wallet?userId= -> wallet-service /wallet)
	mux.Handle("/api/wallet", http.StripPrefix("/api", wallet))
	mux.Handle("/api/wallet/", http.StripPrefix("/api", wallet))

	// tempo real
	mux.Handle("/ws", rt)
	return mux
}

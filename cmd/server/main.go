package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/edgerelay/edgerelay/internal/obs"
	"github.com/edgerelay/edgerelay/internal/ratelimit"
	"github.com/edgerelay/edgerelay/internal/relay"
)

func main() {
	flag.Parse()
	if err := mergeConfigFile(); err != nil {
		obs.Error("config.load", obs.Fields{"err": err.Error(), "file": cfg.File})
		os.Exit(1)
	}
	if cfg.Debug {
		obs.SetLevel(obs.LevelDebug)
	}
	obs.Info("server.start", obs.Fields{"control": cfg.ControlAddr, "tunnel": cfg.TunnelAddr, "public": cfg.PublicAddr, "metrics": cfg.MetricsAddr, "pool_size": cfg.PoolSize})

	store, err := relay.NewStateStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		obs.Error("state.init", obs.Fields{"err": err.Error()})
		os.Exit(1)
	}
	registry := relay.NewRegistry(store)

	var limiter *ratelimit.Limiter
	if cfg.GlobalConnRate > 0 || cfg.PerEdgeConnRate > 0 {
		limiter = ratelimit.NewLimiter(cfg.GlobalConnRate, cfg.PerEdgeConnRate, cfg.ConnBurst)
	}

	srv := relay.NewServer(relay.Config{
		ControlAddr:       cfg.ControlAddr,
		TunnelAddr:        cfg.TunnelAddr,
		PublicAddr:        cfg.PublicAddr,
		PoolSize:          cfg.PoolSize,
		SniffTimeout:      cfg.SniffTimeout,
		SlowPathTimeout:   cfg.SlowPathTimeout,
		RefillInterval:    cfg.RefillInterval,
		RefillSlotTimeout: cfg.RefillSlotTimeout,
		PendingGCInterval: cfg.PendingGCInterval,
	}, registry, store, limiter)

	if err := srv.Listen(); err != nil {
		obs.Error("listen", obs.Fields{"err": err.Error()})
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go startMetricsServer(cfg.MetricsAddr, registry, store)
	go func() {
		<-ctx.Done()
		obs.Info("server.shutdown.signal", obs.Fields{})
		store.SetClosing(true)
	}()

	store.SetReady(true)
	obs.Info("server.ready", obs.Fields{})
	srv.Serve(ctx)

	_ = store.Close()
	obs.Info("server.shutdown.complete", obs.Fields{})
}

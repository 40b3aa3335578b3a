package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/edgerelay/edgerelay/internal/edge"
	"github.com/edgerelay/edgerelay/internal/obs"
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
	if cfg.ClientID == "" {
		obs.Error("config.client_id", obs.Fields{"err": "client-id is required"})
		os.Exit(1)
	}

	local := net.JoinHostPort(cfg.LocalAddr, strconv.Itoa(cfg.LocalPort))
	agent := edge.New(edge.Config{
		ControlAddr:    net.JoinHostPort(cfg.ServerHost, strconv.Itoa(cfg.ControlPort)),
		TunnelAddr:     net.JoinHostPort(cfg.ServerHost, strconv.Itoa(cfg.TunnelPort)),
		ClientID:       cfg.ClientID,
		LocalAddr:      local,
		DialTimeout:    cfg.DialTimeout,
		BackoffInitial: cfg.BackoffInitial,
		BackoffMax:     cfg.BackoffMax,
	})
	obs.Info("edge.start", obs.Fields{"client_id": cfg.ClientID, "server": cfg.ServerHost, "local": local})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := agent.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		obs.Error("edge.exit", obs.Fields{"err": err.Error()})
		os.Exit(1)
	}
	obs.Info("edge.shutdown", obs.Fields{})
}

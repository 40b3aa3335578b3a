package main

import (
	"flag"
	"time"

	"github.com/edgerelay/edgerelay/internal/config"
)

// Config holds the server's runtime configuration. Flags are the
// primary source; -config names an optional YAML file whose values fill
// in any flag the command line left untouched.
type Config struct {
	ControlAddr string `yaml:"control_addr"`
	TunnelAddr  string `yaml:"tunnel_addr"`
	PublicAddr  string `yaml:"public_addr"`
	MetricsAddr string `yaml:"metrics_addr"`
	PoolSize    int    `yaml:"pool_size"`

	SlowPathTimeout   time.Duration `yaml:"-"`
	SniffTimeout      time.Duration `yaml:"-"`
	RefillInterval    time.Duration `yaml:"-"`
	RefillSlotTimeout time.Duration `yaml:"-"`
	PendingGCInterval time.Duration `yaml:"-"`

	GlobalConnRate  int `yaml:"global_conn_rate"`
	PerEdgeConnRate int `yaml:"per_edge_conn_rate"`
	ConnBurst       int `yaml:"conn_burst"`

	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	Debug bool   `yaml:"debug"`
	File  string `yaml:"-"`
}

var cfg Config

func init() {
	flag.StringVar(&cfg.ControlAddr, "control", ":17001", "address for edge control connections")
	flag.StringVar(&cfg.TunnelAddr, "tunnel", ":17002", "address for edge tunnel connections")
	flag.StringVar(&cfg.PublicAddr, "public", ":17003", "public listener address")
	flag.StringVar(&cfg.MetricsAddr, "metrics", ":17009", "metrics and health listen address")
	flag.IntVar(&cfg.PoolSize, "pool-size", 3, "idle tunnels to keep pre-opened per edge; 0 disables pre-warming")
	flag.DurationVar(&cfg.SlowPathTimeout, "slow-path-timeout", 10*time.Second, "time limit for the edge to greet an on-demand tunnel")
	flag.DurationVar(&cfg.SniffTimeout, "sniff-timeout", 200*time.Millisecond, "time limit for the first bytes of a public connection")
	flag.DurationVar(&cfg.RefillInterval, "refill-interval", 5*time.Second, "cadence of the pool refill ticker")
	flag.DurationVar(&cfg.RefillSlotTimeout, "refill-slot-timeout", 30*time.Second, "time before an unanswered refill request is reclaimed")
	flag.DurationVar(&cfg.PendingGCInterval, "pending-gc-interval", 2*time.Second, "cadence of the stale-entry sweep")
	flag.IntVar(&cfg.GlobalConnRate, "conn-rate", 0, "global public connections per second; 0 disables")
	flag.IntVar(&cfg.PerEdgeConnRate, "conn-rate-per-edge", 0, "per-edge public connections per second; 0 disables")
	flag.IntVar(&cfg.ConnBurst, "conn-burst", 50, "burst size for connection rate limits")
	flag.StringVar(&cfg.RedisAddr, "redis", "", "redis address for presence mirroring; empty uses in-memory state")
	flag.StringVar(&cfg.RedisPassword, "redis-password", "", "redis password")
	flag.IntVar(&cfg.RedisDB, "redis-db", 0, "redis database number")
	flag.BoolVar(&cfg.Debug, "debug", false, "enable debug logs")
	flag.StringVar(&cfg.File, "config", "", "optional YAML config file; flags set on the command line win")
}

// mergeConfigFile overlays file values onto cfg for every flag the
// command line did not set. A zero or empty file value leaves the flag's
// value in place, except pool_size, where 0 disables pre-warming.
func mergeConfigFile() error {
	if cfg.File == "" {
		return nil
	}
	fc := Config{PoolSize: -1}
	if err := config.Load(cfg.File, &fc); err != nil {
		return err
	}
	set := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
	if !set["control"] && fc.ControlAddr != "" {
		cfg.ControlAddr = fc.ControlAddr
	}
	if !set["tunnel"] && fc.TunnelAddr != "" {
		cfg.TunnelAddr = fc.TunnelAddr
	}
	if !set["public"] && fc.PublicAddr != "" {
		cfg.PublicAddr = fc.PublicAddr
	}
	if !set["metrics"] && fc.MetricsAddr != "" {
		cfg.MetricsAddr = fc.MetricsAddr
	}
	if !set["pool-size"] && fc.PoolSize >= 0 {
		cfg.PoolSize = fc.PoolSize
	}
	if !set["conn-rate"] && fc.GlobalConnRate != 0 {
		cfg.GlobalConnRate = fc.GlobalConnRate
	}
	if !set["conn-rate-per-edge"] && fc.PerEdgeConnRate != 0 {
		cfg.PerEdgeConnRate = fc.PerEdgeConnRate
	}
	if !set["conn-burst"] && fc.ConnBurst != 0 {
		cfg.ConnBurst = fc.ConnBurst
	}
	if !set["redis"] && fc.RedisAddr != "" {
		cfg.RedisAddr = fc.RedisAddr
	}
	if !set["redis-password"] && fc.RedisPassword != "" {
		cfg.RedisPassword = fc.RedisPassword
	}
	if !set["redis-db"] && fc.RedisDB != 0 {
		cfg.RedisDB = fc.RedisDB
	}
	if !set["debug"] && fc.Debug {
		cfg.Debug = true
	}
	return nil
}

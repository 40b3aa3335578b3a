package main

import (
	"flag"
	"time"

	"github.com/edgerelay/edgerelay/internal/config"
)

// Config holds the edge agent's runtime configuration. Flags are the
// primary source; -config names an optional YAML file whose values fill
// in any flag the command line left untouched.
type Config struct {
	ServerHost  string `yaml:"server_host"`
	ControlPort int    `yaml:"control_port"`
	TunnelPort  int    `yaml:"tunnel_port"`
	ClientID    string `yaml:"client_id"`
	LocalAddr   string `yaml:"local_addr"`
	LocalPort   int    `yaml:"local_port"`

	DialTimeout    time.Duration `yaml:"-"`
	BackoffInitial time.Duration `yaml:"-"`
	BackoffMax     time.Duration `yaml:"-"`

	Debug bool   `yaml:"debug"`
	File  string `yaml:"-"`
}

var cfg Config

func init() {
	flag.StringVar(&cfg.ServerHost, "server", "127.0.0.1", "server host")
	flag.IntVar(&cfg.ControlPort, "control-port", 17001, "server control port")
	flag.IntVar(&cfg.TunnelPort, "tunnel-port", 17002, "server tunnel port")
	flag.StringVar(&cfg.ClientID, "client-id", "", "client id to register (required)")
	flag.StringVar(&cfg.LocalAddr, "local-addr", "127.0.0.1", "local service host")
	flag.IntVar(&cfg.LocalPort, "local-port", 9000, "local service port")
	flag.DurationVar(&cfg.DialTimeout, "dial-timeout", 5*time.Second, "dial timeout for server and local connections")
	flag.DurationVar(&cfg.BackoffInitial, "backoff-initial", time.Second, "initial control reconnect backoff")
	flag.DurationVar(&cfg.BackoffMax, "backoff-max", 30*time.Second, "control reconnect backoff cap")
	flag.BoolVar(&cfg.Debug, "debug", false, "enable debug logs")
	flag.StringVar(&cfg.File, "config", "", "optional YAML config file; flags set on the command line win")
}

// mergeConfigFile overlays file values onto cfg for every flag the
// command line did not set.
func mergeConfigFile() error {
	if cfg.File == "" {
		return nil
	}
	var fc Config
	if err := config.Load(cfg.File, &fc); err != nil {
		return err
	}
	set := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
	if !set["server"] && fc.ServerHost != "" {
		cfg.ServerHost = fc.ServerHost
	}
	if !set["control-port"] && fc.ControlPort != 0 {
		cfg.ControlPort = fc.ControlPort
	}
	if !set["tunnel-port"] && fc.TunnelPort != 0 {
		cfg.TunnelPort = fc.TunnelPort
	}
	if !set["client-id"] && fc.ClientID != "" {
		cfg.ClientID = fc.ClientID
	}
	if !set["local-addr"] && fc.LocalAddr != "" {
		cfg.LocalAddr = fc.LocalAddr
	}
	if !set["local-port"] && fc.LocalPort != 0 {
		cfg.LocalPort = fc.LocalPort
	}
	if !set["debug"] && fc.Debug {
		cfg.Debug = true
	}
	return nil
}

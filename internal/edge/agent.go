package edge

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"time"

	"github.com/edgerelay/edgerelay/internal/netutil"
	"github.com/edgerelay/edgerelay/internal/obs"
	"github.com/edgerelay/edgerelay/internal/proto"
)

// ErrRegistrationRejected is returned when the server nacks a Register.
var ErrRegistrationRejected = errors.New("edge: registration rejected")

// Config holds everything the agent needs to reach the server and the
// local service.
type Config struct {
	ControlAddr string
	TunnelAddr  string
	ClientID    string

	// LocalAddr is the pass-through target. Ignored when Endpoint is
	// set (command mode supplies its own).
	LocalAddr string
	Endpoint  LocalEndpoint

	DialTimeout    time.Duration
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

// Agent maintains one registered control connection and opens tunnel
// sockets on demand, splicing each to the local endpoint.
type Agent struct {
	cfg      Config
	endpoint LocalEndpoint
}

// New builds an agent. Zero timing fields get the defaults: 5 s dials,
// 1 s initial backoff doubling to a 30 s cap.
func New(cfg Config) *Agent {
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.BackoffInitial == 0 {
		cfg.BackoffInitial = time.Second
	}
	if cfg.BackoffMax == 0 {
		cfg.BackoffMax = 30 * time.Second
	}
	ep := cfg.Endpoint
	if ep == nil {
		ep = TCPEndpoint{Addr: cfg.LocalAddr, Timeout: cfg.DialTimeout}
	}
	return &Agent{cfg: cfg, endpoint: ep}
}

// Run registers with the server and serves tunnel requests until ctx is
// cancelled, reconnecting with capped jittered backoff on any control
// failure. A successful registration resets the backoff.
func (a *Agent) Run(ctx context.Context) error {
	backoff := a.cfg.BackoffInitial
	for {
		registered, err := a.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if registered {
			backoff = a.cfg.BackoffInitial
		}
		obs.Warn("control.reconnect", obs.Fields{"client_id": a.cfg.ClientID, "err": errString(err), "backoff": backoff.String()})
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jitter(backoff)):
		}
		backoff *= 2
		if backoff > a.cfg.BackoffMax {
			backoff = a.cfg.BackoffMax
		}
	}
}

// runOnce holds one control connection for its lifetime. The returned
// bool reports whether registration succeeded, so Run knows whether to
// reset the backoff.
func (a *Agent) runOnce(ctx context.Context) (bool, error) {
	d := net.Dialer{Timeout: a.cfg.DialTimeout}
	c, err := d.DialContext(ctx, "tcp", a.cfg.ControlAddr)
	if err != nil {
		return false, err
	}
	defer c.Close()
	if err := netutil.TuneTCP(c); err != nil {
		obs.Warn("tcp.tune", obs.Fields{"err": err.Error()})
	}
	if err := proto.WriteMessage(c, proto.Register(a.cfg.ClientID)); err != nil {
		return false, err
	}
	res, err := proto.ReadMessage(c)
	if err != nil {
		return false, err
	}
	if res.Type != proto.TypeRegisterResult || !res.Success {
		return false, fmt.Errorf("%w: %s", ErrRegistrationRejected, res.Error)
	}
	obs.Info("edge.registered", obs.Fields{"client_id": a.cfg.ClientID, "server": a.cfg.ControlAddr})

	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()
	for {
		m, err := proto.ReadMessage(c)
		if err != nil {
			return true, err
		}
		switch m.Type {
		case proto.TypeRequestNewTunnel:
			if m.TunnelID == "" {
				continue
			}
			go a.openTunnel(m.TunnelID)
		default:
			// Unknown control messages are tolerated.
		}
	}
}

// openTunnel dials the tunnel port, greets with the supplied id, then
// splices the tunnel to the local endpoint. Nothing is written on the
// tunnel before the greeting; a local failure closes the tunnel so the
// public side observes EOF.
func (a *Agent) openTunnel(tunnelID string) {
	c, err := net.DialTimeout("tcp", a.cfg.TunnelAddr, a.cfg.DialTimeout)
	if err != nil {
		obs.Error("tunnel.dial", obs.Fields{"tunnel_id": tunnelID, "err": err.Error()})
		return
	}
	if err := netutil.TuneTCP(c); err != nil {
		obs.Warn("tcp.tune", obs.Fields{"err": err.Error()})
	}
	if err := proto.WriteMessage(c, proto.NewTunnel(tunnelID, a.cfg.ClientID)); err != nil {
		obs.Error("tunnel.greet", obs.Fields{"tunnel_id": tunnelID, "err": err.Error()})
		_ = c.Close()
		return
	}
	local, err := a.endpoint.Open()
	if err != nil {
		obs.Error("local.dial", obs.Fields{"tunnel_id": tunnelID, "err": err.Error()})
		_ = c.Close()
		return
	}
	obs.Debug("tunnel.open", obs.Fields{"tunnel_id": tunnelID})
	in, out := netutil.Splice(c, local)
	obs.Debug("tunnel.done", obs.Fields{"tunnel_id": tunnelID, "bytes_in": in, "bytes_out": out})
}

// jitter spreads d by ±20% so reconnecting edges do not thunder.
func jitter(d time.Duration) time.Duration {
	f := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(d) * f)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

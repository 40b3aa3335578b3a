package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/edgerelay/edgerelay/internal/netutil"
	"github.com/edgerelay/edgerelay/internal/obs"
	"github.com/edgerelay/edgerelay/internal/proto"
	"github.com/edgerelay/edgerelay/internal/ratelimit"
)

// ErrNoTunnel means the slow path timed out or the edge went away before
// a tunnel could be paired with the public connection.
var ErrNoTunnel = errors.New("relay: no tunnel available")

// Config holds the server core's listen addresses and timing knobs.
// Zero-valued timing fields fall back to the defaults below.
type Config struct {
	ControlAddr string
	TunnelAddr  string
	PublicAddr  string

	// PoolSize is the desired idle-tunnel depth per edge; 0 disables
	// pre-warming and forces every public request onto the slow path.
	PoolSize int

	SniffLimit        int
	SniffTimeout      time.Duration
	SlowPathTimeout   time.Duration
	GreetingTimeout   time.Duration
	RefillInterval    time.Duration
	RefillSlotTimeout time.Duration
	PendingGCInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.SniffLimit == 0 {
		c.SniffLimit = DefaultSniffLimit
	}
	if c.SniffTimeout == 0 {
		c.SniffTimeout = DefaultSniffTimeout
	}
	if c.SlowPathTimeout == 0 {
		c.SlowPathTimeout = 10 * time.Second
	}
	if c.GreetingTimeout == 0 {
		c.GreetingTimeout = 10 * time.Second
	}
	if c.RefillInterval == 0 {
		c.RefillInterval = 5 * time.Second
	}
	if c.RefillSlotTimeout == 0 {
		c.RefillSlotTimeout = 30 * time.Second
	}
	if c.PendingGCInterval == 0 {
		c.PendingGCInterval = 2 * time.Second
	}
}

// Server owns the control, tunnel and public listeners plus the shared
// registry. Listen binds the three ports; Serve runs until ctx is done.
type Server struct {
	cfg      Config
	registry *Registry
	store    StateStore
	limiter  *ratelimit.Limiter

	ctrlLn net.Listener
	tunLn  net.Listener
	pubLn  net.Listener
}

// NewServer assembles a server core. limiter may be nil to disable
// connection limiting.
func NewServer(cfg Config, registry *Registry, store StateStore, limiter *ratelimit.Limiter) *Server {
	cfg.applyDefaults()
	return &Server{cfg: cfg, registry: registry, store: store, limiter: limiter}
}

// Listen binds the three ports. Any bind failure is fatal to startup.
func (s *Server) Listen() error {
	var err error
	if s.ctrlLn, err = net.Listen("tcp", s.cfg.ControlAddr); err != nil {
		return fmt.Errorf("listen control %s: %w", s.cfg.ControlAddr, err)
	}
	if s.tunLn, err = net.Listen("tcp", s.cfg.TunnelAddr); err != nil {
		_ = s.ctrlLn.Close()
		return fmt.Errorf("listen tunnel %s: %w", s.cfg.TunnelAddr, err)
	}
	if s.pubLn, err = net.Listen("tcp", s.cfg.PublicAddr); err != nil {
		_ = s.ctrlLn.Close()
		_ = s.tunLn.Close()
		return fmt.Errorf("listen public %s: %w", s.cfg.PublicAddr, err)
	}
	return nil
}

// ControlAddr returns the bound control address.
func (s *Server) ControlAddr() string { return s.ctrlLn.Addr().String() }

// TunnelAddr returns the bound tunnel address.
func (s *Server) TunnelAddr() string { return s.tunLn.Addr().String() }

// PublicAddr returns the bound public address.
func (s *Server) PublicAddr() string { return s.pubLn.Addr().String() }

// Serve runs the accept loops and supervisory tickers, blocking until
// ctx is cancelled. On return all listeners are closed and every live
// registration is torn down; in-flight splices drain on their own.
func (s *Server) Serve(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(5)
	go func() { defer wg.Done(); s.acceptLoop(ctx, s.ctrlLn, "control", s.handleControl) }()
	go func() { defer wg.Done(); s.acceptLoop(ctx, s.tunLn, "tunnel", s.handleTunnel) }()
	go func() { defer wg.Done(); s.acceptLoop(ctx, s.pubLn, "public", s.handlePublic) }()
	go func() { defer wg.Done(); s.refillLoop(ctx) }()
	go func() { defer wg.Done(); s.gcLoop(ctx) }()

	<-ctx.Done()
	_ = s.ctrlLn.Close()
	_ = s.tunLn.Close()
	_ = s.pubLn.Close()
	s.registry.Close()
	wg.Wait()
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener, port string, handle func(net.Conn)) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		c, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				obs.Error("accept."+port+".timeout", obs.Fields{"err": err.Error()})
				continue
			}
			if strings.Contains(err.Error(), "too many open files") {
				obs.Error("accept."+port+".fd_exhausted", obs.Fields{"err": err.Error()})
				obs.ErrorsTotal.WithLabelValues("fd_exhausted").Inc()
				time.Sleep(100 * time.Millisecond)
				continue
			}
			return
		}
		if err := netutil.TuneTCP(c); err != nil {
			obs.Warn("tcp.tune", obs.Fields{"port": port, "err": err.Error()})
		}
		go handle(c)
	}
}

// handleControl owns one edge control connection: first frame must be a
// Register, then the socket idles until EOF, which deregisters the edge.
func (s *Server) handleControl(c net.Conn) {
	defer c.Close()
	first, err := proto.ReadMessage(c)
	if err != nil {
		obs.ErrorsTotal.WithLabelValues("control_framing").Inc()
		return
	}
	if first.Type != proto.TypeRegister {
		obs.ErrorsTotal.WithLabelValues("control_unexpected").Inc()
		return
	}
	if first.ClientID == "" {
		obs.ErrorsTotal.WithLabelValues("register_empty").Inc()
		_ = proto.WriteMessage(c, proto.RegisterErr("empty client_id"))
		return
	}
	reg, err := s.registry.Register(first.ClientID, c)
	if err != nil {
		_ = proto.WriteMessage(c, proto.RegisterErr(err.Error()))
		return
	}
	if err := reg.Send(proto.RegisterOK()); err != nil {
		s.registry.Unregister(reg)
		return
	}
	obs.Info("edge.registered", obs.Fields{"client_id": first.ClientID, "remote": c.RemoteAddr().String()})

	for {
		m, err := proto.ReadMessage(c)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				obs.Debug("control.read", obs.Fields{"client_id": first.ClientID, "err": err.Error()})
			}
			s.registry.Unregister(reg)
			obs.Info("edge.deregistered", obs.Fields{"client_id": first.ClientID})
			return
		}
		if m.Type == proto.TypeRegister {
			// Duplicate on the same socket; replacement only happens on
			// a fresh control connection.
			obs.ErrorsTotal.WithLabelValues("register_duplicate").Inc()
			_ = reg.Send(proto.RegisterErr("already registered"))
			s.registry.Unregister(reg)
			return
		}
		// Anything else on an established control socket is tolerated.
	}
}

// handleTunnel reads the greeting on a freshly dialed tunnel socket and
// matches it with its outstanding request. Unmatched or malformed
// greetings close the socket with no state change.
func (s *Server) handleTunnel(c net.Conn) {
	_ = c.SetReadDeadline(time.Now().Add(s.cfg.GreetingTimeout))
	m, err := proto.ReadMessage(c)
	if err != nil || m.Type != proto.TypeNewTunnel || m.TunnelID == "" || m.ClientID == "" {
		obs.ErrorsTotal.WithLabelValues("tunnel_greeting").Inc()
		_ = c.Close()
		return
	}
	_ = c.SetReadDeadline(time.Time{})
	reg := s.registry.Lookup(m.ClientID)
	if reg == nil || !reg.Fulfil(m.TunnelID, c) {
		obs.ErrorsTotal.WithLabelValues("tunnel_orphan").Inc()
		obs.Debug("tunnel.orphan", obs.Fields{"client_id": m.ClientID, "tunnel_id": m.TunnelID})
		_ = c.Close()
		return
	}
	obs.Debug("tunnel.greeted", obs.Fields{"client_id": m.ClientID, "tunnel_id": m.TunnelID})
}

// handlePublic is the dispatcher: sniff the token, resolve the edge,
// acquire a tunnel, prime it with the sniffed bytes, splice.
func (s *Server) handlePublic(c net.Conn) {
	res, err := sniffToken(c, s.cfg.SniffLimit, s.cfg.SniffTimeout)
	if err != nil {
		obs.ErrorsTotal.WithLabelValues("token_missing").Inc()
		s.refuse(c, res.httpLike, http.StatusNotFound)
		return
	}
	reg := s.registry.Lookup(res.token)
	if reg == nil {
		obs.ErrorsTotal.WithLabelValues("unknown_edge").Inc()
		obs.Debug("public.unknown_edge", obs.Fields{"token": res.token})
		s.refuse(c, res.httpLike, http.StatusNotFound)
		return
	}
	if s.limiter != nil && !s.limiter.AllowConnection(res.token) {
		obs.ErrorsTotal.WithLabelValues("over_limit").Inc()
		s.refuse(c, res.httpLike, http.StatusServiceUnavailable)
		return
	}
	tunnel, err := s.acquireTunnel(reg)
	if err != nil {
		obs.Error("public.no_tunnel", obs.Fields{"client_id": res.token, "err": err.Error()})
		s.refuse(c, res.httpLike, http.StatusBadGateway)
		return
	}
	if len(res.buffered) > 0 {
		if _, err := tunnel.Write(res.buffered); err != nil {
			obs.ErrorsTotal.WithLabelValues("forward_initial").Inc()
			_ = tunnel.Close()
			_ = c.Close()
			return
		}
	}
	obs.TunnelEstablishedTotal.Inc()
	s.store.IncrTunnel()
	obs.Info("public.dispatch", obs.Fields{"client_id": res.token, "initial_bytes": len(res.buffered), "remote": c.RemoteAddr().String()})
	start := time.Now()
	in, out := netutil.Splice(c, tunnel)
	obs.SpliceDurationSeconds.Observe(time.Since(start).Seconds())
	obs.Debug("public.done", obs.Fields{"client_id": res.token, "bytes_in": in, "bytes_out": out, "duration": time.Since(start).String()})
}

// acquireTunnel pops a pooled tunnel, or asks the edge for a fresh one
// and waits for the greeting with a bounded timeout.
func (s *Server) acquireTunnel(reg *EdgeRegistration) (net.Conn, error) {
	if t := reg.PopPooled(); t != nil {
		obs.Debug("tunnel.from_pool", obs.Fields{"client_id": reg.ClientID(), "tunnel_id": t.ID})
		return t.Conn, nil
	}
	id := uuid.NewString()
	w, err := reg.AddWaiter(id, false)
	if err != nil {
		return nil, err
	}
	if err := reg.Send(proto.RequestNewTunnel(id)); err != nil {
		if !reg.abandonWaiter(id) {
			drainWaiter(w)
		}
		return nil, fmt.Errorf("%w: %v", ErrNoTunnel, err)
	}
	timer := time.NewTimer(s.cfg.SlowPathTimeout)
	defer timer.Stop()
	select {
	case conn, ok := <-w.ch:
		if !ok {
			// Register installs the replacement before tearing down the
			// old registration, so a different live entry means replaced.
			if cur := s.registry.Lookup(reg.ClientID()); cur != nil && cur != reg {
				return nil, ErrEdgeReplaced
			}
			return nil, ErrEdgeClosed
		}
		return conn, nil
	case <-timer.C:
		if !reg.abandonWaiter(id) {
			// The greeting won the race; the socket is an orphan now.
			drainWaiter(w)
		}
		obs.TunnelTimeoutTotal.Inc()
		s.store.IncrTimeout()
		return nil, ErrNoTunnel
	}
}

// drainWaiter closes a tunnel that arrived after its waiter was given up
// on. The channel is buffered, so a fulfilled waiter always has the
// socket sitting there.
func drainWaiter(w *waiter) {
	select {
	case conn, ok := <-w.ch:
		if ok && conn != nil {
			_ = conn.Close()
		}
	default:
	}
}

// refuse answers HTTP-looking traffic with a minimal status response and
// closes everything else silently.
func (s *Server) refuse(c net.Conn, httpLike bool, status int) {
	if httpLike {
		writeHTTPStatus(c, status)
	}
	_ = c.Close()
}

func writeHTTPStatus(c net.Conn, status int) {
	body := http.StatusText(status)
	fmt.Fprintf(c, "HTTP/1.1 %d %s\r\nContent-Type: text/plain\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s", status, body, len(body), body)
}

// refillLoop keeps every live edge's idle pool at the target depth.
func (s *Server) refillLoop(ctx context.Context) {
	if s.cfg.PoolSize <= 0 {
		return
	}
	t := time.NewTicker(s.cfg.RefillInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.refillOnce()
		}
	}
}

func (s *Server) refillOnce() {
	for _, reg := range s.registry.Snapshot() {
		gap := s.cfg.PoolSize - reg.PoolDepth() - reg.pendingDeposits()
		for i := 0; i < gap; i++ {
			id := uuid.NewString()
			if _, err := reg.AddWaiter(id, true); err != nil {
				break
			}
			if err := reg.Send(proto.RequestNewTunnel(id)); err != nil {
				reg.abandonWaiter(id)
				obs.Debug("refill.send", obs.Fields{"client_id": reg.ClientID(), "err": err.Error()})
				break
			}
		}
		if gap > 0 {
			obs.Debug("refill.requested", obs.Fields{"client_id": reg.ClientID(), "count": gap})
		}
	}
}

// gcLoop sweeps refill waiters the edge never answered and rate-limit
// state for departed edges.
func (s *Server) gcLoop(ctx context.Context) {
	t := time.NewTicker(s.cfg.PendingGCInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			active := make(map[string]bool)
			for _, reg := range s.registry.Snapshot() {
				active[reg.ClientID()] = true
				if n := reg.expireDeposits(s.cfg.RefillSlotTimeout); n > 0 {
					obs.Warn("refill.expired", obs.Fields{"client_id": reg.ClientID(), "count": n})
				}
			}
			if s.limiter != nil {
				s.limiter.Sweep(active)
			}
		}
	}
}

// CollectStats snapshots the server for the dashboard and state API.
func CollectStats(reg *Registry, store StateStore) Stats {
	edges, total, timeouts := store.Stats()
	pooled, pending := 0, 0
	for _, r := range reg.Snapshot() {
		pooled += r.PoolDepth()
		pending += r.pendingCount()
	}
	return Stats{
		Edges:        edges,
		PooledIdle:   pooled,
		Pending:      pending,
		TotalTunnels: total,
		Timeouts:     timeouts,
		Now:          time.Now().UTC().Format(time.RFC3339),
	}
}

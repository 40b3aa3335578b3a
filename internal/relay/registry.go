package relay

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/edgerelay/edgerelay/internal/obs"
	"github.com/edgerelay/edgerelay/internal/proto"
)

var (
	// ErrEmptyClientID rejects registrations without a routing key.
	ErrEmptyClientID = errors.New("relay: empty client_id")
	// ErrEdgeReplaced is reported to waiters when a newer registration
	// takes over their client_id.
	ErrEdgeReplaced = errors.New("relay: edge replaced")
	// ErrDuplicateTunnelID guards against tunnel id reuse within one
	// registration's lifetime.
	ErrDuplicateTunnelID = errors.New("relay: duplicate tunnel id")
	// ErrEdgeClosed means the registration was torn down.
	ErrEdgeClosed = errors.New("relay: edge registration closed")
)

// controlWriter serializes control-frame writes. The refill ticker and
// slow-path dispatchers share one control socket; interleaved partial
// frames would corrupt the stream.
type controlWriter struct {
	mu   sync.Mutex
	conn net.Conn
}

func (cw *controlWriter) send(m proto.Message) error {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	return proto.WriteMessage(cw.conn, m)
}

// PooledTunnel is an idle tunnel socket already greeted by the edge.
type PooledTunnel struct {
	ID   string
	Conn net.Conn
}

// waiter is a one-shot rendezvous for an outstanding RequestNewTunnel.
// Exactly one of the fulfil path, the abandon path, or teardown consumes
// it; ownership transfers by popping it from the pending map.
type waiter struct {
	id      string
	deposit bool // refill waiter: arriving tunnel goes to the pool
	created time.Time
	ch      chan net.Conn // buffered 1; closed only on teardown
}

// EdgeRegistration is the server-side state for one live edge node.
type EdgeRegistration struct {
	clientID string
	control  *controlWriter

	mu      sync.Mutex
	pool    []*PooledTunnel
	pending map[string]*waiter
	closed  bool
}

// ClientID returns the routing key this registration serves.
func (r *EdgeRegistration) ClientID() string { return r.clientID }

// Send pushes a control message to the edge.
func (r *EdgeRegistration) Send(m proto.Message) error {
	return r.control.send(m)
}

// AddWaiter records an outstanding tunnel request. Ids are never reused
// within a registration, so an existing entry is refused.
func (r *EdgeRegistration) AddWaiter(id string, deposit bool) (*waiter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrEdgeClosed
	}
	if _, exists := r.pending[id]; exists {
		return nil, ErrDuplicateTunnelID
	}
	w := &waiter{id: id, deposit: deposit, created: time.Now(), ch: make(chan net.Conn, 1)}
	r.pending[id] = w
	obs.PendingWaiters.Inc()
	return w, nil
}

// abandonWaiter removes a waiter that will no longer be consumed.
// Returns false if the waiter was already fulfilled (or torn down); in
// that case a tunnel may still arrive on the waiter's channel and the
// caller must drain and close it.
func (r *EdgeRegistration) abandonWaiter(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pending[id]; !ok {
		return false
	}
	delete(r.pending, id)
	obs.PendingWaiters.Dec()
	return true
}

// Fulfil matches an arriving greeted tunnel with its waiter. A deposit
// waiter moves the tunnel into the idle pool; a dispatcher waiter gets
// the socket handed over on its channel. Returns false when no waiter
// with this id is outstanding, in which case the caller owns (and
// closes) the socket.
func (r *EdgeRegistration) Fulfil(id string, conn net.Conn) bool {
	r.mu.Lock()
	w, ok := r.pending[id]
	if !ok || r.closed {
		r.mu.Unlock()
		return false
	}
	delete(r.pending, id)
	obs.PendingWaiters.Dec()
	if w.deposit {
		r.pool = append(r.pool, &PooledTunnel{ID: id, Conn: conn})
		depth := len(r.pool)
		r.mu.Unlock()
		obs.TunnelPooledTotal.Inc()
		obs.PoolDepth.WithLabelValues(r.clientID).Set(float64(depth))
		return true
	}
	// Buffered send under the lock: once the waiter is out of the map the
	// socket is guaranteed to be on the channel, so a dispatcher whose
	// abandon raced with this fulfil can drain it without a window.
	w.ch <- conn
	r.mu.Unlock()
	return true
}

// pendingCount reports all outstanding waiters, refill and slow path.
func (r *EdgeRegistration) pendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// PopPooled takes the oldest idle tunnel, or nil when the pool is empty.
func (r *EdgeRegistration) PopPooled() *PooledTunnel {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.pool) == 0 {
		return nil
	}
	t := r.pool[0]
	r.pool = r.pool[1:]
	obs.PoolDepth.WithLabelValues(r.clientID).Set(float64(len(r.pool)))
	return t
}

// PoolDepth reports the current number of idle tunnels.
func (r *EdgeRegistration) PoolDepth() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pool)
}

// pendingDeposits counts outstanding refill requests so the refill tick
// does not over-request while greetings are in flight.
func (r *EdgeRegistration) pendingDeposits() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, w := range r.pending {
		if w.deposit {
			n++
		}
	}
	return n
}

// expireDeposits drops refill waiters the edge never answered. The slot
// is re-requested on the next refill tick.
func (r *EdgeRegistration) expireDeposits(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	r.mu.Lock()
	defer r.mu.Unlock()
	dropped := 0
	for id, w := range r.pending {
		if w.deposit && w.created.Before(cutoff) {
			delete(r.pending, id)
			obs.PendingWaiters.Dec()
			dropped++
		}
	}
	return dropped
}

// teardown closes the control socket, drops every pooled tunnel and
// fails every outstanding waiter. Idempotent.
func (r *EdgeRegistration) teardown() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	pool := r.pool
	r.pool = nil
	waiters := make([]*waiter, 0, len(r.pending))
	for id, w := range r.pending {
		delete(r.pending, id)
		waiters = append(waiters, w)
	}
	r.mu.Unlock()

	_ = r.control.conn.Close()
	for _, t := range pool {
		_ = t.Conn.Close()
	}
	for _, w := range waiters {
		obs.PendingWaiters.Dec()
		close(w.ch)
	}
	obs.PoolDepth.DeleteLabelValues(r.clientID)
}

// Registry maps client ids to live edge registrations.
type Registry struct {
	mu    sync.Mutex
	edges map[string]*EdgeRegistration
	store StateStore
}

// NewRegistry creates an empty registry reporting presence to store.
func NewRegistry(store StateStore) *Registry {
	return &Registry{edges: make(map[string]*EdgeRegistration), store: store}
}

// Register installs a new edge registration for clientID, atomically
// replacing (and tearing down) any previous one. Replacement rather than
// rejection lets a crashed edge reconnect without being locked out.
func (g *Registry) Register(clientID string, conn net.Conn) (*EdgeRegistration, error) {
	if clientID == "" {
		return nil, ErrEmptyClientID
	}
	reg := &EdgeRegistration{
		clientID: clientID,
		control:  &controlWriter{conn: conn},
		pending:  make(map[string]*waiter),
	}
	g.mu.Lock()
	old := g.edges[clientID]
	g.edges[clientID] = reg
	count := len(g.edges)
	g.mu.Unlock()

	if old != nil {
		obs.EdgeReplacedTotal.Inc()
		obs.Info("edge.replaced", obs.Fields{"client_id": clientID})
		old.teardown()
	}
	obs.ActiveEdges.Set(float64(count))
	g.store.EdgeUp(clientID)
	return reg, nil
}

// Lookup returns the live registration for clientID, or nil.
func (g *Registry) Lookup(clientID string) *EdgeRegistration {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.edges[clientID]
}

// Unregister removes reg only if it is still the installed registration
// for its client id, so a late disconnect never clobbers a replacement.
func (g *Registry) Unregister(reg *EdgeRegistration) {
	g.mu.Lock()
	current, ok := g.edges[reg.clientID]
	if !ok || current != reg {
		g.mu.Unlock()
		reg.teardown()
		return
	}
	delete(g.edges, reg.clientID)
	count := len(g.edges)
	g.mu.Unlock()

	reg.teardown()
	obs.ActiveEdges.Set(float64(count))
	g.store.EdgeDown(reg.clientID)
}

// Snapshot returns the currently registered edges.
func (g *Registry) Snapshot() []*EdgeRegistration {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*EdgeRegistration, 0, len(g.edges))
	for _, reg := range g.edges {
		out = append(out, reg)
	}
	return out
}

// Close tears down every registration, for shutdown.
func (g *Registry) Close() {
	g.mu.Lock()
	regs := make([]*EdgeRegistration, 0, len(g.edges))
	for id, reg := range g.edges {
		delete(g.edges, id)
		regs = append(regs, reg)
	}
	g.mu.Unlock()
	for _, reg := range regs {
		reg.teardown()
		g.store.EdgeDown(reg.clientID)
	}
	obs.ActiveEdges.Set(0)
}

package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveEdges            = promauto.NewGauge(prometheus.GaugeOpts{Name: "edgerelay_active_edges", Help: "Currently registered edge nodes"})
	PoolDepth              = promauto.NewGaugeVec(prometheus.GaugeOpts{Name: "edgerelay_pool_depth", Help: "Idle pooled tunnels per edge"}, []string{"client_id"})
	PendingWaiters         = promauto.NewGauge(prometheus.GaugeOpts{Name: "edgerelay_pending_waiters", Help: "Outstanding tunnel requests awaiting a greeting"})
	TunnelEstablishedTotal = promauto.NewCounter(prometheus.CounterOpts{Name: "edgerelay_tunnel_established_total", Help: "Tunnels paired with a public connection"})
	TunnelPooledTotal      = promauto.NewCounter(prometheus.CounterOpts{Name: "edgerelay_tunnel_pooled_total", Help: "Tunnels deposited into an idle pool"})
	TunnelTimeoutTotal     = promauto.NewCounter(prometheus.CounterOpts{Name: "edgerelay_tunnel_timeout_total", Help: "Tunnel waits that timed out"})
	EdgeReplacedTotal      = promauto.NewCounter(prometheus.CounterOpts{Name: "edgerelay_edge_replaced_total", Help: "Registrations superseded by a reconnecting edge"})
	ErrorsTotal            = promauto.NewCounterVec(prometheus.CounterOpts{Name: "edgerelay_errors_total", Help: "Errors by type"}, []string{"type"})
	SpliceDurationSeconds  = promauto.NewHistogram(prometheus.HistogramOpts{Name: "edgerelay_splice_duration_seconds", Help: "Public-to-tunnel splice lifetime seconds", Buckets: prometheus.ExponentialBuckets(0.01, 2, 16)})
)

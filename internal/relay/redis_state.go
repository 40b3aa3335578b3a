package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/edgerelay/edgerelay/internal/obs"
	"github.com/redis/go-redis/v9"
)

// edgePresence is the JSON form stored in Redis. Sockets stay local; the
// record only announces which instance currently owns the edge.
type edgePresence struct {
	ClientID string    `json:"client_id"`
	Instance string    `json:"instance"`
	LastSeen time.Time `json:"last_seen"`
}

// redisState wraps the in-memory store and mirrors edge presence into
// Redis with TTL-refreshed keys, so dashboards and sibling instances can
// observe which edges are up.
type redisState struct {
	memoryState
	client     *redis.Client
	instanceID string
	keyTTL     time.Duration

	hbStop  chan struct{}
	hbOnce  sync.Once
	hbEvery time.Duration
}

// NewRedisState connects to Redis and returns a presence-mirroring store.
func NewRedisState(addr, password string, db int) (StateStore, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	r := &redisState{
		memoryState: memoryState{edges: make(map[string]time.Time)},
		client:      rdb,
		instanceID:  fmt.Sprintf("edgerelay-%d", time.Now().UnixNano()),
		keyTTL:      2 * time.Minute,
		hbStop:      make(chan struct{}),
		hbEvery:     30 * time.Second,
	}
	go r.heartbeatLoop()
	return r, nil
}

func (r *redisState) EdgeUp(clientID string) {
	r.memoryState.EdgeUp(clientID)
	r.publish(clientID)
}

func (r *redisState) EdgeDown(clientID string) {
	r.memoryState.EdgeDown(clientID)
	ctx := context.Background()
	if err := r.client.Del(ctx, "edge:"+clientID).Err(); err != nil {
		obs.Error("redis.edge_down", obs.Fields{"err": err.Error(), "client_id": clientID})
	}
}

func (r *redisState) publish(clientID string) {
	data, err := json.Marshal(edgePresence{ClientID: clientID, Instance: r.instanceID, LastSeen: time.Now()})
	if err != nil {
		obs.Error("redis.presence.marshal", obs.Fields{"err": err.Error(), "client_id": clientID})
		return
	}
	ctx := context.Background()
	if err := r.client.Set(ctx, "edge:"+clientID, data, r.keyTTL).Err(); err != nil {
		obs.Error("redis.presence.set", obs.Fields{"err": err.Error(), "client_id": clientID})
	}
}

// heartbeatLoop refreshes presence keys so they outlive their TTL while
// the edge stays connected.
func (r *redisState) heartbeatLoop() {
	ticker := time.NewTicker(r.hbEvery)
	defer ticker.Stop()
	for {
		select {
		case <-r.hbStop:
			return
		case <-ticker.C:
			r.memoryState.mu.Lock()
			ids := make([]string, 0, len(r.memoryState.edges))
			for id := range r.memoryState.edges {
				ids = append(ids, id)
			}
			r.memoryState.mu.Unlock()
			for _, id := range ids {
				r.publish(id)
			}
		}
	}
}

func (r *redisState) Close() error {
	r.hbOnce.Do(func() { close(r.hbStop) })
	return r.client.Close()
}

// NewStateStore picks the Redis-mirrored store when addr is set, else the
// in-memory one.
func NewStateStore(redisAddr, redisPassword string, redisDB int) (StateStore, error) {
	if redisAddr == "" {
		obs.Info("state.backend", obs.Fields{"type": "in-memory"})
		return NewMemoryState(), nil
	}
	obs.Info("state.backend", obs.Fields{"type": "redis", "addr": redisAddr})
	return NewRedisState(redisAddr, redisPassword, redisDB)
}

// Package cluster implements node membership and cross-node message routing.
//
// A Registry keeps this node's record alive in the shared store and sweeps
// peers that stopped heartbeating. A Coordinator runs leader election over a
// single expiring lock and routes events to a target client wherever it is
// connected, falling back through pubsub when the client lives on another
// node.
package cluster

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/beamlink/beam/internal/logger"
	"github.com/beamlink/beam/pkg/storage"
)

const (
	// DefaultHeartbeatInterval is how often the node refreshes its own
	// lastHeartbeat in the store.
	DefaultHeartbeatInterval = 10 * time.Second

	// DefaultStaleAfter is the silence after which an active peer is
	// flipped to dead. Three missed heartbeats at the default cadence.
	DefaultStaleAfter = 30 * time.Second
)

// RegistryConfig tunes the node registry timers. Zero values take defaults.
type RegistryConfig struct {
	Hostname          string
	Port              int
	HeartbeatInterval time.Duration
	StaleAfter        time.Duration
}

// Registry registers this process as a cluster node and maintains its
// liveness record. It also sweeps dead peers and deactivates their sessions.
type Registry struct {
	store storage.Store
	cfg   RegistryConfig

	mu   sync.RWMutex
	self *storage.Node

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewRegistry creates a Registry. Start must be called before the node is
// visible to peers.
func NewRegistry(store storage.Store, cfg RegistryConfig) *Registry {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	return &Registry{
		store: store,
		cfg:   cfg,
		stop:  make(chan struct{}),
	}
}

// Start registers the node and launches the heartbeat and sweep loops.
//
// If a node record already exists for this (hostname, port) pair its id is
// reused and the record is reset to active, so restarts keep a stable
// identity.
func (r *Registry) Start(ctx context.Context) error {
	node, err := r.store.FindNodeByAddress(ctx, r.cfg.Hostname, r.cfg.Port)
	if err != nil {
		return err
	}
	if node == nil {
		node = &storage.Node{
			ID:       uuid.NewString(),
			Hostname: r.cfg.Hostname,
			Port:     r.cfg.Port,
		}
		logger.Info("registering new cluster node",
			logger.NodeID(node.ID),
			"hostname", node.Hostname,
			"port", node.Port)
	} else {
		logger.Info("reusing existing cluster node record",
			logger.NodeID(node.ID),
			"hostname", node.Hostname,
			"port", node.Port)
	}

	node.Status = storage.NodeActive
	node.Role = storage.RoleWorker
	node.LastHeartbeat = time.Now()
	if err := r.store.PutNode(ctx, node); err != nil {
		return err
	}

	r.mu.Lock()
	r.self = node
	r.mu.Unlock()

	r.wg.Add(2)
	go r.heartbeatLoop()
	go r.sweepLoop()
	return nil
}

// NodeID returns this node's id. Empty before Start.
func (r *Registry) NodeID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.self == nil {
		return ""
	}
	return r.self.ID
}

// Self returns a copy of this node's record. Nil before Start.
func (r *Registry) Self() *storage.Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.self == nil {
		return nil
	}
	clone := *r.self
	return &clone
}

// SetRole records the role assigned by leader election on the node record.
func (r *Registry) SetRole(ctx context.Context, role storage.NodeRole) {
	r.mu.Lock()
	if r.self == nil {
		r.mu.Unlock()
		return
	}
	r.self.Role = role
	node := *r.self
	r.mu.Unlock()

	if err := r.store.PutNode(ctx, &node); err != nil {
		logger.Warn("failed to persist node role", logger.NodeID(node.ID), logger.Err(err))
	}
}

// ActiveNodes returns all nodes currently marked active.
func (r *Registry) ActiveNodes(ctx context.Context) ([]*storage.Node, error) {
	nodes, err := r.store.ListNodes(ctx)
	if err != nil {
		return nil, err
	}
	out := nodes[:0]
	for _, n := range nodes {
		if n.Status == storage.NodeActive {
			out = append(out, n)
		}
	}
	return out, nil
}

// Shutdown deactivates this node's sessions, marks the node inactive, and
// stops the background loops. Safe to call more than once.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.stopOnce.Do(func() { close(r.stop) })
	r.wg.Wait()

	r.mu.RLock()
	self := r.self
	r.mu.RUnlock()
	if self == nil {
		return nil
	}

	if err := r.deactivateSessions(ctx, self.ID); err != nil {
		logger.Warn("failed to deactivate sessions on shutdown",
			logger.NodeID(self.ID), logger.Err(err))
	}

	node := *self
	node.Status = storage.NodeInactive
	node.Role = storage.RoleWorker
	return r.store.PutNode(ctx, &node)
}

func (r *Registry) heartbeatLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.heartbeat()
		}
	}
}

func (r *Registry) heartbeat() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	r.mu.Lock()
	if r.self == nil {
		r.mu.Unlock()
		return
	}
	r.self.LastHeartbeat = time.Now()
	r.self.Status = storage.NodeActive
	node := *r.self
	r.mu.Unlock()

	if err := r.store.PutNode(ctx, &node); err != nil {
		logger.Warn("node heartbeat write failed", logger.NodeID(node.ID), logger.Err(err))
	}
}

func (r *Registry) sweepLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.sweepStaleNodes()
		}
	}
}

// sweepStaleNodes flips silent active peers to dead and marks their sessions
// disconnected so routing stops targeting them.
func (r *Registry) sweepStaleNodes() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	nodes, err := r.store.ListNodes(ctx)
	if err != nil {
		logger.Warn("node sweep failed to list nodes", logger.Err(err))
		return
	}

	selfID := r.NodeID()
	cutoff := time.Now().Add(-r.cfg.StaleAfter)

	for _, node := range nodes {
		if node.ID == selfID || node.Status != storage.NodeActive {
			continue
		}
		if node.LastHeartbeat.After(cutoff) {
			continue
		}

		node.Status = storage.NodeDead
		if err := r.store.PutNode(ctx, node); err != nil {
			logger.Warn("failed to mark node dead", logger.NodeID(node.ID), logger.Err(err))
			continue
		}
		logger.Warn("cluster node marked dead",
			logger.NodeID(node.ID),
			"hostname", node.Hostname,
			"last_heartbeat", node.LastHeartbeat)

		if err := r.deactivateSessions(ctx, node.ID); err != nil {
			logger.Warn("failed to deactivate sessions of dead node",
				logger.NodeID(node.ID), logger.Err(err))
		}
	}
}

func (r *Registry) deactivateSessions(ctx context.Context, nodeID string) error {
	sessions, err := r.store.SessionsByNode(ctx, nodeID)
	if err != nil {
		return err
	}
	for _, sess := range sessions {
		if !sess.Connected {
			continue
		}
		sess.Connected = false
		if err := r.store.PutSession(ctx, sess); err != nil {
			logger.Warn("failed to deactivate session",
				logger.ClientID(sess.ClientID), logger.Err(err))
		}
	}
	return nil
}

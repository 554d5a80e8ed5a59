package cluster

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/beamlink/beam/internal/logger"
	"github.com/beamlink/beam/pkg/metrics"
	"github.com/beamlink/beam/pkg/pubsub"
	"github.com/beamlink/beam/pkg/storage"
)

const (
	// DefaultElectionInterval is the cadence of the election loop.
	DefaultElectionInterval = 5 * time.Second

	// DefaultLockTTL is the expiry of the master lock. A worker can take
	// over at most one TTL after the previous master stops refreshing.
	DefaultLockTTL = 15 * time.Second
)

// SocketSender delivers an event to a locally connected socket. Implemented
// by the gateway hub; the coordinator never holds socket state itself.
type SocketSender interface {
	// SendToSocket writes one event frame to the socket if it is still
	// connected. Returns false when no such socket exists locally.
	SendToSocket(socketID, event string, payload map[string]any) bool

	// SocketIDForClient resolves the locally bound socket for a client
	// id, if the client is connected to this node.
	SocketIDForClient(clientID string) (string, bool)
}

// RoleChangeFunc is invoked on every master/worker transition of this node.
type RoleChangeFunc func(role storage.NodeRole, isMaster bool)

// CoordinatorConfig tunes election timing. Zero values take defaults.
type CoordinatorConfig struct {
	ElectionInterval time.Duration
	LockTTL          time.Duration
}

// Coordinator runs leader election and routes events to a target client
// regardless of which node the client is connected to.
//
// The routing ladder is, in order: local socket, direct publish to the
// session's node, escalation to the master, and finally the master's own
// session-store lookup.
type Coordinator struct {
	store    storage.Store
	bus      pubsub.PubSub
	registry *Registry
	cfg      CoordinatorConfig
	metrics  metrics.RelayMetrics

	mu       sync.RWMutex
	isMaster bool
	sender   SocketSender
	onRole   []RoleChangeFunc

	unsubs   []func()
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewCoordinator creates a Coordinator. SetSender must be called before
// Start so routed messages can reach local sockets.
func NewCoordinator(store storage.Store, bus pubsub.PubSub, registry *Registry, cfg CoordinatorConfig, m metrics.RelayMetrics) *Coordinator {
	if cfg.ElectionInterval <= 0 {
		cfg.ElectionInterval = DefaultElectionInterval
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = DefaultLockTTL
	}
	return &Coordinator{
		store:    store,
		bus:      bus,
		registry: registry,
		cfg:      cfg,
		metrics:  m,
		stop:     make(chan struct{}),
	}
}

// SetSender installs the local socket delivery hook. The gateway hub is
// constructed after the coordinator, so this is wired late to avoid a cycle.
func (c *Coordinator) SetSender(s SocketSender) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sender = s
}

// OnRoleChange registers a callback fired on every role transition.
// Callbacks run on the election goroutine and must not block.
func (c *Coordinator) OnRoleChange(fn RoleChangeFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onRole = append(c.onRole, fn)
}

// IsMaster reports whether this node currently holds the master lock.
func (c *Coordinator) IsMaster() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isMaster
}

// MasterID returns the node id currently holding the master lock, or the
// empty string when no master is elected.
func (c *Coordinator) MasterID(ctx context.Context) (string, error) {
	return c.store.GetLockHolder(ctx, storage.MasterLockKey)
}

// Start subscribes to the routing channels, runs one immediate election, and
// launches the election loop.
func (c *Coordinator) Start(ctx context.Context) error {
	unsub, err := c.bus.Subscribe(ctx, pubsub.ChannelMessageRoute, c.handleMessageRoute)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", pubsub.ChannelMessageRoute, err)
	}
	c.unsubs = append(c.unsubs, unsub)

	unsub, err = c.bus.Subscribe(ctx, pubsub.ChannelRoutingRequest, c.handleRoutingRequest)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", pubsub.ChannelRoutingRequest, err)
	}
	c.unsubs = append(c.unsubs, unsub)

	c.elect()

	c.wg.Add(1)
	go c.electionLoop()
	return nil
}

// Stop halts the election loop and drops the routing subscriptions. The lock
// is left to expire on its own so a surviving node takes over within one TTL.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
	c.wg.Wait()
	for _, unsub := range c.unsubs {
		unsub()
	}
	c.unsubs = nil
}

// =============================================================================
// Leader election
// =============================================================================

func (c *Coordinator) electionLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.ElectionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.elect()
		}
	}
}

// elect attempts one acquire-or-refresh round on the master lock.
func (c *Coordinator) elect() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	self := c.registry.NodeID()
	if self == "" {
		return
	}

	acquired, err := c.store.AcquireLock(ctx, storage.MasterLockKey, self, c.cfg.LockTTL)
	if err != nil {
		logger.Warn("master lock acquire failed", logger.NodeID(self), logger.Err(err))
		return
	}
	if acquired {
		c.setMaster(ctx, true)
		return
	}

	holder, err := c.store.GetLockHolder(ctx, storage.MasterLockKey)
	if err != nil {
		logger.Warn("master lock read failed", logger.NodeID(self), logger.Err(err))
		return
	}

	if holder == self {
		refreshed, err := c.store.RefreshLock(ctx, storage.MasterLockKey, self, c.cfg.LockTTL)
		if err != nil {
			logger.Warn("master lock refresh failed", logger.NodeID(self), logger.Err(err))
			return
		}
		c.setMaster(ctx, refreshed)
		return
	}

	c.setMaster(ctx, false)
}

func (c *Coordinator) setMaster(ctx context.Context, isMaster bool) {
	c.mu.Lock()
	changed := c.isMaster != isMaster
	c.isMaster = isMaster
	callbacks := make([]RoleChangeFunc, len(c.onRole))
	copy(callbacks, c.onRole)
	c.mu.Unlock()

	if !changed {
		return
	}

	role := storage.RoleWorker
	if isMaster {
		role = storage.RoleMaster
	}
	c.registry.SetRole(ctx, role)
	if c.metrics != nil {
		c.metrics.SetClusterRole(isMaster)
	}
	logger.Info("cluster role changed",
		logger.NodeID(c.registry.NodeID()),
		logger.Role(string(role)))

	for _, fn := range callbacks {
		fn(role, isMaster)
	}
}

// =============================================================================
// Routing
// =============================================================================

// RouteToClient delivers (event, payload) to the target client wherever it is
// connected. Delivery is best effort: an unreachable client is logged, not an
// error, since disconnects race with routing by design of the session model.
func (c *Coordinator) RouteToClient(ctx context.Context, targetClientID, event string, payload map[string]any) error {
	// Local fast path.
	if c.sendLocalByClient(targetClientID, event, payload) {
		return nil
	}

	// Direct worker-to-worker: the session record knows the target node.
	sess, err := c.store.GetSession(ctx, targetClientID)
	if err != nil {
		return fmt.Errorf("route %s to %s: %w", event, targetClientID, err)
	}
	if sess != nil && sess.Connected {
		if sess.NodeID == c.registry.NodeID() {
			// Cache miss on the fast path; retry with the stored socket id.
			if c.sendLocalBySocket(sess.SocketID, event, payload) {
				return nil
			}
		} else {
			return c.bus.Publish(ctx, pubsub.ChannelMessageRoute, map[string]any{
				"targetNodeId":   sess.NodeID,
				"targetClientId": targetClientID,
				"socketId":       sess.SocketID,
				"event":          event,
				"payload":        payload,
			})
		}
	}

	// Escalate: workers hand the problem to the master.
	if !c.IsMaster() {
		return c.bus.Publish(ctx, pubsub.ChannelRoutingRequest, map[string]any{
			"targetClientId": targetClientID,
			"event":          event,
			"payload":        payload,
		})
	}

	return c.masterFallback(ctx, targetClientID, event, payload)
}

// masterFallback is the last rung of the ladder: the master re-reads the
// session store and either delivers locally or targets the session's node.
func (c *Coordinator) masterFallback(ctx context.Context, targetClientID, event string, payload map[string]any) error {
	sess, err := c.store.GetSession(ctx, targetClientID)
	if err != nil {
		return fmt.Errorf("master fallback for %s: %w", targetClientID, err)
	}
	if sess == nil || !sess.Connected {
		logger.Warn("dropping event for unreachable client",
			logger.ClientID(targetClientID),
			logger.Event(event))
		return nil
	}

	if sess.NodeID == c.registry.NodeID() {
		if !c.sendLocalBySocket(sess.SocketID, event, payload) {
			logger.Warn("dropping event, session points at a vanished local socket",
				logger.ClientID(targetClientID),
				logger.SocketID(sess.SocketID),
				logger.Event(event))
		}
		return nil
	}

	return c.bus.Publish(ctx, pubsub.ChannelMessageRoute, map[string]any{
		"targetNodeId":   sess.NodeID,
		"targetClientId": targetClientID,
		"socketId":       sess.SocketID,
		"event":          event,
		"payload":        payload,
	})
}

// handleMessageRoute consumes message:route and delivers frames addressed to
// this node. Messages for other nodes are ignored.
func (c *Coordinator) handleMessageRoute(_ string, msg map[string]any) {
	targetNodeID, _ := msg["targetNodeId"].(string)
	if targetNodeID != c.registry.NodeID() {
		return
	}

	event, _ := msg["event"].(string)
	socketID, _ := msg["socketId"].(string)
	clientID, _ := msg["targetClientId"].(string)
	payload, _ := msg["payload"].(map[string]any)

	if c.sendLocalBySocket(socketID, event, payload) {
		return
	}
	// The socket id may be stale after a reconnect; fall back to the
	// client id before giving up.
	if c.sendLocalByClient(clientID, event, payload) {
		return
	}
	logger.Warn("dropping routed message, no local socket for target",
		logger.ClientID(clientID),
		logger.SocketID(socketID),
		logger.Event(event))
}

// handleRoutingRequest consumes routing:request. Only the master acts on it.
func (c *Coordinator) handleRoutingRequest(_ string, msg map[string]any) {
	if !c.IsMaster() {
		return
	}

	clientID, _ := msg["targetClientId"].(string)
	event, _ := msg["event"].(string)
	payload, _ := msg["payload"].(map[string]any)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.masterFallback(ctx, clientID, event, payload); err != nil {
		logger.Warn("routing request failed",
			logger.ClientID(clientID),
			logger.Event(event),
			logger.Err(err))
	}
}

func (c *Coordinator) currentSender() SocketSender {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sender
}

func (c *Coordinator) sendLocalByClient(clientID, event string, payload map[string]any) bool {
	sender := c.currentSender()
	if sender == nil {
		return false
	}
	socketID, ok := sender.SocketIDForClient(clientID)
	if !ok {
		return false
	}
	return sender.SendToSocket(socketID, event, payload)
}

func (c *Coordinator) sendLocalBySocket(socketID, event string, payload map[string]any) bool {
	sender := c.currentSender()
	if sender == nil || socketID == "" {
		return false
	}
	return sender.SendToSocket(socketID, event, payload)
}

// RolePayload builds the cluster-role-change payload broadcast to local
// clients on every transition.
func RolePayload(nodeID string, role storage.NodeRole) map[string]any {
	return map[string]any{
		"nodeId":   nodeID,
		"role":     string(role),
		"isMaster": role == storage.RoleMaster,
	}
}

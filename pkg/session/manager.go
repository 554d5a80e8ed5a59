// Package session manages client sessions and two-participant share rooms:
// registration, heartbeats with rate limiting, share admission, and
// disconnect cleanup.
package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/beamlink/beam/internal/logger"
	"github.com/beamlink/beam/pkg/cluster"
	"github.com/beamlink/beam/pkg/metrics"
	"github.com/beamlink/beam/pkg/protocol"
	"github.com/beamlink/beam/pkg/pubsub"
	"github.com/beamlink/beam/pkg/storage"
)

const (
	// DefaultHeartbeatLimit is the per-client heartbeat budget per window.
	DefaultHeartbeatLimit = 1000

	// DefaultHeartbeatWindow is the rate limit window length.
	DefaultHeartbeatWindow = time.Minute
)

// Config tunes the session manager. Zero values take defaults.
type Config struct {
	HeartbeatLimit  int
	HeartbeatWindow time.Duration
}

// Manager owns client sessions and share rooms. It persists through the
// shared store so every node sees the same membership, and routes
// room-lifecycle events to participants through the coordinator.
type Manager struct {
	store    storage.Store
	bus      pubsub.PubSub
	coord    *cluster.Coordinator
	registry *cluster.Registry
	metrics  metrics.RelayMetrics
	cfg      Config
}

// NewManager creates a session manager.
func NewManager(store storage.Store, bus pubsub.PubSub, coord *cluster.Coordinator, registry *cluster.Registry, m metrics.RelayMetrics, cfg Config) *Manager {
	if cfg.HeartbeatLimit <= 0 {
		cfg.HeartbeatLimit = DefaultHeartbeatLimit
	}
	if cfg.HeartbeatWindow <= 0 {
		cfg.HeartbeatWindow = DefaultHeartbeatWindow
	}
	return &Manager{
		store:    store,
		bus:      bus,
		coord:    coord,
		registry: registry,
		metrics:  m,
		cfg:      cfg,
	}
}

// RegisterResult is returned to a freshly registered client.
type RegisterResult struct {
	NodeID   string `json:"nodeId"`
	IsMaster bool   `json:"isMaster"`
	MasterID string `json:"masterId"`
}

// Register creates (or rebinds) the session for clientID on this node and
// announces it cluster-wide.
func (m *Manager) Register(ctx context.Context, clientID, socketID string) (*RegisterResult, error) {
	if clientID == "" {
		return nil, fmt.Errorf("register: empty client id")
	}

	nodeID := m.registry.NodeID()
	sess := &storage.ClientSession{
		ClientID:      clientID,
		SocketID:      socketID,
		NodeID:        nodeID,
		Connected:     true,
		LastHeartbeat: time.Now(),
	}
	if prev, err := m.store.GetSession(ctx, clientID); err == nil && prev != nil {
		// Reconnect: carry transfer membership across socket churn.
		sess.Uploads = prev.Uploads
		sess.Downloads = prev.Downloads
		sess.ShareID = prev.ShareID
	}
	if err := m.store.PutSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("register %s: %w", clientID, err)
	}

	if _, err := m.store.IncrCounter(ctx, storage.CounterUsersJoined); err != nil {
		logger.Warn("failed to increment join counter", logger.Err(err))
	}

	if err := m.bus.Publish(ctx, pubsub.ChannelSessionCreated, map[string]any{
		"clientId": clientID,
		"nodeId":   nodeID,
		"socketId": socketID,
	}); err != nil {
		logger.Warn("failed to publish session created",
			logger.ClientID(clientID), logger.Err(err))
	}

	m.refreshGauges(ctx)
	logger.Info("client registered",
		logger.ClientID(clientID),
		logger.SocketID(socketID),
		logger.NodeID(nodeID))

	masterID, err := m.coord.MasterID(ctx)
	if err != nil {
		logger.Warn("failed to read master id", logger.Err(err))
	}
	return &RegisterResult{
		NodeID:   nodeID,
		IsMaster: m.coord.IsMaster(),
		MasterID: masterID,
	}, nil
}

// Heartbeat refreshes the session's liveness. A client exceeding the
// heartbeat budget gets a RateLimitedError carrying the window reset time.
func (m *Manager) Heartbeat(ctx context.Context, clientID string) error {
	rl, err := m.store.CheckRateLimit(ctx, "heartbeat:"+clientID, m.cfg.HeartbeatLimit, m.cfg.HeartbeatWindow)
	if err != nil {
		return fmt.Errorf("heartbeat rate check for %s: %w", clientID, err)
	}
	if !rl.Allowed {
		if m.metrics != nil {
			m.metrics.RecordRateLimited("heartbeat")
		}
		return &RateLimitedError{ResetAt: rl.ResetAt}
	}

	sess, err := m.store.GetSession(ctx, clientID)
	if err != nil {
		return fmt.Errorf("heartbeat load for %s: %w", clientID, err)
	}
	if sess == nil {
		return ErrSessionNotFound
	}

	sess.LastHeartbeat = time.Now()
	sess.Connected = true
	if err := m.store.PutSession(ctx, sess); err != nil {
		return fmt.Errorf("heartbeat store for %s: %w", clientID, err)
	}
	return nil
}

// CreateShare opens a new share room with clientID as its first participant.
// An empty shareID asks the server to generate one. A client still bound to
// another active share is rejected.
func (m *Manager) CreateShare(ctx context.Context, clientID, shareID string) (*storage.ShareSession, error) {
	if err := m.ensureNotInShare(ctx, clientID, ""); err != nil {
		return nil, err
	}
	if shareID == "" {
		shareID = generateShareID()
	} else {
		existing, err := m.store.GetShare(ctx, shareID)
		if err != nil {
			return nil, fmt.Errorf("create share %s: %w", shareID, err)
		}
		if existing != nil {
			return nil, ErrShareExists
		}
	}

	now := time.Now()
	share := &storage.ShareSession{
		ShareID:      shareID,
		CreatedAt:    now,
		LastActivity: now,
		Clients:      []string{clientID},
		Status:       storage.ShareActive,
	}
	if err := m.store.PutShare(ctx, share); err != nil {
		return nil, fmt.Errorf("create share %s: %w", shareID, err)
	}
	m.bindClientToShare(ctx, clientID, shareID)

	if err := m.bus.Publish(ctx, pubsub.ChannelShareCreated, map[string]any{
		"shareId":  shareID,
		"clientId": clientID,
		"nodeId":   m.registry.NodeID(),
	}); err != nil {
		logger.Warn("failed to publish share created",
			logger.ShareID(shareID), logger.Err(err))
	}

	m.routeConnectionReady(ctx, clientID, share, "Waiting for a peer to join")
	m.refreshGauges(ctx)
	logger.Info("share created", logger.ShareID(shareID), logger.ClientID(clientID))
	return share, nil
}

// JoinShare admits clientID into an existing share. Rejoining a share the
// client already participates in is a no-op success; joining while bound to a
// different active share is rejected.
func (m *Manager) JoinShare(ctx context.Context, shareID, clientID string) (*storage.ShareSession, error) {
	share, err := m.store.GetShare(ctx, shareID)
	if err != nil {
		return nil, fmt.Errorf("join share %s: %w", shareID, err)
	}
	if share == nil || share.Status != storage.ShareActive {
		return nil, ErrShareNotFound
	}
	if share.HasClient(clientID) {
		return share, nil
	}
	if len(share.Clients) >= storage.MaxShareClients {
		return nil, ErrShareFull
	}
	if err := m.ensureNotInShare(ctx, clientID, shareID); err != nil {
		return nil, err
	}

	share.Clients = append(share.Clients, clientID)
	share.LastActivity = time.Now()
	if err := m.store.PutShare(ctx, share); err != nil {
		return nil, fmt.Errorf("join share %s: %w", shareID, err)
	}
	m.bindClientToShare(ctx, clientID, shareID)

	// Both participants learn the room is complete, and each hears about
	// the other exactly once.
	for _, member := range share.Clients {
		m.routeConnectionReady(ctx, member, share, "Peer connected, ready to transfer")
	}
	for _, member := range share.Clients {
		for _, other := range share.OtherClients(member) {
			m.route(ctx, member, protocol.EventClientJoinedShare, map[string]any{
				"clientId": other,
				"shareId":  shareID,
			})
		}
	}

	m.refreshGauges(ctx)
	logger.Info("client joined share", logger.ShareID(shareID), logger.ClientID(clientID))
	return share, nil
}

// Disconnect tears down the session bound to socketID: the client leaves its
// share, the peer is notified, and the session is marked disconnected. The
// record itself survives until its TTL so a quick reconnect keeps state.
func (m *Manager) Disconnect(ctx context.Context, socketID string) {
	sess := m.findBySocket(ctx, socketID)
	if sess == nil {
		return
	}

	if sess.ShareID != "" {
		m.leaveShare(ctx, sess)
	}

	sess.Connected = false
	if err := m.store.PutSession(ctx, sess); err != nil {
		logger.Warn("failed to mark session disconnected",
			logger.ClientID(sess.ClientID), logger.Err(err))
	}

	if err := m.bus.Publish(ctx, pubsub.ChannelSessionEnded, map[string]any{
		"clientId": sess.ClientID,
		"nodeId":   sess.NodeID,
		"socketId": socketID,
	}); err != nil {
		logger.Warn("failed to publish session ended",
			logger.ClientID(sess.ClientID), logger.Err(err))
	}

	m.refreshGauges(ctx)
	logger.Info("client disconnected",
		logger.ClientID(sess.ClientID),
		logger.SocketID(socketID))
}

// Share returns the share record, or ErrShareNotFound.
func (m *Manager) Share(ctx context.Context, shareID string) (*storage.ShareSession, error) {
	share, err := m.store.GetShare(ctx, shareID)
	if err != nil {
		return nil, err
	}
	if share == nil {
		return nil, ErrShareNotFound
	}
	return share, nil
}

// Stats summarizes the live population for the stats endpoint.
type Stats struct {
	FilesSent      int64 `json:"filesSent"`
	ActiveSessions int   `json:"activeSessions"`
	UsersJoined    int64 `json:"usersJoined"`
}

// CollectStats counts connected sessions and reads the persistent counters.
func (m *Manager) CollectStats(ctx context.Context) (*Stats, error) {
	sessions, err := m.store.ListSessions(ctx)
	if err != nil {
		return nil, err
	}
	active := 0
	for _, sess := range sessions {
		if sess.Connected {
			active++
		}
	}

	filesSent, err := m.store.GetCounter(ctx, storage.CounterFilesSent)
	if err != nil {
		return nil, err
	}
	usersJoined, err := m.store.GetCounter(ctx, storage.CounterUsersJoined)
	if err != nil {
		return nil, err
	}
	return &Stats{
		FilesSent:      filesSent,
		ActiveSessions: active,
		UsersJoined:    usersJoined,
	}, nil
}

// =============================================================================
// Internals
// =============================================================================

func (m *Manager) leaveShare(ctx context.Context, sess *storage.ClientSession) {
	share, err := m.store.GetShare(ctx, sess.ShareID)
	if err != nil || share == nil {
		return
	}

	others := share.OtherClients(sess.ClientID)
	remaining := share.Clients[:0]
	for _, id := range share.Clients {
		if id != sess.ClientID {
			remaining = append(remaining, id)
		}
	}
	share.Clients = remaining
	share.LastActivity = time.Now()

	if len(share.Clients) == 0 {
		if err := m.store.DeleteShare(ctx, share.ShareID); err != nil {
			logger.Warn("failed to delete empty share",
				logger.ShareID(share.ShareID), logger.Err(err))
		}
	} else if err := m.store.PutShare(ctx, share); err != nil {
		logger.Warn("failed to update share on leave",
			logger.ShareID(share.ShareID), logger.Err(err))
	}

	for _, other := range others {
		m.route(ctx, other, protocol.EventClientDisconnected, map[string]any{
			"clientId": sess.ClientID,
			"shareId":  share.ShareID,
		})
	}
	sess.ShareID = ""
}

// ensureNotInShare enforces the one-share-per-client rule: a client bound to
// a live share other than shareID is rejected with ErrAlreadyInShare. A stale
// binding, where the share is gone or no longer lists the client, is cleared
// so the client can move on.
func (m *Manager) ensureNotInShare(ctx context.Context, clientID, shareID string) error {
	sess, err := m.store.GetSession(ctx, clientID)
	if err != nil {
		return fmt.Errorf("load session for %s: %w", clientID, err)
	}
	if sess == nil || sess.ShareID == "" || sess.ShareID == shareID {
		return nil
	}

	share, err := m.store.GetShare(ctx, sess.ShareID)
	if err != nil {
		return fmt.Errorf("load share %s: %w", sess.ShareID, err)
	}
	if share != nil && share.Status == storage.ShareActive && share.HasClient(clientID) {
		return ErrAlreadyInShare
	}

	sess.ShareID = ""
	if err := m.store.PutSession(ctx, sess); err != nil {
		logger.Warn("failed to clear stale share binding",
			logger.ClientID(clientID), logger.Err(err))
	}
	return nil
}

func (m *Manager) bindClientToShare(ctx context.Context, clientID, shareID string) {
	sess, err := m.store.GetSession(ctx, clientID)
	if err != nil || sess == nil {
		return
	}
	sess.ShareID = shareID
	if err := m.store.PutSession(ctx, sess); err != nil {
		logger.Warn("failed to bind client to share",
			logger.ClientID(clientID), logger.ShareID(shareID), logger.Err(err))
	}
}

func (m *Manager) findBySocket(ctx context.Context, socketID string) *storage.ClientSession {
	sessions, err := m.store.ListSessions(ctx)
	if err != nil {
		logger.Warn("failed to list sessions", logger.Err(err))
		return nil
	}
	for _, sess := range sessions {
		if sess.SocketID == socketID {
			return sess
		}
	}
	return nil
}

func (m *Manager) routeConnectionReady(ctx context.Context, clientID string, share *storage.ShareSession, message string) {
	m.route(ctx, clientID, protocol.EventConnectionReady, map[string]any{
		"shareId":          share.ShareID,
		"connectedClients": len(share.Clients),
		"message":          message,
	})
}

func (m *Manager) route(ctx context.Context, clientID, event string, payload map[string]any) {
	if err := m.coord.RouteToClient(ctx, clientID, event, payload); err != nil {
		logger.Warn("failed to route session event",
			logger.ClientID(clientID),
			logger.Event(event),
			logger.Err(err))
	}
}

func (m *Manager) refreshGauges(ctx context.Context) {
	if m.metrics == nil {
		return
	}
	sessions, err := m.store.ListSessions(ctx)
	if err == nil {
		active := 0
		for _, sess := range sessions {
			if sess.Connected {
				active++
			}
		}
		m.metrics.SetActiveSessions(active)
	}
	shares, err := m.store.ListShares(ctx)
	if err == nil {
		m.metrics.SetActiveShares(len(shares))
	}
}

// generateShareID builds "share-<unix-ms>-<rand>" ids for anonymous rooms.
func generateShareID() string {
	buf := make([]byte, 4)
	_, _ = rand.Read(buf)
	return fmt.Sprintf("share-%d-%s", time.Now().UnixMilli(), hex.EncodeToString(buf))
}

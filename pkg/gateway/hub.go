package gateway

import (
	"sync"

	"github.com/beamlink/beam/internal/logger"
)

// Hub is the registry of websocket connections on this node. It implements
// cluster.SocketSender, making it the coordinator's local delivery target.
type Hub struct {
	mu      sync.RWMutex
	conns   map[string]*Conn  // socket id -> connection
	clients map[string]string // client id -> socket id
}

// NewHub creates an empty connection registry.
func NewHub() *Hub {
	return &Hub{
		conns:   make(map[string]*Conn),
		clients: make(map[string]string),
	}
}

// add registers a freshly upgraded connection under its socket id.
func (h *Hub) add(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[c.ID] = c
}

// remove deregisters the connection and any client binding pointing at it.
func (h *Hub) remove(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, c.ID)
	for clientID, socketID := range h.clients {
		if socketID == c.ID {
			delete(h.clients, clientID)
		}
	}
}

// bindClient maps a client id onto its socket after a successful register.
// A client re-registering on a new socket steals the binding; the previous
// socket keeps draining but receives no further routed events.
func (h *Hub) bindClient(clientID, socketID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[clientID] = socketID
}

// ConnectionCount returns the number of open websocket connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// SendToSocket writes one event frame to the socket if it is still connected.
func (h *Hub) SendToSocket(socketID, event string, payload map[string]any) bool {
	h.mu.RLock()
	c, ok := h.conns[socketID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	return c.Send(event, payload)
}

// SocketIDForClient resolves the locally bound socket for a client id.
func (h *Hub) SocketIDForClient(clientID string) (string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	socketID, ok := h.clients[clientID]
	return socketID, ok
}

// Broadcast sends one event to every connected socket on this node.
func (h *Hub) Broadcast(event string, payload map[string]any) {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		c.Send(event, payload)
	}
}

// closeAll tears down every connection, used on shutdown after the listener
// stopped accepting upgrades.
func (h *Hub) closeAll() {
	h.mu.Lock()
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
	logger.Debug("closed all websocket connections", "count", len(conns))
}

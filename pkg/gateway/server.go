package gateway

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/beamlink/beam/internal/logger"
)

const (
	wsReadBuffer  = 4096
	wsWriteBuffer = 4096
)

// handleWebsocket upgrades the connection and starts its pumps. The socket
// id is assigned here; the client id arrives later on register.
func (g *Gateway) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  wsReadBuffer,
		WriteBufferSize: wsWriteBuffer,
		CheckOrigin:     originChecker(g.cfg.CORSOrigin),
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Debug("websocket upgrade failed", logger.Err(err))
		return
	}

	c := newConn(g, ws, uuid.NewString(), g.cfg.EventRate, g.cfg.EventBurst)
	g.hub.add(c)

	if g.gwMetrics != nil {
		g.gwMetrics.RecordConnectionAccepted()
	}
	if g.relayMetrics != nil {
		g.relayMetrics.SetActiveConnections(g.hub.ConnectionCount())
	}
	logger.Debug("connection accepted", logger.SocketID(c.ID))

	go c.writePump()
	go c.readPump()
}

// originChecker verifies the Origin header during the upgrade. Requests
// without an Origin header pass: the check protects against browser-based
// attacks and browsers always set it.
func originChecker(allowed string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		if _, ok := r.Header["Origin"]; !ok {
			return true
		}
		if allowed == "" || allowed == "*" {
			return true
		}
		origin := strings.ToLower(r.Header.Get("Origin"))
		if origin == strings.ToLower(allowed) {
			return true
		}
		logger.Warn("rejected websocket connection", "origin", origin)
		return false
	}
}

// Server is the HTTP listener hosting the gateway. It supports graceful
// shutdown: the listener stops accepting, in-flight requests drain up to the
// configured timeout, then remaining websocket connections are closed.
type Server struct {
	server          *http.Server
	gateway         *Gateway
	port            int
	shutdownTimeout time.Duration
	shutdownOnce    sync.Once
}

// NewServer creates the gateway HTTP server in a stopped state.
func NewServer(g *Gateway, port int, shutdownTimeout time.Duration) *Server {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 30 * time.Second
	}
	return &Server{
		server: &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: g.Router(),
			// No WriteTimeout: websocket connections outlive any
			// sane HTTP deadline.
			ReadHeaderTimeout: 10 * time.Second,
		},
		gateway:         g,
		port:            port,
		shutdownTimeout: shutdownTimeout,
	}
}

// Start serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errChan := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "port", s.port)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			select {
			case errChan <- err:
			default:
			}
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("gateway shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		return s.Stop(shutdownCtx)
	case err := <-errChan:
		return fmt.Errorf("gateway server failed: %w", err)
	}
}

// Stop drains in-flight requests and closes remaining websocket
// connections. Safe to call multiple times.
func (s *Server) Stop(ctx context.Context) error {
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		if err := s.server.Shutdown(ctx); err != nil {
			shutdownErr = fmt.Errorf("gateway shutdown error: %w", err)
			logger.Error("gateway shutdown error", logger.Err(err))
		}
		s.gateway.hub.closeAll()
		logger.Info("gateway stopped")
	})
	return shutdownErr
}

// Port returns the TCP port the server listens on.
func (s *Server) Port() int {
	return s.port
}

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/beamlink/beam/internal/logger"
	"github.com/beamlink/beam/pkg/cluster"
	"github.com/beamlink/beam/pkg/metrics"
	"github.com/beamlink/beam/pkg/protocol"
	"github.com/beamlink/beam/pkg/session"
	"github.com/beamlink/beam/pkg/storage"
	"github.com/beamlink/beam/pkg/transfer"
)

const (
	// defaultEventRate bounds inbound frames per connection per second.
	// Six parallel chunks plus heartbeats sit far below this.
	defaultEventRate  = rate.Limit(500)
	defaultEventBurst = 1000
)

// Config carries the gateway's operational settings.
type Config struct {
	// CORSOrigin is the allowed browser origin. "*" disables the check.
	CORSOrigin string

	// Version is reported by /api/health.
	Version string

	// ClusterEnabled and RedisEnabled surface deployment features on
	// /api/health.
	ClusterEnabled bool
	RedisEnabled   bool

	// EventRate and EventBurst bound inbound frames per connection.
	// Zero values take defaults.
	EventRate  rate.Limit
	EventBurst int
}

// Gateway terminates client connections and translates wire events into
// session and transfer operations. Business decisions live in the managers;
// the gateway only parses, dispatches, and answers.
type Gateway struct {
	sessions  *session.Manager
	transfers *transfer.Engine
	coord     *cluster.Coordinator
	registry  *cluster.Registry
	store     storage.Store
	hub       *Hub

	gwMetrics    metrics.GatewayMetrics
	relayMetrics metrics.RelayMetrics

	cfg Config
}

// New creates a Gateway and installs its hub as the coordinator's local
// socket sender.
func New(sessions *session.Manager, transfers *transfer.Engine, coord *cluster.Coordinator, registry *cluster.Registry, store storage.Store, gw metrics.GatewayMetrics, relay metrics.RelayMetrics, cfg Config) *Gateway {
	if cfg.EventRate == 0 {
		cfg.EventRate = defaultEventRate
	}
	if cfg.EventBurst == 0 {
		cfg.EventBurst = defaultEventBurst
	}

	g := &Gateway{
		sessions:     sessions,
		transfers:    transfers,
		coord:        coord,
		registry:     registry,
		store:        store,
		hub:          NewHub(),
		gwMetrics:    gw,
		relayMetrics: relay,
		cfg:          cfg,
	}
	coord.SetSender(g.hub)
	return g
}

// Hub exposes the socket registry, mainly for tests.
func (g *Gateway) Hub() *Hub {
	return g.hub
}

// dropConn tears down a connection: hub deregistration, session disconnect
// bookkeeping, and share fan-out.
func (g *Gateway) dropConn(c *Conn) {
	g.hub.remove(c)
	c.close()

	g.sessions.Disconnect(context.Background(), c.ID)

	if g.gwMetrics != nil {
		g.gwMetrics.RecordConnectionClosed()
	}
	if g.relayMetrics != nil {
		g.relayMetrics.SetActiveConnections(g.hub.ConnectionCount())
	}
	logger.Debug("connection dropped", logger.SocketID(c.ID))
}

// dispatch routes one inbound frame to its handler. Handler errors are
// answered on the ack channel when the client asked for one, and logged
// otherwise. They never terminate the connection.
func (g *Gateway) dispatch(c *Conn, data []byte) {
	var msg protocol.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		logger.Warn("discarding malformed frame", logger.SocketID(c.ID), logger.Err(err))
		return
	}

	if !protocol.IsClientEvent(msg.Event) {
		logger.Warn("discarding unknown event",
			logger.SocketID(c.ID),
			logger.Event(msg.Event))
		return
	}

	if g.gwMetrics != nil {
		g.gwMetrics.RecordMessage(msg.Event)
	}

	ctx := context.Background()

	var err error
	switch msg.Event {
	case protocol.EventRegister:
		err = g.handleRegister(ctx, c, &msg)
	case protocol.EventHeartbeat:
		err = g.handleHeartbeat(ctx, c, &msg)
	case protocol.EventUploadInit:
		err = g.handleUploadInit(ctx, c, &msg)
	case protocol.EventUploadChunk:
		err = g.handleUploadChunk(ctx, c, &msg)
	case protocol.EventChunkAcknowledged:
		err = g.handleChunkAck(ctx, &msg)
	case protocol.EventChunkError:
		err = g.handleChunkError(ctx, &msg)
	case protocol.EventDownloadConfirmed:
		err = g.handleDownloadConfirmed(ctx, &msg)
	case protocol.EventCancelDownload:
		err = g.handleCancelDownload(ctx, &msg)
	case protocol.EventPauseUpload:
		err = g.handlePause(ctx, &msg)
	case protocol.EventResumeUpload:
		err = g.handleResume(ctx, &msg)
	}

	if err != nil {
		logger.Warn("event handling failed",
			logger.SocketID(c.ID),
			logger.Event(msg.Event),
			logger.Err(err))
		if msg.AckID != 0 {
			c.sendAck(msg.AckID, ackErrorPayload(err))
		}
	}
}

func (g *Gateway) handleRegister(ctx context.Context, c *Conn, msg *protocol.Message) error {
	var p protocol.RegisterPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return fmt.Errorf("register: %w", err)
	}
	if p.ClientID == "" {
		return fmt.Errorf("register: empty client id")
	}

	// Bind before registering so routed events arriving during the
	// register fan-out already find the socket.
	g.hub.bindClient(p.ClientID, c.ID)

	res, err := g.sessions.Register(ctx, p.ClientID, c.ID)
	if err != nil {
		return err
	}

	c.Send(protocol.EventRegistered, map[string]any{
		"clientId": p.ClientID,
		"nodeId":   res.NodeID,
		"isMaster": res.IsMaster,
		"masterId": res.MasterID,
	})
	return nil
}

func (g *Gateway) handleHeartbeat(ctx context.Context, c *Conn, msg *protocol.Message) error {
	var p protocol.HeartbeatPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}

	if err := g.sessions.Heartbeat(ctx, p.ClientID); err != nil {
		var rateErr *session.RateLimitedError
		if errors.As(err, &rateErr) {
			c.Send(protocol.EventRateLimited, map[string]any{
				"resetAt": rateErr.ResetAt,
			})
			return nil
		}
		return err
	}

	c.Send(protocol.EventHeartbeatAck, map[string]any{
		"timestamp": time.Now().UnixMilli(),
	})
	return nil
}

func (g *Gateway) handleUploadInit(ctx context.Context, c *Conn, msg *protocol.Message) error {
	var p protocol.UploadInitPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return fmt.Errorf("upload-init: %w", err)
	}

	res, err := g.transfers.InitUpload(ctx, p.ClientID, p.FileName, p.FileSize, p.TotalChunks)
	if err != nil {
		c.Send(protocol.EventUploadFailed, map[string]any{
			"fileName": p.FileName,
			"message":  err.Error(),
		})
		return err
	}

	payload := map[string]any{
		"fileId":     res.FileID,
		"resumeFrom": res.ResumeFrom,
	}
	c.Send(protocol.EventUploadInitResponse, payload)
	if msg.AckID != 0 {
		c.sendAck(msg.AckID, payload)
	}
	return nil
}

func (g *Gateway) handleUploadChunk(ctx context.Context, c *Conn, msg *protocol.Message) error {
	var p protocol.UploadChunkPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return fmt.Errorf("upload-chunk: %w", err)
	}

	res, err := g.transfers.IngestChunk(ctx, p.ClientID, p.FileID, p.ChunkIndex, p.Chunk)
	if err != nil {
		return err
	}

	// The ack reply is the sender's flow-control gate.
	if msg.AckID != 0 {
		c.sendAck(msg.AckID, map[string]any{
			"fileId":     res.FileID,
			"chunkIndex": res.ChunkIndex,
			"received":   true,
		})
	}
	return nil
}

func (g *Gateway) handleChunkAck(ctx context.Context, msg *protocol.Message) error {
	var p protocol.ChunkAckPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return fmt.Errorf("chunk-acknowledged: %w", err)
	}
	return g.transfers.HandleAck(ctx, p.FileID, p.ChunkIndex)
}

func (g *Gateway) handleChunkError(ctx context.Context, msg *protocol.Message) error {
	var p protocol.ChunkErrorPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return fmt.Errorf("chunk-error: %w", err)
	}
	reason := "chunk rejected by receiver"
	if p.Checksum != "" {
		reason = fmt.Sprintf("checksum mismatch (%s)", p.Checksum)
	}
	return g.transfers.HandleChunkError(ctx, p.FileID, p.ChunkIndex, reason)
}

func (g *Gateway) handleDownloadConfirmed(ctx context.Context, msg *protocol.Message) error {
	var p protocol.DownloadConfirmedPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return fmt.Errorf("download-confirmed: %w", err)
	}
	return g.transfers.ConfirmDownload(ctx, p.ClientID, p.FileID, p.FileName, p.ShareID)
}

func (g *Gateway) handleCancelDownload(ctx context.Context, msg *protocol.Message) error {
	var p protocol.CancelDownloadPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return fmt.Errorf("cancel-download: %w", err)
	}
	return g.transfers.CancelDownload(ctx, p.ClientID, p.FileID)
}

func (g *Gateway) handlePause(ctx context.Context, msg *protocol.Message) error {
	var p protocol.PauseResumePayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return fmt.Errorf("pause-upload: %w", err)
	}
	return g.transfers.PauseUpload(ctx, p.ClientID, p.FileID)
}

func (g *Gateway) handleResume(ctx context.Context, msg *protocol.Message) error {
	var p protocol.PauseResumePayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return fmt.Errorf("resume-upload: %w", err)
	}
	return g.transfers.ResumeUpload(ctx, p.ClientID, p.FileID)
}

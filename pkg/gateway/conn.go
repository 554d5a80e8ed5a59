package gateway

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/beamlink/beam/internal/logger"
	"github.com/beamlink/beam/pkg/protocol"
)

const (
	// writeWait bounds a single frame write.
	writeWait = 10 * time.Second

	// pongWait is how long a connection may stay silent before the read
	// side gives up. Pings go out at pingPeriod to keep it alive.
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// maxFrameSize bounds one inbound frame. Chunks plus base64 overhead
	// and envelope stay well under this.
	maxFrameSize = 2 << 20

	// sendQueueSize is the per-connection outbound buffer. A consumer
	// that falls this far behind is disconnected rather than blocking
	// the relay.
	sendQueueSize = 256
)

// Conn is one websocket connection. Outbound frames pass through a buffered
// channel drained by a single writer goroutine, so per-connection ordering
// is FIFO.
type Conn struct {
	// ID is the server-assigned socket id, distinct from the client id
	// bound at register time.
	ID string

	gw      *Gateway
	ws      *websocket.Conn
	send    chan []byte
	limiter *rate.Limiter

	done      chan struct{}
	closeOnce sync.Once
}

func newConn(gw *Gateway, ws *websocket.Conn, id string, eventRate rate.Limit, eventBurst int) *Conn {
	return &Conn{
		ID:      id,
		gw:      gw,
		ws:      ws,
		send:    make(chan []byte, sendQueueSize),
		limiter: rate.NewLimiter(eventRate, eventBurst),
		done:    make(chan struct{}),
	}
}

// encodeFrame builds the wire envelope. Payload bytes pass through the
// byte-safe codec so []byte values survive as tagged base64.
func encodeFrame(event string, payload map[string]any, ackID uint64) ([]byte, error) {
	var raw json.RawMessage
	if payload != nil {
		encoded, err := protocol.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = encoded
	}
	return json.Marshal(protocol.Message{Event: event, Payload: raw, AckID: ackID})
}

// Send queues one event frame. Returns false when the connection is gone or
// the consumer is too slow to keep its queue drained.
func (c *Conn) Send(event string, payload map[string]any) bool {
	return c.enqueue(event, payload, 0)
}

// sendAck queues a request-scoped reply frame carrying the ack id of the
// inbound message it answers.
func (c *Conn) sendAck(ackID uint64, payload map[string]any) bool {
	return c.enqueue(protocol.AckEvent, payload, ackID)
}

func (c *Conn) enqueue(event string, payload map[string]any, ackID uint64) bool {
	frame, err := encodeFrame(event, payload, ackID)
	if err != nil {
		logger.Error("failed to encode outbound frame",
			logger.SocketID(c.ID),
			logger.Event(event),
			logger.Err(err))
		return false
	}

	select {
	case <-c.done:
		return false
	case c.send <- frame:
		return true
	default:
		logger.Warn("outbound queue full, disconnecting slow consumer",
			logger.SocketID(c.ID),
			logger.Event(event))
		c.close()
		return false
	}
}

// close signals both pumps to exit. Safe to call multiple times.
func (c *Conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// readPump consumes inbound frames until the connection dies, dispatching
// each to the gateway. It owns the read side of the socket.
func (c *Conn) readPump() {
	defer c.gw.dropConn(c)

	c.ws.SetReadLimit(maxFrameSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived) {
				logger.Debug("websocket read failed",
					logger.SocketID(c.ID),
					logger.Err(err))
			}
			return
		}

		if !c.limiter.Allow() {
			reservation := c.limiter.Reserve()
			resetAt := time.Now().Add(reservation.Delay())
			reservation.Cancel()
			c.Send(protocol.EventRateLimited, map[string]any{"resetAt": resetAt})
			continue
		}

		c.gw.dispatch(c, data)
	}
}

// writePump drains the send queue and keeps the connection alive with pings.
// It owns the write side of the socket.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				logger.Debug("websocket write failed",
					logger.SocketID(c.ID),
					logger.Err(err))
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}

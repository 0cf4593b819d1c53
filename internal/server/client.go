package server

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roomhub/roomhub/internal/events"
	"github.com/roomhub/roomhub/internal/hub"
)

const writeWait = 10 * time.Second

// wsClient owns one upgraded WebSocket connection and implements
// hub.Conn for the registry. Outbound frames go through a buffered send
// channel drained by the write pump, so fan-out never blocks on a slow
// socket; a full buffer marks the connection dead.
type wsClient struct {
	conn   *websocket.Conn
	srv    *Server
	roomID string
	userID string

	send chan []byte

	mu     sync.Mutex
	closed bool

	cleanupOnce sync.Once
}

func newWSClient(conn *websocket.Conn, srv *Server, roomID, userID string) *wsClient {
	return &wsClient{
		conn:   conn,
		srv:    srv,
		roomID: roomID,
		userID: userID,
		send:   make(chan []byte, srv.sendBufferSize),
	}
}

// Enqueue implements hub.Conn. It never blocks: a closed client or a
// full buffer returns false, which the registry treats as an implicit
// disconnect.
func (c *wsClient) Enqueue(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// Close implements hub.Conn. Idempotent: closing the send channel stops
// the write pump, and closing the socket unblocks the read pump.
func (c *wsClient) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	c.mu.Unlock()

	_ = c.conn.Close()
}

// run drives the connection: the write pump in its own goroutine, the
// read pump on the handler goroutine. Returns when the connection dies.
func (c *wsClient) run() {
	c.srv.emitter.Emit(events.UsageEvent{
		Kind:      events.KindConnect,
		RoomID:    c.roomID,
		UserID:    c.userID,
		Timestamp: time.Now().Format(time.RFC3339),
	})

	go c.writePump()
	c.readPump()
	c.cleanup()
}

// cleanup tears down registry and limiter state exactly once, no matter
// which pump died first or whether the registry already dropped us.
func (c *wsClient) cleanup() {
	c.cleanupOnce.Do(func() {
		c.srv.registry.Disconnect(c)
		c.Close()
		c.srv.connLimiter.Release(c.userID)
		if c.srv.connSem != nil {
			c.srv.connSem.Release(1)
		}
		c.srv.emitter.Emit(events.UsageEvent{
			Kind:      events.KindDisconnect,
			RoomID:    c.roomID,
			UserID:    c.userID,
			Timestamp: time.Now().Format(time.RFC3339),
		})
	})
}

func (c *wsClient) readPump() {
	c.conn.SetReadLimit(c.srv.maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.srv.wsIdleTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.srv.wsIdleTimeout))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.logReadEnd(err)
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(c.srv.wsIdleTimeout))

		msg, err := hub.DecodeMessage(raw)
		if err != nil {
			c.Enqueue(hub.MalformedFrame)
			continue
		}
		if msg.Type != hub.TypeMessage {
			// Clients may only author chat frames.
			continue
		}

		if _, err := c.srv.service.Broadcast(c.roomID, c.userID, msg, c); err != nil {
			if errors.Is(err, hub.ErrRateLimited) {
				// Report inline and keep the connection open.
				c.Enqueue(hub.RateLimitExceededFrame)
				continue
			}
			c.srv.logger.Error("broadcast failed", "error", err,
				"room_id", c.roomID, "user_id", c.userID)
		}
	}
}

func (c *wsClient) logReadEnd(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.srv.logger.Warn("frame exceeded size limit, dropping connection",
			"user_id", c.userID, "limit", c.srv.maxMessageSize)
	case websocket.IsUnexpectedCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		c.srv.logger.Debug("websocket read error",
			"user_id", c.userID, "error", err)
	}
}

func (c *wsClient) writePump() {
	// Ping before the peer's read of our idle timeout can expire.
	pingPeriod := c.srv.wsIdleTimeout * 9 / 10
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

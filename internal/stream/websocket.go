package stream

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum inbound message size.
	maxMessageSize = 1024 * 1024
)

// Upgrader upgrades GET /ws requests. Origin checks are left to the router's
// CORS policy.
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WebSocket is a push channel over a WebSocket connection.
type WebSocket struct {
	conn *websocket.Conn

	// writeMu serialises data frames; gorilla allows one concurrent writer.
	writeMu sync.Mutex
	closed  atomic.Bool

	// stateMu orders Open against Close.
	stateMu sync.Mutex
	opened  bool

	done      chan struct{}
	closeOnce sync.Once
	connOnce  sync.Once
}

// NewWebSocket wraps an upgraded connection.
func NewWebSocket(conn *websocket.Conn) *WebSocket {
	return &WebSocket{
		conn: conn,
		done: make(chan struct{}),
	}
}

// Open is a no-op: the upgrade already established the stream.
func (c *WebSocket) Open() error {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()

	if c.closed.Load() {
		return ErrChannelClosed
	}
	c.opened = true
	return nil
}

// Send writes line as one text frame.
func (c *WebSocket) Send(line string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.closed.Load() {
		return ErrChannelClosed
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, []byte(line)); err != nil {
		c.Close()
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// Close marks the channel closed. Once opened, it also sends a normal close
// frame and closes the connection; before that the connection is left for
// CloseWithReason. It is idempotent.
func (c *WebSocket) Close() error {
	c.stateMu.Lock()
	c.markClosed()
	opened := c.opened
	c.stateMu.Unlock()

	if opened {
		c.CloseWithReason(websocket.CloseNormalClosure, "")
	}
	return nil
}

// CloseWithReason closes the connection telling the peer why. Only the first
// close frame takes effect.
func (c *WebSocket) CloseWithReason(code int, reason string) {
	c.markClosed()
	c.connOnce.Do(func() {
		// WriteControl and Close may run concurrently with a data write.
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason),
			time.Now().Add(time.Second))
		c.conn.Close()
	})
}

func (c *WebSocket) markClosed() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
	})
}

func (c *WebSocket) Done() <-chan struct{} { return c.done }

// ReadLoop hands every inbound text frame to onMessage until the peer goes
// away or the channel is closed, then closes the channel. It also drives the
// ping keepalive.
func (c *WebSocket) ReadLoop(onMessage func(data []byte)) {
	defer c.CloseWithReason(websocket.CloseNormalClosure, "")

	go c.keepAlive()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) &&
				!errors.Is(err, websocket.ErrCloseSent) && !c.closed.Load() {
				log.Printf("WebSocket read error: %v", err)
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		onMessage(data)
	}
}

func (c *WebSocket) keepAlive() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.Close()
				return
			}
		}
	}
}

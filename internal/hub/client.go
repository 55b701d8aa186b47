package hub

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 256
)

// Client is one live WebSocket connection. Outbound frames go through a
// buffered channel so slow readers never block a broadcast; when the buffer
// is full the frame is dropped.
type Client struct {
	ID   string
	conn *websocket.Conn

	send      chan []byte
	closed    bool // guarded by the hub lock, like all emits
	closeOnce sync.Once
}

func NewClient(id string, conn *websocket.Conn) *Client {
	return &Client{
		ID:   id,
		conn: conn,
		send: make(chan []byte, sendBuffer),
	}
}

// enqueue hands a marshalled frame to the write pump. Returns false when the
// client is already closed or its buffer is full. Callers hold the hub lock,
// which also serializes enqueue against Close; a late emit (a ring timer
// firing after disconnect) is dropped, never a send on a closed channel.
func (c *Client) enqueue(frame []byte) bool {
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

// Close shuts the outbound channel; the write pump then closes the
// underlying connection. Called under the hub lock; safe to call more than
// once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.closed = true
		close(c.send)
	})
}

// WritePump drains the send channel onto the wire and keeps the connection
// alive with pings. Runs in its own goroutine per connection.
func (c *Client) WritePump() {
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
				slog.Debug("ws write failed", "connection_id", c.ID, "error", err)
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

// ReadLoop delivers inbound text frames to handle until the connection
// drops. Pong handling refreshes the read deadline.
func (c *Client) ReadLoop(handle func(frame []byte)) {
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		handle(frame)
	}
}

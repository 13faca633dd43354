package streaming

import (
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512

	// sendBuffer bounds per-client backpressure. A client that cannot
	// drain this many updates is dropped rather than stalling the room.
	sendBuffer = 64
)

// Client is one WebSocket subscriber bound to a single job room.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	jobID  string
	connID string
	ip     string

	connectedAt  time.Time
	lastActivity atomic.Int64 // unix seconds
}

func newClient(hub *Hub, conn *websocket.Conn, jobID, connID, ip string) *Client {
	c := &Client{
		hub:         hub,
		conn:        conn,
		send:        make(chan []byte, sendBuffer),
		jobID:       jobID,
		connID:      connID,
		ip:          ip,
		connectedAt: time.Now(),
	}
	c.touch()
	return c
}

func (c *Client) touch() {
	c.lastActivity.Store(time.Now().Unix())
}

func (c *Client) idleFor(now time.Time) time.Duration {
	return now.Sub(time.Unix(c.lastActivity.Load(), 0))
}

// readPump drains inbound frames. The only frame clients may send is an
// application-level ping; every frame refreshes activity and is counted
// against the event budget. Exceeding the budget is a policy violation.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.touch()
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("stream read error", slog.String("conn_id", c.connID), slog.Any("error", err))
			}
			return
		}
		c.touch()
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		if !c.hub.guard.AllowEvent(c.ip) {
			c.hub.guard.Violation(c.ip)
			c.hub.recordEvent("ws_event_flood", c.ip, c.jobID)
			c.closeWith(websocket.ClosePolicyViolation, "event rate exceeded")
			return
		}
		c.handleFrame(msg)
	}
}

// handleFrame answers application-level pings and drops everything else.
func (c *Client) handleFrame(msg []byte) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(msg, &probe); err != nil || probe.Type != "ping" {
		slog.Debug("ignoring unexpected client frame", slog.String("conn_id", c.connID))
		return
	}
	pong, err := json.Marshal(map[string]any{
		"type":      "pong",
		"timestamp": float64(time.Now().UnixNano()) / 1e9,
	})
	if err != nil {
		return
	}
	select {
	case c.send <- pong:
	default:
	}
}

// writePump serializes all writes to the connection and keeps it alive
// with periodic pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
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

// closeWith sends a close frame with the given code, then tears down.
func (c *Client) closeWith(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	_ = c.conn.Close()
}

// Tally - Multi-tenant Record Keeping API
// Copyright 2026 Tally Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tallyhq/tally

package realtime

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tallyhq/tally/internal/logging"
	"github.com/tallyhq/tally/internal/models"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024 // 64 KB
)

// Message types on the realtime channel.
const (
	MessageTypeEvent = "event"
	MessageTypePing  = "ping"
	MessageTypePong  = "pong"
)

// Message is the envelope for everything sent over a realtime connection.
type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

// clientIDCounter generates unique, monotonically increasing IDs so clients
// can be iterated in a consistent order.
var clientIDCounter atomic.Uint64

// Client is the middleman between one websocket connection and the hub. The
// user is captured at upgrade time; an unauthenticated connection carries a
// nil user and never receives events.
type Client struct {
	id   uint64
	hub  *Hub
	conn *websocket.Conn
	user *models.User

	// mu orders Deliver against closeSend: the hub closes send while bus
	// dispatch goroutines may still hold this client in a listener snapshot.
	mu     sync.RWMutex
	closed bool
	send   chan Message
}

// NewClient creates a client for an upgraded connection. user may be nil.
func NewClient(hub *Hub, conn *websocket.Conn, user *models.User) *Client {
	return &Client{
		id:   clientIDCounter.Add(1),
		hub:  hub,
		conn: conn,
		user: user,
		send: make(chan Message, 256),
	}
}

// ID returns the client's unique identifier.
func (c *Client) ID() uint64 {
	return c.id
}

// User returns the authenticated user bound to this connection, or nil.
func (c *Client) User() *models.User {
	return c.user
}

// Deliver queues a message for this client. A full send buffer drops the
// message rather than stalling the dispatcher; a closed client drops it
// silently, since event dispatch can race the disconnect.
func (c *Client) Deliver(msg Message) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return
	}

	select {
	case c.send <- msg:
	default:
		logging.Warn().Uint64("client_id", c.id).Str("type", msg.Type).Msg("client send buffer full, dropping message")
	}
}

// closeSend closes the send channel exactly once. The flag is set under the
// write lock, so no Deliver can be sending when the channel closes.
func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// readPump pumps control messages from the connection until it closes.
func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister <- c
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		logging.Error().Err(err).Msg("failed to set read deadline")
		return
	}

	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg Message
		err := c.conn.ReadJSON(&msg)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Error().Err(err).Msg("unexpected websocket close error")
			}
			break
		}

		if msg.Type == MessageTypePing {
			c.Deliver(Message{Type: MessageTypePong})
		}
	}
}

// writePump pumps queued messages to the connection and keeps it alive with
// periodic pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				logging.Error().Err(err).Msg("failed to set write deadline")
				return
			}

			if !ok {
				// The hub closed the channel
				if err := c.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil {
					logging.Error().Err(err).Msg("failed to write close message")
				}
				return
			}

			if err := c.conn.WriteJSON(message); err != nil {
				logging.Error().Err(err).Msg("failed to write JSON message")
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				logging.Error().Err(err).Msg("failed to set write deadline for ping")
				return
			}

			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Start begins reading and writing for the client.
func (c *Client) Start() {
	go c.writePump()
	go c.readPump()
}

package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"time"

	"github.com/KevinKickass/OpenScheduleCore/internal/auth"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Time allowed for the auth message after connecting
	authWait = 10 * time.Second

	// Maximum message size allowed from peer
	maxMessageSize = 8192

	// Send channel buffer size
	sendBufferSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Browsers must still present a token in the first message.
		return true
	},
}

// Client represents a WebSocket client connection
type Client struct {
	hub       *Hub
	conn      *websocket.Conn
	send      chan []byte
	logger    *zap.Logger
	principal *auth.Principal

	// filter is guarded by hub.mu
	filter []string
}

func (c *Client) remoteAddr() string {
	return c.conn.RemoteAddr().String()
}

func (c *Client) wants(scheduleID string) bool {
	return scheduleID == "" || len(c.filter) == 0 || slices.Contains(c.filter, scheduleID)
}

// authenticate reads the first message, which must carry a token.
func (c *Client) authenticate() bool {
	c.conn.SetReadDeadline(time.Now().Add(authWait))

	var msg clientMessage
	if err := c.conn.ReadJSON(&msg); err != nil {
		c.logger.Debug("WebSocket closed before authentication",
			zap.String("remote_addr", c.remoteAddr()), zap.Error(err))
		c.reject("First message must be authentication")
		return false
	}
	if msg.Type != MessageTypeAuth {
		c.reject("First message must be authentication")
		return false
	}
	if msg.Token == "" {
		c.reject("Missing token in auth message")
		return false
	}

	principal, err := c.hub.validator.ValidateToken(context.Background(), msg.Token)
	if err != nil {
		c.logger.Warn("WebSocket authentication failed",
			zap.Error(err),
			zap.String("remote_addr", c.remoteAddr()))
		c.reject("Invalid or expired token")
		return false
	}
	if !principal.Has(auth.PermViewSchedules) {
		c.reject("Insufficient permissions")
		return false
	}

	c.principal = principal
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	return true
}

// reject queues auth_failed and lets writePump close the connection.
func (c *Client) reject(reason string) {
	data, _ := json.Marshal(NewMessage(MessageTypeAuthFailed, map[string]string{"reason": reason}))
	c.send <- data
	close(c.send)
}

// readPump handles reading messages from the WebSocket connection
func (c *Client) readPump() {
	if !c.authenticate() {
		return
	}

	// Register before acknowledging so no broadcast after auth_success is missed.
	if !c.hub.add(c) {
		c.conn.Close()
		return
	}
	defer func() {
		c.hub.remove(c)
		c.conn.Close()
	}()

	c.hub.reply(c, NewMessage(MessageTypeAuthSuccess, map[string]any{
		"user":        c.principal.Username,
		"permissions": c.principal.Permissions,
	}))
	if c.hub.statusProvider != nil {
		c.hub.reply(c, NewMessage(MessageTypeSystemStatus, c.hub.statusProvider.GetCurrentStatus()))
	}
	c.logger.Info("WebSocket client authenticated",
		zap.String("remote_addr", c.remoteAddr()),
		zap.String("user", c.principal.Username))

	c.conn.SetReadLimit(maxMessageSize)
	for {
		var msg clientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure) {
				c.logger.Warn("WebSocket read error",
					zap.Error(err),
					zap.String("remote_addr", c.remoteAddr()))
			}
			return
		}
		c.handleMessage(msg)
	}
}

func (c *Client) handleMessage(msg clientMessage) {
	switch msg.Type {
	case MessageTypeSubscribe:
		c.hub.subscribe(c, msg.ScheduleIDs)
		c.hub.reply(c, NewMessage(MessageTypeSubscribed, map[string]any{"schedule_ids": msg.ScheduleIDs}))
	default:
		c.logger.Debug("Unknown client message",
			zap.String("remote_addr", c.remoteAddr()),
			zap.String("type", string(msg.Type)))
		c.hub.reply(c, NewMessage(MessageTypeUnknownInput, map[string]string{"reason": "unknown message type"}))
	}
}

// writePump handles writing messages to the WebSocket connection
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			// One JSON document per frame
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ServeWs handles WebSocket upgrade requests
func ServeWs(hub *Hub, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.logger.Error("WebSocket upgrade error",
			zap.Error(err),
			zap.String("remote_addr", r.RemoteAddr))
		return
	}

	client := &Client{
		hub:    hub,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		logger: hub.logger,
	}

	go client.writePump()
	go client.readPump()
}

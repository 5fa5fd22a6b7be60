package websocket

import (
	"context"
	"encoding/json"
	"slices"
	"sync"

	"github.com/KevinKickass/OpenScheduleCore/internal/auth"
	"github.com/KevinKickass/OpenScheduleCore/internal/schedule"
	"go.uber.org/zap"
)

// TokenValidator authenticates the first message of a connection.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (*auth.Principal, error)
}

// StatusProvider supplies the system status sent right after authentication.
type StatusProvider interface {
	GetCurrentStatus() any
}

type StatusFunc func() any

func (f StatusFunc) GetCurrentStatus() any { return f() }

// Hub maintains active WebSocket clients and broadcasts messages
type Hub struct {
	// Registered clients
	clients map[*Client]bool

	// Inbound messages to broadcast
	broadcast chan Message

	// Unregister requests from clients
	unregister chan *Client

	// Closed when Run returns
	done chan struct{}

	mu     sync.RWMutex
	closed bool // guarded by mu
	logger *zap.Logger

	validator      TokenValidator
	statusProvider StatusProvider
}

// NewHub creates a new Hub instance
func NewHub(logger *zap.Logger, validator TokenValidator) *Hub {
	return &Hub{
		broadcast:  make(chan Message, 256),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		clients:    make(map[*Client]bool),
		logger:     logger,
		validator:  validator,
	}
}

func (h *Hub) SetStatusProvider(provider StatusProvider) {
	h.statusProvider = provider
}

// Run starts the hub's main event loop. It returns when ctx is done and
// closes every client.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("WebSocket Hub started")
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			h.closed = true
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			h.logger.Info("WebSocket Hub stopped")
			return

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				h.logger.Info("WebSocket client unregistered",
					zap.String("remote_addr", client.remoteAddr()),
					zap.Int("total_clients", len(h.clients)))
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
			data, err := json.Marshal(message)
			if err != nil {
				h.logger.Error("Failed to marshal broadcast message", zap.Error(err))
				continue
			}

			h.mu.Lock()
			for client := range h.clients {
				if !client.wants(message.scheduleID) {
					continue
				}
				select {
				case client.send <- data:
				default:
					// Slow or dead client
					close(client.send)
					delete(h.clients, client)
					h.logger.Warn("Client send buffer full, unregistering",
						zap.String("remote_addr", client.remoteAddr()))
				}
			}
			h.mu.Unlock()
		}
	}
}

// add registers an authenticated client. The client is in the set when add
// returns, so replies queued right after it are delivered.
func (h *Hub) add(c *Client) bool {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return false
	}
	h.clients[c] = true
	total := len(h.clients)
	h.mu.Unlock()

	h.logger.Info("WebSocket client registered",
		zap.String("remote_addr", c.remoteAddr()),
		zap.String("user", c.principal.Username),
		zap.Int("total_clients", total))
	return true
}

func (h *Hub) remove(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// Broadcast sends a message to all connected clients
func (h *Hub) Broadcast(msg Message) {
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("Hub broadcast channel full, message dropped",
			zap.String("message_type", string(msg.Type)))
	}
}

// ScheduleChanged forwards reconciler events to clients.
func (h *Hub) ScheduleChanged(e schedule.Event) {
	h.Broadcast(NewScheduleMessage(e))
}

// NodesDiscovered forwards a discovery scan result to clients.
func (h *Hub) NodesDiscovered(nodeIDs []string) {
	h.Broadcast(NewNodesMessage(nodeIDs))
}

// reply queues data for one registered client. Clients the hub already
// dropped are skipped.
func (h *Hub) reply(c *Client, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.clients[c] {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

// subscribe restricts the schedule messages a client receives. An empty
// list means all schedules.
func (h *Hub) subscribe(c *Client, scheduleIDs []string) {
	h.mu.Lock()
	c.filter = slices.Clone(scheduleIDs)
	h.mu.Unlock()
}

// GetClientCount returns the number of connected clients
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

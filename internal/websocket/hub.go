// Package websocket pushes sync events to connected operator consoles.
package websocket

import (
	"context"
	"sync"

	"github.com/rental-calendar-sync/backend/internal/logging"
)

// outbound is a message addressed to one organization, or to every client
// when orgID is empty.
type outbound struct {
	orgID string
	data  []byte
}

// Hub maintains the set of active WebSocket clients and broadcasts messages.
type Hub struct {
	// Registered clients
	clients map[*Client]bool

	broadcast  chan outbound
	register   chan *Client
	unregister chan *Client
	// done is closed when Run returns.
	done chan struct{}

	mu sync.RWMutex
}

// NewHub creates a new WebSocket hub.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan outbound, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

// Run starts the hub's main event loop and returns when ctx is done.
// This should be called in a goroutine.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			logging.Debug().Str("organization_id", client.orgID).Int("total", total).Msg("WebSocket client connected")

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			logging.Debug().Str("organization_id", client.orgID).Int("total", total).Msg("WebSocket client disconnected")

		case msg := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				if msg.orgID != "" && client.orgID != msg.orgID {
					continue
				}
				select {
				case client.send <- msg.data:
				default:
					// Client send buffer full, close connection
					close(client.send)
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Broadcast sends a message to the clients of one organization. An empty
// orgID reaches every client.
func (h *Hub) Broadcast(orgID string, message []byte) {
	select {
	case h.broadcast <- outbound{orgID: orgID, data: message}:
	default:
		logging.Warn().Str("organization_id", orgID).Msg("Broadcast channel full, dropping message")
	}
}

// Register adds a client to the hub. Once the hub has stopped the client's
// send channel is closed straight away.
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.done:
		close(client.send)
	}
}

// Unregister removes a client from the hub. It is a no-op once the hub has
// stopped.
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Client represents a WebSocket client connection scoped to an organization.
type Client struct {
	hub   *Hub
	orgID string
	send  chan []byte
	// replies answer client commands; the hub never closes it.
	replies chan []byte
}

// NewClient creates a new WebSocket client.
func NewClient(hub *Hub, orgID string) *Client {
	return &Client{
		hub:     hub,
		orgID:   orgID,
		send:    make(chan []byte, 256),
		replies: make(chan []byte, 8),
	}
}

// Send returns the send channel for the client. It is closed when the hub
// drops the client.
func (c *Client) Send() chan []byte {
	return c.send
}

// Replies returns the channel of command responses.
func (c *Client) Replies() <-chan []byte {
	return c.replies
}

// Reply queues a command response. It reports false when the queue is full.
func (c *Client) Reply(data []byte) bool {
	select {
	case c.replies <- data:
		return true
	default:
		return false
	}
}

// OrganizationID returns the organization the client listens to.
func (c *Client) OrganizationID() string {
	return c.orgID
}

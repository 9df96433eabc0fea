package web

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/atomic"
)

// Event is one notification pushed to project subscribers.
type Event struct {
	Type      string      `json:"type"` // "sync_completed" or "conflicts_detected"
	ProjectID string      `json:"project_id"`
	Payload   interface{} `json:"payload,omitempty"`
	Time      int64       `json:"time"`
}

// Client represents a WebSocket subscriber for one project.
type Client struct {
	ID        string
	ProjectID string
	Conn      *websocket.Conn
	Send      chan []byte
	Hub       *Hub

	mu     sync.Mutex
	closed bool
}

// Hub fans project events out to WebSocket subscribers.
type Hub struct {
	clients    map[string]*Client
	register   chan *Client
	unregister chan *Client
	broadcast  chan Event
	mu         sync.RWMutex

	// dropped counts events discarded because the broadcast queue was
	// full. Broadcast runs on caller goroutines, hence atomic.
	dropped atomic.Int64
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[string]*Client),
		register:   make(chan *Client, 100),
		unregister: make(chan *Client, 100),
		broadcast:  make(chan Event, 1000),
	}
}

// Run starts the hub's event loop.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.registerClient(client)

		case client := <-h.unregister:
			h.unregisterClient(client)

		case event := <-h.broadcast:
			h.broadcastEvent(event)
		}
	}
}

func (h *Hub) registerClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.clients[client.ID] = client
	log.Printf("[Hub] Client connected: %s project=%s (total: %d)", client.ID, client.ProjectID, len(h.clients))

	go client.writePump()
}

func (h *Hub) unregisterClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client.ID]; ok {
		delete(h.clients, client.ID)
		close(client.Send)
		log.Printf("[Hub] Client disconnected: %s (total: %d)", client.ID, len(h.clients))
	}
}

// broadcastEvent sends an event to every subscriber of its project.
func (h *Hub) broadcastEvent(event Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if event.Time == 0 {
		event.Time = time.Now().Unix()
	}
	data, err := json.Marshal(event)
	if err != nil {
		log.Printf("[Hub] Failed to marshal event: %v", err)
		return
	}

	sentCount := 0
	for _, client := range h.clients {
		if client.ProjectID != event.ProjectID {
			continue
		}
		select {
		case client.Send <- data:
			sentCount++
		default:
			// Client send buffer full, skip
			log.Printf("[Hub] Client send buffer full: %s", client.ID)
		}
	}

	if sentCount > 0 {
		log.Printf("[Hub] Broadcast %s to %d clients", event.Type, sentCount)
	}
}

// Broadcast queues an event for delivery. Non-blocking; drops when the
// queue is full.
func (h *Hub) Broadcast(event Event) {
	select {
	case h.broadcast <- event:
	default:
		h.dropped.Inc()
		log.Printf("[Hub] Broadcast channel full, dropping %s", event.Type)
	}
}

// GetClientCount returns the number of connected clients.
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// DroppedEvents returns the number of events discarded since startup.
func (h *Hub) DroppedEvents() int64 {
	return h.dropped.Load()
}

// writePump pumps messages from the hub to the WebSocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.mu.Lock()
			if !ok {
				// Hub closed the channel
				c.closed = true
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				c.mu.Unlock()
				return
			}

			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Printf("[Client] Error writing to %s: %v", c.ID, err)
				c.closed = true
				c.mu.Unlock()
				return
			}
			c.mu.Unlock()

		case <-ticker.C:
			c.mu.Lock()
			if c.closed {
				c.mu.Unlock()
				return
			}

			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Printf("[Client] Error sending ping to %s: %v", c.ID, err)
				c.closed = true
				c.mu.Unlock()
				return
			}
			c.mu.Unlock()
		}
	}
}

// Close closes the client connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}

	c.closed = true
	c.Conn.Close()
}

// readPump drains the WebSocket connection until it closes. Subscribers
// never send application messages; reads only service pings and close
// frames.
func (c *Client) readPump() {
	defer func() {
		c.Hub.unregister <- c
		c.Close()
	}()

	c.Conn.SetReadLimit(512)
	c.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, _, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[Client] Unexpected close from %s: %v", c.ID, err)
			}
			break
		}
	}
}

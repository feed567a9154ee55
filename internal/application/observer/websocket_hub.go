package observer

import (
	"sync"

	"github.com/smilemakc/mbflow/internal/infrastructure/logger"
)

// hubBroadcast is a message queued for delivery, optionally scoped to a
// single execution. An empty executionID reaches every connected client.
type hubBroadcast struct {
	data        []byte
	executionID string
}

// WebSocketHub tracks connected WebSocket clients and fans out broadcast
// messages to them. All client-set mutation happens on the run goroutine;
// callers only ever touch the register/unregister/broadcast channels.
type WebSocketHub struct {
	clients    map[*WebSocketClient]bool
	broadcast  chan *hubBroadcast
	register   chan *WebSocketClient
	unregister chan *WebSocketClient
	logger     *logger.Logger
	mu         sync.RWMutex
}

// NewWebSocketHub creates a hub and starts its run loop.
func NewWebSocketHub(log *logger.Logger) *WebSocketHub {
	hub := &WebSocketHub{
		clients:    make(map[*WebSocketClient]bool),
		broadcast:  make(chan *hubBroadcast, 256),
		register:   make(chan *WebSocketClient),
		unregister: make(chan *WebSocketClient),
		logger:     log,
	}

	go hub.run()

	return hub
}

func (h *WebSocketHub) run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()

		case msg := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				if msg.executionID != "" && client.executionID != "" && client.executionID != msg.executionID {
					continue
				}
				select {
				case client.send <- msg.data:
				default:
					// client's send buffer is full and not draining, drop it
					// rather than block the hub on a stuck connection
					close(client.send)
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Register adds a client to the hub.
func (h *WebSocketHub) Register(client *WebSocketClient) {
	h.register <- client
}

// Unregister removes a client from the hub.
func (h *WebSocketHub) Unregister(client *WebSocketClient) {
	h.unregister <- client
}

// Broadcast sends a message to every connected client.
func (h *WebSocketHub) Broadcast(data []byte) {
	h.broadcast <- &hubBroadcast{data: data}
}

// BroadcastToExecution sends a message to clients subscribed to a specific
// execution, plus clients with no execution filter of their own.
func (h *WebSocketHub) BroadcastToExecution(executionID string, data []byte) {
	h.broadcast <- &hubBroadcast{data: data, executionID: executionID}
}

// ClientCount returns the number of currently connected clients.
func (h *WebSocketHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

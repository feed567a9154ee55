package observer

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/smilemakc/mbflow/internal/infrastructure/logger"
)

// upgrader configures the HTTP->WebSocket upgrade. Origin checking is
// delegated entirely to the surrounding HTTP middleware, not this package.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// WebSocketHandler upgrades HTTP connections to WebSocket and wires each one
// into the hub as a client. When a fabric is configured and the connection
// requests a room, the handler instead subscribes it to the EventFabric,
// which replays recent buffered events before switching to live delivery.
type WebSocketHandler struct {
	hub    *WebSocketHub
	fabric *EventFabric
	logger *logger.Logger
}

// NewWebSocketHandler creates a handler serving connections onto hub.
func NewWebSocketHandler(hub *WebSocketHub, log *logger.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		hub:    hub,
		logger: log,
	}
}

// NewWebSocketHandlerWithFabric creates a handler that additionally routes
// room-scoped connections ("?room=execution:<id>" or "?room=workflow:<id>",
// or the legacy "?execution_id=<id>") through an EventFabric subscription.
func NewWebSocketHandlerWithFabric(hub *WebSocketHub, fabric *EventFabric, log *logger.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		hub:    hub,
		fabric: fabric,
		logger: log,
	}
}

// ServeHTTP upgrades the connection. If a room was requested and a fabric is
// configured, the connection is served from the fabric (replay then live).
// Otherwise it falls back to the plain broadcast hub, scoped to the optional
// execution_id query parameter.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("WebSocket upgrade failed", "error", err)
		return
	}

	executionID := r.URL.Query().Get("execution_id")

	room := r.URL.Query().Get("room")
	if room == "" && executionID != "" {
		room = ExecutionRoom(executionID)
	}

	if h.fabric != nil && room != "" {
		h.serveFabricConnection(conn, room)
		return
	}

	clientID := uuid.New().String()
	client := NewWebSocketClient(clientID, conn, h.hub, executionID)

	h.hub.Register(client)

	welcome := map[string]any{
		"type":         "control",
		"message":      "Connected to MBFlow WebSocket",
		"client_id":    clientID,
		"execution_id": executionID,
		"timestamp":    time.Now().Format(time.RFC3339),
	}
	if err := conn.WriteJSON(welcome); err != nil {
		h.logger.Error("Failed to send WebSocket welcome message", "error", err, "client_id", clientID)
	}

	go client.writePump()
	client.readPump()
}

// serveFabricConnection subscribes conn to room on the fabric, replays any
// buffered history, then pumps live events until the connection closes.
func (h *WebSocketHandler) serveFabricConnection(conn *websocket.Conn, room string) {
	subID, ch, replay := h.fabric.Subscribe(room)
	defer func() {
		h.fabric.Unsubscribe(room, subID)
		_ = conn.Close()
	}()

	welcome := map[string]any{
		"type":      "control",
		"message":   "Connected to MBFlow WebSocket",
		"room":      room,
		"timestamp": time.Now().Format(time.RFC3339),
	}
	if err := conn.WriteJSON(welcome); err != nil {
		h.logger.Error("Failed to send WebSocket welcome message", "error", err, "room", room)
		return
	}

	for _, data := range replay {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case data, ok := <-ch:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

// HandleHealthCheck reports the hub's connection count as a plain JSON
// health endpoint, useful for load balancer probes.
func (h *WebSocketHandler) HandleHealthCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	status := map[string]any{
		"status":            "healthy",
		"connected_clients": h.hub.ClientCount(),
		"timestamp":         time.Now().Format(time.RFC3339),
	}

	_ = json.NewEncoder(w).Encode(status)
}

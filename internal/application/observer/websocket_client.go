package observer

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
)

// WebSocketClient represents a single connected WebSocket subscriber.
// executionID, if set, scopes the client to events for one execution;
// an empty executionID receives every broadcast event.
type WebSocketClient struct {
	ID            string
	conn          *websocket.Conn
	send          chan []byte
	hub           *WebSocketHub
	executionID   string
	subscriptions map[EventType]bool
}

// NewWebSocketClient creates a client bound to a hub and, optionally, a
// single execution.
func NewWebSocketClient(id string, conn *websocket.Conn, hub *WebSocketHub, executionID string) *WebSocketClient {
	return &WebSocketClient{
		ID:            id,
		conn:          conn,
		send:          make(chan []byte, 256),
		hub:           hub,
		executionID:   executionID,
		subscriptions: make(map[EventType]bool),
	}
}

// IsSubscribed reports whether the client wants events of the given type.
// A client with no explicit subscriptions receives every event type.
func (c *WebSocketClient) IsSubscribed(eventType EventType) bool {
	if len(c.subscriptions) == 0 {
		return true
	}
	return c.subscriptions[eventType]
}

// clientCommand is the inbound control message shape clients send to
// narrow down which event types they want to receive.
type clientCommand struct {
	Command    string   `json:"command"`
	EventTypes []string `json:"event_types"`
}

// handleMessage interprets a subscribe/unsubscribe command from the client.
// Malformed or unknown commands are ignored rather than disconnecting the
// client.
func (c *WebSocketClient) handleMessage(data []byte) {
	var cmd clientCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		return
	}

	switch cmd.Command {
	case "subscribe":
		for _, t := range cmd.EventTypes {
			c.subscriptions[EventType(t)] = true
		}
	case "unsubscribe":
		for _, t := range cmd.EventTypes {
			delete(c.subscriptions, EventType(t))
		}
	}
}

// readPump reads inbound commands from the client connection until it
// closes, then unregisters the client from the hub.
func (c *WebSocketClient) readPump() {
	defer func() {
		c.hub.Unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.handleMessage(message)
	}
}

// writePump drains the client's send buffer onto the connection and sends
// periodic pings to detect dead connections. It exits, closing the
// connection, once the hub closes the send channel on unregister.
func (c *WebSocketClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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

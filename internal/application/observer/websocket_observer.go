package observer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/smilemakc/mbflow/internal/infrastructure/logger"
)

// WebSocketMessage is the envelope sent to connected clients, either an
// execution event or a control message (welcome, errors).
type WebSocketMessage struct {
	Type      string                 `json:"type"`
	Event     *EventPayload          `json:"event,omitempty"`
	Control   map[string]interface{} `json:"control,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// EventPayload is the wire representation of an observer Event.
type EventPayload struct {
	EventType   string         `json:"event_type"`
	ExecutionID string         `json:"execution_id"`
	WorkflowID  string         `json:"workflow_id"`
	Timestamp   time.Time      `json:"timestamp"`
	NodeID      *string        `json:"node_id,omitempty"`
	NodeName    *string        `json:"node_name,omitempty"`
	NodeType    *string        `json:"node_type,omitempty"`
	WaveIndex   *int           `json:"wave_index,omitempty"`
	NodeCount   *int           `json:"node_count,omitempty"`
	Status      string         `json:"status"`
	Error       *string        `json:"error,omitempty"`
	Output      map[string]any `json:"output,omitempty"`
	DurationMs  *int64         `json:"duration_ms,omitempty"`
}

// WebSocketObserver forwards execution events onto a WebSocketHub so
// connected dashboard/CLI clients see them live.
type WebSocketObserver struct {
	name   string
	hub    *WebSocketHub
	filter EventFilter
	logger *logger.Logger
}

// WebSocketObserverOption configures a WebSocketObserver.
type WebSocketObserverOption func(*WebSocketObserver)

// WithWebSocketFilter sets the event filter.
func WithWebSocketFilter(filter EventFilter) WebSocketObserverOption {
	return func(o *WebSocketObserver) {
		o.filter = filter
	}
}

// WithWebSocketLogger sets the logger.
func WithWebSocketLogger(log *logger.Logger) WebSocketObserverOption {
	return func(o *WebSocketObserver) {
		o.logger = log
	}
}

// NewWebSocketObserver creates an observer that broadcasts onto hub.
func NewWebSocketObserver(hub *WebSocketHub, opts ...WebSocketObserverOption) *WebSocketObserver {
	obs := &WebSocketObserver{
		name: "websocket",
		hub:  hub,
	}

	for _, opt := range opts {
		opt(obs)
	}

	return obs
}

// Name returns the observer's name.
func (o *WebSocketObserver) Name() string {
	return o.name
}

// Filter returns the event filter.
func (o *WebSocketObserver) Filter() EventFilter {
	return o.filter
}

// GetHub returns the hub this observer broadcasts onto.
func (o *WebSocketObserver) GetHub() *WebSocketHub {
	return o.hub
}

// OnEvent converts the event to a WebSocketMessage and broadcasts it,
// scoped to clients watching this execution.
func (o *WebSocketObserver) OnEvent(ctx context.Context, event Event) error {
	msg := eventToMessage(event)

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal websocket message: %w", err)
	}

	o.hub.BroadcastToExecution(event.ExecutionID, data)
	return nil
}

// eventToPayload converts an observer Event into its wire representation.
// Shared with EventFabric so both transports serialize events identically.
func eventToPayload(event Event) *EventPayload {
	payload := &EventPayload{
		EventType:   string(event.Type),
		ExecutionID: event.ExecutionID,
		WorkflowID:  event.WorkflowID,
		Timestamp:   event.Timestamp,
		NodeID:      event.NodeID,
		NodeName:    event.NodeName,
		NodeType:    event.NodeType,
		WaveIndex:   event.WaveIndex,
		NodeCount:   event.NodeCount,
		Status:      event.Status,
		Output:      event.Output,
		DurationMs:  event.DurationMs,
	}

	if event.Error != nil {
		errStr := event.Error.Error()
		payload.Error = &errStr
	}

	return payload
}

// eventToMessage wraps an event's wire payload in the envelope sent to
// WebSocket clients.
func eventToMessage(event Event) *WebSocketMessage {
	return &WebSocketMessage{
		Type:      "event",
		Event:     eventToPayload(event),
		Timestamp: time.Now(),
	}
}

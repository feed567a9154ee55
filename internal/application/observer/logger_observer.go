package observer

import (
	"context"

	"github.com/smilemakc/mbflow/internal/config"
	"github.com/smilemakc/mbflow/internal/infrastructure/logger"
)

// LoggerObserver writes a structured log line for every execution event,
// the lowest-overhead way to see what a running workflow is doing.
type LoggerObserver struct {
	logger *logger.Logger
	filter EventFilter
}

// LoggerObserverOption configures a LoggerObserver.
type LoggerObserverOption func(*LoggerObserver)

// WithLoggerInstance sets the logger to write events through.
func WithLoggerInstance(log *logger.Logger) LoggerObserverOption {
	return func(o *LoggerObserver) {
		o.logger = log
	}
}

// WithLoggerFilter sets the event filter.
func WithLoggerFilter(filter EventFilter) LoggerObserverOption {
	return func(o *LoggerObserver) {
		o.filter = filter
	}
}

// NewLoggerObserver creates an observer logging every event it receives.
func NewLoggerObserver(opts ...LoggerObserverOption) *LoggerObserver {
	obs := &LoggerObserver{
		logger: logger.New(config.LoggingConfig{Level: "info", Format: "json"}),
	}

	for _, opt := range opts {
		opt(obs)
	}

	return obs
}

// Name returns the observer's name.
func (o *LoggerObserver) Name() string {
	return "logger"
}

// Filter returns the event filter.
func (o *LoggerObserver) Filter() EventFilter {
	return o.filter
}

// OnEvent logs the event at a level matched to its severity.
func (o *LoggerObserver) OnEvent(ctx context.Context, event Event) error {
	args := []interface{}{
		"event_type", string(event.Type),
		"execution_id", event.ExecutionID,
		"workflow_id", event.WorkflowID,
		"status", event.Status,
	}

	if event.NodeID != nil {
		args = append(args, "node_id", *event.NodeID)
	}
	if event.DurationMs != nil {
		args = append(args, "duration_ms", *event.DurationMs)
	}

	if event.Error != nil {
		args = append(args, "error", event.Error.Error())
		o.logger.ErrorContext(ctx, "Workflow event", args...)
		return nil
	}

	o.logger.InfoContext(ctx, "Workflow event", args...)
	return nil
}

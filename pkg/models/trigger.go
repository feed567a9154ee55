package models

import (
	"fmt"
	"strconv"
	"time"
)

// TriggerType identifies how a workflow execution is initiated.
type TriggerType string

const (
	TriggerTypeManual   TriggerType = "manual"
	TriggerTypeCron     TriggerType = "cron"
	TriggerTypeWebhook  TriggerType = "webhook"
	TriggerTypeEvent    TriggerType = "event"
	TriggerTypeInterval TriggerType = "interval"
)

// Trigger binds a workflow to a condition that starts its execution.
type Trigger struct {
	ID          string                 `json:"id"`
	WorkflowID  string                 `json:"workflow_id"`
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Type        TriggerType            `json:"type"`
	Config      map[string]interface{} `json:"config"`
	Enabled     bool                   `json:"enabled"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
	LastRun     *time.Time             `json:"last_run,omitempty"`
	NextRun     *time.Time             `json:"next_run,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// CronConfig is the decoded form of Trigger.Config for TriggerTypeCron.
type CronConfig struct {
	Schedule string `json:"schedule"`
	Timezone string `json:"timezone,omitempty"`
}

// WebhookConfig is the decoded form of Trigger.Config for TriggerTypeWebhook.
type WebhookConfig struct {
	Secret      string            `json:"secret,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	ContentType string            `json:"content_type,omitempty"`
	IPWhitelist []string          `json:"ip_whitelist,omitempty"`
}

// EventConfig is the decoded form of Trigger.Config for TriggerTypeEvent.
type EventConfig struct {
	EventType string                 `json:"event_type"`
	Source    string                 `json:"source,omitempty"`
	Filter    map[string]interface{} `json:"filter,omitempty"`
}

// IntervalConfig is the decoded form of Trigger.Config for TriggerTypeInterval.
type IntervalConfig struct {
	Interval string `json:"interval"`
}

// Validate checks that the trigger is well-formed for its declared type.
func (t *Trigger) Validate() error {
	if t.WorkflowID == "" {
		return &ValidationError{Field: "workflow_id", Message: "workflow ID is required"}
	}
	if t.Name == "" {
		return &ValidationError{Field: "name", Message: "trigger name is required"}
	}
	if t.Type == "" {
		return &ValidationError{Field: "type", Message: "trigger type is required"}
	}

	switch t.Type {
	case TriggerTypeManual:
		return nil
	case TriggerTypeCron:
		return t.validateCronConfig()
	case TriggerTypeWebhook:
		return nil
	case TriggerTypeEvent:
		return t.validateEventConfig()
	case TriggerTypeInterval:
		return t.validateIntervalConfig()
	default:
		return &ValidationError{Field: "type", Message: fmt.Sprintf("invalid trigger type: %s", t.Type)}
	}
}

func (t *Trigger) validateCronConfig() error {
	schedule, ok := t.Config["schedule"].(string)
	if !ok || schedule == "" {
		return &ValidationError{Field: "config.schedule", Message: "cron schedule is required"}
	}
	return nil
}

func (t *Trigger) validateEventConfig() error {
	eventType, ok := t.Config["event_type"].(string)
	if !ok || eventType == "" {
		return &ValidationError{Field: "config.event_type", Message: "event type is required"}
	}
	return nil
}

func (t *Trigger) validateIntervalConfig() error {
	raw, ok := t.Config["interval"]
	if !ok {
		return &ValidationError{Field: "config.interval", Message: "interval is required"}
	}

	switch v := raw.(type) {
	case float64:
		if v <= 0 {
			return &ValidationError{Field: "config.interval", Message: "interval must be positive"}
		}
	case int:
		if v <= 0 {
			return &ValidationError{Field: "config.interval", Message: "interval must be positive"}
		}
	case string:
		d, err := time.ParseDuration(v)
		if err != nil {
			return &ValidationError{Field: "config.interval", Message: "invalid duration format: " + err.Error()}
		}
		if d <= 0 {
			return &ValidationError{Field: "config.interval", Message: "interval must be positive"}
		}
	default:
		return &ValidationError{Field: "config.interval", Message: "interval must be a number or duration string"}
	}

	return nil
}

// IntervalDuration resolves the configured interval to a time.Duration,
// accepting either a bare number of seconds or a Go duration string.
func (t *Trigger) IntervalDuration() (time.Duration, error) {
	raw, ok := t.Config["interval"]
	if !ok {
		return 0, &ValidationError{Field: "config.interval", Message: "interval is required"}
	}

	switch v := raw.(type) {
	case float64:
		return time.Duration(v) * time.Second, nil
	case int:
		return time.Duration(v) * time.Second, nil
	case string:
		if seconds, err := strconv.ParseFloat(v, 64); err == nil {
			return time.Duration(seconds) * time.Second, nil
		}
		return time.ParseDuration(v)
	default:
		return 0, &ValidationError{Field: "config.interval", Message: "interval must be a number or duration string"}
	}
}

package trigger

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/smilemakc/mbflow/internal/application/engine"
	"github.com/smilemakc/mbflow/internal/domain/repository"
	"github.com/smilemakc/mbflow/internal/infrastructure/cache"
	storagemodels "github.com/smilemakc/mbflow/internal/infrastructure/storage/models"
	"github.com/smilemakc/mbflow/pkg/models"
)

const (
	webhookSignatureHeader = "X-Webhook-Signature"
	webhookRateLimitWindow = time.Minute
	webhookRateLimitMax    = 120
)

// WebhookRegistry holds the set of enabled webhook triggers and routes
// incoming webhook deliveries to the workflows they're bound to.
type WebhookRegistry struct {
	triggerRepo  repository.TriggerRepository
	executionMgr *engine.ExecutionManager
	cache        *cache.RedisCache
	coordinator  *Coordinator

	webhooks map[string]*models.Trigger
	mu       sync.RWMutex
}

// WebhookRegistryConfig holds configuration for the webhook registry.
type WebhookRegistryConfig struct {
	TriggerRepo  repository.TriggerRepository
	ExecutionMgr *engine.ExecutionManager
	Cache        *cache.RedisCache
	// Coordinator, when set, routes executions through the admission-control
	// layer (and makes ExecuteWebhookAndWait available) instead of calling
	// ExecutionMgr directly.
	Coordinator *Coordinator
}

// NewWebhookRegistry creates a new webhook registry.
func NewWebhookRegistry(cfg WebhookRegistryConfig) *WebhookRegistry {
	return &WebhookRegistry{
		triggerRepo:  cfg.TriggerRepo,
		executionMgr: cfg.ExecutionMgr,
		cache:        cfg.Cache,
		coordinator:  cfg.Coordinator,
		webhooks:     make(map[string]*models.Trigger),
	}
}

// RegisterAll registers every enabled webhook trigger from a bulk trigger load.
// Non-webhook triggers are silently skipped.
func (wr *WebhookRegistry) RegisterAll(ctx context.Context, triggers []*storagemodels.TriggerModel) error {
	for _, tm := range triggers {
		if tm.Type != string(models.TriggerTypeWebhook) {
			continue
		}
		trigger := wr.modelToDomain(tm)
		if err := wr.RegisterWebhook(ctx, trigger); err != nil {
			return fmt.Errorf("failed to register webhook %s: %w", trigger.ID, err)
		}
	}
	return nil
}

// RegisterWebhook registers a single webhook trigger. Re-registering an
// existing trigger ID replaces its entry. Non-webhook triggers are ignored.
func (wr *WebhookRegistry) RegisterWebhook(ctx context.Context, trigger *models.Trigger) error {
	if trigger.Type != models.TriggerTypeWebhook {
		return nil
	}

	wr.mu.Lock()
	wr.webhooks[trigger.ID] = trigger
	wr.mu.Unlock()

	return nil
}

// UnregisterWebhook removes a webhook trigger. Unregistering an unknown ID is a no-op.
func (wr *WebhookRegistry) UnregisterWebhook(ctx context.Context, triggerID string) error {
	wr.mu.Lock()
	delete(wr.webhooks, triggerID)
	wr.mu.Unlock()
	return nil
}

// GetWebhook returns the registered trigger for a given ID.
func (wr *WebhookRegistry) GetWebhook(triggerID string) (*models.Trigger, bool) {
	wr.mu.RLock()
	defer wr.mu.RUnlock()
	trigger, ok := wr.webhooks[triggerID]
	return trigger, ok
}

// ExecuteWebhook validates and runs an incoming webhook delivery against its
// bound trigger: signature, IP whitelist, and a per-trigger rate limit, then
// starts the workflow execution and records the trigger as fired.
func (wr *WebhookRegistry) ExecuteWebhook(
	ctx context.Context,
	triggerID string,
	payload map[string]interface{},
	headers map[string]string,
	sourceIP string,
) (string, error) {
	trigger, ok := wr.GetWebhook(triggerID)
	if !ok {
		return "", models.ErrTriggerNotFound
	}
	if !trigger.Enabled {
		return "", models.ErrTriggerDisabled
	}

	if err := wr.validateSignature(trigger, payload, headers); err != nil {
		return "", fmt.Errorf("signature validation failed: %w", err)
	}
	if err := wr.checkIPWhitelist(trigger, sourceIP); err != nil {
		return "", fmt.Errorf("IP not whitelisted: %w", err)
	}
	if err := wr.checkRateLimit(ctx, trigger.ID); err != nil {
		return "", err
	}

	executionID, err := wr.startExecution(ctx, trigger, payload)
	if err != nil {
		return "", err
	}

	state, err := LoadTriggerState(ctx, wr.cache, trigger.ID)
	if err != nil {
		state = NewTriggerState(trigger.ID)
	}
	state.MarkExecuted()
	if err := state.Save(ctx, wr.cache); err != nil {
		fmt.Printf("failed to save trigger state: %v\n", err)
	}

	if triggerUUID, err := uuid.Parse(trigger.ID); err == nil && wr.triggerRepo != nil {
		if err := wr.triggerRepo.MarkTriggered(ctx, triggerUUID); err != nil {
			fmt.Printf("failed to mark trigger as triggered: %v\n", err)
		}
	}

	return executionID, nil
}

// ExecuteWebhookAndWait behaves like ExecuteWebhook but blocks until the
// triggered execution reaches a terminal state (or timeout elapses),
// returning its result inline. Requires a Coordinator; falls back to a
// rejection error when none is configured since fire-and-forget
// ExecutionManager offers no result-waiting primitive.
func (wr *WebhookRegistry) ExecuteWebhookAndWait(
	ctx context.Context,
	triggerID string,
	payload map[string]interface{},
	headers map[string]string,
	sourceIP string,
	timeout time.Duration,
) (*ExecuteAndWaitResponse, error) {
	if wr.coordinator == nil {
		return nil, fmt.Errorf("synchronous webhook execution requires a trigger coordinator")
	}

	trigger, ok := wr.GetWebhook(triggerID)
	if !ok {
		return nil, models.ErrTriggerNotFound
	}
	if !trigger.Enabled {
		return nil, models.ErrTriggerDisabled
	}

	if err := wr.validateSignature(trigger, payload, headers); err != nil {
		return nil, fmt.Errorf("signature validation failed: %w", err)
	}
	if err := wr.checkIPWhitelist(trigger, sourceIP); err != nil {
		return nil, fmt.Errorf("IP not whitelisted: %w", err)
	}
	if err := wr.checkRateLimit(ctx, trigger.ID); err != nil {
		return nil, err
	}

	resp, err := wr.coordinator.ExecuteAndWait(ctx, ExecuteRequest{
		TriggerID:   trigger.ID,
		TriggerType: trigger.Type,
		WorkflowID:  trigger.WorkflowID,
		TriggerData: payload,
	}, timeout)
	if err != nil {
		return nil, err
	}

	state, err := LoadTriggerState(ctx, wr.cache, trigger.ID)
	if err != nil {
		state = NewTriggerState(trigger.ID)
	}
	state.MarkExecuted()
	if err := state.Save(ctx, wr.cache); err != nil {
		fmt.Printf("failed to save trigger state: %v\n", err)
	}

	if triggerUUID, err := uuid.Parse(trigger.ID); err == nil && wr.triggerRepo != nil {
		if err := wr.triggerRepo.MarkTriggered(ctx, triggerUUID); err != nil {
			fmt.Printf("failed to mark trigger as triggered: %v\n", err)
		}
	}

	return resp, nil
}

// startExecution runs the workflow through the admission-control coordinator
// when one is configured, else directly through the execution manager.
func (wr *WebhookRegistry) startExecution(ctx context.Context, trigger *models.Trigger, payload map[string]interface{}) (string, error) {
	if wr.coordinator != nil {
		resp, err := wr.coordinator.Execute(ctx, ExecuteRequest{
			TriggerID:   trigger.ID,
			TriggerType: trigger.Type,
			WorkflowID:  trigger.WorkflowID,
			TriggerData: payload,
		})
		if err != nil {
			return "", fmt.Errorf("failed to execute workflow: %w", err)
		}
		if !resp.Success {
			return "", fmt.Errorf("execution not admitted: %s", resp.Reason)
		}
		return resp.ExecutionID, nil
	}

	execution, err := wr.executionMgr.ExecuteAsync(ctx, trigger.WorkflowID, payload, nil)
	if err != nil {
		return "", fmt.Errorf("failed to execute workflow: %w", err)
	}
	return execution.ID, nil
}

// checkRateLimit enforces a fixed-window per-trigger request cap using Redis.
func (wr *WebhookRegistry) checkRateLimit(ctx context.Context, triggerID string) error {
	if wr.cache == nil {
		return nil
	}

	key := fmt.Sprintf("webhook:%s:ratelimit", triggerID)
	count, err := wr.cache.Increment(ctx, key)
	if err != nil {
		return fmt.Errorf("rate limit check failed: %w", err)
	}
	if count == 1 {
		_ = wr.cache.Expire(ctx, key, webhookRateLimitWindow)
	}
	if count > webhookRateLimitMax {
		return fmt.Errorf("rate limit exceeded for trigger %s", triggerID)
	}
	return nil
}

// computeSignature computes the HMAC-SHA256 signature of a payload, using
// keys sorted so the signature is stable regardless of map iteration order.
func (wr *WebhookRegistry) computeSignature(secret string, payload map[string]interface{}) string {
	canonical := canonicalizeForSignature(payload)
	data, _ := json.Marshal(canonical)

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}

// canonicalizeForSignature converts a payload into a structure with
// deterministic key ordering so json.Marshal output is stable. encoding/json
// already sorts map[string]interface{} keys, so recursing keeps nested maps
// in the same canonical form.
func canonicalizeForSignature(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make(map[string]interface{}, len(val))
		for _, k := range keys {
			out[k] = canonicalizeForSignature(val[k])
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = canonicalizeForSignature(item)
		}
		return out
	default:
		return val
	}
}

// validateSignature checks the payload signature against the trigger's
// configured secret. A trigger with no secret configured skips validation.
func (wr *WebhookRegistry) validateSignature(trigger *models.Trigger, payload map[string]interface{}, headers map[string]string) error {
	secret, _ := trigger.Config["secret"].(string)
	if secret == "" {
		return nil
	}

	provided := headers[webhookSignatureHeader]
	if provided == "" {
		return fmt.Errorf("missing %s header", webhookSignatureHeader)
	}

	expected := wr.computeSignature(secret, payload)
	if !hmac.Equal([]byte(expected), []byte(provided)) {
		return fmt.Errorf("signature mismatch")
	}

	return nil
}

// checkIPWhitelist verifies sourceIP is permitted for triggers that
// configure an ip_whitelist. Entries may be bare IPs or CIDR ranges, IPv4 or
// IPv6. A trigger with no whitelist configured allows every source.
func (wr *WebhookRegistry) checkIPWhitelist(trigger *models.Trigger, sourceIP string) error {
	raw, ok := trigger.Config["ip_whitelist"].([]interface{})
	if !ok || len(raw) == 0 {
		return nil
	}

	source := net.ParseIP(sourceIP)
	if source == nil {
		return fmt.Errorf("invalid source IP: %s", sourceIP)
	}

	for _, entry := range raw {
		pattern, ok := entry.(string)
		if !ok {
			continue
		}

		if _, ipNet, err := net.ParseCIDR(pattern); err == nil {
			if ipNet.Contains(source) {
				return nil
			}
			continue
		}

		if allowed := net.ParseIP(pattern); allowed != nil && allowed.Equal(source) {
			return nil
		}
	}

	return fmt.Errorf("source IP %s not in whitelist", sourceIP)
}

// modelToDomain converts a storage trigger model to the domain representation.
func (wr *WebhookRegistry) modelToDomain(tm *storagemodels.TriggerModel) *models.Trigger {
	trigger := &models.Trigger{
		ID:         tm.ID.String(),
		WorkflowID: tm.WorkflowID.String(),
		Type:       models.TriggerType(tm.Type),
		Config:     make(map[string]interface{}),
		Enabled:    tm.Enabled,
		CreatedAt:  tm.CreatedAt,
		UpdatedAt:  tm.UpdatedAt,
	}

	if tm.Config != nil {
		trigger.Config = map[string]interface{}(tm.Config)
	}

	if tm.LastTriggeredAt != nil {
		trigger.LastRun = tm.LastTriggeredAt
	}

	return trigger
}

package trigger

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/smilemakc/mbflow/internal/application/engine"
	"github.com/smilemakc/mbflow/internal/application/observer"
	"github.com/smilemakc/mbflow/internal/domain/repository"
	"github.com/smilemakc/mbflow/internal/infrastructure/cache"
	"github.com/smilemakc/mbflow/internal/infrastructure/logger"
	storagemodels "github.com/smilemakc/mbflow/internal/infrastructure/storage/models"
	"github.com/smilemakc/mbflow/pkg/models"
)

// Manager is the single entry point for all trigger mechanisms: it owns a
// CronScheduler for cron/interval triggers, an EventListener for event
// triggers, and a WebhookRegistry for webhook triggers, and keeps them all in
// sync with the set of enabled triggers in storage. When an ObserverManager
// is supplied it also owns a Coordinator, the admission-control layer every
// sub-component routes executions through instead of calling ExecutionMgr
// directly.
type Manager struct {
	triggerRepo  repository.TriggerRepository
	workflowRepo repository.WorkflowRepository
	executionMgr *engine.ExecutionManager
	cache        *cache.RedisCache

	coordinator     *Coordinator
	cronScheduler   *CronScheduler
	eventListener   *EventListener
	webhookRegistry *WebhookRegistry
}

// ManagerConfig holds configuration for the trigger manager.
type ManagerConfig struct {
	TriggerRepo  repository.TriggerRepository
	WorkflowRepo repository.WorkflowRepository
	ExecutionMgr *engine.ExecutionManager
	Cache        *cache.RedisCache
	// ObserverManager, when set, is used both to construct a Coordinator
	// (registered as an Observer so it learns of execution completion) and
	// to back the Coordinator's durable result cache off Cache.
	ObserverManager *observer.ObserverManager
	Logger          *logger.Logger
}

// NewManager creates a new trigger manager, constructing and wiring the
// cron, event, and webhook sub-components it owns.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.TriggerRepo == nil {
		return nil, fmt.Errorf("trigger repository is required")
	}
	if cfg.WorkflowRepo == nil {
		return nil, fmt.Errorf("workflow repository is required")
	}
	if cfg.ExecutionMgr == nil {
		return nil, fmt.Errorf("execution manager is required")
	}

	coordinator, err := newCoordinatorIfConfigured(cfg)
	if err != nil {
		return nil, err
	}

	cronScheduler, err := NewCronScheduler(CronSchedulerConfig{
		TriggerRepo:  cfg.TriggerRepo,
		WorkflowRepo: cfg.WorkflowRepo,
		ExecutionMgr: cfg.ExecutionMgr,
		Cache:        cfg.Cache,
		Coordinator:  coordinator,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create cron scheduler: %w", err)
	}

	eventListener, err := NewEventListener(EventListenerConfig{
		TriggerRepo:  cfg.TriggerRepo,
		WorkflowRepo: cfg.WorkflowRepo,
		ExecutionMgr: cfg.ExecutionMgr,
		Cache:        cfg.Cache,
		Coordinator:  coordinator,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create event listener: %w", err)
	}

	webhookRegistry := NewWebhookRegistry(WebhookRegistryConfig{
		TriggerRepo:  cfg.TriggerRepo,
		ExecutionMgr: cfg.ExecutionMgr,
		Cache:        cfg.Cache,
		Coordinator:  coordinator,
	})

	return &Manager{
		triggerRepo:     cfg.TriggerRepo,
		workflowRepo:    cfg.WorkflowRepo,
		executionMgr:    cfg.ExecutionMgr,
		cache:           cfg.Cache,
		coordinator:     coordinator,
		cronScheduler:   cronScheduler,
		eventListener:   eventListener,
		webhookRegistry: webhookRegistry,
	}, nil
}

// newCoordinatorIfConfigured builds a Coordinator when the manager config
// supplies an ObserverManager, otherwise returns nil so every sub-component
// falls back to calling ExecutionMgr directly.
func newCoordinatorIfConfigured(cfg ManagerConfig) (*Coordinator, error) {
	if cfg.ObserverManager == nil {
		return nil, nil
	}
	coordinator, err := NewCoordinator(CoordinatorConfig{
		ExecutionMgr:    cfg.ExecutionMgr,
		WorkflowRepo:    cfg.WorkflowRepo,
		ResultCache:     cfg.Cache,
		ObserverManager: cfg.ObserverManager,
		Logger:          cfg.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create trigger coordinator: %w", err)
	}
	return coordinator, nil
}

// Start loads every enabled trigger from storage and dispatches it to the
// sub-component responsible for its type, then starts the cron scheduler and
// event listener's background loops.
func (m *Manager) Start() error {
	ctx := context.Background()

	triggers, err := m.triggerRepo.FindEnabled(ctx)
	if err != nil {
		return fmt.Errorf("failed to load enabled triggers: %w", err)
	}

	if err := m.cronScheduler.Start(ctx, triggers); err != nil {
		return fmt.Errorf("failed to start cron scheduler: %w", err)
	}

	if err := m.eventListener.Start(ctx, triggers); err != nil {
		return fmt.Errorf("failed to start event listener: %w", err)
	}

	if err := m.webhookRegistry.RegisterAll(ctx, triggers); err != nil {
		return fmt.Errorf("failed to register webhooks: %w", err)
	}

	return nil
}

// Stop shuts down the cron scheduler and event listener's background loops.
// The webhook registry has no background loop and needs no teardown.
func (m *Manager) Stop() error {
	if err := m.cronScheduler.Stop(); err != nil {
		return fmt.Errorf("failed to stop cron scheduler: %w", err)
	}

	if err := m.eventListener.Stop(); err != nil {
		return fmt.Errorf("failed to stop event listener: %w", err)
	}

	if m.coordinator != nil {
		m.coordinator.Stop()
	}

	return nil
}

// WebhookRegistry exposes the manager's webhook registry so HTTP handlers can
// route incoming deliveries to it.
func (m *Manager) WebhookRegistry() *WebhookRegistry {
	return m.webhookRegistry
}

// Coordinator exposes the manager's admission-control coordinator, if one
// was configured. Callers that want direct trigger invocation (e.g. a manual
// "run now" API) should go through it rather than ExecutionMgr so they too
// participate in admission control.
func (m *Manager) Coordinator() *Coordinator {
	return m.coordinator
}

// CreateTrigger validates and persists a new trigger, then registers it with
// whichever sub-component handles its type.
func (m *Manager) CreateTrigger(ctx context.Context, t *models.Trigger) error {
	if err := t.Validate(); err != nil {
		return err
	}

	model := domainToModel(t)
	if err := m.triggerRepo.Create(ctx, model); err != nil {
		return fmt.Errorf("failed to create trigger: %w", err)
	}
	t.ID = model.ID.String()

	return m.registerTrigger(ctx, t)
}

// DeleteTrigger unregisters a trigger from its sub-component and removes it
// from storage.
func (m *Manager) DeleteTrigger(ctx context.Context, triggerID string) error {
	_ = m.cronScheduler.RemoveTrigger(ctx, triggerID)
	_ = m.eventListener.RemoveTrigger(ctx, triggerID)
	_ = m.webhookRegistry.UnregisterWebhook(ctx, triggerID)

	id, err := parseTriggerUUID(triggerID)
	if err != nil {
		return err
	}
	return m.triggerRepo.Delete(ctx, id)
}

// registerTrigger dispatches a single trigger to the sub-component that owns
// its type. Manual triggers have no sub-component to register with.
func (m *Manager) registerTrigger(ctx context.Context, t *models.Trigger) error {
	switch t.Type {
	case models.TriggerTypeCron, models.TriggerTypeInterval:
		return m.cronScheduler.AddTrigger(ctx, t)
	case models.TriggerTypeEvent:
		return m.eventListener.AddTrigger(ctx, t)
	case models.TriggerTypeWebhook:
		return m.webhookRegistry.RegisterWebhook(ctx, t)
	case models.TriggerTypeManual:
		return nil
	default:
		return fmt.Errorf("unsupported trigger type: %s", t.Type)
	}
}

// domainToModel converts a domain trigger into its storage representation
// for persistence. An empty/invalid ID is left as uuid.Nil so the database
// default generates one on insert.
func domainToModel(t *models.Trigger) *storagemodels.TriggerModel {
	model := &storagemodels.TriggerModel{
		Type:    string(t.Type),
		Config:  storagemodels.JSONBMap(t.Config),
		Enabled: t.Enabled,
	}

	if id, err := uuid.Parse(t.ID); err == nil {
		model.ID = id
	}
	if workflowID, err := uuid.Parse(t.WorkflowID); err == nil {
		model.WorkflowID = workflowID
	}

	return model
}

// parseTriggerUUID parses a trigger ID, wrapping the error for callers.
func parseTriggerUUID(triggerID string) (uuid.UUID, error) {
	id, err := uuid.Parse(triggerID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid trigger ID: %w", err)
	}
	return id, nil
}

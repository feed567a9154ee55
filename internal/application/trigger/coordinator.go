package trigger

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/smilemakc/mbflow/internal/application/engine"
	"github.com/smilemakc/mbflow/internal/application/observer"
	"github.com/smilemakc/mbflow/internal/domain/repository"
	"github.com/smilemakc/mbflow/internal/infrastructure/cache"
	"github.com/smilemakc/mbflow/internal/infrastructure/logger"
	pkgengine "github.com/smilemakc/mbflow/pkg/engine"
	"github.com/smilemakc/mbflow/pkg/models"
)

// ConflictStrategy selects what happens to a trigger invocation that fails
// admission.
type ConflictStrategy string

const (
	ConflictQueue    ConflictStrategy = "queue"
	ConflictReject   ConflictStrategy = "reject"
	ConflictMerge    ConflictStrategy = "merge"
	ConflictPriority ConflictStrategy = "priority"
)

const (
	resultCacheKeyPrefix = "trigger:result:"
	aliasCacheKeyPrefix  = "trigger:alias:"
	resultCacheTTL       = time.Hour

	defaultMaxConcurrentTriggers    = 50
	defaultMaxConcurrentPerWorkflow = 10
	defaultMaxConcurrentPerUser     = 20
	defaultMaxQueueSize             = 100
	defaultQueueTimeout             = 300 * time.Second
	defaultMaxCompletedAge          = time.Hour
	defaultExecuteAndWaitTimeout    = 30 * time.Second
	sweepInterval                   = 30 * time.Second
)

// TriggerContext is the admission record tracked for one trigger invocation,
// from admission through completion.
type TriggerContext struct {
	ExecutionID       string
	TriggerID         string
	TriggerType       models.TriggerType
	WorkflowID        string
	UserID            string
	TriggerNodeID     string
	AffectedNodes     []string
	IsolatedExecution bool
	Priority          int
	TriggerData       map[string]interface{}
	EnqueuedAt        time.Time
	StartedAt         *time.Time
}

// CompletionInfo is the retained record of a finished trigger invocation,
// kept only long enough for cleanup bookkeeping.
type CompletionInfo struct {
	ExecutionID string
	WorkflowID  string
	UserID      string
	CompletedAt time.Time
}

// ExecuteRequest describes one trigger invocation submitted for admission.
type ExecuteRequest struct {
	TriggerID         string
	TriggerType       models.TriggerType
	WorkflowID        string
	UserID            string
	TriggerNodeID     string
	TriggerData       map[string]interface{}
	Priority          int // lower value = higher priority
	IsolatedExecution bool
	ConflictStrategy  ConflictStrategy
}

// ExecuteResponse is the immediate outcome of Execute.
type ExecuteResponse struct {
	Success     bool
	ExecutionID string
	Status      string // started | queued | rejected
	Reason      string
}

// ExecuteAndWaitResponse is the outcome of ExecuteAndWait, including the
// cached execution result once available.
type ExecuteAndWaitResponse struct {
	Success     bool
	ExecutionID string
	Result      map[string]interface{}
	Reason      string
}

// Stats reports admission-layer counters for operational visibility.
type Stats struct {
	ActiveCount    int
	QueuedCount    int
	CompletedCount int
	ByType         map[string]int
	ByWorkflow     map[string]int
}

// CoordinatorConfig configures a Coordinator.
type CoordinatorConfig struct {
	ExecutionMgr    *engine.ExecutionManager
	WorkflowRepo    repository.WorkflowRepository
	ResultCache     *cache.RedisCache
	ObserverManager *observer.ObserverManager
	Logger          *logger.Logger

	MaxConcurrentTriggers    int
	MaxConcurrentPerWorkflow int
	MaxConcurrentPerUser     int
	MaxQueueSize             int
	QueueTimeout             time.Duration
	MaxCompletedAge          time.Duration
}

// Coordinator is the admission-and-isolation layer in front of the execution
// engine: a single monitor serializing admission decisions (global/per
// workflow/per user concurrency plus isolated-resource locks), a
// priority-ordered queue for invocations that don't fit immediately, and a
// durable result cache bridging asynchronous execution back to synchronous
// callers (executeAndWait).
//
// Coordinator learns of execution completion the same way every other
// observer does — by registering itself on the ObserverManager — rather
// than reaching into the engine directly, keeping the dependency one-way.
type Coordinator struct {
	mu sync.Mutex

	active    map[string]*TriggerContext
	queued    []*TriggerContext
	completed map[string]*CompletionInfo
	locks     map[string][]string // executionID -> affectedNodes held while active

	executionMgr *engine.ExecutionManager
	workflowRepo repository.WorkflowRepository
	resultCache  *cache.RedisCache
	obsManager   *observer.ObserverManager
	logger       *logger.Logger

	maxConcurrentTriggers    int
	maxConcurrentPerWorkflow int
	maxConcurrentPerUser     int
	maxQueueSize             int
	queueTimeout             time.Duration
	maxCompletedAge          time.Duration

	stopCh chan struct{}
}

// NewCoordinator creates a Coordinator and starts its cleanup sweep.
func NewCoordinator(cfg CoordinatorConfig) (*Coordinator, error) {
	if cfg.ExecutionMgr == nil {
		return nil, fmt.Errorf("execution manager is required")
	}
	if cfg.WorkflowRepo == nil {
		return nil, fmt.Errorf("workflow repository is required")
	}

	c := &Coordinator{
		active:       make(map[string]*TriggerContext),
		completed:    make(map[string]*CompletionInfo),
		locks:        make(map[string][]string),
		executionMgr: cfg.ExecutionMgr,
		workflowRepo: cfg.WorkflowRepo,
		resultCache:  cfg.ResultCache,
		obsManager:   cfg.ObserverManager,
		logger:       cfg.Logger,

		maxConcurrentTriggers:    orDefaultInt(cfg.MaxConcurrentTriggers, defaultMaxConcurrentTriggers),
		maxConcurrentPerWorkflow: orDefaultInt(cfg.MaxConcurrentPerWorkflow, defaultMaxConcurrentPerWorkflow),
		maxConcurrentPerUser:     orDefaultInt(cfg.MaxConcurrentPerUser, defaultMaxConcurrentPerUser),
		maxQueueSize:             orDefaultInt(cfg.MaxQueueSize, defaultMaxQueueSize),
		queueTimeout:             orDefaultDuration(cfg.QueueTimeout, defaultQueueTimeout),
		maxCompletedAge:          orDefaultDuration(cfg.MaxCompletedAge, defaultMaxCompletedAge),

		stopCh: make(chan struct{}),
	}

	if cfg.ObserverManager != nil {
		if err := cfg.ObserverManager.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register trigger coordinator as observer: %w", err)
		}
	}

	go c.sweepLoop()

	return c, nil
}

func orDefaultInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func orDefaultDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

// Name implements observer.Observer.
func (c *Coordinator) Name() string { return "trigger-coordinator" }

// Filter implements observer.Observer: the coordinator only needs terminal
// execution events, but filtering is done cheaply in OnEvent itself.
func (c *Coordinator) Filter() observer.EventFilter { return nil }

// OnEvent implements observer.Observer, releasing the admission slot and
// resource locks and caching the result once an execution it started
// reaches a terminal state.
func (c *Coordinator) OnEvent(ctx context.Context, event observer.Event) error {
	switch event.Type {
	case observer.EventTypeExecutionCompleted, observer.EventTypeExecutionFailed, observer.EventTypeExecutionCancelled:
		c.finish(ctx, event)
	}
	return nil
}

// Execute runs the spec's admission algorithm and, if admitted, starts the
// execution; otherwise it applies the request's conflict strategy.
func (c *Coordinator) Execute(ctx context.Context, req ExecuteRequest) (*ExecuteResponse, error) {
	affectedNodes, err := c.computeAffectedNodes(ctx, req.WorkflowID, req.TriggerNodeID)
	if err != nil {
		return nil, err
	}

	tc := &TriggerContext{
		TriggerID:         req.TriggerID,
		TriggerType:       req.TriggerType,
		WorkflowID:        req.WorkflowID,
		UserID:            req.UserID,
		TriggerNodeID:     req.TriggerNodeID,
		AffectedNodes:     affectedNodes,
		IsolatedExecution: req.IsolatedExecution,
		Priority:          req.Priority,
		TriggerData:       req.TriggerData,
		EnqueuedAt:        time.Now(),
	}

	strategy := req.ConflictStrategy
	if strategy == "" {
		strategy = ConflictQueue
	}

	c.mu.Lock()
	reason := c.admitLocked(tc)
	if reason != "" {
		switch strategy {
		case ConflictReject:
			c.mu.Unlock()
			return &ExecuteResponse{Success: false, Status: "rejected", Reason: reason}, nil
		case ConflictQueue, ConflictPriority, ConflictMerge:
			if len(c.queued) >= c.maxQueueSize {
				c.mu.Unlock()
				return &ExecuteResponse{Success: false, Status: "rejected", Reason: "queue full"}, nil
			}
			tc.ExecutionID = uuid.New().String()
			c.enqueueLocked(tc)
			c.mu.Unlock()
			return &ExecuteResponse{Success: true, ExecutionID: tc.ExecutionID, Status: "queued", Reason: reason}, nil
		default:
			c.mu.Unlock()
			return &ExecuteResponse{Success: false, Status: "rejected", Reason: "unknown conflict strategy"}, nil
		}
	}

	reservationID := uuid.New().String()
	tc.ExecutionID = reservationID
	c.active[reservationID] = tc
	c.lockNodesLocked(reservationID, tc)
	c.mu.Unlock()

	execution, err := c.executionMgr.ExecuteAsync(ctx, tc.WorkflowID, tc.TriggerData, nil)

	c.mu.Lock()
	delete(c.active, reservationID)
	c.unlockNodesLocked(reservationID)
	if err != nil {
		c.mu.Unlock()
		return &ExecuteResponse{Success: false, Status: "rejected", Reason: err.Error()}, nil
	}
	now := time.Now()
	tc.ExecutionID = execution.ID
	tc.StartedAt = &now
	c.active[execution.ID] = tc
	c.lockNodesLocked(execution.ID, tc)
	c.mu.Unlock()

	return &ExecuteResponse{Success: true, ExecutionID: execution.ID, Status: "started"}, nil
}

// ExecuteAndWait starts (or queues) the trigger invocation and then blocks
// until its result lands in the durable result cache, or timeout elapses.
// A zero timeout uses the spec default of 30 seconds.
func (c *Coordinator) ExecuteAndWait(ctx context.Context, req ExecuteRequest, timeout time.Duration) (*ExecuteAndWaitResponse, error) {
	if timeout <= 0 {
		timeout = defaultExecuteAndWaitTimeout
	}

	resp, err := c.Execute(ctx, req)
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return &ExecuteAndWaitResponse{Success: false, Reason: resp.Reason}, nil
	}

	result, err := c.waitForResult(ctx, resp.ExecutionID, timeout)
	if err != nil {
		return &ExecuteAndWaitResponse{Success: false, ExecutionID: resp.ExecutionID, Reason: err.Error()}, nil
	}

	return &ExecuteAndWaitResponse{Success: true, ExecutionID: resp.ExecutionID, Result: result}, nil
}

// Cancel removes a queued invocation, or signals cooperative cancellation
// for an active one. It returns false if executionID is not tracked.
func (c *Coordinator) Cancel(executionID string) bool {
	c.mu.Lock()
	for i, tc := range c.queued {
		if tc.ExecutionID == executionID {
			c.queued = append(c.queued[:i], c.queued[i+1:]...)
			c.unlockNodesLocked(executionID)
			c.mu.Unlock()
			return true
		}
	}
	_, active := c.active[executionID]
	c.mu.Unlock()

	if !active {
		return false
	}
	return c.executionMgr.CancelExecution(executionID)
}

// Stats reports current admission-layer counters.
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		ActiveCount:    len(c.active),
		QueuedCount:    len(c.queued),
		CompletedCount: len(c.completed),
		ByType:         make(map[string]int),
		ByWorkflow:     make(map[string]int),
	}
	for _, tc := range c.active {
		s.ByType[string(tc.TriggerType)]++
		s.ByWorkflow[tc.WorkflowID]++
	}
	for _, tc := range c.queued {
		s.ByType[string(tc.TriggerType)]++
		s.ByWorkflow[tc.WorkflowID]++
	}
	return s
}

// Stop halts the background cleanup sweep.
func (c *Coordinator) Stop() {
	close(c.stopCh)
}

// admitLocked runs the spec's ordered admission check. Returns "" if
// admitted, or the rejection reason otherwise. Caller holds c.mu.
func (c *Coordinator) admitLocked(tc *TriggerContext) string {
	if len(c.active) >= c.maxConcurrentTriggers {
		return "global concurrency limit reached"
	}
	if c.countActiveForWorkflowLocked(tc.WorkflowID) >= c.maxConcurrentPerWorkflow {
		return "workflow concurrency limit reached"
	}
	if c.countActiveForUserLocked(tc.UserID) >= c.maxConcurrentPerUser {
		return "user concurrency limit reached"
	}
	if tc.IsolatedExecution && c.nodesLockedLocked(tc.AffectedNodes) {
		return "isolated execution conflicts with an active resource lock"
	}
	return ""
}

func (c *Coordinator) countActiveForWorkflowLocked(workflowID string) int {
	n := 0
	for _, tc := range c.active {
		if tc.WorkflowID == workflowID {
			n++
		}
	}
	return n
}

func (c *Coordinator) countActiveForUserLocked(userID string) int {
	if userID == "" {
		return 0
	}
	n := 0
	for _, tc := range c.active {
		if tc.UserID == userID {
			n++
		}
	}
	return n
}

// enqueueLocked inserts tc keeping the queue sorted by (Priority ascending,
// EnqueuedAt ascending) — a stable priority-ordered insertion.
func (c *Coordinator) enqueueLocked(tc *TriggerContext) {
	idx := len(c.queued)
	for i, q := range c.queued {
		if tc.Priority < q.Priority {
			idx = i
			break
		}
	}
	c.queued = append(c.queued, nil)
	copy(c.queued[idx+1:], c.queued[idx:])
	c.queued[idx] = tc
}

// lockNodesLocked records an isolated execution's resource locks.
func (c *Coordinator) lockNodesLocked(executionID string, tc *TriggerContext) {
	if !tc.IsolatedExecution || len(tc.AffectedNodes) == 0 {
		return
	}
	c.locks[executionID] = tc.AffectedNodes
}

func (c *Coordinator) unlockNodesLocked(executionID string) {
	delete(c.locks, executionID)
}

func (c *Coordinator) nodesLockedLocked(nodes []string) bool {
	if len(nodes) == 0 {
		return false
	}
	want := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		want[n] = true
	}
	for _, held := range c.locks {
		for _, h := range held {
			if want[h] {
				return true
			}
		}
	}
	return false
}

// computeAffectedNodes resolves {triggerNodeId} ∪ transitiveDownstream(triggerNodeId)
// via the dependency resolver. A request with no trigger node (e.g. a manual
// trigger without node-level isolation) has no affected nodes.
func (c *Coordinator) computeAffectedNodes(ctx context.Context, workflowID, triggerNodeID string) ([]string, error) {
	if triggerNodeID == "" {
		return nil, nil
	}

	wfUUID, err := uuid.Parse(workflowID)
	if err != nil {
		return nil, fmt.Errorf("invalid workflow ID: %w", err)
	}

	workflowModel, err := c.workflowRepo.FindByIDWithRelations(ctx, wfUUID)
	if err != nil {
		return nil, fmt.Errorf("failed to load workflow: %w", err)
	}

	workflow := engine.WorkflowModelToDomain(workflowModel)
	downstream := pkgengine.TransitiveDownstream(triggerNodeID, workflow.Edges)

	return append([]string{triggerNodeID}, downstream...), nil
}

// finish releases the admission slot and locks for a terminal execution,
// caches its result for executeAndWait callers, and promotes the next
// eligible queued invocation.
func (c *Coordinator) finish(ctx context.Context, event observer.Event) {
	c.mu.Lock()
	tc, ok := c.active[event.ExecutionID]
	if ok {
		delete(c.active, event.ExecutionID)
		c.unlockNodesLocked(event.ExecutionID)
		c.completed[event.ExecutionID] = &CompletionInfo{
			ExecutionID: event.ExecutionID,
			WorkflowID:  tc.WorkflowID,
			UserID:      tc.UserID,
			CompletedAt: time.Now(),
		}
	}
	c.mu.Unlock()

	c.publishResult(ctx, event)
	c.promoteQueued(ctx)
}

// publishResult caches the terminal event's outcome under the executionId
// result-cache key so executeAndWait callers (possibly in another process)
// can retrieve it.
func (c *Coordinator) publishResult(ctx context.Context, event observer.Event) {
	if c.resultCache == nil {
		return
	}

	payload := map[string]interface{}{
		"execution_id": event.ExecutionID,
		"status":       event.Status,
		"output":       event.Output,
	}
	if event.Error != nil {
		payload["error"] = event.Error.Error()
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return
	}

	if err := c.resultCache.Set(ctx, resultCacheKeyPrefix+event.ExecutionID, string(data), resultCacheTTL); err != nil {
		if c.logger != nil {
			c.logger.Error("trigger coordinator: failed to cache execution result", "error", err, "execution_id", event.ExecutionID)
		}
	}
}

// waitForResult polls the result cache, resolving a queued reservation ID to
// its eventual real executionId via the alias cache entry written when the
// invocation was dispatched.
func (c *Coordinator) waitForResult(ctx context.Context, executionID string, timeout time.Duration) (map[string]interface{}, error) {
	if c.resultCache == nil {
		return nil, fmt.Errorf("result cache not configured")
	}

	const pollInterval = 150 * time.Millisecond
	deadline := time.Now().Add(timeout)

	for {
		resolvedID := executionID
		if alias, err := c.resultCache.Get(ctx, aliasCacheKeyPrefix+executionID); err == nil && alias != "" {
			resolvedID = alias
		}

		if raw, err := c.resultCache.Get(ctx, resultCacheKeyPrefix+resolvedID); err == nil {
			var result map[string]interface{}
			if jsonErr := json.Unmarshal([]byte(raw), &result); jsonErr == nil {
				return result, nil
			}
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("timed out waiting for execution result")
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// promoteQueued dispatches queued invocations, in priority order, for as
// long as admission keeps passing.
func (c *Coordinator) promoteQueued(ctx context.Context) {
	for {
		c.mu.Lock()
		if len(c.queued) == 0 {
			c.mu.Unlock()
			return
		}
		tc := c.queued[0]
		if reason := c.admitLocked(tc); reason != "" {
			c.mu.Unlock()
			return
		}
		c.queued = c.queued[1:]
		reservationID := tc.ExecutionID
		c.active[reservationID] = tc
		c.lockNodesLocked(reservationID, tc)
		c.mu.Unlock()

		bgCtx := context.WithoutCancel(ctx)
		execution, err := c.executionMgr.ExecuteAsync(bgCtx, tc.WorkflowID, tc.TriggerData, nil)

		c.mu.Lock()
		delete(c.active, reservationID)
		c.unlockNodesLocked(reservationID)
		if err != nil {
			c.mu.Unlock()
			if c.logger != nil {
				c.logger.Error("trigger coordinator: dequeued execution failed to start", "error", err, "workflow_id", tc.WorkflowID)
			}
			continue
		}
		now := time.Now()
		tc.ExecutionID = execution.ID
		tc.StartedAt = &now
		c.active[execution.ID] = tc
		c.lockNodesLocked(execution.ID, tc)
		c.mu.Unlock()

		if c.resultCache != nil {
			_ = c.resultCache.Set(bgCtx, aliasCacheKeyPrefix+reservationID, execution.ID, resultCacheTTL)
		}
	}
}

// sweepLoop periodically prunes completed entries older than maxCompletedAge
// and expires queued contexts older than queueTimeout.
func (c *Coordinator) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.cleanup()
		case <-c.stopCh:
			return
		}
	}
}

func (c *Coordinator) cleanup() {
	now := time.Now()

	c.mu.Lock()
	for id, info := range c.completed {
		if now.Sub(info.CompletedAt) > c.maxCompletedAge {
			delete(c.completed, id)
		}
	}

	kept := c.queued[:0]
	var expired []*TriggerContext
	for _, tc := range c.queued {
		if now.Sub(tc.EnqueuedAt) > c.queueTimeout {
			c.unlockNodesLocked(tc.ExecutionID)
			expired = append(expired, tc)
			continue
		}
		kept = append(kept, tc)
	}
	c.queued = kept
	c.mu.Unlock()

	for _, tc := range expired {
		if c.logger != nil {
			c.logger.Warn("trigger expired in queue", "workflow_id", tc.WorkflowID, "trigger_id", tc.TriggerID)
		}
		if c.obsManager != nil {
			c.obsManager.Notify(context.Background(), observer.Event{
				Type:        observer.EventTypeTriggerExpired,
				ExecutionID: tc.ExecutionID,
				WorkflowID:  tc.WorkflowID,
				Timestamp:   now,
				Status:      "expired",
			})
		}
	}
}

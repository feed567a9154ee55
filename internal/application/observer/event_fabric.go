package observer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/smilemakc/mbflow/internal/infrastructure/logger"
)

const (
	fabricBufferPerExecution = 20
	fabricMaxExecutions      = 100
	fabricRetention          = 60 * time.Second
	fabricSweepInterval      = 5 * time.Second
)

// fabricEvent is one ring-buffer entry: the wire-ready payload plus the
// deadline at which it is evicted by the background sweep.
type fabricEvent struct {
	data      []byte
	expiresAt time.Time
}

// fabricSubscriber is a single connection's mailbox for one room.
type fabricSubscriber struct {
	ch chan []byte
}

// EventFabric is the realtime pub/sub layer: it fans events out to
// "execution:<id>" and "workflow:<id>" rooms and keeps a short-lived ring
// buffer per execution so a subscriber that joins late still sees recent
// history before switching to live delivery.
//
// It implements Observer so it plugs into ObserverManager exactly like
// WebSocketObserver. Per the engine/fabric dependency direction, the engine
// only ever calls ObserverManager.Notify; it never reaches into the fabric,
// and the fabric never reaches into the engine.
type EventFabric struct {
	mu sync.Mutex

	rooms          map[string]map[string]*fabricSubscriber // room -> subscriptionID -> subscriber
	buffers        map[string][]fabricEvent                // executionID -> ring buffer
	bufferOrder    []string                                // FIFO order of tracked executionIDs, for the 100-execution cap
	workflowOfExec map[string]string                        // executionID -> workflowID, recalled by cleanupRoom

	logger    *logger.Logger
	stopCh    chan struct{}
	nextSubID uint64
}

// NewEventFabric creates a fabric and starts its background sweep.
func NewEventFabric(log *logger.Logger) *EventFabric {
	f := &EventFabric{
		rooms:          make(map[string]map[string]*fabricSubscriber),
		buffers:        make(map[string][]fabricEvent),
		workflowOfExec: make(map[string]string),
		logger:         log,
		stopCh:         make(chan struct{}),
	}

	go f.sweepLoop()

	return f
}

// Name returns the observer's unique identifier.
func (f *EventFabric) Name() string { return "event-fabric" }

// Filter returns nil: the fabric buffers and rooms every event type.
func (f *EventFabric) Filter() EventFilter { return nil }

// OnEvent implements Observer by publishing the event onto the fabric.
func (f *EventFabric) OnEvent(ctx context.Context, event Event) error {
	f.Publish(event)
	return nil
}

// ExecutionRoom returns the room name events for one execution are fanned
// out to.
func ExecutionRoom(executionID string) string { return "execution:" + executionID }

// WorkflowRoom returns the room name events for one workflow are fanned out
// to.
func WorkflowRoom(workflowID string) string { return "workflow:" + workflowID }

// Publish attaches a timestamp (the event's own, defaulting to now), fans
// the event out to the execution room and, if the workflow is known, the
// workflow room, and appends it to the execution's ring buffer.
func (f *EventFabric) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	data, err := json.Marshal(eventToMessage(event))
	if err != nil {
		if f.logger != nil {
			f.logger.Error("event fabric: failed to marshal event", "error", err)
		}
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.appendToBufferLocked(event.ExecutionID, data, event.Timestamp)
	if event.WorkflowID != "" {
		f.workflowOfExec[event.ExecutionID] = event.WorkflowID
	}

	f.deliverLocked(ExecutionRoom(event.ExecutionID), data)
	if event.WorkflowID != "" {
		f.deliverLocked(WorkflowRoom(event.WorkflowID), data)
	}
}

// appendToBufferLocked appends data to executionID's ring buffer, capping it
// at fabricBufferPerExecution (oldest event dropped) and evicting the
// oldest tracked execution once fabricMaxExecutions is exceeded.
func (f *EventFabric) appendToBufferLocked(executionID string, data []byte, ts time.Time) {
	buf, exists := f.buffers[executionID]
	if !exists {
		if len(f.bufferOrder) >= fabricMaxExecutions {
			oldest := f.bufferOrder[0]
			f.bufferOrder = f.bufferOrder[1:]
			delete(f.buffers, oldest)
			delete(f.workflowOfExec, oldest)
		}
		f.bufferOrder = append(f.bufferOrder, executionID)
	}

	buf = append(buf, fabricEvent{data: data, expiresAt: ts.Add(fabricRetention)})
	if len(buf) > fabricBufferPerExecution {
		buf = buf[len(buf)-fabricBufferPerExecution:]
	}
	f.buffers[executionID] = buf
}

// deliverLocked fans data out to every subscriber of room. A subscriber
// whose mailbox is full is skipped rather than blocking the publisher.
func (f *EventFabric) deliverLocked(room string, data []byte) {
	for _, sub := range f.rooms[room] {
		select {
		case sub.ch <- data:
		default:
		}
	}
}

// Subscribe joins room, returning a mailbox channel for live delivery and,
// for an "execution:<id>" room, the buffered history in arrival order so
// the caller can replay it before switching to live reads from ch.
func (f *EventFabric) Subscribe(room string) (subscriptionID string, ch chan []byte, replay [][]byte) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.nextSubID++
	subscriptionID = fmt.Sprintf("sub-%d", f.nextSubID)
	sub := &fabricSubscriber{ch: make(chan []byte, 256)}

	if f.rooms[room] == nil {
		f.rooms[room] = make(map[string]*fabricSubscriber)
	}
	f.rooms[room][subscriptionID] = sub

	if executionID, ok := strings.CutPrefix(room, "execution:"); ok {
		for _, be := range f.buffers[executionID] {
			replay = append(replay, be.data)
		}
	}

	return subscriptionID, sub.ch, replay
}

// Unsubscribe leaves room, closing the subscriber's mailbox.
func (f *EventFabric) Unsubscribe(room, subscriptionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	subs := f.rooms[room]
	if subs == nil {
		return
	}
	if sub, ok := subs[subscriptionID]; ok {
		close(sub.ch)
		delete(subs, subscriptionID)
	}
	if len(subs) == 0 {
		delete(f.rooms, room)
	}
}

// CleanupRoom removes both the execution room's membership and its ring
// buffer. Callers invoke this once an execution reaches a terminal state.
func (f *EventFabric) CleanupRoom(executionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleanupRoomLocked(executionID)
}

func (f *EventFabric) cleanupRoomLocked(executionID string) {
	room := ExecutionRoom(executionID)
	for _, sub := range f.rooms[room] {
		close(sub.ch)
	}
	delete(f.rooms, room)
	delete(f.buffers, executionID)
	delete(f.workflowOfExec, executionID)

	for i, id := range f.bufferOrder {
		if id == executionID {
			f.bufferOrder = append(f.bufferOrder[:i], f.bufferOrder[i+1:]...)
			break
		}
	}
}

// sweepLoop drops expired events, then empty buffers, every
// fabricSweepInterval until Stop is called.
func (f *EventFabric) sweepLoop() {
	ticker := time.NewTicker(fabricSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			f.sweep()
		case <-f.stopCh:
			return
		}
	}
}

func (f *EventFabric) sweep() {
	now := time.Now()

	f.mu.Lock()
	defer f.mu.Unlock()

	for executionID, buf := range f.buffers {
		kept := buf[:0]
		for _, be := range buf {
			if be.expiresAt.After(now) {
				kept = append(kept, be)
			}
		}
		if len(kept) == 0 {
			delete(f.buffers, executionID)
			delete(f.workflowOfExec, executionID)
			for i, id := range f.bufferOrder {
				if id == executionID {
					f.bufferOrder = append(f.bufferOrder[:i], f.bufferOrder[i+1:]...)
					break
				}
			}
			continue
		}
		f.buffers[executionID] = kept
	}
}

// Stop halts the background sweep. Subscribers are left connected; callers
// that also want to drop them should CleanupRoom each tracked execution
// first.
func (f *EventFabric) Stop() {
	close(f.stopCh)
}

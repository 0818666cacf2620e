// Package events provides the in-process event bus that carries workflow,
// task and worker-health notifications between the orchestration components.
// Regular subscribers get ring-buffer semantics; priority subscribers never
// lose an event.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	Timestamp() time.Time
	WorkflowID() string
}

// BaseEvent provides common fields for all events.
type BaseEvent struct {
	Type     string    `json:"type"`
	Time     time.Time `json:"timestamp"`
	Workflow string    `json:"workflow_id,omitempty"`
}

func (e BaseEvent) EventType() string    { return e.Type }
func (e BaseEvent) Timestamp() time.Time { return e.Time }
func (e BaseEvent) WorkflowID() string   { return e.Workflow }

// NewBaseEvent creates a new base event.
func NewBaseEvent(eventType, workflowID string) BaseEvent {
	return BaseEvent{
		Type:     eventType,
		Time:     time.Now(),
		Workflow: workflowID,
	}
}

// Publisher is the write side of the bus. Components accept a Publisher so
// tests can pass nil or a recorder.
type Publisher interface {
	Publish(event Event)
	PublishPriority(event Event)
}

// Subscriber represents an event subscription.
type Subscriber struct {
	ch       chan Event
	types    map[string]bool // Empty means all types
	workflow string          // Empty means all workflows
}

func (s *Subscriber) matches(event Event) bool {
	if s.workflow != "" && event.WorkflowID() != s.workflow {
		return false
	}
	return len(s.types) == 0 || s.types[event.EventType()]
}

// EventBus provides pub/sub with backpressure control.
type EventBus struct {
	mu              sync.RWMutex
	subscribers     []*Subscriber
	prioritySubs    []*Subscriber
	bufferSize      int
	priorityTimeout time.Duration
	droppedCount    int64
	closed          bool
}

// New creates a new EventBus with the specified buffer size.
func New(bufferSize int) *EventBus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &EventBus{
		bufferSize:      bufferSize,
		priorityTimeout: 5 * time.Second,
	}
}

// Subscribe creates a subscription for specific event types.
// If no types are specified, subscribes to all events.
func (eb *EventBus) Subscribe(types ...string) <-chan Event {
	return eb.subscribe("", types, false)
}

// SubscribeWorkflow subscribes to events of a single workflow.
func (eb *EventBus) SubscribeWorkflow(workflowID string, types ...string) <-chan Event {
	return eb.subscribe(workflowID, types, false)
}

// SubscribePriority creates a subscription that receives priority events
// with blocking delivery. Use for terminal workflow transitions and decision points.
func (eb *EventBus) SubscribePriority(types ...string) <-chan Event {
	return eb.subscribe("", types, true)
}

func (eb *EventBus) subscribe(workflowID string, types []string, priority bool) <-chan Event {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	size := eb.bufferSize
	if priority {
		size = 50
	}
	sub := &Subscriber{
		ch:       make(chan Event, size),
		types:    make(map[string]bool, len(types)),
		workflow: workflowID,
	}
	for _, t := range types {
		sub.types[t] = true
	}
	if eb.closed {
		close(sub.ch)
		return sub.ch
	}
	if priority {
		eb.prioritySubs = append(eb.prioritySubs, sub)
	} else {
		eb.subscribers = append(eb.subscribers, sub)
	}
	return sub.ch
}

// Unsubscribe removes a subscription and closes its channel.
func (eb *EventBus) Unsubscribe(ch <-chan Event) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.subscribers = removeSubscriber(eb.subscribers, ch)
	eb.prioritySubs = removeSubscriber(eb.prioritySubs, ch)
}

func removeSubscriber(subs []*Subscriber, ch <-chan Event) []*Subscriber {
	result := make([]*Subscriber, 0, len(subs))
	for _, sub := range subs {
		if sub.ch != ch {
			result = append(result, sub)
		} else {
			close(sub.ch)
		}
	}
	return result
}

// Publish sends an event to all matching regular subscribers. A full
// subscriber buffer drops its oldest event.
func (eb *EventBus) Publish(event Event) {
	if eb == nil {
		return
	}
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if eb.closed {
		return
	}
	eb.publish(event)
}

// PublishPriority sends an event to regular subscribers and then to priority
// subscribers, blocking up to the priority timeout per subscriber.
func (eb *EventBus) PublishPriority(event Event) {
	if eb == nil {
		return
	}
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if eb.closed {
		return
	}
	eb.publish(event)

	for _, sub := range eb.prioritySubs {
		if !sub.matches(event) {
			continue
		}
		select {
		case sub.ch <- event:
		case <-time.After(eb.priorityTimeout):
			atomic.AddInt64(&eb.droppedCount, 1)
		}
	}
}

func (eb *EventBus) publish(event Event) {
	for _, sub := range eb.subscribers {
		if !sub.matches(event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			// Ring buffer: drop the oldest and retry once.
			select {
			case <-sub.ch:
				atomic.AddInt64(&eb.droppedCount, 1)
			default:
			}
			select {
			case sub.ch <- event:
			default:
				atomic.AddInt64(&eb.droppedCount, 1)
			}
		}
	}
}

// DroppedCount returns the total number of dropped events.
func (eb *EventBus) DroppedCount() int64 {
	return atomic.LoadInt64(&eb.droppedCount)
}

// Close closes the event bus and all subscriber channels.
func (eb *EventBus) Close() {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.closed {
		return
	}
	eb.closed = true

	for _, sub := range eb.subscribers {
		close(sub.ch)
	}
	for _, sub := range eb.prioritySubs {
		close(sub.ch)
	}
	eb.subscribers = nil
	eb.prioritySubs = nil
}

// Emit publishes on p when it is non-nil.
func Emit(p Publisher, event Event) {
	if p != nil {
		p.Publish(event)
	}
}

// EmitPriority publishes a priority event on p when it is non-nil.
func EmitPriority(p Publisher, event Event) {
	if p != nil {
		p.PublishPriority(event)
	}
}

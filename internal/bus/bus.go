// Package bus is the in-process pub/sub spine. The watcher publishes task
// lifecycle events, the gateway and TUI subscribe by topic prefix.
package bus

import (
	"strings"
	"sync"
	"time"
)

const defaultBufferSize = 100

// Event is a message published on the bus.
type Event struct {
	Topic   string
	Payload any
}

// Task lifecycle topics.
const (
	TopicTaskQueued    = "task.queued"
	TopicTaskStarted   = "task.started"
	TopicTaskAttempt   = "task.attempt"
	TopicTaskCompleted = "task.completed"
	TopicTaskFailed    = "task.failed"
	TopicTaskSkipped   = "task.skipped"
)

// Worker and supervision topics.
const (
	TopicWorkerStarted    = "worker.started"
	TopicWorkerExited     = "worker.exited"
	TopicWorkerRegistered = "worker.registered"
)

// Delegator dispatch topics.
const (
	TopicDispatchCompleted = "dispatch.completed"
	TopicDispatchFailed    = "dispatch.failed"
)

// TaskQueuedEvent is published when a pending task enters the queue, and on
// the skipped topic when a pending record is rejected.
type TaskQueuedEvent struct {
	TaskID   string `json:"task_id"`
	Priority string `json:"priority"`
	Seq      uint64 `json:"seq"`
}

// TaskAttemptEvent is published after each dispatch attempt settles.
type TaskAttemptEvent struct {
	TaskID  string `json:"task_id"`
	Try     int    `json:"try"`
	Max     int    `json:"max"`
	Success bool   `json:"success"`
	Verdict string `json:"verdict"`
}

// TaskDoneEvent is published on completion or exhaustion.
type TaskDoneEvent struct {
	TaskID   string        `json:"task_id"`
	Status   string        `json:"status"`
	Attempts int           `json:"attempts"`
	Duration time.Duration `json:"duration"`
}

// WorkerExitEvent is published when a supervised process exits.
type WorkerExitEvent struct {
	Name string `json:"name"`
	Code int    `json:"code"`
}

// WorkerRegisteredEvent is published when the delegator admits a worker.
type WorkerRegisteredEvent struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

// DispatchEvent is published when the delegator finishes a /run turn.
type DispatchEvent struct {
	Worker   string        `json:"worker"`
	TaskID   string        `json:"task_id,omitempty"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// Subscription is an active topic-prefix subscription.
type Subscription struct {
	id     int
	prefix string
	ch     chan Event
}

// Ch returns the channel to receive events on.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Bus is a simple in-process pub/sub message bus with topic prefix matching.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*Subscription
	nextID int
}

// New creates a new Bus.
func New() *Bus {
	return &Bus{
		subs: make(map[int]*Subscription),
	}
}

// Subscribe creates a subscription for events matching the given topic prefix.
// An empty prefix matches all topics.
// The returned channel has a buffer of 100 events; slow consumers will miss
// events (non-blocking send).
func (b *Bus) Subscribe(topicPrefix string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		prefix: topicPrefix,
		ch:     make(chan Event, defaultBufferSize),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish sends an event to all matching subscribers.
// Delivery is non-blocking: if a subscriber's buffer is full, the event is
// dropped for that subscriber.
func (b *Bus) Publish(topic string, payload any) {
	event := Event{
		Topic:   topic,
		Payload: payload,
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.prefix == "" || strings.HasPrefix(topic, sub.prefix) {
			select {
			case sub.ch <- event:
			default:
				// Buffer full, drop.
			}
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

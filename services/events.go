package services

import (
	"log/slog"
	"sync"
	"time"
)

// EventType tags the variants flowing through the event hub.
type EventType string

const (
	EventWorkerCreated      EventType = "worker_created"
	EventWorkerDestroyed    EventType = "worker_destroyed"
	EventWorkerRecycled     EventType = "worker_recycled"
	EventQueueFull          EventType = "queue_full"
	EventTaskCompleted      EventType = "task_completed"
	EventTaskFailed         EventType = "task_failed"
	EventCircuitStateChange EventType = "circuit_state_change"
	EventLimiterDegraded    EventType = "rate_limiter_degraded"
	EventLimiterRestored    EventType = "rate_limiter_restored"
)

// Event is one tagged occurrence inside the pipeline. Consumers (telemetry,
// the WebSocket feed) subscribe explicitly instead of hooking string-keyed
// callbacks.
type Event struct {
	Type     EventType `json:"type"`
	Time     time.Time `json:"time"`
	WorkerID int64     `json:"worker_id,omitempty"`
	TaskID   string    `json:"task_id,omitempty"`
	From     string    `json:"from,omitempty"`
	To       string    `json:"to,omitempty"`
	Code     ErrorCode `json:"code,omitempty"`
	Detail   string    `json:"detail,omitempty"`
}

// EventHub fans events out to subscribers. Publishing never blocks; slow
// subscribers lose events rather than stalling the pool or breaker.
type EventHub struct {
	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int
	logger *slog.Logger
}

func NewEventHub() *EventHub {
	return &EventHub{
		subs:   make(map[int]chan Event),
		logger: slog.Default().With(slog.String("service", "events")),
	}
}

// Subscribe registers a buffered subscriber. The returned cancel func must
// be called to release it.
func (h *EventHub) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if sub, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(sub)
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers the event to every subscriber that has room.
func (h *EventHub) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			// Subscriber buffer full, drop.
		}
	}
}

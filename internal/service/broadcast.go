package service

import (
	"sync"
	"time"

	"github.com/mirabell/studiopulse/internal/domain"
)

// EventType names the progress stream event kinds.
type EventType string

const (
	EventProgress EventType = "progress"
	EventComplete EventType = "complete"
	EventError    EventType = "error"
)

// Terminal reports whether the event ends the stream for its run.
func (t EventType) Terminal() bool {
	return t == EventComplete || t == EventError
}

// ProgressPayload is carried by progress events, at least once per category
// state transition.
type ProgressPayload struct {
	Step       string                  `json:"step"`
	Percent    int                     `json:"percent"`
	StartedAt  time.Time               `json:"started_at"`
	Categories []domain.CategoryStatus `json:"categories"`
}

// TerminalPayload is carried by complete and error events.
type TerminalPayload struct {
	State        domain.RunState         `json:"state"`
	DurationMs   int64                   `json:"duration_ms"`
	RecordCounts domain.RecordCounts     `json:"record_counts,omitempty"`
	Categories   []domain.CategoryStatus `json:"categories,omitempty"`
	Error        string                  `json:"error,omitempty"`
	ErrorKind    domain.ErrorKind        `json:"error_kind,omitempty"`
}

// Event is one message on the progress stream.
type Event struct {
	Type    EventType   `json:"type"`
	RunID   string      `json:"run_id"`
	Payload interface{} `json:"payload"`
}

// subscriberBuffer bounds each subscriber channel. A subscriber that stops
// draining loses events rather than blocking the orchestrator; reconnecting
// clients resynchronize from durable state anyway.
const subscriberBuffer = 64

// Hub fans orchestrator state transitions out to any number of observers.
// Publish never blocks.
type Hub struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
}

// NewHub creates a new broadcast hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[int]chan Event)}
}

// Subscribe registers a new observer.
// Parameters: none.
// Returns:
//   - <-chan Event: buffered event channel for this observer.
//   - func(): cancel function; closes the channel and drops the observer.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++
	ch := make(chan Event, subscriberBuffer)
	h.subs[id] = ch

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if sub, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Publish delivers an event to every subscriber without blocking: a full
// subscriber buffer drops the event for that subscriber only.
// Parameters:
//   - ev: event to broadcast.
// Returns: none.
func (h *Hub) Publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// SubscriberCount returns the number of connected observers.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

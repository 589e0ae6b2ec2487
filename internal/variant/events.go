package variant

import "sync"

// EventType classifies a state-change notification.
type EventType string

const (
	// EventState fires on every state machine transition.
	EventState EventType = "state"
	// EventDelta fires for each streamed content delta.
	EventDelta EventType = "delta"
	// EventSelection fires when the displayed selection changes.
	EventSelection EventType = "selection"
)

// Event is a typed state-change notification. Presentation layers
// subscribe to these instead of reaching into manager state.
type Event struct {
	Type      EventType
	MessageID uint
	State     State
	Content   string
	Selection Selection
}

// Hub fans events out to subscribers. Callbacks run on the emitting
// goroutine and must not block.
type Hub struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]func(Event)
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[int]func(Event))}
}

// Subscribe registers a callback for all future events. The returned
// function removes the subscription.
func (h *Hub) Subscribe(fn func(Event)) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextID
	h.nextID++
	h.subs[id] = fn
	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.subs, id)
	}
}

// Publish delivers an event to every subscriber.
func (h *Hub) Publish(e Event) {
	h.mu.Lock()
	subs := make([]func(Event), 0, len(h.subs))
	for _, fn := range h.subs {
		subs = append(subs, fn)
	}
	h.mu.Unlock()
	for _, fn := range subs {
		fn(e)
	}
}

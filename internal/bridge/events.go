package bridge

import (
	"sync"

	"keybridge/internal/input"
	"keybridge/internal/network"
	"keybridge/internal/protocol"
)

// Status is a snapshot of the whole bridge.
type Status struct {
	Channel       network.Status `json:"channel"`
	Held          []string       `json:"held"`
	Pending       int            `json:"pending"`
	LastHeartbeat int64          `json:"last_heartbeat,omitempty"`
	LastError     string         `json:"last_error,omitempty"`
}

type EventKind string

const (
	KindStatus     EventKind = "status"
	KindTransition EventKind = "transition"
	KindMessage    EventKind = "message"
)

// Event is published to subscribers whenever bridge state changes.
type Event struct {
	Kind       EventKind         `json:"kind"`
	Status     *Status           `json:"status,omitempty"`
	Transition *input.Transition `json:"transition,omitempty"`
	Message    *protocol.Message `json:"message,omitempty"`
}

// hub fans events out to subscribers. Slow subscribers are dropped.
type hub struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan Event
	closed bool
}

func newHub() *hub {
	return &hub{subs: make(map[int]chan Event)}
}

func (h *hub) subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan Event, 64)
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	return ch, func() { h.remove(id) }
}

func (h *hub) remove(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.subs[id]; ok {
		delete(h.subs, id)
		close(ch)
	}
}

func (h *hub) publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			delete(h.subs, id)
			close(ch)
		}
	}
}

func (h *hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}

package input

import (
	"sort"

	"keybridge/internal/logger"
	"keybridge/internal/protocol"
)

// Tracker maintains the set of held logical keys and emits exactly one
// key_down and one key_up per hold cycle. It is not safe for concurrent use;
// the owning task queue serializes calls.
type Tracker struct {
	sink Sink
	held map[string]bool

	OnTransition func(tr Transition)
}

func NewTracker(sink Sink) *Tracker {
	return &Tracker{
		sink: sink,
		held: make(map[string]bool),
	}
}

// KeyDown handles a physical keydown. It reports whether a transition was emitted;
// repeats while the logical key is held are swallowed.
func (t *Tracker) KeyDown(ev KeyEvent) bool {
	key := Normalize(ev.Key)
	if key == "" || t.IsHeld(key) {
		return false
	}
	t.held[key] = true

	err := t.sink.Notify(protocol.TypeKeyDown, protocol.KeyDownPayload{
		Key:       key,
		KeyCode:   KeyCode(key, ev.Code),
		Timestamp: ev.Timestamp,
	})
	t.emit(Transition{Key: key, Down: true, Timestamp: ev.Timestamp, Err: err})
	return true
}

// KeyUp handles a physical keyup. Releases of keys that are not held are swallowed.
func (t *Tracker) KeyUp(ev KeyEvent) bool {
	key := Normalize(ev.Key)
	if !t.IsHeld(key) {
		return false
	}
	delete(t.held, key)

	err := t.sink.Notify(protocol.TypeKeyUp, protocol.KeyUpPayload{
		Key:       key,
		Timestamp: ev.Timestamp,
	})
	t.emit(Transition{Key: key, Down: false, Timestamp: ev.Timestamp, Err: err})
	return true
}

// IsHeld reports whether the logical key for key is held.
func (t *Tracker) IsHeld(key string) bool {
	return t.held[Normalize(key)]
}

// Held returns the held logical keys in sorted order.
func (t *Tracker) Held() []string {
	keys := make([]string, 0, len(t.held))
	for k := range t.held {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (t *Tracker) emit(tr Transition) {
	if tr.Err != nil {
		logger.Warn("Tracker: transition not sent", "key", tr.Key, "down", tr.Down, "error", tr.Err)
	} else {
		logger.Debug("Tracker: transition sent", "key", tr.Key, "down", tr.Down)
	}
	if t.OnTransition != nil {
		t.OnTransition(tr)
	}
}

// Package input turns raw keyboard events into a clean stream of logical
// key transitions.
package input

import "keybridge/internal/protocol"

// KeyEvent is a raw physical key event as reported by the input surface.
type KeyEvent struct {
	Key       string `json:"key"`      // e.g. "w", "W", "ArrowUp"
	Code      int    `json:"key_code"` // platform key code, 0 if unknown
	Timestamp int64  `json:"timestamp"`
}

// Sink transmits fire-and-forget messages.
type Sink interface {
	Notify(t protocol.MessageType, payload any) error
}

// Transition is one emitted (or attempted) logical key transition.
type Transition struct {
	Key       string `json:"key"`
	Down      bool   `json:"down"`
	Timestamp int64  `json:"timestamp"`

	// Err is set when the message could not be transmitted. The held state
	// is updated regardless.
	Err error `json:"-"`
}

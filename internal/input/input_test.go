package input

import (
	"errors"
	"math/rand"
	"testing"

	"keybridge/internal/protocol"
)

type recordingSink struct {
	msgs []protocol.Message
	err  error
}

func (s *recordingSink) Notify(t protocol.MessageType, payload any) error {
	msg, err := protocol.NewMessage(t, payload)
	if err != nil {
		return err
	}
	s.msgs = append(s.msgs, msg)
	return s.err
}

// TestNormalize tests alias mapping and case folding
func TestNormalize(t *testing.T) {
	cases := map[string]string{
		"W":          "w",
		"w":          "w",
		"ArrowUp":    "w",
		"ARROWDOWN":  "s",
		"ArrowLeft":  "a",
		"arrowright": "d",
		"F":          "f",
		"Shift":      "shift",
	}
	for in, want := range cases {
		if got := Normalize(in); got != want {
			t.Errorf("Normalize(%q): expected %q, got %q", in, want, got)
		}
	}
}

// TestKeyCode tests key_code derivation
func TestKeyCode(t *testing.T) {
	if got := KeyCode("w", 0); got != 87 {
		t.Errorf("Expected 87 for w, got %d", got)
	}
	if got := KeyCode("f", 102); got != 70 {
		t.Errorf("Expected 70 for f, got %d", got)
	}
	if got := KeyCode("shift", 16); got != 16 {
		t.Errorf("Expected raw code 16 for shift, got %d", got)
	}
}

// TestHoldCycle tests down, repeated down and up on a single key
func TestHoldCycle(t *testing.T) {
	sink := &recordingSink{}
	tr := NewTracker(sink)

	if !tr.KeyDown(KeyEvent{Key: "w", Timestamp: 1}) {
		t.Fatal("Expected first keydown to emit")
	}
	if tr.KeyDown(KeyEvent{Key: "w", Timestamp: 2}) {
		t.Error("Expected repeated keydown to be swallowed")
	}
	if !tr.KeyUp(KeyEvent{Key: "w", Timestamp: 3}) {
		t.Error("Expected keyup to emit")
	}

	if len(sink.msgs) != 2 {
		t.Fatalf("Expected 2 messages, got %d", len(sink.msgs))
	}
	var down protocol.KeyDownPayload
	if err := sink.msgs[0].Decode(&down); err != nil {
		t.Fatal(err)
	}
	if sink.msgs[0].Type != protocol.TypeKeyDown || down.Key != "w" || down.KeyCode != 87 || down.Timestamp != 1 {
		t.Errorf("Unexpected key_down: %s %+v", sink.msgs[0].Type, down)
	}
	var up protocol.KeyUpPayload
	if err := sink.msgs[1].Decode(&up); err != nil {
		t.Fatal(err)
	}
	if sink.msgs[1].Type != protocol.TypeKeyUp || up.Key != "w" || up.Timestamp != 3 {
		t.Errorf("Unexpected key_up: %s %+v", sink.msgs[1].Type, up)
	}
	if sink.msgs[0].RequestID != 0 || sink.msgs[1].RequestID != 0 {
		t.Error("Expected key transitions to carry no request id")
	}
}

// TestAliasSharesHeldSlot tests that ArrowUp is swallowed while W is held
func TestAliasSharesHeldSlot(t *testing.T) {
	sink := &recordingSink{}
	tr := NewTracker(sink)

	tr.KeyDown(KeyEvent{Key: "W"})
	if tr.KeyDown(KeyEvent{Key: "ArrowUp"}) {
		t.Error("Expected ArrowUp to be swallowed while w is held")
	}
	if !tr.IsHeld("ArrowUp") {
		t.Error("Expected ArrowUp to report held through w")
	}
	if len(sink.msgs) != 1 {
		t.Errorf("Expected 1 message, got %d", len(sink.msgs))
	}
}

// TestSpuriousKeyUp tests that releasing an unheld key emits nothing
func TestSpuriousKeyUp(t *testing.T) {
	sink := &recordingSink{}
	tr := NewTracker(sink)

	if tr.KeyUp(KeyEvent{Key: "d"}) {
		t.Error("Expected keyup for unheld key to be swallowed")
	}
	if len(sink.msgs) != 0 {
		t.Errorf("Expected no messages, got %d", len(sink.msgs))
	}
}

// TestSimultaneousHolds tests independent tracking of several keys
func TestSimultaneousHolds(t *testing.T) {
	tr := NewTracker(&recordingSink{})

	tr.KeyDown(KeyEvent{Key: "w"})
	tr.KeyDown(KeyEvent{Key: "ArrowLeft"})
	held := tr.Held()
	if len(held) != 2 || held[0] != "a" || held[1] != "w" {
		t.Errorf("Expected held [a w], got %v", held)
	}

	tr.KeyUp(KeyEvent{Key: "w"})
	held = tr.Held()
	if len(held) != 1 || held[0] != "a" {
		t.Errorf("Expected held [a], got %v", held)
	}
}

// TestStateTrackedWhileSendFails tests that held state follows input even when disconnected
func TestStateTrackedWhileSendFails(t *testing.T) {
	sink := &recordingSink{err: errors.New("not connected")}
	tr := NewTracker(sink)

	var transitions []Transition
	tr.OnTransition = func(x Transition) { transitions = append(transitions, x) }

	tr.KeyDown(KeyEvent{Key: "s"})
	if !tr.IsHeld("s") {
		t.Error("Expected s to be held after failed send")
	}
	if tr.KeyDown(KeyEvent{Key: "s"}) {
		t.Error("Expected repeat to be swallowed after failed send")
	}
	tr.KeyUp(KeyEvent{Key: "s"})

	if len(transitions) != 2 || transitions[0].Err == nil || transitions[1].Down {
		t.Errorf("Unexpected transitions: %+v", transitions)
	}
}

// TestDownUpAlternate tests that random event sequences always alternate down/up
func TestDownUpAlternate(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	keys := []string{"w", "W", "ArrowUp"}

	for round := 0; round < 100; round++ {
		sink := &recordingSink{}
		tr := NewTracker(sink)

		for i := 0; i < 50; i++ {
			ev := KeyEvent{Key: keys[rng.Intn(len(keys))], Timestamp: int64(i)}
			if rng.Intn(2) == 0 {
				tr.KeyDown(ev)
			} else {
				tr.KeyUp(ev)
			}
		}

		for i, msg := range sink.msgs {
			want := protocol.TypeKeyDown
			if i%2 == 1 {
				want = protocol.TypeKeyUp
			}
			if msg.Type != want {
				t.Fatalf("Round %d: message %d expected %s, got %s", round, i, want, msg.Type)
			}
		}
		downs := (len(sink.msgs) + 1) / 2
		if tr.IsHeld("w") != (len(sink.msgs)%2 == 1) {
			t.Fatalf("Round %d: held state disagrees with %d downs in %d messages", round, downs, len(sink.msgs))
		}
	}
}

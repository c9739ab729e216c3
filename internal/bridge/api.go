package bridge

import (
	"context"
	"fmt"
	"time"

	"keybridge/internal/correlator"
	"keybridge/internal/input"
	"keybridge/internal/logger"
	"keybridge/internal/protocol"
)

// KeyDown queues a physical keydown.
func (b *Bridge) KeyDown(ev input.KeyEvent) {
	b.post(task(func() { b.tracker.KeyDown(ev) }))
}

// KeyUp queues a physical keyup.
func (b *Bridge) KeyUp(ev input.KeyEvent) {
	b.post(task(func() { b.tracker.KeyUp(ev) }))
}

// Visible signals that the input surface regained visibility or focus.
func (b *Bridge) Visible() {
	b.post(task(func() {
		if !b.conn.Ready() {
			logger.Debug("Bridge: surface visible, reconnecting")
		}
		b.conn.Reconnect()
	}))
}

// Reconnect retries the channel with a fresh retry budget if it is down.
func (b *Bridge) Reconnect() {
	b.post(task(b.conn.Reconnect))
}

// Disconnect closes the channel without retrying. Outstanding requests are
// rejected with ErrConnectionLost; Reconnect or Visible connects again.
func (b *Bridge) Disconnect() {
	b.post(task(b.conn.Disconnect))
}

// Request sends a message that expects a correlated reply and waits for it.
func (b *Bridge) Request(ctx context.Context, t protocol.MessageType, payload any) (protocol.Message, error) {
	if !t.ExpectsReply() {
		return protocol.Message{}, fmt.Errorf("%w: %s", ErrNotRequest, t)
	}

	var (
		call *correlator.Call
		err  error
	)
	if e := b.do(ctx, func() { call, err = b.corr.Send(t, payload, true) }); e != nil {
		return protocol.Message{}, e
	}
	if err != nil {
		return protocol.Message{}, err
	}

	msg, err := call.Wait(ctx)
	if ctx.Err() != nil {
		id, cause := call.ID, ctx.Err()
		b.post(task(func() { b.corr.Cancel(id, cause) }))
	}
	return msg, err
}

// Notify sends a message that expects no reply.
func (b *Bridge) Notify(ctx context.Context, t protocol.MessageType, payload any) error {
	var err error
	if e := b.do(ctx, func() { err = b.corr.Notify(t, payload) }); e != nil {
		return e
	}
	return err
}

// TestConnection round-trips a test_connection request. rtt is measured locally.
func (b *Bridge) TestConnection(ctx context.Context) (res protocol.TestConnectionResult, rtt time.Duration, err error) {
	start := time.Now()
	msg, err := b.Request(ctx, protocol.TypeTestConnection, protocol.TimestampPayload{Timestamp: start.UnixMilli()})
	if err != nil {
		return res, 0, err
	}
	rtt = time.Since(start)
	err = msg.Decode(&res)
	return res, rtt, err
}

// RemoteStatus asks the remote for its status.
func (b *Bridge) RemoteStatus(ctx context.Context) (protocol.StatusResult, error) {
	var res protocol.StatusResult
	msg, err := b.Request(ctx, protocol.TypeGetStatus, protocol.TimestampPayload{Timestamp: time.Now().UnixMilli()})
	if err != nil {
		return res, err
	}
	err = msg.Decode(&res)
	return res, err
}

// SendKey sends a single correlated key press.
func (b *Bridge) SendKey(ctx context.Context, key string) error {
	logical := input.Normalize(key)
	_, err := b.Request(ctx, protocol.TypeSendKey, protocol.SendKeyPayload{
		Key:       logical,
		KeyCode:   input.KeyCode(logical, 0),
		Timestamp: time.Now().UnixMilli(),
	})
	return err
}

// SendKeyBatch sends several key presses as one correlated request.
func (b *Bridge) SendKeyBatch(ctx context.Context, keys []string) error {
	batch := make([]protocol.KeyInput, 0, len(keys))
	for _, k := range keys {
		logical := input.Normalize(k)
		batch = append(batch, protocol.KeyInput{Key: logical, KeyCode: input.KeyCode(logical, 0)})
	}
	_, err := b.Request(ctx, protocol.TypeSendKeyBatch, protocol.SendKeyBatchPayload{
		KeysInput: batch,
		Timestamp: time.Now().UnixMilli(),
	})
	return err
}

// Status returns a snapshot of the bridge.
func (b *Bridge) Status(ctx context.Context) (Status, error) {
	var st Status
	err := b.do(ctx, func() { st = b.snapshot() })
	return st, err
}

// Subscribe returns a stream of bridge events and a function that cancels it.
// The stream is closed on cancel, on Stop, or if the subscriber falls behind.
func (b *Bridge) Subscribe() (<-chan Event, func()) {
	return b.hub.subscribe()
}

// Package correlator layers request/response semantics over the fire-and-forget
// channel: each request carries a monotonic id and settles exactly once.
package correlator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"keybridge/internal/logger"
	"keybridge/internal/network"
	"keybridge/internal/protocol"
)

var (
	ErrNotConnected   = network.ErrNotConnected
	ErrTimeout        = errors.New("request timed out")
	ErrConnectionLost = errors.New("connection lost")
)

// RemoteError is a well-formed reply in which the remote reported failure.
type RemoteError struct {
	Type    protocol.MessageType
	Message string
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("remote rejected %s", e.Type)
	}
	return fmt.Sprintf("remote rejected %s: %s", e.Type, e.Message)
}

// Transport is the channel the correlator sends through.
type Transport interface {
	Ready() bool
	Send(data []byte) error
}

// Call is one outstanding request. Done is closed after Reply or Err is set.
type Call struct {
	ID        uint64
	Type      protocol.MessageType
	CreatedAt time.Time

	Reply protocol.Message
	Err   error
	Done  chan struct{}

	timer *time.Timer
}

// Wait blocks until the call settles or ctx is done.
func (c *Call) Wait(ctx context.Context) (protocol.Message, error) {
	select {
	case <-c.Done:
		return c.Reply, c.Err
	case <-ctx.Done():
		return protocol.Message{}, ctx.Err()
	}
}

type timeoutDue struct {
	id uint64
}

// Correlator tracks pending requests. Like the connection manager it is owned
// by a single task queue; timers report back through post.
type Correlator struct {
	transport Transport
	timeout   time.Duration
	post      func(ev any)

	nextID  uint64
	pending map[uint64]*Call
}

func New(transport Transport, timeout time.Duration, post func(ev any)) *Correlator {
	return &Correlator{
		transport: transport,
		timeout:   timeout,
		post:      post,
		pending:   make(map[uint64]*Call),
	}
}

// Send transmits a message. When expectReply is false it returns a nil call;
// otherwise the returned call settles with the reply, a timeout or a disconnect.
// No pending entry is created when the channel is not ready.
func (c *Correlator) Send(t protocol.MessageType, payload any, expectReply bool) (*Call, error) {
	if !c.transport.Ready() {
		return nil, ErrNotConnected
	}
	msg, err := protocol.NewMessage(t, payload)
	if err != nil {
		return nil, err
	}

	if !expectReply {
		data, err := protocol.Encode(msg)
		if err != nil {
			return nil, err
		}
		return nil, c.transport.Send(data)
	}

	c.nextID++
	msg.RequestID = c.nextID
	data, err := protocol.Encode(msg)
	if err != nil {
		return nil, err
	}

	call := &Call{
		ID:        msg.RequestID,
		Type:      t,
		CreatedAt: time.Now(),
		Done:      make(chan struct{}),
	}
	id := call.ID
	call.timer = time.AfterFunc(c.timeout, func() {
		c.post(timeoutDue{id: id})
	})
	c.pending[id] = call

	if err := c.transport.Send(data); err != nil {
		c.settle(id, protocol.Message{}, err)
		return nil, err
	}
	logger.DebugF("Correlator: sent %s request %d", t, id)
	return call, nil
}

// Notify transmits a message that expects no reply.
func (c *Correlator) Notify(t protocol.MessageType, payload any) error {
	_, err := c.Send(t, payload, false)
	return err
}

// Handle processes correlator events. It reports false for events it does not own.
func (c *Correlator) Handle(ev any) bool {
	t, ok := ev.(timeoutDue)
	if !ok {
		return false
	}
	c.Expire(t.id)
	return true
}

// Expire rejects a pending request with ErrTimeout.
func (c *Correlator) Expire(id uint64) {
	if c.settle(id, protocol.Message{}, ErrTimeout) {
		logger.WarnF("Correlator: request %d timed out after %s", id, c.timeout)
	}
}

// Resolve settles the pending request matching msg.RequestID. It reports
// whether msg was a correlated reply; replies for unknown ids are consumed
// and discarded.
func (c *Correlator) Resolve(msg protocol.Message) bool {
	if msg.RequestID == 0 {
		return false
	}
	call, ok := c.pending[msg.RequestID]
	if !ok {
		logger.Debug("Correlator: discarding reply for unknown request", "id", msg.RequestID, "type", msg.Type)
		return true
	}
	if msg.Type != call.Type.Response() && msg.Type != protocol.TypeError {
		logger.DebugF("Correlator: request %d (%s) answered with %s", call.ID, call.Type, msg.Type)
	}
	c.settle(call.ID, msg, replyError(msg))
	return true
}

// Cancel rejects a pending request on the caller's behalf.
func (c *Correlator) Cancel(id uint64, err error) {
	c.settle(id, protocol.Message{}, err)
}

// FailAll rejects every pending request with ErrConnectionLost, wrapping cause when set.
func (c *Correlator) FailAll(cause error) {
	err := ErrConnectionLost
	if cause != nil {
		err = fmt.Errorf("%w: %w", ErrConnectionLost, cause)
	}
	for id := range c.pending {
		c.settle(id, protocol.Message{}, err)
	}
}

// Pending returns the number of outstanding requests.
func (c *Correlator) Pending() int {
	return len(c.pending)
}

// settle removes the call and completes it. Only the first settlement for an id wins.
func (c *Correlator) settle(id uint64, reply protocol.Message, err error) bool {
	call, ok := c.pending[id]
	if !ok {
		return false
	}
	delete(c.pending, id)
	call.timer.Stop()
	call.Reply = reply
	call.Err = err
	close(call.Done)
	return true
}

func replyError(msg protocol.Message) error {
	if msg.Type == protocol.TypeError {
		var p protocol.ErrorPayload
		msg.Decode(&p)
		return &RemoteError{Type: msg.Type, Message: p.Message}
	}
	var result struct {
		Success *bool  `json:"success"`
		Error   string `json:"error"`
	}
	if err := msg.Decode(&result); err != nil {
		return nil
	}
	if result.Success != nil && !*result.Success {
		return &RemoteError{Type: msg.Type, Message: result.Error}
	}
	return nil
}

// Package bridge runs the input bridge: one task queue that serializes key
// events, channel events and timers across the connection manager, the
// request correlator and the key state tracker.
package bridge

import (
	"context"
	"errors"
	"sync"

	"keybridge/internal/config"
	"keybridge/internal/correlator"
	"keybridge/internal/input"
	"keybridge/internal/logger"
	"keybridge/internal/network"
	"keybridge/internal/protocol"
)

var (
	// ErrStopped is returned by calls made after the bridge has stopped.
	ErrStopped = errors.New("bridge stopped")

	// ErrNotRequest is returned by Request for message types the remote never answers.
	ErrNotRequest = errors.New("message type has no reply")
)

// Recorder persists session and transition history. Implementations must not block.
type Recorder interface {
	RecordState(st network.Status)
	RecordTransition(tr input.Transition, sessionID string)
}

// task is a unit of work executed on the loop goroutine.
type task func()

// Bridge wires the components together. Component state is only touched on
// the loop goroutine; exported methods are safe to call from anywhere.
type Bridge struct {
	queue chan any
	done  chan struct{}

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc

	conn    *network.Manager
	corr    *correlator.Correlator
	tracker *input.Tracker
	rec     Recorder
	hub     *hub

	lastHeartbeat int64
	lastError     string
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithRecorder attaches a history recorder.
func WithRecorder(r Recorder) Option {
	return func(b *Bridge) { b.rec = r }
}

// New creates a bridge. Nothing runs until Start.
func New(cfg config.Config, dialer network.Dialer, opts ...Option) *Bridge {
	b := &Bridge{
		queue: make(chan any, 256),
		done:  make(chan struct{}),
		hub:   newHub(),
	}
	for _, opt := range opts {
		opt(b)
	}

	b.conn = network.NewManager(cfg, dialer, func(ev any) { b.post(ev) })
	b.corr = correlator.New(b.conn, cfg.Remote.RequestTimeout, func(ev any) { b.post(ev) })
	b.tracker = input.NewTracker(b.corr)

	b.conn.OnConnected = b.onConnected
	b.conn.OnDisconnected = b.onDisconnected
	b.conn.OnMessage = b.onMessage
	b.conn.OnError = func(err error) { b.lastError = err.Error() }
	b.conn.OnStateChange = b.onStateChange
	b.tracker.OnTransition = b.onTransition
	return b
}

// Start runs the task queue and initiates the first connection attempt.
// It does nothing once the bridge has been started or stopped.
func (b *Bridge) Start(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started || b.stopped {
		return
	}
	b.started = true
	ctx, b.cancel = context.WithCancel(ctx)
	go b.run(ctx)
	b.post(task(b.conn.Connect))
}

// Stop shuts the loop down, rejecting outstanding requests with ErrStopped,
// and waits for it to exit.
func (b *Bridge) Stop() {
	b.mu.Lock()
	first := !b.stopped
	b.stopped = true
	started := b.started
	b.mu.Unlock()

	if first {
		if started {
			b.cancel()
		} else {
			close(b.done)
		}
	}
	<-b.done
	b.hub.closeAll()
}

func (b *Bridge) run(ctx context.Context) {
	defer close(b.done)
	logger.Info("Bridge: task queue started")

	for {
		select {
		case ev := <-b.queue:
			b.dispatch(ev)
		case <-ctx.Done():
			b.corr.FailAll(ErrStopped)
			b.conn.Close()
			logger.Info("Bridge: task queue stopped")
			return
		}
	}
}

func (b *Bridge) dispatch(ev any) {
	if t, ok := ev.(task); ok {
		t()
		return
	}
	if b.conn.Handle(ev) || b.corr.Handle(ev) {
		return
	}
	logger.WarnF("Bridge: unhandled event %T", ev)
}

// post enqueues ev. It reports false once the loop has exited.
func (b *Bridge) post(ev any) bool {
	select {
	case <-b.done:
		return false
	default:
	}
	select {
	case b.queue <- ev:
		return true
	case <-b.done:
		return false
	}
}

// do runs fn on the loop and waits for it to finish.
func (b *Bridge) do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !b.post(task(func() {
		fn()
		close(finished)
	})) {
		return ErrStopped
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-b.done:
		return ErrStopped
	}
}

func (b *Bridge) snapshot() Status {
	return Status{
		Channel:       b.conn.Status(),
		Held:          b.tracker.Held(),
		Pending:       b.corr.Pending(),
		LastHeartbeat: b.lastHeartbeat,
		LastError:     b.lastError,
	}
}

func (b *Bridge) onConnected() {
	logger.Info("Bridge: channel ready", "held", b.tracker.Held())
}

func (b *Bridge) onDisconnected(err error) {
	if n := b.corr.Pending(); n > 0 {
		logger.WarnF("Bridge: rejecting %d pending requests", n)
	}
	b.corr.FailAll(err)
}

func (b *Bridge) onMessage(msg protocol.Message) {
	if b.corr.Resolve(msg) {
		return
	}

	switch msg.Type {
	case protocol.TypeHeartbeat:
		var p protocol.TimestampPayload
		if err := msg.Decode(&p); err == nil {
			b.lastHeartbeat = p.Timestamp
		}
	case protocol.TypeError:
		var p protocol.ErrorPayload
		msg.Decode(&p)
		b.lastError = p.Message
		logger.WarnF("Bridge: remote error: %s", p.Message)
	case protocol.TypeWelcome:
	default:
		if msg.Type.IsResponse() {
			logger.WarnF("Bridge: %s without request id", msg.Type)
		} else {
			logger.DebugF("Bridge: ignoring unsolicited %s", msg.Type)
		}
		return
	}
	b.hub.publish(Event{Kind: KindMessage, Message: &msg})
}

func (b *Bridge) onStateChange(st network.Status) {
	if st.Ready() {
		b.lastError = ""
	}
	if b.rec != nil {
		b.rec.RecordState(st)
	}
	s := b.snapshot()
	b.hub.publish(Event{Kind: KindStatus, Status: &s})
}

func (b *Bridge) onTransition(tr input.Transition) {
	if b.rec != nil {
		b.rec.RecordTransition(tr, b.conn.Status().SessionID)
	}
	b.hub.publish(Event{Kind: KindTransition, Transition: &tr})
}

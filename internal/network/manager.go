// Package network owns the channel to the remote controller: connect, detect
// disconnect, bounded reconnect and the per-connection read/write pumps.
package network

import (
	"context"
	"time"

	"keybridge/internal/config"
	"keybridge/internal/logger"
	"keybridge/internal/protocol"

	"github.com/cenkalti/backoff/v4"
)

// State is the lifecycle state of the channel session.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Status is a snapshot of the channel session.
type Status struct {
	State     State  `json:"state"`
	Attempts  int    `json:"attempts"`
	SessionID string `json:"session_id,omitempty"`

	// Exhausted is set once automatic retries have stopped; only an explicit
	// trigger connects again.
	Exhausted bool `json:"exhausted"`
}

// Ready reports whether sends can be transmitted.
func (s Status) Ready() bool {
	return s.State == Connected
}

// PostFunc enqueues an event on the owner's task queue.
type PostFunc func(ev any)

// Events posted by dialer, pumps and timers. Each carries the generation of
// the connection attempt it belongs to; stale generations are ignored.
type (
	dialResult struct {
		gen uint64
		ch  Channel
		err error
	}
	inbound struct {
		gen  uint64
		data []byte
	}
	lost struct {
		gen uint64
		err error
	}
	retryDue struct {
		gen uint64
	}
)

type connection struct {
	gen  uint64
	ch   Channel
	send chan []byte
	done chan struct{}
}

// Manager handles the lifecycle of the single channel to the remote.
// All methods except Close must be called from the owner's task queue,
// the same goroutine that feeds events to Handle.
type Manager struct {
	url       string
	heartbeat time.Duration
	retry     config.ReconnectConfig
	dialer    Dialer
	post      PostFunc

	ctx    context.Context
	cancel context.CancelFunc

	state     State
	gen       uint64
	attempts  int
	exhausted bool
	sessionID string
	conn      *connection
	bo        backoff.BackOff
	timer     *time.Timer

	// Callbacks
	OnConnected    func()
	OnDisconnected func(err error)
	OnMessage      func(msg protocol.Message)
	OnError        func(err error)
	OnStateChange  func(st Status)
}

// NewManager creates a manager in the Disconnected state. It does not dial.
func NewManager(cfg config.Config, dialer Dialer, post PostFunc) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		url:       cfg.Remote.URL,
		heartbeat: cfg.Remote.HeartbeatInterval,
		retry:     cfg.Reconnect,
		dialer:    dialer,
		post:      post,
		ctx:       ctx,
		cancel:    cancel,
	}
	m.bo = m.newBackOff()
	return m
}

func (m *Manager) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.retry.InitialDelay
	b.MaxInterval = m.retry.MaxDelay
	b.Multiplier = m.retry.Multiplier
	b.RandomizationFactor = m.retry.Jitter
	b.MaxElapsedTime = 0
	b.Reset()
	if m.retry.MaxAttempts <= 1 {
		return &backoff.StopBackOff{}
	}
	// The first attempt is not a retry.
	return backoff.WithMaxRetries(b, uint64(m.retry.MaxAttempts-1))
}

// Status returns the current session snapshot.
func (m *Manager) Status() Status {
	return Status{
		State:     m.state,
		Attempts:  m.attempts,
		SessionID: m.sessionID,
		Exhausted: m.exhausted,
	}
}

// Ready reports whether the channel is connected.
func (m *Manager) Ready() bool {
	return m.state == Connected
}

// Connect starts a handshake. It is a no-op while Connecting or Connected.
func (m *Manager) Connect() {
	if m.state != Disconnected || m.ctx.Err() != nil {
		return
	}
	m.stopTimer()
	m.gen++
	m.setState(Connecting)

	gen, url := m.gen, m.url
	logger.InfoF("Channel: connecting to %s (attempt %d)", url, m.attempts+1)
	go func() {
		ch, err := m.dialer.Dial(m.ctx, url)
		m.post(dialResult{gen: gen, ch: ch, err: err})
	}()
}

// Reconnect is the explicit external trigger: it restores the retry budget
// and connects if the channel is down.
func (m *Manager) Reconnect() {
	if m.state != Disconnected {
		return
	}
	m.attempts = 0
	m.exhausted = false
	m.bo.Reset()
	m.Connect()
}

// Disconnect tears down the channel without scheduling a retry.
func (m *Manager) Disconnect() {
	m.stopTimer()
	m.gen++
	if m.state == Disconnected {
		return
	}
	wasConnected := m.state == Connected
	m.teardown()
	m.setState(Disconnected)
	if wasConnected && m.OnDisconnected != nil {
		m.OnDisconnected(nil)
	}
}

// Close disconnects and cancels any in-flight dial. The manager cannot be reused.
func (m *Manager) Close() {
	m.cancel()
	m.Disconnect()
}

// Send transmits an encoded message on the current channel.
func (m *Manager) Send(data []byte) error {
	if m.state != Connected || m.conn == nil {
		return ErrNotConnected
	}
	select {
	case m.conn.send <- data:
		return nil
	default:
		return &TransportError{Op: "send", Err: errSendBufferFull}
	}
}

// Handle processes a manager event. It reports false for events it does not own.
func (m *Manager) Handle(ev any) bool {
	switch ev := ev.(type) {
	case dialResult:
		m.handleDial(ev)
	case inbound:
		m.handleInbound(ev)
	case lost:
		m.handleLost(ev)
	case retryDue:
		if ev.gen == m.gen && m.state == Disconnected {
			m.Connect()
		}
	default:
		return false
	}
	return true
}

func (m *Manager) handleDial(ev dialResult) {
	if ev.gen != m.gen || m.state != Connecting {
		if ev.ch != nil {
			ev.ch.Close()
		}
		return
	}

	if ev.err != nil {
		m.attempts++
		m.setState(Disconnected)
		err := &TransportError{Op: "dial", Err: ev.err}
		logger.WarnF("Channel: connection failed: %v", ev.err)
		if m.OnError != nil {
			m.OnError(err)
		}
		m.scheduleRetry()
		return
	}

	m.attempts = 0
	m.exhausted = false
	m.bo.Reset()
	m.conn = &connection{
		gen:  ev.gen,
		ch:   ev.ch,
		send: make(chan []byte, 256),
		done: make(chan struct{}),
	}
	go m.readPump(m.conn)
	go m.writePump(m.conn)

	logger.InfoF("Channel: connected to %s", m.url)
	m.setState(Connected)
	if m.OnConnected != nil {
		m.OnConnected()
	}
}

func (m *Manager) handleInbound(ev inbound) {
	if ev.gen != m.gen || m.state != Connected {
		return
	}
	msg, err := protocol.Decode(ev.data)
	if err != nil {
		logger.WarnF("Channel: invalid message: %v", err)
		return
	}
	if msg.Type == protocol.TypeWelcome {
		var w protocol.WelcomePayload
		if err := msg.Decode(&w); err == nil {
			m.sessionID = w.SessionID
			logger.InfoF("Channel: session %s (%s)", w.SessionID, w.Message)
			m.notifyState()
		}
	}
	if m.OnMessage != nil {
		m.OnMessage(msg)
	}
}

func (m *Manager) handleLost(ev lost) {
	if ev.gen != m.gen || m.state != Connected {
		return
	}
	logger.WarnF("Channel: connection lost: %v", ev.err)
	m.teardown()
	m.attempts++
	m.setState(Disconnected)
	if m.OnDisconnected != nil {
		m.OnDisconnected(&TransportError{Op: "read", Err: ev.err})
	}
	m.scheduleRetry()
}

func (m *Manager) scheduleRetry() {
	if m.ctx.Err() != nil {
		return
	}
	delay := m.bo.NextBackOff()
	if delay == backoff.Stop {
		m.exhausted = true
		logger.WarnF("Channel: giving up after %d attempts, waiting for an explicit reconnect", m.attempts)
		m.notifyState()
		return
	}

	gen := m.gen
	logger.DebugF("Channel: retrying in %s", delay)
	m.timer = time.AfterFunc(delay, func() {
		m.post(retryDue{gen: gen})
	})
}

func (m *Manager) stopTimer() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Manager) teardown() {
	if m.conn != nil {
		close(m.conn.done)
		m.conn.ch.Close()
		m.conn = nil
	}
	m.sessionID = ""
}

func (m *Manager) setState(s State) {
	m.state = s
	m.notifyState()
}

func (m *Manager) notifyState() {
	if m.OnStateChange != nil {
		m.OnStateChange(m.Status())
	}
}

func (m *Manager) readPump(c *connection) {
	for {
		data, err := c.ch.ReadMessage()
		if err != nil {
			m.post(lost{gen: c.gen, err: err})
			return
		}
		m.post(inbound{gen: c.gen, data: data})
	}
}

func (m *Manager) writePump(c *connection) {
	var tick <-chan time.Time
	if m.heartbeat > 0 {
		ticker := time.NewTicker(m.heartbeat)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case data := <-c.send:
			if err := c.ch.WriteMessage(data); err != nil {
				m.post(lost{gen: c.gen, err: err})
				return
			}

		case <-tick:
			if err := c.ch.Ping(); err != nil {
				m.post(lost{gen: c.gen, err: err})
				return
			}

		case <-c.done:
			return
		}
	}
}

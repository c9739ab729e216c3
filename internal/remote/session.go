package remote

import (
	"fmt"
	"net/http"
	"time"

	"keybridge/internal/logger"
	"keybridge/internal/protocol"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 50 * time.Second
	writeWait  = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Robots are driven from operator machines on the local network
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// session is one connected bridge.
type session struct {
	server   *Server
	conn     *websocket.Conn
	send     chan []byte
	done     chan struct{}
	id       string
	addr     string
	actuator *Actuator
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.WarnF("Remote: failed to upgrade connection: %v", err)
		return
	}

	sess := &session{
		server:   s,
		conn:     conn,
		send:     make(chan []byte, 256),
		done:     make(chan struct{}),
		id:       uuid.NewString(),
		addr:     r.RemoteAddr,
		actuator: NewActuator(),
	}
	s.register(sess)

	sess.reply(protocol.TypeWelcome, 0, protocol.WelcomePayload{
		Message:   "Connected to robot controller",
		Version:   Version,
		SessionID: sess.id,
	})

	go sess.writePump()
	go sess.readPump()
}

func (c *session) readPump() {
	defer func() {
		close(c.done)
		c.server.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(64 * 1024)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.DebugF("Remote: read error: %v", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.handleMessage(data)
	}
}

func (c *session) writePump() {
	ping := time.NewTicker(pingPeriod)
	defer func() {
		ping.Stop()
		c.conn.Close()
	}()

	var heartbeat <-chan time.Time
	if c.server.heartbeat > 0 {
		t := time.NewTicker(c.server.heartbeat)
		defer t.Stop()
		heartbeat = t.C
	}

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-heartbeat:
			c.reply(protocol.TypeHeartbeat, 0, protocol.TimestampPayload{Timestamp: time.Now().UnixMilli()})

		case <-ping.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			return
		}
	}
}

// reply queues a message for the write pump, dropping it if the session is backed up.
func (c *session) reply(t protocol.MessageType, requestID uint64, payload any) {
	msg, err := protocol.NewMessage(t, payload)
	if err != nil {
		logger.ErrorF("Remote: %v", err)
		return
	}
	msg.RequestID = requestID
	data, err := protocol.Encode(msg)
	if err != nil {
		logger.ErrorF("Remote: %v", err)
		return
	}
	select {
	case c.send <- data:
	default:
		logger.WarnF("Remote: session %s send buffer full, dropping %s", c.id, t)
	}
}

func (c *session) fail(requestID uint64, format string, args ...any) {
	c.reply(protocol.TypeError, requestID, protocol.ErrorPayload{Message: fmt.Sprintf(format, args...)})
}

func (c *session) handleMessage(data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		logger.WarnF("Remote: invalid message from %s: %v", c.id, err)
		c.fail(0, "invalid JSON")
		return
	}

	switch msg.Type {
	case protocol.TypeKeyDown:
		var p protocol.KeyDownPayload
		if err := msg.Decode(&p); err != nil {
			c.fail(msg.RequestID, "invalid %s payload", msg.Type)
			return
		}
		logger.InfoF("Remote: key DOWN '%s' (code: %d)", p.Key, p.KeyCode)
		fresh := !c.actuator.holds(p.Key)
		c.actuate(c.actuator.Press(p.Key))
		if fresh {
			c.server.broadcast(protocol.TypeKeyDown, protocol.KeyEventPayload{Key: p.Key, KeyCode: p.KeyCode, Timestamp: p.Timestamp}, c)
		}
		c.ack(msg, "")

	case protocol.TypeKeyUp:
		var p protocol.KeyUpPayload
		if err := msg.Decode(&p); err != nil {
			c.fail(msg.RequestID, "invalid %s payload", msg.Type)
			return
		}
		logger.InfoF("Remote: key UP '%s'", p.Key)
		held := c.actuator.holds(p.Key)
		c.actuate(c.actuator.Release(p.Key))
		if held {
			c.server.broadcast(protocol.TypeKeyUp, protocol.KeyEventPayload{Key: p.Key, Timestamp: p.Timestamp}, c)
		}
		c.ack(msg, "")

	case protocol.TypeTestConnection:
		var p protocol.TimestampPayload
		msg.Decode(&p)
		res := protocol.TestConnectionResult{Success: true}
		if p.Timestamp > 0 {
			res.LatencyMS = time.Now().UnixMilli() - p.Timestamp
		}
		c.reply(msg.Type.Response(), msg.RequestID, res)

	case protocol.TypeGetStatus:
		c.reply(msg.Type.Response(), msg.RequestID, c.server.Status())

	case protocol.TypeSendKey:
		var p protocol.SendKeyPayload
		if err := msg.Decode(&p); err != nil || p.Key == "" {
			c.ack(msg, "missing key")
			return
		}
		c.tap(p.Key)
		c.server.broadcast(protocol.TypeKeyReceived, protocol.KeyEventPayload{Key: p.Key, KeyCode: p.KeyCode, Timestamp: p.Timestamp}, c)
		c.ack(msg, "")

	case protocol.TypeSendKeyBatch:
		var p protocol.SendKeyBatchPayload
		if err := msg.Decode(&p); err != nil {
			c.ack(msg, "keys_input must be an array")
			return
		}
		processed := dedupeBatch(p.KeysInput)
		for _, k := range processed {
			c.tap(k.Key)
		}
		logger.InfoF("Remote: processed %d of %d batch keys", len(processed), len(p.KeysInput))
		if len(processed) > 0 {
			c.server.broadcast(protocol.TypeKeysBatch, protocol.KeysBatchPayload{Keys: processed, Timestamp: time.Now().UnixMilli()}, c)
		}
		c.ack(msg, "")

	default:
		c.fail(msg.RequestID, "unknown message type: %s", msg.Type)
	}
}

// ack answers msg when it carries a request id.
func (c *session) ack(msg protocol.Message, errMsg string) {
	if msg.RequestID == 0 && errMsg == "" {
		return
	}
	c.reply(msg.Type.Response(), msg.RequestID, protocol.AckResult{Success: errMsg == "", Error: errMsg})
}

// tap presses and releases a key.
func (c *session) tap(key string) {
	c.server.tap(c.id, c.actuator, key)
}

func (c *session) actuate(changed bool) {
	c.server.actuate(c.id, c.actuator, changed)
}

// dedupeBatch drops entries repeating the previous entry's key code.
func dedupeBatch(keys []protocol.KeyInput) []protocol.KeyInput {
	out := make([]protocol.KeyInput, 0, len(keys))
	for i, k := range keys {
		if i > 0 && k.KeyCode == keys[i-1].KeyCode {
			continue
		}
		out = append(out, k)
	}
	return out
}

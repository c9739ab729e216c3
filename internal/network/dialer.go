package network

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 64 * 1024
)

// Channel is one established, bidirectional message channel to the remote.
// ReadMessage and WriteMessage/Ping may be called from different goroutines.
type Channel interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Ping() error
	Close() error
}

// Dialer opens channels to the remote endpoint.
type Dialer interface {
	Dial(ctx context.Context, url string) (Channel, error)
}

// WSDialer dials websocket channels.
type WSDialer struct {
	HandshakeTimeout time.Duration

	// PongWait is how long the channel tolerates silence before a read fails.
	// Zero disables the read deadline.
	PongWait time.Duration
}

func (d WSDialer) Dial(ctx context.Context, url string) (Channel, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
	}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}

	conn.SetReadLimit(maxMessageSize)
	if d.PongWait > 0 {
		conn.SetReadDeadline(time.Now().Add(d.PongWait))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(d.PongWait))
			return nil
		})
	}
	return &wsChannel{conn: conn, pongWait: d.PongWait}, nil
}

type wsChannel struct {
	conn     *websocket.Conn
	pongWait time.Duration
}

func (c *wsChannel) ReadMessage() ([]byte, error) {
	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if c.pongWait > 0 {
			c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
		}
		if kind == websocket.TextMessage {
			return data, nil
		}
	}
}

func (c *wsChannel) WriteMessage(data []byte) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsChannel) Ping() error {
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (c *wsChannel) Close() error {
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return c.conn.Close()
}

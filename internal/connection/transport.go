package connection

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is one open push-channel connection.
type Conn interface {
	// ReadMessage blocks until the next text frame arrives or the connection fails.
	ReadMessage() ([]byte, error)

	// WriteMessage sends one text frame.
	WriteMessage(data []byte) error

	// Close closes the connection. A clean close tells the peer the
	// shutdown was intentional.
	Close(clean bool) error
}

// Dialer opens connections.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context) (Conn, error) { return f(ctx) }

// ErrUnauthorized is returned when the server rejects the handshake with 401.
var ErrUnauthorized = errors.New("websocket handshake: 401 unauthorized")

const (
	writeWait        = 10 * time.Second
	closeGracePeriod = 5 * time.Second
	maxMessageSize   = 1024 * 1024
)

// WebSocketDialer dials the push channel over gorilla/websocket.
type WebSocketDialer struct {
	URL string

	// Header returns the handshake headers. Authentication is attached here by
	// the caller; it is called once per dial so rotated credentials are picked up.
	Header func() http.Header

	HandshakeTimeout time.Duration
}

// Dial establishes the WebSocket connection.
func (d *WebSocketDialer) Dial(ctx context.Context) (Conn, error) {
	header := http.Header{}
	if d.Header != nil {
		header = d.Header()
	}

	timeout := d.HandshakeTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	dialer := websocket.Dialer{
		HandshakeTimeout: timeout,
	}

	conn, resp, err := dialer.DialContext(ctx, d.URL, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, ErrUnauthorized
		}
		return nil, fmt.Errorf("dial %s: %w", d.URL, err)
	}
	conn.SetReadLimit(maxMessageSize)

	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if msgType == websocket.TextMessage {
			return data, nil
		}
	}
}

func (c *wsConn) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close(clean bool) error {
	if !clean {
		return c.conn.Close()
	}

	c.writeMu.Lock()
	err := c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect"),
		time.Now().Add(closeGracePeriod),
	)
	c.writeMu.Unlock()
	if err != nil {
		_ = c.conn.Close()
		return err
	}
	return c.conn.Close()
}

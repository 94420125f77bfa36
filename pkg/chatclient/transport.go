package chatclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is the client's view of one open transport connection.
// Implementations must allow concurrent WriteMessage calls; reads are only
// ever issued from the manager's single read loop.
type Conn interface {
	// ReadMessage blocks for the next data frame.
	ReadMessage() ([]byte, error)
	// WriteMessage sends one data frame.
	WriteMessage(data []byte) error
	// Close performs the close handshake with the given close code.
	Close(code int, reason string) error
}

// Dialer opens a transport connection to the fixed endpoint.
type Dialer interface {
	DialContext(ctx context.Context, endpoint string) (Conn, error)
}

// CloseCode extracts the websocket close code from a read error. Errors that
// are not close errors (aborted TCP connections, timeouts) report
// CloseAbnormalClosure, which feeds the reconnect path like any other
// non-normal code.
func CloseCode(err error) int {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return websocket.CloseAbnormalClosure
}

// WebsocketDialer is the production Dialer backed by gorilla/websocket.
type WebsocketDialer struct {
	// HandshakeTimeout bounds the dial; zero uses a 10s default.
	HandshakeTimeout time.Duration
}

// DialContext implements Dialer.
func (d *WebsocketDialer) DialContext(ctx context.Context, endpoint string) (Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: d.HandshakeTimeout}
	if dialer.HandshakeTimeout == 0 {
		dialer.HandshakeTimeout = 10 * time.Second
	}

	sock, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}
	return &wsConn{sock: sock}, nil
}

// wsConn adapts *websocket.Conn to Conn. gorilla permits only one
// concurrent writer, so writes are serialized here; the manager's send
// paths (user sends, heartbeats, delivery resends) all funnel through.
type wsConn struct {
	sock    *websocket.Conn
	writeMu sync.Mutex
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	for {
		mt, data, err := c.sock.ReadMessage()
		if err != nil {
			return nil, err
		}
		if mt == websocket.TextMessage || mt == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (c *wsConn) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.sock.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close(code int, reason string) error {
	c.writeMu.Lock()
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.sock.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.sock.Close()
}

package gateway

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gatherly/chat-delivery/internal/domain"
	"github.com/gatherly/chat-delivery/internal/errmap"
	"github.com/gatherly/chat-delivery/pkg/protocol"
)

// closeWriteTimeout bounds the close-frame handshake on teardown.
const closeWriteTimeout = time.Second

// transport is the subset of *websocket.Conn the gateway writes through.
// Tests substitute an in-memory implementation.
type transport interface {
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// Conn is one accepted server-side connection: ephemeral, owned by its
// handler goroutine for reads and by the write pump for writes. All frames
// leave through a bounded send buffer so a slow peer never blocks the
// router or fan-out to other recipients.
type Conn struct {
	id     string
	tr     transport
	logger *slog.Logger

	// Identity assigned after the auth handshake succeeds. tokenUserID is
	// bound at upgrade time when a verifier is configured and must match.
	userID      atomic.Int64
	tokenUserID int64

	// Liveness flag for the server sweep. Set by any inbound heartbeat
	// traffic, cleared once per sweep.
	alive atomic.Bool

	send      chan []byte
	closeOnce sync.Once
	closed    chan struct{}
}

// NewConn wraps an accepted transport. The caller must run WritePump in its
// own goroutine.
func NewConn(id string, tr transport, tokenUserID int64, logger *slog.Logger) *Conn {
	c := &Conn{
		id:          id,
		tr:          tr,
		logger:      logger.With(slog.String("conn_id", id)),
		tokenUserID: tokenUserID,
		send:        make(chan []byte, domain.OutboundBufferSize),
		closed:      make(chan struct{}),
	}
	c.alive.Store(true)
	return c
}

// ID returns the connection's server-assigned identifier.
func (c *Conn) ID() string { return c.id }

// UserID returns the authenticated user ID, or zero before the auth
// handshake completes.
func (c *Conn) UserID() int64 { return c.userID.Load() }

// TokenUserID returns the identity bound at upgrade time, or zero when no
// verifier was configured.
func (c *Conn) TokenUserID() int64 { return c.tokenUserID }

func (c *Conn) setUserID(id int64) { c.userID.Store(id) }

// MarkAlive records inbound liveness for the next sweep.
func (c *Conn) MarkAlive() { c.alive.Store(true) }

// sweepAlive returns whether the connection was marked alive since the last
// sweep and clears the flag for the next cycle.
func (c *Conn) sweepAlive() bool { return c.alive.Swap(false) }

// Push queues an encoded frame for the write pump. It never blocks: a full
// buffer yields ErrSlowConsumer and the caller is expected to drop the
// connection; a closed connection yields ErrNotConnected.
func (c *Conn) Push(data []byte) error {
	select {
	case <-c.closed:
		return domain.ErrNotConnected
	default:
	}

	select {
	case c.send <- data:
		return nil
	case <-c.closed:
		return domain.ErrNotConnected
	default:
		return domain.ErrSlowConsumer
	}
}

// PushEnvelope encodes and queues an envelope.
func (c *Conn) PushEnvelope(e *protocol.Envelope) error {
	data, err := protocol.Encode(e)
	if err != nil {
		return fmt.Errorf("push %s: %w", e.Type, err)
	}
	return c.Push(data)
}

// WritePump drains the send buffer onto the transport. It exits when the
// connection closes or a write fails; a write failure tears the connection
// down so the read side unblocks too.
func (c *Conn) WritePump() {
	for {
		select {
		case data := <-c.send:
			if err := c.tr.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug("write failed, dropping connection", slog.String("error", err.Error()))
				c.Close(errmap.WebSocketClose{Code: errmap.CloseInternalError, Reason: "write_failed"})
				return
			}
		case <-c.closed:
			return
		}
	}
}

// Close performs the close handshake once: best-effort close frame with the
// given code, then transport teardown. Safe to call from any goroutine and
// repeatedly.
func (c *Conn) Close(wc errmap.WebSocketClose) {
	c.closeOnce.Do(func() {
		close(c.closed)
		msg := websocket.FormatCloseMessage(wc.Code, wc.Reason)
		if err := c.tr.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteTimeout)); err != nil {
			c.logger.Debug("close frame not sent", slog.String("error", err.Error()))
		}
		if err := c.tr.Close(); err != nil {
			c.logger.Debug("transport close", slog.String("error", err.Error()))
		}
	})
}

// Closed reports whether the connection has been torn down.
func (c *Conn) Closed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

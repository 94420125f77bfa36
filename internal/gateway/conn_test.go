package gateway_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatherly/chat-delivery/internal/domain"
	"github.com/gatherly/chat-delivery/internal/errmap"
	"github.com/gatherly/chat-delivery/internal/gateway"
	"github.com/gatherly/chat-delivery/pkg/protocol"
)

func TestConnPushNeverBlocks(t *testing.T) {
	c := newBareConn("c1") // no write pump: nothing drains

	for i := 0; i < domain.OutboundBufferSize; i++ {
		require.NoError(t, c.Push([]byte("{}")))
	}
	assert.ErrorIs(t, c.Push([]byte("{}")), domain.ErrSlowConsumer)
}

func TestConnPushAfterClose(t *testing.T) {
	c := newBareConn("c1")
	c.Close(errmap.WebSocketClose{Code: errmap.CloseNormalClosure, Reason: "done"})

	assert.ErrorIs(t, c.Push([]byte("{}")), domain.ErrNotConnected)
	assert.True(t, c.Closed())
}

func TestConnWritePumpDrainsInOrder(t *testing.T) {
	ft := newFakeTransport()
	c := gateway.NewConn("c1", ft, 0, discardLogger())
	go c.WritePump()
	defer c.Close(errmap.WebSocketClose{Code: errmap.CloseNormalClosure, Reason: "done"})

	require.NoError(t, c.PushEnvelope(&protocol.Envelope{Type: protocol.KindHeartbeat}))
	require.NoError(t, c.PushEnvelope(&protocol.Envelope{Type: protocol.KindHeartbeatAck}))

	first := ft.awaitFrame(t)
	assert.Equal(t, protocol.KindHeartbeat, first.Type)
	second := ft.awaitFrame(t)
	assert.Equal(t, protocol.KindHeartbeatAck, second.Type)
}

func TestConnCloseIsIdempotent(t *testing.T) {
	ft := newFakeTransport()
	c := gateway.NewConn("c1", ft, 0, discardLogger())

	c.Close(errmap.CloseHeartbeatMissed)
	c.Close(errmap.WebSocketClose{Code: errmap.CloseNormalClosure, Reason: "later"})

	closed, code := ft.closedWithCode()
	assert.True(t, closed)
	assert.Equal(t, errmap.CloseHeartbeatTimeout, code, "first close code wins")
}

func TestConnCloseUnblocksWritePump(t *testing.T) {
	ft := newFakeTransport()
	c := gateway.NewConn("c1", ft, 0, discardLogger())

	done := make(chan struct{})
	go func() {
		c.WritePump()
		close(done)
	}()

	c.Close(errmap.WebSocketClose{Code: errmap.CloseGoingAway, Reason: "shutdown"})
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("write pump did not exit on close")
	}
}

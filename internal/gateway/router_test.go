package gateway_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatherly/chat-delivery/internal/domain"
	"github.com/gatherly/chat-delivery/internal/domain/domaintest"
	"github.com/gatherly/chat-delivery/internal/errmap"
	"github.com/gatherly/chat-delivery/internal/gateway"
	"github.com/gatherly/chat-delivery/pkg/protocol"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeTransport records everything written to a connection.
type fakeTransport struct {
	frames chan []byte

	mu        sync.Mutex
	closeCode int
	closed    bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{frames: make(chan []byte, 512)}
}

func (ft *fakeTransport) WriteMessage(_ int, data []byte) error {
	ft.frames <- append([]byte(nil), data...)
	return nil
}

func (ft *fakeTransport) WriteControl(_ int, data []byte, _ time.Time) error {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	if len(data) >= 2 {
		ft.closeCode = int(data[0])<<8 | int(data[1])
	}
	return nil
}

func (ft *fakeTransport) Close() error {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	ft.closed = true
	return nil
}

func (ft *fakeTransport) closedWithCode() (bool, int) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return ft.closed, ft.closeCode
}

// awaitFrame returns the next decoded envelope written to the transport,
// skipping any kinds in ignore.
func (ft *fakeTransport) awaitFrame(t *testing.T, ignore ...protocol.Kind) *protocol.Envelope {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case data := <-ft.frames:
			e, err := protocol.Decode(data)
			require.NoError(t, err)
			skip := false
			for _, k := range ignore {
				if e.Type == k {
					skip = true
				}
			}
			if !skip {
				return e
			}
		case <-deadline:
			t.Fatal("no frame written in time")
		}
	}
}

func (ft *fakeTransport) assertNoFrame(t *testing.T) {
	t.Helper()
	select {
	case data := <-ft.frames:
		e, _ := protocol.Decode(data)
		t.Fatalf("unexpected frame of kind %s", e.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

// fakeStore is a scriptable Persistence.
type fakeStore struct {
	mu        sync.Mutex
	stored    []gateway.StoreMessageParams
	marked    [][3]int64
	members   map[int64][]int64
	storeErr  error
	memberErr error
	markErr   error
	nextID    int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{members: make(map[int64][]int64)}
}

func (s *fakeStore) StoreMessage(_ context.Context, p gateway.StoreMessageParams) (*gateway.StoredMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.storeErr != nil {
		return nil, s.storeErr
	}
	s.nextID++
	s.stored = append(s.stored, p)
	return &gateway.StoredMessage{
		ID:          s.nextID,
		MessageID:   p.MessageID,
		SenderID:    p.SenderID,
		RecipientID: p.RecipientID,
		ChatGroupID: p.ChatGroupID,
		Content:     p.Content,
	}, nil
}

func (s *fakeStore) GroupMembers(_ context.Context, chatGroupID int64) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.memberErr != nil {
		return nil, s.memberErr
	}
	members, ok := s.members[chatGroupID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return members, nil
}

func (s *fakeStore) MarkRead(_ context.Context, readerID, senderID, chatGroupID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.markErr != nil {
		return s.markErr
	}
	s.marked = append(s.marked, [3]int64{readerID, senderID, chatGroupID})
	return nil
}

func (s *fakeStore) storedParams() []gateway.StoreMessageParams {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]gateway.StoreMessageParams(nil), s.stored...)
}

// prefixCipher makes encryption visible in assertions.
type prefixCipher struct{}

func (prefixCipher) Encrypt(plaintext string) string { return "enc:" + plaintext }

func (prefixCipher) Decrypt(ciphertext string) string {
	return strings.TrimPrefix(ciphertext, "enc:")
}

type routerHarness struct {
	registry *gateway.Registry
	router   *gateway.Router
	store    *fakeStore
}

func newRouterHarness(t *testing.T) *routerHarness {
	t.Helper()
	h := &routerHarness{
		registry: gateway.NewRegistry(),
		store:    newFakeStore(),
	}
	h.router = gateway.NewRouter(gateway.RouterConfig{
		Registry:    h.registry,
		Persistence: h.store,
		Cipher:      prefixCipher{},
		Clock:       domaintest.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
		Logger:      discardLogger(),
	})
	return h
}

// newConn creates an accepted connection with a running write pump.
func (h *routerHarness) newConn(t *testing.T, id string) (*gateway.Conn, *fakeTransport) {
	t.Helper()
	ft := newFakeTransport()
	c := gateway.NewConn(id, ft, 0, discardLogger())
	go c.WritePump()
	t.Cleanup(func() {
		c.Close(errmap.WebSocketClose{Code: errmap.CloseNormalClosure, Reason: "test_done"})
	})
	return c, ft
}

// authedConn creates a connection and completes the auth handshake for
// userID, draining the auth_success reply.
func (h *routerHarness) authedConn(t *testing.T, userID int64) (*gateway.Conn, *fakeTransport) {
	t.Helper()
	c, ft := h.newConn(t, "conn-"+string(rune('a'+userID%26)))
	h.frame(t, c, &protocol.Envelope{Type: protocol.KindAuth, UserID: userID})
	reply := ft.awaitFrame(t)
	require.Equal(t, protocol.KindAuthSuccess, reply.Type)
	require.Equal(t, userID, reply.UserID)
	return c, ft
}

func (h *routerHarness) frame(t *testing.T, c *gateway.Conn, e *protocol.Envelope) {
	t.Helper()
	data, err := protocol.Encode(e)
	require.NoError(t, err)
	h.router.HandleFrame(context.Background(), c, data)
}

func TestRouterAuthRegistersConnection(t *testing.T) {
	h := newRouterHarness(t)

	c, _ := h.authedConn(t, 42)
	assert.Equal(t, int64(42), c.UserID())

	got, ok := h.registry.Lookup(42)
	require.True(t, ok)
	assert.Same(t, c, got)
}

func TestRouterAuthReplacesPriorConnection(t *testing.T) {
	h := newRouterHarness(t)

	first, firstTr := h.authedConn(t, 42)
	second, _ := h.authedConn(t, 42)

	require.Eventually(t, func() bool {
		closed, _ := firstTr.closedWithCode()
		return closed
	}, time.Second, 10*time.Millisecond)
	_, code := firstTr.closedWithCode()
	assert.Equal(t, errmap.ClosePolicyViolation, code)
	assert.True(t, first.Closed())

	got, ok := h.registry.Lookup(42)
	require.True(t, ok)
	assert.Same(t, second, got)
	assert.Equal(t, 1, h.registry.Len())
}

func TestRouterReauthAsDifferentUserReleasesOldBinding(t *testing.T) {
	h := newRouterHarness(t)

	c, ft := h.authedConn(t, 5)

	h.frame(t, c, &protocol.Envelope{Type: protocol.KindAuth, UserID: 6})
	reply := ft.awaitFrame(t)
	require.Equal(t, protocol.KindAuthSuccess, reply.Type)
	require.Equal(t, int64(6), reply.UserID)

	_, ok := h.registry.Lookup(5)
	assert.False(t, ok, "old identity must not keep a registry entry")
	got, ok := h.registry.Lookup(6)
	require.True(t, ok)
	assert.Same(t, c, got)
	assert.Equal(t, 1, h.registry.Len())

	// Teardown under the new identity leaves nothing behind.
	h.router.Disconnect(c, errmap.WebSocketClose{Code: errmap.CloseGoingAway, Reason: "peer_gone"})
	assert.Equal(t, 0, h.registry.Len())
}

func TestRouterAuthTokenMismatchDisconnects(t *testing.T) {
	h := newRouterHarness(t)

	ft := newFakeTransport()
	c := gateway.NewConn("conn-tok", ft, 7, discardLogger())
	go c.WritePump()

	h.frame(t, c, &protocol.Envelope{Type: protocol.KindAuth, UserID: 42})

	assert.True(t, c.Closed())
	_, code := ft.closedWithCode()
	assert.Equal(t, errmap.CloseUnauthorized, code)
	_, ok := h.registry.Lookup(42)
	assert.False(t, ok)
}

func TestRouterDirectChatDeliversAndConfirms(t *testing.T) {
	h := newRouterHarness(t)
	sender, senderTr := h.authedConn(t, 1)
	_, recipientTr := h.authedConn(t, 2)

	h.frame(t, sender, &protocol.Envelope{
		Type:        protocol.KindChatMessage,
		MessageID:   "1000-77-1",
		UserID:      1,
		RecipientID: 2,
		Content:     "hello",
		Timestamp:   1000,
	})

	delivered := recipientTr.awaitFrame(t)
	assert.Equal(t, protocol.KindChatMessage, delivered.Type)
	assert.Equal(t, "hello", delivered.Content, "recipients get plaintext")
	assert.Equal(t, int64(1), delivered.UserID)

	receipt := senderTr.awaitFrame(t)
	assert.Equal(t, protocol.KindMessageDelivered, receipt.Type)
	assert.Equal(t, "1000-77-1", receipt.MessageID)

	stored := h.store.storedParams()
	require.Len(t, stored, 1)
	assert.Equal(t, "enc:hello", stored[0].Content, "stored content is ciphertext")
	assert.Equal(t, int64(1), stored[0].SenderID)
	assert.Equal(t, int64(2), stored[0].RecipientID)
}

func TestRouterOfflineRecipientStillConfirms(t *testing.T) {
	h := newRouterHarness(t)
	sender, senderTr := h.authedConn(t, 1)

	h.frame(t, sender, &protocol.Envelope{
		Type:        protocol.KindChatMessage,
		MessageID:   "1000-77-1",
		UserID:      1,
		RecipientID: 99,
		Content:     "into the void",
	})

	// The receipt confirms persistence, not recipient delivery.
	receipt := senderTr.awaitFrame(t)
	assert.Equal(t, protocol.KindMessageDelivered, receipt.Type)
	require.Len(t, h.store.storedParams(), 1)
}

func TestRouterPersistFailureSendsNoReceipt(t *testing.T) {
	h := newRouterHarness(t)
	sender, senderTr := h.authedConn(t, 1)
	_, recipientTr := h.authedConn(t, 2)

	h.store.mu.Lock()
	h.store.storeErr = errors.New("relational store down")
	h.store.mu.Unlock()

	h.frame(t, sender, &protocol.Envelope{
		Type:        protocol.KindChatMessage,
		MessageID:   "1000-77-1",
		UserID:      1,
		RecipientID: 2,
		Content:     "hello",
	})

	errEnv := senderTr.awaitFrame(t)
	assert.Equal(t, protocol.KindError, errEnv.Type)
	assert.Equal(t, "service_unavailable", errEnv.Error)
	assert.Equal(t, "1000-77-1", errEnv.MessageID)
	recipientTr.assertNoFrame(t)
}

func TestRouterGroupChatFansOutToAllMembers(t *testing.T) {
	h := newRouterHarness(t)
	sender, senderTr := h.authedConn(t, 1)
	_, tr2 := h.authedConn(t, 2)
	_, tr3 := h.authedConn(t, 3)

	h.store.mu.Lock()
	h.store.members[10] = []int64{1, 2, 3, 4} // 4 is offline
	h.store.mu.Unlock()

	h.frame(t, sender, &protocol.Envelope{
		Type:        protocol.KindChatMessage,
		MessageID:   "1000-77-1",
		UserID:      1,
		ChatGroupID: 10,
		Content:     "hi all",
	})

	// Every live member gets a copy, the sender included.
	for _, tr := range []*fakeTransport{tr2, tr3} {
		got := tr.awaitFrame(t)
		assert.Equal(t, protocol.KindChatMessage, got.Type)
		assert.Equal(t, "hi all", got.Content)
		assert.Equal(t, int64(10), got.ChatGroupID)
	}
	echo := senderTr.awaitFrame(t)
	assert.Equal(t, protocol.KindChatMessage, echo.Type)
	receipt := senderTr.awaitFrame(t)
	assert.Equal(t, protocol.KindMessageDelivered, receipt.Type)
}

func TestRouterGroupChatSlowMemberDoesNotBlockOthers(t *testing.T) {
	h := newRouterHarness(t)
	sender, senderTr := h.authedConn(t, 1)
	_, tr2 := h.authedConn(t, 2)

	// User 3's pump never drains: fill its buffer so the next push fails.
	slowTr := newFakeTransport()
	slow := gateway.NewConn("conn-slow", slowTr, 0, discardLogger())
	h.frame(t, slow, &protocol.Envelope{Type: protocol.KindAuth, UserID: 3})
	for {
		if err := slow.Push([]byte("{}")); err != nil {
			require.ErrorIs(t, err, domain.ErrSlowConsumer)
			break
		}
	}

	h.store.mu.Lock()
	h.store.members[10] = []int64{1, 2, 3}
	h.store.mu.Unlock()

	h.frame(t, sender, &protocol.Envelope{
		Type:        protocol.KindChatMessage,
		MessageID:   "1000-77-1",
		UserID:      1,
		ChatGroupID: 10,
		Content:     "hi all",
	})

	got := tr2.awaitFrame(t)
	assert.Equal(t, "hi all", got.Content)
	receipt := senderTr.awaitFrame(t, protocol.KindChatMessage)
	assert.Equal(t, protocol.KindMessageDelivered, receipt.Type)

	// The slow consumer was dropped and evicted.
	assert.True(t, slow.Closed())
	_, ok := h.registry.Lookup(3)
	assert.False(t, ok)
}

func TestRouterReceiptFollowsSenderToCurrentConnection(t *testing.T) {
	h := newRouterHarness(t)
	old, oldTr := h.authedConn(t, 42)
	_, currentTr := h.authedConn(t, 42) // replaces old

	require.Eventually(t, func() bool { return old.Closed() }, time.Second, 10*time.Millisecond)

	// The chat frame was read from the old connection before it died, but
	// the message ID names user 42, so the receipt goes to the live one.
	h.frame(t, old, &protocol.Envelope{
		Type:        protocol.KindChatMessage,
		MessageID:   "1000-77-42",
		UserID:      42,
		RecipientID: 2,
		Content:     "late frame",
	})

	receipt := currentTr.awaitFrame(t)
	assert.Equal(t, protocol.KindMessageDelivered, receipt.Type)
	assert.Equal(t, "1000-77-42", receipt.MessageID)
	oldTr.assertNoFrame(t)
}

func TestRouterUnauthenticatedChatDisconnects(t *testing.T) {
	h := newRouterHarness(t)
	c, ft := h.newConn(t, "conn-raw")

	h.frame(t, c, &protocol.Envelope{
		Type:        protocol.KindChatMessage,
		MessageID:   "1000-77-1",
		UserID:      1,
		RecipientID: 2,
		Content:     "sneaky",
	})

	assert.True(t, c.Closed())
	_, code := ft.closedWithCode()
	assert.Equal(t, errmap.CloseUnauthorized, code)
	assert.Empty(t, h.store.storedParams())
}

func TestRouterMarkReadNotifiesPeer(t *testing.T) {
	h := newRouterHarness(t)
	reader, _ := h.authedConn(t, 2)
	_, peerTr := h.authedConn(t, 1)

	h.frame(t, reader, &protocol.Envelope{Type: protocol.KindMarkRead, UserID: 1})

	note := peerTr.awaitFrame(t)
	assert.Equal(t, protocol.KindMessageRead, note.Type)
	assert.Equal(t, int64(2), note.UserID, "notification names the reader")

	h.store.mu.Lock()
	defer h.store.mu.Unlock()
	require.Len(t, h.store.marked, 1)
	assert.Equal(t, [3]int64{2, 1, 0}, h.store.marked[0])
}

func TestRouterGroupMarkReadNotifiesNobody(t *testing.T) {
	h := newRouterHarness(t)
	reader, readerTr := h.authedConn(t, 2)

	h.frame(t, reader, &protocol.Envelope{Type: protocol.KindMarkRead, ChatGroupID: 10})

	readerTr.assertNoFrame(t)
	h.store.mu.Lock()
	defer h.store.mu.Unlock()
	require.Len(t, h.store.marked, 1)
	assert.Equal(t, [3]int64{2, 0, 10}, h.store.marked[0])
}

func TestRouterTypingExcludesOriginator(t *testing.T) {
	h := newRouterHarness(t)
	sender, senderTr := h.authedConn(t, 1)
	_, tr2 := h.authedConn(t, 2)

	h.store.mu.Lock()
	h.store.members[10] = []int64{1, 2}
	h.store.mu.Unlock()

	h.frame(t, sender, &protocol.Envelope{Type: protocol.KindTyping, UserID: 1, ChatGroupID: 10})

	got := tr2.awaitFrame(t)
	assert.Equal(t, protocol.KindTyping, got.Type)
	senderTr.assertNoFrame(t)
}

func TestRouterTypingDirect(t *testing.T) {
	h := newRouterHarness(t)
	sender, _ := h.authedConn(t, 1)
	_, tr2 := h.authedConn(t, 2)

	h.frame(t, sender, &protocol.Envelope{Type: protocol.KindTypingStop, UserID: 1, RecipientID: 2})

	got := tr2.awaitFrame(t)
	assert.Equal(t, protocol.KindTypingStop, got.Type)
}

func TestRouterHeartbeatAnswered(t *testing.T) {
	h := newRouterHarness(t)
	c, ft := h.authedConn(t, 1)

	h.frame(t, c, &protocol.Envelope{Type: protocol.KindHeartbeat})

	ack := ft.awaitFrame(t)
	assert.Equal(t, protocol.KindHeartbeatAck, ack.Type)
}

func TestRouterMalformedFrameKeepsConnectionOpen(t *testing.T) {
	h := newRouterHarness(t)
	c, ft := h.authedConn(t, 1)

	h.router.HandleFrame(context.Background(), c, []byte("{not json"))

	errEnv := ft.awaitFrame(t)
	assert.Equal(t, protocol.KindError, errEnv.Type)
	assert.Equal(t, "invalid_message", errEnv.Error)
	assert.False(t, c.Closed())
}

package chatclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gatherly/chat-delivery/internal/domain"
	"github.com/gatherly/chat-delivery/internal/errmap"
	"github.com/gatherly/chat-delivery/pkg/protocol"
)

// ManagerConfig holds the dependencies and tunables for a Manager. Zero
// durations and counts fall back to the production defaults; a nil Store
// keeps the offline queue in memory only.
type ManagerConfig struct {
	Endpoint string
	Dialer   Dialer
	Store    QueueStore
	Clock    domain.Clock
	Logger   *slog.Logger

	HeartbeatInterval     time.Duration
	HeartbeatAckTimeout   time.Duration
	DeliveryCheckInterval time.Duration
	MaxDeliveryAttempts   int
	ReconnectBaseInterval time.Duration
	ReconnectMaxInterval  time.Duration
	// MaxReconnectAttempts stops the backoff loop after this many failed
	// attempts. Zero retries forever.
	MaxReconnectAttempts int
}

// Manager owns one logical connection to the chat gateway: the dial and
// auth handshake, the heartbeat exchange, the reconnect backoff loop, the
// offline queue, and delivery tracking. All sends from the owning
// application go through SendMessage, MarkAsRead and SendTypingIndicator;
// inbound traffic and state changes surface through subscribed events.
//
// Timers and goroutines spawned for one physical connection carry the
// connection's epoch; any that outlive the connection find a newer epoch
// and become no-ops.
type Manager struct {
	endpoint      string
	dialer        Dialer
	clock         domain.Clock
	logger        *slog.Logger
	hbInterval    time.Duration
	hbAckTimeout  time.Duration
	reconnectBase time.Duration
	reconnectMax  time.Duration
	maxReconnects int

	events  *bus
	queue   *OfflineQueue
	tracker *Tracker

	mu sync.Mutex
	// session increments on Connect and Disconnect; an in-flight dial or a
	// scheduled reconnect from an older session is abandoned.
	session int
	// epoch increments whenever the current physical connection changes.
	epoch             int
	status            Status
	userID            int64
	conn              Conn
	connecting        bool
	authenticated     bool
	reconnectAttempts int
	reconnectTimer    *time.Timer
	hbStop            chan struct{}
	hbAckTimer        *time.Timer
}

// NewManager creates a Manager. It does not connect; call Connect.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Clock == nil {
		cfg.Clock = domain.RealClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &WebsocketDialer{}
	}
	if cfg.Store == nil {
		cfg.Store = &MemQueueStore{}
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = domain.HeartbeatInterval
	}
	if cfg.HeartbeatAckTimeout <= 0 {
		cfg.HeartbeatAckTimeout = domain.HeartbeatAckTimeout
	}
	if cfg.ReconnectBaseInterval <= 0 {
		cfg.ReconnectBaseInterval = domain.ReconnectBaseInterval
	}
	if cfg.ReconnectMaxInterval <= 0 {
		cfg.ReconnectMaxInterval = domain.ReconnectMaxInterval
	}

	m := &Manager{
		endpoint:      cfg.Endpoint,
		dialer:        cfg.Dialer,
		clock:         cfg.Clock,
		logger:        cfg.Logger,
		hbInterval:    cfg.HeartbeatInterval,
		hbAckTimeout:  cfg.HeartbeatAckTimeout,
		reconnectBase: cfg.ReconnectBaseInterval,
		reconnectMax:  cfg.ReconnectMaxInterval,
		maxReconnects: cfg.MaxReconnectAttempts,
		events:        newBus(),
		status:        StatusDisconnected,
	}
	m.queue = NewOfflineQueue(cfg.Store, cfg.Clock, cfg.Logger)
	m.tracker = NewTracker(TrackerConfig{
		CheckInterval: cfg.DeliveryCheckInterval,
		MaxAttempts:   cfg.MaxDeliveryAttempts,
		Clock:         cfg.Clock,
		Logger:        cfg.Logger,
		Resend:        m.resendTracked,
		Abandon:       m.trackerAbandoned,
	})
	return m
}

// Subscribe registers an event observer and returns its cancel function.
// Observers run synchronously on the manager's goroutines and must not
// block or call back into the Manager.
func (m *Manager) Subscribe(fn func(Event)) func() {
	id := m.events.subscribe(fn)
	return func() { m.events.unsubscribe(id) }
}

// Status returns the current connection status.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// QueueLen returns the offline queue length.
func (m *Manager) QueueLen() int {
	return m.queue.Len()
}

// PendingDeliveries returns the number of unacknowledged chat messages.
func (m *Manager) PendingDeliveries() int {
	return m.tracker.Pending()
}

// Connect starts connecting as userID. A no-op while a connection is open
// or a dial is in flight; a pending reconnect timer is replaced by an
// immediate attempt.
func (m *Manager) Connect(userID int64) {
	m.mu.Lock()
	if m.connecting || m.conn != nil {
		m.mu.Unlock()
		return
	}
	m.session++
	session := m.session
	m.userID = userID
	m.connecting = true
	m.reconnectAttempts = 0
	m.cancelReconnectLocked()
	m.status = StatusConnecting
	m.mu.Unlock()

	m.events.emit(Event{Kind: EventStatusChange, Status: StatusConnecting})
	go m.dial(session)
}

// Disconnect tears the connection down intentionally: heartbeats stop, the
// transport closes with a normal-closure code, and no reconnect is
// scheduled. Queued and tracked messages are kept for the next Connect.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.session++
	m.epoch++
	m.connecting = false
	m.authenticated = false
	m.reconnectAttempts = 0
	m.cancelReconnectLocked()
	m.stopHeartbeatLocked()
	conn := m.conn
	m.conn = nil
	changed := m.status != StatusDisconnected
	m.status = StatusDisconnected
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close(errmap.CloseNormalClosure, "client_disconnect")
	}
	if changed {
		m.events.emit(Event{Kind: EventStatusChange, Status: StatusDisconnected})
	}
}

// Close shuts the Manager down for good: Disconnect plus cancellation of
// all delivery-check timers.
func (m *Manager) Close() {
	m.Disconnect()
	m.tracker.Stop()
}

// SendMessage builds a chat envelope addressed to exactly one of
// recipientID or chatGroupID (the other must be zero) and either sends it
// on the open connection or queues it. The assigned messageID is returned
// either way.
func (m *Manager) SendMessage(recipientID, chatGroupID int64, content string) (string, error) {
	m.mu.Lock()
	userID := m.userID
	m.mu.Unlock()
	if userID == 0 {
		return "", fmt.Errorf("send message: no identity: %w", domain.ErrUnauthorized)
	}

	e := &protocol.Envelope{
		Type:        protocol.KindChatMessage,
		MessageID:   protocol.NewMessageID(m.clock, userID),
		UserID:      userID,
		RecipientID: recipientID,
		ChatGroupID: chatGroupID,
		Content:     content,
		Timestamp:   domain.NowUTCMillis(m.clock),
	}
	if err := e.Validate(); err != nil {
		return "", err
	}

	m.sendOrQueue(e)
	return e.MessageID, nil
}

// MarkAsRead reports that messages from senderID, or in chatGroupID, have
// been read. Offline, the request is queued in memory and replayed on the
// next flush; it does not survive a restart.
func (m *Manager) MarkAsRead(senderID, chatGroupID int64) error {
	m.mu.Lock()
	userID := m.userID
	m.mu.Unlock()
	if userID == 0 {
		return fmt.Errorf("mark read: no identity: %w", domain.ErrUnauthorized)
	}

	e := &protocol.Envelope{
		Type:        protocol.KindMarkRead,
		UserID:      senderID,
		ChatGroupID: chatGroupID,
		Timestamp:   domain.NowUTCMillis(m.clock),
	}
	if err := e.Validate(); err != nil {
		return err
	}

	m.sendOrQueue(e)
	return nil
}

// SendTypingIndicator signals typing start or stop to a recipient or
// group. Typing is transient: with no open connection the signal is
// dropped, never queued.
func (m *Manager) SendTypingIndicator(recipientID, chatGroupID int64, stop bool) error {
	m.mu.Lock()
	userID := m.userID
	m.mu.Unlock()
	if userID == 0 {
		return fmt.Errorf("typing indicator: no identity: %w", domain.ErrUnauthorized)
	}

	kind := protocol.KindTyping
	if stop {
		kind = protocol.KindTypingStop
	}
	e := &protocol.Envelope{
		Type:        kind,
		UserID:      userID,
		RecipientID: recipientID,
		ChatGroupID: chatGroupID,
	}
	if err := e.Validate(); err != nil {
		return err
	}

	m.sendOrQueue(e)
	return nil
}

// sendOrQueue writes e on the open connection, registering chat messages
// with the delivery tracker on success, or hands it to the offline queue.
func (m *Manager) sendOrQueue(e *protocol.Envelope) {
	m.mu.Lock()
	conn := m.conn
	open := conn != nil && m.authenticated
	m.mu.Unlock()

	if open {
		if err := m.writeEnvelope(conn, e); err == nil {
			m.tracker.Track(e)
			return
		}
	}

	if e.Type.Transient() {
		m.logger.Debug("dropping transient signal while offline", slog.String("type", string(e.Type)))
		return
	}
	n := m.queue.Enqueue(e)
	m.events.emit(Event{Kind: EventQueueLengthChanged, QueueLen: n})
}

// dial performs one connection attempt for session. On success it installs
// the connection, sends the auth envelope, and starts the read loop; on
// failure it enters the error state and schedules the next attempt.
func (m *Manager) dial(session int) {
	conn, err := m.dialer.DialContext(context.Background(), m.endpoint)

	m.mu.Lock()
	if m.session != session {
		m.mu.Unlock()
		if conn != nil {
			_ = conn.Close(errmap.CloseNormalClosure, "superseded")
		}
		return
	}
	m.connecting = false

	if err != nil {
		m.status = StatusError
		events := []Event{{Kind: EventStatusChange, Status: StatusError, Err: err}}
		m.scheduleReconnectLocked(&events)
		m.mu.Unlock()

		m.logger.Warn("dial failed", slog.String("error", err.Error()))
		for _, ev := range events {
			m.events.emit(ev)
		}
		return
	}

	m.epoch++
	epoch := m.epoch
	m.conn = conn
	m.reconnectAttempts = 0
	m.status = StatusConnected
	userID := m.userID
	m.mu.Unlock()

	m.events.emit(Event{Kind: EventStatusChange, Status: StatusConnected})
	if err := m.writeEnvelope(conn, &protocol.Envelope{Type: protocol.KindAuth, UserID: userID}); err != nil {
		m.logger.Warn("auth send failed", slog.String("error", err.Error()))
	}
	go m.readLoop(conn, epoch)
}

// readLoop drains conn until it errors, dispatching every frame.
func (m *Manager) readLoop(conn Conn, epoch int) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			m.handleTransportClose(epoch, err)
			return
		}
		m.dispatch(conn, epoch, data)
	}
}

// dispatch decodes one inbound frame and reacts to it. Every parsed
// envelope is also surfaced verbatim for observers.
func (m *Manager) dispatch(conn Conn, epoch int, data []byte) {
	e, err := protocol.Decode(data)
	if err != nil {
		m.logger.Warn("undecodable frame", slog.String("error", err.Error()))
		m.events.emit(Event{Kind: EventProtocolError, Err: err})
		return
	}

	m.events.emit(Event{Kind: EventEnvelopeReceived, Envelope: e})

	switch e.Type {
	case protocol.KindAuthSuccess:
		m.onAuthSuccess(conn, epoch)

	case protocol.KindChatMessage:
		m.events.emit(Event{Kind: EventMessageReceived, Envelope: e})

	case protocol.KindMessageDelivered:
		if m.tracker.Ack(e.MessageID) {
			m.events.emit(Event{Kind: EventDeliveryConfirmed, MessageID: e.MessageID})
		}

	case protocol.KindMessageRead:
		m.events.emit(Event{Kind: EventReadReceipt, Envelope: e})

	case protocol.KindTyping:
		m.events.emit(Event{Kind: EventTypingChanged, Typing: true, Envelope: e})

	case protocol.KindTypingStop:
		m.events.emit(Event{Kind: EventTypingChanged, Typing: false, Envelope: e})

	case protocol.KindHeartbeat:
		// Server-side liveness probe; answer immediately.
		if err := m.writeEnvelope(conn, &protocol.Envelope{Type: protocol.KindHeartbeatAck}); err != nil {
			m.logger.Debug("heartbeat ack send failed", slog.String("error", err.Error()))
		}

	case protocol.KindHeartbeatAck:
		m.onHeartbeatAck(epoch)

	case protocol.KindError:
		m.events.emit(Event{Kind: EventProtocolError, Envelope: e, Err: errors.New(e.Error)})
	}
}

// onAuthSuccess moves the connection to its steady state: the heartbeat
// loop starts and the offline backlog flushes in FIFO order.
func (m *Manager) onAuthSuccess(conn Conn, epoch int) {
	m.mu.Lock()
	if m.epoch != epoch || m.conn != conn {
		m.mu.Unlock()
		return
	}
	m.authenticated = true
	m.stopHeartbeatLocked()
	stop := make(chan struct{})
	m.hbStop = stop
	m.mu.Unlock()

	go m.heartbeatLoop(conn, epoch, stop)
	m.flush(conn, epoch)
}

// heartbeatLoop probes the server at a fixed interval, starting right
// away, until the connection is torn down.
func (m *Manager) heartbeatLoop(conn Conn, epoch int, stop <-chan struct{}) {
	m.sendHeartbeat(conn, epoch)

	ticker := time.NewTicker(m.hbInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.sendHeartbeat(conn, epoch)
		}
	}
}

// sendHeartbeat writes one probe and arms the ack timeout. A missing ack
// within the window means the connection is dead in a way TCP has not
// noticed yet, so it is force-closed with a distinguishing code.
func (m *Manager) sendHeartbeat(conn Conn, epoch int) {
	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		return
	}
	if m.hbAckTimer != nil {
		m.hbAckTimer.Stop()
	}
	m.hbAckTimer = time.AfterFunc(m.hbAckTimeout, func() { m.heartbeatTimeout(conn, epoch) })
	m.mu.Unlock()

	if err := m.writeEnvelope(conn, &protocol.Envelope{Type: protocol.KindHeartbeat}); err != nil {
		m.logger.Debug("heartbeat send failed", slog.String("error", err.Error()))
	}
}

// onHeartbeatAck disarms the pending ack timeout.
func (m *Manager) onHeartbeatAck(epoch int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.epoch != epoch {
		return
	}
	if m.hbAckTimer != nil {
		m.hbAckTimer.Stop()
		m.hbAckTimer = nil
	}
}

// heartbeatTimeout fires when no ack arrived in time. Closing the
// transport errors the read loop, which then runs the normal
// transport-close path and schedules a reconnect.
func (m *Manager) heartbeatTimeout(conn Conn, epoch int) {
	m.mu.Lock()
	stale := m.epoch != epoch
	m.mu.Unlock()
	if stale {
		return
	}

	m.logger.Warn("heartbeat ack missed, closing connection")
	_ = conn.Close(errmap.CloseHeartbeatMissed.Code, errmap.CloseHeartbeatMissed.Reason)
}

// flush drains the offline queue onto conn in FIFO order. A failed write
// puts the entry back at the head and stops the cycle; the remainder waits
// for the next successful connection.
func (m *Manager) flush(conn Conn, epoch int) {
	flushed := false
	for {
		m.mu.Lock()
		current := m.epoch == epoch && m.conn == conn && m.authenticated
		m.mu.Unlock()
		if !current {
			return
		}

		qm, ok := m.queue.PopFront()
		if !ok {
			break
		}

		e := qm.Payload
		if e.Type == protocol.KindChatMessage {
			// Receivers should see the actual send time, not the enqueue time.
			e.Timestamp = domain.NowUTCMillis(m.clock)
		}
		if err := m.writeEnvelope(conn, &e); err != nil {
			qm.Payload = e
			m.queue.PushFront(qm)
			m.logger.Warn("queue flush interrupted", slog.String("error", err.Error()))
			break
		}
		m.tracker.Track(&e)
		flushed = true
	}

	if flushed {
		m.events.emit(Event{Kind: EventQueueLengthChanged, QueueLen: m.queue.Len()})
	}
}

// handleTransportClose runs when the read loop for epoch errors out. Local
// disconnects bump the epoch first, so only unexpected closures reach the
// reconnect decision.
func (m *Manager) handleTransportClose(epoch int, err error) {
	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		return
	}
	m.epoch++
	m.authenticated = false
	m.conn = nil
	m.stopHeartbeatLocked()

	code := CloseCode(err)
	m.status = StatusDisconnected
	events := []Event{{Kind: EventStatusChange, Status: StatusDisconnected, Err: err}}
	if !errmap.SuppressesReconnect(code) && m.userID != 0 {
		m.scheduleReconnectLocked(&events)
	}
	m.mu.Unlock()

	m.logger.Info("connection closed",
		slog.Int("close_code", code),
		slog.String("error", err.Error()),
	)
	for _, ev := range events {
		m.events.emit(ev)
	}
}

// scheduleReconnectLocked arms the backoff timer for the next attempt, or
// reports exhaustion when the attempt cap is reached. Caller holds m.mu.
func (m *Manager) scheduleReconnectLocked(events *[]Event) {
	m.reconnectAttempts++
	attempt := m.reconnectAttempts

	if m.maxReconnects > 0 && attempt > m.maxReconnects {
		*events = append(*events, Event{Kind: EventReconnectExhausted, Attempt: attempt - 1})
		return
	}

	delay := ReconnectDelay(m.reconnectBase, m.reconnectMax, attempt)
	session := m.session
	m.cancelReconnectLocked()
	m.reconnectTimer = time.AfterFunc(delay, func() { m.redial(session) })
	*events = append(*events, Event{Kind: EventReconnectScheduled, Attempt: attempt, Delay: delay})
}

// redial is the reconnect timer's target: one more dial for the same
// logical session.
func (m *Manager) redial(session int) {
	m.mu.Lock()
	if m.session != session || m.connecting || m.conn != nil {
		m.mu.Unlock()
		return
	}
	m.connecting = true
	m.status = StatusConnecting
	m.mu.Unlock()

	m.events.emit(Event{Kind: EventStatusChange, Status: StatusConnecting})
	m.dial(session)
}

// resendTracked is the tracker's Resend callback: retransmit on the
// current connection, reporting whether one was open to take the payload.
func (m *Manager) resendTracked(e *protocol.Envelope) bool {
	m.mu.Lock()
	conn := m.conn
	open := conn != nil && m.authenticated
	m.mu.Unlock()

	if !open {
		return false
	}
	return m.writeEnvelope(conn, e) == nil
}

// trackerAbandoned is the tracker's Abandon callback. A retryable cause
// (no transport at check time) moves the payload to the offline queue;
// anything else is a permanent delivery failure surfaced to observers.
func (m *Manager) trackerAbandoned(e *protocol.Envelope, cause error) {
	if domain.IsRetryable(cause) {
		n := m.queue.Enqueue(e)
		m.events.emit(Event{Kind: EventQueueLengthChanged, QueueLen: n})
		return
	}
	m.events.emit(Event{Kind: EventDeliveryFailed, MessageID: e.MessageID, Err: cause})
}

func (m *Manager) writeEnvelope(conn Conn, e *protocol.Envelope) error {
	data, err := protocol.Encode(e)
	if err != nil {
		return err
	}
	return conn.WriteMessage(data)
}

func (m *Manager) cancelReconnectLocked() {
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
}

func (m *Manager) stopHeartbeatLocked() {
	if m.hbStop != nil {
		close(m.hbStop)
		m.hbStop = nil
	}
	if m.hbAckTimer != nil {
		m.hbAckTimer.Stop()
		m.hbAckTimer = nil
	}
}

package chatclient

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gatherly/chat-delivery/internal/domain"
	"github.com/gatherly/chat-delivery/pkg/protocol"
)

// pendingDelivery tracks one chat message handed to an open connection but
// not yet acknowledged by a message_delivered receipt.
type pendingDelivery struct {
	payload  protocol.Envelope
	attempts int
	sentAt   time.Time
	timer    *time.Timer
}

// TrackerConfig holds the dependencies and tunables for a Tracker.
type TrackerConfig struct {
	// CheckInterval is the fixed spacing between delivery checks.
	// Zero falls back to the default.
	CheckInterval time.Duration
	// MaxAttempts caps total transmissions. Zero falls back to the default.
	MaxAttempts int
	Clock       domain.Clock
	Logger      *slog.Logger

	// Resend retransmits the payload on the current connection, reporting
	// whether a transport was open to take it.
	Resend func(e *protocol.Envelope) bool
	// Abandon reports a message the tracker gave up on, with the cause:
	// domain.ErrNotConnected when no transport was open at check time
	// (retryable, the owner moves it to the offline queue), or
	// domain.ErrDeliveryFailed once the attempt cap is reached.
	Abandon func(e *protocol.Envelope, cause error)
}

// Tracker owns the per-message retry state between first transmission and
// acknowledgement. Each tracked message gets its own delivery-check timer;
// a check on an already-acknowledged message is a no-op, so stale timers
// from old connections are harmless.
type Tracker struct {
	interval    time.Duration
	maxAttempts int
	clock       domain.Clock
	logger      *slog.Logger
	resend      func(e *protocol.Envelope) bool
	abandon     func(e *protocol.Envelope, cause error)

	mu      sync.Mutex
	pending map[string]*pendingDelivery
	stopped bool
}

// NewTracker creates a Tracker.
func NewTracker(cfg TrackerConfig) *Tracker {
	interval := cfg.CheckInterval
	if interval <= 0 {
		interval = domain.DeliveryCheckInterval
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = domain.MaxDeliveryAttempts
	}
	return &Tracker{
		interval:    interval,
		maxAttempts: maxAttempts,
		clock:       cfg.Clock,
		logger:      cfg.Logger,
		resend:      cfg.Resend,
		abandon:     cfg.Abandon,
		pending:     make(map[string]*pendingDelivery),
	}
}

// Track registers a chat message the instant it is handed to an open
// connection and schedules its first delivery check. Tracking an already
// tracked messageID resets its payload but not its attempt count.
func (t *Tracker) Track(e *protocol.Envelope) {
	if e.MessageID == "" || e.Type != protocol.KindChatMessage {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}

	if p, ok := t.pending[e.MessageID]; ok {
		p.payload = *e
		return
	}

	p := &pendingDelivery{
		payload:  *e,
		attempts: 1,
		sentAt:   t.clock.Now(),
	}
	id := e.MessageID
	p.timer = time.AfterFunc(t.interval, func() { t.checkDelivery(id) })
	t.pending[id] = p
}

// Ack removes the pending entry for messageID. Idempotent: re-delivered
// receipts for an already-removed entry never resurrect it.
func (t *Tracker) Ack(messageID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.pending[messageID]
	if !ok {
		return false
	}
	p.timer.Stop()
	delete(t.pending, messageID)
	return true
}

// Pending returns the number of unacknowledged messages.
func (t *Tracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Stop cancels all delivery-check timers. Entries are discarded; Stop is
// for process shutdown, not for disconnects (pending state survives
// reconnect cycles on purpose).
func (t *Tracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	for id, p := range t.pending {
		p.timer.Stop()
		delete(t.pending, id)
	}
}

// checkDelivery runs one scheduled check for messageID: acknowledge already
// happened (no-op), attempts exhausted (permanent failure), transport open
// (resend and reschedule), or transport closed (hand off to the offline
// queue).
func (t *Tracker) checkDelivery(messageID string) {
	t.mu.Lock()
	p, ok := t.pending[messageID]
	if !ok || t.stopped {
		t.mu.Unlock()
		return
	}

	if p.attempts >= t.maxAttempts {
		payload := p.payload
		delete(t.pending, messageID)
		t.mu.Unlock()
		t.logger.Warn("delivery attempts exhausted",
			slog.String("message_id", messageID),
			slog.String("error", domain.ErrDeliveryFailed.Error()),
		)
		t.abandon(&payload, domain.ErrDeliveryFailed)
		return
	}

	p.attempts++
	payload := p.payload
	t.mu.Unlock()

	if t.resend(&payload) {
		t.mu.Lock()
		if p2, still := t.pending[messageID]; still && !t.stopped {
			p2.timer = time.AfterFunc(t.interval, func() { t.checkDelivery(messageID) })
		}
		t.mu.Unlock()
		return
	}

	// No open transport: the offline queue takes over and flush-time logic
	// will re-register tracking on resend.
	t.mu.Lock()
	delete(t.pending, messageID)
	t.mu.Unlock()
	t.abandon(&payload, domain.ErrNotConnected)
}

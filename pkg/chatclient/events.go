package chatclient

import (
	"sync"
	"time"

	"github.com/gatherly/chat-delivery/pkg/protocol"
)

// Status is the connection manager's externally visible state.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	// StatusError is transient: it always proceeds to a reconnect attempt,
	// or to disconnected when no identity is known.
	StatusError Status = "error"
)

// EventKind identifies a client notification.
type EventKind string

const (
	EventStatusChange       EventKind = "status_change"
	EventEnvelopeReceived   EventKind = "envelope_received" // every parsed inbound envelope
	EventMessageReceived    EventKind = "message_received"
	EventDeliveryConfirmed  EventKind = "delivery_confirmed"
	EventDeliveryFailed     EventKind = "delivery_failed"
	EventQueueLengthChanged EventKind = "queue_length_changed"
	EventTypingChanged      EventKind = "typing_changed"
	EventReadReceipt        EventKind = "read_receipt"
	EventReconnectScheduled EventKind = "reconnect_scheduled"
	EventReconnectExhausted EventKind = "reconnect_exhausted"
	EventProtocolError      EventKind = "protocol_error"
)

// Event is a client-observable notification. Only the fields relevant to
// Kind are populated.
type Event struct {
	Kind     EventKind
	Status   Status
	Envelope *protocol.Envelope
	// MessageID identifies the message for delivery events.
	MessageID string
	// QueueLen is the offline queue length after a mutation.
	QueueLen int
	// Typing reports whether the peer started (true) or stopped typing.
	Typing bool
	// Attempt and Delay describe a scheduled reconnect.
	Attempt int
	Delay   time.Duration
	Err     error
}

// bus fans events out to independently registered observers, so multiple
// subscribers (UI components and the like) can listen without the manager
// knowing about them.
type bus struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]func(Event)
}

func newBus() *bus {
	return &bus{subs: make(map[int]func(Event))}
}

// subscribe registers fn and returns its subscription ID.
func (b *bus) subscribe(fn func(Event)) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.subs[b.nextID] = fn
	return b.nextID
}

// unsubscribe removes a subscription. Unknown IDs are ignored.
func (b *bus) unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

// emit delivers ev to every subscriber. Delivery is synchronous on the
// caller's goroutine; subscribers must not block.
func (b *bus) emit(ev Event) {
	b.mu.Lock()
	fns := make([]func(Event), 0, len(b.subs))
	for _, fn := range b.subs {
		fns = append(fns, fn)
	}
	b.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

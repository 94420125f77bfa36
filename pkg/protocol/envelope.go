// Package protocol defines the wire envelope exchanged over the persistent
// chat connection. Envelopes are newline-free JSON objects, one per frame:
// a flat tagged union with a "type" discriminator and optional fields.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/gatherly/chat-delivery/internal/domain"
)

// Kind identifies the type of an envelope.
type Kind string

const (
	// Handshake
	KindAuth        Kind = "auth"
	KindAuthSuccess Kind = "auth_success"

	// Chat
	KindChatMessage      Kind = "chat_message"
	KindMessageDelivered Kind = "message_delivered"
	KindMessageRead      Kind = "message_read"
	KindMarkRead         Kind = "mark_read"

	// Presence signals
	KindTyping     Kind = "typing"
	KindTypingStop Kind = "typing_stop"

	// Heartbeat
	KindHeartbeat    Kind = "heartbeat"
	KindHeartbeatAck Kind = "heartbeat_ack"

	// Errors
	KindError Kind = "error"
)

// kinds is the set of known envelope kinds.
var kinds = map[Kind]struct{}{
	KindAuth: {}, KindAuthSuccess: {},
	KindChatMessage: {}, KindMessageDelivered: {}, KindMessageRead: {}, KindMarkRead: {},
	KindTyping: {}, KindTypingStop: {},
	KindHeartbeat: {}, KindHeartbeatAck: {},
	KindError: {},
}

// IsValid reports whether k is a known envelope kind.
func (k Kind) IsValid() bool {
	_, ok := kinds[k]
	return ok
}

// Transient reports whether envelopes of this kind are fire-and-forget
// signals. Transient envelopes are never queued for offline replay and
// never tracked for delivery acknowledgement.
func (k Kind) Transient() bool {
	switch k {
	case KindTyping, KindTypingStop, KindHeartbeat, KindHeartbeatAck:
		return true
	}
	return false
}

// Envelope is a single typed message unit. Exactly which optional fields are
// populated depends on Type; Validate enforces the per-kind invariants.
type Envelope struct {
	Type        Kind   `json:"type"`
	MessageID   string `json:"messageId,omitempty"`
	UserID      int64  `json:"userId,omitempty"`
	RecipientID int64  `json:"recipientId,omitempty"`
	ChatGroupID int64  `json:"chatGroupId,omitempty"`
	Content     string `json:"content,omitempty"`
	Timestamp   int64  `json:"timestamp,omitempty"` // epoch milliseconds UTC
	Error       string `json:"error,omitempty"`
}

// Encode serializes the envelope as a single JSON frame.
func Encode(e *Envelope) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode %s envelope: %w", e.Type, err)
	}
	return data, nil
}

// Decode parses and validates an inbound frame. A malformed body or an
// envelope violating its kind's invariants yields an error wrapping one of
// the domain protocol sentinels; it never panics past the connection
// boundary.
func Decode(data []byte) (*Envelope, error) {
	if len(data) > domain.MaxMessageSize {
		return nil, fmt.Errorf("frame of %d bytes: %w", len(data), domain.ErrMessageTooLarge)
	}

	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidEnvelope, err)
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return &e, nil
}

// Validate checks the envelope against its kind's invariants. Envelopes
// failing validation are rejected whole, never partially processed.
func (e *Envelope) Validate() error {
	if !e.Type.IsValid() {
		return fmt.Errorf("%w: unknown type %q", domain.ErrInvalidEnvelope, e.Type)
	}

	switch e.Type {
	case KindAuth:
		if e.UserID == 0 {
			return fmt.Errorf("%w: auth without userId", domain.ErrInvalidEnvelope)
		}
	case KindChatMessage:
		if e.Content == "" {
			return domain.ErrEmptyContent
		}
		if err := e.checkAddressing(); err != nil {
			return err
		}
	case KindTyping, KindTypingStop:
		if err := e.checkAddressing(); err != nil {
			return err
		}
	case KindMarkRead:
		// userId scopes to a direct-chat peer, chatGroupId to a group;
		// at least one must be present.
		if e.UserID == 0 && e.ChatGroupID == 0 {
			return fmt.Errorf("mark_read: %w", domain.ErrMissingAddressing)
		}
	}
	return nil
}

// checkAddressing enforces that exactly one of recipientId/chatGroupId is set.
func (e *Envelope) checkAddressing() error {
	switch {
	case e.RecipientID == 0 && e.ChatGroupID == 0:
		return domain.ErrMissingAddressing
	case e.RecipientID != 0 && e.ChatGroupID != 0:
		return domain.ErrAmbiguousAddressing
	}
	return nil
}

// Direct reports whether the envelope is addressed to a single recipient
// rather than a group.
func (e *Envelope) Direct() bool {
	return e.RecipientID != 0
}

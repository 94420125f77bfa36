// Package errmap maps domain errors onto transport-level representations.
package errmap

import (
	"errors"

	"github.com/gatherly/chat-delivery/internal/domain"
)

// WebSocket close codes per RFC 6455.
// Standard codes: https://datatracker.ietf.org/doc/html/rfc6455#section-7.4
// Application-specific codes use the 4000-4999 range.
const (
	// Standard codes (RFC 6455)
	CloseNormalClosure   = 1000
	CloseGoingAway       = 1001
	CloseProtocolError   = 1002
	ClosePolicyViolation = 1008
	CloseInternalError   = 1011
	CloseTryAgainLater   = 1013

	// Application-specific codes (4000-4999)
	CloseInvalidMessage   = 4000
	CloseUnauthorized     = 4001
	CloseHeartbeatTimeout = 4002
	CloseMessageTooLarge  = 4013
	CloseSlowConsumer     = 4029
)

// WebSocketClose represents a close code and reason for WebSocket termination.
type WebSocketClose struct {
	Code   int
	Reason string
}

// SuppressesReconnect reports whether a close code should stop the client
// from scheduling a reconnect. Only an intentional normal closure does;
// every other code, including the application-defined ones, feeds the
// backoff-reconnect path.
func SuppressesReconnect(code int) bool {
	return code == CloseNormalClosure
}

// ToWebSocketClose converts a domain error to a WebSocket close code and reason.
func ToWebSocketClose(err error) WebSocketClose {
	if err == nil {
		return WebSocketClose{Code: CloseNormalClosure, Reason: "normal_closure"}
	}

	switch {
	case errors.Is(err, domain.ErrUnauthorized):
		return WebSocketClose{Code: CloseUnauthorized, Reason: "unauthorized"}

	case errors.Is(err, domain.ErrIdentityMismatch):
		return WebSocketClose{Code: CloseUnauthorized, Reason: "identity_mismatch"}

	case errors.Is(err, domain.ErrMessageTooLarge):
		return WebSocketClose{Code: CloseMessageTooLarge, Reason: "message_too_large"}

	case errors.Is(err, domain.ErrSlowConsumer):
		return WebSocketClose{Code: CloseSlowConsumer, Reason: "slow_consumer"}

	case domain.IsProtocolError(err):
		return WebSocketClose{Code: CloseInvalidMessage, Reason: "invalid_message"}

	case errors.Is(err, domain.ErrUnavailable):
		return WebSocketClose{Code: CloseTryAgainLater, Reason: "service_unavailable"}

	default:
		return WebSocketClose{Code: CloseInternalError, Reason: "internal_error"}
	}
}

// Common close reasons for cases not directly mapped to domain errors.
var (
	CloseHeartbeatMissed = WebSocketClose{Code: CloseHeartbeatTimeout, Reason: "heartbeat_timeout"}
	CloseServerShutdown  = WebSocketClose{Code: CloseGoingAway, Reason: "server_shutdown"}
	CloseReplaced        = WebSocketClose{Code: ClosePolicyViolation, Reason: "connection_replaced"}
)

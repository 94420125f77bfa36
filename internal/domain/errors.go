package domain

import "errors"

// Sentinel errors for domain error conditions.
// Use errors.Is() for matching - never compare error strings.
var (
	// Envelope validation errors
	ErrInvalidEnvelope     = errors.New("invalid envelope")
	ErrEmptyContent        = errors.New("chat message has no content")
	ErrMissingAddressing   = errors.New("chat message has no recipient or group")
	ErrAmbiguousAddressing = errors.New("chat message has both recipient and group")
	ErrMessageTooLarge     = errors.New("message exceeds size limit")

	// Identity errors
	ErrUnauthorized     = errors.New("authentication required")
	ErrIdentityMismatch = errors.New("envelope identity does not match token subject")

	// Connection errors
	ErrNotConnected = errors.New("no open connection")
	ErrSlowConsumer = errors.New("client not consuming frames fast enough")

	// Delivery errors
	ErrDeliveryFailed = errors.New("delivery attempts exhausted")

	// Resource errors
	ErrNotFound    = errors.New("resource not found")
	ErrUnavailable = errors.New("service temporarily unavailable")

	// Configuration errors
	ErrConfigRequired = errors.New("required configuration key missing")
)

// protocolErrors enumerates the errors produced by frame validation.
// A protocol error drops the frame but keeps the connection open.
var protocolErrors = []error{
	ErrInvalidEnvelope,
	ErrEmptyContent,
	ErrMissingAddressing,
	ErrAmbiguousAddressing,
	ErrMessageTooLarge,
}

// IsProtocolError returns true if the error represents a malformed or
// invalid frame, as opposed to a transport or collaborator failure.
func IsProtocolError(err error) bool {
	for _, target := range protocolErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// IsRetryable returns true if the error represents a transient condition
// that may succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrUnavailable) || errors.Is(err, ErrNotConnected)
}

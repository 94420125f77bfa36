package protocol

import (
	"fmt"
	"math/rand"
	"strconv"
	"strings"

	"github.com/gatherly/chat-delivery/internal/domain"
)

// randomIDBound bounds the random component of a message ID.
const randomIDBound = 1_000_000

// NewMessageID generates a client-side message ID of the form
// {epochMillis}-{random}-{senderId}. The trailing component can be parsed
// back out by the server for acknowledgement routing. Uniqueness is
// probabilistic but adequate: a collision requires the same sender producing
// two IDs in the same millisecond with matching random draws.
func NewMessageID(clock domain.Clock, senderID int64) string {
	return fmt.Sprintf("%d-%d-%d", domain.NowUTCMillis(clock), rand.Intn(randomIDBound), senderID)
}

// SenderFromMessageID extracts the sender ID from the trailing component of
// a message ID. Returns ErrInvalidEnvelope for IDs not in the generated
// format; callers should fall back to the connection's authenticated
// identity in that case.
func SenderFromMessageID(id string) (int64, error) {
	i := strings.LastIndexByte(id, '-')
	if i < 0 || i == len(id)-1 {
		return 0, fmt.Errorf("message id %q: %w", id, domain.ErrInvalidEnvelope)
	}
	senderID, err := strconv.ParseInt(id[i+1:], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("message id %q: %w", id, domain.ErrInvalidEnvelope)
	}
	return senderID, nil
}

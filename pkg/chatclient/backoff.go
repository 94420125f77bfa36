package chatclient

import (
	"math"
	"time"

	"github.com/gatherly/chat-delivery/internal/domain"
)

// ReconnectDelay computes the exponential backoff delay for the given
// reconnect attempt (1-based): min(base * 1.5^(attempt-1), max).
func ReconnectDelay(base, max time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := time.Duration(float64(base) * math.Pow(domain.ReconnectFactor, float64(attempt-1)))
	if delay > max || delay < 0 {
		return max
	}
	return delay
}

package domain

import "time"

// Normative timings and limits for the delivery subsystem.
// These are compiled defaults; the tunable ones can be overridden via configuration.
const (
	// Heartbeat. Both ends probe independently: the client arms an ack timeout
	// per probe, the server runs a mark-and-sweep over all connections.
	HeartbeatInterval   = 30 * time.Second
	HeartbeatAckTimeout = 10 * time.Second
	SweepInterval       = 30 * time.Second

	// Client reconnect backoff: min(base * factor^(attempt-1), max).
	ReconnectBaseInterval = 5 * time.Second
	ReconnectMaxInterval  = 60 * time.Second
	ReconnectFactor       = 1.5

	// Delivery tracking. Spacing is fixed, not backoff: message delivery is
	// latency-sensitive, connection recovery is not.
	DeliveryCheckInterval = 5 * time.Second
	MaxDeliveryAttempts   = 3 // total transmissions before permanent failure

	// Offline queue bounds, applied on every load/save cycle.
	OfflineQueueCap    = 100
	OfflineQueueMaxAge = 24 * time.Hour

	// Message limits
	MaxMessageSize = 64 * 1024 // 64 KB max frame body

	// Backpressure: frames buffered per connection before the peer is
	// considered a slow consumer and dropped.
	OutboundBufferSize = 256

	// Membership cache
	MembershipCacheTTL = 5 * time.Minute // Redis cache TTL for group member lists

	// Timeout contracts
	RedisTimeout   = 2 * time.Second // max time for Redis operations
	PersistTimeout = 5 * time.Second // max time for a persistence call

	// Graceful shutdown
	ShutdownDrainDelay  = 2 * time.Second  // let the load balancer propagate endpoint removal
	ShutdownHTTPTimeout = 10 * time.Second // max time to drain the HTTP server
	ShutdownOTELTimeout = 5 * time.Second  // max time to flush telemetry
)

// Package gateway implements the server side of the delivery subsystem:
// the connection registry, the message router, heartbeat sweeping, and the
// websocket accept path.
package gateway

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("gateway")

// noCtx is used for metric updates made outside any request context.
var noCtx = context.Background()

var activeConnections metric.Int64UpDownCounter

func init() {
	activeConnections, _ = meter.Int64UpDownCounter("ws_active_connections",
		metric.WithDescription("Connections currently registered by user"))
}

// Registry maps an authenticated user ID to its single live connection.
// Registering a user who already has an entry replaces it; there is no
// multi-device fan-out. The registry is an explicitly constructed object
// passed to every connection-handling goroutine, never a package global.
type Registry struct {
	mu     sync.RWMutex
	byUser map[int64]*Conn
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byUser: make(map[int64]*Conn)}
}

// Register binds userID to c, replacing any prior entry for that user.
// The replaced connection (nil if none) is returned for the caller to close;
// the registry itself never tears connections down.
func (r *Registry) Register(userID int64, c *Conn) (replaced *Conn) {
	r.mu.Lock()
	prev := r.byUser[userID]
	r.byUser[userID] = c
	r.mu.Unlock()

	if prev == nil {
		activeConnections.Add(noCtx, 1)
	}
	return prev
}

// Unregister removes the entry for userID, if any.
func (r *Registry) Unregister(userID int64) {
	r.mu.Lock()
	_, had := r.byUser[userID]
	delete(r.byUser, userID)
	r.mu.Unlock()

	if had {
		activeConnections.Add(noCtx, -1)
	}
}

// UnregisterConn removes c's entry only if c is still the current connection
// for its user. A connection that was replaced must not evict its successor
// when its handler goroutine finally exits.
func (r *Registry) UnregisterConn(c *Conn) {
	userID := c.UserID()
	if userID == 0 {
		return
	}

	r.mu.Lock()
	cur, ok := r.byUser[userID]
	if ok && cur == c {
		delete(r.byUser, userID)
	} else {
		ok = false
	}
	r.mu.Unlock()

	if ok {
		activeConnections.Add(noCtx, -1)
	}
}

// Lookup returns the live connection for userID, if present.
func (r *Registry) Lookup(userID int64) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byUser[userID]
	return c, ok
}

// Snapshot returns the currently registered connections. The slice is a
// copy; sweeping one dead connection never holds the lock across another's
// teardown.
func (r *Registry) Snapshot() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Conn, 0, len(r.byUser))
	for _, c := range r.byUser {
		out = append(out, c)
	}
	return out
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser)
}

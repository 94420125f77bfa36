package gateway

import (
	"context"
	"log/slog"
	"time"

	"github.com/gatherly/chat-delivery/internal/domain"
	"github.com/gatherly/chat-delivery/internal/errmap"
	"github.com/gatherly/chat-delivery/pkg/protocol"
)

// Sweeper runs the server half of the mutual heartbeat: a single periodic
// task shared across all connections. Each cycle, a connection that was not
// marked alive since the previous cycle is forcibly terminated; everyone
// else is marked not-alive and probed with a heartbeat. Any inbound
// heartbeat traffic re-marks the connection alive.
type Sweeper struct {
	registry *Registry
	interval time.Duration
	clock    domain.Clock
	logger   *slog.Logger
}

// SweeperConfig holds the dependencies for a Sweeper.
type SweeperConfig struct {
	Registry *Registry
	Interval time.Duration
	Clock    domain.Clock
	Logger   *slog.Logger
}

// NewSweeper creates a Sweeper. A zero interval falls back to the default.
func NewSweeper(cfg SweeperConfig) *Sweeper {
	interval := cfg.Interval
	if interval <= 0 {
		interval = domain.SweepInterval
	}
	return &Sweeper{
		registry: cfg.Registry,
		interval: interval,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
	}
}

// Run sweeps until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepOnce()
		}
	}
}

// SweepOnce runs a single mark-and-sweep cycle over all registered
// connections. Terminating one dead connection does not affect the sweep of
// the others.
func (s *Sweeper) SweepOnce() {
	for _, c := range s.registry.Snapshot() {
		if !c.sweepAlive() {
			s.logger.Info("terminating silent connection",
				slog.String("conn_id", c.ID()),
				slog.Int64("user_id", c.UserID()),
			)
			c.Close(errmap.CloseHeartbeatMissed)
			s.registry.UnregisterConn(c)
			continue
		}

		err := c.PushEnvelope(&protocol.Envelope{
			Type:      protocol.KindHeartbeat,
			Timestamp: domain.NowUTCMillis(s.clock),
		})
		if err != nil {
			s.logger.Debug("heartbeat probe not queued",
				slog.String("conn_id", c.ID()),
				slog.String("error", err.Error()),
			)
		}
	}
}

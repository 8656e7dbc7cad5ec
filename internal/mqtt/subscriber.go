package mqtt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// errRateLimited is returned for commands dropped by the limiter.
var errRateLimited = errors.New("command rate limit exceeded")

// handleCommand routes one command document from the broker through the
// same router the relay uses.
func (m *Mirror) handleCommand(ctx context.Context, payload []byte) error {
	if !m.limiter.allow() {
		return errRateLimited
	}
	if m.router == nil {
		m.logger.Debug("mqtt command ignored, no router", "payload_size", len(payload))
		return nil
	}
	m.logger.Debug("mqtt command received", "payload_size", len(payload))
	if err := m.router.Route(ctx, payload); err != nil {
		return fmt.Errorf("route: %w", err)
	}
	return nil
}

// messageRateLimiter drops inbound commands when more than limit
// arrive within one interval. Counters are atomic so allow is
// lock-free.
type messageRateLimiter struct {
	count    atomic.Int64
	dropped  atomic.Int64
	limit    int64
	interval time.Duration
	logger   *slog.Logger
}

func newMessageRateLimiter(limit int64, interval time.Duration, logger *slog.Logger) *messageRateLimiter {
	return &messageRateLimiter{
		limit:    limit,
		interval: interval,
		logger:   logger,
	}
}

// start resets the counters every interval until ctx is cancelled,
// warning when anything was dropped.
func (r *messageRateLimiter) start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count := r.count.Swap(0)
			dropped := r.dropped.Swap(0)
			if dropped > 0 {
				r.logger.Warn("mqtt commands dropped due to rate limit",
					"received", count,
					"dropped", dropped,
					"interval", r.interval.String(),
					"limit", r.limit,
				)
			}
		}
	}
}

func (r *messageRateLimiter) allow() bool {
	n := r.count.Add(1)
	if n > r.limit {
		r.dropped.Add(1)
		return false
	}
	return true
}

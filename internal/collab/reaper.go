package collab

import "time"

// DefaultHeartbeatInterval is how often clients are expected to send a
// HEARTBEAT message. A connection is considered stale after three missed
// intervals.
const DefaultHeartbeatInterval = 30 * time.Second

// HeartbeatReaper identifies connections whose last heartbeat is older than
// the timeout. It is a pure function of room state and a clock reading, so it
// can be driven by any scheduler and tested without real time or sockets; the
// Manager owns the ticker and routes evictions through the disconnect path.
type HeartbeatReaper struct {
	registry *RoomRegistry
	timeout  time.Duration
}

// NewHeartbeatReaper creates a reaper with timeout = 3 x interval. A zero or
// negative interval selects DefaultHeartbeatInterval.
func NewHeartbeatReaper(registry *RoomRegistry, interval time.Duration) *HeartbeatReaper {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	return &HeartbeatReaper{
		registry: registry,
		timeout:  3 * interval,
	}
}

// Timeout returns the staleness threshold.
func (r *HeartbeatReaper) Timeout() time.Duration {
	return r.timeout
}

// Stale returns every connection whose last heartbeat is more than the
// timeout before now. It does not evict; connections already removed by a
// racing disconnect simply no longer appear.
func (r *HeartbeatReaper) Stale(now time.Time) []*ConnectionHandle {
	var stale []*ConnectionHandle
	for _, h := range r.registry.AllMembers() {
		if now.Sub(h.LastHeartbeat()) > r.timeout {
			stale = append(stale, h)
		}
	}
	return stale
}

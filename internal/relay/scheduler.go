package relay

import "time"

// Scheduler paces heartbeats. Status goes out on every connected tick,
// so only the heartbeat needs a decision. The last heartbeat time
// outlives individual sessions.
type Scheduler struct {
	interval time.Duration
	last     time.Time
}

// NewScheduler creates a scheduler that allows one heartbeat per
// interval.
func NewScheduler(interval time.Duration) *Scheduler {
	return &Scheduler{interval: interval}
}

// HeartbeatDue reports whether more than the interval has passed since
// the last heartbeat. It is true before the first one.
func (s *Scheduler) HeartbeatDue(now time.Time) bool {
	return s.last.IsZero() || now.Sub(s.last) > s.interval
}

// MarkHeartbeat records that a heartbeat went out at now.
func (s *Scheduler) MarkHeartbeat(now time.Time) {
	s.last = now
}

// Tick is one connected-loop decision.
type Tick struct {
	Heartbeat bool
	Status    bool
}

// Next returns what to send at now and records a heartbeat when one
// is due.
func (s *Scheduler) Next(now time.Time) Tick {
	t := Tick{Status: true}
	if s.HeartbeatDue(now) {
		t.Heartbeat = true
		s.MarkHeartbeat(now)
	}
	return t
}

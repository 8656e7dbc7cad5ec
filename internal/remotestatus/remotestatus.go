// Package remotestatus holds flags set by the remote side of the relay
// and read by local collaborators. The only flag in use today is
// "watching": whether someone is viewing the webcam, which gates the
// snapshot uploader.
package remotestatus

import "sync"

// Watching is the flag set by the relay's "watching" command.
const Watching = "watching"

// Status is a concurrency-safe set of named boolean flags. Writes are
// last-write-wins per flag. Values persist across relay reconnects, so
// a reader may see a stale value while disconnected.
type Status struct {
	mu    sync.RWMutex
	flags map[string]bool
}

// New returns an empty Status; every flag reads false until set.
func New() *Status {
	return &Status{flags: make(map[string]bool)}
}

// Get returns the value of flag name.
func (s *Status) Get(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.flags[name]
}

// Set stores v under name.
func (s *Status) Set(name string, v bool) {
	s.mu.Lock()
	s.flags[name] = v
	s.mu.Unlock()
}

// Snapshot returns a copy of all flags.
func (s *Status) Snapshot() map[string]bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]bool, len(s.flags))
	for k, v := range s.flags {
		out[k] = v
	}
	return out
}

// IsWatching reports the "watching" flag.
func (s *Status) IsWatching() bool { return s.Get(Watching) }

// SetWatching sets the "watching" flag.
func (s *Status) SetWatching(v bool) { s.Set(Watching, v) }

package connwatch

import (
	"sync"
	"time"
)

// Backoff is the reconnect delay controller. Each call to More returns
// the delay to wait before the next attempt and grows the following
// delay by Multiplier, never beyond MaxDelay. Reset returns to
// InitialDelay after a healthy period.
//
// Delays are deterministic (no jitter) so that a run of failures
// produces a non-decreasing sequence.
type Backoff struct {
	initial    time.Duration
	max        time.Duration
	multiplier float64

	mu   sync.Mutex
	next time.Duration
}

// NewBackoff creates a controller from cfg. Only InitialDelay,
// MaxDelay and Multiplier are used; zero values take the defaults
// from [DefaultBackoffConfig].
func NewBackoff(cfg BackoffConfig) *Backoff {
	cfg = cfg.withDefaults()
	if cfg.InitialDelay > cfg.MaxDelay {
		cfg.InitialDelay = cfg.MaxDelay
	}
	return &Backoff{
		initial:    cfg.InitialDelay,
		max:        cfg.MaxDelay,
		multiplier: cfg.Multiplier,
		next:       cfg.InitialDelay,
	}
}

// Reset sets the next delay back to the floor.
func (b *Backoff) Reset() {
	b.mu.Lock()
	b.next = b.initial
	b.mu.Unlock()
}

// More returns the delay the caller must wait before its next attempt
// and advances the controller.
func (b *Backoff) More() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	d := b.next
	grown := time.Duration(float64(b.next) * b.multiplier)
	if grown > b.max || grown < b.next {
		grown = b.max
	}
	b.next = grown
	return d
}

// Current returns the delay the next call to More will return.
func (b *Backoff) Current() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.next
}

// Floor returns the delay after Reset.
func (b *Backoff) Floor() time.Duration { return b.initial }

// Cap returns the largest delay More can return.
func (b *Backoff) Cap() time.Duration { return b.max }

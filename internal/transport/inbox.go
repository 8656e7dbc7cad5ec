package transport

import "sync/atomic"

// Inbox is a bounded queue between a session's read loop and its
// consumer. Push never blocks: when the queue is full the oldest
// message is discarded to make room.
type Inbox struct {
	ch      chan []byte
	dropped atomic.Int64
}

// NewInbox creates an inbox holding at most size messages.
func NewInbox(size int) *Inbox {
	if size < 1 {
		size = 1
	}
	return &Inbox{ch: make(chan []byte, size)}
}

// Push enqueues msg, evicting the oldest queued message if full. It
// reports whether an eviction happened.
func (q *Inbox) Push(msg []byte) (evicted bool) {
	for {
		select {
		case q.ch <- msg:
			return evicted
		default:
		}
		select {
		case <-q.ch:
			q.dropped.Add(1)
			evicted = true
		default:
		}
	}
}

// C returns the receive side of the queue.
func (q *Inbox) C() <-chan []byte { return q.ch }

// Dropped returns how many messages have been evicted.
func (q *Inbox) Dropped() int64 { return q.dropped.Load() }

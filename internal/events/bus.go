// Package events is an in-process publish/subscribe bus. Printer state
// transitions, relay session changes and reported exceptions flow
// through it; the relay supervisor forwards printer events to the
// cloud as pushed status messages. Publish on a nil *Bus is a no-op.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourcePrinter identifies events from the OctoPrint state watcher.
	SourcePrinter = "printer"
	// SourceRelay identifies events from the relay supervisor.
	SourceRelay = "relay"
	// SourceCrash identifies exceptions captured by the crash reporter.
	SourceCrash = "crash"
)

// Printer event kinds. The kind string is sent verbatim to the relay
// as the status message "type", so these match OctoPrint's event names.
const (
	KindPrintStarted   = "PrintStarted"
	KindPrintPaused    = "PrintPaused"
	KindPrintResumed   = "PrintResumed"
	KindPrintDone      = "PrintDone"
	KindPrintFailed    = "PrintFailed"
	KindPrintCancelled = "PrintCancelled"
	// KindStateChanged covers any other state text transition.
	// Data: old_state, new_state.
	KindStateChanged = "PrinterStateChanged"
)

// Relay and crash event kinds.
const (
	// KindSessionUp signals a relay session reached Connected.
	// Data: session_id.
	KindSessionUp = "session_up"
	// KindSessionDown signals a relay session was torn down.
	// Data: session_id, backoff.
	KindSessionDown = "session_down"
	// KindException carries a captured error.
	// Data: error, plus caller-supplied attributes.
	KindException = "exception"
)

// Event is a single published event.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast bus. Slow subscribers miss events
// rather than blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend lets Unsubscribe accept the receive-only channel the
	// caller holds.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends e to all subscribers, stamping Timestamp if unset.
// A full subscriber channel drops the event for that subscriber.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Unknown
// channels are ignored.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

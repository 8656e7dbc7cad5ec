// Package crash reports non-fatal errors. Every error swallowed at a
// loop boundary (failed status send, rejected printer command,
// malformed relay message) is captured here so it is visible in logs
// and on the event bus even though the loop keeps running.
package crash

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/oaproject/oa-agent/internal/events"
)

// Reporter captures an error with optional slog-style key/value
// attributes. Implementations must be safe for concurrent use and
// must never panic.
type Reporter interface {
	CaptureException(err error, attrs ...any)
}

// LogReporter logs captured errors at error level and publishes them
// as [events.KindException] events.
type LogReporter struct {
	logger *slog.Logger
	bus    *events.Bus
	count  atomic.Int64
}

// NewLogReporter creates a reporter. bus may be nil.
func NewLogReporter(logger *slog.Logger, bus *events.Bus) *LogReporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogReporter{logger: logger, bus: bus}
}

// CaptureException records err. A nil err is ignored.
func (r *LogReporter) CaptureException(err error, attrs ...any) {
	if err == nil {
		return
	}
	r.count.Add(1)
	r.logger.Error("captured exception", append([]any{"error", err}, attrs...)...)

	data := map[string]any{"error": err.Error()}
	for i := 0; i+1 < len(attrs); i += 2 {
		data[fmt.Sprint(attrs[i])] = attrs[i+1]
	}
	r.bus.Publish(events.Event{Source: events.SourceCrash, Kind: events.KindException, Data: data})
}

// Captured returns how many errors have been captured.
func (r *LogReporter) Captured() int64 {
	return r.count.Load()
}

// Nop discards everything.
type Nop struct{}

// CaptureException implements [Reporter].
func (Nop) CaptureException(error, ...any) {}

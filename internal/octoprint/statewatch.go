package octoprint

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/oaproject/oa-agent/internal/events"
)

// StateSource reports OctoPrint's printer state text.
type StateSource interface {
	StateText(ctx context.Context) (string, error)
}

// StateWatcher polls the printer state and publishes each transition
// to the event bus as a [events.SourcePrinter] event. The first
// successful poll only records a baseline.
type StateWatcher struct {
	source   StateSource
	bus      *events.Bus
	interval time.Duration
	logger   *slog.Logger

	last string
	seen bool
}

// NewStateWatcher creates a watcher polling every interval (default 5s).
func NewStateWatcher(source StateSource, bus *events.Bus, interval time.Duration, logger *slog.Logger) *StateWatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &StateWatcher{source: source, bus: bus, interval: interval, logger: logger}
}

// Run polls until ctx is cancelled. It blocks the calling goroutine.
func (w *StateWatcher) Run(ctx context.Context) {
	w.logger.Info("printer state watcher started", "interval", w.interval)
	defer w.logger.Info("printer state watcher stopped")

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.poll(ctx)
		}
	}
}

func (w *StateWatcher) poll(ctx context.Context) {
	state, err := w.source.StateText(ctx)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Debug("printer state poll failed", "error", err)
		}
		return
	}
	w.observe(state)
}

// observe records state and publishes an event if it differs from the
// previous observation.
func (w *StateWatcher) observe(state string) {
	if !w.seen {
		w.seen = true
		w.last = state
		return
	}
	if state == w.last {
		return
	}

	old := w.last
	w.last = state
	kind := classifyTransition(old, state)
	w.logger.Info("printer state changed", "old_state", old, "new_state", state, "event", kind)

	w.bus.Publish(events.Event{
		Source: events.SourcePrinter,
		Kind:   kind,
		Data:   map[string]any{"old_state": old, "new_state": state},
	})
}

// printerPhase folds OctoPrint's state strings into the few phases
// that matter for job events.
type printerPhase int

const (
	phaseIdle printerPhase = iota
	phasePrinting
	phasePaused
	phaseCancelling
	phaseError
	phaseOffline
)

func phaseOf(state string) printerPhase {
	s := strings.ToLower(state)
	switch {
	case strings.HasPrefix(s, "printing"), s == "finishing", s == "resuming", s == "starting":
		return phasePrinting
	case s == "paused", s == "pausing":
		return phasePaused
	case s == "cancelling":
		return phaseCancelling
	case strings.HasPrefix(s, "error"), strings.HasPrefix(s, "offline after error"):
		return phaseError
	case strings.HasPrefix(s, "offline"), s == "closed", strings.HasPrefix(s, "connecting"), strings.HasPrefix(s, "detecting"):
		return phaseOffline
	default:
		return phaseIdle
	}
}

// classifyTransition names the job event a state change represents.
func classifyTransition(old, cur string) string {
	from, to := phaseOf(old), phaseOf(cur)
	switch {
	case from == to:
		return events.KindStateChanged
	case to == phasePaused && from == phasePrinting:
		return events.KindPrintPaused
	case to == phasePrinting && from == phasePaused:
		return events.KindPrintResumed
	case to == phasePrinting:
		return events.KindPrintStarted
	case to == phaseCancelling:
		return events.KindPrintCancelled
	case to == phaseError && (from == phasePrinting || from == phasePaused):
		return events.KindPrintFailed
	case to == phaseIdle && from == phasePrinting:
		return events.KindPrintDone
	default:
		return events.KindStateChanged
	}
}

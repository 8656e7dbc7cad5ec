// Package command decodes inbound relay messages and dispatches them to
// printer-control operations.
//
// An inbound message looks like
//
//	{"cmd": {"job": "pause", "temps": {"set": {"heater": "tool0", "target": 210}}}}
//
// Each key under "cmd" is one command kind with its own payload shape.
// Kinds are looked up in a fixed dispatch table; unknown kinds and
// unknown top-level keys are ignored. The router keeps no state of its
// own, so it is safe to call from several goroutines at once.
package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/oaproject/oa-agent/internal/remotestatus"
)

// ErrDecode marks a message that could not be parsed. The message is
// dropped.
var ErrDecode = errors.New("command: malformed message")

// CommandError reports a recognized command that the printer rejected.
type CommandError struct {
	Kind string // envelope key, e.g. "job"
	Op   string // printer operation, e.g. "pause"
	Err  error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command %s/%s: %v", e.Kind, e.Op, e.Err)
}

func (e *CommandError) Unwrap() error { return e.Err }

// Printer is the device-control surface commands are forwarded to.
// Calls are made verbatim with no retry.
type Printer interface {
	PausePrint(ctx context.Context) error
	CancelPrint(ctx context.Context) error
	ResumePrint(ctx context.Context) error
	SetTemperature(ctx context.Context, heater string, target float64) error
	Jog(ctx context.Context, axes map[string]float64) error
	Home(ctx context.Context, axes []string) error
}

type handler func(r *Router, ctx context.Context, raw json.RawMessage) error

// handlers is the dispatch table keyed by the command kind.
var handlers = map[string]handler{
	"job":      (*Router).handleJob,
	"temps":    (*Router).handleTemps,
	"jog":      (*Router).handleJog,
	"watching": (*Router).handleWatching,
}

// Kinds returns the recognized command kinds in sorted order.
func Kinds() []string {
	out := make([]string, 0, len(handlers))
	for k := range handlers {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Router routes decoded commands to a [Printer] and a
// [remotestatus.Status].
type Router struct {
	printer Printer
	status  *remotestatus.Status
	logger  *slog.Logger
}

// NewRouter creates a router. logger may be nil.
func NewRouter(printer Printer, status *remotestatus.Status, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{printer: printer, status: status, logger: logger}
}

// Route decodes raw and runs every recognized command in it, in sorted
// kind order. A malformed message returns an error wrapping
// [ErrDecode]. Printer failures come back as [*CommandError] values,
// joined when more than one command fails. Failure of one command
// does not stop the others.
func (r *Router) Route(ctx context.Context, raw []byte) error {
	env, ignored, err := decodeEnvelope(raw)
	if err != nil {
		return err
	}
	if len(ignored) > 0 {
		r.logger.Debug("ignoring unknown message keys", "keys", ignored)
	}

	kinds := make([]string, 0, len(env.Cmd))
	for k := range env.Cmd {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)

	var errs []error
	for _, kind := range kinds {
		h, ok := handlers[kind]
		if !ok {
			r.logger.Debug("ignoring unknown command", "kind", kind)
			continue
		}
		if err := h(r, ctx, env.Cmd[kind]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Router) handleJob(ctx context.Context, raw json.RawMessage) error {
	verb, err := decodeJob(raw)
	if err != nil {
		return err
	}

	var op func(context.Context) error
	switch verb {
	case JobPause:
		op = r.printer.PausePrint
	case JobCancel:
		op = r.printer.CancelPrint
	case JobResume:
		op = r.printer.ResumePrint
	default:
		r.logger.Debug("ignoring unknown job verb", "verb", verb)
		return nil
	}

	r.logger.Info("relay job command", "verb", verb)
	if err := op(ctx); err != nil {
		return &CommandError{Kind: "job", Op: verb, Err: err}
	}
	return nil
}

func (r *Router) handleTemps(ctx context.Context, raw json.RawMessage) error {
	tc, err := decodeTemps(raw)
	if err != nil {
		return err
	}
	if tc.Set == nil {
		return nil
	}

	target := *tc.Set.Target
	r.logger.Info("relay temperature command", "heater", tc.Set.Heater, "target", target)
	if err := r.printer.SetTemperature(ctx, tc.Set.Heater, target); err != nil {
		return &CommandError{Kind: "temps", Op: "set", Err: err}
	}
	return nil
}

func (r *Router) handleJog(ctx context.Context, raw json.RawMessage) error {
	jc, err := decodeJog(raw)
	if err != nil {
		return err
	}

	var errs []error
	if len(jc.Moves) > 0 {
		r.logger.Info("relay jog command", "axes", jc.Moves)
		if err := r.printer.Jog(ctx, jc.Moves); err != nil {
			errs = append(errs, &CommandError{Kind: "jog", Op: "jog", Err: err})
		}
	}
	if len(jc.Home) > 0 {
		r.logger.Info("relay home command", "axes", jc.Home)
		if err := r.printer.Home(ctx, jc.Home); err != nil {
			errs = append(errs, &CommandError{Kind: "jog", Op: "home", Err: err})
		}
	}
	return errors.Join(errs...)
}

func (r *Router) handleWatching(_ context.Context, raw json.RawMessage) error {
	watching := decodeWatching(raw)
	r.status.SetWatching(watching)
	r.logger.Debug("relay watching flag", "watching", watching)
	return nil
}

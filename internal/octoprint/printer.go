package octoprint

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// jobCommand is the body of POST /api/job.
type jobCommand struct {
	Command string `json:"command"`
	Action  string `json:"action,omitempty"`
}

// PausePrint pauses the active job. Pausing an already paused job is a
// no-op on the OctoPrint side.
func (c *Client) PausePrint(ctx context.Context) error {
	return c.post(ctx, "/api/job", jobCommand{Command: "pause", Action: "pause"}, nil)
}

// ResumePrint resumes a paused job.
func (c *Client) ResumePrint(ctx context.Context) error {
	return c.post(ctx, "/api/job", jobCommand{Command: "pause", Action: "resume"}, nil)
}

// CancelPrint cancels the active job.
func (c *Client) CancelPrint(ctx context.Context) error {
	return c.post(ctx, "/api/job", jobCommand{Command: "cancel"}, nil)
}

// SetTemperature sets a heater's target temperature. heater is "bed",
// "chamber" or a tool name such as "tool0".
func (c *Client) SetTemperature(ctx context.Context, heater string, target float64) error {
	switch {
	case heater == "bed":
		return c.post(ctx, "/api/printer/bed", map[string]any{"command": "target", "target": target}, nil)
	case heater == "chamber":
		return c.post(ctx, "/api/printer/chamber", map[string]any{"command": "target", "target": target}, nil)
	case strings.HasPrefix(heater, "tool"):
		return c.post(ctx, "/api/printer/tool", map[string]any{
			"command": "target",
			"targets": map[string]float64{heater: target},
		}, nil)
	default:
		return fmt.Errorf("unknown heater %q", heater)
	}
}

var printheadAxes = map[string]bool{"x": true, "y": true, "z": true}

func checkAxes(axes []string) error {
	var errs []error
	for _, a := range axes {
		if !printheadAxes[a] {
			errs = append(errs, fmt.Errorf("unknown axis %q", a))
		}
	}
	return errors.Join(errs...)
}

// Jog moves the print head relative to its current position.
func (c *Client) Jog(ctx context.Context, axes map[string]float64) error {
	if len(axes) == 0 {
		return nil
	}
	body := map[string]any{"command": "jog", "absolute": false}
	names := make([]string, 0, len(axes))
	for axis, dist := range axes {
		axis = strings.ToLower(axis)
		names = append(names, axis)
		body[axis] = dist
	}
	if err := checkAxes(names); err != nil {
		return err
	}
	return c.post(ctx, "/api/printer/printhead", body, nil)
}

// Home homes the given axes.
func (c *Client) Home(ctx context.Context, axes []string) error {
	if len(axes) == 0 {
		return nil
	}
	lower := make([]string, len(axes))
	for i, a := range axes {
		lower[i] = strings.ToLower(a)
	}
	sort.Strings(lower)
	if err := checkAxes(lower); err != nil {
		return err
	}
	return c.post(ctx, "/api/printer/printhead", map[string]any{"command": "home", "axes": lower}, nil)
}

// JobStatus is the response of GET /api/job.
type JobStatus struct {
	Job      map[string]any `json:"job"`
	Progress map[string]any `json:"progress"`
	State    string         `json:"state"`
	Error    string         `json:"error,omitempty"`
}

// PrinterStatus is the response of GET /api/printer.
type PrinterStatus struct {
	Temperature map[string]any `json:"temperature"`
	State       struct {
		Text  string          `json:"text"`
		Flags map[string]bool `json:"flags"`
	} `json:"state"`
}

// Job returns the current job status.
func (c *Client) Job(ctx context.Context) (*JobStatus, error) {
	var js JobStatus
	if err := c.get(ctx, "/api/job", &js); err != nil {
		return nil, err
	}
	return &js, nil
}

// StateText returns OctoPrint's human-readable printer state, such as
// "Operational" or "Printing".
func (c *Client) StateText(ctx context.Context) (string, error) {
	js, err := c.Job(ctx)
	if err != nil {
		return "", err
	}
	return js.State, nil
}

// Printer returns the printer status. When no printer is connected the
// returned error wraps [ErrPrinterNotOperational].
func (c *Client) Printer(ctx context.Context) (*PrinterStatus, error) {
	var ps PrinterStatus
	if err := c.get(ctx, "/api/printer?history=false", &ps); err != nil {
		return nil, err
	}
	return &ps, nil
}

// CurrentData returns the job and printer state in the shape the relay
// expects: state {text, flags}, job and progress.
func (c *Client) CurrentData(ctx context.Context) (map[string]any, error) {
	js, err := c.Job(ctx)
	if err != nil {
		return nil, err
	}

	state := map[string]any{"text": js.State}
	ps, err := c.Printer(ctx)
	switch {
	case err == nil:
		state["flags"] = ps.State.Flags
		if ps.State.Text != "" {
			state["text"] = ps.State.Text
		}
	case errors.Is(err, ErrPrinterNotOperational):
	default:
		return nil, err
	}

	data := map[string]any{
		"state":    state,
		"job":      js.Job,
		"progress": js.Progress,
	}
	if js.Error != "" {
		data["error"] = js.Error
	}
	return data, nil
}

// CurrentTemperatures returns per-heater {actual, target, offset}
// readings. With no printer connected it returns an empty map.
func (c *Client) CurrentTemperatures(ctx context.Context) (map[string]any, error) {
	ps, err := c.Printer(ctx)
	if errors.Is(err, ErrPrinterNotOperational) {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, err
	}
	if ps.Temperature == nil {
		return map[string]any{}, nil
	}
	return ps.Temperature, nil
}

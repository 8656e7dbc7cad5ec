// Package relay is the agent's message loop. A [Supervisor] keeps one
// websocket session open to the cloud relay at a time. While the
// session is up it pushes printer status on every tick and a heartbeat
// at a lower cadence. Inbound commands go to a [command.Router]. When
// the session drops it disconnects, waits out a growing backoff and
// dials again until told to quit.
package relay

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/oaproject/oa-agent/internal/command"
	"github.com/oaproject/oa-agent/internal/crash"
	"github.com/oaproject/oa-agent/internal/octoprint"
)

// ErrStartup is returned by [Supervisor.Run] when the loop cannot start
// at all. It is not retried.
var ErrStartup = errors.New("relay: cannot start message loop")

// Config identifies the relay. It is read-only once Run starts.
type Config struct {
	StreamHost string
	WSHost     string
	Token      string

	// Reporter receives every error swallowed by the loop. Nil
	// discards them.
	Reporter crash.Reporter
}

func (c Config) validate() error {
	var errs []error
	if c.Token == "" {
		errs = append(errs, errors.New("token is required"))
	}
	for name, raw := range map[string]string{"ws_host": c.WSHost, "stream_host": c.StreamHost} {
		if raw == "" {
			errs = append(errs, fmt.Errorf("%s is required", name))
			continue
		}
		u, err := url.Parse(raw)
		if err != nil || u.Host == "" {
			errs = append(errs, fmt.Errorf("%s %q is not an absolute URL", name, raw))
		}
	}
	return errors.Join(errs...)
}

// Endpoint returns the device websocket URL for host.
func Endpoint(wsHost string) string {
	return strings.TrimRight(wsHost, "/") + "/app/ws/device"
}

// Printer is the printer collaborator: the command surface plus the
// snapshot reads that feed status messages.
type Printer interface {
	command.Printer
	CurrentData(ctx context.Context) (map[string]any, error)
	CurrentTemperatures(ctx context.Context) (map[string]any, error)
}

// Settings exposes the host's effective temperature settings.
type Settings interface {
	Temperature(ctx context.Context) (map[string]any, error)
}

// Plugins looks up installed companion plugins. A nil result with a
// nil error means the plugin is not installed.
type Plugins interface {
	PluginInfo(ctx context.Context, key string) (*octoprint.PluginInfo, error)
}

// Collaborator is a long-running task the supervisor owns from Run
// until Quit: the snapshot streamer and the timelapse uploader.
type Collaborator interface {
	Name() string
	Run(ctx context.Context) error
	Quit()
}

// Mirror receives a copy of every heartbeat and status payload the
// loop builds, whether or not the relay send succeeds.
type Mirror interface {
	MirrorHeartbeat(ctx context.Context, payload []byte) error
	MirrorStatus(ctx context.Context, payload []byte) error
}

// State is a supervisor lifecycle state.
type State int32

const (
	// Stopped is the state before Run and after Run returns.
	Stopped State = iota
	// Connecting covers dialing, the handshake grace period and
	// backoff waits.
	Connecting
	// Connected means the current session passed its liveness probe.
	Connected
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

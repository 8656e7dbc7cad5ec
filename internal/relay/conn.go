package relay

import (
	"context"
	"log/slog"

	"github.com/oaproject/oa-agent/internal/transport"
)

// Conn is one relay session as the supervisor sees it.
// *transport.Session implements it.
type Conn interface {
	ID() string
	Send(payload []byte) error
	Disconnect()
	Connected() bool
	// Messages delivers inbound frames. It stays readable after Done
	// closes until drained.
	Messages() <-chan []byte
	Done() <-chan struct{}
}

// OpenFunc starts a new session attempt. It must return immediately;
// the handshake completes in the background.
type OpenFunc func(ctx context.Context, endpoint, token string) Conn

// DialWebsocket returns an OpenFunc backed by [transport.Open].
func DialWebsocket(opts transport.Options) OpenFunc {
	return func(ctx context.Context, endpoint, token string) Conn {
		o := opts
		o.Endpoint = endpoint
		o.Token = token
		if o.Logger == nil {
			o.Logger = slog.Default()
		}
		return transport.Open(ctx, o)
	}
}

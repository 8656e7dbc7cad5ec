// Package transport owns the relay's duplex websocket. A [Session] is
// one connection attempt: it dials on its own goroutine, delivers
// inbound frames to a bounded [Inbox], and is discarded after it
// disconnects. Sessions are never reused.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/oaproject/oa-agent/internal/buildinfo"
	"github.com/oaproject/oa-agent/internal/config"
)

// ErrNotConnected is returned by Send on a session whose handshake has
// not completed or which has since disconnected.
var ErrNotConnected = errors.New("transport: session not connected")

// DevicePath is appended to the relay websocket host.
const DevicePath = "/app/ws/device"

// Options configures a Session.
type Options struct {
	// Endpoint is the full websocket URL. http(s) schemes are
	// rewritten to ws(s).
	Endpoint string
	// Token is sent as an Authorization bearer credential.
	Token string

	// InboxSize bounds queued inbound messages (default 16).
	InboxSize int

	HandshakeTimeout time.Duration // default 10s
	WriteTimeout     time.Duration // default 10s
	PingInterval     time.Duration // default 30s
	PongWait         time.Duration // default 60s
	ReadLimit        int64         // default 1 MiB

	Logger *slog.Logger
}

func (o *Options) applyDefaults() {
	if o.InboxSize <= 0 {
		o.InboxSize = 16
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = 1 << 20
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Session is one websocket connection attempt.
type Session struct {
	id     string
	opts   Options
	inbox  *Inbox
	logger *slog.Logger

	connected atomic.Bool
	cancel    context.CancelFunc
	done      chan struct{}

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool

	// writeMu serializes data frames; gorilla allows one concurrent writer.
	writeMu sync.Mutex
}

// Open starts a connection attempt and returns immediately. The
// session becomes Connected once the handshake completes; a failed
// dial leaves it disconnected and closes Done.
func Open(ctx context.Context, opts Options) *Session {
	opts.applyDefaults()
	ctx, cancel := context.WithCancel(ctx)

	s := &Session{
		id:     uuid.NewString(),
		opts:   opts,
		inbox:  NewInbox(opts.InboxSize),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	s.logger = opts.Logger.With("session_id", s.id)

	go s.run(ctx)
	return s
}

// ID returns the session's correlation id.
func (s *Session) ID() string { return s.id }

// Connected reports whether the handshake completed and the session
// has not failed or been disconnected since.
func (s *Session) Connected() bool { return s.connected.Load() }

// Messages delivers inbound text frames in arrival order.
func (s *Session) Messages() <-chan []byte { return s.inbox.C() }

// Done is closed once the session's read loop has exited. Messages
// already queued remain readable afterwards.
func (s *Session) Done() <-chan struct{} { return s.done }

// Dropped returns how many inbound messages were evicted because the
// consumer fell behind.
func (s *Session) Dropped() int64 { return s.inbox.Dropped() }

// Send writes payload as a single text frame. It fails with
// ErrNotConnected if the session is not connected, and is bounded by
// the write timeout. A write error disconnects the session.
func (s *Session) Send(payload []byte) error {
	if !s.connected.Load() {
		return ErrNotConnected
	}
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		s.teardown()
		return fmt.Errorf("write frame: %w", err)
	}
	s.logger.Log(context.Background(), config.LevelTrace, "relay frame sent", "payload", string(payload))
	return nil
}

// Disconnect closes the session. It is idempotent, safe before the
// handshake completes, and never blocks on the network beyond a
// best-effort close frame.
func (s *Session) Disconnect() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	conn := s.conn
	s.mu.Unlock()

	s.connected.Store(false)
	s.cancel()

	if conn != nil {
		deadline := time.Now().Add(time.Second)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = conn.Close()
	}
	s.logger.Debug("relay session disconnected")
}

// teardown marks the session dead after a transport error.
func (s *Session) teardown() {
	s.connected.Store(false)
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func (s *Session) run(ctx context.Context) {
	defer close(s.done)
	defer s.connected.Store(false)

	endpoint, err := websocketURL(s.opts.Endpoint)
	if err != nil {
		s.logger.Error("invalid relay endpoint", "endpoint", s.opts.Endpoint, "error", err)
		return
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: s.opts.HandshakeTimeout,
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+s.opts.Token)
	header.Set("User-Agent", buildinfo.UserAgent())

	s.logger.Info("connecting to relay", "url", endpoint)
	conn, resp, err := dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		if ctx.Err() != nil {
			s.logger.Debug("relay dial abandoned", "error", err)
			return
		}
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		s.logger.Warn("relay dial failed", "error", err, "http_status", status)
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.conn = conn
	s.mu.Unlock()

	conn.SetReadLimit(s.opts.ReadLimit)
	conn.SetReadDeadline(time.Now().Add(s.opts.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.opts.PongWait))
	})

	s.connected.Store(true)
	s.logger.Info("relay session connected")

	go s.keepalive(ctx, conn)
	s.readLoop(conn)
}

func (s *Session) readLoop(conn *websocket.Conn) {
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			switch {
			case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				s.logger.Info("relay closed session", "error", err)
			case !s.Connected():
				// Local Disconnect or failed write; nothing to add.
			default:
				s.logger.Warn("relay read error, session lost", "error", err)
			}
			s.teardown()
			return
		}
		if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
			continue
		}
		s.logger.Log(context.Background(), config.LevelTrace, "relay frame received", "payload", string(data))
		if s.inbox.Push(data) {
			s.logger.Warn("inbound queue full, dropped oldest message", "dropped_total", s.inbox.Dropped())
		}
	}
}

func (s *Session) keepalive(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(s.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(s.opts.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				s.logger.Debug("relay ping failed", "error", err)
				s.teardown()
				return
			}
		}
	}
}

// websocketURL rewrites http(s) to ws(s) and validates the result.
func websocketURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("missing host in %q", raw)
	}
	return u.String(), nil
}

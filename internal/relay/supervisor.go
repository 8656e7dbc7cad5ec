package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oaproject/oa-agent/internal/buildinfo"
	"github.com/oaproject/oa-agent/internal/command"
	"github.com/oaproject/oa-agent/internal/connwatch"
	"github.com/oaproject/oa-agent/internal/crash"
	"github.com/oaproject/oa-agent/internal/events"
	"github.com/oaproject/oa-agent/internal/netinfo"
	"github.com/oaproject/oa-agent/internal/transport"
)

// Options configures a Supervisor. Config, Printer and Router are
// required; everything else has a default.
type Options struct {
	Config   Config
	Printer  Printer
	Router   *command.Router
	Settings Settings
	Plugins  Plugins

	// Collaborators are started once when Run begins and quit once
	// when the supervisor stops.
	Collaborators []Collaborator
	// Mirror, when set, receives a copy of every outbound payload.
	Mirror Mirror
	// Bus, when set, carries session events out and printer events in.
	// Printer events are pushed to the relay as status with a type.
	Bus *events.Bus

	LoopInterval      time.Duration // default 10s
	HeartbeatInterval time.Duration // default 60s
	ConnectGrace      time.Duration // default 2s
	Backoff           connwatch.BackoffConfig
	// ShutdownTimeout bounds how long Run waits for collaborators
	// after quitting. Default 5s.
	ShutdownTimeout time.Duration

	Open    OpenFunc                 // default DialWebsocket
	IPAddrs func() ([]string, error) // default netinfo.IPAddrs
	Version string                   // default buildinfo.Version
	Logger  *slog.Logger
}

// Supervisor runs the relay message loop.
type Supervisor struct {
	cfg      Config
	opts     Options
	reporter crash.Reporter
	logger   *slog.Logger

	backoff *connwatch.Backoff
	sched   *Scheduler
	opInfo  *opInfoCache

	state   atomic.Int32
	running atomic.Bool

	quitOnce sync.Once
	quit     chan struct{}

	connMu sync.Mutex
	conn   Conn

	collabWG sync.WaitGroup
}

// New creates a supervisor. It does not dial until Run.
func New(opts Options) *Supervisor {
	if opts.LoopInterval <= 0 {
		opts.LoopInterval = 10 * time.Second
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 60 * time.Second
	}
	if opts.ConnectGrace <= 0 {
		opts.ConnectGrace = 2 * time.Second
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Open == nil {
		opts.Open = DialWebsocket(transport.Options{Logger: opts.Logger})
	}
	if opts.IPAddrs == nil {
		opts.IPAddrs = netinfo.IPAddrs
	}
	if opts.Version == "" {
		opts.Version = buildinfo.Version
	}

	reporter := opts.Config.Reporter
	if reporter == nil {
		reporter = crash.Nop{}
	}

	return &Supervisor{
		cfg:      opts.Config,
		opts:     opts,
		reporter: reporter,
		logger:   opts.Logger,
		backoff:  connwatch.NewBackoff(opts.Backoff),
		sched:    NewScheduler(opts.HeartbeatInterval),
		opInfo: &opInfoCache{
			settings: opts.Settings,
			plugins:  opts.Plugins,
			ipAddrs:  opts.IPAddrs,
		},
		quit: make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State { return State(s.state.Load()) }

func (s *Supervisor) setState(st State) { s.state.Store(int32(st)) }

// Quitting reports whether Quit has been called.
func (s *Supervisor) Quitting() bool {
	select {
	case <-s.quit:
		return true
	default:
		return false
	}
}

func (s *Supervisor) stopping(ctx context.Context) bool {
	return s.Quitting() || ctx.Err() != nil
}

// Quit stops the loop and every collaborator. It is idempotent and
// returns without waiting; in-flight sends are not interrupted.
func (s *Supervisor) Quit() {
	s.quitOnce.Do(func() {
		s.logger.Info("relay supervisor quitting")
		close(s.quit)
		for _, c := range s.opts.Collaborators {
			c.Quit()
		}
	})
}

// Run drives the loop until Quit is called or ctx is cancelled. It
// returns an error wrapping [ErrStartup] if the loop could not start,
// and nil after a normal stop.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.checkStartup(); err != nil {
		err = fmt.Errorf("%w: %w", ErrStartup, err)
		s.reporter.CaptureException(err, "phase", "startup")
		return err
	}
	if !s.running.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: already running", ErrStartup)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-ctx.Done():
			s.Quit()
		case <-s.quit:
		}
	}()

	s.startCollaborators(ctx)
	if s.opts.Bus != nil {
		ch := s.opts.Bus.Subscribe(32)
		defer s.opts.Bus.Unsubscribe(ch)
		go s.forwardEvents(ctx, ch)
	}

	s.logger.Info("relay supervisor started",
		"endpoint", Endpoint(s.cfg.WSHost),
		"loop_interval", s.opts.LoopInterval,
		"heartbeat_interval", s.opts.HeartbeatInterval,
	)
	s.loop(ctx)
	s.setState(Stopped)

	cancel()
	s.waitCollaborators()
	s.logger.Info("relay supervisor stopped")
	return nil
}

func (s *Supervisor) checkStartup() error {
	var errs []error
	if err := s.cfg.validate(); err != nil {
		errs = append(errs, err)
	}
	if s.opts.Printer == nil {
		errs = append(errs, errors.New("printer is required"))
	}
	if s.opts.Router == nil {
		errs = append(errs, errors.New("command router is required"))
	}
	return errors.Join(errs...)
}

// loop is the reconnect loop: one iteration per session.
func (s *Supervisor) loop(ctx context.Context) {
	endpoint := Endpoint(s.cfg.WSHost)

	for !s.stopping(ctx) {
		s.setState(Connecting)

		conn := s.opts.Open(ctx, endpoint, s.cfg.Token)
		log := s.logger.With("session_id", conn.ID())
		s.setConn(conn)
		go s.receive(ctx, conn)

		connectedFor := time.Duration(0)
		if s.wait(ctx, s.opts.ConnectGrace) {
			connectedFor = s.connected(ctx, conn, log)
		}

		s.setConn(nil)
		conn.Disconnect()

		if s.stopping(ctx) {
			break
		}

		delay := s.backoff.More()
		log.Warn("relay session lost, backing off",
			"connected_for", connectedFor.Round(time.Millisecond),
			"delay", delay,
		)
		s.publish(events.KindSessionDown, map[string]any{
			"session_id": conn.ID(),
			"backoff":    delay,
		})
		s.wait(ctx, delay)
	}
}

// connected runs the connected period for conn and returns how long it
// lasted. Zero means the session never came up.
func (s *Supervisor) connected(ctx context.Context, conn Conn, log *slog.Logger) time.Duration {
	if !conn.Connected() {
		log.Debug("relay session not connected after grace period")
		return 0
	}

	start := time.Now()
	s.setState(Connected)
	log.Info("relay session up")
	s.publish(events.KindSessionUp, map[string]any{"session_id": conn.ID()})

	for conn.Connected() && !s.stopping(ctx) {
		tick := s.sched.Next(time.Now())
		if tick.Heartbeat {
			s.sendHeartbeat(ctx, conn)
		}
		if tick.Status {
			s.sendStatus(ctx, conn, "", nil)
		}
		s.backoff.Reset()

		if !s.wait(ctx, s.opts.LoopInterval) {
			break
		}
	}

	s.setState(Connecting)
	d := time.Since(start)
	if d <= 0 {
		d = time.Nanosecond
	}
	return d
}

// receive hands inbound frames to the router until the session ends,
// then drains whatever is still queued.
func (s *Supervisor) receive(ctx context.Context, conn Conn) {
	msgs := conn.Messages()
	for {
		select {
		case msg := <-msgs:
			s.route(ctx, msg)
		case <-conn.Done():
			for {
				select {
				case msg := <-msgs:
					s.route(ctx, msg)
				default:
					return
				}
			}
		}
	}
}

func (s *Supervisor) route(ctx context.Context, msg []byte) {
	if err := s.opts.Router.Route(ctx, msg); err != nil {
		kind := "command"
		if errors.Is(err, command.ErrDecode) {
			kind = "decode"
		}
		s.reporter.CaptureException(err, "phase", "route", "error_kind", kind)
	}
}

// wait sleeps for d unless Quit is called first. It reports whether
// the full duration elapsed.
func (s *Supervisor) wait(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-s.quit:
		return false
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (s *Supervisor) setConn(c Conn) {
	s.connMu.Lock()
	s.conn = c
	s.connMu.Unlock()
}

func (s *Supervisor) currentConn() Conn {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return s.conn
}

// SendEvent pushes a status message tagged with an event outside the
// normal cadence. Without a connected session the event is dropped.
func (s *Supervisor) SendEvent(ctx context.Context, eventType string, payload any) {
	conn := s.currentConn()
	if conn == nil || !conn.Connected() {
		s.logger.Debug("relay not connected, dropping event", "type", eventType)
		return
	}
	s.sendStatus(ctx, conn, eventType, payload)
}

func (s *Supervisor) sendStatus(ctx context.Context, conn Conn, eventType string, eventPayload any) {
	data, err := s.opts.Printer.CurrentData(ctx)
	if err != nil {
		s.reporter.CaptureException(fmt.Errorf("read printer data: %w", err), "phase", "status")
		return
	}
	temps, err := s.opts.Printer.CurrentTemperatures(ctx)
	if err != nil {
		s.reporter.CaptureException(fmt.Errorf("read temperatures: %w", err), "phase", "status")
		return
	}

	payload, err := json.Marshal(BuildStatus(data, temps, eventType, eventPayload))
	if err != nil {
		s.reporter.CaptureException(fmt.Errorf("encode status: %w", err), "phase", "status")
		return
	}

	if err := conn.Send(payload); err != nil {
		s.reporter.CaptureException(fmt.Errorf("send status: %w", err), "phase", "status", "session_id", conn.ID())
	}
	if s.opts.Mirror != nil {
		if err := s.opts.Mirror.MirrorStatus(ctx, payload); err != nil {
			s.logger.Debug("status mirror failed", "error", err)
		}
	}
}

func (s *Supervisor) sendHeartbeat(ctx context.Context, conn Conn) {
	info, err := s.opInfo.get(ctx)
	if err != nil {
		s.reporter.CaptureException(fmt.Errorf("gather heartbeat info: %w", err), "phase", "heartbeat")
		return
	}

	payload, err := json.Marshal(NewHeartbeat(info, s.opts.Version))
	if err != nil {
		s.reporter.CaptureException(fmt.Errorf("encode heartbeat: %w", err), "phase", "heartbeat")
		return
	}

	if err := conn.Send(payload); err != nil {
		s.reporter.CaptureException(fmt.Errorf("send heartbeat: %w", err), "phase", "heartbeat", "session_id", conn.ID())
	} else {
		s.logger.Debug("heartbeat sent", "session_id", conn.ID())
	}
	if s.opts.Mirror != nil {
		if err := s.opts.Mirror.MirrorHeartbeat(ctx, payload); err != nil {
			s.logger.Debug("heartbeat mirror failed", "error", err)
		}
	}
}

func (s *Supervisor) publish(kind string, data map[string]any) {
	s.opts.Bus.Publish(events.Event{Source: events.SourceRelay, Kind: kind, Data: data})
}

// forwardEvents pushes printer events to the relay.
func (s *Supervisor) forwardEvents(ctx context.Context, ch <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.quit:
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.Source != events.SourcePrinter {
				continue
			}
			s.SendEvent(ctx, ev.Kind, ev.Data)
		}
	}
}

func (s *Supervisor) startCollaborators(ctx context.Context) {
	for _, c := range s.opts.Collaborators {
		s.collabWG.Add(1)
		go func() {
			defer s.collabWG.Done()
			s.logger.Info("collaborator started", "name", c.Name())
			if err := c.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.reporter.CaptureException(fmt.Errorf("collaborator %s: %w", c.Name(), err), "phase", "collaborator")
				return
			}
			s.logger.Info("collaborator stopped", "name", c.Name())
		}()
	}
}

func (s *Supervisor) waitCollaborators() {
	done := make(chan struct{})
	go func() {
		s.collabWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.opts.ShutdownTimeout):
		s.logger.Warn("collaborators still running after shutdown timeout", "timeout", s.opts.ShutdownTimeout)
	}
}

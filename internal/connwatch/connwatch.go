// Package connwatch holds the agent's retry pacing: the [Backoff]
// controller used between relay reconnects, and [Watcher], which
// tracks whether a dependency (the local OctoPrint API) is reachable.
//
// A Watcher probes a single service in two phases:
//  1. Startup: probe with exponential backoff until the first success
//     or MaxRetries attempts.
//  2. Background: periodic polling with state-transition callbacks.
package connwatch

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ProbeFunc checks whether a service is reachable. Return nil if healthy.
type ProbeFunc func(ctx context.Context) error

// BackoffConfig controls exponential backoff and polling.
type BackoffConfig struct {
	// InitialDelay is the first (and post-reset) delay. Default: 1s.
	InitialDelay time.Duration

	// MaxDelay caps delay growth. Default: 1200s.
	MaxDelay time.Duration

	// Multiplier scales the delay after each failure. Default: 2.0.
	Multiplier float64

	// MaxRetries bounds a Watcher's startup probe attempts. Default: 10.
	MaxRetries int

	// PollInterval is the Watcher's background check interval. Default: 60s.
	PollInterval time.Duration

	// ProbeTimeout limits each probe call. Default: 10s.
	ProbeTimeout time.Duration
}

// DefaultBackoffConfig returns the relay reconnect schedule: 1s, 2s,
// 4s, ... capped at 20 minutes.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: time.Second,
		MaxDelay:     1200 * time.Second,
		Multiplier:   2.0,
		MaxRetries:   10,
		PollInterval: 60 * time.Second,
		ProbeTimeout: 10 * time.Second,
	}
}

func (c BackoffConfig) withDefaults() BackoffConfig {
	d := DefaultBackoffConfig()
	if c.InitialDelay <= 0 {
		c.InitialDelay = d.InitialDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.Multiplier < 1 {
		c.Multiplier = d.Multiplier
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = d.ProbeTimeout
	}
	return c
}

// WatcherConfig configures a single service watcher.
type WatcherConfig struct {
	// Name identifies the service in logs (e.g., "octoprint").
	Name string

	// Probe checks service health. Must be safe for concurrent use.
	Probe ProbeFunc

	Backoff BackoffConfig

	// OnReady runs in its own goroutine on not-ready → ready. Optional.
	OnReady func()

	// OnDown runs in its own goroutine on ready → not-ready. Optional.
	OnDown func(err error)

	Logger *slog.Logger
}

// ServiceStatus is the health of a watched service.
type ServiceStatus struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
}

// Watcher monitors a single service's health.
type Watcher struct {
	config WatcherConfig
	ready  atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	lastErr   error
	lastCheck time.Time
}

// IsReady reports whether the watched service is currently reachable.
func (w *Watcher) IsReady() bool {
	return w.ready.Load()
}

// Status returns the current health status.
func (w *Watcher) Status() ServiceStatus {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := ServiceStatus{
		Name:      w.config.Name,
		Ready:     w.ready.Load(),
		LastCheck: w.lastCheck,
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Stop cancels the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	cfg := w.config.Backoff
	logger := w.config.Logger
	backoff := NewBackoff(cfg)

	for attempt := 1; attempt <= cfg.MaxRetries; attempt++ {
		err := w.probe(ctx)
		if err == nil {
			w.transition(nil)
			logger.Info("service connected", "service", w.config.Name, "after_attempts", attempt)
			break
		}
		w.record(err)

		if attempt == cfg.MaxRetries {
			logger.Warn("service unreachable at startup, entering background polling",
				"service", w.config.Name,
				"attempts", attempt,
				"error", err,
			)
			break
		}

		delay := backoff.More()
		logger.Debug("startup probe failed, retrying",
			"service", w.config.Name,
			"attempt", attempt,
			"next_delay", delay.String(),
			"error", err,
		)
		if !Sleep(ctx, delay) {
			return
		}
	}

	ticker := time.NewTicker(cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.transition(w.probe(ctx))
		}
	}
}

// transition records a probe result and fires callbacks on edges.
func (w *Watcher) transition(err error) {
	w.record(err)
	wasReady := w.ready.Load()
	logger := w.config.Logger

	switch {
	case wasReady && err != nil:
		w.ready.Store(false)
		logger.Warn("service became unreachable", "service", w.config.Name, "error", err)
		if w.config.OnDown != nil {
			go w.config.OnDown(err)
		}
	case !wasReady && err == nil:
		w.ready.Store(true)
		logger.Info("service ready", "service", w.config.Name)
		if w.config.OnReady != nil {
			go w.config.OnReady()
		}
	}
}

func (w *Watcher) probe(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, w.config.Backoff.ProbeTimeout)
	defer cancel()
	return w.config.Probe(probeCtx)
}

func (w *Watcher) record(err error) {
	w.mu.Lock()
	w.lastErr = err
	w.lastCheck = time.Now()
	w.mu.Unlock()
}

// Sleep waits for d or until ctx is cancelled. It returns false if
// ctx was cancelled first.
func Sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Manager owns a set of watchers and stops them together.
type Manager struct {
	mu       sync.RWMutex
	watchers map[string]*Watcher
	logger   *slog.Logger
}

// NewManager creates a connection watch manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		watchers: make(map[string]*Watcher),
		logger:   logger,
	}
}

// Watch registers and starts a watcher that runs until ctx is
// cancelled or Stop is called. Panics on an empty Name or nil Probe.
func (m *Manager) Watch(ctx context.Context, cfg WatcherConfig) *Watcher {
	if cfg.Name == "" {
		panic("connwatch: WatcherConfig.Name must not be empty")
	}
	if cfg.Probe == nil {
		panic("connwatch: WatcherConfig.Probe must not be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = m.logger
	}
	cfg.Backoff = cfg.Backoff.withDefaults()

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		config: cfg,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go w.run(watchCtx)

	m.mu.Lock()
	m.watchers[cfg.Name] = w
	m.mu.Unlock()

	return w
}

// Status returns the health status of all watched services.
func (m *Manager) Status() map[string]ServiceStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]ServiceStatus, len(m.watchers))
	for name, w := range m.watchers {
		status[name] = w.Status()
	}
	return status
}

// Stop shuts down all watchers and waits for their goroutines to exit.
func (m *Manager) Stop() {
	m.mu.RLock()
	watchers := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		watchers = append(watchers, w)
	}
	m.mu.RUnlock()

	for _, w := range watchers {
		w.Stop()
	}
}

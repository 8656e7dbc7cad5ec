// Package stream pushes webcam snapshots to the relay while someone is
// watching. It does no encoding: each JPEG frame fetched from the
// webcam's snapshot URL is posted to the relay as is.
package stream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/oaproject/oa-agent/internal/connwatch"
	"github.com/oaproject/oa-agent/internal/httpkit"
	"github.com/oaproject/oa-agent/internal/octoprint"
	"github.com/oaproject/oa-agent/internal/remotestatus"
)

// UploadPath is appended to the stream host.
const UploadPath = "/video/mjpegs"

// maxFrameBytes bounds a single snapshot.
const maxFrameBytes = 8 << 20

// WebcamSource reports the webcam configuration.
type WebcamSource interface {
	Webcam(ctx context.Context) (*octoprint.Webcam, error)
}

// Options configures an Uploader.
type Options struct {
	StreamHost string
	Token      string
	Status     *remotestatus.Status

	// SnapshotURL, if set, is used instead of asking Webcam.
	SnapshotURL string
	Webcam      WebcamSource

	// Interval is the gap between frames while watching (default 1s).
	Interval time.Duration
	// IdleInterval is how often the watching flag is checked while no
	// one is watching (default 2s).
	IdleInterval time.Duration
	// Backoff paces retries after a failed frame.
	Backoff connwatch.BackoffConfig

	// HTTPClient fetches webcam snapshots. Relay uploads use a separate
	// client carrying Token, so the token never reaches the webcam.
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Uploader is the snapshot streaming collaborator.
type Uploader struct {
	opts    Options
	client  *http.Client
	relay   *http.Client
	logger  *slog.Logger
	backoff *connwatch.Backoff

	quitOnce sync.Once
	quit     chan struct{}

	mu          sync.Mutex
	snapshotURL string
	frames      int64
}

// New creates an uploader.
func New(opts Options) *Uploader {
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	if opts.IdleInterval <= 0 {
		opts.IdleInterval = 2 * time.Second
	}
	if opts.Backoff.InitialDelay <= 0 {
		opts.Backoff.InitialDelay = opts.Interval
	}
	if opts.Backoff.MaxDelay <= 0 {
		opts.Backoff.MaxDelay = time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	client := opts.HTTPClient
	if client == nil {
		client = httpkit.NewClient(httpkit.WithTimeout(15*time.Second), httpkit.WithLogger(opts.Logger))
	}
	if opts.Status == nil {
		opts.Status = remotestatus.New()
	}
	relay := httpkit.NewClient(
		httpkit.WithTimeout(15*time.Second),
		httpkit.WithBearerToken(opts.Token),
		httpkit.WithLogger(opts.Logger),
	)
	return &Uploader{
		opts:        opts,
		client:      client,
		relay:       relay,
		logger:      opts.Logger.With("collaborator", "stream"),
		backoff:     connwatch.NewBackoff(opts.Backoff),
		quit:        make(chan struct{}),
		snapshotURL: opts.SnapshotURL,
	}
}

// Name implements relay.Collaborator.
func (u *Uploader) Name() string { return "stream" }

// Quit stops Run. It is idempotent.
func (u *Uploader) Quit() {
	u.quitOnce.Do(func() { close(u.quit) })
}

// Frames returns how many frames have been uploaded.
func (u *Uploader) Frames() int64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.frames
}

// Run streams until Quit is called or ctx is cancelled.
func (u *Uploader) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-u.quit:
			cancel()
		case <-ctx.Done():
		}
	}()

	for ctx.Err() == nil {
		if !u.opts.Status.IsWatching() {
			u.backoff.Reset()
			connwatch.Sleep(ctx, u.opts.IdleInterval)
			continue
		}

		if err := u.pushFrame(ctx); err != nil {
			if ctx.Err() != nil {
				break
			}
			delay := u.backoff.More()
			u.logger.Warn("snapshot upload failed", "error", err, "retry_in", delay)
			connwatch.Sleep(ctx, delay)
			continue
		}
		u.backoff.Reset()
		connwatch.Sleep(ctx, u.opts.Interval)
	}
	return nil
}

func (u *Uploader) pushFrame(ctx context.Context) error {
	src, err := u.resolveSnapshotURL(ctx)
	if err != nil {
		return err
	}
	frame, err := u.fetch(ctx, src)
	if err != nil {
		return err
	}
	if err := u.upload(ctx, frame); err != nil {
		return err
	}
	u.mu.Lock()
	u.frames++
	u.mu.Unlock()
	return nil
}

func (u *Uploader) resolveSnapshotURL(ctx context.Context) (string, error) {
	u.mu.Lock()
	cached := u.snapshotURL
	u.mu.Unlock()
	if cached != "" {
		return cached, nil
	}
	if u.opts.Webcam == nil {
		return "", errors.New("no snapshot URL configured")
	}

	cam, err := u.opts.Webcam.Webcam(ctx)
	if err != nil {
		return "", fmt.Errorf("webcam settings: %w", err)
	}
	if cam.SnapshotURL == "" {
		return "", errors.New("webcam has no snapshot URL")
	}

	u.mu.Lock()
	u.snapshotURL = cam.SnapshotURL
	u.mu.Unlock()
	u.logger.Info("using webcam snapshot URL", "url", cam.SnapshotURL)
	return cam.SnapshotURL, nil
}

func (u *Uploader) fetch(ctx context.Context, src string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return nil, fmt.Errorf("build snapshot request: %w", err)
	}
	resp, err := u.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch snapshot: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch snapshot: HTTP %d", resp.StatusCode)
	}
	frame, err := io.ReadAll(io.LimitReader(resp.Body, maxFrameBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	if len(frame) > maxFrameBytes {
		return nil, fmt.Errorf("snapshot exceeds %d bytes", maxFrameBytes)
	}
	if len(frame) == 0 {
		return nil, errors.New("empty snapshot")
	}
	return frame, nil
}

func (u *Uploader) upload(ctx context.Context, frame []byte) error {
	dst := strings.TrimRight(u.opts.StreamHost, "/") + UploadPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, dst, bytes.NewReader(frame))
	if err != nil {
		return fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Content-Type", "image/jpeg")

	resp, err := u.relay.Do(req)
	if err != nil {
		return fmt.Errorf("upload frame: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body := httpkit.ReadErrorBody(resp.Body, 512)
		return fmt.Errorf("upload frame: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(body))
	}
	return nil
}

// Package timelapse uploads finished timelapse videos to the relay.
// The uploader scans OctoPrint's timelapse folder on an interval, and
// shortly after fsnotify reports a new video, and posts every .mp4 it
// has not uploaded before, tracking uploads in a SQLite [Ledger].
package timelapse

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/oaproject/oa-agent/internal/httpkit"
)

// UploadPath is appended to the stream host.
const UploadPath = "/app/timelapses"

// Options configures an Uploader.
type Options struct {
	StreamHost string
	Token      string
	Dir        string
	Ledger     *Ledger

	// ScanInterval is the gap between directory scans (default 5m).
	ScanInterval time.Duration
	// SettleTime skips files modified more recently than this, since
	// OctoPrint may still be rendering them (default 30s).
	SettleTime time.Duration

	// HTTPClient overrides the default upload client. It must carry its
	// own Authorization header.
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Uploader is the timelapse upload collaborator.
type Uploader struct {
	opts   Options
	client *http.Client
	logger *slog.Logger

	quitOnce sync.Once
	quit     chan struct{}

	now func() time.Time
}

// New creates an uploader.
func New(opts Options) *Uploader {
	if opts.ScanInterval <= 0 {
		opts.ScanInterval = 5 * time.Minute
	}
	if opts.SettleTime <= 0 {
		opts.SettleTime = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	client := opts.HTTPClient
	if client == nil {
		client = httpkit.NewClient(
			httpkit.WithTimeout(10*time.Minute),
			httpkit.WithBearerToken(opts.Token),
			httpkit.WithLogger(opts.Logger),
		)
	}
	return &Uploader{
		opts:   opts,
		client: client,
		logger: opts.Logger.With("collaborator", "timelapse"),
		quit:   make(chan struct{}),
		now:    time.Now,
	}
}

// Name implements relay.Collaborator.
func (u *Uploader) Name() string { return "timelapse" }

// Quit stops Run. It is idempotent.
func (u *Uploader) Quit() {
	u.quitOnce.Do(func() { close(u.quit) })
}

// Run scans and uploads until Quit is called or ctx is cancelled. A
// scan runs at start, every ScanInterval, and once a new video has been
// quiet for SettleTime.
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

	var fsEvents <-chan fsnotify.Event
	var fsErrors <-chan error
	if w := watchDir(u.opts.Dir, u.logger); w != nil {
		defer w.Close()
		fsEvents, fsErrors = w.Events, w.Errors
	}

	ticker := time.NewTicker(u.opts.ScanInterval)
	defer ticker.Stop()
	settled := newStoppedTimer()
	defer settled.Stop()

	u.logger.Info("timelapse uploader started",
		"dir", u.opts.Dir,
		"scan_interval", u.opts.ScanInterval,
		"watching", fsEvents != nil,
	)
	u.scanAndLog(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			u.scanAndLog(ctx)
		case <-settled.C:
			u.scanAndLog(ctx)
		case ev, ok := <-fsEvents:
			if !ok {
				fsEvents = nil
				continue
			}
			if isVideoEvent(ev) {
				u.logger.Debug("timelapse file changed", "file", filepath.Base(ev.Name), "op", ev.Op.String())
				resetTimer(settled, u.opts.SettleTime+settleSlack)
			}
		case err, ok := <-fsErrors:
			if !ok {
				fsErrors = nil
				continue
			}
			u.logger.Warn("timelapse watcher error", "error", err)
		}
	}
}

// settleSlack is added to SettleTime before an event-triggered scan so
// the changed file is past the cutoff when the scan runs.
const settleSlack = 100 * time.Millisecond

func (u *Uploader) scanAndLog(ctx context.Context) {
	n, err := u.Scan(ctx)
	if err != nil && ctx.Err() == nil {
		u.logger.Warn("timelapse scan failed", "error", err)
	} else if n > 0 {
		u.logger.Info("timelapses uploaded", "count", n)
	}
}

type candidate struct {
	path string
	name string
	size int64
}

// Scan uploads every settled, not yet uploaded .mp4 in the directory
// and returns how many it uploaded. A failed upload is skipped and
// retried on the next scan.
func (u *Uploader) Scan(ctx context.Context) (int, error) {
	files, err := u.candidates()
	if err != nil {
		return 0, err
	}

	uploaded := 0
	var lastErr error
	for _, f := range files {
		if ctx.Err() != nil {
			return uploaded, ctx.Err()
		}
		done, err := u.opts.Ledger.Uploaded(f.name, f.size)
		if err != nil {
			return uploaded, err
		}
		if done {
			continue
		}
		if err := u.upload(ctx, f); err != nil {
			u.logger.Warn("timelapse upload failed", "file", f.name, "error", err)
			lastErr = err
			continue
		}
		if err := u.opts.Ledger.Record(f.name, f.size, u.now()); err != nil {
			return uploaded, err
		}
		uploaded++
	}
	return uploaded, lastErr
}

func (u *Uploader) candidates() ([]candidate, error) {
	entries, err := os.ReadDir(u.opts.Dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read timelapse dir: %w", err)
	}

	cutoff := u.now().Add(-u.opts.SettleTime)
	var out []candidate
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".mp4") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) || info.Size() == 0 {
			continue
		}
		out = append(out, candidate{
			path: filepath.Join(u.opts.Dir, e.Name()),
			name: e.Name(),
			size: info.Size(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out, nil
}

func (u *Uploader) upload(ctx context.Context, f candidate) error {
	file, err := os.Open(f.path)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer file.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", f.name)
	if err != nil {
		return fmt.Errorf("create form: %w", err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return fmt.Errorf("read file: %w", err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("close form: %w", err)
	}

	dst := strings.TrimRight(u.opts.StreamHost, "/") + UploadPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, dst, &body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := u.client.Do(req)
	if err != nil {
		return fmt.Errorf("upload: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := httpkit.ReadErrorBody(resp.Body, 512)
		return fmt.Errorf("upload: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(msg))
	}
	u.logger.Info("timelapse uploaded", "file", f.name, "bytes", f.size)
	return nil
}

package timelapse

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchDir starts an fsnotify watcher on dir. It returns nil when the
// directory is missing or the watcher cannot be created; the uploader
// then relies on periodic scans alone.
func watchDir(dir string, logger *slog.Logger) *fsnotify.Watcher {
	if _, err := os.Stat(dir); err != nil {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("timelapse watcher unavailable, polling only", "error", err)
		return nil
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		logger.Warn("timelapse watcher unavailable, polling only", "dir", dir, "error", err)
		return nil
	}
	return watcher
}

// isVideoEvent reports whether ev may have produced a finished video.
func isVideoEvent(ev fsnotify.Event) bool {
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Rename) {
		return false
	}
	return strings.EqualFold(filepath.Ext(ev.Name), ".mp4")
}

// newStoppedTimer returns a timer that will not fire until Reset.
func newStoppedTimer() *time.Timer {
	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	return timer
}

// resetTimer restarts timer for d, discarding any pending fire.
func resetTimer(timer *time.Timer, d time.Duration) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	timer.Reset(d)
}

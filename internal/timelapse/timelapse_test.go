package timelapse

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func testLedger(t *testing.T) *Ledger {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "timelapse_test.db")
	l, err := OpenLedger(dbPath)
	if err != nil {
		t.Fatalf("OpenLedger(%q): %v", dbPath, err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestLedger_RecordAndLookup(t *testing.T) {
	l := testLedger(t)

	ok, err := l.Uploaded("benchy.mp4", 1024)
	if err != nil {
		t.Fatalf("Uploaded() error: %v", err)
	}
	if ok {
		t.Error("Uploaded() = true on an empty ledger")
	}

	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	if err := l.Record("benchy.mp4", 1024, at); err != nil {
		t.Fatalf("Record() error: %v", err)
	}
	if err := l.Record("benchy.mp4", 1024, at.Add(time.Hour)); err != nil {
		t.Fatalf("Record() twice error: %v", err)
	}

	if ok, _ := l.Uploaded("benchy.mp4", 1024); !ok {
		t.Error("Uploaded() = false after Record")
	}
	if ok, _ := l.Uploaded("benchy.mp4", 2048); ok {
		t.Error("Uploaded() = true for a different size")
	}

	entries, err := l.List()
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(entries) != 1 || !entries[0].UploadedAt.Equal(at.Add(time.Hour)) {
		t.Errorf("List() = %+v", entries)
	}
}

func TestLedger_Persists(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "persist.db")
	l, err := OpenLedger(dbPath)
	if err != nil {
		t.Fatalf("OpenLedger: %v", err)
	}
	if err := l.Record("a.mp4", 1, time.Now()); err != nil {
		t.Fatalf("Record: %v", err)
	}
	l.Close()

	l2, err := OpenLedger(dbPath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer l2.Close()
	if ok, _ := l2.Uploaded("a.mp4", 1); !ok {
		t.Error("upload record lost across reopen")
	}
}

type uploadStub struct {
	*httptest.Server
	mu      sync.Mutex
	names   []string
	bodies  []string
	auth    []string
	rejects atomic.Int32
}

func newUploadStub(t *testing.T, rejectFirst int32) *uploadStub {
	t.Helper()
	s := &uploadStub{}
	s.rejects.Store(rejectFirst)
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != UploadPath {
			http.NotFound(w, r)
			return
		}
		if s.rejects.Add(-1) >= 0 {
			http.Error(w, "try later", http.StatusBadGateway)
			return
		}
		f, hdr, err := r.FormFile("file")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		data, _ := io.ReadAll(f)
		s.mu.Lock()
		s.names = append(s.names, hdr.Filename)
		s.bodies = append(s.bodies, string(data))
		s.auth = append(s.auth, r.Header.Get("Authorization"))
		s.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *uploadStub) uploaded() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.names...)
}

func writeFile(t *testing.T, dir, name, content string, mod time.Time) {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(p, mod, mod); err != nil {
		t.Fatal(err)
	}
}

func TestUploader_ScanUploadsSettledVideosOnce(t *testing.T) {
	dir := t.TempDir()
	old := time.Now().Add(-time.Hour)
	writeFile(t, dir, "b.mp4", "video-b", old)
	writeFile(t, dir, "a.MP4", "video-a", old)
	writeFile(t, dir, "rendering.mp4", "partial", time.Now())
	writeFile(t, dir, "notes.txt", "not a video", old)
	writeFile(t, dir, "empty.mp4", "", old)

	stub := newUploadStub(t, 0)
	u := New(Options{StreamHost: stub.URL + "/", Token: "tok", Dir: dir, Ledger: testLedger(t)})

	n, err := u.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan() error: %v", err)
	}
	if n != 2 {
		t.Errorf("Scan() uploaded %d, want 2", n)
	}
	got := stub.uploaded()
	if len(got) != 2 || got[0] != "a.MP4" || got[1] != "b.mp4" {
		t.Errorf("uploaded = %v, want [a.MP4 b.mp4]", got)
	}
	stub.mu.Lock()
	if stub.bodies[0] != "video-a" || stub.auth[0] != "Bearer tok" {
		t.Errorf("first upload body %q auth %q", stub.bodies[0], stub.auth[0])
	}
	stub.mu.Unlock()

	n, err = u.Scan(context.Background())
	if err != nil || n != 0 {
		t.Errorf("second Scan() = %d, %v; want 0, nil", n, err)
	}
}

func TestUploader_FailedUploadRetriedNextScan(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.mp4", "video-a", time.Now().Add(-time.Hour))

	stub := newUploadStub(t, 1)
	u := New(Options{StreamHost: stub.URL, Dir: dir, Ledger: testLedger(t)})

	if n, err := u.Scan(context.Background()); err == nil || n != 0 {
		t.Errorf("first Scan() = %d, %v; want 0 and an error", n, err)
	}
	if n, err := u.Scan(context.Background()); err != nil || n != 1 {
		t.Errorf("second Scan() = %d, %v; want 1, nil", n, err)
	}
}

func TestUploader_MissingDir(t *testing.T) {
	u := New(Options{StreamHost: "http://127.0.0.1:1", Dir: filepath.Join(t.TempDir(), "nope"), Ledger: testLedger(t)})
	n, err := u.Scan(context.Background())
	if err != nil || n != 0 {
		t.Errorf("Scan() = %d, %v; want 0, nil", n, err)
	}
}

func TestUploader_RunStopsOnQuit(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.mp4", "video-a", time.Now().Add(-time.Hour))
	stub := newUploadStub(t, 0)
	u := New(Options{StreamHost: stub.URL, Dir: dir, Ledger: testLedger(t), ScanInterval: time.Hour})

	done := make(chan error, 1)
	go func() { done <- u.Run(context.Background()) }()

	deadline := time.Now().Add(3 * time.Second)
	for len(stub.uploaded()) == 0 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if len(stub.uploaded()) != 1 {
		t.Fatalf("uploaded = %v, want one file from the first scan", stub.uploaded())
	}

	u.Quit()
	u.Quit()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Quit")
	}
}

func TestUploader_NewVideoUploadedAfterSettling(t *testing.T) {
	dir := t.TempDir()
	stub := newUploadStub(t, 0)
	u := New(Options{
		StreamHost:   stub.URL,
		Dir:          dir,
		Ledger:       testLedger(t),
		ScanInterval: time.Hour,
		SettleTime:   20 * time.Millisecond,
	})

	done := make(chan error, 1)
	go func() { done <- u.Run(context.Background()) }()
	defer func() {
		u.Quit()
		<-done
	}()

	// Let the initial scan and the watcher start.
	time.Sleep(50 * time.Millisecond)
	if err := os.WriteFile(filepath.Join(dir, "fresh.mp4"), []byte("video"), 0o644); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for len(stub.uploaded()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := stub.uploaded(); len(got) != 1 || got[0] != "fresh.mp4" {
		t.Errorf("uploaded = %v, want [fresh.mp4] without waiting for the scan interval", got)
	}
}

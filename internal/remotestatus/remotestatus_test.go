package remotestatus

import (
	"sync"
	"testing"
)

func TestStatus_DefaultsFalse(t *testing.T) {
	s := New()
	if s.IsWatching() {
		t.Error("IsWatching() = true on fresh status")
	}
	if len(s.Snapshot()) != 0 {
		t.Errorf("Snapshot() = %v, want empty", s.Snapshot())
	}
}

func TestStatus_SetAndSnapshotCopy(t *testing.T) {
	s := New()
	s.SetWatching(true)

	snap := s.Snapshot()
	if !snap[Watching] {
		t.Errorf("Snapshot()[%q] = false, want true", Watching)
	}
	snap[Watching] = false
	if !s.IsWatching() {
		t.Error("mutating the snapshot changed the status")
	}

	s.SetWatching(false)
	if s.IsWatching() {
		t.Error("IsWatching() = true after SetWatching(false)")
	}
}

func TestStatus_ConcurrentAccess(t *testing.T) {
	s := New()
	var wg sync.WaitGroup
	for i := range 16 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			s.SetWatching(i%2 == 0)
		}()
		go func() {
			defer wg.Done()
			_ = s.IsWatching()
			_ = s.Snapshot()
		}()
	}
	wg.Wait()
}
